package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/cmscan/internal/telemetry"
	"github.com/3cpo-dev/cmscan/pkg/api"
)

// Bulky intermediates pruned when cleanUp is set.
const (
	eventsDir   = "mg5amcatnlo"
	analysisLog = "analysis/analysisstdout_atlas_1712_02118_ew.log"
)

// Command is one tool invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// ExecResult is what a finished tool process left behind.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor runs a command to completion. A returned error means the process
// could not be started; a non-zero exit is reported in ExecResult.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (ExecResult, error)
}

// LocalExecutor runs commands as child processes. The context is checked
// before launch only: a started tool is never killed.
type LocalExecutor struct{}

func (LocalExecutor) Execute(ctx context.Context, c Command) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			res.ExitCode = exit.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// Publisher relocates a finished result folder.
type Publisher interface {
	Publish(ctx context.Context, resultDir string) error
}

// Runner executes one JobSpec end to end.
type Runner struct {
	Log        zerolog.Logger
	Exec       Executor
	CardDir    string
	StrictExit bool
	Publisher  Publisher
	Metrics    *telemetry.Collector
}

// Run drives the job through skip check, card generation, tool execution and
// cleanup. It never panics on job errors; every outcome is in the result.
func (r *Runner) Run(ctx context.Context, job JobSpec) JobResult {
	start := time.Now()
	log := r.Log.With().Str("job", job.Name).Logger()
	res := JobResult{Seq: job.Seq, Job: job.Name, Input: job.Input, Status: api.RunPending}

	resultDir := job.ResultDir()
	if _, err := os.Stat(resultDir); err == nil {
		log.Info().Str("folder", resultDir).Msg("results folder found")
		if !job.Overwrite {
			res.Status = api.RunSkipped
			res.Summary = fmt.Sprintf("---- %s skipped", resultDir)
			return r.finish(log, res, start)
		}
		log.Info().Str("folder", resultDir).Msg("overwriting")
		if err := os.RemoveAll(resultDir); err != nil {
			return r.fail(log, res, start, fmt.Errorf("remove old results: %w", err))
		}
	}

	res.Status = api.RunRunning
	if err := os.MkdirAll(job.OutputRoot, 0o755); err != nil {
		return r.fail(log, res, start, fmt.Errorf("create output dir: %w", err))
	}
	card, err := WriteCard(r.CardDir, job)
	if err != nil {
		return r.fail(log, res, start, err)
	}
	log.Debug().Str("card", card).Msg("steering card created")

	out, err := r.execute(ctx, log, job, card)
	if rmErr := os.Remove(card); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		log.Warn().Err(rmErr).Str("card", card).Msg("could not remove steering card")
	}
	res.ExitCode = out.ExitCode
	res.Stdout = string(out.Stdout)
	res.Stderr = string(out.Stderr)
	if err != nil {
		return r.fail(log, res, start, fmt.Errorf("launch tool: %w", err))
	}
	log.Debug().Str("stderr", res.Stderr).Msg("tool error stream")
	log.Debug().Str("stdout", res.Stdout).Msg("tool output")
	r.Metrics.Histogram("cmscan_tool_output_bytes", float64(len(out.Stdout)+len(out.Stderr)), map[string]string{"job": job.Name})

	elapsed := time.Since(start)
	log.Info().Msgf("Done in %3.2f min", elapsed.Minutes())

	if job.CleanUp {
		pruneIntermediates(log, resultDir)
	}

	if out.ExitCode != 0 {
		if r.StrictExit {
			return r.fail(log, res, start, fmt.Errorf("tool exited with status %d", out.ExitCode))
		}
		log.Warn().Int("exit_code", out.ExitCode).Msg("tool exited with non-zero status")
	}

	if r.Publisher != nil {
		if err := r.Publisher.Publish(ctx, resultDir); err != nil {
			return r.fail(log, res, start, fmt.Errorf("publish: %w", err))
		}
		log.Info().Str("folder", resultDir).Msg("results published")
	}

	res.Status = api.RunSucceeded
	res.Summary = fmt.Sprintf("Finished running %s at %s", job.Name, time.Now().Format("2006-01-02 15:04"))
	if out.ExitCode != 0 {
		res.Summary += fmt.Sprintf(" (exit status %d)", out.ExitCode)
	}
	return r.finish(log, res, start)
}

func (r *Runner) execute(ctx context.Context, log zerolog.Logger, job JobSpec, card string) (ExecResult, error) {
	c := Command{Dir: job.Tool.Dir}
	if job.Tool.Interpreter != "" {
		c.Path = job.Tool.Interpreter
		c.Args = []string{"./" + job.Tool.Executable, card}
	} else {
		c.Path = filepath.Join(job.Tool.Dir, job.Tool.Executable)
		c.Args = []string{card}
	}
	log.Info().Str("card", card).Msg("running tool")
	log.Debug().Str("cmd", c.Path).Strs("args", c.Args).Str("dir", c.Dir).Msg("exec")
	var ex Executor = LocalExecutor{}
	if r.Exec != nil {
		ex = r.Exec
	}
	return ex.Execute(ctx, c)
}

func (r *Runner) fail(log zerolog.Logger, res JobResult, start time.Time, err error) JobResult {
	res.Status = api.RunFailed
	res.Err = err
	res.Summary = fmt.Sprintf("---- %s failed", res.Job)
	log.Error().Err(err).Msg("job failed")
	return r.finish(log, res, start)
}

func (r *Runner) finish(log zerolog.Logger, res JobResult, start time.Time) JobResult {
	res.Elapsed = time.Since(start)
	labels := map[string]string{"status": string(res.Status)}
	r.Metrics.Counter("cmscan_jobs", 1, labels)
	r.Metrics.Timer("cmscan_job_duration", res.Elapsed, labels)
	log.Debug().Str("status", string(res.Status)).Dur("elapsed", res.Elapsed).Msg("job finished")
	return res
}

// pruneIntermediates removes generator-level event folders and the oversized
// analysis log. Missing paths and removal errors are only logged.
func pruneIntermediates(log zerolog.Logger, resultDir string) {
	events := filepath.Join(resultDir, eventsDir)
	if entries, err := os.ReadDir(events); err == nil {
		log.Debug().Str("folder", events).Msg("removing event data")
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			if err := os.RemoveAll(filepath.Join(events, ent.Name())); err != nil {
				log.Debug().Err(err).Msg("cleanup")
			}
		}
	}
	if err := os.Remove(filepath.Join(resultDir, analysisLog)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug().Err(err).Msg("cleanup")
	}
}
