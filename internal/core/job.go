package core

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/cmscan/pkg/api"
)

// Tool describes how the external analysis tool is launched.
type Tool struct {
	Dir         string
	Executable  string
	Interpreter string
}

// JobSpec is one fully resolved unit of work. It is built by the Expander and
// consumed once by a Runner.
type JobSpec struct {
	Seq        int
	Input      string
	Name       string
	OutputRoot string
	Parameters *Section
	Processes  []*Section
	Overwrite  bool
	CleanUp    bool
	Tool       Tool
}

// ResultDir is the folder the tool writes this job's results to.
func (j JobSpec) ResultDir() string { return filepath.Join(j.OutputRoot, j.Name) }

// JobResult is the outcome of one Runner invocation.
type JobResult struct {
	Seq      int
	Job      string
	Input    string
	Status   api.RunStatus
	Err      error
	Elapsed  time.Duration
	ExitCode int
	Stdout   string
	Stderr   string
	Summary  string
}

// String is the one-line report printed per job.
func (r JobResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s", r.Summary, r.Err)
	}
	return r.Summary
}

// Public converts the result to its ledger/report form.
func (r JobResult) Public() api.JobSummary {
	s := api.JobSummary{
		Name:      r.Job,
		Input:     r.Input,
		Status:    r.Status,
		ElapsedMS: r.Elapsed.Milliseconds(),
		ExitCode:  r.ExitCode,
		Summary:   r.Summary,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}
