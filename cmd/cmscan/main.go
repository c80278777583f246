package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/cmscan/internal/core"
	gssh "github.com/3cpo-dev/cmscan/internal/ssh"
	"github.com/3cpo-dev/cmscan/internal/telemetry"
)

var (
	version   = "0.4.0"
	commit    = ""
	buildDate = ""
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	log zerolog.Logger
}

// Create the root command
func newRootCmd() *cobra.Command {
	a := &app{log: zerolog.Nop()}
	cmd := &cobra.Command{
		Use:   "cmscan",
		Short: "Run CheckMATE over a scan of SLHA files",
		Long: "cmscan expands one parameter file into one CheckMATE job per SLHA input file " +
			"and runs the jobs on a bounded local worker pool.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.scan(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("parfile", "p", core.DefaultConfigFile, "parameter file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringP("verbose", "v", "error", "Set log level. Available: debug, info, warning, error")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		levelStr, _ := c.Flags().GetString("verbose")
		log, err := newLogger(c.ErrOrStderr(), levelStr)
		if err != nil {
			return err
		}
		a.log = log
		return nil
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newKeygenCmd(a))
	cmd.AddCommand(newTrustHostCmd(a))
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cmscan %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	var lvl zerolog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warning", "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		return zerolog.Nop(), fmt.Errorf("unknown verbosity level %q (use debug, info, warning or error)", level)
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func (a *app) scan(cmd *cobra.Command) error {
	ctx := cmd.Context()
	start := time.Now()
	parfile, _ := cmd.Flags().GetString("parfile")
	cfg, err := core.LoadConfig(parfile)
	if err != nil {
		return err
	}
	jobs, err := (&core.Expander{Log: a.log}).Expand(cfg)
	if err != nil {
		return err
	}
	opts := cfg.Options

	var metrics *telemetry.Collector
	if opts.Metrics {
		metrics = telemetry.NewCollector(a.log, 0)
		defer func() {
			if err := metrics.Shutdown(); err != nil {
				a.log.Warn().Err(err).Msg("telemetry shutdown")
			}
		}()
	}
	runTimer := telemetry.NewTimerScope(metrics, "cmscan_run_duration", map[string]string{"jobs": strconv.Itoa(len(jobs))})

	var (
		store *core.Store
		runID string
	)
	if opts.Ledger != "" {
		store, err = core.NewStore(opts.Ledger)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer store.Close()
		runID, err = store.BeginRun(ctx, cfg.Path, len(jobs))
		if err != nil {
			return err
		}
		a.log.Debug().Str("run", runID).Msg("run recorded in ledger")
	}

	runner := &core.Runner{Log: a.log, StrictExit: opts.StrictExit, Metrics: metrics}
	if p := opts.Publish; p != nil {
		runner.Publisher = newPublisher(p, a.log)
	}
	sched := &core.Scheduler{Runner: runner, Concurrency: opts.NCPU, Stagger: opts.SubmitDelay, Log: a.log}
	results := sched.Run(ctx, jobs)

	out := cmd.OutOrStdout()
	for _, r := range results {
		fmt.Fprintln(out, r.String())
	}
	if store != nil {
		// The scan context may be cancelled by now; the ledger still gets the outcome.
		if err := store.RecordResults(context.WithoutCancel(ctx), runID, results); err != nil {
			a.log.Error().Err(err).Msg("could not record run")
		}
	}
	runTimer.End()
	fmt.Fprintf(out, "\nDone in %3.2f min\n", time.Since(start).Minutes())
	return nil
}

func newPublisher(p *core.PublishOptions, log zerolog.Logger) *gssh.Publisher {
	return &gssh.Publisher{
		Addr:       net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		User:       p.User,
		KeyPath:    p.KeyPath,
		KnownHosts: p.KnownHosts,
		RemoteDir:  p.RemoteDir,
		Log:        log,
	}
}

// Main entry point
func main() {
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
