package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/cmscan/internal/core"
	gssh "github.com/3cpo-dev/cmscan/internal/ssh"
)

// List past runs from the ledger
func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			showJobs, _ := cmd.Flags().GetBool("jobs")
			parfile, _ := cmd.Flags().GetString("parfile")
			cfg, err := core.LoadConfig(parfile)
			if err != nil {
				return err
			}
			if cfg.Options.Ledger == "" {
				return errors.New("no ledger configured: set options.ledger in the parameter file")
			}
			store, err := core.NewStore(cfg.Options.Ledger)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()
			if err := store.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("ledger %s: %w", cfg.Options.Ledger, err)
			}

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			a.log.Debug().Int("runs", len(runs)).Str("ledger", cfg.Options.Ledger).Msg("history")

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tJOBS\tCONFIG")
			for _, r := range runs {
				took := "-"
				if !r.FinishedAt.IsZero() {
					took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.StartedAt.Format(time.DateTime), took, r.JobCount, r.ConfigPath)
				if !showJobs {
					continue
				}
				jobs, err := store.Jobs(cmd.Context(), r.ID)
				if err != nil {
					return err
				}
				for _, j := range jobs {
					fmt.Fprintf(tw, "  %s\t%s\t%dms\texit %d\t%s\n", j.Name, j.Status, j.ElapsedMS, j.ExitCode, j.Summary)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	cmd.Flags().Bool("jobs", false, "also list the jobs of each run")
	return cmd
}

// publishTarget loads the parfile and returns the configured publish target.
func publishTarget(cmd *cobra.Command) (*core.PublishOptions, error) {
	parfile, _ := cmd.Flags().GetString("parfile")
	cfg, err := core.LoadConfig(parfile)
	if err != nil {
		return nil, err
	}
	if cfg.Options.Publish == nil {
		return nil, errors.New("no publish target configured: set options.publish in the parameter file")
	}
	return cfg.Options.Publish, nil
}

// Create the login key used to publish results
func newKeygenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the SSH key used to publish results",
		Long: "keygen writes a new ed25519 private key to options.publish.keyPath " +
			"(~/.ssh/id_ed25519 by default) and prints the public key to add to the " +
			"remote account's authorized_keys. An existing key is never overwritten.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := publishTarget(cmd)
			if err != nil {
				return err
			}
			keyPath, err := newPublisher(target, a.log).KeyFile()
			if err != nil {
				return err
			}
			if _, err := os.Stat(keyPath); err == nil {
				return fmt.Errorf("key %s already exists", keyPath)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
			pub, err := gssh.GenerateEd25519Keypair(keyPath)
			if err != nil {
				return err
			}
			a.log.Info().Str("key", keyPath).Msg("publish key created")
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
}

// Record the publish host's key in known_hosts
func newTrustHostCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust-host",
		Short: "Add the publish host's key to known_hosts",
		Long: "trust-host records the host key of options.publish.host in " +
			"options.publish.knownHosts (~/.ssh/known_hosts by default). " +
			"Uploads are refused to hosts missing from that file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			keyFile, _ := cmd.Flags().GetString("key-file")
			if keyFile != "" {
				data, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("read host key: %w", err)
				}
				key = string(data)
			}
			if strings.TrimSpace(key) == "" {
				return errors.New("a host key is required: pass --key or --key-file")
			}
			target, err := publishTarget(cmd)
			if err != nil {
				return err
			}
			pub := newPublisher(target, a.log)
			kh, err := pub.KnownHostsFile()
			if err != nil {
				return err
			}
			if err := gssh.TrustHost(kh, pub.Addr, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s trusted in %s\n", pub.Addr, kh)
			return nil
		},
	}
	cmd.Flags().String("key", "", "host public key in authorized_keys form")
	cmd.Flags().String("key-file", "", "file holding the host public key")
	return cmd
}
