package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/provoice/pkg/client"
)

// SubmitFlags holds flags for the submit command
type SubmitFlags struct {
	API        APIFlags
	ServerPath bool
	Timeout    time.Duration
}

func newAPIClient(f APIFlags) *client.Client {
	cfg := client.Config{BaseURL: f.URL, Timeout: f.Timeout, Insecure: f.Insecure}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	return client.New(cfg)
}

func createSubmitCommand() *cobra.Command {
	flags := &SubmitFlags{}
	cmd := &cobra.Command{
		Use:   "submit <audio>",
		Short: "Submit audio to a running daemon",
		Long: `Upload an audio file to the daemon and print the finished run as JSON. With
--server-path the argument names a file on the daemon's host instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(flags.API)
			var (
				run *client.RunResult
				err error
			)
			if flags.ServerPath {
				run, err = c.SubmitPath(cmd.Context(), args[0], flags.Timeout)
			} else {
				run, err = c.Submit(cmd.Context(), args[0], flags.Timeout)
			}
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), run); err != nil {
				return err
			}
			if !run.OK() {
				return fmt.Errorf("run %s failed at %s: %s", run.ID, run.Failure.Stage, run.Failure.Reason)
			}
			return nil
		},
	}
	addAPIFlags(cmd, &flags.API)
	cmd.Flags().BoolVar(&flags.ServerPath, "server-path", false, "treat the argument as a path on the daemon host")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "deadline for the run (default daemon run_timeout)")
	return cmd
}

func createHealthCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show daemon health, engine states and admission counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newAPIClient(*flags).Health(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), h); err != nil {
				return err
			}
			if h.Status != "ok" {
				return fmt.Errorf("daemon is %s", h.Status)
			}
			return nil
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createEnginesCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "engines [name]",
		Short: "List engines or show one engine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(*flags)
			if len(args) == 1 {
				st, err := c.Engine(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			list, err := c.Engines(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createRestartCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "restart <engine>",
		Short: "Restart an engine and wait until it is ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(*flags).Restart(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "restarted %s\n", args[0])
			return err
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}
