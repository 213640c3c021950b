package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/provoice"
)

// RunFlags holds flags for the one-shot run command
type RunFlags struct {
	Timeout time.Duration
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run <audio>",
		Short: "Run one audio file through the pipeline without a daemon",
		Long: `Start the configured engines, run a single audio file, print the run as JSON
and stop everything again. The command fails when the run fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], runFlags.Timeout)
		},
	}
	cmd.Flags().DurationVar(&runFlags.Timeout, "timeout", 0, "deadline for the run (default pipeline.run_timeout)")
	return cmd
}

func runOnce(ctx context.Context, out io.Writer, cfg *provoice.Config, audio string, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// metrics have nobody to scrape them here
	cfg.Metrics.Enabled = false
	sup, err := provoice.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()
	if err := sup.Start(ctx); err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	run := sup.Submit(ctx, audio)
	if err := printJSON(out, run); err != nil {
		return err
	}
	if run.Failure != nil {
		return fmt.Errorf("run %s failed: %w", run.ID, run.Failure)
	}
	return nil
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [config.toml]",
		Short: "Validate a config file and list its engines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := provoice.LoadConfig(path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), configSummary(cfg))
		},
	})
	return cmd
}

type engineSummary struct {
	Name    string `json:"name"`
	Command string `json:"command,omitempty"`
	URL     string `json:"url,omitempty"`
	Eager   bool   `json:"eager"`
}

type summary struct {
	Listen        string          `json:"listen"`
	Workers       int             `json:"workers"`
	Transcription string          `json:"transcription"`
	Generation    string          `json:"generation"`
	Engines       []engineSummary `json:"engines"`
}

// configSummary omits credentials so the output can be shared.
func configSummary(cfg *provoice.Config) summary {
	s := summary{
		Listen:        cfg.Server.Listen,
		Workers:       cfg.Pipeline.Workers,
		Transcription: cfg.Transcription.Kind,
		Generation:    cfg.Generation.Kind,
		Engines:       []engineSummary{},
	}
	for _, e := range cfg.Engines {
		s.Engines = append(s.Engines, engineSummary{Name: e.Name, Command: e.Command, URL: e.HealthURL, Eager: e.Eager})
	}
	return s
}
