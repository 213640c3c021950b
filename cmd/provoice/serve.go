package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/provoice"
	"github.com/loykin/provoice/internal/config"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the provoice daemon",
		Long: `Start the supervisor and its HTTP API. Engines marked eager are started right
away; the others start on the first request that needs them.

Examples:
  provoice serve --config=provoice.toml
  provoice serve provoice.toml --daemonize --pidfile=/run/provoice.pid --logfile=/var/log/provoice.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PIDFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

// loadConfig loads path and installs the configured application logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := provoice.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	slog.SetDefault(cfg.Logger().NewSlogger())
	return cfg, nil
}

func runServe(ctx context.Context, path string, flags *ServeFlags) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if flags.Daemonize && !isDaemonChild() {
		return daemonize(flags.PIDFile, flags.LogFile)
	}
	if flags.PIDFile != "" {
		if err := writeDaemonPID(flags.PIDFile); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer removeDaemonPID(flags.PIDFile)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// serve runs the supervisor until ctx ends.
func serve(ctx context.Context, cfg *config.Config) error {
	sup, err := provoice.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sup.Close(); err != nil {
			slog.Error("Shutdown finished with errors", "error", err)
		}
	}()
	if err := sup.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		if metricsSrv, err = provoice.ServeMetrics(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		slog.Info("Metrics listening", "addr", metricsSrv.Addr)
	}
	srv, err := sup.NewHTTPServer()
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}
