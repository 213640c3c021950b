package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://127.0.0.1:8080/api"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select and authenticate the daemon for client commands.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Insecure bool
	CACert   string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createRunCommand(globalFlags),
		createSubmitCommand(),
		createHealthCommand(),
		createEnginesCommand(),
		createRestartCommand(),
		createConfigCommand(globalFlags),
		createTemplateCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "provoice",
		Short: "Local speech pipeline supervisor",
		Long: `provoice transcribes audio with a local speech engine and answers the transcript
with a local text generation engine, starting and supervising both engine servers.

Examples:
  provoice serve --config=provoice.toml        # run the daemon
  provoice run --config=provoice.toml clip.wav  # one-shot run without a daemon
  provoice submit clip.wav                      # upload to a running daemon
  provoice health --api-url=http://127.0.0.1:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", defaultAPIURL, "daemon API URL")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "timeout for status and admin requests")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for a TLS daemon")
}
