package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/provoice/pkg/template"
)

func createTemplateCommand() *cobra.Command {
	var prefix string
	g := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template <type>",
		Short: "Print a starter config for an engine setup",
		Long: `Print TOML for the transcription, generation and [[engines]] sections of a
common setup. Supported types: ` + strings.Join(g.GetSupportedTypes(), ", ") + `

Examples:
  provoice template local > provoice.toml
  provoice template llama-server --prefix=dev`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := g.GenerateTOML(template.TemplateType(args[0]), prefix)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "prefix for engine names")
	return cmd
}
