// Package cli implements the parley command tree.
package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// NewRootCmd builds the parley command tree. Each call returns an
// independent tree with its own flag state.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "parley",
		Short: "Parley - branching conversations across model backends",
		Long: `Parley keeps multi-turn conversations with branches and alternative
responses, adapts their history to the capabilities of each model backend,
and drives an approval-gated tool loop.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default is $HOME/.parley/parley.json)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	root.AddCommand(
		newConversationsCmd(a),
		newNewCmd(a),
		newSayCmd(a),
		newRegenerateCmd(a),
		newModelsCmd(a),
		newCompatCmd(a),
		newToolsCmd(a),
		newStatsCmd(a),
		newServeMetricsCmd(a),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
