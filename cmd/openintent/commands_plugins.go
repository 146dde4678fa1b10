package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Plugin Commands
// =============================================================================

// buildPluginsCmd creates the "plugins" command group.
func buildPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect sandboxed Wasm plugins",
	}
	cmd.AddCommand(buildPluginsListCmd())
	return cmd
}

func buildPluginsListCmd() *cobra.Command {
	var load bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins found in plugins.dirs",
		Long: `List the plugin manifests found in the configured plugin directories.
With --load each module is also compiled and instantiated in the sandbox to
check its imports and exports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPluginsList(cmd, load)
		},
	}
	cmd.Flags().BoolVar(&load, "load", false, "Compile and instantiate each plugin")
	return cmd
}
