package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Status Command
// =============================================================================

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		showMetrics bool
		ephemeral   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provider, adapter and session status",
		Long: `Show the active provider, the failover chain and any cooldowns, the
registered adapters with their health, and the number of stored sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, showMetrics, ephemeral)
		},
	}

	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Dump collected Prometheus metrics")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Skip the database")

	return cmd
}
