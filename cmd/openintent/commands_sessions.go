package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Session Commands
// =============================================================================

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored conversations",
	}

	cmd.AddCommand(buildSessionsListCmd())
	cmd.AddCommand(buildSessionsShowCmd())
	cmd.AddCommand(buildSessionsDeleteCmd())
	cmd.AddCommand(buildSessionsCompactCmd())

	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd)
		},
	}
}

func buildSessionsShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, args[0], limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the most recent N messages")
	return cmd
}

func buildSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd, args[0])
		},
	}
}

func buildSessionsCompactCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "compact <session-id>",
		Short: "Summarise older messages of a session",
		Long: `Replace the older part of a session with a model-written summary,
keeping the most recent messages verbatim. Sessions under the configured
threshold are left alone unless --force is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsCompact(cmd, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Compact even when under the threshold")
	return cmd
}
