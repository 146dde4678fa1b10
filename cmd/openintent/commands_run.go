package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command that talks to the agent.
func buildRunCmd() *cobra.Command {
	var (
		sessionID string
		ephemeral bool
		prompt    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a conversation with the agent",
		Long: `Start an interactive conversation with the agent.

Each line is routed first: phrases and patterns configured under router:
run their handler tool directly, everything else goes to the model, which
may call tools until it has an answer. Type "exit" or press Ctrl-D to leave.

Conversations are stored in the configured database unless --ephemeral is set.`,
		Example: `  # Interactive session
  openintent run

  # Resume a stored session
  openintent run --session 01J9Z3...

  # One-shot prompt without persistence
  openintent run --ephemeral --prompt "summarise my day"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, sessionID, ephemeral, prompt)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume an existing session by id")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep the conversation in memory only")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Answer a single prompt and exit")

	return cmd
}
