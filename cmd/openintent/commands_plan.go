package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Plan Command
// =============================================================================

// buildPlanCmd creates the "plan" command that asks the model for a
// multi-step plan without executing it.
func buildPlanCmd() *cobra.Command {
	var (
		contextText string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "plan <intent>",
		Short: "Break an intent into tool steps without running them",
		Long: `Ask the model to decompose an intent into ordered steps over the
registered tools. The plan is validated against the tool catalogue and
printed; nothing is executed and no session is stored.`,
		Example: `  openintent plan "check the weather in Paris and mail me a summary"

  # Machine-readable output
  openintent plan --json "archive last week's downloads"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args, contextText, asJSON)
		},
	}

	cmd.Flags().StringVar(&contextText, "context", "", "Extra context passed to the planner")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the plan as JSON")

	return cmd
}
