package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openintentos/openintent/internal/agent"
)

// =============================================================================
// Plan Command Handlers
// =============================================================================

// runPlan handles the plan command.
func runPlan(cmd *cobra.Command, args []string, contextText string, asJSON bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg, runtimeOptions{
		ephemeral:  true,
		requireKey: true,
		logOutput:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	intent := strings.Join(args, " ")
	planner := agent.NewPlanner(rt.transport, cfg.Agent.Model)
	plan, err := planner.Plan(ctx, intent, rt.tools.ToolDefinitions(), contextText)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	printPlan(out, plan)
	return nil
}

func printPlan(out io.Writer, plan *agent.Plan) {
	if plan.Rationale != "" {
		fmt.Fprintf(out, "Rationale: %s\n", plan.Rationale)
	}
	for _, step := range plan.Steps {
		fmt.Fprintf(out, "%d. %s\n", step.Index, step.Description)
		if step.ToolName != "" {
			args := strings.TrimSpace(string(step.Arguments))
			if args == "" {
				args = "{}"
			}
			fmt.Fprintf(out, "   tool: %s %s\n", step.ToolName, args)
		}
		if len(step.DependsOn) > 0 {
			fmt.Fprintf(out, "   after: %v\n", step.DependsOn)
		}
		if step.ExpectedOutcome != "" {
			fmt.Fprintf(out, "   expect: %s\n", step.ExpectedOutcome)
		}
	}
}
