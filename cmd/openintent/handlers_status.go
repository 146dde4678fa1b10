package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

// =============================================================================
// Status Command Handlers
// =============================================================================

// runStatus handles the status command.
func runStatus(cmd *cobra.Command, showMetrics, ephemeral bool) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if showMetrics {
		cfg.Metrics.Enabled = true
	}
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg, runtimeOptions{ephemeral: ephemeral, logOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	out := cmd.OutOrStdout()
	if path == "" {
		path = "(defaults)"
	}
	fmt.Fprintf(out, "OpenIntent %s\n", version)
	fmt.Fprintf(out, "Config:    %s\n", path)

	if err := printProvider(out, rt); err != nil {
		return err
	}
	if err := printAdapters(ctx, out, rt); err != nil {
		return err
	}

	list, err := rt.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	fmt.Fprintf(out, "Sessions:  %d\n", len(list))

	phrases, patterns := rt.router.Len()
	fmt.Fprintf(out, "Router:    %d phrases, %d patterns\n", phrases, patterns)

	if showMetrics {
		return dumpMetrics(out, rt)
	}
	return nil
}

func printProvider(out io.Writer, rt *runtime) error {
	active := rt.transport.Active()
	key := "set"
	if !active.HasKey {
		key = "missing"
	}
	fmt.Fprintf(out, "Provider:  %s (%s, model %s, key %s)\n", active.Name, active.Kind, active.Model, key)

	if !rt.failover.Enabled() {
		fmt.Fprintln(out, "Failover:  disabled")
		return nil
	}
	fmt.Fprintf(out, "Failover:  %d fallback providers\n", len(rt.failover.Chain()))
	cooldowns := rt.failover.Cooldowns()
	if len(cooldowns) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  COOLING\tUNTIL")
	for _, c := range cooldowns {
		fmt.Fprintf(w, "  %s\t%s\n", c.Provider, c.Until.Format(time.RFC3339))
	}
	return w.Flush()
}

func printAdapters(ctx context.Context, out io.Writer, rt *runtime) error {
	health := rt.tools.HealthCheckAll(ctx)
	fmt.Fprintln(out, "Adapters:")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tHEALTH\tTOOLS\tERROR")
	for _, info := range rt.tools.List() {
		tools := 0
		if adapter, ok := rt.tools.Adapter(info.ID); ok {
			tools = len(adapter.ToolDefinitions())
		}
		errText := info.LastError
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", info.ID, info.Status, health[info.ID], tools, errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if rt.pluginErr != nil {
		fmt.Fprintf(out, "Plugins:   %v\n", rt.pluginErr)
	}
	return nil
}

func dumpMetrics(out io.Writer, rt *runtime) error {
	families, err := rt.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	fmt.Fprintln(out)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
