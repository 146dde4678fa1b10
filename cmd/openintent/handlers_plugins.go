package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openintentos/openintent/internal/plugins"
)

// =============================================================================
// Plugin Command Handlers
// =============================================================================

func runPluginsList(cmd *cobra.Command, load bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	out := cmd.OutOrStdout()

	manifests, err := plugins.DiscoverManifests(cfg.Plugins.Dirs)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Fprintf(out, "no plugins found in %s\n", strings.Join(cfg.Plugins.Dirs, ", "))
		return nil
	}

	var sandbox *plugins.Sandbox
	if load {
		ctx := cmd.Context()
		sandbox, err = plugins.NewSandbox(ctx, cfg.Sandbox, plugins.WithSandboxLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to create plugin sandbox: %w", err)
		}
		defer sandbox.Close(context.WithoutCancel(ctx))
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := "NAME\tVERSION\tTOOLS\tMANIFEST"
	if load {
		header += "\tSTATUS"
	}
	fmt.Fprintln(w, header)
	for _, name := range plugins.SortedNames(manifests) {
		info := manifests[name]
		tools := make([]string, len(info.Manifest.Tools))
		for i, tool := range info.Manifest.Tools {
			tools[i] = tool.Name
		}
		version := info.Manifest.Version
		if version == "" {
			version = "-"
		}
		line := fmt.Sprintf("%s\t%s\t%s\t%s", name, version, strings.Join(tools, ","), info.Path)
		if load {
			line += "\t" + loadStatus(cmd.Context(), sandbox, name, info)
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

// loadStatus instantiates one plugin and reports the outcome.
func loadStatus(ctx context.Context, sandbox *plugins.Sandbox, name string, info plugins.ManifestInfo) string {
	wasm, err := os.ReadFile(info.Manifest.ModulePath(info.Path))
	if err != nil {
		return "error: " + err.Error()
	}
	if err := sandbox.Load(ctx, name, wasm, *info.Manifest); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}
