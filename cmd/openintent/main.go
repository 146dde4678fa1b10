// Package main provides the CLI entry point for the OpenIntent agent runtime.
//
// OpenIntent turns natural-language intents into tool calls: the model plans,
// the runtime executes tools from registered adapters and Wasm plugins, and the
// loop repeats until the model answers.
//
// # Basic Usage
//
// Write a starter configuration and create the database:
//
//	openintent setup
//
// Start an interactive conversation, or answer a single prompt:
//
//	openintent run
//	openintent run --prompt "what time is it in Tokyo?"
//
// Inspect the runtime:
//
//	openintent status
//	openintent sessions list
//	openintent plugins list
//
// # Environment Variables
//
//   - OPENINTENT_CONFIG: Path to configuration file (default: openintent.yaml)
//   - OPENINTENT_DISABLE_FAILOVER: Disable provider failover when set to 1/true
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GROQ_API_KEY, ...: Provider API keys
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Persistent flags shared by every subcommand.
var (
	configPath string
	logLevel   string
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Warn("command failed", "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "openintent",
		Short: "OpenIntent - local agent runtime",
		Long: `OpenIntent dispatches natural-language intents to an LLM, executes the
tools it asks for and feeds the results back until it produces an answer.

Supported providers: Anthropic and any OpenAI-compatible endpoint
(OpenAI, Groq, NVIDIA, Gemini, DeepSeek, Ollama).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (or set OPENINTENT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildPlanCmd(),
		buildStatusCmd(),
		buildSetupCmd(),
		buildSessionsCmd(),
		buildPluginsCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}
