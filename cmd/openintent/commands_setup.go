package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Setup Command
// =============================================================================

// setupOptions are the flags of the setup command.
type setupOptions struct {
	path         string
	provider     string
	model        string
	baseURL      string
	dsn          string
	pluginDir    string
	identityPath string
	storeKey     bool
	schema       bool
}

// buildSetupCmd creates the "setup" command that writes a starter config.
func buildSetupCmd() *cobra.Command {
	var opts setupOptions

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter configuration and create the database",
		Long: `Write a starter configuration file, optionally storing an API key read
from the terminal without echo, create the identity file and apply database
migrations.

An existing configuration file is never overwritten.`,
		Example: `  # Anthropic with the key read from ANTHROPIC_API_KEY at startup
  openintent setup

  # Groq, storing the key in the config file
  openintent setup --provider groq --model llama-3.3-70b-versatile --store-key

  # JSON Schema for editor completion
  openintent setup --schema > openintent.schema.json

  # Local Ollama, no key needed
  openintent setup --provider ollama --base-url http://localhost:11434/v1 --model llama3.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.path, "path", "", "Config file to write (default: --config or openintent.yaml)")
	cmd.Flags().StringVar(&opts.provider, "provider", "anthropic", "Primary LLM provider")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model name (provider default when empty)")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "Provider endpoint override")
	cmd.Flags().StringVar(&opts.dsn, "dsn", "openintent.db", "SQLite database path")
	cmd.Flags().StringVar(&opts.pluginDir, "plugin-dir", "plugins", "Directory scanned for plugin manifests")
	cmd.Flags().StringVar(&opts.identityPath, "identity", "IDENTITY.md", "Identity file used as the system prompt")
	cmd.Flags().BoolVar(&opts.storeKey, "store-key", false, "Prompt for the API key and store it in the config file")
	cmd.Flags().BoolVar(&opts.schema, "schema", false, "Print the configuration JSON Schema and exit")

	return cmd
}
