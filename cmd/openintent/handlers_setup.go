package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/openintentos/openintent/internal/agent/providers"
	"github.com/openintentos/openintent/internal/config"
	"github.com/openintentos/openintent/internal/identity"
)

// =============================================================================
// Setup Command Handlers
// =============================================================================

// runSetup handles the setup command.
func runSetup(cmd *cobra.Command, opts setupOptions) error {
	out := cmd.OutOrStdout()
	if opts.schema {
		schema, err := config.JSONSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(schema))
		return err
	}

	path := opts.path
	if path == "" {
		path = configPath
	}
	if path == "" {
		path = config.DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; remove it or pass --path", path)
	}

	llm := config.LLMConfig{Provider: opts.provider, Model: opts.model, BaseURL: opts.baseURL}
	if _, err := providers.ParseKind(llm.Provider); err != nil {
		return err
	}
	if env := llm.KeyEnv(); env != "" {
		if opts.storeKey {
			key, err := readSecret(cmd, fmt.Sprintf("%s API key: ", llm.Provider))
			if err != nil {
				return fmt.Errorf("failed to read API key: %w", err)
			}
			if key == "" {
				return errors.New("no API key entered")
			}
			llm.APIKey = key
		} else if os.Getenv(env) == "" {
			fmt.Fprintf(out, "note: export %s before running openintent\n", env)
		}
	}

	data, err := config.Starter(llm, opts.dsn, opts.pluginDir, opts.identityPath)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := config.WriteStarter(path, data); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", path)

	if opts.pluginDir != "" {
		if err := os.MkdirAll(opts.pluginDir, 0o755); err != nil {
			return fmt.Errorf("failed to create plugin dir: %w", err)
		}
	}
	if opts.identityPath != "" {
		created, err := writeIdentity(opts.identityPath)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(out, "wrote %s\n", opts.identityPath)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applied, err := migrateUp(cmd.Context(), cfg, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "database %s ready (%d migrations applied)\n", cfg.Database.DSN, len(applied))
	return nil
}

// writeIdentity creates the identity file with the default prompt unless it
// already exists.
func writeIdentity(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create identity file: %w", err)
	}
	if _, err := io.WriteString(f, identity.DefaultPrompt+"\n"); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("failed to write identity file: %w", err)
	}
	return true, f.Close()
}

// readSecret prompts on stderr and reads one line from stdin, without echo
// when stdin is a terminal.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
