package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openintentos/openintent/internal/compaction"
	"github.com/openintentos/openintent/internal/sessions"
	"github.com/openintentos/openintent/pkg/models"
)

// =============================================================================
// Sessions Command Handlers
// =============================================================================

// openConfiguredStore loads the configuration and opens the session store.
func openConfiguredStore(cmd *cobra.Command) (sessions.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	newLogger(cfg, cmd.ErrOrStderr())
	return openStore(cmd.Context(), cfg, false, compaction.NewTokenCounter(cfg.LLM.Model))
}

func runSessionsList(cmd *cobra.Command) error {
	store, err := openConfiguredStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODEL\tMESSAGES\tTOKENS\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Name, s.Model, s.MessageCount, s.TokenCount, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, id string, limit int) error {
	store, err := openConfiguredStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	session, err := store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	msgs, err := store.GetMessages(cmd.Context(), id, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s  (%d messages, %d tokens)\n\n", session.ID, session.Name, session.MessageCount, session.TokenCount)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tROLE\tCONTENT")
	for _, sm := range msgs {
		fmt.Fprintf(w, "%d\t%s\t%s\n", sm.ID, sm.Message.Role, messageSummary(sm.Message))
	}
	return w.Flush()
}

// messageSummary renders a message on one line for listings.
func messageSummary(msg models.Message) string {
	var content string
	switch {
	case len(msg.ToolCalls) > 0:
		names := make([]string, len(msg.ToolCalls))
		for i, call := range msg.ToolCalls {
			names[i] = call.Name
		}
		content = "[calls " + strings.Join(names, ", ") + "]"
	case msg.Role == models.RoleTool:
		content = msg.Content
		if msg.IsError {
			content = "[error] " + content
		}
	default:
		content = msg.Content
	}
	content = strings.Join(strings.Fields(content), " ")
	if r := []rune(content); len(r) > 120 {
		content = string(r[:117]) + "..."
	}
	return content
}

func runSessionsDelete(cmd *cobra.Command, id string) error {
	store, err := openConfiguredStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
	return nil
}

func runSessionsCompact(cmd *cobra.Command, id string, force bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg, runtimeOptions{requireKey: true, logOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	if _, err := rt.store.Get(ctx, id); err != nil {
		return err
	}
	outcome, err := rt.compactor.CompactSession(ctx, rt.store, id, force)
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	out := cmd.OutOrStdout()
	if !outcome.Compacted {
		fmt.Fprintf(out, "nothing to compact (%d messages kept)\n", outcome.Kept)
		return nil
	}
	fmt.Fprintf(out, "summarized %d messages, kept %d\n", outcome.Summarized, outcome.Kept)
	return nil
}
