package compaction

import (
	"context"
	"fmt"

	"github.com/openintentos/openintent/pkg/models"
)

// MessageStore is the part of the session store compaction needs.
type MessageStore interface {
	GetMessages(ctx context.Context, id string, limit int) ([]models.SessionMessage, error)
	CompactMessages(ctx context.Context, id, summary string, keepRecent int) (int, error)
}

// CompactSession applies the policy to a stored session. Sessions at or
// under MaxMessages are left alone unless force is set.
func (c *Compactor) CompactSession(ctx context.Context, store MessageStore, id string, force bool) (Outcome, error) {
	stored, err := store.GetMessages(ctx, id, 0)
	if err != nil {
		return Outcome{}, err
	}
	msgs := models.Messages(stored)
	if !force && !c.NeedsCompaction(msgs) {
		return Outcome{Kept: len(msgs)}, nil
	}

	start, end := models.CompactionSplit(msgs, c.cfg.KeepRecent)
	if start == end {
		return Outcome{Kept: len(msgs)}, nil
	}
	summary, err := c.summarize(ctx, msgs[start:end])
	if err != nil {
		c.metrics.RecordCompaction("error")
		return Outcome{Kept: len(msgs), Err: err}, err
	}
	text := SummaryText(end-start, summary)

	removed, err := store.CompactMessages(ctx, id, text, c.cfg.KeepRecent)
	if err != nil {
		c.metrics.RecordCompaction("error")
		return Outcome{Kept: len(msgs), Err: err}, fmt.Errorf("apply compaction: %w", err)
	}
	c.metrics.RecordCompaction("ok")
	c.logger.Info("compacted session", "session_id", id, "summarized", removed)
	return Outcome{
		Compacted:  removed > 0,
		Summarized: removed,
		Kept:       len(msgs) - removed,
		Summary:    text,
	}, nil
}
