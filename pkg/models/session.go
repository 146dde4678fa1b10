package models

import "time"

// Session is a durable conversation thread.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	MessageCount int64     `json:"message_count"`
	TokenCount   int64     `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionMessage is the persisted form of a Message. ID increases
// monotonically within a store, so ordering by ID is insertion order.
type SessionMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Messages unwraps a slice of persisted messages.
func Messages(stored []SessionMessage) []Message {
	out := make([]Message, len(stored))
	for i, sm := range stored {
		out[i] = sm.Message.Clone()
	}
	return out
}

// CompactionSplit returns the range [start, end) of msgs that a compaction
// keeping the keepRecent most recent messages summarises. A leading system
// prompt is never summarised, and end moves back so the kept slice never
// opens with a tool result whose call would be summarised. start == end
// means there is nothing to compact.
func CompactionSplit(msgs []Message, keepRecent int) (start, end int) {
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		start = 1
	}
	if keepRecent < 0 {
		keepRecent = 0
	}
	end = len(msgs) - keepRecent
	for end > start && end < len(msgs) && msgs[end].Role == RoleTool {
		end--
	}
	if end <= start {
		return start, start
	}
	return start, end
}
