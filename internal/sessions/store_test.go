package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/openintentos/openintent/pkg/models"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return testEpoch }
}

type storeFactory func(t *testing.T, opts ...Option) Store

func newMemoryForTest(t *testing.T, opts ...Option) Store {
	return NewMemoryStore(opts...)
}

func newSQLiteForTest(t *testing.T, opts ...Option) Store {
	t.Helper()
	store, err := OpenSQL(context.Background(), SQLConfig{Driver: "sqlite", DSN: ":memory:"}, opts...)
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	t.Helper()
	for name, factory := range map[string]storeFactory{
		"memory": newMemoryForTest,
		"sqlite": newSQLiteForTest,
	} {
		factory := factory
		t.Run(name, func(t *testing.T) { fn(t, factory) })
	}
}

func sampleConversation() []models.Message {
	return []models.Message{
		models.SystemMessage("You are a helpful assistant."),
		models.UserMessage("What's the weather in Paris?"),
		models.AssistantToolCalls([]models.ToolCall{{
			ID:        "call_1",
			Name:      "get_weather",
			Arguments: json.RawMessage(`{"city":"Paris"}`),
		}}),
		models.ToolMessage(models.ToolResult{ToolCallID: "call_1", Content: "18C and sunny"}),
		models.ToolMessage(models.ToolResult{ToolCallID: "call_2", Content: "boom", IsError: true}),
		models.AssistantMessage("It is 18C and sunny in Paris."),
	}
}

func appendAll(t *testing.T, store Store, id string, msgs []models.Message) []models.SessionMessage {
	t.Helper()
	out := make([]models.SessionMessage, 0, len(msgs))
	for i, msg := range msgs {
		stored, err := store.AppendMessage(context.Background(), id, msg)
		if err != nil {
			t.Fatalf("AppendMessage(%d): %v", i, err)
		}
		out = append(out, stored)
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, WithClock(fixedClock()))

		session, err := store.Create(ctx, "weather", "claude-sonnet")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if session.ID == "" || session.MessageCount != 0 || !session.CreatedAt.Equal(testEpoch) {
			t.Fatalf("created = %+v", session)
		}

		conv := sampleConversation()
		appendAll(t, store, session.ID, conv)

		got, err := store.GetMessages(ctx, session.ID, 0)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if !reflect.DeepEqual(models.Messages(got), conv) {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", models.Messages(got), conv)
		}
		for i := 1; i < len(got); i++ {
			if got[i].ID <= got[i-1].ID {
				t.Fatalf("ids not increasing: %d then %d", got[i-1].ID, got[i].ID)
			}
		}

		loaded, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if loaded.MessageCount != int64(len(conv)) {
			t.Errorf("MessageCount = %d, want %d", loaded.MessageCount, len(conv))
		}
		var wantTokens int64
		for _, msg := range conv {
			wantTokens += messageTokens(estimateCounter{}, msg)
		}
		if loaded.TokenCount != wantTokens {
			t.Errorf("TokenCount = %d, want %d", loaded.TokenCount, wantTokens)
		}
		if loaded.Name != "weather" || loaded.Model != "claude-sonnet" {
			t.Errorf("loaded = %+v", loaded)
		}
	})
}

func TestStoreGetMessagesLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		session, err := store.Create(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}
		conv := sampleConversation()
		appendAll(t, store, session.ID, conv)

		tests := []struct {
			limit int
			want  []models.Message
		}{
			{0, conv},
			{-1, conv},
			{2, conv[4:]},
			{len(conv), conv},
			{100, conv},
		}
		for _, tt := range tests {
			got, err := store.GetMessages(ctx, session.ID, tt.limit)
			if err != nil {
				t.Fatalf("GetMessages(%d): %v", tt.limit, err)
			}
			if !reflect.DeepEqual(models.Messages(got), tt.want) {
				t.Errorf("GetMessages(%d) = %+v", tt.limit, models.Messages(got))
			}
		}
	})
}

func TestStoreUpdatedAtAdvances(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, WithClock(fixedClock()))
		session, err := store.Create(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}
		prev := session.UpdatedAt
		for i := 0; i < 3; i++ {
			stored, err := store.AppendMessage(ctx, session.ID, models.UserMessage(fmt.Sprintf("m%d", i)))
			if err != nil {
				t.Fatal(err)
			}
			loaded, err := store.Get(ctx, session.ID)
			if err != nil {
				t.Fatal(err)
			}
			if !loaded.UpdatedAt.After(prev) {
				t.Fatalf("updated_at did not advance: %s -> %s", prev, loaded.UpdatedAt)
			}
			if !stored.CreatedAt.Equal(loaded.UpdatedAt) {
				t.Fatalf("message created_at %s != session updated_at %s", stored.CreatedAt, loaded.UpdatedAt)
			}
			prev = loaded.UpdatedAt
		}
	})
}

func TestStoreListOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, WithClock(fixedClock()))
		first, err := store.Create(ctx, "first", "")
		if err != nil {
			t.Fatal(err)
		}
		second, err := store.Create(ctx, "second", "")
		if err != nil {
			t.Fatal(err)
		}

		list, err := store.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 || list[0].ID != second.ID {
			t.Fatalf("newest session should lead: %+v", list)
		}

		if _, err := store.AppendMessage(ctx, first.ID, models.UserMessage("bump")); err != nil {
			t.Fatal(err)
		}
		list, err = store.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if list[0].ID != first.ID || list[0].MessageCount != 1 {
			t.Fatalf("recently updated session should lead: %+v", list)
		}
	})
}

func TestStoreNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		const id = "missing"

		checks := map[string]error{}
		_, checks["Get"] = store.Get(ctx, id)
		checks["Delete"] = store.Delete(ctx, id)
		_, checks["AppendMessage"] = store.AppendMessage(ctx, id, models.UserMessage("hi"))
		_, checks["GetMessages"] = store.GetMessages(ctx, id, 0)
		_, checks["CompactMessages"] = store.CompactMessages(ctx, id, "s", 1)
		for op, err := range checks {
			if !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("%s err = %v, want ErrSessionNotFound", op, err)
			}
		}
	})
}

func TestStoreDeleteCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		keep, err := store.Create(ctx, "keep", "")
		if err != nil {
			t.Fatal(err)
		}
		drop, err := store.Create(ctx, "drop", "")
		if err != nil {
			t.Fatal(err)
		}
		appendAll(t, store, keep.ID, sampleConversation()[:2])
		appendAll(t, store, drop.ID, sampleConversation())

		if err := store.Delete(ctx, drop.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.GetMessages(ctx, drop.ID, 0); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("messages of deleted session err = %v", err)
		}
		got, err := store.GetMessages(ctx, keep.ID, 0)
		if err != nil || len(got) != 2 {
			t.Fatalf("other session messages = %d, %v", len(got), err)
		}
		list, err := store.List(ctx)
		if err != nil || len(list) != 1 || list[0].ID != keep.ID {
			t.Fatalf("List after delete = %+v, %v", list, err)
		}
	})
}

func TestStoreCompactMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, WithClock(fixedClock()))
		session, err := store.Create(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}
		conv := []models.Message{models.SystemMessage("system prompt")}
		for i := 0; i < 10; i++ {
			conv = append(conv, models.UserMessage(fmt.Sprintf("question %d", i)), models.AssistantMessage(fmt.Sprintf("answer %d", i)))
		}
		before := appendAll(t, store, session.ID, conv)
		beforeSession, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatal(err)
		}

		removed, err := store.CompactMessages(ctx, session.ID, "[summary of 15 earlier messages]\nthey talked", 5)
		if err != nil {
			t.Fatalf("CompactMessages: %v", err)
		}
		if removed != 15 {
			t.Fatalf("removed = %d, want 15", removed)
		}

		after, err := store.GetMessages(ctx, session.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(after) != 7 {
			t.Fatalf("len(after) = %d, want 7", len(after))
		}
		if after[0].ID != before[0].ID || !reflect.DeepEqual(after[0].Message, before[0].Message) {
			t.Errorf("system prompt changed: %+v", after[0])
		}
		summary := after[1]
		if summary.Message.Role != models.RoleSystem || summary.ID != before[1].ID {
			t.Errorf("summary = %+v, want system message with id %d", summary, before[1].ID)
		}
		if !reflect.DeepEqual(models.Messages(after[2:]), conv[16:]) {
			t.Errorf("kept messages changed: %+v", models.Messages(after[2:]))
		}
		for i := 2; i < len(after); i++ {
			if after[i].ID != before[14+i].ID {
				t.Errorf("kept message %d id = %d, want %d", i, after[i].ID, before[14+i].ID)
			}
		}

		loaded, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.MessageCount != 7 {
			t.Errorf("MessageCount = %d, want 7", loaded.MessageCount)
		}
		var wantTokens int64
		for _, sm := range after {
			wantTokens += messageTokens(estimateCounter{}, sm.Message)
		}
		if loaded.TokenCount != wantTokens {
			t.Errorf("TokenCount = %d, want %d", loaded.TokenCount, wantTokens)
		}
		if !loaded.UpdatedAt.After(beforeSession.UpdatedAt) {
			t.Errorf("updated_at did not advance on compaction")
		}

		again, err := store.CompactMessages(ctx, session.ID, "noop", 10)
		if err != nil || again != 0 {
			t.Fatalf("second compaction = %d, %v; want nothing to do", again, err)
		}
	})
}

func TestStoreCompactKeepsToolPairs(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		session, err := store.Create(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}
		conv := sampleConversation()
		appendAll(t, store, session.ID, conv)

		// keepRecent=2 would start the kept slice at the second tool result.
		removed, err := store.CompactMessages(ctx, session.ID, "summary", 2)
		if err != nil {
			t.Fatal(err)
		}
		if removed != 1 {
			t.Fatalf("removed = %d, want 1", removed)
		}
		after, err := store.GetMessages(ctx, session.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		msgs := models.Messages(after)
		if msgs[1].Content != "summary" || msgs[2].Role != models.RoleAssistant {
			t.Fatalf("after = %+v", msgs)
		}
		if !reflect.DeepEqual(msgs[2:], conv[2:]) {
			t.Fatalf("tool call and its results must stay together: %+v", msgs[2:])
		}
	})
}

func TestStoreConcurrentAppends(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t)
		session, err := store.Create(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}

		const workers, each = 4, 10
		var wg sync.WaitGroup
		errs := make(chan error, workers*each)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < each; i++ {
					if _, err := store.AppendMessage(ctx, session.ID, models.UserMessage(fmt.Sprintf("%d-%d", w, i))); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("AppendMessage: %v", err)
		}

		got, err := store.GetMessages(ctx, session.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		loaded, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != workers*each || loaded.MessageCount != int64(len(got)) {
			t.Fatalf("messages = %d, count = %d", len(got), loaded.MessageCount)
		}
	})
}

func TestBotState(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		state, ok := newStore(t).(BotState)
		if !ok {
			t.Fatal("store does not implement BotState")
		}

		if _, found, err := state.GetState(ctx, "k"); err != nil || found {
			t.Fatalf("missing key: found=%v err=%v", found, err)
		}
		if err := state.SetState(ctx, "k", "v1"); err != nil {
			t.Fatal(err)
		}
		if err := state.SetState(ctx, "k", "v2"); err != nil {
			t.Fatal(err)
		}
		if v, found, err := state.GetState(ctx, "k"); err != nil || !found || v != "v2" {
			t.Fatalf("GetState = %q %v %v", v, found, err)
		}
		if err := state.DeleteState(ctx, "k"); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := state.GetState(ctx, "k"); found {
			t.Fatal("key should be gone")
		}
		if err := state.DeleteState(ctx, "never"); err != nil {
			t.Fatalf("deleting a missing key should succeed: %v", err)
		}
	})
}

type wordCounter struct{}

func (wordCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return 1
}

func TestStoreUsesTokenCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		store := newStore(t, WithTokenCounter(wordCounter{}))
		session, err := store.Create(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}
		appendAll(t, store, session.ID, sampleConversation())
		loaded, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatal(err)
		}
		// five non-empty contents plus the tool call name and arguments
		if loaded.TokenCount != 7 {
			t.Fatalf("TokenCount = %d, want 7", loaded.TokenCount)
		}
	})
}
