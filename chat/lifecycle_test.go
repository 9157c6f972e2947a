package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

// seedPendingAssistant creates a conversation with a user turn and a pending
// assistant placeholder, returning both messages.
func seedPendingAssistant(t *testing.T, store *Store) (Conversation, Message, Message) {
	t.Helper()
	ctx := context.Background()
	conv, err := store.EnsureConversation(ctx, 0, 42)
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	userMsg, err := store.AppendUserMessage(ctx, conv, "hello there")
	if err != nil {
		t.Fatalf("append user message: %v", err)
	}
	assistant, err := store.AppendPendingAssistant(ctx, conv, userMsg, "gpt-4o", nil)
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	return conv, userMsg, assistant
}

func strPtr(s string) *string { return &s }

func TestMarkGeneratingOnlyMovesPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}
	msg, err := store.GetMessage(ctx, assistant.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != StatusGenerating {
		t.Fatalf("expected generating, got %s", msg.Status)
	}

	// Repeating the call leaves a non-pending message alone.
	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("repeat mark generating: %v", err)
	}
	msg, _ = store.GetMessage(ctx, assistant.ID)
	if msg.Status != StatusGenerating {
		t.Fatalf("expected status unchanged, got %s", msg.Status)
	}
}

func TestApplyPartialRequiresGenerating(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	outcome, err := store.ApplyPartial(ctx, assistant.ID, PartialUpdate{Content: strPtr("too early")})
	if err != nil {
		t.Fatalf("apply partial: %v", err)
	}
	if outcome.Updated {
		t.Fatal("expected rejection while still pending")
	}
	if outcome.Reason != "status:pending" {
		t.Fatalf("expected status:pending reason, got %q", outcome.Reason)
	}

	msg, _ := store.GetMessage(ctx, assistant.ID)
	if msg.Content != "" {
		t.Fatalf("expected content untouched, got %q", msg.Content)
	}
}

func TestStopFreezesPartialContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}
	outcome, err := store.ApplyPartial(ctx, assistant.ID, PartialUpdate{
		Content:   strPtr("The answer is"),
		Reasoning: strPtr("thinking about it"),
	})
	if err != nil || !outcome.Updated {
		t.Fatalf("apply partial: updated=%v err=%v", outcome.Updated, err)
	}

	stopped, err := store.Stop(ctx, assistant.ID)
	if err != nil || !stopped.Updated {
		t.Fatalf("stop: updated=%v err=%v", stopped.Updated, err)
	}

	// A delta that was already in flight when the stop landed.
	late, err := store.ApplyPartial(ctx, assistant.ID, PartialUpdate{Content: strPtr("The answer is 42")})
	if err != nil {
		t.Fatalf("late partial: %v", err)
	}
	if late.Updated {
		t.Fatal("expected late partial rejected after stop")
	}
	if late.Reason != "terminal:stopped" {
		t.Fatalf("expected terminal:stopped reason, got %q", late.Reason)
	}

	msg, _ := store.GetMessage(ctx, assistant.ID)
	if msg.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", msg.Status)
	}
	if msg.Content != "The answer is" {
		t.Fatalf("expected partial content frozen, got %q", msg.Content)
	}
	if msg.Reasoning == nil || *msg.Reasoning != "thinking about it" {
		t.Fatalf("expected partial reasoning promoted, got %v", msg.Reasoning)
	}
	if msg.PartialReasoning != nil {
		t.Fatalf("expected partial buffer cleared, got %v", *msg.PartialReasoning)
	}
}

func TestCompletePromotesStreamedReasoning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}
	outcome, err := store.ApplyPartial(ctx, assistant.ID, PartialUpdate{
		Content:   strPtr("The answer"),
		Reasoning: strPtr("streamed chain of thought"),
	})
	if err != nil || !outcome.Updated {
		t.Fatalf("apply partial: updated=%v err=%v", outcome.Updated, err)
	}

	// No final reasoning payload: the streamed buffer becomes the final
	// reasoning instead of being discarded.
	done, err := store.Complete(ctx, assistant.ID, Completion{Content: "The answer is 42"})
	if err != nil || !done.Updated {
		t.Fatalf("complete: updated=%v err=%v", done.Updated, err)
	}

	msg, _ := store.GetMessage(ctx, assistant.ID)
	if msg.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", msg.Status)
	}
	if msg.Reasoning == nil || *msg.Reasoning != "streamed chain of thought" {
		t.Fatalf("expected streamed reasoning promoted, got %v", msg.Reasoning)
	}
	if msg.PartialReasoning != nil {
		t.Fatalf("expected partial buffer cleared, got %v", *msg.PartialReasoning)
	}
}

func TestStopResolvesPendingMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	// A stop can land before the task's first write; the row must not stay
	// pending forever.
	outcome, err := store.Stop(ctx, assistant.ID)
	if err != nil || !outcome.Updated {
		t.Fatalf("stop pending: updated=%v err=%v", outcome.Updated, err)
	}

	msg, _ := store.GetMessage(ctx, assistant.ID)
	if msg.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", msg.Status)
	}

	// Still exactly one terminal transition.
	repeat, err := store.Stop(ctx, assistant.ID)
	if err != nil {
		t.Fatalf("repeat stop: %v", err)
	}
	if repeat.Updated || repeat.Reason != "terminal:stopped" {
		t.Fatalf("expected terminal rejection, got %+v", repeat)
	}
}

func TestApplyPartialEmptyUpdateReportsState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}
	outcome, err := store.ApplyPartial(ctx, assistant.ID, PartialUpdate{})
	if err != nil {
		t.Fatalf("empty partial: %v", err)
	}
	if !outcome.Updated {
		t.Fatalf("expected no-op accepted while generating, got %+v", outcome)
	}

	if stopped, err := store.Stop(ctx, assistant.ID); err != nil || !stopped.Updated {
		t.Fatalf("stop: updated=%v err=%v", stopped.Updated, err)
	}

	// An empty update against a frozen message reports the terminal
	// rejection, the same as one carrying fields.
	outcome, err = store.ApplyPartial(ctx, assistant.ID, PartialUpdate{})
	if err != nil {
		t.Fatalf("empty partial after stop: %v", err)
	}
	if outcome.Updated || outcome.Reason != "terminal:stopped" {
		t.Fatalf("expected terminal:stopped rejection, got %+v", outcome)
	}

	outcome, err = store.ApplyPartial(ctx, 9999, PartialUpdate{})
	if err != nil {
		t.Fatalf("empty partial missing message: %v", err)
	}
	if outcome.Updated || outcome.Reason != "not_found" {
		t.Fatalf("expected not_found rejection, got %+v", outcome)
	}
}

func TestCompleteAfterStopIsRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}
	if outcome, err := store.Stop(ctx, assistant.ID); err != nil || !outcome.Updated {
		t.Fatalf("stop: updated=%v err=%v", outcome.Updated, err)
	}

	outcome, err := store.Complete(ctx, assistant.ID, Completion{Content: "full answer", OutputTokens: 10})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if outcome.Updated {
		t.Fatal("expected complete rejected after stop")
	}
	if outcome.Reason != "terminal:stopped" {
		t.Fatalf("expected terminal:stopped, got %q", outcome.Reason)
	}

	msg, _ := store.GetMessage(ctx, assistant.ID)
	if msg.Status != StatusStopped {
		t.Fatalf("expected status stopped to stick, got %s", msg.Status)
	}
	if msg.Content == "full answer" {
		t.Fatal("expected rejected completion to leave content alone")
	}
}

func TestCompleteRecordsTokensAndConversationSums(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, _, assistant := seedPendingAssistant(t, store)

	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}
	outcome, err := store.Complete(ctx, assistant.ID, Completion{
		Content:      "final answer",
		Reasoning:    strPtr("final reasoning"),
		InputTokens:  120,
		OutputTokens: 48,
		Cost:         0.0078,
	})
	if err != nil || !outcome.Updated {
		t.Fatalf("complete: updated=%v err=%v", outcome.Updated, err)
	}

	msg, _ := store.GetMessage(ctx, assistant.ID)
	if msg.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", msg.Status)
	}
	if msg.Content != "final answer" {
		t.Fatalf("expected final content, got %q", msg.Content)
	}
	if msg.Reasoning == nil || *msg.Reasoning != "final reasoning" {
		t.Fatalf("expected final reasoning, got %v", msg.Reasoning)
	}
	if msg.InputTokens == nil || *msg.InputTokens != 120 {
		t.Fatalf("expected 120 input tokens, got %v", msg.InputTokens)
	}
	if msg.OutputTokens == nil || *msg.OutputTokens != 48 {
		t.Fatalf("expected 48 output tokens, got %v", msg.OutputTokens)
	}
	if msg.Cost == nil || *msg.Cost != 0.0078 {
		t.Fatalf("expected cost set, got %v", msg.Cost)
	}

	var loaded Conversation
	if err := store.db.Take(&loaded, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if loaded.TokenInputSum == nil || *loaded.TokenInputSum != 120 {
		t.Fatalf("expected conversation input sum 120, got %v", loaded.TokenInputSum)
	}
	if loaded.TokenOutputSum == nil || *loaded.TokenOutputSum != 48 {
		t.Fatalf("expected conversation output sum 48, got %v", loaded.TokenOutputSum)
	}
}

func TestFailPreservesPartialsAndTruncatesReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}
	if outcome, err := store.ApplyPartial(ctx, assistant.ID, PartialUpdate{Content: strPtr("partial text")}); err != nil || !outcome.Updated {
		t.Fatalf("apply partial: updated=%v err=%v", outcome.Updated, err)
	}

	longReason := strings.Repeat("x", 600)
	outcome, err := store.Fail(ctx, assistant.ID, longReason)
	if err != nil || !outcome.Updated {
		t.Fatalf("fail: updated=%v err=%v", outcome.Updated, err)
	}

	msg, _ := store.GetMessage(ctx, assistant.ID)
	if msg.Status != StatusError {
		t.Fatalf("expected error status, got %s", msg.Status)
	}
	if msg.Content != "partial text" {
		t.Fatalf("expected partial content kept for diagnostics, got %q", msg.Content)
	}
	if msg.ErrReason == nil {
		t.Fatal("expected err_reason set")
	}
	if len(*msg.ErrReason) != 512 || !strings.HasSuffix(*msg.ErrReason, "...") {
		t.Fatalf("expected 512-char truncated reason, got %d chars", len(*msg.ErrReason))
	}
}

func TestRejectedOutcomeForMissingMessage(t *testing.T) {
	store := newTestStore(t)

	outcome, err := store.ApplyPartial(context.Background(), 9999, PartialUpdate{Content: strPtr("ghost")})
	if err != nil {
		t.Fatalf("apply partial: %v", err)
	}
	if outcome.Updated || outcome.Reason != "not_found" {
		t.Fatalf("expected not_found rejection, got %+v", outcome)
	}
}

func TestThinkingTimestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, assistant := seedPendingAssistant(t, store)

	if err := store.MarkGenerating(ctx, assistant.ID); err != nil {
		t.Fatalf("mark generating: %v", err)
	}

	started := time.Now().UTC().UnixMilli()
	if err := store.MarkThinkingStarted(ctx, assistant.ID, started); err != nil {
		t.Fatalf("mark thinking started: %v", err)
	}
	// Only the first reasoning chunk sets the timestamp.
	if err := store.MarkThinkingStarted(ctx, assistant.ID, started+5000); err != nil {
		t.Fatalf("repeat mark thinking started: %v", err)
	}

	msg, _ := store.GetMessage(ctx, assistant.ID)
	if msg.ThinkingStarted == nil || *msg.ThinkingStarted != started {
		t.Fatalf("expected first thinking timestamp kept, got %v", msg.ThinkingStarted)
	}
	if msg.ThinkingFinished != nil {
		t.Fatal("expected no completion timestamp while generating")
	}

	if outcome, err := store.Complete(ctx, assistant.ID, Completion{Content: "done"}); err != nil || !outcome.Updated {
		t.Fatalf("complete: updated=%v err=%v", outcome.Updated, err)
	}
	msg, _ = store.GetMessage(ctx, assistant.ID)
	if msg.ThinkingFinished == nil || *msg.ThinkingFinished < started {
		t.Fatalf("expected completion timestamp after thinking, got %v", msg.ThinkingFinished)
	}
}
