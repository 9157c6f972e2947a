package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chorus_back/chat"
)

func pendingAssistant(t *testing.T, store *chat.Store, model string) (chat.Conversation, chat.Message) {
	t.Helper()
	conv, userMsg := seedTurn(t, store)
	msg, err := store.AppendPendingAssistant(context.Background(), conv, userMsg, model, nil)
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	return conv, msg
}

func TestRunCompletesAndBooksUsage(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")

	streamer := &fakeStreamer{fn: func(_ context.Context, _ string, handler func(StreamDelta) error) (ChatResult, error) {
		if err := handler(StreamDelta{Content: "The ", FullContent: "The "}); err != nil {
			return ChatResult{}, err
		}
		if err := handler(StreamDelta{Content: "answer is 42.", FullContent: "The answer is 42.", Done: true}); err != nil {
			return ChatResult{}, err
		}
		return ChatResult{
			Content: "The answer is 42.",
			Usage:   &ChatUsage{PromptTokens: 12, CompletionTokens: 8},
		}, nil
	}}
	ledger := &fakeLedger{}
	events := &recordingBroadcaster{}

	runner := NewRunner(store, streamer, ledger, events)
	runner.Run(context.Background(), msg, "gpt-4o", nil)

	final, err := store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if final.Status != chat.StatusComplete {
		t.Fatalf("expected complete, got %s", final.Status)
	}
	if final.Content != "The answer is 42." {
		t.Fatalf("unexpected content %q", final.Content)
	}
	if final.InputTokens == nil || *final.InputTokens != 12 {
		t.Fatalf("expected 12 input tokens, got %v", final.InputTokens)
	}
	if final.Cost == nil || *final.Cost != 8.0/1e6 {
		t.Fatalf("expected ledger-derived cost, got %v", final.Cost)
	}

	bookings := ledger.bookings()
	if len(bookings) != 1 {
		t.Fatalf("expected exactly one booking, got %d", len(bookings))
	}
	if bookings[0].UserID != msg.UserID || bookings[0].Model != "gpt-4o" || bookings[0].Usage.OutputTokens != 8 {
		t.Fatalf("unexpected booking %+v", bookings[0])
	}

	if events.count("message_complete") != 1 {
		t.Fatalf("expected one message_complete event, got %v", events.names())
	}
	if events.count("message_partial") == 0 {
		t.Fatalf("expected partial events before completion, got %v", events.names())
	}
}

func TestRunRetriesTransientFailureBeforeOutput(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")

	streamer := &fakeStreamer{}
	streamer.fn = func(_ context.Context, _ string, handler func(StreamDelta) error) (ChatResult, error) {
		if streamer.attemptCount() == 1 {
			return ChatResult{}, &ProviderError{StatusCode: 429, Message: "rate limited", Transient: true}
		}
		if err := handler(StreamDelta{Content: "ok", FullContent: "ok", Done: true}); err != nil {
			return ChatResult{}, err
		}
		return ChatResult{Content: "ok"}, nil
	}

	runner := NewRunner(store, streamer, &fakeLedger{}, nil)
	runner.backoffBase = time.Millisecond
	runner.Run(context.Background(), msg, "gpt-4o", nil)

	if got := streamer.attemptCount(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	final, _ := store.GetMessage(context.Background(), msg.ID)
	if final.Status != chat.StatusComplete || final.Content != "ok" {
		t.Fatalf("expected completion after retry, got %s %q", final.Status, final.Content)
	}
}

func TestRunDoesNotRetryAfterPartialOutput(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")

	streamer := &fakeStreamer{fn: func(_ context.Context, _ string, handler func(StreamDelta) error) (ChatResult, error) {
		if err := handler(StreamDelta{Content: "partial text", FullContent: "partial text"}); err != nil {
			return ChatResult{}, err
		}
		return ChatResult{}, &ProviderError{StatusCode: 502, Message: "upstream reset", Transient: true}
	}}
	events := &recordingBroadcaster{}
	ledger := &fakeLedger{}

	runner := NewRunner(store, streamer, ledger, events)
	runner.backoffBase = time.Millisecond
	runner.Run(context.Background(), msg, "gpt-4o", nil)

	// A retry would discard text the user already saw.
	if got := streamer.attemptCount(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	final, _ := store.GetMessage(context.Background(), msg.ID)
	if final.Status != chat.StatusError {
		t.Fatalf("expected error status, got %s", final.Status)
	}
	if final.Content != "partial text" {
		t.Fatalf("expected partial content preserved, got %q", final.Content)
	}
	if final.ErrReason == nil || *final.ErrReason == "" {
		t.Fatal("expected error reason recorded")
	}
	if len(ledger.bookings()) != 0 {
		t.Fatal("expected no booking for a failed generation")
	}
	if events.count("message_error") != 1 {
		t.Fatalf("expected one message_error event, got %v", events.names())
	}
}

func TestRunNonTransientFailureFailsImmediately(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")

	streamer := &fakeStreamer{}
	streamer.fn = func(_ context.Context, _ string, _ func(StreamDelta) error) (ChatResult, error) {
		return ChatResult{}, &ProviderError{StatusCode: 401, Message: "invalid api key", Transient: false}
	}

	runner := NewRunner(store, streamer, &fakeLedger{}, nil)
	runner.backoffBase = time.Millisecond
	runner.Run(context.Background(), msg, "gpt-4o", nil)

	if got := streamer.attemptCount(); got != 1 {
		t.Fatalf("expected no retry for a non-transient error, got %d attempts", got)
	}
	final, _ := store.GetMessage(context.Background(), msg.ID)
	if final.Status != chat.StatusError {
		t.Fatalf("expected error status, got %s", final.Status)
	}
}

func TestRunCancellationStopsWithPartialKept(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")

	wrote := make(chan struct{})
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, handler func(StreamDelta) error) (ChatResult, error) {
		if err := handler(StreamDelta{Content: "so far", FullContent: "so far"}); err != nil {
			return ChatResult{}, err
		}
		close(wrote)
		<-ctx.Done()
		return ChatResult{}, ctx.Err()
	}}
	events := &recordingBroadcaster{}
	ledger := &fakeLedger{}

	runner := NewRunner(store, streamer, ledger, events)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		runner.Run(ctx, msg, "gpt-4o", nil)
	}()

	<-wrote
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	final, _ := store.GetMessage(context.Background(), msg.ID)
	if final.Status != chat.StatusStopped {
		t.Fatalf("expected stopped, got %s", final.Status)
	}
	if final.Content != "so far" {
		t.Fatalf("expected partial content frozen, got %q", final.Content)
	}
	if len(ledger.bookings()) != 0 {
		t.Fatal("expected no booking for a stopped generation")
	}
	if events.count("message_stopped") != 1 {
		t.Fatalf("expected one message_stopped event, got %v", events.names())
	}
}

func TestRunBacksOffWhenMessageFrozenExternally(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")

	streamer := &fakeStreamer{fn: func(_ context.Context, _ string, handler func(StreamDelta) error) (ChatResult, error) {
		if err := handler(StreamDelta{Content: "first", FullContent: "first"}); err != nil {
			return ChatResult{}, err
		}
		// A stop lands between two provider deltas.
		if _, err := store.Stop(context.Background(), msg.ID); err != nil {
			return ChatResult{}, err
		}
		if err := handler(StreamDelta{Content: " second", FullContent: "first second", Done: true}); err != nil {
			return ChatResult{}, err
		}
		return ChatResult{Content: "first second"}, nil
	}}
	events := &recordingBroadcaster{}

	runner := NewRunner(store, streamer, &fakeLedger{}, events)
	runner.Run(context.Background(), msg, "gpt-4o", nil)

	final, _ := store.GetMessage(context.Background(), msg.ID)
	if final.Status != chat.StatusStopped {
		t.Fatalf("expected stop to stand, got %s", final.Status)
	}
	if final.Content != "first" {
		t.Fatalf("expected content frozen at stop point, got %q", final.Content)
	}
	if events.count("message_complete") != 0 || events.count("message_error") != 0 {
		t.Fatalf("expected no second terminal event, got %v", events.names())
	}
}

func TestRunCoalescesRapidDeltas(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")
	counting := &countingLifecycle{Store: store}

	streamer := &fakeStreamer{fn: func(_ context.Context, _ string, handler func(StreamDelta) error) (ChatResult, error) {
		deltas := []StreamDelta{
			{Content: "a", FullContent: "a"},
			{Content: "b", FullContent: "ab"},
			{Content: "c", FullContent: "abc"},
			{Content: "d", FullContent: "abcd", Done: true},
		}
		for _, d := range deltas {
			if err := handler(d); err != nil {
				return ChatResult{}, err
			}
		}
		return ChatResult{Content: "abcd"}, nil
	}}

	runner := NewRunner(counting, streamer, &fakeLedger{}, nil)
	runner.minUpdateInterval = time.Hour
	runner.Run(context.Background(), msg, "gpt-4o", nil)

	// First delta flushes immediately, the middle ones coalesce, the final
	// delta always flushes.
	if got := counting.partialCount(); got != 2 {
		t.Fatalf("expected 2 partial writes, got %d", got)
	}
	final, _ := store.GetMessage(context.Background(), msg.ID)
	if final.Status != chat.StatusComplete || final.Content != "abcd" {
		t.Fatalf("expected full content on completion, got %s %q", final.Status, final.Content)
	}
}

func TestRunStopsMessageWhenCancelledBeforeStart(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")

	streamer := &fakeStreamer{fn: func(context.Context, string, func(StreamDelta) error) (ChatResult, error) {
		t.Fatal("provider must not be called for a cancelled task")
		return ChatResult{}, nil
	}}
	ledger := &fakeLedger{}
	events := &recordingBroadcaster{}

	// The stop raced ahead of the task's first store write.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(store, streamer, ledger, events)
	runner.Run(ctx, msg, "gpt-4o", nil)

	final, err := store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if final.Status != chat.StatusStopped {
		t.Fatalf("expected stopped, got %s", final.Status)
	}
	if len(ledger.bookings()) != 0 {
		t.Fatalf("expected no bookings, got %v", ledger.bookings())
	}
	if events.count("message_stopped") != 1 {
		t.Fatalf("expected one message_stopped event, got %v", events.names())
	}
}

func TestRunFailsMessageWhenStartWriteFails(t *testing.T) {
	store := newTestChatStore(t)
	_, msg := pendingAssistant(t, store, "gpt-4o")

	streamer := &fakeStreamer{fn: func(context.Context, string, func(StreamDelta) error) (ChatResult, error) {
		t.Fatal("provider must not be called when the start write fails")
		return ChatResult{}, nil
	}}
	events := &recordingBroadcaster{}
	lifecycle := &startFailingLifecycle{Store: store, err: errors.New("connection reset")}

	runner := NewRunner(lifecycle, streamer, &fakeLedger{}, events)
	runner.Run(context.Background(), msg, "gpt-4o", nil)

	final, err := store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if final.Status != chat.StatusError {
		t.Fatalf("expected error status, got %s", final.Status)
	}
	if final.ErrReason == nil || !strings.Contains(*final.ErrReason, "connection reset") {
		t.Fatalf("expected failure reason recorded, got %v", final.ErrReason)
	}
	if events.count("message_error") != 1 {
		t.Fatalf("expected one message_error event, got %v", events.names())
	}
}
