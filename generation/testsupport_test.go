package generation

import (
	"context"
	"sync"
	"testing"
	"time"

	"chorus_back/billing"
	"chorus_back/chat"
	"chorus_back/storage"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestChatStore(t *testing.T) *chat.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Conversation{}, &chat.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return chat.NewStore(db)
}

func seedTurn(t *testing.T, store *chat.Store) (chat.Conversation, chat.Message) {
	t.Helper()
	ctx := context.Background()
	conv, err := store.EnsureConversation(ctx, 0, 42)
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	userMsg, err := store.AppendUserMessage(ctx, conv, "what is the answer?")
	if err != nil {
		t.Fatalf("append user message: %v", err)
	}
	return conv, userMsg
}

// fakeStreamer substitutes the provider. The fn field receives the model and
// the task's delta handler and plays whatever stream the test needs.
type fakeStreamer struct {
	mu       sync.Mutex
	attempts int
	fn       func(ctx context.Context, model string, handler func(StreamDelta) error) (ChatResult, error)
}

func (f *fakeStreamer) ChatStream(ctx context.Context, model string, _ []ChatMessage, handler func(StreamDelta) error) (ChatResult, error) {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return f.fn(ctx, model, handler)
}

func (f *fakeStreamer) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type recordedUsage struct {
	UserID uint64
	Model  string
	Usage  billing.Usage
}

// fakeLedger prices every model at one dollar per million output tokens and
// records bookings in memory.
type fakeLedger struct {
	mu       sync.Mutex
	recorded []recordedUsage
}

func (f *fakeLedger) Cost(_ string, usage billing.Usage) float64 {
	return float64(usage.OutputTokens) / 1e6
}

func (f *fakeLedger) Record(_ context.Context, userID uint64, model string, usage billing.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, recordedUsage{UserID: userID, Model: model, Usage: usage})
	return nil
}

func (f *fakeLedger) bookings() []recordedUsage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedUsage, len(f.recorded))
	copy(out, f.recorded)
	return out
}

type publishedEvent struct {
	ConversationID uint64
	Event          string
	Payload        map[string]any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (r *recordingBroadcaster) Publish(conversationID uint64, event string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, publishedEvent{ConversationID: conversationID, Event: event, Payload: payload})
}

func (r *recordingBroadcaster) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.Event)
	}
	return names
}

func (r *recordingBroadcaster) count(event string) int {
	n := 0
	for _, name := range r.names() {
		if name == event {
			n++
		}
	}
	return n
}

// countingLifecycle wraps a store to count partial writes.
type countingLifecycle struct {
	*chat.Store
	mu       sync.Mutex
	partials int
}

func (c *countingLifecycle) ApplyPartial(ctx context.Context, id uint64, update chat.PartialUpdate) (chat.PatchOutcome, error) {
	c.mu.Lock()
	c.partials++
	c.mu.Unlock()
	return c.Store.ApplyPartial(ctx, id, update)
}

func (c *countingLifecycle) partialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partials
}

// startFailingLifecycle wraps a store so the generating transition errors,
// simulating a store outage at task start.
type startFailingLifecycle struct {
	*chat.Store
	err error
}

func (s *startFailingLifecycle) MarkGenerating(context.Context, uint64) error {
	return s.err
}

// fakeArchiver captures the transcript handed to the background export.
type fakeArchiver struct {
	received chan storage.GroupTranscript
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{received: make(chan storage.GroupTranscript, 1)}
}

func (f *fakeArchiver) ArchiveGroup(_ context.Context, transcript storage.GroupTranscript) (string, error) {
	f.received <- transcript
	return "transcripts/" + transcript.GroupID + ".json", nil
}
