package generation

import (
	"context"
	"errors"
	"log"
	"time"

	"chorus_back/billing"
	"chorus_back/chat"
)

const (
	defaultMinUpdateInterval = 250 * time.Millisecond
	defaultMaxAttempts       = 3
	defaultBackoffBase       = 500 * time.Millisecond
)

// errTerminalObserved aborts stream consumption once the message has been
// frozen by a competing writer. It never escapes Run.
var errTerminalObserved = errors.New("generation: message already terminal")

// Lifecycle is the guarded transition surface of the message store. Every
// write a task performs goes through it; *chat.Store is the production
// implementation.
type Lifecycle interface {
	MarkGenerating(ctx context.Context, id uint64) error
	MarkThinkingStarted(ctx context.Context, id uint64, atMillis int64) error
	ApplyPartial(ctx context.Context, id uint64, update chat.PartialUpdate) (chat.PatchOutcome, error)
	Complete(ctx context.Context, id uint64, final chat.Completion) (chat.PatchOutcome, error)
	Stop(ctx context.Context, id uint64) (chat.PatchOutcome, error)
	Fail(ctx context.Context, id uint64, reason string) (chat.PatchOutcome, error)
}

// Streamer yields a cancellable stream of provider deltas. *ChatClient is
// the production implementation.
type Streamer interface {
	ChatStream(ctx context.Context, model string, messages []ChatMessage, handler func(StreamDelta) error) (ChatResult, error)
}

// UsageRecorder books completed generations into the usage ledger.
// *billing.Ledger is the production implementation.
type UsageRecorder interface {
	Cost(model string, usage billing.Usage) float64
	Record(ctx context.Context, userID uint64, model string, usage billing.Usage) error
}

// Broadcaster pushes lifecycle events to live observers. *Hub is the
// production implementation; nil disables publishing.
type Broadcaster interface {
	Publish(conversationID uint64, event string, payload map[string]any)
}

// Runner drives single generations end to end: one Run call is one
// (message, model) pair against one provider stream.
type Runner struct {
	store  Lifecycle
	client Streamer
	ledger UsageRecorder
	events Broadcaster

	minUpdateInterval time.Duration
	maxAttempts       int
	backoffBase       time.Duration
}

// NewRunner wires a runner with default throttle and retry settings.
func NewRunner(store Lifecycle, client Streamer, ledger UsageRecorder, events Broadcaster) *Runner {
	return &Runner{
		store:             store,
		client:            client,
		ledger:            ledger,
		events:            events,
		minUpdateInterval: defaultMinUpdateInterval,
		maxAttempts:       defaultMaxAttempts,
		backoffBase:       defaultBackoffBase,
	}
}

// withEvents returns a copy of the runner publishing to a different
// broadcaster. Used to tee events into an inline SSE response.
func (r *Runner) withEvents(events Broadcaster) *Runner {
	clone := *r
	clone.events = events
	return &clone
}

func (r *Runner) publish(conversationID uint64, event string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Publish(conversationID, event, payload)
}

// streamState tracks one attempt's progress between provider deltas.
type streamState struct {
	runner          *Runner
	ctx             context.Context
	messageID       uint64
	conversationID  uint64
	wrotePartial    bool
	thinkingStarted bool
	lastFlush       time.Time
	pendingContent  string
	pendingReason   string
	dirty           bool
}

func (s *streamState) handle(delta StreamDelta) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}

	if delta.Reasoning != "" && !s.thinkingStarted {
		s.thinkingStarted = true
		if err := s.runner.store.MarkThinkingStarted(s.ctx, s.messageID, time.Now().UTC().UnixMilli()); err != nil {
			log.Printf("generation: mark thinking started: %v", err)
		}
	}

	if delta.Content != "" || delta.Reasoning != "" {
		s.pendingContent = delta.FullContent
		s.pendingReason = delta.FullReasoning
		s.dirty = true
	}

	// Coalesce rapid small deltas: at most one store write per interval,
	// plus a final flush when the stream finishes.
	if !s.dirty {
		return nil
	}
	if !delta.Done && delta.FinishReason == "" && time.Since(s.lastFlush) < s.runner.minUpdateInterval {
		return nil
	}
	return s.flush()
}

func (s *streamState) flush() error {
	update := chat.PartialUpdate{Content: &s.pendingContent}
	if s.pendingReason != "" {
		update.Reasoning = &s.pendingReason
	}

	outcome, err := s.runner.store.ApplyPartial(s.ctx, s.messageID, update)
	if err != nil {
		return err
	}
	if !outcome.Updated {
		// The message was frozen while we streamed (user stop or a
		// competing failure). Stop consuming provider output entirely.
		return errTerminalObserved
	}

	s.wrotePartial = true
	s.dirty = false
	s.lastFlush = time.Now()

	payload := map[string]any{
		"id":      s.messageID,
		"content": s.pendingContent,
	}
	if s.pendingReason != "" {
		payload["reasoning"] = s.pendingReason
	}
	s.runner.publish(s.conversationID, "message_partial", payload)
	return nil
}

// Run executes one generation for the given pending assistant message.
// It issues at most one terminal transition, always via the guarded store
// operations, and books usage only when its own Complete lands.
func (r *Runner) Run(ctx context.Context, msg chat.Message, model string, prompt []ChatMessage) {
	if err := r.store.MarkGenerating(ctx, msg.ID); err != nil {
		log.Printf("generation: mark generating message %d: %v", msg.ID, err)
		// The row must not stay pending forever: resolve it on a fresh
		// context, as a stop when the cancellation beat the first write and
		// as a failure otherwise.
		storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if ctx.Err() != nil {
			r.stop(storeCtx, msg)
		} else {
			r.fail(storeCtx, msg, err)
		}
		return
	}

	var result ChatResult
	var streamErr error
	state := &streamState{runner: r, ctx: ctx, messageID: msg.ID, conversationID: msg.ConversationID}

	for attempt := 0; ; attempt++ {
		result, streamErr = r.client.ChatStream(ctx, model, prompt, state.handle)
		if streamErr == nil {
			break
		}
		if errors.Is(streamErr, errTerminalObserved) || errors.Is(streamErr, context.Canceled) || ctx.Err() != nil {
			break
		}
		// Retries are cheap before any partial output exists and risky
		// after: a retry would silently discard user-visible text.
		if !IsTransient(streamErr) || state.wrotePartial || attempt+1 >= r.maxAttempts {
			break
		}
		backoff := r.backoffBase << attempt
		log.Printf("generation: transient provider error for message %d (attempt %d): %v", msg.ID, attempt+1, streamErr)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		if ctx.Err() != nil {
			streamErr = ctx.Err()
			break
		}
	}

	// Terminal writes run on a fresh context: the cancellation that ended
	// the stream must not also cancel the stop bookkeeping.
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case streamErr == nil:
		r.complete(storeCtx, msg, model, result)
	case errors.Is(streamErr, errTerminalObserved):
		// Another writer froze the message; nothing left to do.
	case errors.Is(streamErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		r.stop(storeCtx, msg)
	default:
		r.fail(storeCtx, msg, streamErr)
	}
}

func (r *Runner) complete(ctx context.Context, msg chat.Message, model string, result ChatResult) {
	usage := billing.Usage{}
	if result.Usage != nil {
		usage = billing.Usage{
			InputTokens:     result.Usage.PromptTokens,
			OutputTokens:    result.Usage.CompletionTokens,
			ReasoningTokens: result.Usage.ReasoningTokens,
			CachedTokens:    result.Usage.CachedTokens,
		}
	}

	var cost float64
	if r.ledger != nil {
		cost = r.ledger.Cost(model, usage)
	}

	final := chat.Completion{
		Content:         result.Content,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		ReasoningTokens: usage.ReasoningTokens,
		Cost:            cost,
	}
	if result.Reasoning != "" {
		reasoning := result.Reasoning
		final.Reasoning = &reasoning
	}

	outcome, err := r.store.Complete(ctx, msg.ID, final)
	if err != nil {
		log.Printf("generation: complete message %d: %v", msg.ID, err)
		return
	}
	if !outcome.Updated {
		// Lost the race against a stop; the stopped content stands.
		log.Printf("generation: completion for message %d rejected: %s", msg.ID, outcome.Reason)
		return
	}

	// Billing failures never undo a completed generation; the correction
	// pass can repair the ledger after the fact.
	if r.ledger != nil {
		if err := r.ledger.Record(ctx, msg.UserID, model, usage); err != nil {
			log.Printf("generation: record usage for message %d: %v", msg.ID, err)
		}
	}

	r.publish(msg.ConversationID, "message_complete", map[string]any{
		"id":      msg.ID,
		"content": result.Content,
		"cost":    cost,
	})
}

func (r *Runner) stop(ctx context.Context, msg chat.Message) {
	outcome, err := r.store.Stop(ctx, msg.ID)
	if err != nil {
		log.Printf("generation: stop message %d: %v", msg.ID, err)
		return
	}
	if !outcome.Updated {
		return
	}
	r.publish(msg.ConversationID, "message_stopped", map[string]any{"id": msg.ID})
}

func (r *Runner) fail(ctx context.Context, msg chat.Message, cause error) {
	outcome, err := r.store.Fail(ctx, msg.ID, cause.Error())
	if err != nil {
		log.Printf("generation: fail message %d: %v", msg.ID, err)
		return
	}
	if !outcome.Updated {
		return
	}
	r.publish(msg.ConversationID, "message_error", map[string]any{
		"id":    msg.ID,
		"error": cause.Error(),
	})
}
