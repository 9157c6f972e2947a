package generation

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"chorus_back/chat"

	"github.com/google/uuid"
)

const (
	minComparisonModels = 2
	maxComparisonModels = 4
)

var (
	ErrInvalidModelCount = errors.New("generation: comparison requires between 2 and 4 models")
	ErrDuplicateModel    = errors.New("generation: comparison models must be distinct")
)

// MessageStore is the persistence surface the coordinator needs on top of
// the guarded lifecycle operations. *chat.Store is the production
// implementation.
type MessageStore interface {
	Lifecycle
	AppendPendingAssistant(ctx context.Context, conv chat.Conversation, parent chat.Message, model string, groupID *string) (chat.Message, error)
	GetMessage(ctx context.Context, id uint64) (chat.Message, error)
	GroupMembers(ctx context.Context, groupID string) ([]chat.Message, error)
}

// ValidateComparisonModels checks a comparison request's model list before
// any message row is created. Single-model requests do not pass through
// here.
func ValidateComparisonModels(models []string) ([]string, error) {
	cleaned := make([]string, 0, len(models))
	seen := make(map[string]struct{}, len(models))
	for _, model := range models {
		trimmed := strings.TrimSpace(model)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			return nil, ErrDuplicateModel
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) < minComparisonModels || len(cleaned) > maxComparisonModels {
		return nil, ErrInvalidModelCount
	}
	return cleaned, nil
}

// Coordinator fans one user turn out to one or more models, each as an
// independent generation task, and tracks the cancellation handles of
// everything still running.
type Coordinator struct {
	store  MessageStore
	runner *Runner

	mu      sync.Mutex
	running map[uint64]context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator builds a coordinator around the given store and runner.
func NewCoordinator(store MessageStore, runner *Runner) *Coordinator {
	return &Coordinator{
		store:   store,
		runner:  runner,
		running: make(map[uint64]context.CancelFunc),
	}
}

// StartSingle creates one pending assistant message and launches its task.
func (c *Coordinator) StartSingle(ctx context.Context, conv chat.Conversation, userMsg chat.Message, model string, prompt []ChatMessage) (chat.Message, error) {
	msg, err := c.store.AppendPendingAssistant(ctx, conv, userMsg, model, nil)
	if err != nil {
		return chat.Message{}, err
	}
	c.launch(msg, model, prompt)
	return msg, nil
}

// StartSingleObserved is StartSingle with the task's events teed into an
// extra broadcaster and a channel that closes when the task finishes. The
// task still runs detached, so a dropped observer never cancels it.
func (c *Coordinator) StartSingleObserved(ctx context.Context, conv chat.Conversation, userMsg chat.Message, model string, prompt []ChatMessage, events Broadcaster) (chat.Message, <-chan struct{}, error) {
	msg, err := c.store.AppendPendingAssistant(ctx, conv, userMsg, model, nil)
	if err != nil {
		return chat.Message{}, nil, err
	}
	done := c.launchWith(msg, model, prompt, c.runner.withEvents(events))
	return msg, done, nil
}

// StartComparison creates one pending candidate per model, all sharing a
// fresh comparison group id, and launches their tasks concurrently. The
// model list must already have passed ValidateComparisonModels.
func (c *Coordinator) StartComparison(ctx context.Context, conv chat.Conversation, userMsg chat.Message, models []string, prompt []ChatMessage) (string, []chat.Message, error) {
	groupID := uuid.NewString()

	members := make([]chat.Message, 0, len(models))
	for _, model := range models {
		msg, err := c.store.AppendPendingAssistant(ctx, conv, userMsg, model, &groupID)
		if err != nil {
			return "", nil, err
		}
		members = append(members, msg)
	}

	// Candidates run concurrently and independently: no task waits on
	// another, and one model's failure never touches its siblings.
	for i, msg := range members {
		c.launch(msg, models[i], prompt)
	}

	return groupID, members, nil
}

// launch starts one detached task. A generation outlives the HTTP request
// that started it, so the task context derives from the background context
// and is cancelled only through StopMessage/StopGroup.
func (c *Coordinator) launch(msg chat.Message, model string, prompt []ChatMessage) {
	c.launchWith(msg, model, prompt, c.runner)
}

func (c *Coordinator) launchWith(msg chat.Message, model string, prompt []ChatMessage, runner *Runner) <-chan struct{} {
	taskCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.running[msg.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer close(done)
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, msg.ID)
			c.mu.Unlock()
			cancel()
		}()
		runner.Run(taskCtx, msg, model, prompt)
	}()
	return done
}

// StopMessage cancels the message's running task; the task observes the
// cancellation at its next suspension point and issues the single stop
// transition itself. When no task is registered (for example after a
// restart left a message stuck in generating), the store transition is
// issued directly. Stopping an already-terminal message is a no-op.
func (c *Coordinator) StopMessage(ctx context.Context, id uint64) error {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	msg, err := c.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if chat.IsTerminal(msg.Status) {
		return nil
	}
	if _, err := c.store.Stop(ctx, id); err != nil {
		return err
	}
	return nil
}

// StopGroup cancels every still-running member of the comparison group.
// Members that already reached a terminal state are untouched.
func (c *Coordinator) StopGroup(ctx context.Context, groupID string) error {
	members, err := c.store.GroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.Canonical || chat.IsTerminal(member.Status) {
			continue
		}
		if err := c.StopMessage(ctx, member.ID); err != nil {
			log.Printf("generation: stop group %s member %d: %v", groupID, member.ID, err)
		}
	}
	return nil
}

// Wait blocks until every launched task has finished. Used by tests and by
// graceful shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
