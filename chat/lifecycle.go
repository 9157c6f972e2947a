package chat

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"
)

// PatchOutcome reports whether a guarded transition landed. A rejected
// transition is not an error: Reason carries "terminal:<status>" when the
// message had already been frozen by a competing writer.
type PatchOutcome struct {
	Updated bool
	Reason  string
}

// PartialUpdate carries an incremental write of in-progress text. Nil fields
// are left untouched.
type PartialUpdate struct {
	Content   *string
	Reasoning *string
}

// Completion carries the final payload of a finished generation.
type Completion struct {
	Content         string
	Reasoning       *string
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	Cost            float64
}

// MarkGenerating moves a pending message into generating. Starting
// generation is idempotent: a message already past pending is left alone.
func (s *Store) MarkGenerating(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":     StatusGenerating,
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkThinkingStarted records the first reasoning chunk's arrival time once.
func (s *Store) MarkThinkingStarted(ctx context.Context, id uint64, atMillis int64) error {
	return s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND status = ? AND thinking_started_at IS NULL", id, StatusGenerating).
		Updates(map[string]any{
			"thinking_started_at": atMillis,
			"updated_at":          time.Now().UTC(),
		}).Error
}

// ApplyPartial writes streamed progress into a generating message. The
// status guard rides inside the UPDATE predicate, so a message frozen by a
// concurrent stop or failure rejects the write atomically: there is no
// window between checking the status and patching the row.
func (s *Store) ApplyPartial(ctx context.Context, id uint64, update PartialUpdate) (PatchOutcome, error) {
	updates := make(map[string]any, 3)
	if update.Content != nil {
		updates["content"] = *update.Content
	}
	if update.Reasoning != nil {
		updates["partial_reasoning"] = *update.Reasoning
	}
	if len(updates) == 0 {
		// An empty update still answers with the message's fate: a frozen
		// message reports the terminal rejection instead of a phantom write.
		var msg Message
		if err := s.db.WithContext(ctx).Select("status").Take(&msg, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return PatchOutcome{Updated: false, Reason: "not_found"}, nil
			}
			return PatchOutcome{}, err
		}
		if msg.Status == StatusGenerating {
			return PatchOutcome{Updated: true}, nil
		}
		return PatchOutcome{Updated: false, Reason: statusReason(msg.Status)}, nil
	}
	updates["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND status = ?", id, StatusGenerating).
		Updates(updates)
	if res.Error != nil {
		return PatchOutcome{}, res.Error
	}
	if res.RowsAffected == 0 {
		return s.rejectedOutcome(ctx, id)
	}
	return PatchOutcome{Updated: true}, nil
}

// Complete freezes a generating message with its final content, promotes or
// replaces the reasoning text, clears the partial buffer, and records token
// and cost accounting. Exactly one of Complete/Stop/Fail ever lands for a
// message; the losers observe a terminal rejection.
func (s *Store) Complete(ctx context.Context, id uint64, final Completion) (PatchOutcome, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":                StatusComplete,
		"content":               final.Content,
		"thinking_completed_at": gorm.Expr("CASE WHEN thinking_started_at IS NULL THEN thinking_completed_at ELSE ? END", now.UnixMilli()),
		"updated_at":            now,
	}
	if final.Reasoning != nil {
		updates["reasoning"] = *final.Reasoning
		updates["partial_reasoning"] = nil
	}
	if final.InputTokens > 0 {
		updates["input_tokens"] = final.InputTokens
	}
	if final.OutputTokens > 0 {
		updates["output_tokens"] = final.OutputTokens
	}
	if final.ReasoningTokens > 0 {
		updates["reasoning_tokens"] = final.ReasoningTokens
	}
	if final.Cost > 0 {
		updates["cost"] = final.Cost
	}

	outcome, err := s.transition(ctx, id, updates)
	if err != nil || !outcome.Updated {
		return outcome, err
	}
	if final.Reasoning == nil {
		if err := s.promotePartialReasoning(ctx, id, StatusComplete); err != nil {
			return outcome, err
		}
	}

	var msg Message
	if err := s.db.WithContext(ctx).Take(&msg, "id = ?", id).Error; err == nil {
		if err := s.addConversationTokens(ctx, msg.ConversationID, final.InputTokens, final.OutputTokens); err != nil {
			log.Printf("chat: accumulate conversation tokens: %v", err)
		}
		s.invalidateRecent(ctx, msg.ConversationID)
	}
	return outcome, nil
}

// Stop freezes a generating message, keeping whatever partial content and
// reasoning had accumulated as the final visible value. A still-pending
// message can be stopped too, so a stop racing ahead of the task's first
// write resolves the row instead of stranding it.
func (s *Store) Stop(ctx context.Context, id uint64) (PatchOutcome, error) {
	now := time.Now().UTC()
	outcome, err := s.transitionFrom(ctx, id, []string{StatusPending, StatusGenerating}, map[string]any{
		"status":                StatusStopped,
		"thinking_completed_at": gorm.Expr("CASE WHEN thinking_started_at IS NULL OR thinking_completed_at IS NOT NULL THEN thinking_completed_at ELSE ? END", now.UnixMilli()),
		"updated_at":            now,
	})
	if err != nil || !outcome.Updated {
		return outcome, err
	}

	// The row is frozen now and this writer owns it: promote the partial
	// reasoning buffer into the final field as part of the same transition.
	if err := s.promotePartialReasoning(ctx, id, StatusStopped); err != nil {
		return outcome, err
	}

	s.invalidateRecentByMessage(ctx, id)
	return outcome, nil
}

// Fail freezes a generating message with an error reason. Partial content
// and reasoning are preserved for diagnostic display. Like Stop it also
// accepts a still-pending message, so a generation that errors before its
// first write ends in error rather than pending forever.
func (s *Store) Fail(ctx context.Context, id uint64, reason string) (PatchOutcome, error) {
	now := time.Now().UTC()
	short := truncate(reason, 512)
	outcome, err := s.transitionFrom(ctx, id, []string{StatusPending, StatusGenerating}, map[string]any{
		"status":                StatusError,
		"err_reason":            short,
		"thinking_completed_at": gorm.Expr("CASE WHEN thinking_started_at IS NULL OR thinking_completed_at IS NOT NULL THEN thinking_completed_at ELSE ? END", now.UnixMilli()),
		"updated_at":            now,
	})
	if err != nil || !outcome.Updated {
		return outcome, err
	}
	s.invalidateRecentByMessage(ctx, id)
	return outcome, nil
}

// promotePartialReasoning folds the streamed reasoning buffer into the final
// reasoning field once a terminal transition has landed. Two sequential
// statements, reasoning first: MySQL evaluates SET assignments left to right
// against already-updated values and gorm orders map assignments by key, so
// a single statement would null the buffer before the COALESCE reads it.
func (s *Store) promotePartialReasoning(ctx context.Context, id uint64, status string) error {
	if err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND status = ?", id, status).
		Update("reasoning", gorm.Expr("COALESCE(reasoning, partial_reasoning)")).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND status = ?", id, status).
		Update("partial_reasoning", nil).Error
}

// transition performs one guarded terminal move out of generating.
func (s *Store) transition(ctx context.Context, id uint64, updates map[string]any) (PatchOutcome, error) {
	return s.transitionFrom(ctx, id, []string{StatusGenerating}, updates)
}

func (s *Store) transitionFrom(ctx context.Context, id uint64, from []string, updates map[string]any) (PatchOutcome, error) {
	res := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return PatchOutcome{}, res.Error
	}
	if res.RowsAffected == 0 {
		return s.rejectedOutcome(ctx, id)
	}
	return PatchOutcome{Updated: true}, nil
}

func (s *Store) rejectedOutcome(ctx context.Context, id uint64) (PatchOutcome, error) {
	var msg Message
	if err := s.db.WithContext(ctx).Take(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PatchOutcome{Updated: false, Reason: "not_found"}, nil
		}
		return PatchOutcome{}, err
	}
	return PatchOutcome{Updated: false, Reason: statusReason(msg.Status)}, nil
}

func (s *Store) invalidateRecentByMessage(ctx context.Context, id uint64) {
	var msg Message
	if err := s.db.WithContext(ctx).Select("conversation_id").Take(&msg, "id = ?", id).Error; err != nil {
		return
	}
	s.invalidateRecent(ctx, msg.ConversationID)
}

func truncate(value string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(value) <= max {
		return value
	}
	if max <= 3 {
		return value[:max]
	}
	return value[:max-3] + "..."
}
