package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNoCanonical is returned when a comparison group has not been
// consolidated yet.
var ErrNoCanonical = errors.New("chat: comparison group has no canonical message")

// CanonicalMessage returns the group's canonical message, if consolidation
// has already designated one.
func (s *Store) CanonicalMessage(ctx context.Context, groupID string) (Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).
		Where("comparison_group_id = ? AND canonical = ?", groupID, true).
		Take(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Message{}, ErrNoCanonical
		}
		return Message{}, err
	}
	return msg, nil
}

// InsertCanonical appends the consolidated assistant message for a finished
// comparison group. The row is born complete; the candidate originals stay
// untouched and keep referencing the same group id.
func (s *Store) InsertCanonical(ctx context.Context, conversationID, userID uint64, groupID, model, content string, extras datatypes.JSON) (Message, error) {
	var created Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, parentID, err := nextSeq(tx, conversationID)
		if err != nil {
			return err
		}
		msg := Message{
			ConversationID:  conversationID,
			UserID:          userID,
			Seq:             seq,
			Role:            "assistant",
			Status:          StatusComplete,
			Model:           model,
			Content:         content,
			ComparisonGroup: &groupID,
			Canonical:       true,
			ParentMessageID: parentID,
			Extras:          extras,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Take(&msg, "id = ?", msg.ID).Error; err != nil {
			return err
		}
		if err := tx.Model(&Conversation{}).Where("id = ?", conversationID).Update("last_msg_at", time.Now().UTC()).Error; err != nil {
			return err
		}
		created = msg
		return nil
	})
	if err == nil {
		s.invalidateRecent(ctx, conversationID)
	}
	return created, err
}

// UpdateCanonical rewrites the canonical designation after a
// re-consolidation with a different selection. The guard restricts the
// write to canonical rows: member originals are out of reach of this
// operation by construction.
func (s *Store) UpdateCanonical(ctx context.Context, id uint64, model, content string, extras datatypes.JSON) error {
	res := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND canonical = ?", id, true).
		Updates(map[string]any{
			"model":      model,
			"content":    content,
			"extras":     extras,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	s.invalidateRecentByMessage(ctx, id)
	return nil
}
