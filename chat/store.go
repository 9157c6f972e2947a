package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrGroupNotFound is returned when a comparison group id matches no messages.
var ErrGroupNotFound = errors.New("chat: comparison group not found")

// Store mediates every read and write of conversation and message rows.
// All generation-state mutations go through the guarded transition methods
// in lifecycle.go; no other code path writes message status or content.
type Store struct {
	db    *gorm.DB
	cache *messageCache
}

// NewStore wraps the given database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for modules that share the connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// EnsureConversation loads the conversation or creates a fresh one for the
// user when id is zero.
func (s *Store) EnsureConversation(ctx context.Context, id, userID uint64) (Conversation, error) {
	var conv Conversation
	if id != 0 {
		err := s.db.WithContext(ctx).Take(&conv, "id = ? AND user_id = ?", id, userID).Error
		return conv, err
	}

	now := time.Now().UTC()
	conv = Conversation{
		UserID:    userID,
		Status:    "active",
		StartedAt: now,
		LastMsgAt: now,
	}
	err := s.db.WithContext(ctx).Create(&conv).Error
	return conv, err
}

// AppendUserMessage inserts the user's turn with the next sequence number.
func (s *Store) AppendUserMessage(ctx context.Context, conv Conversation, content string) (Message, error) {
	var created Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, parentID, err := nextSeq(tx, conv.ID)
		if err != nil {
			return err
		}

		msg := Message{
			ConversationID:  conv.ID,
			UserID:          conv.UserID,
			Seq:             seq,
			Role:            "user",
			Status:          StatusComplete,
			Content:         content,
			ParentMessageID: parentID,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Take(&msg, "id = ?", msg.ID).Error; err != nil {
			return err
		}
		if err := tx.Model(&Conversation{}).Where("id = ?", conv.ID).Update("last_msg_at", time.Now().UTC()).Error; err != nil {
			return err
		}
		created = msg
		return nil
	})
	if err == nil {
		s.invalidateRecent(ctx, conv.ID)
	}
	return created, err
}

// AppendPendingAssistant inserts an assistant placeholder in status pending
// for the given model. A non-nil groupID marks the row as a comparison
// candidate.
func (s *Store) AppendPendingAssistant(ctx context.Context, conv Conversation, parent Message, model string, groupID *string) (Message, error) {
	var created Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, _, err := nextSeq(tx, conv.ID)
		if err != nil {
			return err
		}

		parentID := parent.ID
		msg := Message{
			ConversationID:  conv.ID,
			UserID:          conv.UserID,
			Seq:             seq,
			Role:            "assistant",
			Status:          StatusPending,
			Model:           model,
			ParentMessageID: &parentID,
			ComparisonGroup: groupID,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Take(&msg, "id = ?", msg.ID).Error; err != nil {
			return err
		}
		created = msg
		return nil
	})
	if err == nil {
		s.invalidateRecent(ctx, conv.ID)
	}
	return created, err
}

func nextSeq(tx *gorm.DB, convID uint64) (int, *uint64, error) {
	var last Message
	if err := tx.Where("conversation_id = ?", convID).Order("seq DESC").Take(&last).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil, err
		}
		return 1, nil, nil
	}
	parent := last.ID
	return last.Seq + 1, &parent, nil
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(ctx context.Context, id uint64) (Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).Take(&msg, "id = ?", id).Error
	return msg, err
}

// GroupMembers returns every candidate message sharing the comparison group,
// ordered by id. Consolidated originals stay listed; the canonical message
// is included as well.
func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]Message, error) {
	var members []Message
	err := s.db.WithContext(ctx).
		Where("comparison_group_id = ?", groupID).
		Order("id ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrGroupNotFound
	}
	return members, nil
}

// GroupReady reports whether every member of the group has reached a
// terminal status. The canonical message, if one already exists, does not
// count against readiness.
func (s *Store) GroupReady(ctx context.Context, groupID string) (bool, error) {
	members, err := s.GroupMembers(ctx, groupID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.Canonical {
			continue
		}
		if !IsTerminal(m.Status) {
			return false, nil
		}
	}
	return true, nil
}

// RecentMessages lists the newest messages of a conversation in ascending
// sequence order, consulting the Redis cache when available.
func (s *Store) RecentMessages(ctx context.Context, convID uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	if cached, ok := s.cachedRecent(ctx, convID, limit); ok {
		return cached, nil
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("seq DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.storeRecent(ctx, convID, limit, messages)
	return messages, nil
}

// addConversationTokens accumulates completed usage onto the conversation.
func (s *Store) addConversationTokens(ctx context.Context, convID uint64, inputTokens, outputTokens int) error {
	updates := make(map[string]any, 2)
	if inputTokens > 0 {
		updates["token_input_sum"] = gorm.Expr("COALESCE(token_input_sum, 0) + ?", inputTokens)
	}
	if outputTokens > 0 {
		updates["token_output_sum"] = gorm.Expr("COALESCE(token_output_sum, 0) + ?", outputTokens)
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Conversation{}).Where("id = ?", convID).Updates(updates).Error
}

func statusReason(status string) string {
	if IsTerminal(status) {
		return "terminal:" + status
	}
	return fmt.Sprintf("status:%s", status)
}
