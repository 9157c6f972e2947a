package chat

import (
	"time"

	"gorm.io/datatypes"
)

// Message status values. pending and generating are mutable; the other
// three are terminal and absorbing.
const (
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusComplete   = "complete"
	StatusStopped    = "stopped"
	StatusError      = "error"
)

// IsTerminal reports whether the given status accepts no further mutation.
func IsTerminal(status string) bool {
	switch status {
	case StatusComplete, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

type Conversation struct {
	ID             uint64    `gorm:"primaryKey"`
	UserID         uint64    `gorm:"column:user_id;index:idx_conversations_user"`
	Title          string    `gorm:"column:title;size:255"`
	Status         string    `gorm:"column:status;size:32;not null;default:'active'"`
	TokenInputSum  *int64    `gorm:"column:token_input_sum"`
	TokenOutputSum *int64    `gorm:"column:token_output_sum"`
	LastMsgAt      time.Time `gorm:"column:last_msg_at"`
	StartedAt      time.Time `gorm:"column:started_at"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

type Message struct {
	ID               uint64         `gorm:"primaryKey"`
	ConversationID   uint64         `gorm:"column:conversation_id;index"`
	UserID           uint64         `gorm:"column:user_id"`
	Seq              int            `gorm:"column:seq"`
	Role             string         `gorm:"column:role;size:16"`
	Status           string         `gorm:"column:status;size:16;not null;default:'pending';index"`
	Model            string         `gorm:"column:model;size:128"`
	Content          string         `gorm:"column:content;type:text"`
	PartialReasoning *string        `gorm:"column:partial_reasoning;type:text"`
	Reasoning        *string        `gorm:"column:reasoning;type:text"`
	ReasoningTokens  *int           `gorm:"column:reasoning_tokens"`
	InputTokens      *int           `gorm:"column:input_tokens"`
	OutputTokens     *int           `gorm:"column:output_tokens"`
	Cost             *float64       `gorm:"column:cost"`
	ComparisonGroup  *string        `gorm:"column:comparison_group_id;size:36;index"`
	Canonical        bool           `gorm:"column:canonical;not null;default:false"`
	ParentMessageID  *uint64        `gorm:"column:parent_msg_id"`
	ErrReason        *string        `gorm:"column:err_reason;size:512"`
	Extras           datatypes.JSON `gorm:"column:extras"`
	ThinkingStarted  *int64         `gorm:"column:thinking_started_at"`
	ThinkingFinished *int64         `gorm:"column:thinking_completed_at"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

func (Message) TableName() string {
	return "messages"
}
