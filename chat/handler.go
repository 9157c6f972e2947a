package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chorus_back/authorization"
	"chorus_back/cache"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Module exposes the conversation read surface and owns the message store.
type Module struct {
	store *Store
}

// RegisterRoutes opens the database, migrates the chat models, and mounts
// the read endpoints under /chat. The returned module's Store is shared with
// the generation and billing modules.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return nil, err
	}

	store := NewStore(db)
	if client, err := cache.GetRedisClient(); err == nil && client != nil {
		store = store.WithCache(client)
	}

	module := &Module{store: store}

	group := router.Group("/chat")
	group.Use(guard.RequireAuthenticated())
	group.GET("/conversations/:id/messages", module.handleConversationMessages)
	group.GET("/messages/:id", module.handleGetMessage)
	group.GET("/groups/:id", module.handleGroupMembers)

	return module, nil
}

// Store returns the shared message store.
func (m *Module) Store() *Store {
	return m.store
}

// MessageRecord is the JSON projection of a message row.
type MessageRecord struct {
	ID               uint64          `json:"id"`
	ConversationID   uint64          `json:"conversation_id"`
	UserID           uint64          `json:"user_id"`
	Seq              int             `json:"seq"`
	Role             string          `json:"role"`
	Status           string          `json:"status"`
	Model            string          `json:"model,omitempty"`
	Content          string          `json:"content"`
	PartialReasoning *string         `json:"partial_reasoning,omitempty"`
	Reasoning        *string         `json:"reasoning,omitempty"`
	ReasoningTokens  *int            `json:"reasoning_tokens,omitempty"`
	InputTokens      *int            `json:"input_tokens,omitempty"`
	OutputTokens     *int            `json:"output_tokens,omitempty"`
	Cost             *float64        `json:"cost,omitempty"`
	ComparisonGroup  *string         `json:"comparison_group_id,omitempty"`
	Canonical        bool            `json:"canonical,omitempty"`
	ParentMessageID  *uint64         `json:"parent_message_id,omitempty"`
	ErrReason        *string         `json:"err_reason,omitempty"`
	Extras           json.RawMessage `json:"extras,omitempty"`
	ThinkingStarted  *int64          `json:"thinking_started_at,omitempty"`
	ThinkingFinished *int64          `json:"thinking_completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Record converts a message row into its JSON projection.
func Record(msg Message) MessageRecord {
	var extras json.RawMessage
	if len(msg.Extras) > 0 {
		clone := make([]byte, len(msg.Extras))
		copy(clone, msg.Extras)
		extras = json.RawMessage(clone)
	}
	return MessageRecord{
		ID:               msg.ID,
		ConversationID:   msg.ConversationID,
		UserID:           msg.UserID,
		Seq:              msg.Seq,
		Role:             msg.Role,
		Status:           msg.Status,
		Model:            msg.Model,
		Content:          msg.Content,
		PartialReasoning: msg.PartialReasoning,
		Reasoning:        msg.Reasoning,
		ReasoningTokens:  msg.ReasoningTokens,
		InputTokens:      msg.InputTokens,
		OutputTokens:     msg.OutputTokens,
		Cost:             msg.Cost,
		ComparisonGroup:  msg.ComparisonGroup,
		Canonical:        msg.Canonical,
		ParentMessageID:  msg.ParentMessageID,
		ErrReason:        msg.ErrReason,
		Extras:           extras,
		ThinkingStarted:  msg.ThinkingStarted,
		ThinkingFinished: msg.ThinkingFinished,
		CreatedAt:        msg.CreatedAt,
		UpdatedAt:        msg.UpdatedAt,
	}
}

func (m *Module) handleConversationMessages(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	convID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	limit := recentMessagesCacheLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	ctx := c.Request.Context()

	var conv Conversation
	if err := m.store.DB().WithContext(ctx).Take(&conv, "id = ? AND user_id = ?", convID, uint64(userID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	messages, err := m.store.RecentMessages(ctx, conv.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	records := make([]MessageRecord, 0, len(messages))
	for _, msg := range messages {
		records = append(records, Record(msg))
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conv.ID,
		"messages":        records,
	})
}

func (m *Module) handleGetMessage(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	msg, err := m.store.GetMessage(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}
	if msg.UserID != uint64(userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": Record(msg)})
}

// handleGroupMembers lists every candidate of a comparison group, including
// originals that lost a consolidation vote. The group stays inspectable
// after consolidation.
func (m *Module) handleGroupMembers(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	groupID := strings.TrimSpace(c.Param("id"))
	if groupID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}

	members, err := m.store.GroupMembers(c.Request.Context(), groupID)
	if err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "comparison group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load comparison group"})
		return
	}
	if members[0].UserID != uint64(userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "comparison group not found"})
		return
	}

	ready := true
	records := make([]MessageRecord, 0, len(members))
	for _, msg := range members {
		if !msg.Canonical && !IsTerminal(msg.Status) {
			ready = false
		}
		records = append(records, Record(msg))
	}

	c.JSON(http.StatusOK, gin.H{
		"comparison_group_id": groupID,
		"ready":               ready,
		"members":             records,
	})
}

func parseID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("chat: invalid id")
	}
	return id, nil
}
