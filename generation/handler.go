package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chorus_back/authorization"
	"chorus_back/billing"
	"chorus_back/chat"
	"chorus_back/storage"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const promptHistoryLimit = 20

// Module owns the generation pipeline: provider client, task runner,
// fan-out coordinator, consolidation engine, and the live event hub.
type Module struct {
	store       *chat.Store
	client      *ChatClient
	coordinator *Coordinator
	consolidate *Consolidator
	hub         *Hub
	archive     *storage.TranscriptArchive
}

// RegisterRoutes wires the generation module and mounts its endpoints under
// /generation. The chat store and usage ledger are shared with the modules
// that own them.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, store *chat.Store, ledger *billing.Ledger) (*Module, error) {
	client, err := NewChatClientFromEnv()
	if err != nil {
		return nil, err
	}

	archive, err := storage.NewTranscriptArchiveFromEnv()
	if err != nil {
		return nil, err
	}

	hub := NewHub()
	runner := NewRunner(store, client, ledger, hub)

	var archiver Archiver
	if archive != nil {
		archiver = archive
	}

	module := &Module{
		store:       store,
		client:      client,
		coordinator: NewCoordinator(store, runner),
		consolidate: NewConsolidator(store, archiver, hub),
		hub:         hub,
		archive:     archive,
	}

	group := router.Group("/generation")
	group.Use(guard.RequireAuthenticated())
	group.POST("/start", module.handleStart)
	group.POST("/messages/:id/stop", module.handleStopMessage)
	group.GET("/groups/:id", module.handleGroupStatus)
	group.POST("/groups/:id/stop", module.handleStopGroup)
	group.POST("/groups/:id/consolidate", module.handleConsolidate)
	group.GET("/groups/:id/transcript", module.handleTranscript)
	group.GET("/ws", module.handleSubscribe)

	return module, nil
}

// Coordinator exposes the fan-out coordinator, mainly for graceful shutdown.
func (m *Module) Coordinator() *Coordinator {
	return m.coordinator
}

type startRequest struct {
	ConversationID uint64   `json:"conversation_id"`
	Content        string   `json:"content" binding:"required"`
	Model          string   `json:"model"`
	Models         []string `json:"models"`
}

type startResponse struct {
	ConversationID    uint64               `json:"conversation_id"`
	UserMessage       chat.MessageRecord   `json:"user_message"`
	AssistantMessage  *chat.MessageRecord  `json:"assistant_message,omitempty"`
	ComparisonGroupID string               `json:"comparison_group_id,omitempty"`
	Members           []chat.MessageRecord `json:"members,omitempty"`
}

func (m *Module) handleStart(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content cannot be empty"})
		return
	}

	var comparisonModels []string
	if len(req.Models) > 0 {
		cleaned, err := ValidateComparisonModels(req.Models)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		comparisonModels = cleaned
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = m.client.DefaultModel()
	}

	ctx := c.Request.Context()

	conv, err := m.store.EnsureConversation(ctx, req.ConversationID, uint64(userID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve conversation"})
		return
	}

	userMsg, err := m.store.AppendUserMessage(ctx, conv, req.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create message"})
		return
	}

	prompt, err := m.buildPrompt(c, conv)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation history"})
		return
	}

	if len(comparisonModels) > 0 {
		groupID, members, err := m.coordinator.StartComparison(ctx, conv, userMsg, comparisonModels, prompt)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start comparison"})
			return
		}
		records := make([]chat.MessageRecord, 0, len(members))
		for _, member := range members {
			records = append(records, chat.Record(member))
		}
		c.JSON(http.StatusCreated, startResponse{
			ConversationID:    conv.ID,
			UserMessage:       chat.Record(userMsg),
			ComparisonGroupID: groupID,
			Members:           records,
		})
		return
	}

	if wantsEventStream(c) {
		m.handleStartStream(c, conv, userMsg, model, prompt)
		return
	}

	assistant, err := m.coordinator.StartSingle(ctx, conv, userMsg, model, prompt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start generation"})
		return
	}
	record := chat.Record(assistant)
	c.JSON(http.StatusCreated, startResponse{
		ConversationID:   conv.ID,
		UserMessage:      chat.Record(userMsg),
		AssistantMessage: &record,
	})
}

// handleStartStream streams one single-model generation inline over SSE.
// The task itself runs detached: a dropped connection stops the events, not
// the generation.
func (m *Module) handleStartStream(c *gin.Context, conv chat.Conversation, userMsg chat.Message, model string, prompt []ChatMessage) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		assistant, err := m.coordinator.StartSingle(c.Request.Context(), conv, userMsg, model, prompt)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start generation"})
			return
		}
		record := chat.Record(assistant)
		c.JSON(http.StatusCreated, startResponse{
			ConversationID:   conv.ID,
			UserMessage:      chat.Record(userMsg),
			AssistantMessage: &record,
		})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusCreated)

	writer := newSafeSSEWriter(c.Writer, flusher)
	flusher.Flush()

	events := &teeBroadcaster{hub: m.hub, writer: writer}

	assistant, done, err := m.coordinator.StartSingleObserved(c.Request.Context(), conv, userMsg, model, prompt, events)
	if err != nil {
		_ = writer.Send("error", gin.H{"error": "failed to start generation"})
		return
	}

	if err := writer.Send("user_message", chat.Record(userMsg)); err != nil {
		<-done
		return
	}
	if err := writer.Send("assistant_placeholder", chat.Record(assistant)); err != nil {
		<-done
		return
	}

	<-done

	final, err := m.store.GetMessage(c.Request.Context(), assistant.ID)
	if err == nil {
		_ = writer.Send("assistant_message", chat.Record(final))
	}
	_ = writer.Send("done", gin.H{"id": assistant.ID})
}

// buildPrompt assembles the provider message list from the conversation
// history. Comparison candidates are represented by their canonical message
// only; assistant turns without usable content are skipped.
func (m *Module) buildPrompt(c *gin.Context, conv chat.Conversation) ([]ChatMessage, error) {
	history, err := m.store.RecentMessages(c.Request.Context(), conv.ID, promptHistoryLimit)
	if err != nil {
		return nil, err
	}

	messages := make([]ChatMessage, 0, len(history)+1)
	if system := strings.TrimSpace(c.GetHeader("X-System-Prompt")); system != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: system})
	}

	for _, item := range history {
		switch item.Role {
		case "user":
			messages = append(messages, ChatMessage{Role: "user", Content: item.Content})
		case "assistant":
			if item.ComparisonGroup != nil && !item.Canonical {
				continue
			}
			if item.Status != chat.StatusComplete && item.Status != chat.StatusStopped {
				continue
			}
			if strings.TrimSpace(item.Content) == "" {
				continue
			}
			messages = append(messages, ChatMessage{Role: "assistant", Content: item.Content})
		}
	}
	return messages, nil
}

// handleGroupStatus reports a comparison group's members and whether every
// candidate has reached a terminal state.
func (m *Module) handleGroupStatus(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	groupID, members, ok := m.loadOwnedGroup(c, uint64(userID))
	if !ok {
		return
	}

	ready := true
	var canonicalID uint64
	records := make([]chat.MessageRecord, 0, len(members))
	for _, member := range members {
		if member.Canonical {
			canonicalID = member.ID
		} else if !chat.IsTerminal(member.Status) {
			ready = false
		}
		records = append(records, chat.Record(member))
	}

	response := gin.H{
		"comparison_group_id": groupID,
		"ready":               ready,
		"members":             records,
	}
	if canonicalID != 0 {
		response["canonical_id"] = canonicalID
	}
	c.JSON(http.StatusOK, response)
}

func (m *Module) handleStopMessage(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
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

	if err := m.coordinator.StopMessage(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop message"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "stopping"})
}

func (m *Module) handleStopGroup(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	groupID, members, ok := m.loadOwnedGroup(c, uint64(userID))
	if !ok {
		return
	}

	if err := m.coordinator.StopGroup(c.Request.Context(), groupID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop comparison group"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"comparison_group_id": groupID,
		"members":             len(members),
		"status":              "stopping",
	})
}

func (m *Module) handleConsolidate(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	groupID, _, ok := m.loadOwnedGroup(c, uint64(userID))
	if !ok {
		return
	}

	var selection Selection
	if err := c.ShouldBindJSON(&selection); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_ids are required"})
		return
	}

	canonical, err := m.consolidate.Consolidate(c.Request.Context(), groupID, selection)
	if err != nil {
		switch {
		case errors.Is(err, ErrGroupNotReady):
			c.JSON(http.StatusConflict, gin.H{"error": "comparison group still has running members"})
		case errors.Is(err, ErrEmptySelection), errors.Is(err, ErrSelectionNotInGroup), errors.Is(err, ErrSelectionNotUsable):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "consolidation failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"comparison_group_id": groupID,
		"canonical":           chat.Record(canonical),
	})
}

// handleTranscript hands out a short-lived download link for the archived
// transcript of a consolidated group.
func (m *Module) handleTranscript(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if m.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transcript archive not configured"})
		return
	}

	groupID, _, ok := m.loadOwnedGroup(c, uint64(userID))
	if !ok {
		return
	}

	canonical, err := m.store.CanonicalMessage(c.Request.Context(), groupID)
	if err != nil {
		if errors.Is(err, chat.ErrNoCanonical) {
			c.JSON(http.StatusNotFound, gin.H{"error": "comparison group is not consolidated"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load canonical message"})
		return
	}

	object := m.archive.ObjectName(storage.GroupTranscript{
		GroupID:        groupID,
		ConversationID: canonical.ConversationID,
	})
	url, err := m.archive.PresignedURL(c.Request.Context(), object, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign transcript link"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"comparison_group_id": groupID,
		"url":                 url,
	})
}

func (m *Module) handleSubscribe(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	convID, err := strconv.ParseUint(strings.TrimSpace(c.Query("conversation_id")), 10, 64)
	if err != nil || convID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}

	var conv chat.Conversation
	if err := m.store.DB().WithContext(c.Request.Context()).Take(&conv, "id = ? AND user_id = ?", convID, uint64(userID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	if err := m.hub.Subscribe(c.Writer, c.Request, convID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade failed"})
	}
}

func (m *Module) loadOwnedGroup(c *gin.Context, userID uint64) (string, []chat.Message, bool) {
	groupID := strings.TrimSpace(c.Param("id"))
	if groupID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return "", nil, false
	}

	members, err := m.store.GroupMembers(c.Request.Context(), groupID)
	if err != nil {
		if errors.Is(err, chat.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "comparison group not found"})
			return "", nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load comparison group"})
		return "", nil, false
	}
	if members[0].UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "comparison group not found"})
		return "", nil, false
	}
	return groupID, members, true
}

// wantsEventStream determines if the client requested a streaming response.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	if q := strings.TrimSpace(c.Query("stream")); q != "" {
		if strings.EqualFold(q, "1") || strings.EqualFold(q, "true") || strings.EqualFold(q, "yes") {
			return true
		}
	}
	return false
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type safeSSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	failed  bool
}

func newSafeSSEWriter(w gin.ResponseWriter, flusher http.Flusher) *safeSSEWriter {
	return &safeSSEWriter{writer: w, flusher: flusher}
}

func (w *safeSSEWriter) Send(event string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return errors.New("generation: sse connection closed")
	}
	if err := streamEvent(w.writer, w.flusher, event, payload); err != nil {
		w.failed = true
		return err
	}
	return nil
}

// teeBroadcaster mirrors task events into an SSE response while the hub
// keeps serving websocket subscribers.
type teeBroadcaster struct {
	hub    *Hub
	writer *safeSSEWriter
}

func (t *teeBroadcaster) Publish(conversationID uint64, event string, payload map[string]any) {
	if t.hub != nil {
		t.hub.Publish(conversationID, event, payload)
	}
	_ = t.writer.Send(event, payload)
}
