package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"chorus_back/chat"
	"chorus_back/storage"

	"gorm.io/datatypes"
)

var (
	ErrGroupNotReady       = errors.New("generation: comparison group has non-terminal members")
	ErrEmptySelection      = errors.New("generation: consolidation selection is empty")
	ErrSelectionNotInGroup = errors.New("generation: selection references a message outside the group")
	ErrSelectionNotUsable  = errors.New("generation: selection references a message that did not complete")
)

// ConsolidationStore is the persistence surface of the consolidation
// engine. *chat.Store is the production implementation.
type ConsolidationStore interface {
	GroupMembers(ctx context.Context, groupID string) ([]chat.Message, error)
	CanonicalMessage(ctx context.Context, groupID string) (chat.Message, error)
	InsertCanonical(ctx context.Context, conversationID, userID uint64, groupID, model, content string, extras datatypes.JSON) (chat.Message, error)
	UpdateCanonical(ctx context.Context, id uint64, model, content string, extras datatypes.JSON) error
}

// Archiver exports a consolidated group's transcript for audit.
// *storage.TranscriptArchive is the production implementation; nil disables
// archiving.
type Archiver interface {
	ArchiveGroup(ctx context.Context, transcript storage.GroupTranscript) (string, error)
}

// Selection names the winning candidate(s) of a comparison group: either a
// single winner or a merge across several members.
type Selection struct {
	MessageIDs []uint64 `json:"message_ids" binding:"required"`
}

type consolidationMeta struct {
	Mode      string   `json:"mode"`
	MemberIDs []uint64 `json:"member_ids"`
}

// Consolidator collapses a finished comparison group into one canonical
// message while keeping every original candidate queryable.
type Consolidator struct {
	store   ConsolidationStore
	archive Archiver
	events  Broadcaster
}

// NewConsolidator builds a consolidator. archive and events may be nil.
func NewConsolidator(store ConsolidationStore, archive Archiver, events Broadcaster) *Consolidator {
	return &Consolidator{store: store, archive: archive, events: events}
}

// Consolidate designates the canonical message for a comparison group.
// It rejects groups with any non-terminal member, ignores repeat calls with
// an identical selection, and on a changed selection rewrites only the
// canonical row: member originals are never mutated.
func (e *Consolidator) Consolidate(ctx context.Context, groupID string, selection Selection) (chat.Message, error) {
	members, err := e.store.GroupMembers(ctx, groupID)
	if err != nil {
		return chat.Message{}, err
	}

	candidates := make(map[uint64]chat.Message, len(members))
	for _, member := range members {
		if member.Canonical {
			continue
		}
		if !chat.IsTerminal(member.Status) {
			return chat.Message{}, ErrGroupNotReady
		}
		candidates[member.ID] = member
	}

	ids := normalizeSelection(selection.MessageIDs)
	if len(ids) == 0 {
		return chat.Message{}, ErrEmptySelection
	}

	selected := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		member, ok := candidates[id]
		if !ok {
			return chat.Message{}, ErrSelectionNotInGroup
		}
		if member.Status != chat.StatusComplete {
			return chat.Message{}, ErrSelectionNotUsable
		}
		selected = append(selected, member)
	}

	mode := "select"
	if len(selected) > 1 {
		mode = "merge"
	}
	model, content := buildCanonicalContent(selected)

	extras, err := json.Marshal(map[string]any{
		"consolidation": consolidationMeta{Mode: mode, MemberIDs: ids},
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("generation: marshal consolidation metadata: %w", err)
	}

	existing, err := e.store.CanonicalMessage(ctx, groupID)
	switch {
	case err == nil:
		if sameSelection(existing.Extras, ids) {
			return existing, nil
		}
		if err := e.store.UpdateCanonical(ctx, existing.ID, model, content, datatypes.JSON(extras)); err != nil {
			return chat.Message{}, err
		}
		existing.Model = model
		existing.Content = content
		existing.Extras = datatypes.JSON(extras)
		e.finish(existing, members)
		return existing, nil
	case errors.Is(err, chat.ErrNoCanonical):
		// fall through to insert
	default:
		return chat.Message{}, err
	}

	first := selected[0]
	canonical, err := e.store.InsertCanonical(ctx, first.ConversationID, first.UserID, groupID, model, content, datatypes.JSON(extras))
	if err != nil {
		return chat.Message{}, err
	}
	e.finish(canonical, members)
	return canonical, nil
}

func (e *Consolidator) finish(canonical chat.Message, members []chat.Message) {
	if e.events != nil {
		group := ""
		if canonical.ComparisonGroup != nil {
			group = *canonical.ComparisonGroup
		}
		e.events.Publish(canonical.ConversationID, "group_consolidated", map[string]any{
			"comparison_group_id": group,
			"canonical_id":        canonical.ID,
		})
	}
	e.enqueueArchive(canonical, members)
}

// enqueueArchive exports the full group transcript in the background.
// Archiving is best-effort audit trail, never part of the consolidation
// result.
func (e *Consolidator) enqueueArchive(canonical chat.Message, members []chat.Message) {
	if e.archive == nil || canonical.ComparisonGroup == nil {
		return
	}
	groupID := *canonical.ComparisonGroup

	transcript := storage.GroupTranscript{
		GroupID:        groupID,
		ConversationID: canonical.ConversationID,
		CanonicalID:    canonical.ID,
		Content:        canonical.Content,
		ArchivedAt:     time.Now().UTC(),
	}
	for _, member := range members {
		if member.Canonical {
			continue
		}
		entry := storage.TranscriptEntry{
			MessageID: member.ID,
			Model:     member.Model,
			Status:    member.Status,
			Content:   member.Content,
		}
		if member.Reasoning != nil {
			entry.Reasoning = *member.Reasoning
		}
		if member.ErrReason != nil {
			entry.ErrReason = *member.ErrReason
		}
		transcript.Members = append(transcript.Members, entry)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := e.archive.ArchiveGroup(ctx, transcript); err != nil {
			log.Printf("generation: archive group %s transcript: %v", groupID, err)
		}
	}()
}

func normalizeSelection(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	normalized := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, id)
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i] < normalized[j] })
	return normalized
}

func sameSelection(extras datatypes.JSON, ids []uint64) bool {
	if len(extras) == 0 {
		return false
	}
	var decoded struct {
		Consolidation consolidationMeta `json:"consolidation"`
	}
	if err := json.Unmarshal(extras, &decoded); err != nil {
		return false
	}
	if len(decoded.Consolidation.MemberIDs) != len(ids) {
		return false
	}
	for i, id := range decoded.Consolidation.MemberIDs {
		if ids[i] != id {
			return false
		}
	}
	return true
}

// buildCanonicalContent produces the canonical text: a single winner's
// content verbatim, or labeled sections for a merge.
func buildCanonicalContent(selected []chat.Message) (string, string) {
	if len(selected) == 1 {
		return selected[0].Model, selected[0].Content
	}

	var builder strings.Builder
	models := make([]string, 0, len(selected))
	for i, member := range selected {
		if i > 0 {
			builder.WriteString("\n\n---\n\n")
		}
		builder.WriteString(fmt.Sprintf("[%s]\n", member.Model))
		builder.WriteString(member.Content)
		models = append(models, member.Model)
	}
	return "merge:" + strings.Join(models, "+"), builder.String()
}
