package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestObjectNameIsDeterministic(t *testing.T) {
	archive := &TranscriptArchive{}
	transcript := GroupTranscript{
		GroupID:        "b6f4b3a0-0000-4000-8000-000000000001",
		ConversationID: 17,
	}

	name := archive.ObjectName(transcript)
	want := "transcripts/17/b6f4b3a0-0000-4000-8000-000000000001.json"
	if name != want {
		t.Fatalf("object name = %q, want %q", name, want)
	}
	if again := archive.ObjectName(transcript); again != name {
		t.Fatalf("expected stable key, got %q then %q", name, again)
	}
}

func TestArchiveGroupRequiresConfiguration(t *testing.T) {
	var archive *TranscriptArchive
	if _, err := archive.ArchiveGroup(context.Background(), GroupTranscript{GroupID: "g"}); err == nil {
		t.Fatal("expected error on nil archive")
	}
	if _, err := archive.PresignedURL(context.Background(), "transcripts/1/g.json", time.Minute); err == nil {
		t.Fatal("expected error on nil archive")
	}

	unconfigured := &TranscriptArchive{}
	if _, err := unconfigured.ArchiveGroup(context.Background(), GroupTranscript{GroupID: "g"}); err == nil {
		t.Fatal("expected error without a client")
	}
}

func TestTranscriptSerialization(t *testing.T) {
	reasoning := "chain of thought"
	transcript := GroupTranscript{
		GroupID:        "group-1",
		ConversationID: 3,
		CanonicalID:    99,
		Content:        "winner text",
		ArchivedAt:     time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
		Members: []TranscriptEntry{
			{MessageID: 10, Model: "gpt-4o", Status: "complete", Content: "a", Reasoning: reasoning},
			{MessageID: 11, Model: "o3-mini", Status: "error", ErrReason: "provider status 400"},
		},
	}

	payload, err := json.Marshal(transcript)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["comparison_group_id"] != "group-1" {
		t.Fatalf("unexpected group id %v", decoded["comparison_group_id"])
	}
	members, ok := decoded["members"].([]any)
	if !ok || len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", decoded["members"])
	}
	first := members[0].(map[string]any)
	if _, hasErr := first["err_reason"]; hasErr {
		t.Fatal("expected empty err_reason omitted")
	}
	second := members[1].(map[string]any)
	if second["err_reason"] != "provider status 400" {
		t.Fatalf("expected err_reason kept, got %v", second["err_reason"])
	}
}
