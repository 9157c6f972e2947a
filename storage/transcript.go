package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// TranscriptEntry is one comparison candidate's final state as archived.
type TranscriptEntry struct {
	MessageID uint64 `json:"message_id"`
	Model     string `json:"model"`
	Status    string `json:"status"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	ErrReason string `json:"err_reason,omitempty"`
}

// GroupTranscript is the audit export of a consolidated comparison group:
// the canonical answer plus every candidate exactly as each model produced
// it.
type GroupTranscript struct {
	GroupID        string            `json:"comparison_group_id"`
	ConversationID uint64            `json:"conversation_id"`
	CanonicalID    uint64            `json:"canonical_id"`
	Content        string            `json:"content"`
	Members        []TranscriptEntry `json:"members"`
	ArchivedAt     time.Time         `json:"archived_at"`
}

// TranscriptArchive stores consolidated group transcripts in MinIO/S3.
type TranscriptArchive struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewTranscriptArchiveFromEnv initialises the archive using MINIO_*
// environment variables. It returns (nil, nil) when the archive is not
// configured; archiving is an optional deployment feature.
func NewTranscriptArchiveFromEnv() (*TranscriptArchive, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &TranscriptArchive{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// ObjectName returns the deterministic object key of a group's transcript.
// Re-archiving after a re-consolidation overwrites the previous export.
func (a *TranscriptArchive) ObjectName(transcript GroupTranscript) string {
	return fmt.Sprintf("transcripts/%d/%s.json", transcript.ConversationID, transcript.GroupID)
}

// ArchiveGroup uploads the transcript as a JSON object and returns its key.
func (a *TranscriptArchive) ArchiveGroup(ctx context.Context, transcript GroupTranscript) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("storage: transcript archive not configured")
	}
	if strings.TrimSpace(transcript.GroupID) == "" {
		return "", errors.New("storage: transcript group id is required")
	}

	payload, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return "", fmt.Errorf("storage: marshal transcript: %w", err)
	}

	objectName := a.ObjectName(transcript)

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	reader := bytes.NewReader(payload)
	_, err = a.client.PutObject(uploadCtx, a.bucket, objectName, reader, int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload transcript: %w", err)
	}

	return objectName, nil
}

// PresignedURL returns a temporary download URL for an archived transcript.
func (a *TranscriptArchive) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("storage: transcript archive not configured")
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(objectName), "/")
	if trimmed == "" {
		return "", errors.New("storage: object name is required")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url, err := a.client.PresignedGetObject(presignCtx, a.bucket, trimmed, expiry, nil)
	if err != nil {
		return "", err
	}
	return url.String(), nil
}
