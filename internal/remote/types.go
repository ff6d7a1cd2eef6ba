// Package remote implements the JSON-over-HTTPS client for the backend chat
// store, plus the session-key source that exchanges the externally supplied
// bearer token for a short-lived API key.
package remote

import (
	"context"
	"time"
)

// Metadata is the unencrypted record metadata the server keeps alongside the
// encrypted body. Title updates can be pushed through the cheap metadata
// endpoint without re-uploading the body.
type Metadata struct {
	Title        string    `json:"title"`
	TitleState   string    `json:"titleState"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	SyncVersion  int64     `json:"syncVersion"`
}

// Entry is one row of the remote index listing.
type Entry struct {
	ID       string   `json:"chatId"`
	Metadata Metadata `json:"metadata"`
}

// ListResult is one page of the remote index.
type ListResult struct {
	Entries               []Entry `json:"entries"`
	NextContinuationToken string  `json:"nextContinuationToken,omitempty"`
	HasMore               bool    `json:"hasMore"`
}

// Record is a full remote record: ciphertext plus metadata.
type Record struct {
	ID            string   `json:"chatId"`
	EncryptedBody []byte   `json:"encryptedBody"`
	Metadata      Metadata `json:"metadata"`
}

// API is the remote surface the sync orchestrator depends on. The concrete
// implementation is Client; tests substitute fakes.
type API interface {
	// GenerateID mints a server-ordered identity for a new cloud-eligible
	// record.
	GenerateID(ctx context.Context) (string, time.Time, error)

	// List returns one page of the remote index.
	List(ctx context.Context, limit int, continuationToken string) (*ListResult, error)

	// FetchRecord downloads one record's ciphertext and metadata.
	FetchRecord(ctx context.Context, id string) (*Record, error)

	// Upload upserts the full encrypted body and metadata for a record.
	Upload(ctx context.Context, id string, encryptedBody []byte, meta Metadata) error

	// UpdateMetadata updates only the metadata, leaving the body untouched.
	UpdateMetadata(ctx context.Context, id string, meta Metadata) error

	// Delete removes a record remotely. Idempotent.
	Delete(ctx context.Context, id string) error
}
