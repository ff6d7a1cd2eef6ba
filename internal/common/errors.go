// Package common defines shared constants and sentinel errors used across
// the chat sync engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository/storage-level errors.
	ErrNotFound              = errors.New("not found")
	ErrIOFailure             = errors.New("storage io failure")
	ErrEncryptionUnavailable = errors.New("no encryption key configured")

	// Record recovery states.
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrDataCorrupted    = errors.New("record data corrupted")

	// Network/auth errors.
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")

	// Stream lifecycle errors.
	ErrStreamActive    = errors.New("record already has an active stream")
	ErrNotStreaming    = errors.New("record has no active stream")
	ErrStreamCancelled = errors.New("stream cancelled")

	// Validation errors.
	ErrInvalidTransition = errors.New("invalid state transition")
)
