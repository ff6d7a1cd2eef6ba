// Package models defines the chat record entities and the invariants that
// hold for any in-memory or persisted instance.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TitleState tracks how a chat acquired its title.
type TitleState string

const (
	// TitlePlaceholder is the state of a freshly created chat.
	TitlePlaceholder TitleState = "placeholder"
	// TitleGenerated means the title was produced from the first exchange.
	TitleGenerated TitleState = "generated"
	// TitleManual means the user renamed the chat; generated titles must
	// never overwrite it.
	TitleManual TitleState = "manual"
)

// PlaceholderTitle is the title a draft carries until one is generated.
const PlaceholderTitle = "New Chat"

const serverIDPrefix = "rt"

// Chat is one conversation record.
//
// SyncVersion is a monotonic counter bumped on every confirmed push.
// LocallyModified is set on every local mutation and cleared only by a
// confirmed successful push, never by a pull. LocalOnly records never leave
// the device.
type Chat struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	TitleState TitleState `json:"titleState"`
	Messages   []Message  `json:"messages"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Model      string     `json:"model,omitempty"`

	SyncVersion     int64      `json:"syncVersion"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
	LocallyModified bool       `json:"locallyModified"`
	LocalOnly       bool       `json:"localOnly"`

	// Terminal recovery states. A record whose ciphertext could not be
	// decrypted keeps the raw bytes in EncryptedData so it can be retried
	// once the right key shows up. DataCorrupted means the plaintext was
	// recovered but structurally invalid and is never auto-retried.
	DecryptionFailed bool   `json:"decryptionFailed,omitempty"`
	DataCorrupted    bool   `json:"dataCorrupted,omitempty"`
	EncryptedData    []byte `json:"-"`
}

// NewChat creates an empty chat (a draft) with a client-minted identity.
func NewChat(model string) *Chat {
	now := time.Now().UTC()
	return &Chat{
		ID:         NewLocalID(),
		Title:      PlaceholderTitle,
		TitleState: TitlePlaceholder,
		CreatedAt:  now,
		UpdatedAt:  now,
		Model:      model,
	}
}

// NewLocalID mints a client-side identity. It is replaced by a server-issued
// identity at the first successful push of a cloud-eligible record.
func NewLocalID() string {
	return uuid.NewString()
}

// ServerRecordID formats a server-issued identity: a reverse-timestamp token
// so that lexicographic ascending order is newest-first.
func ServerRecordID(t time.Time) string {
	rev := math.MaxInt64 - t.UnixNano()
	return fmt.Sprintf("%s%019d-%s", serverIDPrefix, rev, uuid.NewString()[:8])
}

// IsServerID reports whether id was issued by the server.
func IsServerID(id string) bool {
	return strings.HasPrefix(id, serverIDPrefix)
}

// IsBlank reports whether the chat is a draft: no messages and no
// decryption failure. At most one blank chat may exist per visible list.
func (c *Chat) IsBlank() bool {
	return len(c.Messages) == 0 && !c.DecryptionFailed
}

// Touch marks the chat as locally modified now.
func (c *Chat) Touch() {
	c.UpdatedAt = time.Now().UTC()
	c.LocallyModified = true
}

// AppendMessage appends m and marks the chat modified.
func (c *Chat) AppendMessage(m Message) {
	c.Messages = append(c.Messages, m)
	c.Touch()
}

// LastMessage returns the most recent message, or nil for a draft.
func (c *Chat) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// SetGeneratedTitle installs a generated title unless the user already named
// the chat manually.
func (c *Chat) SetGeneratedTitle(title string) bool {
	if c.TitleState == TitleManual {
		return false
	}
	c.Title = title
	c.TitleState = TitleGenerated
	c.Touch()
	return true
}

// Rename installs a user-chosen title. Manual titles win over generated ones
// for the lifetime of the record.
func (c *Chat) Rename(title string) {
	c.Title = title
	c.TitleState = TitleManual
	c.Touch()
}

// Clone returns a deep copy. The owning goroutine hands clones to background
// tasks so disk and network work never shares mutable state with it.
func (c *Chat) Clone() *Chat {
	cp := *c
	if c.SyncedAt != nil {
		at := *c.SyncedAt
		cp.SyncedAt = &at
	}
	if c.Messages != nil {
		cp.Messages = make([]Message, len(c.Messages))
		for i := range c.Messages {
			cp.Messages[i] = c.Messages[i].clone()
		}
	}
	if c.EncryptedData != nil {
		cp.EncryptedData = append([]byte(nil), c.EncryptedData...)
	}
	return &cp
}
