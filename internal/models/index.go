package models

import (
	"sort"
	"time"
)

// IndexEntry is a projection of a Chat without message bodies, used for
// listing, sorting, and pagination. It is created when the record is first
// persisted, updated on every persist, and deleted only together with the
// record.
type IndexEntry struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	TitleState       TitleState `json:"titleState"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	MessageCount     int        `json:"messageCount"`
	SyncVersion      int64      `json:"syncVersion"`
	LocallyModified  bool       `json:"locallyModified"`
	DecryptionFailed bool       `json:"decryptionFailed,omitempty"`
	DataCorrupted    bool       `json:"dataCorrupted,omitempty"`
}

// IndexEntryOf projects a chat onto its index entry.
func IndexEntryOf(c *Chat) IndexEntry {
	return IndexEntry{
		ID:               c.ID,
		Title:            c.Title,
		TitleState:       c.TitleState,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		MessageCount:     len(c.Messages),
		SyncVersion:      c.SyncVersion,
		LocallyModified:  c.LocallyModified,
		DecryptionFailed: c.DecryptionFailed,
		DataCorrupted:    c.DataCorrupted,
	}
}

// SortNewestFirst orders chats by UpdatedAt descending in place, with ID as
// a tie-breaker so the order is stable across passes.
func SortNewestFirst(chats []*Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}
