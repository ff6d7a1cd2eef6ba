package models

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinfoilsh/chatsync/internal/common"
)

func TestNewChat_IsBlankDraft(t *testing.T) {
	c := NewChat("test-model")

	assert.True(t, c.IsBlank())
	assert.Equal(t, PlaceholderTitle, c.Title)
	assert.Equal(t, TitlePlaceholder, c.TitleState)
	assert.False(t, c.LocallyModified)
	assert.Equal(t, int64(0), c.SyncVersion)
	assert.False(t, IsServerID(c.ID))
}

func TestChat_IsBlank_DecryptionFailedIsNotADraft(t *testing.T) {
	c := &Chat{ID: NewLocalID(), DecryptionFailed: true}
	assert.False(t, c.IsBlank())
}

func TestChat_AppendMessageMarksModified(t *testing.T) {
	c := NewChat("")
	before := c.UpdatedAt

	time.Sleep(time.Millisecond)
	c.AppendMessage(NewMessage(RoleUser, "Hello"))

	assert.False(t, c.IsBlank())
	assert.True(t, c.LocallyModified)
	assert.True(t, c.UpdatedAt.After(before))
	require.NotNil(t, c.LastMessage())
	assert.Equal(t, "Hello", c.LastMessage().Content)
}

func TestChat_TitleStateTransitions(t *testing.T) {
	c := NewChat("")

	require.True(t, c.SetGeneratedTitle("Greeting"))
	assert.Equal(t, TitleGenerated, c.TitleState)

	c.Rename("My chat")
	assert.Equal(t, TitleManual, c.TitleState)

	// A generated title must never overwrite a manual one.
	require.False(t, c.SetGeneratedTitle("Other"))
	assert.Equal(t, "My chat", c.Title)
	assert.Equal(t, TitleManual, c.TitleState)
}

func TestChat_CloneIsDeep(t *testing.T) {
	c := NewChat("m")
	c.AppendMessage(NewMessage(RoleUser, "hi"))
	c.Messages[0].Citations = []string{"a"}
	at := time.Now().UTC()
	c.SyncedAt = &at
	c.EncryptedData = []byte{1, 2, 3}

	cp := c.Clone()
	require.Empty(t, cmp.Diff(c, cp))

	cp.Messages[0].Content = "changed"
	cp.Messages[0].Citations[0] = "b"
	cp.EncryptedData[0] = 9
	*cp.SyncedAt = at.Add(time.Hour)

	assert.Equal(t, "hi", c.Messages[0].Content)
	assert.Equal(t, "a", c.Messages[0].Citations[0])
	assert.Equal(t, byte(1), c.EncryptedData[0])
	assert.True(t, c.SyncedAt.Equal(at))
}

func TestServerRecordID_SortsNewestFirst(t *testing.T) {
	older := ServerRecordID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := ServerRecordID(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	assert.True(t, IsServerID(older))
	assert.True(t, IsServerID(newer))

	ids := []string{older, newer}
	sort.Strings(ids)
	assert.Equal(t, newer, ids[0], "lexicographic ascending must be newest-first")
}

func TestIndexEntryOf_Projection(t *testing.T) {
	c := NewChat("m")
	c.AppendMessage(NewMessage(RoleUser, "hi"))
	c.SyncVersion = 3

	e := IndexEntryOf(c)
	assert.Equal(t, c.ID, e.ID)
	assert.Equal(t, 1, e.MessageCount)
	assert.Equal(t, int64(3), e.SyncVersion)
	assert.True(t, e.LocallyModified)
}

func TestSortNewestFirst(t *testing.T) {
	now := time.Now().UTC()
	a := &Chat{ID: "a", UpdatedAt: now.Add(-time.Hour)}
	b := &Chat{ID: "b", UpdatedAt: now}
	c := &Chat{ID: "c", UpdatedAt: now.Add(-time.Minute)}

	chats := []*Chat{a, b, c}
	SortNewestFirst(chats)

	assert.Equal(t, []*Chat{b, c, a}, chats)
}

func TestAttachment_StateMachine(t *testing.T) {
	a := NewAttachment(AttachmentDocument, "report.pdf")
	require.Equal(t, AttachmentPending, a.State)

	require.NoError(t, a.Transition(AttachmentProcessing))
	require.NoError(t, a.Transition(AttachmentCompleted))

	// Completed is terminal.
	err := a.Transition(AttachmentProcessing)
	require.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestAttachment_PendingCannotComplete(t *testing.T) {
	a := NewAttachment(AttachmentImage, "pic.png")
	err := a.Transition(AttachmentCompleted)
	require.ErrorIs(t, err, common.ErrInvalidTransition)
}
