package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinfoilsh/chatsync/internal/common"
)

func TestCoordinator_StartEnd(t *testing.T) {
	c := NewCoordinator()

	require.NoError(t, c.StartStreaming("r1"))
	assert.True(t, c.IsStreaming("r1"))
	assert.False(t, c.IsStreaming("r2"))

	c.EndStreaming("r1")
	assert.False(t, c.IsStreaming("r1"))
}

func TestCoordinator_AtMostOneStreamPerRecord(t *testing.T) {
	c := NewCoordinator()

	require.NoError(t, c.StartStreaming("r1"))
	require.ErrorIs(t, c.StartStreaming("r1"), common.ErrStreamActive)

	// A different record is unaffected.
	require.NoError(t, c.StartStreaming("r2"))
}

func TestCoordinator_EndWithoutStartIsNoOp(t *testing.T) {
	c := NewCoordinator()
	c.EndStreaming("never-started")
}

func TestCoordinator_ActiveIDs(t *testing.T) {
	c := NewCoordinator()
	require.NoError(t, c.StartStreaming("a"))
	require.NoError(t, c.StartStreaming("b"))

	ids := c.ActiveIDs()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestCoordinator_OnCompleteDeferredUntilEnd(t *testing.T) {
	c := NewCoordinator()
	require.NoError(t, c.StartStreaming("r1"))

	fired := 0
	c.OnComplete("r1", func() { fired++ })
	assert.Equal(t, 0, fired, "callback must wait for stream end")

	c.EndStreaming("r1")
	assert.Equal(t, 1, fired)

	// Callbacks are cleared: a second end does not re-fire them.
	c.EndStreaming("r1")
	assert.Equal(t, 1, fired)
}

func TestCoordinator_OnCompleteImmediateWhenIdle(t *testing.T) {
	c := NewCoordinator()

	fired := false
	c.OnComplete("idle", func() { fired = true })
	assert.True(t, fired, "idle record must invoke the callback immediately")
}
