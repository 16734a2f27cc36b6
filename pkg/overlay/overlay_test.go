package overlay

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEphemeralLifecycle(t *testing.T) {
	s := NewStore()
	id := s.EphemeralAppend("search", "starting")

	require.NoError(t, s.EphemeralUpdateText(id, "3 results"))
	require.NoError(t, s.EphemeralUpdateState(id, map[string]interface{}{"results": 3}))
	require.NoError(t, s.EphemeralMarkDone(id))

	e, ok := s.GetState().Ephemeral(id)
	require.True(t, ok)
	assert.Equal(t, "3 results", e.Text)
	assert.Equal(t, 3, e.State["results"])
	assert.True(t, e.Done)

	assert.True(t, s.EphemeralDeleteIfNotPinned(id))
	assert.Empty(t, s.GetState().Ephemerals)
}

func TestPinnedEphemeralSurvives(t *testing.T) {
	s := NewStore()
	id := s.EphemeralAppend("tool", "")
	require.NoError(t, s.EphemeralTogglePinned(id))
	require.NoError(t, s.EphemeralMarkDone(id))

	assert.False(t, s.EphemeralDeleteIfNotPinned(id))
	require.Len(t, s.GetState().Ephemerals, 1)

	s.EphemeralDelete(id)
	assert.Empty(t, s.GetState().Ephemerals)
}

func TestEphemeralEditsDoNotLeakIntoOldSnapshots(t *testing.T) {
	s := NewStore()
	id := s.EphemeralAppend("tool", "a")
	before := s.GetState()
	require.NoError(t, s.EphemeralUpdateState(id, map[string]interface{}{"k": "v"}))

	old, _ := before.Ephemeral(id)
	assert.Empty(t, old.State)

	err := s.EphemeralUpdateText("missing", "x")
	assert.True(t, errors.Is(err, ErrEphemeralNotFound))
}

func TestComposerAndAttachments(t *testing.T) {
	s := NewStore()
	notified := 0
	unsubscribe := s.Subscribe(func(*State) { notified++ })
	defer unsubscribe()

	s.SetComposerText("hello")
	s.AppendComposerText("world")
	assert.Equal(t, "hello\n\nworld", s.GetState().ComposerText)

	a := s.AttachmentAdd("notes.txt", "text/plain", "file:///tmp/notes.txt")
	s.AttachmentAdd("pic.png", "image/png", "blob:1")
	s.AttachmentRemove(a)
	require.Len(t, s.GetState().Attachments, 1)

	taken := s.AttachmentsTake()
	require.Len(t, taken, 1)
	assert.Equal(t, "pic.png", taken[0].Label)
	assert.Empty(t, s.GetState().Attachments)

	s.AttachmentAdd("x", "text/plain", "")
	s.AttachmentsClear()
	assert.Empty(t, s.GetState().Attachments)
	assert.Equal(t, 8, notified)
}
