package cmds

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-go-golems/confab/pkg/beam"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/settings"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is written by the event router and the command at once.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	settings.SetDefaults(v)
	v.Set("storage.path", filepath.Join(t.TempDir(), "conversations.yaml"))
	v.Set("fake", true)
	v.Set("cache.enabled", false)
	return v
}

func lastConversation(t *testing.T, v *viper.Viper) *conversation.Conversation {
	t.Helper()
	app, err := NewApp(context.Background(), v, io.Discard)
	require.NoError(t, err)
	defer func() {
		_ = app.Close()
	}()
	c, err := app.Conversation("", false)
	require.NoError(t, err)
	return c
}

func TestPickRay(t *testing.T) {
	snap := &beam.Snapshot{Rays: []beam.RaySnapshot{
		{ID: "a", Status: beam.RayError},
		{ID: "b", Status: beam.RaySuccess},
		{ID: "c", Status: beam.RaySuccess},
	}}

	id, err := pickRay(snap, 0)
	require.NoError(t, err)
	assert.Equal(t, beam.RayID("b"), id)

	id, err = pickRay(snap, 3)
	require.NoError(t, err)
	assert.Equal(t, beam.RayID("c"), id)

	_, err = pickRay(snap, 4)
	assert.Error(t, err)

	_, err = pickRay(&beam.Snapshot{Rays: []beam.RaySnapshot{{ID: "a", Status: beam.RayStopped}}}, 0)
	assert.ErrorIs(t, err, beam.ErrRayNotMergeable)
}

func TestAskRayReadsChoice(t *testing.T) {
	snap := &beam.Snapshot{Rays: []beam.RaySnapshot{
		{ID: "a", Status: beam.RayError},
		{ID: "b", Status: beam.RaySuccess},
	}}
	in := strings.NewReader("2\n")
	n, err := askRay(in, io.Discard, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAppConversationResolution(t *testing.T) {
	v := testViper(t)
	app, err := NewApp(context.Background(), v, io.Discard)
	require.NoError(t, err)
	defer func() {
		_ = app.Close()
	}()

	_, err = app.Conversation("", false)
	assert.ErrorIs(t, err, store.ErrConversationNotFound)

	c := app.Store.Create("default")
	got, err := app.Conversation(string(c.ID)[:8], false)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	got, err = app.Conversation("", false)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = app.Conversation("not-an-id", false)
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
}

func TestChatCommandWithFixtureBackend(t *testing.T) {
	v := testViper(t)

	cmd := NewChatCommand(v)
	out := &lockedBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--system", "be brief", "hello", "there"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	c := lastConversation(t, v)
	require.Len(t, c.Messages, 3)
	assert.Equal(t, conversation.RoleSystem, c.Messages[0].Role)
	assert.Equal(t, "hello there", c.Messages[1].Text())
	assert.Equal(t, conversation.RoleAssistant, c.Messages[2].Role)
	assert.Equal(t, "You said: hello there", c.Messages[2].Text())
	assert.False(t, c.Messages[2].HasPlaceholder())
}

func TestBeamCommandMergesFirstSuccessfulRay(t *testing.T) {
	v := testViper(t)

	cmd := NewBeamCommand(v)
	out := &lockedBuffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--models", "m1,m2", "ping"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "=== ray 2 (m2, success) ===")

	c := lastConversation(t, v)
	require.Len(t, c.Messages, 2)
	last := c.Messages[1]
	assert.Equal(t, conversation.RoleAssistant, last.Role)
	assert.Equal(t, "You said: ping", last.Text())
	require.NotNil(t, last.Generator)
	assert.Equal(t, "m1", last.Generator.ModelID)
}

func TestHistoryTruncateAndBranch(t *testing.T) {
	v := testViper(t)
	chat := NewChatCommand(v)
	chat.SetOut(io.Discard)
	chat.SetErr(io.Discard)
	chat.SetArgs([]string{"first"})
	require.NoError(t, chat.ExecuteContext(context.Background()))

	c := lastConversation(t, v)
	require.Len(t, c.Messages, 2)

	branch := NewHistoryCommand(v)
	out := &bytes.Buffer{}
	branch.SetOut(out)
	branch.SetArgs([]string{"branch", string(c.ID), string(c.Messages[0].ID)})
	require.NoError(t, branch.ExecuteContext(context.Background()))
	assert.NotEmpty(t, out.String())

	truncate := NewHistoryCommand(v)
	truncate.SetArgs([]string{"truncate", string(c.ID), string(c.Messages[0].ID), "--offset=-1"})
	require.NoError(t, truncate.ExecuteContext(context.Background()))

	app, err := NewApp(context.Background(), v, io.Discard)
	require.NoError(t, err)
	defer func() {
		_ = app.Close()
	}()
	state := app.Store.GetState()
	require.Len(t, state.Conversations, 2)
	orig, ok := state.Get(c.ID)
	require.True(t, ok)
	assert.Empty(t, orig.Messages)
	for _, other := range state.Conversations {
		if other.ID != c.ID {
			require.Len(t, other.Messages, 1)
			assert.Equal(t, "first", other.Messages[0].Text())
		}
	}
}

func TestHistoryListFiltersByTitleGlob(t *testing.T) {
	v := testViper(t)
	for _, args := range [][]string{{"first question"}, {"--new", "second question"}} {
		chat := NewChatCommand(v)
		chat.SetOut(io.Discard)
		chat.SetErr(io.Discard)
		chat.SetArgs(args)
		require.NoError(t, chat.ExecuteContext(context.Background()))
	}

	list := NewHistoryCommand(v)
	out := &bytes.Buffer{}
	list.SetOut(out)
	list.SetArgs([]string{"list", "--title", "second*"})
	require.NoError(t, list.ExecuteContext(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "second question")
}
