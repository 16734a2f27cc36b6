package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, s *Store) (*conversation.Conversation, *conversation.Message) {
	t.Helper()
	c := s.Create("default")
	user := conversation.NewTextMessage(conversation.RoleUser, "question")
	user.TokenCount = 3
	pending := conversation.NewMessage(conversation.RoleAssistant,
		[]conversation.Fragment{conversation.NewPlaceholderFragment("...")},
		conversation.WithPendingIncomplete(),
		conversation.WithGenerator(conversation.ModelGenerator("m-7")))
	_, err := s.Apply(c.ID,
		conversation.MutateAppendMessage(user),
		conversation.MutateAppendMessage(pending),
		conversation.MutateSetTitle("Saved"),
	)
	require.NoError(t, err)
	require.NoError(t, s.SetAbortHandle(c.ID, conversation.NewAbortHandle(func() {})))
	return c, pending
}

func assertReloaded(t *testing.T, s *Store, id conversation.ConversationID, pendingID conversation.MessageID) {
	t.Helper()
	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Saved", got.UserTitle)
	assert.Nil(t, got.AbortHandle())
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "question", got.Messages[0].Text())

	interrupted := got.Messages[1]
	assert.Equal(t, pendingID, interrupted.ID)
	assert.False(t, interrupted.PendingIncomplete)
	assert.False(t, interrupted.HasPlaceholder())
	assert.Equal(t, conversation.InterruptedText, interrupted.Text())
	assert.Equal(t, "m-7", interrupted.Generator.ModelID)
	assert.Equal(t, conversation.TotalTokens(got.Messages), got.TokenCount)
}

func TestYAMLFilePersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "conversations.yaml")
	p, err := NewYAMLFilePersister(path)
	require.NoError(t, err)

	s := NewStore(WithPersister(p))
	c, pending := seedStore(t, s)
	require.NoError(t, s.Save(ctx))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "kind: placeholder")
	assert.NotContains(t, string(b), "abort")

	reloaded := NewStore(WithPersister(p))
	require.NoError(t, reloaded.Load(ctx))
	assertReloaded(t, reloaded, c.ID, pending.ID)
}

func TestYAMLFilePersisterMissingFile(t *testing.T) {
	p, err := NewYAMLFilePersister(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	convs, err := p.LoadConversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSQLitePersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	p, err := NewSQLitePersister(dsn)
	require.NoError(t, err)

	s := NewStore(WithPersister(p))
	c, pending := seedStore(t, s)
	other := s.Create("other")
	require.NoError(t, s.Save(ctx))

	require.NoError(t, s.Delete(other.ID))
	require.NoError(t, s.Save(ctx))
	require.NoError(t, p.Close())

	p2, err := NewSQLitePersister(dsn)
	require.NoError(t, err)
	defer func() { _ = p2.Close() }()

	reloaded := NewStore(WithPersister(p2))
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.GetState().Conversations, 1)
	assertReloaded(t, reloaded, c.ID, pending.ID)
}

func TestSQLitePersisterClosed(t *testing.T) {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	p, err := NewSQLitePersister(dsn)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = p.LoadConversations(context.Background())
	assert.Error(t, err)
}
