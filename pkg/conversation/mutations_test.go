package conversation

import (
	"strings"
	"testing"

	"github.com/go-go-golems/confab/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wordCounter = tokens.CounterFunc(func(text string, _ string) int {
	return len(strings.Fields(text))
})

func recountWords(m *Message) int {
	return m.ComputeTokenCount(wordCounter, "test-model")
}

func newTestConversation(msgs ...*Message) *Conversation {
	c := NewConversation("default")
	c.Messages = append(c.Messages, msgs...)
	return c
}

func TestReplaceFragmentKeepsIDsUnique(t *testing.T) {
	ph := NewPlaceholderFragment("...")
	msg := NewMessage(RoleAssistant, []Fragment{ph}, WithPendingIncomplete())
	c := newTestConversation(msg)

	current := ph.FragmentID()
	for _, text := range []string{"H", "He", "Hel", "Hell", "Hello"} {
		next := NewTextFragment(text)
		require.NoError(t, ApplyAll(c, MutateReplaceFragment(msg.ID, current, next, false, nil)))
		current = next.ID
	}

	got := c.Messages[0]
	require.Len(t, got.Fragments, 1)
	assert.Equal(t, "Hello", got.Text())
	assert.True(t, got.PendingIncomplete)
	require.NoError(t, checkFragmentIDs(got))
}

func TestReplaceFragmentRejectsCollidingID(t *testing.T) {
	a := NewTextFragment("a")
	b := NewTextFragment("b")
	msg := NewMessage(RoleAssistant, []Fragment{a, b})
	c := newTestConversation(msg)

	collide := &TextFragment{ID: b.ID, Text: "c"}
	err := ApplyAll(c, MutateReplaceFragment(msg.ID, a.ID, collide, false, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateFragmentID))
	assert.Equal(t, "a", FragmentText(c.Messages[0].Fragments[0]))
}

func TestReplaceFragmentCompleteRecountsTokens(t *testing.T) {
	ph := NewPlaceholderFragment("...")
	msg := NewMessage(RoleAssistant, []Fragment{ph}, WithPendingIncomplete())
	c := newTestConversation(msg)

	final := NewTextFragment("one two three four")
	require.NoError(t, ApplyAll(c, MutateReplaceFragment(msg.ID, ph.ID, final, true, recountWords)))

	got := c.Messages[0]
	assert.False(t, got.PendingIncomplete)
	assert.Equal(t, 4, got.TokenCount)

	// recounting without a content change is stable
	assert.Equal(t, got.TokenCount, recountWords(got))
	assert.Equal(t, recountWords(got), recountWords(got))
}

func TestMutationsDoNotTouchSharedSnapshots(t *testing.T) {
	user := NewTextMessage(RoleUser, "hi")
	ph := NewPlaceholderFragment("...")
	assistant := NewMessage(RoleAssistant, []Fragment{ph})
	before := newTestConversation(user, assistant)

	after := before.Copy()
	require.NoError(t, ApplyAll(after,
		MutateReplaceFragment(assistant.ID, ph.ID, NewTextFragment("hello"), true, recountWords),
		MutateAppendMessage(NewTextMessage(RoleUser, "again")),
	))

	assert.Len(t, before.Messages, 2)
	assert.True(t, IsPlaceholder(before.Messages[1].Fragments[0]))
	assert.Len(t, after.Messages, 3)
	assert.Equal(t, "hello", after.Messages[1].Text())
	assert.Same(t, before.Messages[0], after.Messages[0])
}

func TestAppendAndDeleteFragment(t *testing.T) {
	msg := NewTextMessage(RoleAssistant, "answer")
	c := newTestConversation(msg)
	ann := NewAnnotationsFragment(Citation{Title: "Go", URL: "https://go.dev"})

	require.NoError(t, ApplyAll(c, MutateAppendFragment(msg.ID, ann, recountWords)))
	require.Len(t, c.Messages[0].Fragments, 2)
	assert.Equal(t, 1, c.Messages[0].TokenCount)

	err := ApplyAll(c, MutateAppendFragment(msg.ID, ann, nil))
	assert.True(t, errors.Is(err, ErrDuplicateFragmentID))

	require.NoError(t, ApplyAll(c, MutateDeleteFragment(msg.ID, ann.ID, recountWords)))
	require.Len(t, c.Messages[0].Fragments, 1)

	err = ApplyAll(c, MutateDeleteFragment(msg.ID, ann.ID, nil))
	assert.True(t, errors.Is(err, ErrFragmentNotFound))
}

func TestTruncateTo(t *testing.T) {
	m1 := NewTextMessage(RoleUser, "1")
	m2 := NewTextMessage(RoleAssistant, "2")
	m3 := NewTextMessage(RoleUser, "3")
	m4 := NewTextMessage(RoleAssistant, "4")

	c := newTestConversation(m1, m2, m3, m4)
	require.NoError(t, ApplyAll(c, MutateTruncateTo(m2.ID, 0)))
	assert.Equal(t, []*Message{m1, m2}, c.Messages)

	c = newTestConversation(m1, m2, m3, m4)
	require.NoError(t, ApplyAll(c, MutateTruncateTo(m3.ID, -1)))
	assert.Equal(t, []*Message{m1, m2}, c.Messages)

	c = newTestConversation(m1, m2, m3, m4)
	require.NoError(t, ApplyAll(c, MutateTruncateTo(m4.ID, 5)))
	assert.Len(t, c.Messages, 4)

	err := ApplyAll(c, MutateTruncateTo("missing", 0))
	assert.True(t, errors.Is(err, ErrMessageNotFound))
}

func TestReplaceHistoryRejectsDuplicates(t *testing.T) {
	m := NewTextMessage(RoleUser, "1")
	c := newTestConversation()
	err := ApplyAll(c, MutateReplaceHistory([]*Message{m, m}))
	assert.True(t, errors.Is(err, ErrDuplicateMessageID))

	require.NoError(t, ApplyAll(c, MutateReplaceHistory(nil)))
	assert.Empty(t, c.Messages)
}

func TestEnsureSystemMessage(t *testing.T) {
	user := NewTextMessage(RoleUser, "hello")
	c := newTestConversation(user)

	require.NoError(t, ApplyAll(c, MutateEnsureSystemMessage("You are helpful.", recountWords)))
	require.Len(t, c.Messages, 2)
	sys, ok := c.SystemMessage()
	require.True(t, ok)
	assert.Equal(t, "You are helpful.", sys.Text())
	assert.Equal(t, 3, sys.TokenCount)

	require.NoError(t, ApplyAll(c, MutateEnsureSystemMessage("You are terse.", recountWords)))
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "You are terse.", c.Messages[0].Text())
	assert.Equal(t, sys.ID, c.Messages[0].ID)
}

func TestUserFlagsCacheExclusive(t *testing.T) {
	var f UserFlags
	f = f.With(FlagCacheAuto)
	assert.True(t, f.Has(FlagCacheAuto))

	f = f.With(FlagCacheUser)
	assert.True(t, f.Has(FlagCacheUser))
	assert.False(t, f.Has(FlagCacheAuto))

	f = f.With(FlagCacheAuto)
	assert.False(t, f.Has(FlagCacheAuto))

	f = f.Set(FlagCacheUser, false).Set(FlagCacheAuto, true)
	assert.True(t, f.Has(FlagCacheAuto))
}

func TestTotalTokens(t *testing.T) {
	assert.Equal(t, 0, TotalTokens(nil))
	a := NewTextMessage(RoleUser, "a")
	a.TokenCount = 10
	b := NewTextMessage(RoleAssistant, "b")
	b.TokenCount = 5
	assert.Equal(t, ConversationTokenPriming+10+5+2*PerMessageTokenOverhead, TotalTokens([]*Message{a, b}))
}

func TestSanitizeLoadedReplacesPlaceholders(t *testing.T) {
	ph := NewPlaceholderFragment("...")
	msg := NewMessage(RoleAssistant, []Fragment{ph}, WithPendingIncomplete())
	c := newTestConversation(NewTextMessage(RoleUser, "q"), msg)
	c.SetAbortHandle(NewAbortHandle(func() {}))

	out := SanitizeLoaded(c)
	assert.Nil(t, out.AbortHandle())
	got := out.Messages[1]
	assert.False(t, got.PendingIncomplete)
	assert.False(t, got.HasPlaceholder())
	assert.Equal(t, InterruptedText, got.Text())
	assert.Equal(t, ph.ID, got.Fragments[0].FragmentID())
	// the input stays untouched
	assert.True(t, c.Messages[1].HasPlaceholder())
}

func TestAbortHandleIsIdempotent(t *testing.T) {
	calls := 0
	h := NewAbortHandle(func() { calls++ })
	h.Abort()
	h.Abort()
	assert.Equal(t, 1, calls)

	var nilHandle *AbortHandle
	nilHandle.Abort()
}

func TestRekeyFragment(t *testing.T) {
	assert.Nil(t, RekeyFragment(nil))

	aux := NewReasoningFragment("thinking", "sig")
	aux.RedactedData = []string{"r1"}
	frags := []Fragment{
		NewTextFragment("text"),
		NewPlaceholderFragment("..."),
		aux,
		NewAnnotationsFragment(Citation{Title: "Go", URL: "https://go.dev"}),
		NewImageRefFragment("https://example.com/a.png", "image/png"),
	}
	for _, f := range frags {
		rekeyed := RekeyFragment(f)
		require.NotNil(t, rekeyed)
		assert.Equal(t, f.Kind(), rekeyed.Kind())
		assert.NotEqual(t, f.FragmentID(), rekeyed.FragmentID())
		assert.Equal(t, FragmentText(f), FragmentText(rekeyed))
	}

	rekeyedAux := RekeyFragment(aux).(*ModelAuxFragment)
	rekeyedAux.RedactedData[0] = "changed"
	assert.Equal(t, "r1", aux.RedactedData[0])
}
