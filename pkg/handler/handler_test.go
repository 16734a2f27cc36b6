package handler

import (
	"context"
	"strings"
	"testing"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/go-go-golems/confab/pkg/beam"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/moderation"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/go-go-golems/confab/pkg/stream"
	"github.com/go-go-golems/confab/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCounter counts whitespace separated words.
var wordCounter = tokens.CounterFunc(func(text string, modelID string) int {
	return len(strings.Fields(text))
})

type fixture struct {
	store   *store.Store
	handler *Handler
	sink    *events.CollectingSink
	id      conversation.ConversationID
}

func newFixture(t *testing.T, streamer stream.Streamer, options ...Option) *fixture {
	t.Helper()
	st := store.NewStore()
	c := st.Create("default")
	sink := &events.CollectingSink{}
	options = append([]Option{
		WithCounter(wordCounter),
		WithEventSink(sink),
		WithModelID("m"),
		WithCachePolicy(CachePolicy{}),
	}, options...)
	return &fixture{
		store:   st,
		handler: NewHandler(c.ID, st, streamer, options...),
		sink:    sink,
		id:      c.ID,
	}
}

func fixtureStreamer(fixtures ...backend.FixtureOption) *stream.Generator {
	return &stream.Generator{Backend: backend.NewFixtureAdapter(fixtures...)}
}

func (f *fixture) conversation(t *testing.T) *conversation.Conversation {
	t.Helper()
	c, err := f.handler.Conversation()
	require.NoError(t, err)
	return c
}

func (f *fixture) appendUser(t *testing.T, text string) *conversation.Message {
	t.Helper()
	m := conversation.NewTextMessage(conversation.RoleUser, text)
	require.NoError(t, f.handler.MessageAppend(m))
	return m
}

func TestMessageAppendRecountsTokens(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	f.appendUser(t, "one two three")

	c := f.conversation(t)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, 3, c.Messages[0].TokenCount)
	assert.Equal(t, conversation.ConversationTokenPriming+3+conversation.PerMessageTokenOverhead, c.TokenCount)
	assert.NotNil(t, c.Updated)
}

func TestPlaceholderReplaceAndComplete(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	msgID, fragID, err := f.handler.MessageAppendPlaceholder("...", conversation.ModelGenerator("m"))
	require.NoError(t, err)

	msg, _ := f.conversation(t).Message(msgID)
	assert.True(t, msg.PendingIncomplete)
	assert.True(t, msg.HasPlaceholder())

	require.NoError(t, f.handler.MessageFragmentReplace(msgID, fragID, &conversation.TextFragment{ID: fragID, Text: "a b"}, false))
	msg, _ = f.conversation(t).Message(msgID)
	assert.True(t, msg.PendingIncomplete)
	assert.Equal(t, 0, msg.TokenCount)

	require.NoError(t, f.handler.MessageFragmentReplace(msgID, fragID, &conversation.TextFragment{ID: fragID, Text: "a b c"}, true))
	msg, _ = f.conversation(t).Message(msgID)
	assert.False(t, msg.PendingIncomplete)
	assert.Equal(t, 3, msg.TokenCount)

	ann := conversation.NewAnnotationsFragment(conversation.Citation{Title: "source", URL: "https://example.com"})
	require.NoError(t, f.handler.MessageFragmentAppend(msgID, ann))
	msg, _ = f.conversation(t).Message(msgID)
	assert.Len(t, msg.Fragments, 2)

	require.NoError(t, f.handler.MessageFragmentDelete(msgID, ann.ID))
	msg, _ = f.conversation(t).Message(msgID)
	assert.Len(t, msg.Fragments, 1)
}

func TestHistoryTruncateAndView(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	first := f.appendUser(t, "first")
	f.appendUser(t, "second")
	f.appendUser(t, "third")

	require.NoError(t, f.handler.HistoryTruncateTo(first.ID, 0))
	view := f.handler.HistoryView()
	require.Len(t, view, 1)
	assert.Equal(t, first.ID, view[0].ID)
}

func TestSetAbortHandleSingleFlight(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	require.NoError(t, f.handler.SetAbortHandle(conversation.NewAbortHandle(func() {})))

	err := f.handler.SetAbortHandle(conversation.NewAbortHandle(func() {}))
	assert.True(t, errors.Is(err, store.ErrAbortHandleInUse))

	_, err = f.handler.Generate(context.Background(), GenerateOptions{})
	assert.True(t, errors.Is(err, store.ErrAbortHandleInUse))

	require.NoError(t, f.handler.SetAbortHandle(nil))
	require.NoError(t, f.handler.SetAbortHandle(conversation.NewAbortHandle(func() {})))
}

func TestGenerateWritesAnswer(t *testing.T) {
	f := newFixture(t, fixtureStreamer(
		backend.WithChunkSize(3),
		backend.WithFixture("m", backend.FixtureResponse{Body: backend.FramedBody("m-2", "Hello there")}),
	))
	f.appendUser(t, "hi")

	var texts []string
	res, err := f.handler.Generate(context.Background(), GenerateOptions{
		ShowProgress: true,
		OnUpdate: func(u stream.Update) {
			texts = append(texts, u.TextSoFar)
		},
	})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "Hello there", res.Text)
	assert.Equal(t, "m-2", res.OriginLLM)
	assert.Equal(t, "Hello there", texts[len(texts)-1])

	c := f.conversation(t)
	require.Len(t, c.Messages, 2)
	msg := c.Messages[1]
	assert.Equal(t, res.MessageID, msg.ID)
	assert.Equal(t, "Hello there", msg.Text())
	assert.False(t, msg.PendingIncomplete)
	assert.False(t, msg.HasPlaceholder())
	assert.Equal(t, 2, msg.TokenCount)
	assert.Equal(t, "m-2", msg.Generator.ModelID)
	assert.Nil(t, c.AbortHandle())
	assert.Empty(t, f.handler.Overlay().GetState().Ephemerals)

	types := f.sink.Types()
	assert.Equal(t, events.EventTypeStart, types[0])
	assert.Contains(t, types, events.EventTypePartialCompletion)
	assert.Equal(t, events.EventTypeFinal, types[len(types)-1])
}

func TestGeneratePublishesToContextSinks(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	f.appendUser(t, "hi")

	ctxSink := &events.CollectingSink{}
	ctx := events.WithEventSinks(context.Background(), ctxSink)
	_, err := f.handler.Generate(ctx, GenerateOptions{})
	require.NoError(t, err)

	assert.Equal(t, f.sink.Types(), ctxSink.Types())
	assert.Equal(t, events.EventTypeFinal, ctxSink.Types()[len(ctxSink.Types())-1])
}

func TestGenerateRejectsInvalidTools(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	f.appendUser(t, "hi")

	_, err := f.handler.Generate(context.Background(), GenerateOptions{
		Tools: []backend.ToolDefinition{{Name: "a"}, {Name: "a"}},
	})
	assert.ErrorIs(t, err, backend.ErrInvalidTool)
	assert.Len(t, f.conversation(t).Messages, 1)
	assert.Empty(t, f.sink.Types())
}

func TestGenerateErrorReplacesPlaceholder(t *testing.T) {
	adapter := backend.NewFixtureAdapter(
		backend.WithFixture("m", backend.FixtureResponse{Err: backend.NewHTTPError(401, "bad key")}),
	)
	f := newFixture(t, &stream.Generator{Backend: adapter})
	f.appendUser(t, "hi")

	res, err := f.handler.Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Equal(t, backend.ErrorKindHTTP, backend.KindOf(res.Err))

	c := f.conversation(t)
	msg := c.Messages[len(c.Messages)-1]
	assert.False(t, msg.HasPlaceholder())
	assert.Contains(t, msg.Text(), "credentials")
	assert.Nil(t, c.AbortHandle())

	types := f.sink.Types()
	assert.Equal(t, events.EventTypeError, types[len(types)-1])

	// the handle was cleared, so another turn can start
	res, err = f.handler.Generate(context.Background(), GenerateOptions{ModelID: "other"})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
}

func TestGenerateModerationRejection(t *testing.T) {
	adapter := backend.NewFixtureAdapter()
	g := &stream.Generator{
		Backend: adapter,
		Moderator: moderation.ModeratorFunc(func(ctx context.Context, text string) (moderation.Verdict, error) {
			return moderation.Verdict{Flagged: true, Categories: []string{"harassment"}}, nil
		}),
	}
	f := newFixture(t, g)
	f.appendUser(t, "something rude")

	res, err := f.handler.Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)
	assert.True(t, stream.IsModerationFailure(res.Err))
	assert.Contains(t, res.Text, "harassment")
	assert.Empty(t, adapter.Requests())

	evs := f.sink.Events()
	last, ok := evs[len(evs)-1].(*events.EventError)
	require.True(t, ok)
	assert.Equal(t, "moderation", last.Kind)
}

func TestGenerateCancelKeepsPartialText(t *testing.T) {
	prefix := `{"type":"start"}{"model":"m"}`
	f := newFixture(t, fixtureStreamer(
		backend.WithChunkSize(1),
		backend.WithFixture("m", backend.FixtureResponse{Body: prefix + "Hello", HoldAfter: len(prefix) + 3}),
	))
	f.appendUser(t, "hi")

	res, err := f.handler.Generate(context.Background(), GenerateOptions{
		OnUpdate: func(u stream.Update) {
			if u.TextSoFar == "Hel" && !u.Done {
				f.handler.Abort()
			}
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.NoError(t, res.Err)
	assert.Equal(t, "Hel", res.Text)

	c := f.conversation(t)
	msg := c.Messages[len(c.Messages)-1]
	assert.Equal(t, "Hel", msg.Text())
	assert.False(t, msg.PendingIncomplete)
	assert.Nil(t, c.AbortHandle())

	types := f.sink.Types()
	assert.Equal(t, events.EventTypeInterrupt, types[len(types)-1])
}

func TestGenerateAppliesCacheBreakpoints(t *testing.T) {
	adapter := backend.NewFixtureAdapter()
	f := newFixture(t, &stream.Generator{Backend: adapter}, WithCachePolicy(CachePolicy{Enabled: true, MinTokens: 3, Breakpoints: 1}))
	f.appendUser(t, "one two")
	last := f.appendUser(t, "three four")

	_, err := f.handler.Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)

	msg, _ := f.conversation(t).Message(last.ID)
	assert.True(t, msg.UserFlags.Has(conversation.FlagCacheAuto))

	reqs := adapter.Requests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].Messages[0].CacheBreakpoint)
	assert.True(t, reqs[0].Messages[1].CacheBreakpoint)
}

func TestApplyAutoCacheBreakpointsRespectsUserPin(t *testing.T) {
	f := newFixture(t, fixtureStreamer(), WithCachePolicy(CachePolicy{Enabled: true, MinTokens: 1, Breakpoints: 2}))
	first := f.appendUser(t, "one two")
	second := f.appendUser(t, "three four")
	require.NoError(t, f.handler.MessageSetUserFlag(second.ID, conversation.FlagCacheUser, true))

	require.NoError(t, f.handler.ApplyAutoCacheBreakpoints())

	c := f.conversation(t)
	m1, _ := c.Message(first.ID)
	m2, _ := c.Message(second.ID)
	assert.True(t, m1.UserFlags.Has(conversation.FlagCacheAuto))
	assert.False(t, m2.UserFlags.Has(conversation.FlagCacheAuto))
	assert.True(t, m2.UserFlags.Has(conversation.FlagCacheUser))
}

func TestBeamInvokeAppendsWinner(t *testing.T) {
	f := newFixture(t, fixtureStreamer(
		backend.WithFixture("a", backend.FixtureResponse{Body: backend.FramedBody("a", "Hi,")}),
		backend.WithFixture("b", backend.FixtureResponse{Body: backend.FramedBody("b", "Dear Sir,")}),
	))
	f.appendUser(t, "draft an email")

	require.NoError(t, f.handler.BeamInvoke(f.handler.HistoryView(), nil, ""))
	b := f.handler.Beam()
	ids, err := b.AddRays("a", "b")
	require.NoError(t, err)
	require.NoError(t, b.StartAll(context.Background()))
	b.Wait()
	require.NoError(t, b.Merge(ids[1]))

	c := f.conversation(t)
	require.Len(t, c.Messages, 2)
	winner := c.Messages[1]
	assert.Equal(t, conversation.RoleAssistant, winner.Role)
	assert.Equal(t, "Dear Sir,", winner.Text())
	assert.Equal(t, "b", winner.Generator.ModelID)
	assert.Equal(t, 2, winner.TokenCount)
	assert.Equal(t, beam.PhaseClosed, b.Snapshot().Phase)
}

func TestBeamInvokeReplacesDestination(t *testing.T) {
	f := newFixture(t, fixtureStreamer(
		backend.WithFixture("b", backend.FixtureResponse{Body: backend.FramedBody("b", "better answer")}),
	))
	f.appendUser(t, "question")
	old := conversation.NewTextMessage(conversation.RoleAssistant, "old answer",
		conversation.WithGenerator(conversation.ModelGenerator("a")))
	require.NoError(t, f.handler.MessageAppend(old))

	view := f.handler.HistoryView()
	require.NoError(t, f.handler.BeamInvoke(view[:1], []*conversation.Message{old}, old.ID))
	b := f.handler.Beam()
	ids, err := b.AddRays("b")
	require.NoError(t, err)
	require.NoError(t, b.StartAll(context.Background()))
	b.Wait()
	require.NoError(t, b.Merge(ids[0]))

	c := f.conversation(t)
	require.Len(t, c.Messages, 2)
	msg, _ := c.Message(old.ID)
	assert.Equal(t, "better answer", msg.Text())
	assert.Equal(t, "b", msg.Generator.ModelID)
}

func TestHistoryReplaceEmptyTerminatesBeam(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	f.appendUser(t, "hi")
	require.NoError(t, f.handler.BeamInvoke(f.handler.HistoryView(), nil, ""))

	err := f.handler.BeamInvoke(f.handler.HistoryView(), nil, "")
	assert.True(t, errors.Is(err, beam.ErrBeamAlreadyOpen))

	require.NoError(t, f.handler.HistoryReplace(nil))
	assert.False(t, f.handler.Beam().IsOpen())
	assert.Empty(t, f.handler.HistoryView())

	next := conversation.NewTextMessage(conversation.RoleUser, "start over")
	require.NoError(t, f.handler.BeamInvoke([]*conversation.Message{next}, nil, ""))
	assert.True(t, f.handler.Beam().IsOpen())
}

func TestBeamInvokeConfigIssue(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	err := f.handler.BeamInvoke(nil, nil, "")
	assert.True(t, errors.Is(err, beam.ErrConfigIssue))
	assert.NotEmpty(t, f.handler.Beam().Snapshot().ConfigIssue)
}

func TestEnsureSystemMessage(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	f.appendUser(t, "hi")
	require.NoError(t, f.handler.EnsureSystemMessage("be brief"))

	view := f.handler.HistoryView()
	require.Len(t, view, 2)
	assert.Equal(t, conversation.RoleSystem, view[0].Role)
	assert.Equal(t, "be brief", view[0].Text())
}

func TestEphemeralHandlerLifecycle(t *testing.T) {
	f := newFixture(t, fixtureStreamer())
	ov := f.handler.Overlay()

	e := f.handler.CreateEphemeralHandler("search", "starting")
	e.UpdateText("found 3 results")
	e.UpdateState(map[string]interface{}{"results": 3})
	eph, ok := ov.GetState().Ephemeral(e.ID())
	require.True(t, ok)
	assert.Equal(t, "found 3 results", eph.Text)
	assert.Equal(t, 3, eph.State["results"])
	assert.False(t, eph.Done)

	e.MarkAsDone()
	assert.True(t, e.DeleteIfNotPinned())
	assert.Empty(t, ov.GetState().Ephemerals)

	pinned := f.handler.CreateEphemeralHandler("tool", "")
	require.NoError(t, ov.EphemeralTogglePinned(pinned.ID()))
	pinned.MarkAsDone()
	assert.False(t, pinned.DeleteIfNotPinned())
	assert.Len(t, ov.GetState().Ephemerals, 1)

	// updates after removal are ignored
	e.UpdateText("late")
}
