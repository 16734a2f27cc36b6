// Package handler is the per-conversation orchestration surface: every change
// to a conversation made while chatting goes through a Handler, which owns the
// overlay and beam stores of that conversation.
package handler

import (
	"context"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/go-go-golems/confab/pkg/beam"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/overlay"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/go-go-golems/confab/pkg/stream"
	"github.com/go-go-golems/confab/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	id       conversation.ConversationID
	store    *store.Store
	streamer stream.Streamer
	overlay  *overlay.Store
	beam     *beam.Store

	counter        tokens.Counter
	sink           events.EventSink
	cachePolicy    CachePolicy
	modelID        string
	access         backend.AccessConfig
	requestBuilder beam.RequestBuilder
}

type Option func(*Handler)

// WithCounter sets the token counter used to refresh message token counts.
// Without one, cached counts are left as they are.
func WithCounter(c tokens.Counter) Option {
	return func(h *Handler) {
		h.counter = c
	}
}

func WithEventSink(sink events.EventSink) Option {
	return func(h *Handler) {
		h.sink = sink
	}
}

func WithCachePolicy(p CachePolicy) Option {
	return func(h *Handler) {
		h.cachePolicy = p
	}
}

// WithModelID sets the default model for generations and token counting.
func WithModelID(modelID string) Option {
	return func(h *Handler) {
		h.modelID = modelID
	}
}

func WithAccess(access backend.AccessConfig) Option {
	return func(h *Handler) {
		h.access = access
	}
}

func NewHandler(id conversation.ConversationID, st *store.Store, streamer stream.Streamer, options ...Option) *Handler {
	h := &Handler{
		id:          id,
		store:       st,
		streamer:    streamer,
		overlay:     overlay.NewStore(),
		cachePolicy: DefaultCachePolicy(),
	}
	for _, o := range options {
		o(h)
	}
	h.requestBuilder = func(llmID string, history []*conversation.Message) backend.Request {
		req := beam.DefaultRequestBuilder(llmID, history)
		req.Access = h.access
		return req
	}

	beamOptions := []beam.Option{
		beam.WithConversationID(id),
		beam.WithRequestBuilder(h.requestBuilder),
	}
	if h.sink != nil {
		beamOptions = append(beamOptions, beam.WithEventSink(h.sink))
	}
	h.beam = beam.NewStore(streamer, beamOptions...)
	return h
}

func (h *Handler) ConversationID() conversation.ConversationID {
	return h.id
}

func (h *Handler) Overlay() *overlay.Store {
	return h.overlay
}

func (h *Handler) Beam() *beam.Store {
	return h.beam
}

// Conversation returns the current snapshot of the conversation.
func (h *Handler) Conversation() (*conversation.Conversation, error) {
	c, ok := h.store.Get(h.id)
	if !ok {
		return nil, errors.Wrapf(store.ErrConversationNotFound, "conversation %s", h.id)
	}
	return c, nil
}

// recount is the token recount used by every mutation of this handler. The
// model of the generator wins over the handler default.
func (h *Handler) recount(m *conversation.Message) int {
	modelID := h.modelID
	if m.Generator != nil && m.Generator.ModelID != "" {
		modelID = m.Generator.ModelID
	}
	return m.ComputeTokenCount(h.counter, modelID)
}

func (h *Handler) recountFunc() conversation.TokenRecountFunc {
	if h.counter == nil {
		return nil
	}
	return h.recount
}

func (h *Handler) apply(muts ...conversation.Mutation) error {
	_, err := h.store.Apply(h.id, muts...)
	return err
}

// MessageAppend appends m to the history. The handler takes ownership of m and
// refreshes its token count.
func (h *Handler) MessageAppend(m *conversation.Message) error {
	if m == nil {
		return errors.New("message is nil")
	}
	if h.counter != nil {
		m.TokenCount = h.recount(m)
	}
	return h.apply(conversation.MutateAppendMessage(m))
}

// MessageAppendPlaceholder appends an assistant message holding a single
// placeholder fragment and returns the handles to target its replacement.
func (h *Handler) MessageAppendPlaceholder(text string, generator *conversation.Generator) (conversation.MessageID, conversation.FragmentID, error) {
	placeholder := conversation.NewPlaceholderFragment(text)
	m := conversation.NewMessage(conversation.RoleAssistant,
		[]conversation.Fragment{placeholder},
		conversation.WithGenerator(generator),
		conversation.WithPendingIncomplete(),
	)
	if err := h.apply(conversation.MutateAppendMessage(m)); err != nil {
		return "", "", err
	}
	return m.ID, placeholder.ID, nil
}

// MessageFragmentReplace swaps one fragment. complete clears the pending flag
// and refreshes the message token count.
func (h *Handler) MessageFragmentReplace(messageID conversation.MessageID, fragmentID conversation.FragmentID, f conversation.Fragment, complete bool) error {
	return h.apply(conversation.MutateReplaceFragment(messageID, fragmentID, f, complete, h.recountFunc()))
}

func (h *Handler) MessageFragmentAppend(messageID conversation.MessageID, f conversation.Fragment) error {
	return h.apply(conversation.MutateAppendFragment(messageID, f, h.recountFunc()))
}

func (h *Handler) MessageFragmentDelete(messageID conversation.MessageID, fragmentID conversation.FragmentID) error {
	return h.apply(conversation.MutateDeleteFragment(messageID, fragmentID, h.recountFunc()))
}

func (h *Handler) MessageDelete(messageID conversation.MessageID) error {
	return h.apply(conversation.MutateDeleteMessage(messageID))
}

func (h *Handler) MessageSetUserFlag(messageID conversation.MessageID, flag conversation.UserFlags, on bool) error {
	return h.apply(conversation.MutateSetUserFlag(messageID, flag, on))
}

// HistoryReplace replaces the whole message list. Clearing the history also
// terminates the beam, since it has nothing left to answer.
func (h *Handler) HistoryReplace(messages []*conversation.Message) error {
	if len(messages) == 0 {
		h.beam.Terminate()
	}
	return h.apply(conversation.MutateReplaceHistory(messages))
}

// HistoryTruncateTo keeps the messages up to the target plus offset.
func (h *Handler) HistoryTruncateTo(messageID conversation.MessageID, offset int) error {
	return h.apply(conversation.MutateTruncateTo(messageID, offset))
}

// HistoryView returns the current messages. They are shared with the store
// and must not be modified.
func (h *Handler) HistoryView() []*conversation.Message {
	c, ok := h.store.Get(h.id)
	if !ok {
		return nil
	}
	return c.Messages
}

func (h *Handler) EnsureSystemMessage(text string) error {
	return h.apply(conversation.MutateEnsureSystemMessage(text, h.recountFunc()))
}

// SetAbortHandle installs the handle of a new generation, or clears it when nil.
// A second handle cannot be installed before the first is cleared.
func (h *Handler) SetAbortHandle(ah *conversation.AbortHandle) error {
	return h.store.SetAbortHandle(h.id, ah)
}

// Abort cancels the in-flight generation, if any, and clears its handle.
func (h *Handler) Abort() {
	c, ok := h.store.Get(h.id)
	if !ok {
		return
	}
	ah := c.AbortHandle()
	if ah == nil {
		return
	}
	ah.Abort()
	h.store.ClearAbortHandle(h.id, ah)
	log.Debug().Str("conversation_id", string(h.id)).Msg("generation aborted")
}

// BeamInvoke opens a beam on viewHistory. The merged candidate replaces the
// fragments of destMessageID, or is appended as a new assistant message when
// destMessageID is empty. The beam terminates after the merge.
func (h *Handler) BeamInvoke(viewHistory []*conversation.Message, importMessages []*conversation.Message, destMessageID conversation.MessageID) error {
	onSuccess := func(c beam.Candidate) error {
		if destMessageID != "" {
			return h.apply(conversation.MutateReplaceFragments(destMessageID, c.Fragments, c.Generator, h.recountFunc()))
		}
		m := conversation.NewMessage(conversation.RoleAssistant, c.Fragments, conversation.WithGenerator(c.Generator))
		return h.MessageAppend(m)
	}
	if err := h.beam.Open(viewHistory, importMessages, onSuccess); err != nil {
		return errors.Wrapf(err, "could not open beam on conversation %s", h.id)
	}
	return nil
}

// ApplyAutoCacheBreakpoints writes the auto cache flags computed from the
// current history.
func (h *Handler) ApplyAutoCacheBreakpoints() error {
	c, err := h.Conversation()
	if err != nil {
		return err
	}
	changes := AutoCacheBreakpoints(c.Messages, h.cachePolicy)
	if len(changes) == 0 {
		return nil
	}
	muts := make([]conversation.Mutation, 0, len(changes))
	for _, ch := range changes {
		muts = append(muts, conversation.MutateSetUserFlag(ch.MessageID, conversation.FlagCacheAuto, ch.Auto))
	}
	return h.apply(muts...)
}

// Close terminates the beam and aborts the in-flight generation.
func (h *Handler) Close() {
	h.beam.Terminate()
	h.Abort()
}

// emit publishes to the handler sink and to the sinks attached to ctx.
func (h *Handler) emit(ctx context.Context, e events.Event) {
	events.PublishEventToContext(ctx, e)
	if h.sink == nil {
		return
	}
	if err := h.sink.PublishEvent(e); err != nil {
		log.Debug().Err(err).Str("event_type", string(e.Type())).Msg("failed to publish event")
	}
}
