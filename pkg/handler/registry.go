package handler

import (
	"sync"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/go-go-golems/confab/pkg/stream"
	"github.com/rs/zerolog/log"
)

// Registry hands out one Handler per conversation. Handlers live until they
// are released, so long-running callers release conversations they no longer
// show.
type Registry struct {
	mu       sync.Mutex
	store    *store.Store
	streamer stream.Streamer
	options  []Option
	handlers map[conversation.ConversationID]*Handler
}

// NewRegistry creates a registry whose handlers share st and streamer and are
// built with options.
func NewRegistry(st *store.Store, streamer stream.Streamer, options ...Option) *Registry {
	return &Registry{
		store:    st,
		streamer: streamer,
		options:  options,
		handlers: map[conversation.ConversationID]*Handler{},
	}
}

func (r *Registry) Store() *store.Store {
	return r.store
}

// Get returns the handler of the conversation, creating it on first use.
func (r *Registry) Get(id conversation.ConversationID) *Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handlers[id]; ok {
		return h
	}
	h := NewHandler(id, r.store, r.streamer, r.options...)
	r.handlers[id] = h
	log.Debug().Str("conversation_id", string(id)).Msg("created conversation handler")
	return h
}

// Release closes the handler of the conversation and forgets it. Releasing an
// unknown conversation does nothing.
func (r *Registry) Release(id conversation.ConversationID) {
	r.mu.Lock()
	h, ok := r.handlers[id]
	delete(r.handlers, id)
	r.mu.Unlock()

	if ok {
		h.Close()
	}
}

// DeleteConversation releases the handler and deletes the conversation.
func (r *Registry) DeleteConversation(id conversation.ConversationID) error {
	r.Release(id)
	return r.store.Delete(id)
}

// Close releases every handler.
func (r *Registry) Close() {
	r.mu.Lock()
	handlers := r.handlers
	r.handlers = map[conversation.ConversationID]*Handler{}
	r.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
