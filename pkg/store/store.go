// Package store is the conversation source of truth: an ordered list of
// conversations published as immutable snapshots.
package store

import (
	"context"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/helpers"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	// ErrAbortHandleInUse is returned when a generation is started while
	// another one still holds the conversation.
	ErrAbortHandleInUse = errors.New("abort handle already set")
)

// State is one immutable snapshot of the store. Neither the slice nor the
// conversations it points to are modified after publication.
type State struct {
	Conversations []*conversation.Conversation
}

func (s *State) Get(id conversation.ConversationID) (*conversation.Conversation, bool) {
	idx := s.index(id)
	if idx < 0 {
		return nil, false
	}
	return s.Conversations[idx], true
}

func (s *State) index(id conversation.ConversationID) int {
	for i, c := range s.Conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// with returns a new state where the conversation at idx is replaced by c.
func (s *State) with(idx int, c *conversation.Conversation) *State {
	convs := append([]*conversation.Conversation(nil), s.Conversations...)
	convs[idx] = c
	return &State{Conversations: convs}
}

type Store struct {
	state     *helpers.Observable[*State]
	persister Persister
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

func NewStore(options ...Option) *Store {
	s := &Store{
		state: helpers.NewObservable(&State{Conversations: []*conversation.Conversation{}}),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Store) GetState() *State {
	return s.state.Get()
}

// Subscribe registers fn to receive every new snapshot.
func (s *Store) Subscribe(fn func(*State)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

// SetState replaces the whole state. fn must not modify the state it receives.
func (s *Store) SetState(fn func(*State) *State) {
	_, _ = s.state.Update(func(cur *State) (*State, error) {
		next := fn(cur)
		if next == nil {
			next = &State{Conversations: []*conversation.Conversation{}}
		}
		return next, nil
	})
}

func (s *Store) Get(id conversation.ConversationID) (*conversation.Conversation, bool) {
	return s.GetState().Get(id)
}

// Create adds an empty conversation at the front of the list.
func (s *Store) Create(systemPurposeID string) *conversation.Conversation {
	c := conversation.NewConversation(systemPurposeID)
	s.SetState(func(cur *State) *State {
		convs := make([]*conversation.Conversation, 0, len(cur.Conversations)+1)
		convs = append(convs, c)
		convs = append(convs, cur.Conversations...)
		return &State{Conversations: convs}
	})
	log.Debug().Str("conversation_id", string(c.ID)).Msg("created conversation")
	return c
}

// Import adds an existing conversation, for example one read from an export.
func (s *Store) Import(c *conversation.Conversation) error {
	if c == nil {
		return errors.New("conversation is nil")
	}
	c = conversation.SanitizeLoaded(c)
	if c.ID == "" {
		c.ID = conversation.NewConversationID()
	}
	c.RecomputeTokenCount()
	_, err := s.state.Update(func(cur *State) (*State, error) {
		if cur.index(c.ID) >= 0 {
			return nil, errors.Wrapf(ErrConversationExists, "conversation %s", c.ID)
		}
		convs := append([]*conversation.Conversation{c}, cur.Conversations...)
		return &State{Conversations: convs}, nil
	})
	return err
}

// Delete removes a conversation, aborting its in-flight generation first.
func (s *Store) Delete(id conversation.ConversationID) error {
	var removed *conversation.Conversation
	_, err := s.state.Update(func(cur *State) (*State, error) {
		idx := cur.index(id)
		if idx < 0 {
			return nil, errors.Wrapf(ErrConversationNotFound, "conversation %s", id)
		}
		removed = cur.Conversations[idx]
		convs := make([]*conversation.Conversation, 0, len(cur.Conversations)-1)
		convs = append(convs, cur.Conversations[:idx]...)
		convs = append(convs, cur.Conversations[idx+1:]...)
		return &State{Conversations: convs}, nil
	})
	if err != nil {
		return err
	}
	removed.AbortHandle().Abort()
	log.Debug().Str("conversation_id", string(id)).Msg("deleted conversation")
	return nil
}

// Branch creates a new conversation holding a deep copy of the history of id
// up to and including messageID. An empty messageID copies the whole history.
func (s *Store) Branch(id conversation.ConversationID, messageID conversation.MessageID) (*conversation.Conversation, error) {
	src, ok := s.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrConversationNotFound, "conversation %s", id)
	}
	msgs := src.Messages
	if messageID != "" {
		idx := src.MessageIndex(messageID)
		if idx < 0 {
			return nil, errors.Wrapf(conversation.ErrMessageNotFound, "message %s", messageID)
		}
		msgs = msgs[:idx+1]
	}

	c := conversation.NewConversation(src.SystemPurposeID)
	c.UserTitle = src.UserTitle
	c.Messages = clone.Clone(append([]*conversation.Message(nil), msgs...)).([]*conversation.Message)
	if err := s.Import(c); err != nil {
		return nil, err
	}
	out, _ := s.Get(c.ID)
	return out, nil
}

// Apply runs the mutations against a copy of the conversation and publishes
// the result. Either all mutations apply or the store is left unchanged.
func (s *Store) Apply(id conversation.ConversationID, muts ...conversation.Mutation) (*conversation.Conversation, error) {
	var updated *conversation.Conversation
	_, err := s.state.Update(func(cur *State) (*State, error) {
		idx := cur.index(id)
		if idx < 0 {
			return nil, errors.Wrapf(ErrConversationNotFound, "conversation %s", id)
		}
		c := cur.Conversations[idx].Copy()
		if err := conversation.ApplyAll(c, muts...); err != nil {
			return nil, err
		}
		c.RecomputeTokenCount()
		c.Touch()
		updated = c
		return cur.with(idx, c), nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetAbortHandle installs h as the in-flight generation of the conversation,
// or clears it when h is nil. Installing a handle while another one is set
// fails with ErrAbortHandleInUse.
func (s *Store) SetAbortHandle(id conversation.ConversationID, h *conversation.AbortHandle) error {
	_, err := s.state.Update(func(cur *State) (*State, error) {
		idx := cur.index(id)
		if idx < 0 {
			return nil, errors.Wrapf(ErrConversationNotFound, "conversation %s", id)
		}
		existing := cur.Conversations[idx]
		if h != nil && existing.AbortHandle() != nil {
			return nil, errors.Wrapf(ErrAbortHandleInUse, "conversation %s", id)
		}
		if h == nil && existing.AbortHandle() == nil {
			return cur, nil
		}
		c := existing.Copy()
		c.SetAbortHandle(h)
		return cur.with(idx, c), nil
	})
	return err
}

// ClearAbortHandle clears the handle only if it is still h, so a late cleanup
// never removes the handle of a newer generation.
func (s *Store) ClearAbortHandle(id conversation.ConversationID, h *conversation.AbortHandle) {
	_, _ = s.state.Update(func(cur *State) (*State, error) {
		idx := cur.index(id)
		if idx < 0 || cur.Conversations[idx].AbortHandle() != h || h == nil {
			return cur, nil
		}
		c := cur.Conversations[idx].Copy()
		c.SetAbortHandle(nil)
		return cur.with(idx, c), nil
	})
}

// Load replaces the state with the conversations of the persister.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return errors.New("store has no persister")
	}
	convs, err := s.persister.LoadConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "could not load conversations")
	}
	out := make([]*conversation.Conversation, 0, len(convs))
	for _, c := range convs {
		if c == nil {
			continue
		}
		c = conversation.SanitizeLoaded(c)
		c.RecomputeTokenCount()
		out = append(out, c)
	}
	s.SetState(func(*State) *State {
		return &State{Conversations: out}
	})
	log.Debug().Int("conversations", len(out)).Msg("loaded conversations")
	return nil
}

// Save writes the current snapshot through the persister.
func (s *Store) Save(ctx context.Context) error {
	if s.persister == nil {
		return errors.New("store has no persister")
	}
	st := s.GetState()
	if err := s.persister.SaveConversations(ctx, st.Conversations); err != nil {
		return errors.Wrap(err, "could not save conversations")
	}
	log.Debug().Int("conversations", len(st.Conversations)).Msg("saved conversations")
	return nil
}
