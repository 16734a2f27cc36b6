// Package overlay holds the transient state of one conversation: composer
// draft, attachment drafts and ephemerals. Nothing here is persisted.
package overlay

import (
	"github.com/go-go-golems/confab/pkg/helpers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrEphemeralNotFound = errors.New("ephemeral not found")

type EphemeralID string

// Ephemeral is a side-channel note, such as tool call progress, shown next to
// a conversation while a turn runs.
type Ephemeral struct {
	ID     EphemeralID
	Title  string
	Text   string
	State  map[string]interface{}
	Done   bool
	Pinned bool
}

type AttachmentID string

// AttachmentDraft is an attachment the user has added to the composer but not
// sent yet.
type AttachmentDraft struct {
	ID       AttachmentID
	Label    string
	MimeType string
	Source   string
}

// State is an immutable snapshot of the overlay.
type State struct {
	ComposerText string
	Attachments  []AttachmentDraft
	Ephemerals   []*Ephemeral
}

func (s *State) copy() *State {
	return &State{
		ComposerText: s.ComposerText,
		Attachments:  append([]AttachmentDraft(nil), s.Attachments...),
		Ephemerals:   append([]*Ephemeral(nil), s.Ephemerals...),
	}
}

func (s *State) Ephemeral(id EphemeralID) (*Ephemeral, bool) {
	for _, e := range s.Ephemerals {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

type Store struct {
	state *helpers.Observable[*State]
}

func NewStore() *Store {
	return &Store{state: helpers.NewObservable(&State{})}
}

func (s *Store) GetState() *State {
	return s.state.Get()
}

func (s *Store) Subscribe(fn func(*State)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

func (s *Store) update(fn func(st *State) error) error {
	_, err := s.state.Update(func(cur *State) (*State, error) {
		next := cur.copy()
		if err := fn(next); err != nil {
			return nil, err
		}
		return next, nil
	})
	return err
}

func (s *Store) SetComposerText(text string) {
	_ = s.update(func(st *State) error {
		st.ComposerText = text
		return nil
	})
}

// AppendComposerText appends text to the draft, separated by a blank line.
func (s *Store) AppendComposerText(text string) {
	_ = s.update(func(st *State) error {
		if st.ComposerText != "" {
			st.ComposerText += "\n\n"
		}
		st.ComposerText += text
		return nil
	})
}

func (s *Store) AttachmentAdd(label, mimeType, source string) AttachmentID {
	id := AttachmentID(uuid.NewString())
	_ = s.update(func(st *State) error {
		st.Attachments = append(st.Attachments, AttachmentDraft{ID: id, Label: label, MimeType: mimeType, Source: source})
		return nil
	})
	return id
}

func (s *Store) AttachmentRemove(id AttachmentID) {
	_ = s.update(func(st *State) error {
		out := st.Attachments[:0]
		for _, a := range st.Attachments {
			if a.ID != id {
				out = append(out, a)
			}
		}
		st.Attachments = out
		return nil
	})
}

func (s *Store) AttachmentsClear() {
	_ = s.update(func(st *State) error {
		st.Attachments = nil
		return nil
	})
}

// AttachmentsTake returns the drafts and clears them, as done when sending.
func (s *Store) AttachmentsTake() []AttachmentDraft {
	var taken []AttachmentDraft
	_ = s.update(func(st *State) error {
		taken = st.Attachments
		st.Attachments = nil
		return nil
	})
	return taken
}

func (s *Store) EphemeralAppend(title, text string) EphemeralID {
	e := &Ephemeral{
		ID:    EphemeralID(uuid.NewString()),
		Title: title,
		Text:  text,
		State: map[string]interface{}{},
	}
	_ = s.update(func(st *State) error {
		st.Ephemerals = append(st.Ephemerals, e)
		return nil
	})
	return e.ID
}

// editEphemeral replaces the ephemeral with an edited copy.
func (s *Store) editEphemeral(id EphemeralID, fn func(e *Ephemeral)) error {
	return s.update(func(st *State) error {
		for i, e := range st.Ephemerals {
			if e.ID != id {
				continue
			}
			cp := *e
			cp.State = make(map[string]interface{}, len(e.State))
			for k, v := range e.State {
				cp.State[k] = v
			}
			fn(&cp)
			st.Ephemerals[i] = &cp
			return nil
		}
		return errors.Wrapf(ErrEphemeralNotFound, "ephemeral %s", id)
	})
}

func (s *Store) EphemeralUpdateText(id EphemeralID, text string) error {
	return s.editEphemeral(id, func(e *Ephemeral) {
		e.Text = text
	})
}

// EphemeralUpdateState merges state into the ephemeral state.
func (s *Store) EphemeralUpdateState(id EphemeralID, state map[string]interface{}) error {
	return s.editEphemeral(id, func(e *Ephemeral) {
		for k, v := range state {
			e.State[k] = v
		}
	})
}

func (s *Store) EphemeralMarkDone(id EphemeralID) error {
	return s.editEphemeral(id, func(e *Ephemeral) {
		e.Done = true
	})
}

func (s *Store) EphemeralTogglePinned(id EphemeralID) error {
	return s.editEphemeral(id, func(e *Ephemeral) {
		e.Pinned = !e.Pinned
	})
}

func (s *Store) EphemeralDelete(id EphemeralID) {
	_ = s.update(func(st *State) error {
		st.Ephemerals = removeEphemeral(st.Ephemerals, func(e *Ephemeral) bool { return e.ID == id })
		return nil
	})
}

// EphemeralDeleteIfNotPinned removes the ephemeral unless the user pinned it.
// It reports whether the ephemeral was removed.
func (s *Store) EphemeralDeleteIfNotPinned(id EphemeralID) bool {
	removed := false
	_ = s.update(func(st *State) error {
		st.Ephemerals = removeEphemeral(st.Ephemerals, func(e *Ephemeral) bool {
			if e.ID == id && !e.Pinned {
				removed = true
				return true
			}
			return false
		})
		return nil
	})
	return removed
}

func removeEphemeral(in []*Ephemeral, drop func(e *Ephemeral) bool) []*Ephemeral {
	out := make([]*Ephemeral, 0, len(in))
	for _, e := range in {
		if !drop(e) {
			out = append(out, e)
		}
	}
	return out
}
