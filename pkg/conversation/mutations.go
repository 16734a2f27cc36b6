package conversation

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrMessageNotFound     = errors.New("message not found")
	ErrFragmentNotFound    = errors.New("fragment not found")
	ErrDuplicateFragmentID = errors.New("duplicate fragment id")
	ErrDuplicateMessageID  = errors.New("duplicate message id")
)

// Mutation represents a deterministic change to a conversation.
//
// Apply receives a private copy of the conversation (its Messages slice is not
// shared) but the messages inside are shared with older snapshots: a mutation
// replaces a message by a copy instead of editing it.
type Mutation interface {
	Apply(c *Conversation) error
	Name() string
}

// TokenRecountFunc returns the token count of a message. Mutations that
// complete a message call it to refresh Message.TokenCount.
type TokenRecountFunc func(m *Message) int

// editMessage copies the message with the given id, lets fn change the copy
// and swaps it into the conversation.
func editMessage(c *Conversation, id MessageID, fn func(m *Message) error) error {
	idx := c.MessageIndex(id)
	if idx < 0 {
		return errors.Wrapf(ErrMessageNotFound, "message %s", id)
	}
	cp := c.Messages[idx].Copy()
	if err := fn(cp); err != nil {
		return err
	}
	cp.touch()
	c.Messages[idx] = cp
	return nil
}

func checkFragmentIDs(m *Message) error {
	seen := make(map[FragmentID]struct{}, len(m.Fragments))
	for _, f := range m.Fragments {
		if f == nil {
			return errors.Errorf("message %s has a nil fragment", m.ID)
		}
		if _, ok := seen[f.FragmentID()]; ok {
			return errors.Wrapf(ErrDuplicateFragmentID, "fragment %s in message %s", f.FragmentID(), m.ID)
		}
		seen[f.FragmentID()] = struct{}{}
	}
	return nil
}

type appendMessageMutation struct {
	message *Message
}

// MutateAppendMessage appends a message to the history.
func MutateAppendMessage(m *Message) Mutation {
	return appendMessageMutation{message: m}
}

func (m appendMessageMutation) Apply(c *Conversation) error {
	if m.message == nil {
		return errors.New("message is nil")
	}
	if m.message.ID == "" {
		m.message.ID = NewMessageID()
	}
	if c.MessageIndex(m.message.ID) >= 0 {
		return errors.Wrapf(ErrDuplicateMessageID, "message %s", m.message.ID)
	}
	if err := checkFragmentIDs(m.message); err != nil {
		return err
	}
	c.Messages = append(c.Messages, m.message)
	return nil
}

func (m appendMessageMutation) Name() string { return "append_message" }

type deleteMessageMutation struct {
	id MessageID
}

func MutateDeleteMessage(id MessageID) Mutation {
	return deleteMessageMutation{id: id}
}

func (m deleteMessageMutation) Apply(c *Conversation) error {
	idx := c.MessageIndex(m.id)
	if idx < 0 {
		return errors.Wrapf(ErrMessageNotFound, "message %s", m.id)
	}
	c.Messages = append(c.Messages[:idx:idx], c.Messages[idx+1:]...)
	return nil
}

func (m deleteMessageMutation) Name() string { return "delete_message" }

type replaceFragmentMutation struct {
	messageID  MessageID
	fragmentID FragmentID
	fragment   Fragment
	complete   bool
	recount    TokenRecountFunc
}

// MutateReplaceFragment swaps one fragment of a message. When complete is set
// the message token count is refreshed and the pending flag cleared.
func MutateReplaceFragment(messageID MessageID, fragmentID FragmentID, fragment Fragment, complete bool, recount TokenRecountFunc) Mutation {
	return replaceFragmentMutation{
		messageID:  messageID,
		fragmentID: fragmentID,
		fragment:   fragment,
		complete:   complete,
		recount:    recount,
	}
}

func (m replaceFragmentMutation) Apply(c *Conversation) error {
	if m.fragment == nil {
		return errors.New("replacement fragment is nil")
	}
	return editMessage(c, m.messageID, func(msg *Message) error {
		idx := msg.FragmentIndex(m.fragmentID)
		if idx < 0 {
			return errors.Wrapf(ErrFragmentNotFound, "fragment %s in message %s", m.fragmentID, m.messageID)
		}
		msg.Fragments[idx] = m.fragment
		if err := checkFragmentIDs(msg); err != nil {
			return err
		}
		if m.complete {
			msg.PendingIncomplete = false
			if m.recount != nil {
				msg.TokenCount = m.recount(msg)
			}
		}
		return nil
	})
}

func (m replaceFragmentMutation) Name() string { return "replace_fragment" }

type appendFragmentMutation struct {
	messageID MessageID
	fragment  Fragment
	recount   TokenRecountFunc
}

func MutateAppendFragment(messageID MessageID, fragment Fragment, recount TokenRecountFunc) Mutation {
	return appendFragmentMutation{messageID: messageID, fragment: fragment, recount: recount}
}

func (m appendFragmentMutation) Apply(c *Conversation) error {
	if m.fragment == nil {
		return errors.New("fragment is nil")
	}
	return editMessage(c, m.messageID, func(msg *Message) error {
		msg.Fragments = append(msg.Fragments, m.fragment)
		if err := checkFragmentIDs(msg); err != nil {
			return err
		}
		if m.recount != nil {
			msg.TokenCount = m.recount(msg)
		}
		return nil
	})
}

func (m appendFragmentMutation) Name() string { return "append_fragment" }

type deleteFragmentMutation struct {
	messageID  MessageID
	fragmentID FragmentID
	recount    TokenRecountFunc
}

func MutateDeleteFragment(messageID MessageID, fragmentID FragmentID, recount TokenRecountFunc) Mutation {
	return deleteFragmentMutation{messageID: messageID, fragmentID: fragmentID, recount: recount}
}

func (m deleteFragmentMutation) Apply(c *Conversation) error {
	return editMessage(c, m.messageID, func(msg *Message) error {
		idx := msg.FragmentIndex(m.fragmentID)
		if idx < 0 {
			return errors.Wrapf(ErrFragmentNotFound, "fragment %s in message %s", m.fragmentID, m.messageID)
		}
		msg.Fragments = append(msg.Fragments[:idx:idx], msg.Fragments[idx+1:]...)
		if m.recount != nil {
			msg.TokenCount = m.recount(msg)
		}
		return nil
	})
}

func (m deleteFragmentMutation) Name() string { return "delete_fragment" }

type replaceFragmentsMutation struct {
	messageID MessageID
	fragments []Fragment
	generator *Generator
	recount   TokenRecountFunc
}

// MutateReplaceFragments replaces all fragments of a message, used when a beam
// candidate overwrites an existing answer.
func MutateReplaceFragments(messageID MessageID, fragments []Fragment, generator *Generator, recount TokenRecountFunc) Mutation {
	return replaceFragmentsMutation{messageID: messageID, fragments: fragments, generator: generator, recount: recount}
}

func (m replaceFragmentsMutation) Apply(c *Conversation) error {
	return editMessage(c, m.messageID, func(msg *Message) error {
		msg.Fragments = append(Fragments(nil), m.fragments...)
		if err := checkFragmentIDs(msg); err != nil {
			return err
		}
		if m.generator != nil {
			g := *m.generator
			msg.Generator = &g
		}
		msg.PendingIncomplete = false
		if m.recount != nil {
			msg.TokenCount = m.recount(msg)
		}
		return nil
	})
}

func (m replaceFragmentsMutation) Name() string { return "replace_fragments" }

type replaceHistoryMutation struct {
	messages []*Message
}

func MutateReplaceHistory(messages []*Message) Mutation {
	return replaceHistoryMutation{messages: messages}
}

func (m replaceHistoryMutation) Apply(c *Conversation) error {
	seen := make(map[MessageID]struct{}, len(m.messages))
	for _, msg := range m.messages {
		if msg == nil {
			return errors.New("history contains a nil message")
		}
		if _, ok := seen[msg.ID]; ok {
			return errors.Wrapf(ErrDuplicateMessageID, "message %s", msg.ID)
		}
		seen[msg.ID] = struct{}{}
		if err := checkFragmentIDs(msg); err != nil {
			return err
		}
	}
	c.Messages = append(make([]*Message, 0, len(m.messages)), m.messages...)
	return nil
}

func (m replaceHistoryMutation) Name() string { return "replace_history" }

type truncateToMutation struct {
	messageID MessageID
	offset    int
}

// MutateTruncateTo keeps the messages up to and including the target shifted
// by offset: offset 0 keeps the target, -1 drops it as well.
func MutateTruncateTo(messageID MessageID, offset int) Mutation {
	return truncateToMutation{messageID: messageID, offset: offset}
}

func (m truncateToMutation) Apply(c *Conversation) error {
	idx := c.MessageIndex(m.messageID)
	if idx < 0 {
		return errors.Wrapf(ErrMessageNotFound, "message %s", m.messageID)
	}
	keep := idx + 1 + m.offset
	if keep < 0 {
		keep = 0
	}
	if keep > len(c.Messages) {
		keep = len(c.Messages)
	}
	c.Messages = c.Messages[:keep:keep]
	return nil
}

func (m truncateToMutation) Name() string { return "truncate_to" }

type setUserFlagMutation struct {
	messageID MessageID
	flag      UserFlags
	on        bool
}

func MutateSetUserFlag(messageID MessageID, flag UserFlags, on bool) Mutation {
	return setUserFlagMutation{messageID: messageID, flag: flag, on: on}
}

func (m setUserFlagMutation) Apply(c *Conversation) error {
	return editMessage(c, m.messageID, func(msg *Message) error {
		msg.UserFlags = msg.UserFlags.Set(m.flag, m.on)
		return nil
	})
}

func (m setUserFlagMutation) Name() string { return "set_user_flag" }

type setGeneratorMutation struct {
	messageID MessageID
	generator *Generator
}

func MutateSetGenerator(messageID MessageID, generator *Generator) Mutation {
	return setGeneratorMutation{messageID: messageID, generator: generator}
}

func (m setGeneratorMutation) Apply(c *Conversation) error {
	return editMessage(c, m.messageID, func(msg *Message) error {
		if m.generator == nil {
			msg.Generator = nil
			return nil
		}
		g := *m.generator
		msg.Generator = &g
		return nil
	})
}

func (m setGeneratorMutation) Name() string { return "set_generator" }

type setPendingMutation struct {
	messageID MessageID
	pending   bool
}

func MutateSetPendingIncomplete(messageID MessageID, pending bool) Mutation {
	return setPendingMutation{messageID: messageID, pending: pending}
}

func (m setPendingMutation) Apply(c *Conversation) error {
	return editMessage(c, m.messageID, func(msg *Message) error {
		msg.PendingIncomplete = m.pending
		return nil
	})
}

func (m setPendingMutation) Name() string { return "set_pending_incomplete" }

type ensureSystemMessageMutation struct {
	text    string
	recount TokenRecountFunc
}

// MutateEnsureSystemMessage makes messages[0] a system message with the given
// text, inserting one when the history has none.
func MutateEnsureSystemMessage(text string, recount TokenRecountFunc) Mutation {
	return ensureSystemMessageMutation{text: text, recount: recount}
}

func (m ensureSystemMessageMutation) Apply(c *Conversation) error {
	text := strings.TrimSpace(m.text)
	if text == "" {
		return errors.New("system message text is empty")
	}
	if sys, ok := c.SystemMessage(); ok {
		if sys.Text() == text {
			return nil
		}
		return editMessage(c, sys.ID, func(msg *Message) error {
			msg.Fragments = Fragments{NewTextFragment(text)}
			if m.recount != nil {
				msg.TokenCount = m.recount(msg)
			}
			return nil
		})
	}
	msg := NewTextMessage(RoleSystem, text)
	if m.recount != nil {
		msg.TokenCount = m.recount(msg)
	}
	c.Messages = append([]*Message{msg}, c.Messages...)
	return nil
}

func (m ensureSystemMessageMutation) Name() string { return "ensure_system_message" }

type setTitleMutation struct {
	title string
}

func MutateSetTitle(title string) Mutation {
	return setTitleMutation{title: title}
}

func (m setTitleMutation) Apply(c *Conversation) error {
	c.UserTitle = strings.TrimSpace(m.title)
	return nil
}

func (m setTitleMutation) Name() string { return "set_title" }

type setSystemPurposeMutation struct {
	purposeID string
}

func MutateSetSystemPurpose(purposeID string) Mutation {
	return setSystemPurposeMutation{purposeID: purposeID}
}

func (m setSystemPurposeMutation) Apply(c *Conversation) error {
	c.SystemPurposeID = m.purposeID
	return nil
}

func (m setSystemPurposeMutation) Name() string { return "set_system_purpose" }

// ApplyAll applies mutations in order to c and stops at the first error.
func ApplyAll(c *Conversation, muts ...Mutation) error {
	for _, m := range muts {
		if m == nil {
			return errors.New("mutation is nil")
		}
		if err := m.Apply(c); err != nil {
			return errors.Wrapf(err, "mutation %s failed", m.Name())
		}
	}
	return nil
}
