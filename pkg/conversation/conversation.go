// Package conversation holds the persisted chat records: conversations,
// messages and their fragments, and the mutations that change them.
//
// Records are shared between store snapshots. Everything that changes a
// conversation goes through a Mutation applied to a private copy (see
// Conversation.Copy), so readers of an older snapshot never observe a partial
// change.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ConversationID string

func NewConversationID() ConversationID {
	return ConversationID(uuid.NewString())
}

const (
	// PerMessageTokenOverhead is added for every message when summing a history.
	PerMessageTokenOverhead = 4
	// ConversationTokenPriming is added once for a non-empty history.
	ConversationTokenPriming = 3
)

// AbortHandle cancels one in-flight generation.
type AbortHandle struct {
	ID     string
	once   sync.Once
	cancel context.CancelFunc
}

func NewAbortHandle(cancel context.CancelFunc) *AbortHandle {
	return &AbortHandle{ID: uuid.NewString(), cancel: cancel}
}

// Abort cancels the generation. It is safe to call multiple times.
func (h *AbortHandle) Abort() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
	})
}

type Conversation struct {
	ID              ConversationID `json:"id" yaml:"id"`
	Messages        []*Message     `json:"messages" yaml:"messages"`
	SystemPurposeID string         `json:"systemPurposeId" yaml:"systemPurposeId"`
	UserTitle       string         `json:"userTitle,omitempty" yaml:"userTitle,omitempty"`
	TokenCount      int            `json:"tokenCount" yaml:"tokenCount"`
	Created         time.Time      `json:"created" yaml:"created"`
	Updated         *time.Time     `json:"updated,omitempty" yaml:"updated,omitempty"`

	// transient, never serialized
	abortHandle *AbortHandle
}

func NewConversation(systemPurposeID string) *Conversation {
	return &Conversation{
		ID:              NewConversationID(),
		Messages:        []*Message{},
		SystemPurposeID: systemPurposeID,
		Created:         time.Now(),
	}
}

// Copy returns a shallow copy with its own message slice. Messages are shared
// and must be copied before being changed.
func (c *Conversation) Copy() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = append([]*Message(nil), c.Messages...)
	if c.Updated != nil {
		t := *c.Updated
		cp.Updated = &t
	}
	return &cp
}

func (c *Conversation) AbortHandle() *AbortHandle {
	return c.abortHandle
}

// SetAbortHandle replaces the transient abort handle. Callers enforce the
// single-flight rule (see store.Store.SetAbortHandle).
func (c *Conversation) SetAbortHandle(h *AbortHandle) {
	c.abortHandle = h
}

func (c *Conversation) MessageIndex(id MessageID) int {
	for i, m := range c.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) Message(id MessageID) (*Message, bool) {
	idx := c.MessageIndex(id)
	if idx < 0 {
		return nil, false
	}
	return c.Messages[idx], true
}

func (c *Conversation) SystemMessage() (*Message, bool) {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return c.Messages[0], true
	}
	return nil, false
}

func (c *Conversation) Touch() {
	now := time.Now()
	c.Updated = &now
}

// RecomputeTokenCount refreshes the cached conversation total from the cached
// message counts.
func (c *Conversation) RecomputeTokenCount() {
	c.TokenCount = TotalTokens(c.Messages)
}

// TotalTokens sums cached message token counts plus per-message overhead.
func TotalTokens(messages []*Message) int {
	if len(messages) == 0 {
		return 0
	}
	total := ConversationTokenPriming
	for _, m := range messages {
		total += m.TokenCount + PerMessageTokenOverhead
	}
	return total
}

const InterruptedText = "[interrupted]"

// SanitizeLoaded fixes up a conversation read back from persistence: leftover
// placeholders become text, pending flags are cleared and transient state is
// reset.
func SanitizeLoaded(c *Conversation) *Conversation {
	if c == nil {
		return nil
	}
	out := c.Copy()
	out.abortHandle = nil
	if out.Messages == nil {
		out.Messages = []*Message{}
	}
	for i, m := range out.Messages {
		if !m.PendingIncomplete && !m.HasPlaceholder() {
			continue
		}
		cp := m.Copy()
		for j, f := range cp.Fragments {
			if p, ok := f.(*PlaceholderFragment); ok {
				text := InterruptedText
				if p.Text != "" && p.Text != "..." {
					text = p.Text + " " + InterruptedText
				}
				cp.Fragments[j] = &TextFragment{ID: p.ID, Text: text}
			}
		}
		cp.PendingIncomplete = false
		out.Messages[i] = cp
	}
	return out
}
