package conversation

import (
	"strings"
	"time"

	"github.com/go-go-golems/confab/pkg/tokens"
	"github.com/google/uuid"
)

type MessageID string

func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

type GeneratorKind string

const (
	// GeneratorNamed is a message produced by something other than a model call,
	// such as a persona or a tool.
	GeneratorNamed GeneratorKind = "named"
	GeneratorModel GeneratorKind = "model"
)

// Generator records what produced an assistant message.
type Generator struct {
	Kind     GeneratorKind `json:"kind" yaml:"kind"`
	Name     string        `json:"name" yaml:"name"`
	ModelID  string        `json:"modelId,omitempty" yaml:"modelId,omitempty"`
	Provider string        `json:"provider,omitempty" yaml:"provider,omitempty"`
}

func ModelGenerator(modelID string) *Generator {
	return &Generator{Kind: GeneratorModel, Name: modelID, ModelID: modelID}
}

// Message is a single chat message made of ordered fragments.
//
// Messages held by a store are shared between snapshots and must not be
// modified in place. Mutations work on a copy (see Message.Copy).
type Message struct {
	ID        MessageID  `json:"id" yaml:"id"`
	Role      Role       `json:"role" yaml:"role"`
	Fragments Fragments  `json:"fragments" yaml:"fragments"`
	Generator *Generator `json:"generator,omitempty" yaml:"generator,omitempty"`
	// PendingIncomplete is set while a generation is still writing into the message.
	PendingIncomplete bool      `json:"pendingIncomplete,omitempty" yaml:"pendingIncomplete,omitempty"`
	UserFlags         UserFlags `json:"userFlags" yaml:"userFlags"`
	// TokenCount caches the token count of Fragments, see ComputeTokenCount.
	TokenCount int        `json:"tokenCount" yaml:"tokenCount"`
	Created    time.Time  `json:"created" yaml:"created"`
	Updated    *time.Time `json:"updated,omitempty" yaml:"updated,omitempty"`
}

type MessageOption func(*Message)

func WithMessageID(id MessageID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithGenerator(g *Generator) MessageOption {
	return func(m *Message) {
		m.Generator = g
	}
}

func WithUserFlags(flags UserFlags) MessageOption {
	return func(m *Message) {
		m.UserFlags = flags
	}
}

func WithCreated(t time.Time) MessageOption {
	return func(m *Message) {
		m.Created = t
	}
}

func WithPendingIncomplete() MessageOption {
	return func(m *Message) {
		m.PendingIncomplete = true
	}
}

func NewMessage(role Role, fragments []Fragment, options ...MessageOption) *Message {
	ret := &Message{
		ID:        NewMessageID(),
		Role:      role,
		Fragments: append(Fragments(nil), fragments...),
		Created:   time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func NewTextMessage(role Role, text string, options ...MessageOption) *Message {
	return NewMessage(role, []Fragment{NewTextFragment(text)}, options...)
}

// Copy returns a shallow copy with its own fragment slice. Fragments themselves
// are immutable and shared.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Fragments = append(Fragments(nil), m.Fragments...)
	if m.Generator != nil {
		g := *m.Generator
		cp.Generator = &g
	}
	if m.Updated != nil {
		t := *m.Updated
		cp.Updated = &t
	}
	return &cp
}

// Text concatenates the text fragments of the message.
func (m *Message) Text() string {
	parts := make([]string, 0, len(m.Fragments))
	for _, f := range m.Fragments {
		if t := FragmentText(f); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (m *Message) FragmentIndex(id FragmentID) int {
	for i, f := range m.Fragments {
		if f.FragmentID() == id {
			return i
		}
	}
	return -1
}

func (m *Message) HasPlaceholder() bool {
	for _, f := range m.Fragments {
		if IsPlaceholder(f) {
			return true
		}
	}
	return false
}

func (m *Message) touch() {
	now := time.Now()
	m.Updated = &now
}

type tokenCountVisitor struct {
	counter tokens.Counter
	modelID string
	total   int
}

func (v *tokenCountVisitor) VisitText(f *TextFragment) {
	v.total += v.counter.Count(f.Text, v.modelID)
}

func (v *tokenCountVisitor) VisitPlaceholder(*PlaceholderFragment) {}

func (v *tokenCountVisitor) VisitModelAux(f *ModelAuxFragment) {
	v.total += v.counter.Count(f.Text, v.modelID)
}

func (v *tokenCountVisitor) VisitAnnotations(*AnnotationsFragment) {}

func (v *tokenCountVisitor) VisitImageRef(f *ImageRefFragment) {
	v.total += tokens.EstimateImageTokens(f.Width, f.Height)
}

// ComputeTokenCount counts the tokens of the message fragments. It does not
// update TokenCount.
func (m *Message) ComputeTokenCount(counter tokens.Counter, modelID string) int {
	if counter == nil {
		return m.TokenCount
	}
	v := &tokenCountVisitor{counter: counter, modelID: modelID}
	for _, f := range m.Fragments {
		f.Accept(v)
	}
	return v.total
}
