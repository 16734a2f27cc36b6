// Package backend is the boundary to model backends: the request handed to an
// adapter, the framed byte stream it returns and the categorized errors it
// fails with.
package backend

import (
	"context"
	"encoding/json"
	"io"

	"github.com/go-go-golems/confab/pkg/conversation"
)

// AccessConfig tells an adapter where and how to reach a backend.
type AccessConfig struct {
	Provider string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	APIKey   string            `json:"-" yaml:"-"`
	Headers  map[string]string `json:"-" yaml:"headers,omitempty"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatMessage is the backend-neutral form of a history message.
type ChatMessage struct {
	Role conversation.Role `json:"role"`
	Text string            `json:"text"`
	// CacheBreakpoint asks the backend to cache the prompt up to this message.
	CacheBreakpoint bool     `json:"cacheBreakpoint,omitempty"`
	Images          []string `json:"images,omitempty"`
}

type Request struct {
	Access   AccessConfig     `json:"access"`
	ModelID  string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// Adapter opens the framed response stream for a request: zero or more JSON
// preamble objects followed by raw text until EOF. Failures are returned as
// *Error.
type Adapter interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// imageCollector gathers the image references of a message.
type imageCollector struct {
	urls []string
}

func (b *imageCollector) VisitText(*conversation.TextFragment) {}

func (b *imageCollector) VisitPlaceholder(*conversation.PlaceholderFragment) {}

// reasoning stays on our side
func (b *imageCollector) VisitModelAux(*conversation.ModelAuxFragment) {}

func (b *imageCollector) VisitAnnotations(*conversation.AnnotationsFragment) {}

func (b *imageCollector) VisitImageRef(f *conversation.ImageRefFragment) {
	b.urls = append(b.urls, f.URL)
}

// MessagesFromHistory converts history into backend messages. Messages still
// being generated are skipped.
func MessagesFromHistory(history []*conversation.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m == nil || m.PendingIncomplete {
			continue
		}
		images := &imageCollector{}
		for _, f := range m.Fragments {
			f.Accept(images)
		}
		out = append(out, ChatMessage{
			Role:            m.Role,
			Text:            m.Text(),
			CacheBreakpoint: m.UserFlags.Has(conversation.FlagCacheAuto) || m.UserFlags.Has(conversation.FlagCacheUser),
			Images:          images.urls,
		})
	}
	return out
}
