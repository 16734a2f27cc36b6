package store

import (
	"context"

	"github.com/go-go-golems/confab/pkg/conversation"
)

// Persister saves and loads the full conversation list. Transient state such
// as abort handles is never written; loaded conversations come back without it.
type Persister interface {
	LoadConversations(ctx context.Context) ([]*conversation.Conversation, error)
	SaveConversations(ctx context.Context, convs []*conversation.Conversation) error
	Close() error
}
