package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const yamlDocumentVersion = 1

type yamlDocument struct {
	Version       int                          `yaml:"version"`
	Conversations []*conversation.Conversation `yaml:"conversations"`
}

// YAMLFilePersister keeps all conversations in one YAML document.
type YAMLFilePersister struct {
	mu     sync.Mutex
	path   string
	closed bool
}

func NewYAMLFilePersister(path string) (*YAMLFilePersister, error) {
	if path == "" {
		return nil, errors.New("yaml persister path is required")
	}
	return &YAMLFilePersister{path: path}, nil
}

func (p *YAMLFilePersister) LoadConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*conversation.Conversation{}, nil
		}
		return nil, err
	}
	var doc yamlDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrapf(err, "could not parse %s", p.path)
	}
	if doc.Version > yamlDocumentVersion {
		return nil, errors.Errorf("%s: unsupported document version %d", p.path, doc.Version)
	}
	if doc.Conversations == nil {
		doc.Conversations = []*conversation.Conversation{}
	}
	return doc.Conversations, nil
}

func (p *YAMLFilePersister) SaveConversations(ctx context.Context, convs []*conversation.Conversation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpen(); err != nil {
		return err
	}

	b, err := yaml.Marshal(yamlDocument{Version: yamlDocumentVersion, Conversations: convs})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmpPath := p.path + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, p.path)
}

func (p *YAMLFilePersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *YAMLFilePersister) ensureOpen() error {
	if p.closed {
		return errors.New("yaml persister closed")
	}
	return nil
}

var _ Persister = (*YAMLFilePersister)(nil)
