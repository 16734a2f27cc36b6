package backend

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-go-golems/confab/pkg/conversation"
)

// FixtureResponse is a canned backend answer.
type FixtureResponse struct {
	// Body is the full framed stream, preambles included.
	Body string
	// Err fails the request before any byte is streamed.
	Err error
	// ChunkSize overrides the adapter chunk size.
	ChunkSize int
	// HoldAfter blocks the stream after that many bytes until the request is
	// cancelled. Zero disables it.
	HoldAfter int
	// ReadErr is returned once the body is exhausted instead of EOF.
	ReadErr error
}

// FixtureAdapter replays canned responses per model id. Models without a
// fixture get an echo of the last user message, framed like a real backend.
type FixtureAdapter struct {
	mu        sync.Mutex
	responses map[string]FixtureResponse
	chunkSize int
	delay     time.Duration
	requests  []Request
}

type FixtureOption func(*FixtureAdapter)

func WithFixture(modelID string, r FixtureResponse) FixtureOption {
	return func(a *FixtureAdapter) {
		a.responses[modelID] = r
	}
}

func WithChunkSize(n int) FixtureOption {
	return func(a *FixtureAdapter) {
		a.chunkSize = n
	}
}

// WithChunkDelay sleeps between chunks, to make streaming visible.
func WithChunkDelay(d time.Duration) FixtureOption {
	return func(a *FixtureAdapter) {
		a.delay = d
	}
}

func NewFixtureAdapter(options ...FixtureOption) *FixtureAdapter {
	a := &FixtureAdapter{
		responses: map[string]FixtureResponse{},
		chunkSize: 16,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// FramedBody builds a stream body with the start and model preambles.
func FramedBody(modelID string, text string) string {
	return fmt.Sprintf(`{"type":"start"}{"model":%q}%s`, modelID, text)
}

// Requests returns the requests seen so far.
func (a *FixtureAdapter) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.requests...)
}

func (a *FixtureAdapter) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	r, ok := a.responses[req.ModelID]
	chunkSize := a.chunkSize
	delay := a.delay
	a.mu.Unlock()

	if !ok {
		r = FixtureResponse{Body: FramedBody(req.ModelID, echoText(req.Messages))}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, NewAbortError(err)
	}
	if r.ChunkSize > 0 {
		chunkSize = r.ChunkSize
	}
	return &chunkReader{
		ctx:       ctx,
		data:      []byte(r.Body),
		chunkSize: chunkSize,
		delay:     delay,
		holdAfter: r.HoldAfter,
		readErr:   r.ReadErr,
	}, nil
}

func echoText(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleUser {
			return "You said: " + msgs[i].Text
		}
	}
	return "Hello."
}

// chunkReader hands out data in fixed-size reads and honors cancellation.
type chunkReader struct {
	ctx       context.Context
	data      []byte
	pos       int
	chunkSize int
	delay     time.Duration
	holdAfter int
	readErr   error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, NewAbortError(err)
	}
	if c.holdAfter > 0 && c.pos >= c.holdAfter {
		<-c.ctx.Done()
		return 0, NewAbortError(c.ctx.Err())
	}
	if c.pos >= len(c.data) {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	if c.delay > 0 && c.pos > 0 {
		select {
		case <-time.After(c.delay):
		case <-c.ctx.Done():
			return 0, NewAbortError(c.ctx.Err())
		}
	}

	n := c.chunkSize
	if n <= 0 || n > len(p) {
		n = len(p)
	}
	end := c.pos + n
	if c.holdAfter > 0 && end > c.holdAfter {
		end = c.holdAfter
	}
	if end > len(c.data) {
		end = len(c.data)
	}
	copied := copy(p, c.data[c.pos:end])
	c.pos += copied
	return copied, nil
}

func (c *chunkReader) Close() error {
	return nil
}

var _ Adapter = (*FixtureAdapter)(nil)
