package stream

import (
	"context"
	"fmt"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/moderation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrModerationRejected marks the final update of a generation whose
	// prompt was flagged by the precheck.
	ErrModerationRejected = errors.New("prompt rejected by moderation")
	ErrPrecheckFailed     = errors.New("moderation precheck failed")
)

// PrecheckError wraps the failure of the moderation request itself.
type PrecheckError struct {
	Err error
}

func (e *PrecheckError) Error() string {
	return fmt.Sprintf("moderation precheck failed: %v", e.Err)
}

func (e *PrecheckError) Unwrap() error {
	return e.Err
}

func (e *PrecheckError) Is(target error) bool {
	return target == ErrPrecheckFailed
}

// Generator runs one generation: the optional moderation precheck, then the
// backend stream through a Decoder.
type Generator struct {
	Backend   backend.Adapter
	Moderator moderation.Moderator
}

// Generate never returns an error: every failure ends up in the final update,
// which is also delivered to fn.
func (g *Generator) Generate(ctx context.Context, req backend.Request, fn func(Update)) Update {
	if fn == nil {
		fn = func(Update) {}
	}
	final := func(u Update) Update {
		u.Done = true
		fn(u)
		return u
	}

	if g.Moderator != nil {
		if text := lastUserText(req.Messages); text != "" {
			verdict, err := g.Moderator.Check(ctx, text)
			if err != nil {
				if ctx.Err() != nil {
					return final(Update{Aborted: true})
				}
				log.Warn().Err(err).Str("model", req.ModelID).Msg("moderation precheck failed")
				return final(Update{
					TextSoFar: fmt.Sprintf("The moderation check could not be completed: %v", err),
					Err:       &PrecheckError{Err: err},
				})
			}
			if verdict.Flagged {
				return final(Update{
					TextSoFar: verdict.Explanation(),
					Err:       errors.Wrapf(ErrModerationRejected, "categories %v", verdict.Categories),
				})
			}
		}
	}

	if g.Backend == nil {
		return final(Update{Err: backend.NewConnectionError(errors.New("no backend configured"))})
	}

	body, err := g.Backend.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil || backend.IsAbort(err) {
			return final(Update{Aborted: true})
		}
		log.Debug().Err(err).Str("model", req.ModelID).Msg("backend stream failed to open")
		return final(Update{Err: err})
	}
	defer func() {
		_ = body.Close()
	}()

	return Decode(ctx, body, fn)
}

func lastUserText(msgs []backend.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleUser {
			return msgs[i].Text
		}
	}
	return ""
}

// IsModerationFailure reports whether the final update was produced by the
// precheck rather than the backend.
func IsModerationFailure(err error) bool {
	return errors.Is(err, ErrModerationRejected) || errors.Is(err, ErrPrecheckFailed)
}

// Streamer runs one generation. *Generator is the production implementation.
type Streamer interface {
	Generate(ctx context.Context, req backend.Request, fn func(Update)) Update
}

var _ Streamer = (*Generator)(nil)
