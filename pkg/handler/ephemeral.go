package handler

import (
	"github.com/go-go-golems/confab/pkg/overlay"
	"github.com/rs/zerolog/log"
)

// EphemeralHandler is a scoped handle on one ephemeral of the overlay. Callers
// finish with MarkAsDone then DeleteIfNotPinned, otherwise the ephemeral stays
// visible as in progress.
type EphemeralHandler struct {
	id      overlay.EphemeralID
	overlay *overlay.Store
}

func (h *Handler) CreateEphemeralHandler(title, initialText string) *EphemeralHandler {
	return &EphemeralHandler{
		id:      h.overlay.EphemeralAppend(title, initialText),
		overlay: h.overlay,
	}
}

func (e *EphemeralHandler) ID() overlay.EphemeralID {
	return e.id
}

// UpdateText does nothing once the ephemeral is gone.
func (e *EphemeralHandler) UpdateText(text string) {
	if err := e.overlay.EphemeralUpdateText(e.id, text); err != nil {
		log.Debug().Err(err).Str("ephemeral_id", string(e.id)).Msg("ephemeral text not updated")
	}
}

func (e *EphemeralHandler) UpdateState(state map[string]interface{}) {
	if err := e.overlay.EphemeralUpdateState(e.id, state); err != nil {
		log.Debug().Err(err).Str("ephemeral_id", string(e.id)).Msg("ephemeral state not updated")
	}
}

func (e *EphemeralHandler) MarkAsDone() {
	if err := e.overlay.EphemeralMarkDone(e.id); err != nil {
		log.Debug().Err(err).Str("ephemeral_id", string(e.id)).Msg("ephemeral not marked done")
	}
}

// DeleteIfNotPinned removes the ephemeral unless the user pinned it, and
// reports whether it was removed.
func (e *EphemeralHandler) DeleteIfNotPinned() bool {
	return e.overlay.EphemeralDeleteIfNotPinned(e.id)
}
