package handler

import (
	"context"
	"fmt"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/stream"
	"github.com/rs/zerolog/log"
)

const placeholderText = "..."

type GenerateOptions struct {
	// ModelID overrides the handler default model.
	ModelID string
	Tools   []backend.ToolDefinition
	// ShowProgress narrates the generation in an ephemeral of the overlay.
	ShowProgress bool
	// OnUpdate receives every decoder update.
	OnUpdate func(stream.Update)
}

// GenerateResult describes the assistant message written by Generate.
type GenerateResult struct {
	MessageID conversation.MessageID
	Text      string
	OriginLLM string
	Aborted   bool
	// Err is the terminal stream error. Its explanation has already been
	// written into the message.
	Err error
}

// Generate runs one assistant turn on the current history. It installs an
// abort handle, appends a placeholder message and replaces its content with
// the cumulative text as it streams. The placeholder always ends up as text:
// the answer, the partial answer on cancel, or an explanation on failure.
//
// The returned error only reports that the turn could not start.
func (h *Handler) Generate(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	modelID := opts.ModelID
	if modelID == "" {
		modelID = h.modelID
	}
	if err := backend.ValidateTools(opts.Tools); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ah := conversation.NewAbortHandle(cancel)
	if err := h.SetAbortHandle(ah); err != nil {
		return nil, err
	}
	defer h.store.ClearAbortHandle(h.id, ah)

	if h.cachePolicy.Enabled {
		if err := h.ApplyAutoCacheBreakpoints(); err != nil {
			return nil, err
		}
	}

	history := h.HistoryView()
	req := h.requestBuilder(modelID, history)
	req.Tools = opts.Tools

	msgID, fragID, err := h.MessageAppendPlaceholder(placeholderText, conversation.ModelGenerator(modelID))
	if err != nil {
		return nil, err
	}

	logger := log.With().
		Str("conversation_id", string(h.id)).
		Str("message_id", string(msgID)).
		Str("model", modelID).
		Logger()
	meta := events.NewMetadata(string(h.id), string(msgID)).WithModel(modelID)

	var progress *EphemeralHandler
	if opts.ShowProgress {
		progress = h.CreateEphemeralHandler("Generating", fmt.Sprintf("Waiting for %s", modelID))
	}

	h.emit(ctx, events.NewStartEvent(meta))
	logger.Debug().Msg("generation started")

	final := h.streamer.Generate(ctx, req, func(u stream.Update) {
		if opts.OnUpdate != nil {
			opts.OnUpdate(u)
		}
		if u.Done || u.TextSoFar == "" {
			return
		}
		// the fragment keeps the placeholder id so later updates find it
		f := &conversation.TextFragment{ID: fragID, Text: u.TextSoFar}
		if err := h.MessageFragmentReplace(msgID, fragID, f, false); err != nil {
			logger.Warn().Err(err).Msg("could not write streamed text")
			return
		}
		if progress != nil {
			progress.UpdateText(fmt.Sprintf("%d characters received", len(u.TextSoFar)))
		}
		h.emit(ctx, events.NewPartialCompletionEvent(meta, u.TextSoFar))
	})

	res := &GenerateResult{
		MessageID: msgID,
		OriginLLM: final.OriginLLM,
		Aborted:   final.Aborted,
		Err:       final.Err,
	}
	res.Text = finalText(final)
	if final.OriginLLM != "" {
		meta = meta.WithModel(final.OriginLLM)
	}

	muts := []conversation.Mutation{
		conversation.MutateReplaceFragment(msgID, fragID, &conversation.TextFragment{ID: fragID, Text: res.Text}, true, h.recountFunc()),
	}
	if final.OriginLLM != "" && final.OriginLLM != modelID {
		muts = append(muts, conversation.MutateSetGenerator(msgID, conversation.ModelGenerator(final.OriginLLM)))
	}
	if err := h.apply(muts...); err != nil {
		// the conversation was deleted or truncated while streaming
		logger.Warn().Err(err).Msg("could not finalize generated message")
	}

	switch {
	case final.Aborted:
		h.emit(ctx, events.NewInterruptEvent(meta, res.Text))
		logger.Debug().Msg("generation interrupted")
	case final.Err != nil:
		kind := string(backend.KindOf(final.Err))
		if stream.IsModerationFailure(final.Err) {
			kind = "moderation"
		}
		h.emit(ctx, events.NewErrorEvent(meta, kind, final.Err))
		logger.Warn().Err(final.Err).Str("kind", kind).Msg("generation failed")
	default:
		h.emit(ctx, events.NewFinalEvent(meta, res.Text))
		logger.Debug().Int("length", len(res.Text)).Msg("generation finished")
	}

	if progress != nil {
		progress.MarkAsDone()
		progress.DeleteIfNotPinned()
	}
	return res, nil
}

// finalText is what replaces the placeholder once the stream ended.
func finalText(u stream.Update) string {
	switch {
	case u.Aborted:
		if u.TextSoFar == "" {
			return conversation.InterruptedText
		}
		return u.TextSoFar
	case u.Err != nil:
		if stream.IsModerationFailure(u.Err) {
			return u.TextSoFar
		}
		if u.TextSoFar == "" {
			return backend.Explain(u.Err)
		}
		return u.TextSoFar + "\n\n" + backend.Explain(u.Err)
	case u.TextSoFar == "":
		return "The model returned an empty answer."
	default:
		return u.TextSoFar
	}
}
