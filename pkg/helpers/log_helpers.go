package helpers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
)

// WatermillZerologAdapter routes watermill logs through zerolog.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(fields).Err(err).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	// watermill is chatty at info
	w.logger.Debug().Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.logger.With().Fields(fields).Logger()
	return &WatermillZerologAdapter{logger: l}
}

func NewWatermill(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

const ConversationIDMetadataKey = "conversation_id"

type conversationIDKeyType string

const conversationIDKey conversationIDKeyType = "conversation_id"

func ContextWithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey, conversationID)
}

func ConversationIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(conversationIDKey).(string)
	return v, ok && v != ""
}

// ConversationPublisherDecorator stamps outgoing messages with the
// conversation id found in their context, unless one is already set.
type ConversationPublisherDecorator struct {
	message.Publisher
}

func (c ConversationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for i := range messages {
		if messages[i].Metadata.Get(ConversationIDMetadataKey) != "" {
			continue
		}
		if id, ok := ConversationIDFromContext(messages[i].Context()); ok {
			messages[i].Metadata.Set(ConversationIDMetadataKey, id)
		}
	}
	return c.Publisher.Publish(topic, messages...)
}
