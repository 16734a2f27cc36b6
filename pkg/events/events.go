package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	EventTypeInterrupt         EventType = "interrupt"

	EventTypeBeamOpen   EventType = "beam-open"
	EventTypeBeamRay    EventType = "beam-ray"
	EventTypeBeamMerged EventType = "beam-merged"
	EventTypeBeamClosed EventType = "beam-closed"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata identifies what an event is about.
type EventMetadata struct {
	ID             uuid.UUID `json:"event_id" yaml:"event_id"`
	ConversationID string    `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	RayID          string    `json:"ray_id,omitempty" yaml:"ray_id,omitempty"`
	Model          string    `json:"model,omitempty" yaml:"model,omitempty"`
}

func NewMetadata(conversationID, messageID string) EventMetadata {
	return EventMetadata{ID: uuid.New(), ConversationID: conversationID, MessageID: messageID}
}

func (em EventMetadata) WithModel(model string) EventMetadata {
	em.Model = model
	return em
}

func (em EventMetadata) WithRay(rayID string) EventMetadata {
	em.RayID = rayID
	return em
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.RayID != "" {
		e.Str("ray_id", em.RayID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

func newImpl(t EventType, metadata EventMetadata) EventImpl {
	return EventImpl{Type_: t, Metadata_: metadata}
}

// EventStart is published when a generation starts streaming.
type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{EventImpl: newImpl(EventTypeStart, metadata)}
}

// EventPartialCompletion carries the cumulative text so far.
type EventPartialCompletion struct {
	EventImpl
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{EventImpl: newImpl(EventTypePartialCompletion, metadata), Completion: completion}
}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{EventImpl: newImpl(EventTypeFinal, metadata), Text: text}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	// Kind is the backend error category, or "moderation".
	Kind string `json:"kind,omitempty"`
}

func NewErrorEvent(metadata EventMetadata, kind string, err error) *EventError {
	s := ""
	if err != nil {
		s = err.Error()
	}
	return &EventError{EventImpl: newImpl(EventTypeError, metadata), ErrorString: s, Kind: kind}
}

// EventInterrupt is published when a generation is cancelled, with the
// partial text that was kept.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{EventImpl: newImpl(EventTypeInterrupt, metadata), Text: text}
}

type EventBeamOpen struct {
	EventImpl
	HistoryLength int `json:"history_length"`
}

func NewBeamOpenEvent(metadata EventMetadata, historyLength int) *EventBeamOpen {
	return &EventBeamOpen{EventImpl: newImpl(EventTypeBeamOpen, metadata), HistoryLength: historyLength}
}

// EventBeamRay reports a ray status change.
type EventBeamRay struct {
	EventImpl
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewBeamRayEvent(metadata EventMetadata, status string, text string, errText string) *EventBeamRay {
	return &EventBeamRay{EventImpl: newImpl(EventTypeBeamRay, metadata), Status: status, Text: text, Error: errText}
}

type EventBeamMerged struct {
	EventImpl
	Text string `json:"text"`
}

func NewBeamMergedEvent(metadata EventMetadata, text string) *EventBeamMerged {
	return &EventBeamMerged{EventImpl: newImpl(EventTypeBeamMerged, metadata), Text: text}
}

type EventBeamClosed struct {
	EventImpl
	Reason string `json:"reason"`
}

func NewBeamClosedEvent(metadata EventMetadata, reason string) *EventBeamClosed {
	return &EventBeamClosed{EventImpl: newImpl(EventTypeBeamClosed, metadata), Reason: reason}
}

var (
	_ Event = &EventStart{}
	_ Event = &EventPartialCompletion{}
	_ Event = &EventFinal{}
	_ Event = &EventError{}
	_ Event = &EventInterrupt{}
	_ Event = &EventBeamOpen{}
	_ Event = &EventBeamRay{}
	_ Event = &EventBeamMerged{}
	_ Event = &EventBeamClosed{}
)

// NewEventFromJson decodes a published event back into its concrete type.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event")
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		return decodeTyped[EventStart](b)
	case EventTypePartialCompletion:
		return decodeTyped[EventPartialCompletion](b)
	case EventTypeFinal:
		return decodeTyped[EventFinal](b)
	case EventTypeError:
		return decodeTyped[EventError](b)
	case EventTypeInterrupt:
		return decodeTyped[EventInterrupt](b)
	case EventTypeBeamOpen:
		return decodeTyped[EventBeamOpen](b)
	case EventTypeBeamRay:
		return decodeTyped[EventBeamRay](b)
	case EventTypeBeamMerged:
		return decodeTyped[EventBeamMerged](b)
	case EventTypeBeamClosed:
		return decodeTyped[EventBeamClosed](b)
	}
	return e, fmt.Errorf("unknown event type: %s", e.Type_)
}

// payloadSetter is implemented by every event through the embedded EventImpl.
type payloadSetter interface {
	Event
	SetPayload([]byte)
}

func decodeTyped[T any, PT interface {
	*T
	payloadSetter
}](b []byte) (Event, error) {
	ret := PT(new(T))
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, fmt.Errorf("could not decode %T: %w", ret, err)
	}
	ret.SetPayload(b)
	return ret, nil
}
