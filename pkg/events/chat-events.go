package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart is published once when a generation begins reading
	// from the generator.
	EventTypeStart EventType = "start"
	// EventTypePartial carries one incremental text chunk.
	EventTypePartial EventType = "partial"
	// EventTypeFinal is the terminal event of a successful generation; no
	// further events are published for that generation after it.
	EventTypeFinal EventType = "final"
	// EventTypeError ends a generation that failed mid-stream. A failed
	// generation never produces a final event.
	EventTypeError EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata correlates an event with the generation that produced it.
// MessageID is the placeholder reply row being filled in.
type EventMetadata struct {
	GenerationID   uuid.UUID `json:"generation_id"`
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	Model          string    `json:"model,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("generation_id", em.GenerationID.String())
	e.Int64("conversation_id", em.ConversationID)
	e.Int64("message_id", em.MessageID)
	if em.Model != "" {
		e.Str("model", em.Model)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON the event was decoded from, if any (see NewEventFromJSON)
	payload []byte
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

// SetPayload stores the raw JSON the event was decoded from.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventGenerationStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventGenerationStart {
	return &EventGenerationStart{
		EventImpl: EventImpl{
			Type_:     EventTypeStart,
			Metadata_: metadata,
		},
	}
}

var _ Event = &EventGenerationStart{}

// EventPartial is one incremental text chunk. Completion is the accumulated
// text so far, so a late consumer can catch up from any single event.
type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(metadata EventMetadata, delta string, completion string) *EventPartial {
	return &EventPartial{
		EventImpl: EventImpl{
			Type_:     EventTypePartial,
			Metadata_: metadata,
		},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartial{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{
			Type_:     EventTypeFinal,
			Metadata_: metadata,
		},
		Text: text,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl: EventImpl{
			Type_:     EventTypeError,
			Metadata_: metadata,
		},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

func (e EventGenerationStart) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
}

func (e EventPartial) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

// NewEventFromJSON decodes a serialized event back into its typed form.
func NewEventFromJSON(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	switch hdr.Type {
	case EventTypeStart:
		return decodeEvent[EventGenerationStart](b)
	case EventTypePartial:
		return decodeEvent[EventPartial](b)
	case EventTypeFinal:
		return decodeEvent[EventFinal](b)
	case EventTypeError:
		return decodeEvent[EventError](b)
	default:
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}
}

type payloadSetter interface {
	Event
	SetPayload([]byte)
}

func decodeEvent[T any, PT interface {
	*T
	payloadSetter
}](b []byte) (Event, error) {
	e := PT(new(T))
	if err := json.Unmarshal(b, e); err != nil {
		return nil, err
	}
	e.SetPayload(b)
	return e, nil
}
