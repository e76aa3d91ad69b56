// Package wire defines the typed envelope protocol spoken over the real-time
// channel. Every frame is a {type, data} envelope; each recognized type maps
// to exactly one event struct so that nothing past the transport boundary
// dispatches on strings.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/model"
)

// Type tags an envelope on the wire.
type Type string

const (
	TypeMessageNew  Type = "message.new"
	TypeJobUpdate   Type = "job.update"
	TypeStreamStart Type = "message.stream.start"
	TypeStreamToken Type = "message.stream.token"
	TypeStreamChunk Type = "message.stream.chunk"
	TypeStreamEnd   Type = "message.stream.end"
)

// ErrUnknownType is returned by Decode for envelope types this protocol
// version does not recognize. Callers drop such frames.
var ErrUnknownType = errors.New("wire: unknown envelope type")

// Event is the closed set of inbound real-time events.
type Event interface {
	EventType() Type
	isWireEvent()
}

// MessageNew announces a newly persisted message, including user echoes.
type MessageNew struct {
	Message model.Message `json:"message"`
}

// JobUpdate reports progress of an async server-side job.
type JobUpdate struct {
	JobID          string `json:"job_id"`
	ConversationID int64  `json:"conversation_id"`
	Status         string `json:"status"`
}

// StreamStart opens a stream session for an assistant message.
type StreamStart struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
}

// StreamToken appends a single token to an in-flight message.
type StreamToken struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	Token          string `json:"token"`
}

// StreamChunk appends a larger piece of text to an in-flight message.
type StreamChunk struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	Chunk          string `json:"chunk"`
}

// StreamEnd closes a stream session and carries the final content blocks.
type StreamEnd struct {
	ConversationID int64         `json:"conversation_id"`
	MessageID      int64         `json:"message_id"`
	Blocks         []model.Block `json:"blocks"`
}

func (MessageNew) EventType() Type  { return TypeMessageNew }
func (JobUpdate) EventType() Type   { return TypeJobUpdate }
func (StreamStart) EventType() Type { return TypeStreamStart }
func (StreamToken) EventType() Type { return TypeStreamToken }
func (StreamChunk) EventType() Type { return TypeStreamChunk }
func (StreamEnd) EventType() Type   { return TypeStreamEnd }

func (MessageNew) isWireEvent()  {}
func (JobUpdate) isWireEvent()   {}
func (StreamStart) isWireEvent() {}
func (StreamToken) isWireEvent() {}
func (StreamChunk) isWireEvent() {}
func (StreamEnd) isWireEvent()   {}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a raw frame into its typed event. Unknown types yield
// ErrUnknownType; malformed payloads yield a wrapped decode error.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "wire: decode envelope")
	}

	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeMessageNew:
		var e MessageNew
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeJobUpdate:
		var e JobUpdate
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeStreamStart:
		var e StreamStart
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeStreamToken:
		var e StreamToken
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeStreamChunk:
		var e StreamChunk
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeStreamEnd:
		var e StreamEnd
		err = json.Unmarshal(env.Data, &e)
		ev = e
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", env.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "wire: decode %s payload", env.Type)
	}
	return ev, nil
}

// Encode wraps a typed event back into its {type, data} envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "wire: encode %s payload", ev.EventType())
	}
	raw, err := json.Marshal(envelope{Type: ev.EventType(), Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "wire: encode %s envelope", ev.EventType())
	}
	return raw, nil
}

// ConversationID extracts the conversation an event belongs to.
func ConversationID(ev Event) int64 {
	switch e := ev.(type) {
	case MessageNew:
		return e.Message.ConversationID
	case JobUpdate:
		return e.ConversationID
	case StreamStart:
		return e.ConversationID
	case StreamToken:
		return e.ConversationID
	case StreamChunk:
		return e.ConversationID
	case StreamEnd:
		return e.ConversationID
	}
	return 0
}
