package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"shellbridge/internal/fault"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decode mode: %v", err))
	}
}

// Request asks the peer to run the handler registered for Method.
type Request struct {
	Method    string `cbor:"1,keyasint"`
	SessionID string `cbor:"2,keyasint,omitempty"`
	Body      []byte `cbor:"3,keyasint,omitempty"`
}

// Response answers the Request with the same correlation id. A non-empty
// ErrorCode marks a typed handler failure.
type Response struct {
	Body         []byte `cbor:"1,keyasint,omitempty"`
	ErrorCode    string `cbor:"2,keyasint,omitempty"`
	ErrorMessage string `cbor:"3,keyasint,omitempty"`
}

// Err returns the handler error carried by r, if any.
func (r *Response) Err() error {
	if r == nil || r.ErrorCode == "" {
		return nil
	}
	return &fault.HandlerError{Code: r.ErrorCode, Message: r.ErrorMessage}
}

// Event is a push message for every subscriber of Topic.
type Event struct {
	Topic     string `cbor:"1,keyasint"`
	SessionID string `cbor:"2,keyasint,omitempty"`
	Body      []byte `cbor:"3,keyasint,omitempty"`
}

// Message is the decoded form of a frame. Exactly one of Request, Response,
// and Event is set for those types; Ping and Pong use Payload.
type Message struct {
	Type          Type
	CorrelationID uint64
	Request       *Request
	Response      *Response
	Event         *Event
	Payload       []byte
}

func NewRequest(id uint64, req Request) Message {
	return Message{Type: TypeRequest, CorrelationID: id, Request: &req}
}

func NewResponse(id uint64, resp Response) Message {
	return Message{Type: TypeResponse, CorrelationID: id, Response: &resp}
}

// NewErrorResponse answers id with a typed handler error.
func NewErrorResponse(id uint64, code, message string) Message {
	return NewResponse(id, Response{ErrorCode: code, ErrorMessage: message})
}

func NewEvent(evt Event) Message {
	return Message{Type: TypeEvent, Event: &evt}
}

func NewPing(id uint64, payload []byte) Message {
	return Message{Type: TypePing, CorrelationID: id, Payload: payload}
}

func NewPong(id uint64, payload []byte) Message {
	return Message{Type: TypePong, CorrelationID: id, Payload: payload}
}

// Frame encodes m's typed body into a frame payload.
func (m Message) Frame() (Frame, error) {
	var (
		payload []byte
		err     error
	)
	switch m.Type {
	case TypeRequest:
		if m.Request == nil {
			return Frame{}, protocolError("encode", "request message without body", nil)
		}
		payload, err = encMode.Marshal(m.Request)
	case TypeResponse:
		if m.Response == nil {
			return Frame{}, protocolError("encode", "response message without body", nil)
		}
		payload, err = encMode.Marshal(m.Response)
	case TypeEvent:
		if m.Event == nil {
			return Frame{}, protocolError("encode", "event message without body", nil)
		}
		payload, err = encMode.Marshal(m.Event)
	case TypePing, TypePong:
		payload = m.Payload
	default:
		return Frame{}, protocolError("encode", fmt.Sprintf("unknown message type %d", uint8(m.Type)), nil)
	}
	if err != nil {
		return Frame{}, protocolError("encode", m.Type.String()+" payload", err)
	}
	return NewFrame(m.Type, m.CorrelationID, payload), nil
}

// Parse decodes the typed body of f. Malformed payloads are protocol errors.
func Parse(f Frame) (Message, error) {
	m := Message{Type: f.Type, CorrelationID: f.CorrelationID}
	var err error
	switch f.Type {
	case TypeRequest:
		m.Request = &Request{}
		err = decMode.Unmarshal(f.Payload, m.Request)
		if err == nil && m.Request.Method == "" {
			return Message{}, protocolError("parse", "request without method", nil)
		}
	case TypeResponse:
		m.Response = &Response{}
		err = decMode.Unmarshal(f.Payload, m.Response)
	case TypeEvent:
		m.Event = &Event{}
		err = decMode.Unmarshal(f.Payload, m.Event)
		if err == nil && m.Event.Topic == "" {
			return Message{}, protocolError("parse", "event without topic", nil)
		}
	case TypePing, TypePong:
		m.Payload = f.Payload
	default:
		return Message{}, protocolError("parse", fmt.Sprintf("unknown message type %d", uint8(f.Type)), nil)
	}
	if err != nil {
		return Message{}, protocolError("parse", f.Type.String()+" payload", err)
	}
	return m, nil
}

// MarshalBody encodes a handler or event body.
func MarshalBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return encMode.Marshal(v)
}

// UnmarshalBody decodes a body produced by MarshalBody. An empty body leaves
// v untouched.
func UnmarshalBody(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return decMode.Unmarshal(data, v)
}
