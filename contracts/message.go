package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the role of an RPCMessage on the wire
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindOneway   Kind = "oneway"
)

// RPCMessage is the unit carried by one frame
type RPCMessage struct {
	TraceID    string          `json:"traceId"`
	SequenceID uint64          `json:"sequenceId"`
	Kind       Kind            `json:"kind"`
	Method     string          `json:"method,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewRequest creates a request expecting a response for sequenceID
func NewRequest(sequenceID uint64, method string, body json.RawMessage) *RPCMessage {
	return newMessage(sequenceID, KindRequest, method, body)
}

// NewOneway creates a request that expects no response
func NewOneway(sequenceID uint64, method string, body json.RawMessage) *RPCMessage {
	return newMessage(sequenceID, KindOneway, method, body)
}

// NewResponse creates a successful response to request
func NewResponse(request *RPCMessage, body json.RawMessage) *RPCMessage {
	resp := newMessage(request.SequenceID, KindResponse, request.Method, body)
	resp.TraceID = request.TraceID
	resp.Code = CodeSuccess.Code
	resp.Message = CodeSuccess.Message
	return resp
}

// NewErrorResponse creates a failed response to request carrying code
func NewErrorResponse(request *RPCMessage, code ResponseCode) *RPCMessage {
	resp := newMessage(request.SequenceID, KindResponse, request.Method, nil)
	resp.TraceID = request.TraceID
	resp.Code = code.Code
	resp.Message = code.Message
	return resp
}

// Timeout creates the synthetic response stored for a request whose
// deadline passed before a response was accepted
func Timeout(sequenceID uint64) *RPCMessage {
	resp := newMessage(sequenceID, KindResponse, "", nil)
	resp.Code = CodeTimeout.Code
	resp.Message = CodeTimeout.Message
	return resp
}

// Failure creates a local failure response for sequenceID
func Failure(sequenceID uint64, reason string) *RPCMessage {
	resp := newMessage(sequenceID, KindResponse, "", nil)
	resp.Code = CodeFail.Code
	resp.Message = reason
	return resp
}

func newMessage(sequenceID uint64, kind Kind, method string, body json.RawMessage) *RPCMessage {
	return &RPCMessage{
		TraceID:    uuid.New().String(),
		SequenceID: sequenceID,
		Kind:       kind,
		Method:     method,
		Body:       body,
		Timestamp:  time.Now().UTC(),
	}
}

// IsTimeout reports whether the message is a synthetic timeout
func (m *RPCMessage) IsTimeout() bool {
	return m.Kind == KindResponse && m.Code == CodeTimeout.Code
}

// IsSuccess reports whether the message is a successful response
func (m *RPCMessage) IsSuccess() bool {
	return m.Kind == KindResponse && m.Code == CodeSuccess.Code
}

// Err returns a *ResponseError for unsuccessful responses, nil otherwise
func (m *RPCMessage) Err() error {
	if m.Kind != KindResponse || m.IsSuccess() {
		return nil
	}
	return &ResponseError{Code: m.Code, Message: m.Message, SequenceID: m.SequenceID}
}

// DecodeBody unmarshals the message body into v
func (m *RPCMessage) DecodeBody(v interface{}) error {
	if len(m.Body) == 0 {
		return nil
	}
	return json.Unmarshal(m.Body, v)
}
