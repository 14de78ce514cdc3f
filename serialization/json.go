package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/sacmq/sacmq-go/contracts"
)

var (
	// ErrMalformedFrame is returned when a complete frame does not hold a valid message
	ErrMalformedFrame = errors.New("serialization: malformed frame")

	sequenceIDPattern = regexp.MustCompile(`"sequenceId"\s*:\s*(\d+)`)
)

// MalformedFrameError carries whatever correlation could be recovered from
// a frame that failed to deserialize
type MalformedFrameError struct {
	SequenceID    uint64
	HasSequenceID bool
	Kind          contracts.Kind
	Err           error
}

func (e *MalformedFrameError) Error() string {
	if e.HasSequenceID {
		return fmt.Sprintf("serialization: malformed frame for sequence %d: %v", e.SequenceID, e.Err)
	}
	return fmt.Sprintf("serialization: malformed frame: %v", e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrMalformedFrame
func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

// MessageSerializer converts RPC messages to and from frame payloads
type MessageSerializer interface {
	// Serialize serializes a message to bytes
	Serialize(msg *contracts.RPCMessage) ([]byte, error)

	// Deserialize deserializes bytes to a message
	Deserialize(data []byte) (*contracts.RPCMessage, error)
}

// JSONSerializer implements MessageSerializer using JSON
type JSONSerializer struct {
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithPrettyPrint enables pretty printing
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serialize serializes a message to bytes
func (s *JSONSerializer) Serialize(msg *contracts.RPCMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}

	if s.prettyPrint {
		return json.MarshalIndent(msg, "", "  ")
	}
	return json.Marshal(msg)
}

// Deserialize deserializes bytes to a message. Failures are returned as
// *MalformedFrameError.
func (s *JSONSerializer) Deserialize(data []byte) (*contracts.RPCMessage, error) {
	if len(data) == 0 {
		return nil, &MalformedFrameError{Err: fmt.Errorf("empty payload")}
	}

	var msg contracts.RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, malformed(data, err)
	}

	switch msg.Kind {
	case contracts.KindRequest, contracts.KindResponse, contracts.KindOneway:
	default:
		return nil, malformed(data, fmt.Errorf("unknown message kind %q", msg.Kind))
	}

	return &msg, nil
}

// malformed builds the error for data, recovering the sequence id and kind
// when the payload is parseable enough
func malformed(data []byte, err error) *MalformedFrameError {
	merr := &MalformedFrameError{Err: err}

	var probe struct {
		SequenceID *uint64        `json:"sequenceId"`
		Kind       contracts.Kind `json:"kind"`
	}
	if json.Unmarshal(data, &probe) == nil && probe.SequenceID != nil {
		merr.SequenceID = *probe.SequenceID
		merr.HasSequenceID = true
		merr.Kind = probe.Kind
		return merr
	}

	if m := sequenceIDPattern.FindSubmatch(data); m != nil {
		if id, perr := strconv.ParseUint(string(m[1]), 10, 64); perr == nil {
			merr.SequenceID = id
			merr.HasSequenceID = true
		}
	}
	return merr
}
