package serialization

import (
	"errors"
	"fmt"
	"iter"

	"github.com/sacmq/sacmq-go/contracts"
	"github.com/sacmq/sacmq-go/framing"
)

// MessageCodec turns RPC messages into frames and back
type MessageCodec struct {
	framer     framing.Codec
	serializer MessageSerializer
}

// MessageCodecOption configures the codec
type MessageCodecOption func(*MessageCodec)

// WithSerializer replaces the JSON serializer
func WithSerializer(serializer MessageSerializer) MessageCodecOption {
	return func(c *MessageCodec) {
		c.serializer = serializer
	}
}

// NewMessageCodec creates a codec framing messages with framer
func NewMessageCodec(framer framing.Codec, opts ...MessageCodecOption) *MessageCodec {
	c := &MessageCodec{
		framer:     framer,
		serializer: NewJSONSerializer(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Encode serializes msg into one frame. Messages that would not fit in a
// frame are rejected with framing.ErrFrameTooLarge.
func (c *MessageCodec) Encode(msg *contracts.RPCMessage) ([]byte, error) {
	payload, err := c.serializer.Serialize(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %d: %w", msg.SequenceID, err)
	}

	frame, err := c.framer.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to frame message %d: %w", msg.SequenceID, err)
	}
	return frame, nil
}

// Framer returns the underlying framing codec
func (c *MessageCodec) Framer() framing.Codec {
	return c.framer
}

// NewDecoder returns a decoder for one inbound stream
func (c *MessageCodec) NewDecoder() *MessageDecoder {
	return &MessageDecoder{
		frames:     framing.NewDecoder(c.framer),
		serializer: c.serializer,
	}
}

// MessageDecoder decodes RPC messages from stream pieces
type MessageDecoder struct {
	frames     *framing.Decoder
	serializer MessageSerializer
}

// Decode feeds chunk and yields the messages it completes.
//
// A frame that does not deserialize yields a *MalformedFrameError and
// decoding continues with the next frame. framing.ErrFrameTooLarge ends the
// sequence and every later call yields it again.
func (d *MessageDecoder) Decode(chunk []byte) iter.Seq2[*contracts.RPCMessage, error] {
	return func(yield func(*contracts.RPCMessage, error) bool) {
		for payload, err := range d.frames.Decode(chunk) {
			if err != nil {
				yield(nil, err)
				return
			}

			msg, err := d.serializer.Deserialize(payload)
			var merr *MalformedFrameError
			if err != nil && !errors.As(err, &merr) {
				err = malformed(payload, err)
			}
			if !yield(msg, err) {
				return
			}
		}
	}
}

// Buffered returns the bytes held for an incomplete frame
func (d *MessageDecoder) Buffered() int {
	return d.frames.Buffered()
}
