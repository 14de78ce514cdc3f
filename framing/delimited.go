package framing

import (
	"bytes"
)

// Delimited frames a payload by appending a boundary marker. The marker must
// never occur inside a payload; JSON payloads from this module satisfy that
// only because the default marker is not produced by the encoder.
type Delimited struct {
	marker         []byte
	maxFrameLength int
}

// NewDelimited creates a delimiter based codec. It panics on an empty
// marker, which could never end a frame; ByName reports it as an error.
func NewDelimited(opts ...Option) *Delimited {
	o := applyOptions(opts)
	if len(o.marker) == 0 {
		panic(ErrEmptyMarker)
	}
	return &Delimited{
		marker:         o.marker,
		maxFrameLength: o.maxFrameLength,
	}
}

// Encode implements Codec
func (c *Delimited) Encode(payload []byte) ([]byte, error) {
	size := len(payload) + len(c.marker)
	if size > c.maxFrameLength {
		return nil, tooLarge(size, c.maxFrameLength)
	}

	frame := make([]byte, 0, size)
	frame = append(frame, payload...)
	frame = append(frame, c.marker...)
	return frame, nil
}

// Split implements Codec
func (c *Delimited) Split(buf []byte) ([]byte, int, error) {
	i := bytes.Index(buf, c.marker)
	if i < 0 {
		// Without a complete marker in max bytes the frame cannot fit anymore
		if len(buf) >= c.maxFrameLength {
			return nil, 0, tooLarge(len(buf)+1, c.maxFrameLength)
		}
		return nil, 0, nil
	}

	size := i + len(c.marker)
	if size > c.maxFrameLength {
		return nil, 0, tooLarge(size, c.maxFrameLength)
	}
	return buf[:i], size, nil
}

// MaxFrameLength implements Codec
func (c *Delimited) MaxFrameLength() int {
	return c.maxFrameLength
}

// Name implements Codec
func (c *Delimited) Name() string {
	return "delimiter"
}

// Marker returns the boundary marker
func (c *Delimited) Marker() []byte {
	return c.marker
}
