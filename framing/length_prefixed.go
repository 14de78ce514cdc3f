package framing

import (
	"encoding/binary"
	"fmt"
)

const lengthHeaderSize = 4

// LengthPrefixed frames a payload as a big-endian uint32 length followed by
// the payload bytes
type LengthPrefixed struct {
	maxFrameLength int
}

// NewLengthPrefixed creates a length-prefixed codec
func NewLengthPrefixed(opts ...Option) *LengthPrefixed {
	o := applyOptions(opts)
	return &LengthPrefixed{maxFrameLength: o.maxFrameLength}
}

// Encode implements Codec
func (c *LengthPrefixed) Encode(payload []byte) ([]byte, error) {
	size := lengthHeaderSize + len(payload)
	if size > c.maxFrameLength {
		return nil, tooLarge(size, c.maxFrameLength)
	}

	frame := make([]byte, size)
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[lengthHeaderSize:], payload)
	return frame, nil
}

// Split implements Codec. An oversized header is rejected before any of its
// payload is buffered.
func (c *LengthPrefixed) Split(buf []byte) ([]byte, int, error) {
	if len(buf) < lengthHeaderSize {
		return nil, 0, nil
	}

	// Compare before converting so a huge header cannot wrap a 32-bit int
	n := binary.BigEndian.Uint32(buf)
	if uint64(n)+lengthHeaderSize > uint64(c.maxFrameLength) {
		return nil, 0, fmt.Errorf("%w: header declares %d payload bytes, limit is %d per frame",
			ErrFrameTooLarge, n, c.maxFrameLength)
	}
	size := lengthHeaderSize + int(n)
	if len(buf) < size {
		return nil, 0, nil
	}
	return buf[lengthHeaderSize:size], size, nil
}

// MaxFrameLength implements Codec
func (c *LengthPrefixed) MaxFrameLength() int {
	return c.maxFrameLength
}

// Name implements Codec
func (c *LengthPrefixed) Name() string {
	return "length"
}
