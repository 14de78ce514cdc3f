package framing

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxFrameLength bounds a whole frame, header or marker included
	MaxFrameLength = 65536

	// DefaultMarker is the boundary written after each delimited payload
	DefaultMarker = "~!@#$%^&*"
)

var (
	// ErrFrameTooLarge is returned when a frame would exceed the maximum length.
	// On the decode side it is fatal for the stream.
	ErrFrameTooLarge = errors.New("framing: frame too large")

	// ErrUnknownCodec is returned by ByName for unsupported framings
	ErrUnknownCodec = errors.New("framing: unknown codec")

	// ErrEmptyMarker is returned for a delimited codec configured without a marker
	ErrEmptyMarker = errors.New("framing: delimiter marker cannot be empty")
)

// Codec encodes payloads into frames and finds frame boundaries in a buffer
type Codec interface {
	// Encode returns payload wrapped as a single frame
	Encode(payload []byte) ([]byte, error)

	// Split looks for the first complete frame in buf. It returns the payload
	// and the number of bytes the frame occupies, or advance == 0 when buf
	// does not hold a complete frame yet.
	Split(buf []byte) (payload []byte, advance int, err error)

	// MaxFrameLength returns the largest frame the codec accepts
	MaxFrameLength() int

	// Name identifies the framing
	Name() string
}

type options struct {
	maxFrameLength int
	marker         []byte
}

// Option configures a codec
type Option func(*options)

// WithMaxFrameLength overrides MaxFrameLength. Both peers must agree on it.
func WithMaxFrameLength(n int) Option {
	return func(o *options) {
		o.maxFrameLength = n
	}
}

// WithMarker overrides the boundary marker of a delimited codec
func WithMarker(marker string) Option {
	return func(o *options) {
		o.marker = []byte(marker)
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		maxFrameLength: MaxFrameLength,
		marker:         []byte(DefaultMarker),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ByName returns the codec called name ("length" or "delimiter")
func ByName(name string, opts ...Option) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "length", "length-prefixed":
		return NewLengthPrefixed(opts...), nil
	case "delimiter", "delimited":
		if len(applyOptions(opts).marker) == 0 {
			return nil, ErrEmptyMarker
		}
		return NewDelimited(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

func tooLarge(size, max int) error {
	return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, size, max)
}
