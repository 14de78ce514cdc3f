package framing

import (
	"bytes"
	"io"
	"iter"
)

// Decoder reassembles frames from a stream fed in arbitrary pieces.
// It is not safe for concurrent use; each connection owns one decoder.
type Decoder struct {
	codec Codec
	buf   []byte
	off   int
	err   error
}

// NewDecoder creates a decoder for codec
func NewDecoder(codec Codec) *Decoder {
	return &Decoder{codec: codec}
}

// Feed appends the next piece of the stream. Once more than the maximum
// frame length is held, Feed keeps only the complete frames and fails with
// ErrFrameTooLarge if the bytes after them cannot become a frame in bound.
// Those frames are still yielded by Frames before the error. Feed returns
// the terminal error of a decoder that already failed.
func (d *Decoder) Feed(p []byte) error {
	if d.err != nil {
		return d.err
	}

	// Drop consumed frames before growing
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}

	if len(d.buf)+len(p) <= d.codec.MaxFrameLength() {
		d.buf = append(d.buf, p...)
		return nil
	}

	if len(d.buf) == 0 {
		// Scan in place so an oversized chunk is never copied
		if end, err := d.scan(p); err != nil {
			d.buf = append(d.buf, p[:end]...)
			d.err = err
			return err
		}
		d.buf = append(d.buf, p...)
		return nil
	}

	d.buf = append(d.buf, p...)
	if end, err := d.scan(d.buf); err != nil {
		d.buf = d.buf[:end]
		d.err = err
		return err
	}
	return nil
}

// scan returns where the complete frames at the start of data end and the
// error of the frame after them, if it cannot fit
func (d *Decoder) scan(data []byte) (int, error) {
	end := 0
	for {
		_, advance, err := d.codec.Split(data[end:])
		if err != nil || advance == 0 {
			return end, err
		}
		end += advance
	}
}

// Frames yields every complete payload currently buffered. Iteration stops
// at the first incomplete frame; its bytes stay buffered for the next Feed.
// A frame exceeding the maximum length yields ErrFrameTooLarge once and
// leaves the decoder failed. Stopping the iteration early keeps the
// remaining frames for a later call.
func (d *Decoder) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			payload, advance, err := d.codec.Split(d.buf[d.off:])
			if err == nil && advance == 0 {
				err = d.err
			}
			if err != nil {
				d.fail(err)
				yield(nil, err)
				return
			}
			if advance == 0 {
				return
			}

			d.off += advance
			if !yield(bytes.Clone(payload), nil) {
				return
			}
		}
	}
}

// Decode feeds p and yields the payloads it completes
func (d *Decoder) Decode(p []byte) iter.Seq2[[]byte, error] {
	// Frames reports a Feed failure after the frames before it
	_ = d.Feed(p)
	return d.Frames()
}

// Buffered returns the number of bytes held for an incomplete frame
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Err returns the terminal error, if any
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.buf = nil
	d.off = 0
}

// ReadFrames yields the frames read from r until EOF or a read error.
// A partial frame left at EOF yields io.ErrUnexpectedEOF.
func ReadFrames(r io.Reader, codec Codec) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		d := NewDecoder(codec)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for payload, ferr := range d.Decode(buf[:n]) {
					if !yield(payload, ferr) || ferr != nil {
						return
					}
				}
			}
			if err == io.EOF {
				if d.Buffered() > 0 {
					yield(nil, io.ErrUnexpectedEOF)
				}
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}
