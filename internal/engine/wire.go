package engine

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MaxFrameSize is the largest frame body the codec will accept (4MB).
// Engine answers are small; anything larger means a corrupted stream.
const MaxFrameSize = 4 * 1024 * 1024

// framePrefixSize is the length prefix width: a 4-byte big-endian count
// of body bytes.
const framePrefixSize = 4

// EncodeFrame wraps an already-encoded body in a length-prefixed frame.
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) > MaxFrameSize {
		return nil, &DecodeError{Reason: "frame exceeds maximum size", Size: len(body)}
	}

	frame := make([]byte, framePrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[framePrefixSize:], body)
	return frame, nil
}

// Encode marshals v to JSON and wraps it in a frame.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return EncodeFrame(body)
}

// Decoder incrementally extracts frame bodies from a byte stream.
//
// The transport gives no boundary guarantees: one chunk may hold zero,
// one, or many frames, and a frame may span chunks. Decoder buffers the
// tail of an incomplete frame until the next chunk arrives.
//
// Decoder is not safe for concurrent use; each stream pump owns one.
type Decoder struct {
	buf      bytes.Buffer
	maxFrame int
}

// NewDecoder creates a Decoder with the default frame size limit.
func NewDecoder() *Decoder {
	return &Decoder{maxFrame: MaxFrameSize}
}

// Decode consumes a chunk and returns every complete frame body it now
// holds, in stream order. A corrupt length prefix resets the buffer and is
// reported as a *DecodeError; bodies extracted before the corruption are
// still returned, and the Decoder stays usable for subsequent chunks.
func (d *Decoder) Decode(chunk []byte) ([][]byte, error) {
	d.buf.Write(chunk)

	var bodies [][]byte
	for {
		data := d.buf.Bytes()
		if len(data) < framePrefixSize {
			return bodies, nil
		}

		size := binary.BigEndian.Uint32(data)
		if size == 0 || size > uint32(d.maxFrame) {
			dropped := d.buf.Len()
			d.buf.Reset()
			return bodies, &DecodeError{Reason: "invalid frame length prefix", Size: dropped}
		}

		total := framePrefixSize + int(size)
		if len(data) < total {
			return bodies, nil
		}

		body := make([]byte, size)
		copy(body, data[framePrefixSize:total])
		d.buf.Next(total)
		bodies = append(bodies, body)
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Reset discards any buffered partial frame.
func (d *Decoder) Reset() {
	d.buf.Reset()
}
