package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func frame(t *testing.T, body string) []byte {
	t.Helper()
	f, err := EncodeFrame([]byte(body))
	if err != nil {
		t.Fatalf("EncodeFrame(%q) error = %v", body, err)
	}
	return f
}

func TestEncodeFrame_Prefix(t *testing.T) {
	f := frame(t, `{"id":"a"}`)

	if len(f) != framePrefixSize+10 {
		t.Fatalf("frame length = %d, want %d", len(f), framePrefixSize+10)
	}
	if got := binary.BigEndian.Uint32(f); got != 10 {
		t.Errorf("length prefix = %d, want 10", got)
	}
	if !bytes.Equal(f[framePrefixSize:], []byte(`{"id":"a"}`)) {
		t.Errorf("frame body = %q", f[framePrefixSize:])
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFrameSize+1))

	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
}

func TestEncode_WrapsJSON(t *testing.T) {
	f, err := Encode(map[string]string{"action": "ping"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	bodies, err := NewDecoder().Decode(f)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("got %d bodies, want 1", len(bodies))
	}
	if string(bodies[0]) != `{"action":"ping"}` {
		t.Errorf("body = %s", bodies[0])
	}
}

func TestDecoder_TwoFramesOneChunk(t *testing.T) {
	chunk := append(frame(t, `{"id":"1"}`), frame(t, `{"id":"2"}`)...)

	bodies, err := NewDecoder().Decode(chunk)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("got %d bodies, want 2", len(bodies))
	}
	if string(bodies[0]) != `{"id":"1"}` || string(bodies[1]) != `{"id":"2"}` {
		t.Errorf("bodies = %s, %s", bodies[0], bodies[1])
	}
}

func TestDecoder_FrameAcrossChunks(t *testing.T) {
	f := frame(t, `{"id":"split"}`)
	dec := NewDecoder()

	// Split inside the length prefix.
	bodies, err := dec.Decode(f[:2])
	if err != nil || len(bodies) != 0 {
		t.Fatalf("partial prefix: bodies=%d err=%v", len(bodies), err)
	}

	// Split inside the body.
	bodies, err = dec.Decode(f[2:9])
	if err != nil || len(bodies) != 0 {
		t.Fatalf("partial body: bodies=%d err=%v", len(bodies), err)
	}
	if dec.Buffered() != 9 {
		t.Errorf("Buffered() = %d, want 9", dec.Buffered())
	}

	bodies, err = dec.Decode(f[9:])
	if err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if len(bodies) != 1 || string(bodies[0]) != `{"id":"split"}` {
		t.Fatalf("bodies = %v", bodies)
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() = %d after complete frame", dec.Buffered())
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	f := frame(t, `{"id":"x","suggestions":[]}`)
	dec := NewDecoder()

	var got [][]byte
	for _, b := range f {
		bodies, err := dec.Decode([]byte{b})
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		got = append(got, bodies...)
	}
	if len(got) != 1 || string(got[0]) != `{"id":"x","suggestions":[]}` {
		t.Fatalf("bodies = %v", got)
	}
}

func TestDecoder_CorruptPrefixRecovers(t *testing.T) {
	dec := NewDecoder()

	// 0xFFFFFFFF is far past the frame size limit.
	bodies, err := dec.Decode([]byte{0xFF, 0xFF, 0xFF, 0xFF, 'j', 'u', 'n', 'k'})
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
	if len(bodies) != 0 {
		t.Errorf("got %d bodies from corrupt chunk", len(bodies))
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() = %d after corruption, want 0", dec.Buffered())
	}

	// The decoder must keep working on the next chunk.
	bodies, err = dec.Decode(frame(t, `{"id":"after"}`))
	if err != nil {
		t.Fatalf("Decode() after corruption: %v", err)
	}
	if len(bodies) != 1 || string(bodies[0]) != `{"id":"after"}` {
		t.Fatalf("bodies = %v", bodies)
	}
}

func TestDecoder_ZeroLengthPrefix(t *testing.T) {
	_, err := NewDecoder().Decode([]byte{0, 0, 0, 0})

	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
}

func TestDecoder_GoodFrameBeforeCorruption(t *testing.T) {
	chunk := append(frame(t, `{"id":"ok"}`), 0xFF, 0xFF, 0xFF, 0xFF)

	bodies, err := NewDecoder().Decode(chunk)
	if err == nil {
		t.Fatal("expected decode error for trailing corruption")
	}
	if len(bodies) != 1 || string(bodies[0]) != `{"id":"ok"}` {
		t.Fatalf("bodies = %v, want the frame decoded before the corruption", bodies)
	}
}

func TestDecoder_Reset(t *testing.T) {
	dec := NewDecoder()
	dec.Decode([]byte{0, 0, 0, 9, 'p', 'a', 'r'})
	if dec.Buffered() == 0 {
		t.Fatal("expected buffered partial frame")
	}

	dec.Reset()
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() = %d after Reset", dec.Buffered())
	}
}
