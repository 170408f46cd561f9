package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame layout: a 4-byte big-endian payload length followed by the UTF-8 JSON payload.
const (
	HeaderSize      = 4
	DefaultMaxFrame = 1 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("empty frame")
)

// EncodingError reports a message that cannot be serialized.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return "encode message: " + e.Err.Error() }
func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError reports a payload that is not a JSON object.
type DecodingError struct {
	Err error
}

func (e *DecodingError) Error() string { return "decode message: " + e.Err.Error() }
func (e *DecodingError) Unwrap() error { return e.Err }

var errNotObject = errors.New("top-level value is not an object")

// Encode serializes m to JSON. Decode reads integral numbers back as int64 and
// the rest as float64, so values that must survive a round trip unchanged
// should be stored as int64 or non-integral float64.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, &EncodingError{Err: errors.New("nil message")}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return b, nil
}

// Decode parses a JSON object. Integral numbers decode as int64, others as float64.
func Decode(b []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodingError{Err: err}
	}
	if dec.More() {
		return nil, &DecodingError{Err: errors.New("trailing data after object")}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &DecodingError{Err: errNotObject}
	}
	return Message(normalize(obj).(map[string]any)), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, x := range t {
			t[k] = normalize(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = normalize(x)
		}
		return t
	}
	return v
}

// WriteMessage encodes m and writes it as a single frame.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame payload. maxSize <= 0 means DefaultMaxFrame.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrame
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// ReadMessage reads and decodes one frame. Transport errors are returned as is;
// an unparsable payload yields *DecodingError and leaves the stream aligned on the
// next frame.
func ReadMessage(r io.Reader, maxSize int) (Message, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}
