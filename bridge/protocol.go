package bridge

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single envelope. A 1080p rgba frame fits with room to spare.
const MaxFrameSize = 16 << 20

type Kind string

const (
	KindCall   Kind = "call"
	KindReply  Kind = "reply"
	KindNotify Kind = "notify"
)

// Envelope is the unit exchanged with the host process.
type Envelope struct {
	ID      uint64             `msgpack:"id"`
	Kind    Kind               `msgpack:"kind"`
	Method  string             `msgpack:"method,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
	Error   string             `msgpack:"error,omitempty"`
}

// WriteFrame writes [uint32 big-endian length][body].
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(body), MaxFrameSize)
	}
	header := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	// Header and body go out in one write.
	_, err := w.Write(append(header, body...))
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeEnvelope(w io.Writer, env *Envelope) error {
	body, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return WriteFrame(w, body)
}

func readEnvelope(r io.Reader) (*Envelope, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Encode marshals a payload for an envelope.
func Encode(v any) (msgpack.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

// Decode unmarshals an envelope payload into v.
func Decode(payload msgpack.RawMessage, v any) error {
	if v == nil || len(payload) == 0 {
		return nil
	}
	return msgpack.Unmarshal(payload, v)
}
