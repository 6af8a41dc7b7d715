// Package envelope defines the relay envelope and its wire encoding.
//
// Payload bytes are opaque to the relay: the codec preserves the client's
// payload variant (binary, text, or structured JSON) through queue
// round-trips without re-encoding.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindEcho   Kind = "echo"
)

// binaryKey is the reserved single-key container that carries binary payloads
// inside JSON frames. Structured payloads must not use it as their only
// top-level key.
const binaryKey = "$bin"

var errEmptyPayload = errors.New("empty payload")

// Payload is a tagged variant: binary bytes or raw JSON (text or structured).
type Payload struct {
	bin []byte
	raw json.RawMessage
}

func Binary(b []byte) Payload {
	return Payload{bin: b}
}

func Text(s string) Payload {
	raw, _ := json.Marshal(s)
	return Payload{raw: raw}
}

// FromJSON wraps raw JSON as a payload after validating it.
func FromJSON(raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Payload{}, errEmptyPayload
	}
	if !json.Valid(raw) {
		return Payload{}, errors.New("payload is not valid JSON")
	}
	return Payload{raw: append(json.RawMessage(nil), raw...)}, nil
}

func (p Payload) IsZero() bool {
	return p.bin == nil && len(p.raw) == 0
}

func (p Payload) IsBinary() bool {
	return p.bin != nil
}

func (p Payload) Bytes() []byte {
	return p.bin
}

func (p Payload) Raw() json.RawMessage {
	return p.raw
}

// Size reports the payload size in bytes as charged against
// MAX_PAYLOAD_SIZE: the decoded byte length for binary payloads, the
// serialized JSON length otherwise.
func (p Payload) Size() int {
	if p.bin != nil {
		return len(p.bin)
	}
	return len(p.raw)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.bin != nil {
		return json.Marshal(map[string]string{
			binaryKey: base64.StdEncoding.EncodeToString(p.bin),
		})
	}
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.raw, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*p = Payload{}
		return nil
	}

	if trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		if enc, ok := obj[binaryKey]; ok && len(obj) == 1 {
			var s string
			if err := json.Unmarshal(enc, &s); err != nil {
				return fmt.Errorf("invalid binary payload container: %w", err)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return fmt.Errorf("invalid binary payload encoding: %w", err)
			}
			*p = Payload{bin: b}
			return nil
		}
	}

	*p = Payload{raw: append(json.RawMessage(nil), trimmed...)}
	return nil
}

// Envelope is the unit of relay delivery. MsgID is a client-chosen opaque tag
// used only for ACK correlation and client-side deduplication.
type Envelope struct {
	MsgID     string  `json:"msg_id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Payload   Payload `json:"payload"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	Kind      Kind    `json:"kind"`
}

// AsEcho returns a copy of the envelope marked as an echo for the sender's
// other devices.
func (e Envelope) AsEcho() Envelope {
	e.Kind = KindEcho
	return e
}
