package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/docuflow/docuflow/internal/models"
)

// Header names of the webhook wire contract. The signature travels
// out-of-band; it is never part of the signed bytes.
const (
	SignatureHeader = "X-Docuflow-Signature"
	EventHeader     = "X-Docuflow-Event"
)

// Envelope is the payload wrapper delivered to webhook endpoints.
type Envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEnvelope wraps a domain event for delivery.
func NewEnvelope(evt models.DomainEvent) Envelope {
	return Envelope{
		Event:     evt.Type,
		Data:      evt.Payload,
		Timestamp: evt.OccurredAt,
	}
}

// CanonicalBody serializes the envelope deterministically: object keys in
// sorted order at every nesting level. Receivers verify the signature
// against these exact bytes, so the serialization must be reproducible.
func (e Envelope) CanonicalBody() ([]byte, error) {
	return canonicalJSON(map[string]any{
		"event":     e.Event,
		"data":      e.Data,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// Sign computes the hex HMAC-SHA256 of body under the subscription secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the canonical body. Receivers
// use this with the shared secret before trusting the payload.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// canonicalJSON renders a value as JSON with sorted object keys. The value
// is first round-tripped through encoding/json so struct tags and custom
// marshalers apply before ordering.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", v)
	}
	return nil
}
