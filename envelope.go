package sentry_pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sentAtFormat is RFC3339 with millisecond precision. Envelope
// timestamps are always UTC.
const sentAtFormat = "2006-01-02T15:04:05.000Z07:00"

// EnvelopeItem is one typed payload inside an envelope.
type EnvelopeItem struct {
	Type    string
	Payload any
	Headers map[string]any
}

// Envelope builds the newline-delimited wire format carrying one or
// more typed items in a single HTTP body. Item order is preserved.
type Envelope struct {
	EventID string
	SentAt  time.Time
	items   []EnvelopeItem
}

// NewEnvelope creates an envelope. An empty eventID gets a fresh UUID.
func NewEnvelope(eventID string) *Envelope {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	return &Envelope{
		EventID: eventID,
		SentAt:  time.Now().UTC(),
	}
}

// AddItem appends an item to the envelope. Payload shape is not
// validated; the producer owns its schema. Extra headers are merged
// into the item header line next to "type".
func (e *Envelope) AddItem(itemType string, payload any, extraHeaders map[string]any) {
	e.items = append(e.items, EnvelopeItem{
		Type:    itemType,
		Payload: payload,
		Headers: extraHeaders,
	})
}

// Len returns the number of items.
func (e *Envelope) Len() int { return len(e.items) }

// Serialize emits the wire bytes: one JSON line of envelope headers,
// then per item one JSON header line followed by one payload line.
// The output always has exactly 1 + 2N lines for N items.
func (e *Envelope) Serialize() (string, error) {
	var b strings.Builder

	header, err := json.Marshal(struct {
		EventID string         `json:"event_id"`
		SentAt  string         `json:"sent_at"`
		Trace   map[string]any `json:"trace"`
	}{
		EventID: e.EventID,
		SentAt:  e.SentAt.UTC().Format(sentAtFormat),
		Trace:   map[string]any{},
	})
	if err != nil {
		return "", &SerializationError{Err: err}
	}
	b.Write(header)

	for i, item := range e.items {
		itemHeader := make(map[string]any, len(item.Headers)+1)
		for k, v := range item.Headers {
			itemHeader[k] = v
		}
		itemHeader["type"] = item.Type

		headerLine, err := json.Marshal(itemHeader)
		if err != nil {
			return "", &SerializationError{Err: fmt.Errorf("item %d header: %w", i, err)}
		}

		payloadLine, err := encodePayload(item.Payload)
		if err != nil {
			return "", &SerializationError{Err: fmt.Errorf("item %d payload: %w", i, err)}
		}

		b.WriteByte('\n')
		b.Write(headerLine)
		b.WriteByte('\n')
		b.WriteString(payloadLine)
	}

	return b.String(), nil
}

// encodePayload writes strings and byte slices verbatim (producers
// ship pre-serialized JSON) and JSON-encodes anything structured.
func encodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	case json.RawMessage:
		return string(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
