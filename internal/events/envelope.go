// Package events defines the wire contracts exchanged over the event bus and
// the versioned envelope that carries them.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
)

// Type names an event contract.
type Type string

const (
	TypeDonationRequested Type = "donation-requested"
	TypePaymentSettled    Type = "payment-settled"
	TypeUserRegistered    Type = "user-registered"
)

// Version is the schema version written by this build. Readers accept any
// version up to and including it.
const Version = 1

const contentTypeJSON = "application/json"

// Envelope is the self-describing record written as the message payload.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Version    int             `json:"version"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Event is implemented by every contract.
type Event interface {
	EventType() Type
	PartitionKey() string
	Validate() error
}

// Encode wraps event into an envelope and returns the message to publish.
// The event id must be stable across republication of the same event.
func Encode(id string, occurredAt time.Time, event Event) (eventbus.OutboundMessage, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return eventbus.OutboundMessage{}, fmt.Errorf("event id is required")
	}
	if err := event.Validate(); err != nil {
		return eventbus.OutboundMessage{}, fmt.Errorf("invalid %s: %w", event.EventType(), err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return eventbus.OutboundMessage{}, fmt.Errorf("marshal %s: %w", event.EventType(), err)
	}
	payload, err := json.Marshal(Envelope{
		ID:         id,
		Type:       event.EventType(),
		Version:    Version,
		OccurredAt: occurredAt.UTC(),
		Data:       data,
	})
	if err != nil {
		return eventbus.OutboundMessage{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return eventbus.OutboundMessage{
		Key:     event.PartitionKey(),
		Payload: payload,
		Headers: headers(id, event.EventType()),
	}, nil
}

func headers(id string, eventType Type) map[string]string {
	return map[string]string{
		eventbus.HeaderEventID:      id,
		eventbus.HeaderEventType:    string(eventType),
		eventbus.HeaderEventVersion: strconv.Itoa(Version),
		eventbus.HeaderContentType:  contentTypeJSON,
	}
}

// Headers returns the headers for a previously encoded payload, used when
// republishing stored envelopes.
func Headers(id string, eventType Type) map[string]string {
	return headers(id, eventType)
}

// Decode parses msg's envelope and unmarshals its data into target after
// checking the type and version. Every error it returns is permanent.
func Decode(msg eventbus.Message, want Type, target Event) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, eventbus.Permanent(fmt.Errorf("decode envelope: %w", err))
	}
	if env.Type != want {
		return env, eventbus.Permanent(fmt.Errorf("unexpected event type %q, want %q", env.Type, want))
	}
	if env.Version < 1 || env.Version > Version {
		return env, eventbus.Permanent(fmt.Errorf("unsupported %s version %d", env.Type, env.Version))
	}
	if strings.TrimSpace(env.ID) == "" {
		return env, eventbus.Permanent(fmt.Errorf("%s envelope has no id", env.Type))
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return env, eventbus.Permanent(fmt.Errorf("decode %s data: %w", env.Type, err))
	}
	return env, nil
}
