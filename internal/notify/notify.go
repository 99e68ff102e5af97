// Package notify delivers record change events from the store to listeners.
// Delivery is at-least-once and may duplicate or reorder events; consumers
// re-read the record rather than trusting event contents.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
)

// Event says that a record changed. It deliberately carries no field values.
type Event struct {
	RecordID string    `msgpack:"record_id" json:"record_id"`
	Kind     EventKind `msgpack:"kind" json:"kind"`
	At       time.Time `msgpack:"at" json:"at"`
}

func NewEvent(recordID string, kind EventKind) Event {
	return Event{RecordID: recordID, Kind: kind, At: time.Now().UTC()}
}

// Handler processes one event. Returned errors are logged by the transport.
type Handler func(ctx context.Context, ev Event) error

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Notifier is a change-event transport. Consume blocks until ctx ends.
// group names a competing-consumer group on transports that support one
// (kafka); broadcast transports deliver every event to every consumer, and an
// empty group always means "receive everything".
type Notifier interface {
	Publisher
	Consume(ctx context.Context, group string, h Handler) error
	Close() error
}

func Encode(ev Event) ([]byte, error) {
	b, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.RecordID == "" {
		return Event{}, fmt.Errorf("failed to decode event: missing record id")
	}
	return ev, nil
}
