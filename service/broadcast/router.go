// Package broadcast is the publish/subscribe fabric between connections.
// A connection owns one Mailbox; it joins groups by name and every event
// published to a group is offered to each member's mailbox without blocking.
package broadcast

import (
	"context"
	"encoding/json"
)

// Event is one outbound frame. Frame is the exact JSON written to the wire.
type Event struct {
	Type  string          `json:"type"`
	Frame json.RawMessage `json:"frame"`
}

// NewEvent encodes payload as the event's frame.
func NewEvent(typ string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Frame: b}, nil
}

// Router is implemented by the in-process Hub and by NatsRouter.
//
// Join is idempotent, Leave of a non-member is a no-op and Publish to an
// empty group is a no-op. Per group, events reach each member in Publish order.
type Router interface {
	Join(ctx context.Context, group string, mb *Mailbox) error
	Leave(ctx context.Context, group string, mb *Mailbox) error
	Publish(ctx context.Context, group string, ev Event) error
}
