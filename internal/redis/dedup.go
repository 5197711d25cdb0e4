package redis

import (
	"context"
	"fmt"
	"time"
)

const dedupTTL = 10 * time.Minute

// EventDedup provides idempotency checks for Slack event deliveries.
// Slack retries event callbacks, and the events endpoint and Socket
// Mode can both be active, so the same event_id may arrive more than
// once.
type EventDedup struct {
	client *Client
}

func NewEventDedup(client *Client) *EventDedup {
	return &EventDedup{client: client}
}

// Seen marks the event as processed and reports whether it had already
// been seen. The SET NX round trip makes check and mark atomic.
func (d *EventDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	ok, err := d.client.rdb.SetNX(ctx, d.key(eventID), "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("event dedup: %w", err)
	}
	return !ok, nil
}

func (d *EventDedup) key(eventID string) string {
	return "event:dedup:" + eventID
}
