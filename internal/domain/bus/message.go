// Package bus defines agent-to-agent messaging.
//
// Delivery is polling-based and at-least-once: a consumer that crashes
// between the delivery stamp and its acknowledgement re-observes the
// message on the next unacked receive. A message without a recipient is a
// broadcast and may be acknowledged by any agent; the first ack wins.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one unit of agent communication.
type Message struct {
	ID          string          `json:"id"`
	Type        string          `json:"type,omitempty"`
	FromAgent   string          `json:"from_agent"`
	// ToAgent is empty for broadcasts.
	ToAgent     string          `json:"to_agent,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AckRequired bool            `json:"ack_required,omitempty"`

	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Broadcast reports whether the message addresses every agent.
func (m *Message) Broadcast() bool {
	return m.ToAgent == ""
}

// Expired reports whether the message is past its expiry at the instant.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// ReceiveFilter narrows Receive.
type ReceiveFilter struct {
	Type string
	// UnreadOnly selects messages never stamped delivered.
	UnreadOnly bool
	// UnackedOnly selects messages not yet acknowledged; delivered but
	// unacked messages reappear here, which is the at-least-once replay.
	UnackedOnly bool
	Limit       int
}

// Bus is the message persistence port.
type Bus interface {
	// Send publishes a message. An empty ToAgent makes it a broadcast.
	Send(ctx context.Context, msg *Message) (*Message, error)

	// Broadcast publishes msg to every agent.
	Broadcast(ctx context.Context, msg *Message) (*Message, error)

	// Get retrieves one message by id.
	Get(ctx context.Context, id string) (*Message, error)

	// Receive returns the visible messages for an agent - directed to it or
	// broadcast, not expired - in send order.
	Receive(ctx context.Context, agentID string, f ReceiveFilter) ([]*Message, error)

	// MarkDelivered stamps delivery on the given ids atomically, only where
	// the agent is a legitimate recipient. Returns the number stamped.
	MarkDelivered(ctx context.Context, agentID string, ids ...string) (int, error)

	// Acknowledge records the agent's ack. Directed messages accept only
	// their recipient; broadcasts accept any agent, first ack wins.
	// Reports whether this call recorded the ack.
	Acknowledge(ctx context.Context, id, agentID string) (bool, error)

	// GetUnacknowledged lists ack-required messages still waiting, oldest
	// first, optionally only those created before olderThan.
	GetUnacknowledged(ctx context.Context, olderThan *time.Time) ([]*Message, error)

	// DeleteExpired removes expired messages, returning the count.
	DeleteExpired(ctx context.Context) (int, error)
}
