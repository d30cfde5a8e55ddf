package domain

import "time"

// MessageStatus is the delivery state of a persisted outcome record.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
	MessageBounced   MessageStatus = "bounced"
)

// rank orders statuses for monotonic receipt reconciliation. Failure states
// rank below delivered so a late failure receipt never downgrades a confirmed
// delivery.
func (s MessageStatus) rank() int {
	switch s {
	case MessagePending:
		return 0
	case MessageFailed, MessageBounced:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered:
		return 3
	case MessageRead:
		return 4
	default:
		return -1
	}
}

// Advances reports whether moving from s to next is a forward transition.
// Delivered/read are immutable terminals except for the delivered->read step.
// A provider can still reject a message after accepting it, so a failure or
// bounce receipt may follow sent.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if next.rank() > s.rank() {
		return true
	}
	return s == MessageSent && (next == MessageFailed || next == MessageBounced)
}

// Message is the persisted outcome of one dispatch attempt, keyed naturally
// by (campaign, contact, step) so at-least-once job redelivery is
// idempotency-tolerant.
type Message struct {
	ID         string
	CampaignID string
	ContactID  string
	Channel    Channel
	Step       int
	Content    string
	Status     MessageStatus

	ProviderID string
	FailReason string
	Cost       float64

	SentAt      time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
	FailedAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
