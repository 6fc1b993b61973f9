package store

import "time"

// Delivery states. Queued and retrying deliveries are picked up by the
// pipeline; delivered and failed are terminal.
const (
	DeliveryQueued    = "queued"
	DeliverySending   = "sending"
	DeliveryRetrying  = "retrying"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Email is an accepted message. It is created atomically when an SMTP DATA
// phase completes and never mutated afterwards.
type Email struct {
	ID         string
	AppID      int64
	Sender     string
	Subject    string
	Recipients []string // insertion order, duplicates preserved
	Data       []byte
	CreatedAt  time.Time
}

// Delivery is one attempt lineage to transmit an email to a single
// recipient. Each delivery progresses independently of its siblings.
type Delivery struct {
	ID            string
	EmailID       string
	Recipient     string
	State         string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	DeliveredAt   time.Time // zero unless delivered
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the delivery has reached a final state.
func (d *Delivery) Terminal() bool {
	return d.State == DeliveryDelivered || d.State == DeliveryFailed
}
