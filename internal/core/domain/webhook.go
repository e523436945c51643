package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEvent names a session-lifecycle notification produced by C6 and
// delivered by C7.
type WebhookEvent string

const (
	WebhookEventPending WebhookEvent = "payment.pending"
	WebhookEventConfirming WebhookEvent = "payment.confirming"
	WebhookEventConfirmed WebhookEvent = "payment.confirmed"
	WebhookEventExpired WebhookEvent = "payment.expired"
)

// WebhookLog is a single queued-or-delivered notification row. DeliveryID is
// the idempotency key merchants dedupe on; it never changes across retries.
type WebhookLog struct {
	ID uuid.UUID
	SessionID uuid.UUID
	Event WebhookEvent
	Payload []byte
	DeliveryID uuid.UUID
	Attempts int
	StatusCode *int
	Response string
	NextRetryAt *time.Time
	CreatedAt time.Time
	DeliveredAt *time.Time
}

// IsDelivered reports whether a 2xx response was ever recorded for this log.
func (w *WebhookLog) IsDelivered() bool {
	return w.DeliveredAt != nil
}

// IsDeadLettered reports whether the log has exhausted its retry budget
// without being delivered.
func (w *WebhookLog) IsDeadLettered() bool {
	return !w.IsDelivered() && w.NextRetryAt == nil
}

