package ports

import (
	"context"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Signer produces and verifies the HMAC-SHA256 webhook signature.
// Verification must run in constant time.
type Signer interface {
	Sign(secret string, payload []byte) string
	Verify(secret string, payload []byte, signature string) bool
}

// IdempotencyCache is a best-effort, non-authoritative cache the dispatcher
// consults before redelivering a claimed row, guarding against a double
// send in the narrow window around a claim-timeout race. Postgres' claim
// pattern is the actual source of truth; a cache miss or a nil
// IdempotencyCache must never block delivery.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// WebhookDispatcher is C7: durable, at-least-once webhook delivery with
// backoff, dead-lettering and a worker pool claim pattern.
type WebhookDispatcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Enqueue writes a new WebhookLog row inside the caller's transaction so
	// state transition and enqueue are atomic (crash-safety law).
	Enqueue(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, event domain.WebhookEvent, session *domain.Session) error
	// RetryDeadLettered resets a dead-lettered log for redelivery.
	RetryDeadLettered(ctx context.Context, logID uuid.UUID) error
}

