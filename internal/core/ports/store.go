package ports

import (
	"context"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MerchantRepository persists Merchant rows. Only AddressService mutates
// NextAddressIndex, and only inside a transaction obtained from Store.
type MerchantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Merchant, error)
	// GetForUpdate locks the merchant row for the duration of tx, serializing
	// concurrent allocateNextAddress calls for the same merchant.
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Merchant, error)
	BumpNextAddressIndex(ctx context.Context, tx pgx.Tx, merchantID uuid.UUID, newNext int64) error
}

// SessionRepository persists Session rows.
type SessionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, session *domain.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	// GetByAddressForUpdate locks the owning session row so chain-event
	// handling and the expiry sweeper cannot race on the same session.
	GetByAddressForUpdate(ctx context.Context, tx pgx.Tx, address string) (*domain.Session, error)
	// GetByIDForUpdate locks a session row by ID, for cancellation and the
	// expiry sweeper's per-session transaction.
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Session, error)
	Update(ctx context.Context, tx pgx.Tx, session *domain.Session) error
	// ListExpirable returns pending sessions whose deadline has passed, for
	// the sweeper.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Session, error)
	List(ctx context.Context, params SessionListParams) ([]*domain.Session, int64, error)
}

// SessionListParams holds filter and pagination for listing sessions.
type SessionListParams struct {
	MerchantID uuid.UUID
	Status *domain.SessionStatus
	Page int
	PageSize int
}

// WebhookLogRepository persists WebhookLog rows.
type WebhookLogRepository interface {
	Create(ctx context.Context, tx pgx.Tx, log *domain.WebhookLog) error
	// ClaimDue claims up to limit rows eligible for delivery (nextRetryAt <=
	// now, not delivered, under the attempt budget) by stamping claimedAt,
	// to prevent double dispatch across workers.
	ClaimDue(ctx context.Context, now time.Time, claimTimeout time.Duration, limit int) ([]*domain.WebhookLog, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, statusCode int, response string, deliveredAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt *time.Time, statusCode *int, response string) error
	// ResetForManualRetry resets attempts to 0, sets nextRetryAt to now and
	// clears claimedAt on a dead-lettered log so the next dispatcher tick
	// redelivers the same DeliveryID.
	ResetForManualRetry(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookLog, error)
}

// Store is C1: durable persistence for merchants, sessions, and webhook
// logs, with a transaction primitive every multi-row mutation in C2, C6 and
// C7 goes through. On any error returned by fn, WithTx rolls back.
type Store interface {
	Merchants() MerchantRepository
	Sessions() SessionRepository
	WebhookLogs() WebhookLogRepository
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

