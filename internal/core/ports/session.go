package ports

import (
	"context"
	"math/big"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/google/uuid"
)

// CreateSessionRequest is the upstream API's session-creation input.
type CreateSessionRequest struct {
	MerchantID uuid.UUID
	AmountSompi *big.Int
	TTLSeconds int
	OrderID string
	Metadata map[string]string
}

// SessionEngine is C6: the authoritative session state machine. It consumes
// PaymentEvents from C5 and exposes the upstream session lifecycle API.
type SessionEngine interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	// CancelSession performs the pending -> failed transition reserved for
	// operator-initiated cancellation. Emits no webhook.
	CancelSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	ListSessions(ctx context.Context, params SessionListParams) ([]*domain.Session, int64, error)
	// HandleEvent applies a PaymentEvent from C5 per its transition rules.
	HandleEvent(ctx context.Context, event domain.PaymentEvent)
	// SweepExpired runs one pass of the expiry sweeper.
	SweepExpired(ctx context.Context) (int, error)
}

