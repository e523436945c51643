package domain

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is a node in the payment session DAG: pending is the
// only entry point, confirmed/expired/failed are terminal, and confirming is
// the sole state that can revert (on reorg) back to pending.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusConfirming SessionStatus = "confirming"
	SessionStatusConfirmed SessionStatus = "confirmed"
	SessionStatusExpired SessionStatus = "expired"
	SessionStatusFailed SessionStatus = "failed"
)

// MetadataMaxKeys, MetadataMaxKeyLen, MetadataMaxValueLen and
// MetadataMaxSerializedBytes bound Session.Metadata.
const (
	MetadataMaxKeys = 20
	MetadataMaxKeyLen = 50
	MetadataMaxValueLen = 500
	MetadataMaxSerializedBytes = 1024
)

// Session is a time-bounded request to receive a fixed amount of KAS at a
// dedicated address. It is the unit the state machine in C6 mutates.
type Session struct {
	ID uuid.UUID
	MerchantID uuid.UUID
	Address string
	AddressIndex int64
	AmountSompi *big.Int
	Status SessionStatus
	TxID string
	Confirmations int
	OrderID string
	Metadata map[string]string
	SubscriptionToken string
	CreatedAt time.Time
	ExpiresAt time.Time
	PaidAt *time.Time
	ConfirmedAt *time.Time
}

// IsTerminal reports whether Status can never transition again.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case SessionStatusConfirmed, SessionStatusExpired, SessionStatusFailed:
		return true
	default:
		return false
	}
}

// IsExpired reports whether a pending session has crossed its deadline.
func (s *Session) IsExpired(now time.Time) bool {
	return s.Status == SessionStatusPending && !s.ExpiresAt.After(now)
}

// MatchesAmount reports whether an observed transfer amount satisfies this
// session's required amount. Per step 3, a tx matches on exact equality;
// overpayments also match, underpayments do not.
func (s *Session) MatchesAmount(observed *big.Int) bool {
	return observed.Cmp(s.AmountSompi) >= 0
}

