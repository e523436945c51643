package domain

import (
	"time"

	"github.com/google/uuid"
)

// Merchant is a registered gateway tenant identified by a BIP-32 extended
// public key. The gateway never sees or holds a private key for it; address
// derivation only ever touches the xpub.
type Merchant struct {
	ID               uuid.UUID `json:"id"`
	XPub             string    `json:"xpub"`
	NextAddressIndex int64     `json:"next_address_index"`
	APIKeyHash       []byte    `json:"-"`
	WebhookURL       string    `json:"webhook_url"`
	WebhookSecret    string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
