package ports

import (
	"context"
	"math/big"

	"github.com/google/uuid"
)

// DerivationOracle is the opaque BIP-32 boundary: derive a child public key
// from an xpub and a non-hardened child index, then format it as a network address. Its internals
// are out of scope; callers treat failures as permanent.
type DerivationOracle interface {
	DerivePublicKey(xpub string, index int64) ([]byte, error)
	Address(pubKey []byte, network string) (string, error)
}

// DerivedAddress is the result of deriveAddress: a BIP-44 leaf address and
// the path it was derived from.
type DerivedAddress struct {
	Address string
	Path string
}

// AddressService is C2: deterministic per-session address derivation with a
// per-merchant serialized index counter.
type AddressService interface {
	// DeriveAddress is a pure function of (xpub, index); it never mutates
	// merchant state.
	DeriveAddress(ctx context.Context, xpub string, index int64) (*DerivedAddress, error)
	// AllocateNextAddress reads, derives, increments and writes within a
	// single Store transaction; concurrent callers for the same merchant
	// are serialized by the merchant row lock.
	AllocateNextAddress(ctx context.Context, merchantID uuid.UUID) (*DerivedAddress, int64, error)
	// VerifyAddress brute-forces indices [0, maxIndex) looking for one that
	// derives to address, for recovery paths.
	VerifyAddress(ctx context.Context, xpub string, address string, maxIndex int64) (*int64, error)
}

// Sompi is the arbitrary-precision unsigned sompi amount type used across
// ports signatures, matching wire convention.
type Sompi = *big.Int

