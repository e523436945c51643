package address

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// addressCache memoizes derived addresses per xpub so repeated lookups
// (webhook retries re-deriving for display, the recovery sweep) skip the
// oracle call. Guarded by an RWMutex the way BTCHDWallet guards its account
// map: reads take the read lock, only a miss takes the write lock to fill.
type addressCache struct {
	mu      sync.RWMutex
	entries map[string]string // "xpub:index" -> address
}

func newAddressCache() *addressCache {
	return &addressCache{entries: make(map[string]string)}
}

func (c *addressCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *addressCache) put(key, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = address
}

// Service implements ports.AddressService on top of a DerivationOracle and
// the merchant store, serializing index allocation through the merchant
// row's lock the way C1 was designed to support.
type Service struct {
	oracle  ports.DerivationOracle
	store   ports.Store
	network string
	cache   *addressCache
}

// NewService builds an AddressService for the given network ("mainnet" or
// "testnet"), used when formatting addresses via the oracle.
func NewService(oracle ports.DerivationOracle, store ports.Store, network string) *Service {
	return &Service{
		oracle:  oracle,
		store:   store,
		network: network,
		cache:   newAddressCache(),
	}
}

func cacheKey(xpub string, index int64) string {
	return fmt.Sprintf("%s:%d", xpub, index)
}

// DeriveAddress derives and formats the address at index under xpub. Pure
// given (xpub, index): it never touches the store.
func (s *Service) DeriveAddress(ctx context.Context, xpub string, index int64) (*ports.DerivedAddress, error) {
	key := cacheKey(xpub, index)
	if cached, ok := s.cache.get(key); ok {
		return &ports.DerivedAddress{Address: cached, Path: derivationPath(index)}, nil
	}

	pubKey, err := s.oracle.DerivePublicKey(xpub, index)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	addr, err := s.oracle.Address(pubKey, s.network)
	if err != nil {
		return nil, fmt.Errorf("formatting address: %w", err)
	}

	s.cache.put(key, addr)
	return &ports.DerivedAddress{Address: addr, Path: derivationPath(index)}, nil
}

// AllocateNextAddress reads the merchant's NextAddressIndex, derives that
// index, and bumps the counter, all inside one transaction so concurrent
// callers for the same merchant are serialized by the row lock rather than
// racing on the index.
func (s *Service) AllocateNextAddress(ctx context.Context, merchantID uuid.UUID) (*ports.DerivedAddress, int64, error) {
	var derived *ports.DerivedAddress
	var allocatedIndex int64

	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		merchant, err := s.store.Merchants().GetForUpdate(ctx, tx, merchantID)
		if err != nil {
			return fmt.Errorf("locking merchant: %w", err)
		}

		allocatedIndex = merchant.NextAddressIndex
		d, err := s.DeriveAddress(ctx, merchant.XPub, allocatedIndex)
		if err != nil {
			return err
		}
		derived = d

		if err := s.store.Merchants().BumpNextAddressIndex(ctx, tx, merchantID, allocatedIndex+1); err != nil {
			return fmt.Errorf("bumping next address index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return derived, allocatedIndex, nil
}

// VerifyAddress brute-forces indices [0, maxIndex) looking for the one that
// derives to address, for the recovery path when an index's provenance was
// lost. Grounded on the reference wallet's balance-scanning recovery loop,
// adapted here to scan by address equality instead of balance.
func (s *Service) VerifyAddress(ctx context.Context, xpub string, address string, maxIndex int64) (*int64, error) {
	for i := int64(0); i < maxIndex; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		d, err := s.DeriveAddress(ctx, xpub, i)
		if err != nil {
			return nil, fmt.Errorf("deriving index %d: %w", i, err)
		}
		if d.Address == address {
			found := i
			return &found, nil
		}
	}
	return nil, nil
}

func derivationPath(index int64) string {
	return fmt.Sprintf("m/44'/111111'/0'/0/%d", index)
}
