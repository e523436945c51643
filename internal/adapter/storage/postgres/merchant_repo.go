package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MerchantRepo implements ports.MerchantRepository.
type MerchantRepo struct {
	pool Pool
}

// NewMerchantRepo creates a new MerchantRepo.
func NewMerchantRepo(pool Pool) *MerchantRepo {
	return &MerchantRepo{pool: pool}
}

// GetByID fetches a merchant by its UUID.
func (r *MerchantRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Merchant, error) {
	query := `SELECT id, xpub, next_address_index, api_key_hash, webhook_url, webhook_secret, created_at, updated_at
		FROM merchants WHERE id = $1`
	return scanMerchant(r.pool.QueryRow(ctx, query, id))
}

// GetForUpdate locks the merchant row for the lifetime of tx, serializing
// concurrent allocateNextAddress calls for the same merchant.
func (r *MerchantRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Merchant, error) {
	query := `SELECT id, xpub, next_address_index, api_key_hash, webhook_url, webhook_secret, created_at, updated_at
		FROM merchants WHERE id = $1 FOR UPDATE`
	return scanMerchant(tx.QueryRow(ctx, query, id))
}

// BumpNextAddressIndex writes the post-increment index for a merchant inside
// a transaction holding its row lock.
func (r *MerchantRepo) BumpNextAddressIndex(ctx context.Context, tx pgx.Tx, merchantID uuid.UUID, newNext int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE merchants SET next_address_index=$1, updated_at=NOW() WHERE id=$2`,
		newNext, merchantID,
	)
	if err != nil {
		return fmt.Errorf("bump next_address_index: %w", err)
	}
	return nil
}

func scanMerchant(row pgx.Row) (*domain.Merchant, error) {
	m := &domain.Merchant{}
	err := row.Scan(
		&m.ID, &m.XPub, &m.NextAddressIndex, &m.APIKeyHash,
		&m.WebhookURL, &m.WebhookSecret, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan merchant: %w", err)
	}
	return m, nil
}
