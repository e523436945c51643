package postgres

import (
	"context"
	"fmt"

	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// Store implements ports.Store over a Pool, bundling the three repositories
// and the shared transaction primitive C2, C6 and C7 all rely on.
type Store struct {
	pool        Pool
	merchants   *MerchantRepo
	sessions    *SessionRepo
	webhookLogs *WebhookLogRepo
}

// NewStore creates a new Store wrapping the connection pool.
func NewStore(pool Pool) *Store {
	return &Store{
		pool:        pool,
		merchants:   NewMerchantRepo(pool),
		sessions:    NewSessionRepo(pool),
		webhookLogs: NewWebhookLogRepo(pool),
	}
}

func (s *Store) Merchants() ports.MerchantRepository     { return s.merchants }
func (s *Store) Sessions() ports.SessionRepository       { return s.sessions }
func (s *Store) WebhookLogs() ports.WebhookLogRepository { return s.webhookLogs }

// WithTx runs fn inside a single transaction, rolling back on any error
// returned by fn or encountered on commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
