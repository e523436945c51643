package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WebhookLogRepo implements ports.WebhookLogRepository.
type WebhookLogRepo struct {
	pool Pool
}

// NewWebhookLogRepo creates a new WebhookLogRepo.
func NewWebhookLogRepo(pool Pool) *WebhookLogRepo {
	return &WebhookLogRepo{pool: pool}
}

const webhookLogColumns = `id, session_id, event, payload, delivery_id, attempts,
status_code, response, next_retry_at, created_at, delivered_at, claimed_at`

func (r *WebhookLogRepo) Create(ctx context.Context, tx pgx.Tx, log *domain.WebhookLog) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO webhook_logs (id, session_id, event, payload, delivery_id, attempts, next_retry_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		log.ID, log.SessionID, log.Event, log.Payload, log.DeliveryID, log.Attempts, log.NextRetryAt, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// ClaimDue claims up to limit deliverable rows by stamping claimed_at, per
// the claim pattern preventing double-dispatch across workers.
func (r *WebhookLogRepo) ClaimDue(ctx context.Context, now time.Time, claimTimeout time.Duration, limit int) ([]*domain.WebhookLog, error) {
	rows, err := r.pool.Query(ctx,
		`WITH due AS (
		SELECT id FROM webhook_logs
		WHERE delivered_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at<=$1
		AND (claimed_at IS NULL OR claimed_at < $2)
		ORDER BY next_retry_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	UPDATE webhook_logs SET claimed_at=$1
	WHERE id IN (SELECT id FROM due)
	RETURNING `+webhookLogColumns,
	now, now.Add(-claimTimeout), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due webhook logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookLog
	for rows.Next() {
		l, err := scanWebhookLogRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *WebhookLogRepo) MarkDelivered(ctx context.Context, id uuid.UUID, statusCode int, response string, deliveredAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_logs SET delivered_at=$1, status_code=$2, response=$3, next_retry_at=NULL WHERE id=$4`,
		deliveredAt, statusCode, response, id,
	)
	if err != nil {
		return fmt.Errorf("mark webhook log delivered: %w", err)
	}
	return nil
}

func (r *WebhookLogRepo) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt *time.Time, statusCode *int, response string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_logs SET attempts=$1, next_retry_at=$2, status_code=$3, response=$4 WHERE id=$5`,
		attempts, nextRetryAt, statusCode, response, id,
	)
	if err != nil {
		return fmt.Errorf("mark webhook log failed: %w", err)
	}
	return nil
}

func (r *WebhookLogRepo) ResetForManualRetry(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_logs SET attempts=0, next_retry_at=NOW(), claimed_at=NULL WHERE id=$1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("reset webhook log for manual retry: %w", err)
	}
	return nil
}

func (r *WebhookLogRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookLog, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+webhookLogColumns+` FROM webhook_logs WHERE id=$1`, id)
	l, err := scanWebhookLogRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook log: %w", err)
	}
	return l, nil
}

func scanWebhookLogRow(row pgx.Row) (*domain.WebhookLog, error) {
	var l domain.WebhookLog
	var eventValue string
	var claimedAt *time.Time
	if err := row.Scan(
		&l.ID, &l.SessionID, &eventValue, &l.Payload, &l.DeliveryID, &l.Attempts,
		&l.StatusCode, &l.Response, &l.NextRetryAt, &l.CreatedAt, &l.DeliveredAt, &claimedAt,
	); err != nil {
		return nil, err
	}
	l.Event = domain.WebhookEvent(eventValue)
	return &l, nil
}

