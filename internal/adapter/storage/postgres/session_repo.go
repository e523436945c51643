package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SessionRepo implements ports.SessionRepository.
type SessionRepo struct {
	pool Pool
}

// NewSessionRepo creates a new SessionRepo.
func NewSessionRepo(pool Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `id, merchant_id, address, address_index, amount_sompi, status,
	tx_id, confirmations, order_id, metadata, subscription_token,
	created_at, expires_at, paid_at, confirmed_at`

func (r *SessionRepo) Create(ctx context.Context, tx pgx.Tx, s *domain.Session) error {
	_, err := tx.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		s.ID, s.MerchantID, s.Address, s.AddressIndex, s.AmountSompi.String(), s.Status,
		nullString(s.TxID), s.Confirmations, nullString(s.OrderID), metadataJSON(s.Metadata), s.SubscriptionToken,
		s.CreatedAt, s.ExpiresAt, s.PaidAt, s.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (r *SessionRepo) GetByAddressForUpdate(ctx context.Context, tx pgx.Tx, address string) (*domain.Session, error) {
	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE address=$1 FOR UPDATE`, address)
	return scanSession(row)
}

func (r *SessionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Session, error) {
	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1 FOR UPDATE`, id)
	return scanSession(row)
}

func (r *SessionRepo) Update(ctx context.Context, tx pgx.Tx, s *domain.Session) error {
	_, err := tx.Exec(ctx, `UPDATE sessions SET
		status=$1, tx_id=$2, confirmations=$3, paid_at=$4, confirmed_at=$5
		WHERE id=$6`,
		s.Status, nullString(s.TxID), s.Confirmations, s.PaidAt, s.ConfirmedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (r *SessionRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status=$1 AND expires_at<=$2 ORDER BY expires_at LIMIT $3`,
		domain.SessionStatusPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expirable sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *SessionRepo) List(ctx context.Context, params ports.SessionListParams) ([]*domain.Session, int64, error) {
	page, pageSize := params.Page, params.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	args := []any{params.MerchantID}
	where := "merchant_id=$1"
	if params.Status != nil {
		args = append(args, *params.Status)
		where += fmt.Sprintf(" AND status=$%d", len(args))
	}

	var total int64
	countQuery := "SELECT count(*) FROM sessions WHERE " + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	args = append(args, pageSize, offset)
	dataQuery := fmt.Sprintf(
		"SELECT %s FROM sessions WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		sessionColumns, where, len(args)-1, len(args),
	)
	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

func scanSessions(rows pgx.Rows) ([]*domain.Session, error) {
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	s, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return s, nil
}

func scanSessionRow(row pgx.Row) (*domain.Session, error) {
	var (
		s           domain.Session
		amount      string
		txID        *string
		orderID     *string
		metaJSON    []byte
		statusValue string
	)
	if err := row.Scan(
		&s.ID, &s.MerchantID, &s.Address, &s.AddressIndex, &amount, &statusValue,
		&txID, &s.Confirmations, &orderID, &metaJSON, &s.SubscriptionToken,
		&s.CreatedAt, &s.ExpiresAt, &s.PaidAt, &s.ConfirmedAt,
	); err != nil {
		return nil, err
	}

	s.Status = domain.SessionStatus(statusValue)
	if txID != nil {
		s.TxID = *txID
	}
	if orderID != nil {
		s.OrderID = *orderID
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount_sompi %q", amount)
	}
	s.AmountSompi = amt
	s.Metadata = decodeMetadata(metaJSON)
	return &s, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
