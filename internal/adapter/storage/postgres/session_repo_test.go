package postgres

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *domain.Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Session{
		ID:                uuid.New(),
		MerchantID:        uuid.New(),
		Address:           "kaspa:qtest000000000000000000000000000000000000000000000",
		AddressIndex:      7,
		AmountSompi:       big.NewInt(150_000_000),
		Status:            domain.SessionStatusPending,
		Confirmations:     0,
		SubscriptionToken: "subtok",
		CreatedAt:         now,
		ExpiresAt:         now.Add(10 * time.Minute),
	}
}

func sessionRow(s *domain.Session) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "merchant_id", "address", "address_index", "amount_sompi", "status",
		"tx_id", "confirmations", "order_id", "metadata", "subscription_token",
		"created_at", "expires_at", "paid_at", "confirmed_at",
	}).AddRow(
		s.ID, s.MerchantID, s.Address, s.AddressIndex, s.AmountSompi.String(), string(s.Status),
		nullString(s.TxID), s.Confirmations, nullString(s.OrderID), metadataJSON(s.Metadata), s.SubscriptionToken,
		s.CreatedAt, s.ExpiresAt, s.PaidAt, s.ConfirmedAt,
	)
}

func TestSessionRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSessionRepo(mock)
	s := newTestSession()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(s.ID, s.MerchantID, s.Address, s.AddressIndex, s.AmountSompi.String(), s.Status,
			nullString(s.TxID), s.Confirmations, nullString(s.OrderID), metadataJSON(s.Metadata), s.SubscriptionToken,
			s.CreatedAt, s.ExpiresAt, s.PaidAt, s.ConfirmedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Create(context.Background(), tx, s)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSessionRepo(mock)
	s := newTestSession()

	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id").
		WithArgs(s.ID).
		WillReturnRows(sessionRow(s))

	result, err := repo.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, s.Address, result.Address)
	assert.Equal(t, 0, s.AmountSompi.Cmp(result.AmountSompi))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_GetByAddressForUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSessionRepo(mock)
	s := newTestSession()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM sessions WHERE address.+FOR UPDATE").
		WithArgs(s.Address).
		WillReturnRows(sessionRow(s))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	result, err := repo.GetByAddressForUpdate(context.Background(), tx, s.Address)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, s.ID, result.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_GetByIDForUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSessionRepo(mock)
	s := newTestSession()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id.+FOR UPDATE").
		WithArgs(s.ID).
		WillReturnRows(sessionRow(s))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	result, err := repo.GetByIDForUpdate(context.Background(), tx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, s.Address, result.Address)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_ListExpirable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSessionRepo(mock)
	s := newTestSession()
	now := time.Now()

	mock.ExpectQuery("SELECT .+ FROM sessions WHERE status.+AND expires_at").
		WithArgs(domain.SessionStatusPending, now, 50).
		WillReturnRows(sessionRow(s))

	results, err := repo.ListExpirable(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, s.ID, results[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSessionRepo(mock)
	s := newTestSession()

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM sessions WHERE merchant_id").
		WithArgs(s.MerchantID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT .+ FROM sessions WHERE merchant_id").
		WithArgs(s.MerchantID, 50, 0).
		WillReturnRows(sessionRow(s))

	results, total, err := repo.List(context.Background(), ports.SessionListParams{MerchantID: s.MerchantID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, results, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
