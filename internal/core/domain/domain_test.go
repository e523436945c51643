package domain

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSession_IsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		status SessionStatus
		want   bool
	}{
		{"pending", SessionStatusPending, false},
		{"confirming", SessionStatusConfirming, false},
		{"confirmed", SessionStatusConfirmed, true},
		{"expired", SessionStatusExpired, true},
		{"failed", SessionStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Status: tt.status}
			assert.Equal(t, tt.want, s.IsTerminal())
		})
	}
}

func TestSession_IsExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		status SessionStatus
		exp    time.Time
		want   bool
	}{
		{"pending past deadline", SessionStatusPending, now.Add(-time.Second), true},
		{"pending before deadline", SessionStatusPending, now.Add(time.Minute), false},
		{"confirming past deadline", SessionStatusConfirming, now.Add(-time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Status: tt.status, ExpiresAt: tt.exp}
			assert.Equal(t, tt.want, s.IsExpired(now))
		})
	}
}

func TestSession_MatchesAmount(t *testing.T) {
	s := &Session{AmountSompi: big.NewInt(100_000_000)}

	assert.False(t, s.MatchesAmount(big.NewInt(99_999_999)), "underpayment must not match")
	assert.True(t, s.MatchesAmount(big.NewInt(100_000_000)), "exact amount must match")
	assert.True(t, s.MatchesAmount(big.NewInt(150_000_000)), "overpayment must match")
}

func TestWebhookLog_IsDelivered(t *testing.T) {
	delivered := time.Now()
	w := &WebhookLog{DeliveredAt: &delivered}
	assert.True(t, w.IsDelivered())

	w2 := &WebhookLog{}
	assert.False(t, w2.IsDelivered())
}

func TestWebhookLog_IsDeadLettered(t *testing.T) {
	tests := []struct {
		name        string
		deliveredAt *time.Time
		nextRetryAt *time.Time
		want        bool
	}{
		{"pending retry", nil, timePtr(time.Now().Add(time.Minute)), false},
		{"dead-lettered", nil, nil, true},
		{"delivered", timePtr(time.Now()), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &WebhookLog{DeliveredAt: tt.deliveredAt, NextRetryAt: tt.nextRetryAt}
			assert.Equal(t, tt.want, w.IsDeadLettered())
		})
	}
}

func TestPaymentEvent_Key(t *testing.T) {
	e := PaymentEvent{Address: "kaspa:q1", TxID: "tx1"}
	assert.Equal(t, "kaspa:q1|tx1", e.Key())
}

func TestMerchant_Fields(t *testing.T) {
	id := uuid.New()
	m := &Merchant{ID: id, XPub: "xpub6...", NextAddressIndex: 3}
	assert.Equal(t, id, m.ID)
	assert.Equal(t, int64(3), m.NextAddressIndex)
}

func timePtr(t time.Time) *time.Time { return &t }
