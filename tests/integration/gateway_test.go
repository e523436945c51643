// Package integration exercises the gateway end to end: a session is
// created, the chain watcher observes a matching payment, the session
// confirms, and the confirmation webhook is actually delivered over HTTP.
// The session engine, chain watcher and webhook dispatcher are the real
// production types; the persistence layer, the address service, the RPC
// feed and the REST poller are in-memory fakes.
package integration

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/chain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/dmz4pf/kasgate-sub001/internal/session"
	"github.com/dmz4pf/kasgate-sub001/internal/webhook"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- in-memory Store, standing in for the postgres adapter ---

type memMerchantRepo struct {
	mu sync.Mutex
	m  map[uuid.UUID]*domain.Merchant
}

func (r *memMerchantRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Merchant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *memMerchantRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Merchant, error) {
	return r.GetByID(ctx, id)
}

func (r *memMerchantRepo) BumpNextAddressIndex(ctx context.Context, tx pgx.Tx, merchantID uuid.UUID, newNext int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[merchantID].NextAddressIndex = newNext
	return nil
}

type memSessionRepo struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*domain.Session
	byAddr map[string]uuid.UUID
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{byID: make(map[uuid.UUID]*domain.Session), byAddr: make(map[string]uuid.UUID)}
}

func (r *memSessionRepo) Create(ctx context.Context, tx pgx.Tx, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byID[s.ID] = &cp
	r.byAddr[s.Address] = s.ID
	return nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) GetByAddressForUpdate(ctx context.Context, tx pgx.Tx, address string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAddr[address]
	if !ok {
		return nil, nil
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *memSessionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Session, error) {
	return r.GetByID(ctx, id)
}

func (r *memSessionRepo) Update(ctx context.Context, tx pgx.Tx, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byID[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Session, error) {
	return nil, nil
}

func (r *memSessionRepo) List(ctx context.Context, params ports.SessionListParams) ([]*domain.Session, int64, error) {
	return nil, 0, nil
}

type memWebhookLogRepo struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*domain.WebhookLog
}

func newMemWebhookLogRepo() *memWebhookLogRepo {
	return &memWebhookLogRepo{logs: make(map[uuid.UUID]*domain.WebhookLog)}
}

func (r *memWebhookLogRepo) Create(ctx context.Context, tx pgx.Tx, l *domain.WebhookLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	r.logs[l.ID] = &cp
	return nil
}

func (r *memWebhookLogRepo) ClaimDue(ctx context.Context, now time.Time, claimTimeout time.Duration, limit int) ([]*domain.WebhookLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WebhookLog
	for _, l := range r.logs {
		if l.IsDelivered() || l.IsDeadLettered() {
			continue
		}
		if l.NextRetryAt != nil && l.NextRetryAt.After(now) {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memWebhookLogRepo) MarkDelivered(ctx context.Context, id uuid.UUID, statusCode int, response string, deliveredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.logs[id]
	l.Attempts++
	l.StatusCode = &statusCode
	l.Response = response
	l.DeliveredAt = &deliveredAt
	l.NextRetryAt = nil
	return nil
}

func (r *memWebhookLogRepo) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt *time.Time, statusCode *int, response string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.logs[id]
	l.Attempts = attempts
	l.NextRetryAt = nextRetryAt
	l.StatusCode = statusCode
	l.Response = response
	return nil
}

func (r *memWebhookLogRepo) ResetForManualRetry(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.logs[id]
	l.Attempts = 0
	now := time.Now()
	l.NextRetryAt = &now
	return nil
}

func (r *memWebhookLogRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

type memStore struct {
	merchants *memMerchantRepo
	sessions  *memSessionRepo
	webhooks  *memWebhookLogRepo
}

func (s *memStore) Merchants() ports.MerchantRepository     { return s.merchants }
func (s *memStore) Sessions() ports.SessionRepository       { return s.sessions }
func (s *memStore) WebhookLogs() ports.WebhookLogRepository { return s.webhooks }
func (s *memStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

// --- fake address service: deterministic, no real derivation ---

type fakeAddressService struct {
	mu      sync.Mutex
	next    int64
	address string
}

func (a *fakeAddressService) DeriveAddress(ctx context.Context, xpub string, index int64) (*ports.DerivedAddress, error) {
	return &ports.DerivedAddress{Address: a.address, Path: "m/0"}, nil
}

func (a *fakeAddressService) AllocateNextAddress(ctx context.Context, merchantID uuid.UUID) (*ports.DerivedAddress, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.next
	a.next++
	return &ports.DerivedAddress{Address: a.address, Path: "m/0"}, idx, nil
}

func (a *fakeAddressService) VerifyAddress(ctx context.Context, xpub, address string, maxIndex int64) (*int64, error) {
	return nil, nil
}

// --- fake RpcClient/RestPoller feeding chain.Watcher ---

type fakeRpcClient struct {
	mu  sync.Mutex
	cb  ports.EventCallback
	sub map[string]bool
}

func newFakeRpcClient() *fakeRpcClient { return &fakeRpcClient{sub: make(map[string]bool)} }

func (c *fakeRpcClient) Start(ctx context.Context) error { return nil }
func (c *fakeRpcClient) Stop(ctx context.Context) error  { return nil }
func (c *fakeRpcClient) IsConnected() bool               { return true }
func (c *fakeRpcClient) State() ports.ConnState           { return ports.ConnStateConnected }
func (c *fakeRpcClient) Subscribe(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub[address] = true
	return nil
}
func (c *fakeRpcClient) Unsubscribe(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sub, address)
	return nil
}
func (c *fakeRpcClient) GetUtxos(ctx context.Context, address string) ([]ports.Utxo, error) {
	return nil, nil
}
func (c *fakeRpcClient) GetConfirmations(ctx context.Context, txID string) (int, error) {
	return 0, nil
}
func (c *fakeRpcClient) OnEvent(cb ports.EventCallback) { c.cb = cb }

func (c *fakeRpcClient) deliver(ev domain.PaymentEvent) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	cb(ev)
}

type fakeRestPoller struct{}

func (p *fakeRestPoller) Start(ctx context.Context) error { return nil }
func (p *fakeRestPoller) Stop(ctx context.Context) error  { return nil }
func (p *fakeRestPoller) Watch(address string) error      { return nil }
func (p *fakeRestPoller) Unwatch(address string) error    { return nil }
func (p *fakeRestPoller) SetCadence(active bool)          {}
func (p *fakeRestPoller) OnEvent(cb ports.EventCallback)  {}

// TestGateway_FullPaymentLifecycle_DeliversConfirmedWebhook drives a session
// from creation through a two-confirmation payment to a delivered
// payment.confirmed webhook, using the real Engine, Watcher and Dispatcher.
func TestGateway_FullPaymentLifecycle_DeliversConfirmedWebhook(t *testing.T) {
	const address = "kaspatest:qzrrdepositaddressexample00000000000000000000000"

	var received []map[string]any
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	merchantID := uuid.New()
	store := &memStore{
		merchants: &memMerchantRepo{m: map[uuid.UUID]*domain.Merchant{
			merchantID: {ID: merchantID, XPub: "xpub-test", WebhookURL: srv.URL, WebhookSecret: "secret"},
		}},
		sessions: newMemSessionRepo(),
		webhooks: newMemWebhookLogRepo(),
	}

	rpc := newFakeRpcClient()
	poller := &fakeRestPoller{}
	dedup := chain.NewInProcDedupWindow()
	watcher := chain.NewWatcher(rpc, poller, dedup, zerolog.Nop())

	signer := webhook.NewHMACSigner()
	dispatcher := webhook.NewDispatcher(store, signer, nil, webhook.Config{
		Workers:      2,
		MaxAttempts:  3,
		PollInterval: 10 * time.Millisecond,
	}, zerolog.Nop())

	tokens := session.NewTokenIssuer("test-secret", "kasgate-test")
	engine := session.NewEngine(store, &fakeAddressService{address: address}, watcher, dispatcher, tokens, session.Config{
		RequiredConfirmations: 2,
	}, zerolog.Nop())

	watcher.OnEvent(func(ev domain.PaymentEvent) {
		engine.HandleEvent(context.Background(), ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop(context.Background())
	require.NoError(t, dispatcher.Start(ctx))
	defer dispatcher.Stop(context.Background())

	sess, err := engine.CreateSession(ctx, ports.CreateSessionRequest{
		MerchantID:  merchantID,
		AmountSompi: big.NewInt(500_000_000),
		TTLSeconds:  900,
		OrderID:     "order-42",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPending, sess.Status)

	rpc.deliver(domain.PaymentEvent{
		Address: address, TxID: "txabc", AmountSompi: big.NewInt(500_000_000),
		Confirmations: 0, Source: domain.EventSourceRPC,
	})

	confirming, err := engine.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusConfirming, confirming.Status)

	rpc.deliver(domain.PaymentEvent{
		Address: address, TxID: "txabc", AmountSompi: big.NewInt(500_000_000),
		Confirmations: 2, Source: domain.EventSourceRPC,
	})

	confirmed, err := engine.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusConfirmed, confirmed.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, body := range received {
			if body["event"] == string(domain.WebhookEventConfirmed) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected payment.confirmed webhook to be delivered")
}
