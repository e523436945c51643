// Package webhook implements C7: HMAC signing and a durable,
// at-least-once webhook delivery pipeline.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/backoff"
	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const (
	defaultWorkers = 4
	defaultMaxAttempts = 8
	defaultPollInterval = 5 * time.Second
	deliveryTimeout = 10 * time.Second
	claimTimeout = 2 * deliveryTimeout
	responseTruncate = 4 * 1024
	deliveredCacheTTL = 24 * time.Hour
)

// Config holds C7's tunables.
type Config struct {
	Workers int
	MaxAttempts int
	PollInterval time.Duration
}

// Dispatcher implements ports.WebhookDispatcher: a worker pool claims due
// rows from the durable webhook_logs queue, signs and POSTs each one, and
// reschedules or dead-letters on failure. Delivery state lives in the
// claim-based durable queue rather than in-process goroutines, so in-flight
// retries survive a process restart.
type Dispatcher struct {
	store ports.Store
	signer ports.Signer
	client *http.Client
	cache ports.IdempotencyCache // optional; nil disables the best-effort check
	workers int
	maxAttn int
	poll time.Duration
	log zerolog.Logger

	cancel context.CancelFunc
	wg sync.WaitGroup
}

// NewDispatcher builds a Dispatcher. cache may be nil.
func NewDispatcher(store ports.Store, signer ports.Signer, cache ports.IdempotencyCache, cfg Config, log zerolog.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttn := cfg.MaxAttempts
	if maxAttn <= 0 {
		maxAttn = defaultMaxAttempts
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Dispatcher{
		store: store,
		signer: signer,
		client: &http.Client{Timeout: deliveryTimeout},
		cache: cache,
		workers: workers,
		maxAttn: maxAttn,
		poll: poll,
		log: log.With().Str("component", "webhook_dispatcher").Logger(),
	}
}

// Enqueue writes a new WebhookLog row inside the caller's transaction: the
// state transition that produced this event and its webhook intent commit
// together or not at all.
func (d *Dispatcher) Enqueue(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, event domain.WebhookEvent, session *domain.Session) error {
	now := time.Now()
	deliveryID := uuid.New()

	template, err := buildTemplate(event, deliveryID.String(), session, now)
	if err != nil {
		return fmt.Errorf("building webhook payload: %w", err)
	}

	log := &domain.WebhookLog{
		ID: uuid.New(),
		SessionID: sessionID,
		Event: event,
		Payload: template,
		DeliveryID: deliveryID,
		Attempts: 0,
		NextRetryAt: &now,
		CreatedAt: now,
	}
	return d.store.WebhookLogs().Create(ctx, tx, log)
}

// RetryDeadLettered resets a dead-lettered log so the next tick redelivers
// the same DeliveryID, per its manual retry path.
func (d *Dispatcher) RetryDeadLettered(ctx context.Context, logID uuid.UUID) error {
	return d.store.WebhookLogs().ResetForManualRetry(ctx, logID)
}

// Start launches the worker pool. Each worker ticks independently on
// PollInterval and claims its own batch; ClaimDue's FOR UPDATE SKIP LOCKED
// is what actually prevents double dispatch, not worker coordination.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(runCtx, i)
	}
	return nil
}

// Stop signals all workers to drain in-flight deliveries and waits, bounded
// by ctx's deadline (the process-wide 30s shutdown grace window owns that
// deadline; Dispatcher itself is agnostic to its length).
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx, id)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, workerID int) {
	claimed, err := d.store.WebhookLogs().ClaimDue(ctx, time.Now(), claimTimeout, 1)
	if err != nil {
		d.log.Error().Err(err).Int("worker", workerID).Msg("failed to claim due webhook logs")
		return
	}
	for _, l := range claimed {
		d.deliverOne(ctx, l)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, l *domain.WebhookLog) {
	logEvt := d.log.With().Str("delivery_id", l.DeliveryID.String()).Str("event", string(l.Event)).Logger()

	if d.cache != nil {
		if v, err := d.cache.Get(ctx, cacheKey(l.DeliveryID)); err == nil && v != nil {
			logEvt.Warn().Msg("delivery id already marked delivered in cache, skipping redundant send")
			return
		}
	}

	sess, err := d.store.Sessions().GetByID(ctx, l.SessionID)
	if err != nil || sess == nil {
		logEvt.Error().Err(err).Msg("webhook log references a missing session, retrying on normal schedule")
		d.scheduleRetry(ctx, l, nil, "")
		return
	}

	merchant, err := d.store.Merchants().GetByID(ctx, sess.MerchantID)
	if err != nil || merchant == nil {
		logEvt.Error().Err(err).Msg("webhook log references a missing merchant, retrying on normal schedule")
		d.scheduleRetry(ctx, l, nil, "")
		return
	}
	if merchant.WebhookURL == "" {
		logEvt.Warn().Msg("merchant has no webhook url configured, dead-lettering")
		d.deadLetter(ctx, l, nil, "no webhook url configured")
		return
	}

	now := time.Now()
	body, err := restamp(l.Payload, now)
	if err != nil {
		logEvt.Error().Err(err).Msg("failed to restamp webhook payload")
		d.scheduleRetry(ctx, l, nil, "")
		return
	}
	signature := d.signer.Sign(merchant.WebhookSecret, body)

	statusCode, respBody, sendErr := d.send(ctx, merchant.WebhookURL, l, body, signature, now)
	if sendErr != nil {
		logEvt.Warn().Err(sendErr).Msg("webhook delivery request failed")
		d.scheduleRetry(ctx, l, nil, truncate(sendErr.Error()))
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		if err := d.store.WebhookLogs().MarkDelivered(ctx, l.ID, statusCode, truncate(respBody), now); err != nil {
			logEvt.Error().Err(err).Msg("failed to persist delivered webhook log")
			return
		}
		if d.cache != nil {
			_ = d.cache.Set(ctx, cacheKey(l.DeliveryID), []byte("1"), deliveredCacheTTL)
		}
		logEvt.Info().Int("status", statusCode).Int("attempts", l.Attempts+1).Msg("webhook delivered")
		return
	}

	sc := statusCode
	if statusCode == http.StatusGone {
		logEvt.Warn().Msg("webhook endpoint returned 410 gone, retrying on the normal schedule until the attempt budget is spent")
	}
	d.scheduleRetry(ctx, l, &sc, truncate(respBody))
}

func (d *Dispatcher) send(ctx context.Context, url string, l *domain.WebhookLog, body []byte, signature string, sentAt time.Time) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-KasGate-Event", string(l.Event))
	req.Header.Set("X-KasGate-Delivery", l.DeliveryID.String())
	req.Header.Set("X-KasGate-Signature", signature)
	req.Header.Set("X-KasGate-Timestamp", sentAt.UTC().Format(time.RFC3339))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("delivering webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseTruncate))
	return resp.StatusCode, string(respBody), nil
}

// scheduleRetry bumps attempts and computes the next backoff,
// dead-lettering once maxAttn is reached.
func (d *Dispatcher) scheduleRetry(ctx context.Context, l *domain.WebhookLog, statusCode *int, response string) {
	attempts := l.Attempts + 1
	if attempts >= d.maxAttn {
		d.deadLetter(ctx, l, statusCode, response)
		return
	}

	next := time.Now().Add(backoff.WebhookRetry.Duration(attempts))
	if err := d.store.WebhookLogs().MarkFailed(ctx, l.ID, attempts, &next, statusCode, response); err != nil {
		d.log.Error().Err(err).Str("delivery_id", l.DeliveryID.String()).Msg("failed to persist webhook retry schedule")
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, l *domain.WebhookLog, statusCode *int, response string) {
	attempts := l.Attempts + 1
	if attempts < d.maxAttn {
		attempts = d.maxAttn
	}
	if err := d.store.WebhookLogs().MarkFailed(ctx, l.ID, attempts, nil, statusCode, response); err != nil {
		d.log.Error().Err(err).Str("delivery_id", l.DeliveryID.String()).Msg("failed to persist dead-lettered webhook log")
		return
	}
	d.log.Warn().Str("delivery_id", l.DeliveryID.String()).Int("attempts", attempts).Msg("webhook dead-lettered after exhausting retry budget")
}

func truncate(s string) string {
	if len(s) > responseTruncate {
		return s[:responseTruncate]
	}
	return s
}

func cacheKey(deliveryID uuid.UUID) string {
	return "webhook:delivered:" + deliveryID.String()
}

