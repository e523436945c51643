// Package session implements C6: the session state machine.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/dmz4pf/kasgate-sub001/internal/sanitize"
	"github.com/dmz4pf/kasgate-sub001/pkg/apperror"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const requiredConfirmationsDefault = 10

// Engine implements ports.SessionEngine: the authoritative state machine
// for payment sessions. Every mutation runs inside a single C1
// transaction; the expiry sweeper and event handling race freely against
// each other because the state machine's transitions form a strict
// partial order and last-writer-wins is sound.
type Engine struct {
	store ports.Store
	addresses ports.AddressService
	watcher ports.ChainWatcher
	webhooks ports.WebhookDispatcher
	tokens *TokenIssuer
	requiredConfirmations int
	log zerolog.Logger
}

// Config holds the tunables Engine needs beyond its collaborators.
type Config struct {
	RequiredConfirmations int
}

// NewEngine builds a SessionEngine wired to its collaborators.
func NewEngine(store ports.Store, addresses ports.AddressService, watcher ports.ChainWatcher, webhooks ports.WebhookDispatcher, tokens *TokenIssuer, cfg Config, log zerolog.Logger) *Engine {
	required := cfg.RequiredConfirmations
	if required <= 0 {
		required = requiredConfirmationsDefault
	}
	return &Engine{
		store: store,
		addresses: addresses,
		watcher: watcher,
		webhooks: webhooks,
		tokens: tokens,
		requiredConfirmations: required,
		log: log.With().Str("component", "session_engine").Logger(),
	}
}

// CreateSession implements session creation contract: allocate an address
// (AllocateNextAddress commits its own transaction first), then within a
// second transaction insert the pending session (subscription token
// included) and enqueue the payment.pending webhook; address registration
// with C5 happens after commit since it isn't transactional state. The two
// transactions are not atomic together: if the second one fails, the
// allocated address index stays consumed.
func (e *Engine) CreateSession(ctx context.Context, req ports.CreateSessionRequest) (*domain.Session, error) {
	if req.AmountSompi == nil || req.AmountSompi.Sign() <= 0 {
		return nil, apperror.ErrInvalidAmount()
	}
	if req.TTLSeconds < 60 || req.TTLSeconds > 86400 {
		return nil, apperror.ErrInvalidTTL()
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	orderID := sanitize.String(req.OrderID)
	metadata := sanitize.Metadata(req.Metadata)

	derived, addrIndex, err := e.addresses.AllocateNextAddress(ctx, req.MerchantID)
	if err != nil {
		return nil, apperror.ErrDerivationFailed(err)
	}

	now := time.Now()
	sess := &domain.Session{
		ID: uuid.New(),
		MerchantID: req.MerchantID,
		Address: derived.Address,
		AddressIndex: addrIndex,
		AmountSompi: req.AmountSompi,
		Status: domain.SessionStatusPending,
		OrderID: orderID,
		Metadata: metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(req.TTLSeconds) * time.Second),
	}

	if e.tokens != nil {
		token, err := e.tokens.Issue(sess.ID, sess.ExpiresAt)
		if err != nil {
			e.log.Error().Err(err).Msg("failed to issue subscription token")
		} else {
			sess.SubscriptionToken = token
		}
	}

	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
			if err := e.store.Sessions().Create(ctx, tx, sess); err != nil {
				return apperror.ErrDatabaseError(err)
			}
			return e.webhooks.Enqueue(ctx, tx, sess.ID, domain.WebhookEventPending, sess)
		})
	if err != nil {
		return nil, err
	}

	if err := e.watcher.WatchAddress(sess.Address); err != nil {
		e.log.Error().Err(err).Str("address", sess.Address).Msg("failed to register address with chain watcher")
	}

	return sess, nil
}

func (e *Engine) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	sess, err := e.store.Sessions().GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if sess == nil {
		return nil, apperror.ErrNotFound("session")
	}
	return sess, nil
}

func (e *Engine) ListSessions(ctx context.Context, params ports.SessionListParams) ([]*domain.Session, int64, error) {
	sessions, total, err := e.store.Sessions().List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(err)
	}
	return sessions, total, nil
}

// CancelSession performs the reserved pending -> failed transition. No
// webhook is emitted.
func (e *Engine) CancelSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	var result *domain.Session

	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
			sess, err := e.store.Sessions().GetByIDForUpdate(ctx, tx, id)
			if err != nil {
				return apperror.ErrDatabaseError(err)
			}
			if sess == nil {
				return apperror.ErrNotFound("session")
			}
			if sess.Status != domain.SessionStatusPending {
				return apperror.New("CON_004", "only a pending session can be cancelled", apperror.ClassConflict, 409)
			}

			sess.Status = domain.SessionStatusFailed
			if err := e.store.Sessions().Update(ctx, tx, sess); err != nil {
				return apperror.ErrDatabaseError(err)
			}
			result = sess
			return nil
		})
	if err != nil {
		return nil, err
	}

	if err := e.watcher.UnwatchAddress(result.Address); err != nil {
		e.log.Error().Err(err).Str("address", result.Address).Msg("failed to unwatch address on cancel")
	}
	return result, nil
}

// HandleEvent applies a PaymentEvent per its numbered rules.
func (e *Engine) HandleEvent(ctx context.Context, event domain.PaymentEvent) {
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
			sess, err := e.store.Sessions().GetByAddressForUpdate(ctx, tx, event.Address)
			if err != nil {
				return fmt.Errorf("locking session for address %s: %w", event.Address, err)
			}
			if sess == nil {
				return nil // rule 1: no session for this address, discard
			}

			return e.applyEvent(ctx, tx, sess, event)
		})
	if err != nil {
		e.log.Error().Err(err).Str("address", event.Address).Str("tx_id", event.TxID).Msg("failed to handle chain event")
	}
}

func (e *Engine) applyEvent(ctx context.Context, tx pgx.Tx, sess *domain.Session, event domain.PaymentEvent) error {
	switch sess.Status {
	case domain.SessionStatusConfirmed, domain.SessionStatusExpired, domain.SessionStatusFailed:
		// rule 2: discard, except a confirmed session may silently bump
		// its confirmation count.
		if sess.Status == domain.SessionStatusConfirmed && sess.TxID == event.TxID && event.Confirmations > sess.Confirmations {
			sess.Confirmations = event.Confirmations
			return e.store.Sessions().Update(ctx, tx, sess)
		}
		return nil

	case domain.SessionStatusPending:
		if event.Removed {
			return nil
		}
		if !sess.MatchesAmount(event.AmountSompi) {
			return nil // rule 3: underpayment ignored
		}
		// rule 4: first match moves to confirming regardless of event.Confirmations;
		// a late-arriving event already past 0 confirmations still starts the clock here.
		now := time.Now()
		sess.Status = domain.SessionStatusConfirming
		sess.TxID = event.TxID
		sess.PaidAt = &now
		sess.Confirmations = event.Confirmations
		if err := e.store.Sessions().Update(ctx, tx, sess); err != nil {
			return err
		}
		if err := e.webhooks.Enqueue(ctx, tx, sess.ID, domain.WebhookEventConfirming, sess); err != nil {
			return err
		}
		if sess.Confirmations >= e.requiredConfirmations {
			return e.confirm(ctx, tx, sess)
		}
		return nil

	case domain.SessionStatusConfirming:
		if event.TxID != sess.TxID {
			// rule: tie-break — first observed txId wins; a second distinct
			// txId matching the same address is logged for operator review.
			e.log.Warn().
				Str("session_id", sess.ID.String()).
				Str("address", sess.Address).
				Str("confirming_tx_id", sess.TxID).
				Str("ignored_tx_id", event.TxID).
				Msg("ignoring second distinct txId matching session amount")
			return nil
		}
		if event.Removed {
			// rule 6: reorg — revert to pending (or expire if the deadline has passed).
			sess.TxID = ""
			sess.PaidAt = nil
			sess.Confirmations = 0
			if sess.IsExpired(time.Now()) {
				sess.Status = domain.SessionStatusExpired
				if err := e.store.Sessions().Update(ctx, tx, sess); err != nil {
					return err
				}
				return e.webhooks.Enqueue(ctx, tx, sess.ID, domain.WebhookEventExpired, sess)
			}
			sess.Status = domain.SessionStatusPending
			return e.store.Sessions().Update(ctx, tx, sess)
		}

		if event.Confirmations > sess.Confirmations {
			sess.Confirmations = event.Confirmations
		}
		if sess.Confirmations >= e.requiredConfirmations {
			return e.confirm(ctx, tx, sess)
		}
		return e.store.Sessions().Update(ctx, tx, sess)

	default:
		return nil
	}
}

func (e *Engine) confirm(ctx context.Context, tx pgx.Tx, sess *domain.Session) error {
	now := time.Now()
	sess.Status = domain.SessionStatusConfirmed
	sess.ConfirmedAt = &now
	if err := e.store.Sessions().Update(ctx, tx, sess); err != nil {
		return err
	}
	if err := e.webhooks.Enqueue(ctx, tx, sess.ID, domain.WebhookEventConfirmed, sess); err != nil {
		return err
	}
	if err := e.watcher.UnwatchAddress(sess.Address); err != nil {
		e.log.Error().Err(err).Str("address", sess.Address).Msg("failed to unwatch confirmed session's address")
	}
	return nil
}

// SweepExpired runs one pass of expiry sweeper.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expirable, err := e.store.Sessions().ListExpirable(ctx, time.Now(), 500)
	if err != nil {
		return 0, apperror.ErrDatabaseError(err)
	}

	count := 0
	for _, sess := range expirable {
		if err := e.expireOne(ctx, sess.ID); err != nil {
			e.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to expire session")
			continue
		}
		count++
	}
	return count, nil
}

func (e *Engine) expireOne(ctx context.Context, id uuid.UUID) error {
	var address string
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
			sess, err := e.store.Sessions().GetByIDForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if sess == nil || sess.Status != domain.SessionStatusPending || !sess.IsExpired(time.Now()) {
				return nil // raced with event handling; no longer applicable
			}

			sess.Status = domain.SessionStatusExpired
			if err := e.store.Sessions().Update(ctx, tx, sess); err != nil {
				return err
			}
			address = sess.Address
			return e.webhooks.Enqueue(ctx, tx, sess.ID, domain.WebhookEventExpired, sess)
		})
	if err != nil {
		return err
	}
	if address != "" {
		return e.watcher.UnwatchAddress(address)
	}
	return nil
}

func validateMetadata(metadata map[string]string) error {
	if len(metadata) > domain.MetadataMaxKeys {
		return apperror.ErrMetadataTooLarge()
	}
	total := 0
	for k, v := range metadata {
		if len(k) > domain.MetadataMaxKeyLen || len(v) > domain.MetadataMaxValueLen {
			return apperror.ErrMetadataTooLarge()
		}
		total += len(k) + len(v)
	}
	if total > domain.MetadataMaxSerializedBytes {
		return apperror.ErrMetadataTooLarge()
	}
	return nil
}

