package chain

import (
	"context"
	"sync"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/rs/zerolog"
)

const (
	rpcPollInterval = 2 * time.Second
	lateReconciliation = 30 * time.Second
	reconciliationTimeout = 15 * time.Second
)

// Watcher implements ports.ChainWatcher (C5): it merges RpcClient and
// RestPoller into one deduplicated PaymentEvent stream and owns the
// failover policy.
type Watcher struct {
	rpc ports.RpcClient
	poller ports.RestPoller
	dedup DedupWindow
	log zerolog.Logger

	mu sync.Mutex
	watched map[string]struct{}
	rpcLastSeen map[string]time.Time
	cb ports.EventCallback
	wasConnected bool

	cancel context.CancelFunc
	done chan struct{}
}

// NewWatcher builds a ChainWatcher over rpc and poller, using dedup for
// the (address, txId) sliding-window suppression. Pass an
// InProcDedupWindow when no Redis client is configured.
func NewWatcher(rpc ports.RpcClient, poller ports.RestPoller, dedup DedupWindow, log zerolog.Logger) *Watcher {
	return &Watcher{
		rpc: rpc,
		poller: poller,
		dedup: dedup,
		log: log.With().Str("component", "chain_watcher").Logger(),
		watched: make(map[string]struct{}),
		rpcLastSeen: make(map[string]time.Time),
	}
}

func (w *Watcher) OnEvent(cb ports.EventCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cb = cb
}

func (w *Watcher) WatchAddress(address string) error {
	w.mu.Lock()
	w.watched[address] = struct{}{}
	w.mu.Unlock()

	if err := w.rpc.Subscribe(address); err != nil {
		return err
	}
	return w.poller.Watch(address)
}

func (w *Watcher) UnwatchAddress(address string) error {
	w.mu.Lock()
	delete(w.watched, address)
	w.mu.Unlock()

	if err := w.rpc.Unsubscribe(address); err != nil {
		return err
	}
	return w.poller.Unwatch(address)
}

func (w *Watcher) Start(ctx context.Context) error {
	w.rpc.OnEvent(func(e domain.PaymentEvent) { w.handle(ctx, e) })
	w.poller.OnEvent(func(e domain.PaymentEvent) { w.handle(ctx, e) })

	if err := w.rpc.Start(ctx); err != nil {
		return err
	}
	if err := w.poller.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.monitorConnection(runCtx)
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := w.rpc.Stop(ctx); err != nil {
		return err
	}
	return w.poller.Stop(ctx)
}

// monitorConnection tracks RpcClient's connectivity to flip the poller's
// cadence and trigger a reconciliation sweep on recovery.
func (w *Watcher) monitorConnection(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(rpcPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := w.rpc.IsConnected()
			w.poller.SetCadence(!connected)

			w.mu.Lock()
			wasConnected := w.wasConnected
			w.wasConnected = connected
			w.mu.Unlock()

			if connected && !wasConnected {
				w.reconcile(ctx)
			}
		}
	}
}

// reconcile issues getUtxos against every watched address and replays the
// result through the same handling path, so a recovered RPC connection
// doesn't miss anything the poller covered for it while it was down.
func (w *Watcher) reconcile(ctx context.Context) {
	reconcileCtx, cancel := context.WithTimeout(ctx, reconciliationTimeout)
	defer cancel()

	w.mu.Lock()
	addrs := make([]string, 0, len(w.watched))
	for a := range w.watched {
		addrs = append(addrs, a)
	}
	w.mu.Unlock()

	for _, addr := range addrs {
		utxos, err := w.rpc.GetUtxos(reconcileCtx, addr)
		if err != nil {
			w.log.Warn().Err(err).Str("address", addr).Msg("reconciliation sweep failed")
			continue
		}
		for _, u := range utxos {
			w.handle(ctx, domain.PaymentEvent{
					Address: addr,
					TxID: u.TxID,
					AmountSompi: u.AmountSompi,
					Confirmations: u.Confirmations,
					Source: domain.EventSourceRPC,
				})
		}
	}
}

func (w *Watcher) handle(ctx context.Context, e domain.PaymentEvent) {
	key := e.Key()

	if e.Source == domain.EventSourceRPC {
		w.mu.Lock()
		w.rpcLastSeen[key] = time.Now()
		w.mu.Unlock()
	}

	if e.Source == domain.EventSourceREST && !e.Removed {
		w.mu.Lock()
		lastRPC, seenByRPC := w.rpcLastSeen[key]
		rpcUp := w.wasConnected
		w.mu.Unlock()

		if rpcUp && seenByRPC && time.Since(lastRPC) < lateReconciliation {
			return // already surfaced by the primary feed
		}
	}

	allow, err := w.dedup.Allow(ctx, key, e.Confirmations, e.Removed)
	if err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("dedup window check failed, forwarding anyway")
	} else if !allow {
		return
	}

	w.mu.Lock()
	cb := w.cb
	w.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

