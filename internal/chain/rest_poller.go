package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/rs/zerolog"
)

const (
	activeCadence = 3 * time.Second
	standbyCadence = 30 * time.Second
	dedupCapacityPerKey = 10_000
)

type restUtxo struct {
	TxID string `json:"txId"`
	OutputIndex uint32 `json:"outputIndex"`
	AmountSompi string `json:"amountSompi"`
	Confirmations int `json:"confirmations"`
}

// HTTPRestPoller implements ports.RestPoller by polling a REST indexer
// endpoint per watched address on a ticker, matching active/standby
// cadence and per-address bounded dedup.
type HTTPRestPoller struct {
	baseURL string
	client *http.Client
	log zerolog.Logger

	mu sync.Mutex
	watched map[string]struct{}
	dedup map[string]*boundedLRU
	active bool
	cb ports.EventCallback
	tickerMu sync.Mutex
	ticker *time.Ticker

	cancel context.CancelFunc
	done chan struct{}
}

// NewHTTPRestPoller builds a RestPoller against the given REST API base
// URL (e.g. https://api.kaspa.org), using client for each poll request.
func NewHTTPRestPoller(baseURL string, client *http.Client, log zerolog.Logger) *HTTPRestPoller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRestPoller{
		baseURL: baseURL,
		client: client,
		log: log.With().Str("component", "rest_poller").Logger(),
		watched: make(map[string]struct{}),
		dedup: make(map[string]*boundedLRU),
		active: false,
	}
}

func (p *HTTPRestPoller) OnEvent(cb ports.EventCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

func (p *HTTPRestPoller) Watch(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched[address] = struct{}{}
	if _, ok := p.dedup[address]; !ok {
		p.dedup[address] = newBoundedLRU(dedupCapacityPerKey)
	}
	return nil
}

func (p *HTTPRestPoller) Unwatch(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, address)
	delete(p.dedup, address)
	return nil
}

func (p *HTTPRestPoller) SetCadence(active bool) {
	p.mu.Lock()
	changed := p.active != active
	p.active = active
	p.mu.Unlock()

	if changed {
		p.resetTicker(active)
	}
}

func (p *HTTPRestPoller) resetTicker(active bool) {
	p.tickerMu.Lock()
	defer p.tickerMu.Unlock()
	if p.ticker == nil {
		return
	}
	interval := standbyCadence
	if active {
		interval = activeCadence
	}
	p.ticker.Reset(interval)
}

func (p *HTTPRestPoller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	interval := standbyCadence
	if active {
		interval = activeCadence
	}

	p.tickerMu.Lock()
	p.ticker = time.NewTicker(interval)
	ticker := p.ticker
	p.tickerMu.Unlock()

	go p.run(runCtx, ticker)
	return nil
}

func (p *HTTPRestPoller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *HTTPRestPoller) run(ctx context.Context, ticker *time.Ticker) {
	defer close(p.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *HTTPRestPoller) pollAll(ctx context.Context) {
	p.mu.Lock()
	addrs := make([]string, 0, len(p.watched))
	for a := range p.watched {
		addrs = append(addrs, a)
	}
	p.mu.Unlock()

	for _, addr := range addrs {
		if err := p.pollOne(ctx, addr); err != nil {
			p.log.Warn().Err(err).Str("address", addr).Msg("rest poll failed")
		}
	}
}

func (p *HTTPRestPoller) pollOne(ctx context.Context, address string) error {
	utxos, err := p.fetchUtxos(ctx, address)
	if err != nil {
		return err
	}

	p.mu.Lock()
	dedup, ok := p.dedup[address]
	cb := p.cb
	p.mu.Unlock()
	if !ok || cb == nil {
		return nil
	}

	for _, u := range utxos {
		amount, ok := new(big.Int).SetString(u.AmountSompi, 10)
		if !ok {
			continue
		}

		key := fmt.Sprintf("%s:%d", u.TxID, u.OutputIndex)
		p.mu.Lock()
		emit := dedup.shouldEmit(key, u.Confirmations)
		p.mu.Unlock()
		if !emit {
			continue // already reported at this confirmation depth
		}

		cb(domain.PaymentEvent{
				Address: address,
				TxID: u.TxID,
				AmountSompi: amount,
				Confirmations: u.Confirmations,
				Source: domain.EventSourceREST,
			})
	}
	return nil
}

func (p *HTTPRestPoller) fetchUtxos(ctx context.Context, address string) ([]restUtxo, error) {
	url := fmt.Sprintf("%s/addresses/%s/utxos", p.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting utxos: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from rest api", resp.StatusCode)
	}

	var utxos []restUtxo
	if err := json.NewDecoder(resp.Body).Decode(&utxos); err != nil {
		return nil, fmt.Errorf("decoding utxo response: %w", err)
	}
	return utxos, nil
}

