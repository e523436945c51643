package ports

import (
	"context"
	"math/big"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
)

// ConnState is C3's connection state machine.
type ConnState string

const (
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateConnecting ConnState = "connecting"
	ConnStateConnected ConnState = "connected"
	ConnStateDegraded ConnState = "degraded"
)

// EventCallback is how RpcClient and RestPoller deliver PaymentEvents to
// their shared consumer (C5).
type EventCallback func(domain.PaymentEvent)

// RpcClient is C3: a thin wrapper over the node's websocket/RPC feed.
type RpcClient interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsConnected() bool
	State() ConnState
	Subscribe(address string) error
	Unsubscribe(address string) error
	GetUtxos(ctx context.Context, address string) ([]Utxo, error)
	GetConfirmations(ctx context.Context, txID string) (int, error)
	// OnEvent registers the single downstream consumer (C5). Called once
	// during wiring, before Start.
	OnEvent(cb EventCallback)
}

// Utxo is a minimal unspent-output view, enough for amount matching.
type Utxo struct {
	TxID string
	OutputIndex uint32
	AmountSompi *big.Int
	Confirmations int
}

// RestPoller is C4: periodic REST polling fallback over a watched-address
// set, emitting synthetic events on the same shape as C3.
type RestPoller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Watch(address string) error
	Unwatch(address string) error
	// SetCadence switches between active (RPC down) and standby (RPC up)
	// polling intervals per its failover policy.
	SetCadence(active bool)
	OnEvent(cb EventCallback)
}

// ChainWatcher is C5: merges C3 and C4 into one deduplicated PaymentEvent
// stream and owns the failover policy between them.
type ChainWatcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	WatchAddress(address string) error
	UnwatchAddress(address string) error
	OnEvent(cb EventCallback)
}

