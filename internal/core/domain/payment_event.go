package domain

import "math/big"

// EventSource identifies which watcher produced a PaymentEvent, for logging
// and for the dedup/reconciliation rules.
type EventSource string

const (
	EventSourceRPC EventSource = "rpc"
	EventSourceREST EventSource = "rest"
)

// PaymentEvent is the single wire shape C3 and C4 both emit and that C5
// re-serializes into one logical stream for C6.
type PaymentEvent struct {
	Address string
	TxID string
	AmountSompi *big.Int
	Confirmations int
	Source EventSource
	// Removed marks a synthetic reorg signal: the tx identified by TxID is no
	// longer present at Address. AmountSompi and Confirmations are unset.
	Removed bool
}

// Key returns the (address, txId) dedup key used by C5's sliding window.
func (e PaymentEvent) Key() string {
	return e.Address + "|" + e.TxID
}

