// Package chain implements C3 (RpcClient), C4 (RestPoller) and C5
// (ChainWatcher): the node-facing event feed and its REST fallback.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmz4pf/kasgate-sub001/internal/backoff"
	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	heartbeatInterval = 15 * time.Second
	degradedAfterMisses = 2
	disconnectAfterMiss = 5
	requestTimeout = 10 * time.Second
)

// wire message shapes follow the node's JSON-RPC subscription protocol: a
// method name and params array for requests, notifications delivered
// unsolicited as {"method", "params": {...}} with the UTXO notification
// object itself as params, and call responses correlated by "id".
type rpcFrame struct {
	ID int64 `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error string `json:"error,omitempty"`
}

type utxoNotification struct {
	Address string `json:"address"`
	TxID string `json:"txId"`
	OutputIndex uint32 `json:"outputIndex"`
	AmountSompi string `json:"amountSompi"`
	Confirmations int `json:"confirmations"`
	Removed bool `json:"removed"`
}

type utxoListResult struct {
	Utxos []struct {
		TxID string `json:"txId"`
		OutputIndex uint32 `json:"outputIndex"`
		AmountSompi string `json:"amountSompi"`
		Confirmations int `json:"confirmations"`
	} `json:"utxos"`
}

type confirmationsResult struct {
	Confirmations int `json:"confirmations"`
}

// WSRpcClient implements ports.RpcClient over a gorilla/websocket
// connection to the node's subscription feed, matching state
// machine and reconnect policy.
type WSRpcClient struct {
	url string
	dialer *websocket.Dialer
	log zerolog.Logger

	mu sync.RWMutex
	conn *websocket.Conn
	state ports.ConnState
	subscriptions map[string]struct{}
	missedPings int
	cb ports.EventCallback
	pending map[int64]chan rpcFrame

	nextID int64
	cancel context.CancelFunc
	done chan struct{}
}

// NewWSRpcClient builds an RpcClient dialing url on Start.
func NewWSRpcClient(url string, log zerolog.Logger) *WSRpcClient {
	return &WSRpcClient{
		url: url,
		dialer: websocket.DefaultDialer,
		log: log.With().Str("component", "rpc_client").Logger(),
		state: ports.ConnStateDisconnected,
		subscriptions: make(map[string]struct{}),
		pending: make(map[int64]chan rpcFrame),
	}
}

func (c *WSRpcClient) OnEvent(cb ports.EventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Start launches the connect-and-listen loop in the background; it returns
// once the first connection attempt has been dispatched, not once connected.
func (c *WSRpcClient) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx)
	return nil
}

func (c *WSRpcClient) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *WSRpcClient) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		c.setState(ports.ConnStateConnecting)
		if err := c.connectAndListen(ctx); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("rpc connection lost")
		} else {
			attempt = 0
		}
		c.setState(ports.ConnStateDisconnected)
		c.failPending()

		delay := backoff.RPCReconnect.Duration(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *WSRpcClient) connectAndListen(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing rpc endpoint: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.missedPings = 0
	subs := make([]string, 0, len(c.subscriptions))
	for addr := range c.subscriptions {
		subs = append(subs, addr)
	}
	c.mu.Unlock()

	// re-install remembered subscriptions before any fresh event is let
	// through to consumers.
	for _, addr := range subs {
		if err := c.writeSubscribe(addr); err != nil {
			return fmt.Errorf("re-subscribing %s: %w", addr, err)
		}
	}

	c.setState(ports.ConnStateConnected)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(heartbeatCtx, conn)

	conn.SetPongHandler(func(string) error {
			c.mu.Lock()
			c.missedPings = 0
			c.mu.Unlock()
			if c.State() == ports.ConnStateDegraded {
				c.setState(ports.ConnStateConnected)
			}
			return nil
		})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var frame rpcFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		if frame.ID != 0 {
			c.resolvePending(frame)
			continue
		}
		if frame.Method != "utxoChanged" {
			continue
		}

		var u utxoNotification
		if err := json.Unmarshal(frame.Params, &u); err != nil {
			c.log.Warn().Err(err).Msg("malformed utxo notification")
			continue
		}
		c.deliver(u)
	}
}

func (c *WSRpcClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.mu.Lock()
			c.missedPings++
			missed := c.missedPings
			c.mu.Unlock()

			switch {
			case missed >= disconnectAfterMiss:
				conn.Close()
				return
			case missed >= degradedAfterMisses:
				c.setState(ports.ConnStateDegraded)
			}
		}
	}
}

func (c *WSRpcClient) deliver(u utxoNotification) {
	amount, ok := new(big.Int).SetString(u.AmountSompi, 10)
	if !ok && !u.Removed {
		c.log.Warn().Str("raw", u.AmountSompi).Msg("malformed sompi amount in notification")
		return
	}

	c.mu.RLock()
	cb := c.cb
	c.mu.RUnlock()
	if cb == nil {
		return
	}

	cb(domain.PaymentEvent{
			Address: u.Address,
			TxID: u.TxID,
			AmountSompi: amount,
			Confirmations: u.Confirmations,
			Source: domain.EventSourceRPC,
			Removed: u.Removed,
		})
}

func (c *WSRpcClient) writeSubscribe(address string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	params, _ := json.Marshal([]interface{}{address})
	return conn.WriteJSON(rpcFrame{Method: "subscribeUtxosChanged", Params: params})
}

func (c *WSRpcClient) Subscribe(address string) error {
	c.mu.Lock()
	c.subscriptions[address] = struct{}{}
	connected := c.state == ports.ConnStateConnected || c.state == ports.ConnStateDegraded
	c.mu.Unlock()

	if !connected {
		return nil // re-installed on next successful connect
	}
	return c.writeSubscribe(address)
}

func (c *WSRpcClient) Unsubscribe(address string) error {
	c.mu.Lock()
	delete(c.subscriptions, address)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	params, _ := json.Marshal([]interface{}{address})
	return conn.WriteJSON(rpcFrame{Method: "unsubscribeUtxosChanged", Params: params})
}

// call issues a request/response RPC over the subscription socket,
// correlating the reply by ID. Used by GetUtxos/GetConfirmations and by
// ChainWatcher's reconciliation sweep.
func (c *WSRpcClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("rpc client not connected")
	}

	id := atomic.AddInt64(&c.nextID, 1)
	replyCh := make(chan rpcFrame, 1)

	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding request params: %w", err)
	}
	if err := conn.WriteJSON(rpcFrame{ID: id, Method: method, Params: rawParams}); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return nil, fmt.Errorf("rpc error: %s", reply.Error)
		}
		return reply.Result, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("rpc call %s timed out: %w", method, timeoutCtx.Err())
	}
}

func (c *WSRpcClient) resolvePending(frame rpcFrame) {
	c.mu.RLock()
	ch, ok := c.pending[frame.ID]
	c.mu.RUnlock()
	if ok {
		ch <- frame
	}
}

func (c *WSRpcClient) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcFrame{ID: id, Error: "connection lost"}
	}
}

func (c *WSRpcClient) GetUtxos(ctx context.Context, address string) ([]ports.Utxo, error) {
	raw, err := c.call(ctx, "getUtxosByAddress", []interface{}{address})
	if err != nil {
		return nil, fmt.Errorf("getUtxosByAddress: %w", err)
	}

	var result utxoListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding utxo list: %w", err)
	}

	utxos := make([]ports.Utxo, 0, len(result.Utxos))
	for _, u := range result.Utxos {
		amount, ok := new(big.Int).SetString(u.AmountSompi, 10)
		if !ok {
			continue
		}
		utxos = append(utxos, ports.Utxo{
				TxID: u.TxID,
				OutputIndex: u.OutputIndex,
				AmountSompi: amount,
				Confirmations: u.Confirmations,
			})
	}
	return utxos, nil
}

func (c *WSRpcClient) GetConfirmations(ctx context.Context, txID string) (int, error) {
	raw, err := c.call(ctx, "getTransactionConfirmations", []interface{}{txID})
	if err != nil {
		return 0, fmt.Errorf("getTransactionConfirmations: %w", err)
	}
	var result confirmationsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decoding confirmations: %w", err)
	}
	return result.Confirmations, nil
}

func (c *WSRpcClient) IsConnected() bool {
	s := c.State()
	return s == ports.ConnStateConnected || s == ports.ConnStateDegraded
}

func (c *WSRpcClient) State() ports.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *WSRpcClient) setState(s ports.ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.log.Info().Str("state", string(s)).Msg("rpc connection state changed")
	}
}

