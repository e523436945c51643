package chain

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRpcClient is a minimal, synchronous ports.RpcClient stand-in for
// exercising the watcher's merge and failover logic without a real socket.
type fakeRpcClient struct {
	mu        sync.Mutex
	connected bool
	cb        ports.EventCallback
	utxos     map[string][]ports.Utxo
}

func newFakeRpcClient() *fakeRpcClient {
	return &fakeRpcClient{utxos: make(map[string][]ports.Utxo)}
}

func (f *fakeRpcClient) Start(ctx context.Context) error { return nil }
func (f *fakeRpcClient) Stop(ctx context.Context) error  { return nil }
func (f *fakeRpcClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeRpcClient) State() ports.ConnState {
	if f.IsConnected() {
		return ports.ConnStateConnected
	}
	return ports.ConnStateDisconnected
}
func (f *fakeRpcClient) Subscribe(address string) error   { return nil }
func (f *fakeRpcClient) Unsubscribe(address string) error { return nil }
func (f *fakeRpcClient) GetUtxos(ctx context.Context, address string) ([]ports.Utxo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utxos[address], nil
}
func (f *fakeRpcClient) GetConfirmations(ctx context.Context, txID string) (int, error) {
	return 0, nil
}
func (f *fakeRpcClient) OnEvent(cb ports.EventCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}
func (f *fakeRpcClient) emit(e domain.PaymentEvent) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}
func (f *fakeRpcClient) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// fakePoller is a minimal ports.RestPoller stand-in.
type fakePoller struct {
	mu     sync.Mutex
	cb     ports.EventCallback
	active bool
}

func newFakePoller() *fakePoller { return &fakePoller{} }

func (f *fakePoller) Start(ctx context.Context) error { return nil }
func (f *fakePoller) Stop(ctx context.Context) error  { return nil }
func (f *fakePoller) Watch(address string) error      { return nil }
func (f *fakePoller) Unwatch(address string) error     { return nil }
func (f *fakePoller) SetCadence(active bool) {
	f.mu.Lock()
	f.active = active
	f.mu.Unlock()
}
func (f *fakePoller) OnEvent(cb ports.EventCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}
func (f *fakePoller) emit(e domain.PaymentEvent) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func newTestWatcher() (*Watcher, *fakeRpcClient, *fakePoller, *[]domain.PaymentEvent) {
	rpc := newFakeRpcClient()
	poller := newFakePoller()
	w := NewWatcher(rpc, poller, NewInProcDedupWindow(), zerolog.Nop())

	var received []domain.PaymentEvent
	w.OnEvent(func(e domain.PaymentEvent) { received = append(received, e) })

	// Start wires the callbacks onto rpc/poller without launching the real
	// monitor loop side effects we don't need direct control over here.
	rpc.OnEvent(func(e domain.PaymentEvent) { w.handle(context.Background(), e) })
	poller.OnEvent(func(e domain.PaymentEvent) { w.handle(context.Background(), e) })

	return w, rpc, poller, &received
}

func TestWatcher_ForwardsFirstRPCEvent(t *testing.T) {
	w, rpc, _, received := newTestWatcher()
	require.NoError(t, w.WatchAddress("kaspa:addr1"))

	rpc.emit(domain.PaymentEvent{Address: "kaspa:addr1", TxID: "tx1", AmountSompi: big.NewInt(100), Source: domain.EventSourceRPC})

	assert.Len(t, *received, 1)
}

func TestWatcher_SuppressesStandbyRESTEventAlreadySeenByRPC(t *testing.T) {
	w, rpc, poller, received := newTestWatcher()
	rpc.setConnected(true)
	w.wasConnected = true

	rpc.emit(domain.PaymentEvent{Address: "kaspa:addr1", TxID: "tx1", AmountSompi: big.NewInt(100), Source: domain.EventSourceRPC})
	poller.emit(domain.PaymentEvent{Address: "kaspa:addr1", TxID: "tx1", AmountSompi: big.NewInt(100), Source: domain.EventSourceREST})

	assert.Len(t, *received, 1, "the REST echo of an already-surfaced RPC event should be suppressed")
}

func TestWatcher_ForwardsRESTEventWhenRPCHasNotSurfacedIt(t *testing.T) {
	w, _, poller, received := newTestWatcher()
	w.wasConnected = true // RPC up, but never emitted this key

	poller.emit(domain.PaymentEvent{Address: "kaspa:addr1", TxID: "tx-unseen", AmountSompi: big.NewInt(100), Source: domain.EventSourceREST})

	assert.Len(t, *received, 1, "late reconciliation: REST can surface what RPC missed")
}

func TestWatcher_DedupesRepeatedEventsAtSameConfirmations(t *testing.T) {
	w, rpc, _, received := newTestWatcher()

	rpc.emit(domain.PaymentEvent{Address: "kaspa:addr1", TxID: "tx1", AmountSompi: big.NewInt(100), Confirmations: 0, Source: domain.EventSourceRPC})
	rpc.emit(domain.PaymentEvent{Address: "kaspa:addr1", TxID: "tx1", AmountSompi: big.NewInt(100), Confirmations: 0, Source: domain.EventSourceRPC})

	assert.Len(t, *received, 1)
}

func TestWatcher_ConfirmationIncreaseBypassesDedup(t *testing.T) {
	w, rpc, _, received := newTestWatcher()

	rpc.emit(domain.PaymentEvent{Address: "kaspa:addr1", TxID: "tx1", AmountSompi: big.NewInt(100), Confirmations: 0, Source: domain.EventSourceRPC})
	rpc.emit(domain.PaymentEvent{Address: "kaspa:addr1", TxID: "tx1", AmountSompi: big.NewInt(100), Confirmations: 1, Source: domain.EventSourceRPC})

	assert.Len(t, *received, 2)
}

func TestWatcher_UnwatchAddressDoesNotError(t *testing.T) {
	w, _, _, _ := newTestWatcher()
	require.NoError(t, w.WatchAddress("kaspa:addr1"))
	assert.NoError(t, w.UnwatchAddress("kaspa:addr1"))
}
