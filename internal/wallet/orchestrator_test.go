package wallet

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/Klingon-tech/klingwatch/internal/conn"
	"github.com/Klingon-tech/klingwatch/internal/ledger"
	"github.com/Klingon-tech/klingwatch/pkg/types"
)

// creditTx builds a transaction paying value to addr.
func creditTx(txid, addr string, value int64, confirmed bool, height int64) types.Transaction {
	return types.Transaction{
		TxID: txid,
		Vout: []types.Vout{{ScriptpubkeyAddress: addr, Value: value}},
		Status: types.TxStatus{
			Confirmed:   confirmed,
			BlockHeight: height,
		},
	}
}

type fetchCall struct {
	address      string
	resumeTxid   string
	resumeHeight int64
}

// fakeFetcher serves canned per-address histories, oldest first, and
// records each call. onFetch, when set, runs before the history is
// returned so tests can interleave live events or drop the connection
// mid-resync.
type fakeFetcher struct {
	mu      sync.Mutex
	history map[string][]types.Transaction
	calls   []fetchCall
	err     error
	onFetch func(address string)
}

func (f *fakeFetcher) Fetch(ctx context.Context, address, resumeTxid string, resumeHeight int64) ([]types.Transaction, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{address, resumeTxid, resumeHeight})
	hook := f.onFetch
	err := f.err
	txs := append([]types.Transaction(nil), f.history[address]...)
	f.mu.Unlock()

	if hook != nil {
		hook(address)
	}
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (f *fakeFetcher) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

// fakeLive records subscription replacements.
type fakeLive struct {
	mu        sync.Mutex
	connected bool
	tracked   [][]string
	trackErr  error
}

func (f *fakeLive) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLive) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeLive) TrackAddresses(addresses []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return f.trackErr
	}
	f.tracked = append(f.tracked, append([]string(nil), addresses...))
	return nil
}

func (f *fakeLive) trackCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.tracked...)
}

// recorder collects notifications in delivery order.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) observe(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.notes))
	for i, n := range r.notes {
		kinds[i] = n.Kind
	}
	return kinds
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func newTestOrchestrator(history map[string][]types.Transaction, connected bool) (*Orchestrator, *fakeFetcher, *fakeLive) {
	f := &fakeFetcher{history: history}
	l := &fakeLive{connected: connected}
	return New(Config{Fetcher: f, Live: l}), f, l
}

// seedState builds an AddressState by applying txs to a fresh ledger.
func seedState(addr string, txs ...types.Transaction) types.AddressState {
	led := ledger.New(addr)
	for _, tx := range txs {
		led.AddTransaction(tx, false)
	}
	return led.State()
}

func TestTrackAddresses_OfflineDefersSync(t *testing.T) {
	o, f, l := newTestOrchestrator(nil, false)

	if err := o.TrackAddresses([]string{"addr1"}); err != nil {
		t.Fatalf("TrackAddresses() error: %v", err)
	}

	if len(l.trackCalls()) != 0 {
		t.Error("no subscription should be sent while offline")
	}
	if len(f.fetchCalls()) != 0 {
		t.Error("no fetch should run while offline")
	}
	if _, ok := o.AddressState("addr1"); !ok {
		t.Error("addr1 should be tracked")
	}
}

func TestTrackAddresses_ConnectedSyncsNewAddresses(t *testing.T) {
	tx := creditTx("tx1", "addr1", 100000, true, 500)
	o, f, l := newTestOrchestrator(map[string][]types.Transaction{"addr1": {tx}}, true)

	rec := &recorder{}
	o.Subscribe(KindAny, rec.observe)

	if err := o.TrackAddresses([]string{"addr1"}); err != nil {
		t.Fatalf("TrackAddresses() error: %v", err)
	}

	calls := l.trackCalls()
	if len(calls) != 1 || !reflect.DeepEqual(calls[0], []string{"addr1"}) {
		t.Errorf("track calls = %v, want [[addr1]]", calls)
	}
	if got := f.fetchCalls(); len(got) != 1 || got[0].address != "addr1" {
		t.Fatalf("fetch calls = %v, want one for addr1", got)
	}

	state, _ := o.AddressState("addr1")
	if state.Balance.Confirmed != 100000 {
		t.Errorf("confirmed = %d, want 100000", state.Balance.Confirmed)
	}
	if !state.Ready {
		t.Error("address should be ready after sync")
	}

	want := []EventKind{KindAdded, KindReady}
	if got := rec.kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}
}

func TestTrackAddresses_DuplicatesIgnored(t *testing.T) {
	o, f, _ := newTestOrchestrator(map[string][]types.Transaction{}, true)

	o.TrackAddresses([]string{"addr1"})
	if err := o.TrackAddresses([]string{"addr1"}); err != nil {
		t.Fatalf("TrackAddresses() error: %v", err)
	}

	if got := f.fetchCalls(); len(got) != 1 {
		t.Errorf("got %d fetches, want 1 (duplicate track must not resync)", len(got))
	}
}

func TestUntrackAddresses(t *testing.T) {
	o, _, l := newTestOrchestrator(map[string][]types.Transaction{}, true)
	o.TrackAddresses([]string{"addr1", "addr2"})

	if err := o.UntrackAddresses([]string{"addr1"}); err != nil {
		t.Fatalf("UntrackAddresses() error: %v", err)
	}

	if _, ok := o.AddressState("addr1"); ok {
		t.Error("addr1 should be gone")
	}
	calls := l.trackCalls()
	last := calls[len(calls)-1]
	if !reflect.DeepEqual(last, []string{"addr2"}) {
		t.Errorf("last subscription = %v, want [addr2]", last)
	}
}

func TestUntrackAddresses_UnknownIsNoop(t *testing.T) {
	o, _, l := newTestOrchestrator(nil, true)

	if err := o.UntrackAddresses([]string{"nope"}); err != nil {
		t.Fatalf("UntrackAddresses() error: %v", err)
	}
	if len(l.trackCalls()) != 0 {
		t.Error("untracking an unknown address must not touch the subscription")
	}
}

func TestWalletState_AggregatesAndDeduplicates(t *testing.T) {
	// One transaction pays both tracked addresses.
	shared := types.Transaction{
		TxID: "shared",
		Vout: []types.Vout{
			{ScriptpubkeyAddress: "addr1", Value: 70000},
			{ScriptpubkeyAddress: "addr2", Value: 30000},
		},
		Status: types.TxStatus{Confirmed: true, BlockHeight: 100},
	}
	o, _, _ := newTestOrchestrator(map[string][]types.Transaction{
		"addr1": {shared},
		"addr2": {shared},
	}, true)
	o.TrackAddresses([]string{"addr1", "addr2"})

	state := o.WalletState()
	if len(state.Transactions) != 1 {
		t.Errorf("got %d transactions, want 1 (shared tx deduplicated)", len(state.Transactions))
	}
	if state.Balance.Total != 100000 || state.Balance.Confirmed != 100000 {
		t.Errorf("balance = %+v, want 100000 confirmed", state.Balance)
	}
	if len(state.Utxos) != 2 {
		t.Errorf("got %d utxos, want 2", len(state.Utxos))
	}
	if !state.Ready {
		t.Error("wallet should be ready")
	}
}

func TestResync_UsesResumePointAndRemovesMissing(t *testing.T) {
	stale := creditTx("stale", "addr1", 50000, true, 200)
	kept := creditTx("kept", "addr1", 100000, true, 150)
	o, f, _ := newTestOrchestrator(map[string][]types.Transaction{
		"addr1": {kept}, // the fetch no longer reports "stale"
	}, true)

	rec := &recorder{}
	o.Subscribe(KindRemoved, rec.observe)

	if err := o.Restore(types.WalletState{
		Addresses: map[string]types.AddressState{
			"addr1": seedState("addr1", kept, stale),
		},
	}); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	calls := f.fetchCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d fetches, want 1", len(calls))
	}
	// Resume point is the highest confirmed tx, backed off one block.
	if calls[0].resumeTxid != "stale" || calls[0].resumeHeight != 199 {
		t.Errorf("resume = (%s, %d), want (stale, 199)", calls[0].resumeTxid, calls[0].resumeHeight)
	}

	state, _ := o.AddressState("addr1")
	if state.Balance.Confirmed != 100000 {
		t.Errorf("confirmed = %d, want 100000 after removal", state.Balance.Confirmed)
	}
	notes := rec.all()
	if len(notes) != 1 || notes[0].Tx.TxID != "stale" {
		t.Errorf("removed notifications = %v, want one for stale", notes)
	}
}

func TestResync_RejectsReentrantCall(t *testing.T) {
	o, f, _ := newTestOrchestrator(map[string][]types.Transaction{}, true)
	o.TrackAddresses([]string{"addr1"})

	var reentrant error
	f.mu.Lock()
	f.onFetch = func(string) {
		reentrant = o.Resync()
	}
	f.mu.Unlock()

	if err := o.Resync(); err != nil {
		t.Fatalf("Resync() error: %v", err)
	}
	if !errors.Is(reentrant, ErrResyncInProgress) {
		t.Errorf("reentrant Resync() = %v, want ErrResyncInProgress", reentrant)
	}
}

func TestResync_InterruptedByDisconnect(t *testing.T) {
	o, f, l := newTestOrchestrator(map[string][]types.Transaction{
		"addr1": {creditTx("tx1", "addr1", 1000, true, 10)},
		"addr2": {creditTx("tx2", "addr2", 2000, true, 20)},
	}, true)
	o.TrackAddresses([]string{"addr1", "addr2"})
	l.setConnected(true)

	// Drop the connection while the first address is being fetched.
	f.mu.Lock()
	f.calls = nil
	f.onFetch = func(string) { l.setConnected(false) }
	f.mu.Unlock()

	// Reset both addresses so the resync covers them.
	err := o.Restore(types.WalletState{Addresses: map[string]types.AddressState{
		"addr1": {Address: "addr1"},
		"addr2": {Address: "addr2"},
	}})
	l.setConnected(true) // restore set it false mid-way; Restore already returned

	if !errors.Is(err, ErrResyncInterrupted) {
		t.Fatalf("Restore() = %v, want ErrResyncInterrupted", err)
	}
	if got := f.fetchCalls(); len(got) != 1 {
		t.Fatalf("got %d fetches, want 1 (loop stops after the drop)", len(got))
	}

	// The first address completed; the second is still loading and will
	// be picked up by the resync after the next connect.
	first, _ := o.AddressState("addr1")
	second, _ := o.AddressState("addr2")
	if !first.Ready {
		t.Error("addr1 should be ready")
	}
	if second.Ready {
		t.Error("addr2 should still be loading")
	}

	// The next resync finishes the job.
	f.mu.Lock()
	f.onFetch = nil
	f.mu.Unlock()
	if err := o.Resync(); err != nil {
		t.Fatalf("Resync() error: %v", err)
	}
	second, _ = o.AddressState("addr2")
	if !second.Ready || second.Balance.Confirmed != 2000 {
		t.Errorf("addr2 state = %+v, want ready with 2000 confirmed", second)
	}
}

func TestHandleLiveTransactions_UntrackedAddressDropped(t *testing.T) {
	o, _, _ := newTestOrchestrator(nil, true)
	rec := &recorder{}
	o.Subscribe(KindAny, rec.observe)

	o.HandleLiveTransactions("stranger", conn.LiveMempool, []types.Transaction{
		creditTx("tx1", "stranger", 1000, false, 0),
	})

	if len(rec.all()) != 0 {
		t.Error("events for untracked addresses must be dropped silently")
	}
}

func TestHandleLiveTransactions_BufferedDuringResync(t *testing.T) {
	backlogTx := creditTx("backlog", "addr1", 100000, true, 500)
	liveTx := creditTx("live", "addr1", 25000, false, 0)
	o, f, _ := newTestOrchestrator(map[string][]types.Transaction{"addr1": {backlogTx}}, true)

	rec := &recorder{}
	o.Subscribe(KindAny, rec.observe)

	// The live event lands while the backlog fetch is in flight.
	f.mu.Lock()
	f.onFetch = func(addr string) {
		o.HandleLiveTransactions(addr, conn.LiveMempool, []types.Transaction{liveTx})
	}
	f.mu.Unlock()

	if err := o.TrackAddresses([]string{"addr1"}); err != nil {
		t.Fatalf("TrackAddresses() error: %v", err)
	}

	state, _ := o.AddressState("addr1")
	if state.Balance.Confirmed != 100000 || state.Balance.Mempool != 25000 {
		t.Errorf("balance = %+v, want 100000 confirmed + 25000 mempool", state.Balance)
	}

	// Backlog first, buffered live event second, ready last.
	notes := rec.all()
	if len(notes) != 3 {
		t.Fatalf("got %d notifications, want 3: %v", len(notes), rec.kinds())
	}
	if notes[0].Tx.TxID != "backlog" || notes[1].Tx.TxID != "live" {
		t.Errorf("order = %s, %s; want backlog, live", notes[0].Tx.TxID, notes[1].Tx.TxID)
	}
	if notes[2].Kind != KindReady {
		t.Errorf("last notification = %v, want ready", notes[2].Kind)
	}
}

func TestHandleLiveTransactions_DuplicateDeliveryIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(map[string][]types.Transaction{}, true)
	o.TrackAddresses([]string{"addr1"})

	tx := creditTx("tx1", "addr1", 40000, false, 0)
	o.HandleLiveTransactions("addr1", conn.LiveMempool, []types.Transaction{tx})
	o.HandleLiveTransactions("addr1", conn.LiveMempool, []types.Transaction{tx})

	state, _ := o.AddressState("addr1")
	if state.Balance.Mempool != 40000 {
		t.Errorf("mempool = %d, want 40000 (duplicate must not double-count)", state.Balance.Mempool)
	}
	if len(state.Utxos) != 1 {
		t.Errorf("got %d utxos, want 1", len(state.Utxos))
	}
}

func TestHandleLiveTransactions_ConfirmationMovesBuckets(t *testing.T) {
	o, _, _ := newTestOrchestrator(map[string][]types.Transaction{}, true)
	o.TrackAddresses([]string{"addr1"})

	rec := &recorder{}
	o.Subscribe(KindConfirmed, rec.observe)

	mempool := creditTx("tx1", "addr1", 40000, false, 0)
	confirmed := creditTx("tx1", "addr1", 40000, true, 800)
	o.HandleLiveTransactions("addr1", conn.LiveMempool, []types.Transaction{mempool})
	o.HandleLiveTransactions("addr1", conn.LiveConfirmed, []types.Transaction{confirmed})

	state, _ := o.AddressState("addr1")
	if state.Balance.Mempool != 0 || state.Balance.Confirmed != 40000 {
		t.Errorf("balance = %+v, want all confirmed", state.Balance)
	}
	if notes := rec.all(); len(notes) != 1 || notes[0].Tx.TxID != "tx1" {
		t.Errorf("confirmed notifications = %v, want one for tx1", notes)
	}
}

func TestHandleLiveTransactions_Removal(t *testing.T) {
	o, _, _ := newTestOrchestrator(map[string][]types.Transaction{}, true)
	o.TrackAddresses([]string{"addr1"})

	tx := creditTx("tx1", "addr1", 40000, false, 0)
	o.HandleLiveTransactions("addr1", conn.LiveMempool, []types.Transaction{tx})
	o.HandleLiveTransactions("addr1", conn.LiveRemoved, []types.Transaction{tx})

	state, _ := o.AddressState("addr1")
	if state.Balance.Total != 0 || len(state.Utxos) != 0 {
		t.Errorf("state = %+v, want empty after removal", state)
	}
}

func TestHandleConnected_NotifiesAndResyncs(t *testing.T) {
	o, f, l := newTestOrchestrator(map[string][]types.Transaction{
		"addr1": {creditTx("tx1", "addr1", 1000, true, 10)},
	}, false)
	o.TrackAddresses([]string{"addr1"})

	rec := &recorder{}
	o.Subscribe(KindConnected, rec.observe)

	l.setConnected(true)
	o.HandleConnected()

	if len(rec.all()) != 1 {
		t.Error("connected notification expected")
	}
	if len(f.fetchCalls()) != 1 {
		t.Error("connect should trigger a resync")
	}
	state, _ := o.AddressState("addr1")
	if state.Balance.Confirmed != 1000 {
		t.Errorf("confirmed = %d, want 1000", state.Balance.Confirmed)
	}
}

func TestHandleDisconnectedAndError(t *testing.T) {
	o, _, _ := newTestOrchestrator(nil, false)
	rec := &recorder{}
	o.Subscribe(KindAny, rec.observe)

	o.HandleDisconnected()
	o.HandleError(errors.New("boom"))

	notes := rec.all()
	if len(notes) != 2 || notes[0].Kind != KindDisconnected || notes[1].Kind != KindError {
		t.Errorf("notifications = %v, want disconnected then error", rec.kinds())
	}
	if notes[1].Err == nil {
		t.Error("error notification should carry the error")
	}
}

func TestSubscribe_MultipleObserversAndUnsubscribe(t *testing.T) {
	o, _, _ := newTestOrchestrator(map[string][]types.Transaction{}, true)
	o.TrackAddresses([]string{"addr1"})

	var first, second, catchAll int
	id := o.Subscribe(KindAdded, func(Notification) { first++ })
	o.Subscribe(KindAdded, func(Notification) { second++ })
	o.Subscribe(KindAny, func(Notification) { catchAll++ })

	tx := creditTx("tx1", "addr1", 1000, false, 0)
	o.HandleLiveTransactions("addr1", conn.LiveMempool, []types.Transaction{tx})

	if first != 1 || second != 1 || catchAll != 1 {
		t.Fatalf("counts = %d/%d/%d, want 1/1/1", first, second, catchAll)
	}

	o.Unsubscribe(id)
	tx2 := creditTx("tx2", "addr1", 1000, false, 0)
	o.HandleLiveTransactions("addr1", conn.LiveMempool, []types.Transaction{tx2})

	if first != 1 {
		t.Errorf("unsubscribed observer ran again: %d", first)
	}
	if second != 2 || catchAll != 2 {
		t.Errorf("remaining observers = %d/%d, want 2/2", second, catchAll)
	}
}

func TestUnsubscribe_FromWithinCallback(t *testing.T) {
	o, _, _ := newTestOrchestrator(map[string][]types.Transaction{}, true)
	o.TrackAddresses([]string{"addr1"})

	var calls int
	var id SubscriptionID
	id = o.Subscribe(KindAdded, func(Notification) {
		calls++
		o.Unsubscribe(id)
	})

	tx := creditTx("tx1", "addr1", 1000, false, 0)
	o.HandleLiveTransactions("addr1", conn.LiveMempool, []types.Transaction{tx})
	tx2 := creditTx("tx2", "addr1", 1000, false, 0)
	o.HandleLiveTransactions("addr1", conn.LiveMempool, []types.Transaction{tx2})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (self-unsubscribe takes effect)", calls)
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	tx := creditTx("tx1", "addr1", 100000, true, 500)
	o, f, _ := newTestOrchestrator(nil, false)

	snap := types.WalletState{Addresses: map[string]types.AddressState{
		"addr1": seedState("addr1", tx),
	}}
	if err := o.Restore(snap); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	if len(f.fetchCalls()) != 0 {
		t.Error("offline restore must not fetch")
	}
	state, ok := o.AddressState("addr1")
	if !ok {
		t.Fatal("addr1 should be tracked after restore")
	}
	if state.Balance.Confirmed != 100000 || len(state.Utxos) != 1 {
		t.Errorf("state = %+v, want the snapshot's balance and utxo", state)
	}
}

func TestOrchestrator_ImplementsLiveChannelContract(t *testing.T) {
	var _ LiveChannel = (*conn.Manager)(nil)
}
