// Package wallet coordinates the per-address ledgers: it routes live
// events from the connection, runs the backlog resync after every
// connect, and fans domain events out to registered observers.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingwatch/internal/backlog"
	"github.com/Klingon-tech/klingwatch/internal/conn"
	"github.com/Klingon-tech/klingwatch/internal/ledger"
	"github.com/Klingon-tech/klingwatch/internal/log"
	"github.com/Klingon-tech/klingwatch/internal/metrics"
	"github.com/Klingon-tech/klingwatch/internal/snapshot"
	"github.com/Klingon-tech/klingwatch/pkg/types"
)

// Orchestrator errors.
var (
	ErrResyncInProgress  = errors.New("resync already in progress")
	ErrResyncInterrupted = errors.New("resync interrupted: connection offline")
)

// LiveChannel is the connection surface the orchestrator drives. The
// production implementation is *conn.Manager; tests inject fakes.
type LiveChannel interface {
	Connected() bool
	TrackAddresses(addresses []string) error
}

// Config holds orchestrator dependencies.
type Config struct {
	Fetcher   backlog.Fetcher
	Live      LiveChannel
	Snapshots *snapshot.Store // optional; nil disables persistence
}

// Orchestrator owns the tracked address set. Its mutex is never held
// across a fetch or a write to the live channel; ledgers are mutated
// under the lock and the resulting events are emitted after release.
type Orchestrator struct {
	fetcher   backlog.Fetcher
	live      LiveChannel
	snapshots *snapshot.Store

	mu      sync.Mutex
	ledgers map[string]*ledger.AddressLedger
	order   []string // tracking order, drives resync order
	syncing bool

	observers registry
}

// New creates an orchestrator with no tracked addresses.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		fetcher:   cfg.Fetcher,
		live:      cfg.Live,
		snapshots: cfg.Snapshots,
		ledgers:   make(map[string]*ledger.AddressLedger),
	}
}

// Attach wires the orchestrator to a connection manager's callbacks.
// The connected handler runs in its own goroutine because the resync
// it triggers performs network fetches.
func (o *Orchestrator) Attach(m *conn.Manager) {
	m.SetConnectedHandler(func() { go o.HandleConnected() })
	m.SetDisconnectedHandler(o.HandleDisconnected)
	m.SetErrorHandler(o.HandleError)
	m.SetTransactionsHandler(o.HandleLiveTransactions)
}

// Subscribe registers an observer for the given event kind. KindAny
// receives every notification. Observers of the same kind are invoked
// in registration order.
func (o *Orchestrator) Subscribe(kind EventKind, fn func(Notification)) SubscriptionID {
	return o.observers.subscribe(kind, fn)
}

// Unsubscribe removes the observer registered under id. It is safe to
// call from within a notification callback.
func (o *Orchestrator) Unsubscribe(id SubscriptionID) {
	o.observers.unsubscribe(id)
}

// TrackAddresses adds the given addresses to the tracked set. Already
// tracked addresses are ignored. When the live channel is connected,
// the subscription is replaced and the new addresses are synced.
func (o *Orchestrator) TrackAddresses(addresses []string) error {
	o.mu.Lock()
	var added []string
	for _, addr := range addresses {
		if _, ok := o.ledgers[addr]; ok {
			continue
		}
		o.ledgers[addr] = ledger.New(addr)
		o.order = append(o.order, addr)
		added = append(added, addr)
	}
	tracked := len(o.order)
	o.mu.Unlock()

	metrics.TrackedAddresses.Set(float64(tracked))
	if len(added) == 0 {
		return nil
	}
	log.Wallet.Info().Int("count", len(added)).Msg("Tracking addresses")

	if !o.live.Connected() {
		return nil
	}
	return o.resync(added)
}

// UntrackAddresses removes the given addresses and their state. When
// connected, the live subscription is replaced with the remaining set.
func (o *Orchestrator) UntrackAddresses(addresses []string) error {
	o.mu.Lock()
	removed := false
	for _, addr := range addresses {
		if _, ok := o.ledgers[addr]; !ok {
			continue
		}
		delete(o.ledgers, addr)
		for i, a := range o.order {
			if a == addr {
				o.order = append(o.order[:i], o.order[i+1:]...)
				break
			}
		}
		removed = true
	}
	remaining := append([]string(nil), o.order...)
	o.mu.Unlock()

	metrics.TrackedAddresses.Set(float64(len(remaining)))
	if !removed || !o.live.Connected() {
		return nil
	}
	return o.live.TrackAddresses(remaining)
}

// Addresses returns the tracked addresses in tracking order.
func (o *Orchestrator) Addresses() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// AddressState returns the snapshot for one tracked address.
func (o *Orchestrator) AddressState(address string) (types.AddressState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	led, ok := o.ledgers[address]
	if !ok {
		return types.AddressState{}, false
	}
	return led.State(), true
}

// WalletState aggregates all address ledgers into one snapshot.
// Transactions touching several tracked addresses appear once. Ready
// is true only when every address has finished loading.
func (o *Orchestrator) WalletState() types.WalletState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.walletStateLocked()
}

func (o *Orchestrator) walletStateLocked() types.WalletState {
	state := types.WalletState{
		Addresses: make(map[string]types.AddressState, len(o.order)),
		Ready:     true,
	}
	seen := make(map[string]struct{})
	for _, addr := range o.order {
		as := o.ledgers[addr].State()
		state.Addresses[addr] = as
		state.Balance = state.Balance.Add(as.Balance)
		state.Utxos = append(state.Utxos, as.Utxos...)
		for _, tx := range as.Transactions {
			if _, dup := seen[tx.TxID]; dup {
				continue
			}
			seen[tx.TxID] = struct{}{}
			state.Transactions = append(state.Transactions, tx)
		}
		if !as.Ready {
			state.Ready = false
		}
	}
	types.SortTransactions(state.Transactions)
	types.SortUtxos(state.Utxos)
	return state
}

// Restore replaces the tracked set with the snapshot's addresses and
// rehydrates their ledgers verbatim. When connected, a resync follows
// to catch up on history missed while offline.
func (o *Orchestrator) Restore(state types.WalletState) error {
	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		return ErrResyncInProgress
	}
	o.ledgers = make(map[string]*ledger.AddressLedger, len(state.Addresses))
	o.order = o.order[:0]
	addrs := make([]string, 0, len(state.Addresses))
	for addr := range state.Addresses {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		o.ledgers[addr] = ledger.FromSnapshot(state.Addresses[addr])
		o.order = append(o.order, addr)
	}
	o.mu.Unlock()

	metrics.TrackedAddresses.Set(float64(len(addrs)))
	log.Wallet.Info().Int("addresses", len(addrs)).Msg("Restored wallet state")

	if !o.live.Connected() {
		return nil
	}
	return o.Resync()
}

// RestoreFromStore loads the persisted snapshot, if any, and restores
// from it. It reports whether a snapshot was found.
func (o *Orchestrator) RestoreFromStore() (bool, error) {
	if o.snapshots == nil {
		return false, nil
	}
	state, ok, err := o.snapshots.Load()
	if err != nil || !ok {
		return false, err
	}
	return true, o.Restore(state)
}

// SaveSnapshot persists the current wallet state.
func (o *Orchestrator) SaveSnapshot() error {
	if o.snapshots == nil {
		return nil
	}
	return o.snapshots.Save(o.WalletState())
}

// Resync reconciles every tracked address against the backlog API.
// Only one resync runs at a time; a concurrent call returns
// ErrResyncInProgress.
func (o *Orchestrator) Resync() error {
	o.mu.Lock()
	addrs := append([]string(nil), o.order...)
	o.mu.Unlock()
	return o.resync(addrs)
}

// resync marks the given addresses as loading, replaces the live
// subscription with the full tracked set, and reconciles the addresses
// one at a time. Live events arriving for a loading address are
// buffered by its ledger and drained when that address finishes.
func (o *Orchestrator) resync(addrs []string) error {
	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		return ErrResyncInProgress
	}
	o.syncing = true
	for _, addr := range addrs {
		if led, ok := o.ledgers[addr]; ok {
			led.BeginLoad()
		}
	}
	tracked := append([]string(nil), o.order...)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()

	metrics.ResyncsStarted.Inc()
	log.Wallet.Info().Int("addresses", len(addrs)).Msg("Resync started")

	// Subscribe before fetching so no live event is missed; events for
	// loading addresses buffer in their ledgers in the meantime.
	if err := o.live.TrackAddresses(tracked); err != nil {
		metrics.ResyncsInterrupted.Inc()
		return fmt.Errorf("track addresses: %w", err)
	}

	for _, addr := range addrs {
		if !o.live.Connected() {
			// Interrupted addresses stay in the loading state; the
			// resync after the next connect picks them up again.
			metrics.ResyncsInterrupted.Inc()
			log.Wallet.Warn().Str("address", addr).Msg("Resync interrupted")
			return ErrResyncInterrupted
		}
		if err := o.resyncAddress(context.Background(), addr); err != nil {
			metrics.ResyncsInterrupted.Inc()
			return fmt.Errorf("resync %s: %w", addr, err)
		}
	}

	log.Wallet.Info().Int("addresses", len(addrs)).Msg("Resync complete")
	return nil
}

// resyncAddress reconciles one address: fetch the backlog from the
// resume point, remove known transactions the fetch no longer reports
// in the resumed window, apply the fetched history, then drain any
// live events buffered during the load.
func (o *Orchestrator) resyncAddress(ctx context.Context, address string) error {
	o.mu.Lock()
	led, ok := o.ledgers[address]
	if !ok {
		o.mu.Unlock()
		return nil // untracked mid-resync
	}
	resumeTxid := ""
	var resumeHeight int64
	if txid, height, found := led.ResumePoint(); found {
		// One block of slack so a reorg at the tip is re-verified.
		resumeTxid, resumeHeight = txid, height-1
	}
	known := led.TxIDsAtOrAbove(resumeHeight)
	o.mu.Unlock()

	txs, err := o.fetcher.Fetch(ctx, address, resumeTxid, resumeHeight)
	if err != nil {
		return err
	}

	fetched := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		fetched[tx.TxID] = struct{}{}
	}

	o.mu.Lock()
	led, ok = o.ledgers[address]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	var events []ledger.Event
	for _, txid := range known {
		if _, still := fetched[txid]; !still {
			events = append(events, led.RemoveTransaction(txid, false)...)
		}
	}
	for _, tx := range txs {
		events = append(events, led.AddTransaction(tx, false)...)
	}
	events = append(events, led.EndLoad()...)
	snap := led.State()
	balance := o.balanceLocked()
	o.mu.Unlock()

	updateBalanceMetrics(balance)
	o.emit(events)
	o.observers.notify(Notification{Kind: KindReady, Address: address, State: &snap})
	log.Wallet.Debug().
		Str("address", address).
		Int("fetched", len(txs)).
		Msg("Address synced")
	return nil
}

// HandleConnected notifies observers and resyncs all tracked
// addresses. A resync already in flight is left to finish.
func (o *Orchestrator) HandleConnected() {
	o.observers.notify(Notification{Kind: KindConnected})
	if err := o.Resync(); err != nil && !errors.Is(err, ErrResyncInProgress) {
		log.Wallet.Warn().Err(err).Msg("Resync after connect failed")
	}
}

// HandleDisconnected notifies observers of the lost connection. Any
// running resync notices on its next address and stops.
func (o *Orchestrator) HandleDisconnected() {
	o.observers.notify(Notification{Kind: KindDisconnected})
}

// HandleError forwards a connection-level error to observers.
func (o *Orchestrator) HandleError(err error) {
	o.observers.notify(Notification{Kind: KindError, Err: err})
}

// HandleLiveTransactions routes one live event group to its address
// ledger. Events for untracked addresses are dropped.
func (o *Orchestrator) HandleLiveTransactions(address string, kind conn.LiveKind, txs []types.Transaction) {
	o.mu.Lock()
	led, ok := o.ledgers[address]
	if !ok {
		o.mu.Unlock()
		metrics.UnknownAddressEvents.Inc()
		log.Wallet.Debug().Str("address", address).Msg("Live event for untracked address")
		return
	}

	var events []ledger.Event
	for _, tx := range txs {
		switch kind {
		case conn.LiveMempool, conn.LiveConfirmed:
			events = append(events, led.AddTransaction(tx, true)...)
		case conn.LiveRemoved:
			events = append(events, led.RemoveTransaction(tx.TxID, true)...)
		}
	}
	balance := o.balanceLocked()
	o.mu.Unlock()

	metrics.LiveEvents.WithLabelValues(kind.String()).Add(float64(len(txs)))
	updateBalanceMetrics(balance)
	o.emit(events)
}

// emit converts ledger events to notifications and delivers them.
func (o *Orchestrator) emit(events []ledger.Event) {
	for _, e := range events {
		tx := e.Tx
		n := Notification{Address: e.Address, Tx: &tx}
		switch e.Kind {
		case ledger.EventAdded:
			n.Kind = KindAdded
		case ledger.EventConfirmed:
			n.Kind = KindConfirmed
		case ledger.EventRemoved:
			n.Kind = KindRemoved
		default:
			continue
		}
		o.observers.notify(n)
	}
}

// balanceLocked sums all ledger balances. Callers hold o.mu.
func (o *Orchestrator) balanceLocked() types.Balance {
	var balance types.Balance
	for _, led := range o.ledgers {
		balance = balance.Add(led.Balance())
	}
	return balance
}

func updateBalanceMetrics(balance types.Balance) {
	metrics.WalletBalance.WithLabelValues("total").Set(float64(balance.Total))
	metrics.WalletBalance.WithLabelValues("confirmed").Set(float64(balance.Confirmed))
	metrics.WalletBalance.WithLabelValues("mempool").Set(float64(balance.Mempool))
}
