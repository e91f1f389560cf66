// Package ledger implements the per-address transaction and UTXO
// accountant. A ledger tolerates duplicate and reordered delivery:
// re-adding a known transaction first undoes its prior effect, and a
// spend observed before its funding transaction is held as a
// speculative marker instead of corrupting the balance.
package ledger

import (
	"sort"

	"github.com/Klingon-tech/klingwatch/pkg/types"
)

// EventKind classifies a domain event produced by a ledger mutation.
type EventKind int

// Event kinds.
const (
	EventAdded EventKind = iota
	EventConfirmed
	EventRemoved
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventConfirmed:
		return "confirmed"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is a domain event emitted by a ledger mutation.
type Event struct {
	Kind    EventKind
	Address string
	Tx      types.Transaction
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
)

// pendingOp is a live event buffered while the ledger is loading.
type pendingOp struct {
	kind opKind
	tx   types.Transaction // opAdd
	txid string            // opRemove
}

// AddressLedger tracks the transactions, unspent outputs, and balance
// of a single address. It is not safe for concurrent use; the owner
// serializes access.
type AddressLedger struct {
	address      string
	transactions map[string]types.Transaction
	utxos        map[string]types.Utxo     // outpoint key -> UTXO
	spent        map[string]struct{}       // outpoints spent before their funding tx was seen
	balance      types.Balance
	loading      bool
	pending      []pendingOp
}

// New creates an empty ledger for the given address.
func New(address string) *AddressLedger {
	return &AddressLedger{
		address:      address,
		transactions: make(map[string]types.Transaction),
		utxos:        make(map[string]types.Utxo),
		spent:        make(map[string]struct{}),
	}
}

// FromSnapshot rehydrates a ledger from a snapshot verbatim. The
// snapshot is trusted: balances and UTXOs are not recomputed.
func FromSnapshot(state types.AddressState) *AddressLedger {
	l := New(state.Address)
	for _, tx := range state.Transactions {
		l.transactions[tx.TxID] = tx
	}
	for _, u := range state.Utxos {
		l.utxos[u.Outpoint()] = u
	}
	l.balance = state.Balance
	return l
}

// Address returns the tracked address.
func (l *AddressLedger) Address() string {
	return l.address
}

// Loading reports whether a backlog load is in progress.
func (l *AddressLedger) Loading() bool {
	return l.loading
}

// Balance returns the current balance.
func (l *AddressLedger) Balance() types.Balance {
	return l.balance
}

// HasTransaction reports whether the given txid is known.
func (l *AddressLedger) HasTransaction(txid string) bool {
	_, ok := l.transactions[txid]
	return ok
}

// AddTransaction applies a transaction to the ledger. While a backlog
// load is in progress, live events are buffered instead of applied so
// they cannot interleave with a partially-synced backlog.
//
// A known txid is fully undone before re-application, which makes
// duplicate delivery idempotent and lets a confirmation status change
// move value between balance buckets without double-counting.
func (l *AddressLedger) AddTransaction(tx types.Transaction, isLive bool) []Event {
	if l.loading && isLive {
		l.pending = append(l.pending, pendingOp{kind: opAdd, tx: tx})
		return nil
	}
	return l.apply(tx)
}

// RemoveTransaction undoes a transaction's effect. Unknown txids are a
// no-op. While loading, live removals are buffered like additions.
func (l *AddressLedger) RemoveTransaction(txid string, isLive bool) []Event {
	if l.loading && isLive {
		l.pending = append(l.pending, pendingOp{kind: opRemove, txid: txid})
		return nil
	}
	tx, ok := l.transactions[txid]
	if !ok {
		return nil
	}
	l.unapply(tx)
	return []Event{{Kind: EventRemoved, Address: l.address, Tx: tx}}
}

// BeginLoad marks the ledger as loading. Live events arriving until
// EndLoad are buffered in arrival order. Calling BeginLoad while
// already loading keeps any buffered events.
func (l *AddressLedger) BeginLoad() {
	l.loading = true
}

// EndLoad clears the loading flag and drains buffered live events in
// arrival order, returning the domain events they produced.
func (l *AddressLedger) EndLoad() []Event {
	l.loading = false
	var events []Event
	for _, op := range l.pending {
		switch op.kind {
		case opAdd:
			events = append(events, l.apply(op.tx)...)
		case opRemove:
			events = append(events, l.RemoveTransaction(op.txid, false)...)
		}
	}
	l.pending = nil
	return events
}

// State returns a pure snapshot with deterministic ordering.
func (l *AddressLedger) State() types.AddressState {
	txs := make([]types.Transaction, 0, len(l.transactions))
	for _, tx := range l.transactions {
		txs = append(txs, tx)
	}
	types.SortTransactions(txs)

	utxos := make([]types.Utxo, 0, len(l.utxos))
	for _, u := range l.utxos {
		utxos = append(utxos, u)
	}
	types.SortUtxos(utxos)

	return types.AddressState{
		Address:      l.address,
		Ready:        !l.loading,
		Transactions: txs,
		Balance:      l.balance,
		Utxos:        utxos,
	}
}

// ResumePoint returns the txid and block height of the highest-height
// confirmed transaction, or ok=false when none is confirmed.
func (l *AddressLedger) ResumePoint() (txid string, height int64, ok bool) {
	for id, tx := range l.transactions {
		if !tx.Status.Confirmed {
			continue
		}
		if !ok || tx.Status.BlockHeight > height ||
			(tx.Status.BlockHeight == height && id > txid) {
			txid, height, ok = id, tx.Status.BlockHeight, true
		}
	}
	return txid, height, ok
}

// TxIDsAtOrAbove returns the known txids that are unconfirmed or
// confirmed at or above the given height, sorted for deterministic
// processing. Unconfirmed transactions always qualify: they have no
// height and must be re-verified on every resync.
func (l *AddressLedger) TxIDsAtOrAbove(height int64) []string {
	var ids []string
	for id, tx := range l.transactions {
		if !tx.Status.Confirmed || tx.Status.BlockHeight >= height {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// apply registers a transaction and adjusts UTXOs and balances.
func (l *AddressLedger) apply(tx types.Transaction) []Event {
	prior, known := l.transactions[tx.TxID]
	if known {
		l.unapply(prior)
	}

	// Inputs: spend outputs previously credited to this address.
	for _, in := range tx.Vin {
		if !l.ownsPrevout(in) {
			continue
		}
		key := types.OutpointKey(in.TxID, in.Vout)
		if u, exists := l.utxos[key]; exists {
			delete(l.utxos, key)
			l.debit(u.Value, u.Confirmed)
		} else {
			// The funding transaction has not been seen yet; remember
			// the spend so its later arrival does not credit the value.
			l.spent[key] = struct{}{}
		}
	}

	// Outputs: credit outputs paying this address.
	for i, out := range tx.Vout {
		if out.ScriptpubkeyAddress != l.address {
			continue
		}
		key := types.OutpointKey(tx.TxID, uint32(i))
		if _, wasSpent := l.spent[key]; wasSpent {
			// Already consumed by an out-of-order spend; never unspent.
			delete(l.spent, key)
			continue
		}
		l.utxos[key] = types.Utxo{
			TxID:      tx.TxID,
			Vout:      uint32(i),
			Value:     out.Value,
			Address:   l.address,
			Confirmed: tx.Status.Confirmed,
		}
		l.credit(out.Value, tx.Status.Confirmed)
	}

	l.transactions[tx.TxID] = tx

	switch {
	case !known:
		return []Event{{Kind: EventAdded, Address: l.address, Tx: tx}}
	case !prior.Status.Confirmed && tx.Status.Confirmed:
		return []Event{{Kind: EventConfirmed, Address: l.address, Tx: tx}}
	}
	return nil
}

// unapply is the exact inverse of apply.
func (l *AddressLedger) unapply(tx types.Transaction) {
	delete(l.transactions, tx.TxID)

	// Inputs: restore the outputs this transaction spent.
	for _, in := range tx.Vin {
		if !l.ownsPrevout(in) {
			continue
		}
		key := types.OutpointKey(in.TxID, in.Vout)
		if _, marked := l.spent[key]; marked {
			// Speculative marker only; nothing was ever debited.
			delete(l.spent, key)
			continue
		}
		funding, ok := l.transactions[in.TxID]
		if !ok {
			continue
		}
		l.utxos[key] = types.Utxo{
			TxID:      in.TxID,
			Vout:      in.Vout,
			Value:     in.Prevout.Value,
			Address:   l.address,
			Confirmed: funding.Status.Confirmed,
		}
		l.credit(in.Prevout.Value, funding.Status.Confirmed)
	}

	// Outputs: withdraw the credits this transaction created.
	for i, out := range tx.Vout {
		if out.ScriptpubkeyAddress != l.address {
			continue
		}
		key := types.OutpointKey(tx.TxID, uint32(i))
		if u, exists := l.utxos[key]; exists {
			delete(l.utxos, key)
			l.debit(u.Value, u.Confirmed)
		} else {
			// Consumed downstream; keep it marked spent so a later
			// out-of-order re-add does not re-credit the value.
			l.spent[key] = struct{}{}
		}
	}
}

// ownsPrevout reports whether an input spends an output belonging to
// this address. Inputs without prevout data (coinbase, non-standard
// scripts) are never attributed to the address.
func (l *AddressLedger) ownsPrevout(in types.Vin) bool {
	return in.Prevout != nil && in.Prevout.ScriptpubkeyAddress == l.address
}

func (l *AddressLedger) credit(value int64, confirmed bool) {
	l.balance.Total += value
	if confirmed {
		l.balance.Confirmed += value
	} else {
		l.balance.Mempool += value
	}
}

func (l *AddressLedger) debit(value int64, confirmed bool) {
	l.balance.Total -= value
	if confirmed {
		l.balance.Confirmed -= value
	} else {
		l.balance.Mempool -= value
	}
}
