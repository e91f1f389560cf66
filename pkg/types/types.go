// Package types defines the wire and snapshot shapes shared by the
// backlog client, the live channel, and the wallet ledgers.
package types

import (
	"fmt"
	"sort"
)

// TxStatus describes where a transaction currently lives: included in a
// block (confirmed) or waiting in the mempool.
type TxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height,omitempty"`
}

// Vout is a transaction output as reported by the backlog and live
// sources. Value is in satoshis.
type Vout struct {
	ScriptpubkeyAddress string `json:"scriptpubkey_address,omitempty"`
	Value               int64  `json:"value"`
}

// Vin is a transaction input. Prevout carries the output being spent;
// it is nil for coinbase inputs and may lack an address for
// non-standard scripts. Such inputs are never attributed to a tracked
// address.
type Vin struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Prevout *Vout  `json:"prevout,omitempty"`
}

// Transaction is the read-only transaction shape consumed from the
// backlog and live sources.
type Transaction struct {
	TxID   string   `json:"txid"`
	Vin    []Vin    `json:"vin"`
	Vout   []Vout   `json:"vout"`
	Status TxStatus `json:"status"`
}

// Utxo is an unspent output credited to a tracked address. Confirmed
// records which balance bucket the value was counted in, so a later
// spend decrements the same bucket.
type Utxo struct {
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	Value     int64  `json:"value"`
	Address   string `json:"address"`
	Confirmed bool   `json:"confirmed"`
}

// Outpoint returns the outpoint key of this UTXO.
func (u Utxo) Outpoint() string {
	return OutpointKey(u.TxID, u.Vout)
}

// Balance holds satoshi totals per confirmation bucket.
// Total == Confirmed + Mempool always holds.
type Balance struct {
	Total     int64 `json:"total"`
	Confirmed int64 `json:"confirmed"`
	Mempool   int64 `json:"mempool"`
}

// Add returns the bucket-wise sum of two balances.
func (b Balance) Add(o Balance) Balance {
	return Balance{
		Total:     b.Total + o.Total,
		Confirmed: b.Confirmed + o.Confirmed,
		Mempool:   b.Mempool + o.Mempool,
	}
}

// AddressState is a point-in-time snapshot of one address ledger.
type AddressState struct {
	Address      string        `json:"address"`
	Ready        bool          `json:"ready"`
	Transactions []Transaction `json:"transactions"`
	Balance      Balance       `json:"balance"`
	Utxos        []Utxo        `json:"utxos"`
}

// WalletState aggregates every tracked address: transactions are the
// union across addresses (deduplicated by txid), balances are summed,
// and Ready is true only once every address has finished its first
// sync.
type WalletState struct {
	Balance      Balance                 `json:"balance"`
	Transactions []Transaction           `json:"transactions"`
	Utxos        []Utxo                  `json:"utxos"`
	Addresses    map[string]AddressState `json:"addresses"`
	Ready        bool                    `json:"ready"`
}

// OutpointKey builds the canonical "txid:vout" key for an output.
func OutpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// SortTransactions orders transactions for stable snapshots: confirmed
// first by ascending block height, then mempool entries, ties broken
// by txid.
func SortTransactions(txs []Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.Status.Confirmed != b.Status.Confirmed {
			return a.Status.Confirmed
		}
		if a.Status.Confirmed && a.Status.BlockHeight != b.Status.BlockHeight {
			return a.Status.BlockHeight < b.Status.BlockHeight
		}
		return a.TxID < b.TxID
	})
}

// SortUtxos orders UTXOs by outpoint key for stable snapshots.
func SortUtxos(utxos []Utxo) {
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}
		return utxos[i].Vout < utxos[j].Vout
	})
}
