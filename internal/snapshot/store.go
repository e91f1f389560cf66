// Package snapshot persists wallet state so a restart can rehydrate
// ledgers and resync only the gap instead of the full history.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingwatch/internal/storage"
	"github.com/Klingon-tech/klingwatch/pkg/types"
)

// prefixAddr namespaces the per-address records: a/<address> holds
// that address's AddressState as JSON. The record set itself defines
// which addresses a snapshot covers.
var prefixAddr = []byte("a/")

// Store persists address snapshots in a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a snapshot store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// addrKey builds the storage key for an address record.
func addrKey(address string) []byte {
	key := make([]byte, len(prefixAddr)+len(address))
	copy(key, prefixAddr)
	copy(key[len(prefixAddr):], address)
	return key
}

// recordAddress recovers the address from a record key.
func recordAddress(key []byte) string {
	return string(key[len(prefixAddr):])
}

// Save replaces the persisted snapshot with the given wallet state.
func (s *Store) Save(state types.WalletState) error {
	// Drop records for addresses no longer tracked.
	var stale [][]byte
	err := s.db.ForEach(prefixAddr, func(key, _ []byte) error {
		if _, ok := state.Addresses[recordAddress(key)]; !ok {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan snapshot records: %w", err)
	}
	for _, key := range stale {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("snapshot delete: %w", err)
		}
	}

	for addr, as := range state.Addresses {
		data, err := json.Marshal(as)
		if err != nil {
			return fmt.Errorf("marshal address state: %w", err)
		}
		if err := s.db.Put(addrKey(addr), data); err != nil {
			return fmt.Errorf("snapshot put: %w", err)
		}
	}
	return nil
}

// Load reads the persisted snapshot, aggregating the per-address
// records into one wallet state. The second return value is false
// when no snapshot has been saved.
func (s *Store) Load() (types.WalletState, bool, error) {
	state := types.WalletState{
		Addresses: make(map[string]types.AddressState),
		Ready:     true,
	}
	seen := make(map[string]struct{})
	err := s.db.ForEach(prefixAddr, func(key, value []byte) error {
		var as types.AddressState
		if err := json.Unmarshal(value, &as); err != nil {
			return fmt.Errorf("snapshot record %s: %w", key, err)
		}
		state.Addresses[recordAddress(key)] = as
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
		return nil
	})
	if err != nil {
		return types.WalletState{}, false, err
	}
	if len(state.Addresses) == 0 {
		return types.WalletState{}, false, nil
	}
	types.SortTransactions(state.Transactions)
	types.SortUtxos(state.Utxos)
	return state, true, nil
}

// Clear removes the persisted snapshot.
func (s *Store) Clear() error {
	var keys [][]byte
	err := s.db.ForEach(prefixAddr, func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan snapshot records: %w", err)
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("snapshot delete: %w", err)
		}
	}
	return nil
}
