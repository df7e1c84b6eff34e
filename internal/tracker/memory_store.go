package tracker

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps ledger state in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	epochs  map[common.Hash]uint64
	entries map[Key]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		epochs:  make(map[common.Hash]uint64),
		entries: make(map[Key]Entry),
	}
}

func (m *MemoryStore) Epoch(ctx context.Context, channelID common.Hash) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch, ok := m.epochs[channelID]
	return epoch, ok, nil
}

func (m *MemoryStore) SetEpoch(ctx context.Context, channelID common.Hash, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[channelID] = epoch
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(entry), true, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key Key, prevNonce uint64, next Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entries[key]
	if (ok && current.Nonce != prevNonce) || (!ok && prevNonce != 0) {
		return false, nil
	}
	m.entries[key] = copyEntry(next)
	return true, nil
}

func (m *MemoryStore) DeleteBefore(ctx context.Context, channelID common.Hash, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if key.ChannelID == channelID && key.Epoch < epoch {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, channelID common.Hash) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []Record
	for key, entry := range m.entries {
		if key.ChannelID == channelID {
			records = append(records, Record{Key: key, Entry: copyEntry(entry)})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Key.Epoch != records[j].Key.Epoch {
			return records[i].Key.Epoch < records[j].Key.Epoch
		}
		return records[i].Key.VmIdFragment < records[j].Key.VmIdFragment
	})
	return records, nil
}

func copyEntry(e Entry) Entry {
	e.AccumulatedAmount = new(big.Int).Set(e.Amount())
	return e
}
