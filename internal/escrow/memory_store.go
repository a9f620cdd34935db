package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	txs       map[uint64]*Transaction
	byDispute map[uint64]uint64
	nextID    uint64
	settings  *Settings
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:       make(map[uint64]*Transaction),
		byDispute: make(map[uint64]uint64),
		nextID:    1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.ID = m.nextID
	m.nextID++
	m.txs[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	// Deep copy so callers can mutate freely before Update.
	return tx.Clone(), nil
}

func (m *MemoryStore) GetByDispute(ctx context.Context, disputeID uint64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byDispute[disputeID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.txs[id].Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[tx.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.txs[tx.ID] = tx.Clone()
	if tx.HasDispute {
		m.byDispute[tx.DisputeID] = tx.ID
	}
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party common.Address, beforeID uint64, limit int) ([]*Transaction, error) {
	return m.list(limit, true, func(tx *Transaction) bool {
		return tx.IsParty(party) && (beforeID == 0 || tx.ID < beforeID)
	}), nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Transaction, error) {
	return m.list(limit, false, func(tx *Transaction) bool { return !tx.IsTerminal() }), nil
}

func (m *MemoryStore) ListClaimable(ctx context.Context, before time.Time, afterID uint64, limit int) ([]*Transaction, error) {
	return m.list(limit, false, func(tx *Transaction) bool {
		return tx.ID > afterID && tx.deadlineClaimable(before)
	}), nil
}

// list returns matching copies ordered by ID; newest first when desc is set.
// A limit <= 0 means no limit.
func (m *MemoryStore) list(limit int, desc bool, match func(*Transaction) bool) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if match(tx) {
			result = append(result, tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if desc {
			return result[i].ID > result[j].ID
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) LoadSettings(ctx context.Context) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.settings == nil {
		return nil, ErrSettingsNotFound
	}
	return m.settings.Clone(), nil
}

func (m *MemoryStore) SaveSettings(ctx context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = s.Clone()
	return nil
}
