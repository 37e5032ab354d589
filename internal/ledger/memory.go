package ledger

import (
	"context"
	"sync"

	"github.com/yoohyeon14/essay-ocr-system/internal/models"
)

// MemoryStore keeps rows in memory. The CLI uses it for dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows []models.DeliveryRecord
	keys map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]struct{})}
}

func (m *MemoryStore) Lookup(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

// Append stores the row unconditionally, like a spreadsheet would.
func (m *MemoryStore) Append(_ context.Context, record models.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, record)
	m.keys[record.IdentityKey] = struct{}{}
	return nil
}

// Rows returns a copy of the stored rows in append order.
func (m *MemoryStore) Rows() []models.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DeliveryRecord, len(m.rows))
	copy(out, m.rows)
	return out
}
