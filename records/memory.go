package records

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySource is an in-process Source
type MemorySource struct {
	mu      sync.RWMutex
	records map[int64]Record
	nextID  int64
}

// NewMemorySource creates an empty source
func NewMemorySource() *MemorySource {
	return &MemorySource{records: make(map[int64]Record)}
}

// Add stores rec and returns its id. Missing ids, statuses and timestamps are filled in.
func (m *MemorySource) Add(rec Record) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == 0 {
		m.nextID++
		rec.ID = m.nextID
	} else if rec.ID > m.nextID {
		m.nextID = rec.ID
	}
	if rec.Status == "" {
		rec.Status = StatusNew
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	m.records[rec.ID] = rec
	return rec.ID
}

func (m *MemorySource) List(_ context.Context, tenantID *int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if tenantID != nil && r.TenantID != *tenantID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemorySource) Get(_ context.Context, id int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &r, nil
}

func (m *MemorySource) UpdateStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	r.Status = status
	m.records[id] = r
	return nil
}

func (m *MemorySource) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(m.records, id)
	return nil
}
