package store

import (
	"sync"

	"github.com/locuskit/locus/pkg"
)

// DefaultMemoryCapacity bounds the in-memory history ring
const DefaultMemoryCapacity = 10000

// MemoryStore keeps history in a bounded ring buffer, dropping the
// oldest fix at capacity
type MemoryStore struct {
	mu       sync.RWMutex
	data     []pkg.Fix
	capacity int
	head     int
	size     int
	closed   bool
	inited   bool
}

// NewMemoryStore creates a memory store; non-positive capacity selects
// the default
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return pkg.ErrStoreClosed
	}
	if !m.inited {
		m.data = make([]pkg.Fix, m.capacity)
		m.head = 0
		m.size = 0
		m.inited = true
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	m.size = 0
	return nil
}

func (m *MemoryStore) Save(fix pkg.Fix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(fix)
}

func (m *MemoryStore) SaveBatch(fixes []pkg.Fix) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range fixes {
		if err := m.saveLocked(f); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) saveLocked(fix pkg.Fix) error {
	if m.closed || !m.inited {
		return pkg.ErrStoreClosed
	}
	idx := (m.head + m.size) % m.capacity
	m.data[idx] = fix
	if m.size < m.capacity {
		m.size++
	} else {
		m.head = (m.head + 1) % m.capacity
	}
	return nil
}

func (m *MemoryStore) Latest() (pkg.Fix, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.size == 0 || m.closed {
		return pkg.Fix{}, false
	}
	idx := (m.head + m.size - 1) % m.capacity
	return m.data[idx], true
}

func (m *MemoryStore) QueryByTime(from, to int64) ([]pkg.Fix, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, pkg.ErrStoreClosed
	}
	var out []pkg.Fix
	for i := 0; i < m.size; i++ {
		f := m.data[(m.head+i)%m.capacity]
		if f.Timestamp >= from && f.Timestamp <= to {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) Recent(n int) ([]pkg.Fix, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, pkg.ErrStoreClosed
	}
	if n <= 0 || m.size == 0 {
		return nil, nil
	}
	if n > m.size {
		n = m.size
	}
	out := make([]pkg.Fix, n)
	for i := 0; i < n; i++ {
		out[i] = m.data[(m.head+m.size-n+i)%m.capacity]
	}
	return out, nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return pkg.ErrStoreClosed
	}
	m.head = 0
	m.size = 0
	return nil
}

// Len returns the number of stored fixes
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}
