package session

import (
	"context"
	"sync"
	"time"
)

// Store persists session data by id.
type Store interface {
	// Load returns the data for id. ok is false when the session is unknown
	// or expired.
	Load(ctx context.Context, id string) (data Data, ok bool, err error)
	Save(ctx context.Context, id string, data Data, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	data    Data
	expires time.Time
}

// MemoryStore keeps sessions in process memory. Sessions are lost on restart
// and are not shared between replicas.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context, id string) (Data, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return Data{}, false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		delete(m.entries, id)
		return Data{}, false, nil
	}
	return cloneData(entry.data), true, nil
}

func (m *MemoryStore) Save(_ context.Context, id string, data Data, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.entries[id] = memoryEntry{data: cloneData(data), expires: expires}
	m.sweep()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// sweep drops expired entries. Caller holds m.mu.
func (m *MemoryStore) sweep() {
	now := m.now()
	for id, entry := range m.entries {
		if !entry.expires.IsZero() && !now.Before(entry.expires) {
			delete(m.entries, id)
		}
	}
}

func cloneData(d Data) Data {
	out := newData()
	for k, v := range d.Values {
		out.Values[k] = v
	}
	for k, v := range d.Flash {
		out.Flash[k] = v
	}
	return out
}
