package persist

import (
	"context"
	"sync"
)

// Memory keeps snapshots in process. Contents do not survive a restart.
type Memory struct {
	mu   sync.Mutex
	docs map[string]Snapshot
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Snapshot)}
}

func (m *Memory) Load(_ context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	s.Data = append([]byte(nil), s.Data...)
	return &s, nil
}

func (m *Memory) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.docs[snap.ID]; ok && cur.Version > snap.Version {
		return nil
	}
	s := *snap
	s.Data = append([]byte(nil), snap.Data...)
	m.docs[snap.ID] = s
	return nil
}

func (m *Memory) Close() error { return nil }
