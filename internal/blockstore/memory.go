package blockstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store backed by a map. It is the reference
// backend used to exercise the core and its test suite; concrete
// on-disk or networked backends are out of scope for this module.
type Memory struct {
	mu     sync.RWMutex
	blocks map[ID][]byte
}

// NewMemory returns an empty in-memory block store.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[ID][]byte)}
}

func (m *Memory) WriteBlock(_ context.Context, id ID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blocks[id] = cp
	return nil
}

func (m *Memory) ReadBlock(_ context.Context, id ID) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[id]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (m *Memory) RemoveBlock(_ context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
	return nil
}

func (m *Memory) ListBlocks(_ context.Context) ([]ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ID, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	return ids, nil
}

// Len reports the number of blocks currently stored. Test helper only.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
