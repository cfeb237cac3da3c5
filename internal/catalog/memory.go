package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory catalog for tests and single-node runs.
type Memory struct {
	mu     sync.RWMutex
	videos map[uuid.UUID]Video
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{videos: make(map[uuid.UUID]Video)}
}

var _ Catalog = (*Memory)(nil)

func (m *Memory) CreateVideo(ctx context.Context, v Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[v.ID] = v
	return nil
}

func (m *Memory) GetVideo(ctx context.Context, id uuid.UUID) (Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[id]
	if !ok {
		return Video{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) ListByOwner(ctx context.Context, owner uuid.UUID) ([]Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Video
	for _, v := range m.videos {
		if v.OwnerID == owner {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
