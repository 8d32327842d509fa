package store

import (
	"sync"

	"github.com/phoreproject/sentinel/primitives"
)

// MemoryStore is a shard store kept in memory, used for tests.
type MemoryStore struct {
	shards   map[primitives.ShardID]primitives.Shard
	metadata map[primitives.ShardID]primitives.ShardMetadataRecord
	lock     sync.RWMutex
}

// NewMemoryStore creates a new in-memory shard store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards:   make(map[primitives.ShardID]primitives.Shard),
		metadata: make(map[primitives.ShardID]primitives.ShardMetadataRecord),
	}
}

// PutShard writes the shard and sidecar together.
func (m *MemoryStore) PutShard(shard *primitives.Shard, meta *primitives.ShardMetadataRecord) error {
	if err := checkPut(shard, meta); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	m.shards[shard.ID] = shard.Copy()
	m.metadata[meta.ShardID] = meta.Copy()
	return nil
}

// GetShard reads a shard.
func (m *MemoryStore) GetShard(id primitives.ShardID) (*primitives.Shard, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if s, found := m.shards[id]; found {
		out := s.Copy()
		return &out, nil
	}
	return nil, ErrNotFound
}

// GetMetadata reads a metadata sidecar.
func (m *MemoryStore) GetMetadata(id primitives.ShardID) (*primitives.ShardMetadataRecord, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if meta, found := m.metadata[id]; found {
		out := meta.Copy()
		return &out, nil
	}
	return nil, ErrNotFound
}

// SetMetadata replaces a metadata sidecar.
func (m *MemoryStore) SetMetadata(meta *primitives.ShardMetadataRecord) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if _, found := m.shards[meta.ShardID]; !found {
		return ErrNotFound
	}
	m.metadata[meta.ShardID] = meta.Copy()
	return nil
}

// HasShard checks whether a shard exists.
func (m *MemoryStore) HasShard(id primitives.ShardID) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, found := m.shards[id]
	return found, nil
}

// DeleteShard removes a shard and its sidecar.
func (m *MemoryStore) DeleteShard(id primitives.ShardID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.shards, id)
	delete(m.metadata, id)
	return nil
}

// ListShardIDs lists every stored shard ID.
func (m *MemoryStore) ListShardIDs() ([]primitives.ShardID, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]primitives.ShardID, 0, len(m.shards))
	for id := range m.shards {
		out = append(out, id)
	}
	return out, nil
}

// Close does nothing for an in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ ShardStore = &MemoryStore{}
