package store

import (
	"context"
	"sync"
	"time"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/terror"
)

// MemoryStore is an in-memory Store, used for tests and for single-run
// ephemeral servers.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, objID id.ID, data []byte, _ time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "put", BackendMemory)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, existed := s.data[objID.String()]
	skip, err := checkIdempotentPut(objID, existing, data, existed)
	if err != nil {
		return err
	}
	metrics.StoreOpsTotal.WithLabelValues("put", BackendMemory).Inc()
	if skip {
		return nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	s.data[objID.String()] = stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, objID id.ID) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "get", BackendMemory)
	metrics.StoreOpsTotal.WithLabelValues("get", BackendMemory).Inc()

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[objID.String()]
	if !ok {
		return nil, terror.New(terror.NotFound, "object %s not found in store", objID)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, objID id.ID) error {
	metrics.StoreOpsTotal.WithLabelValues("delete", BackendMemory).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, objID.String())
	return nil
}

func (s *MemoryStore) TryGetData(ctx context.Context, objID id.ID) ([]byte, bool, error) {
	data, err := s.Get(ctx, objID)
	if terror.Is(err, terror.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
