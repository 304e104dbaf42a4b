package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/terror"
)

var payloadsBucket = []byte("payloads")

// BoltStore is the embedded mmap'd B+tree Store backend (§4.1, §4.2.2).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt-backed store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, terror.Wrap(terror.BackendUnavailable, err, "opening bolt store at %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(payloadsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, terror.Wrap(terror.BackendUnavailable, err, "initializing bolt store buckets")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(_ context.Context, objID id.ID, data []byte, _ time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "put", BackendBolt)

	key := []byte(objID.String())
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(payloadsBucket)
		existing := b.Get(key)
		skip, err := checkIdempotentPut(objID, existing, data, existing != nil)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}
		return b.Put(key, data)
	})
	if err != nil {
		return err
	}
	metrics.StoreOpsTotal.WithLabelValues("put", BackendBolt).Inc()
	return nil
}

func (s *BoltStore) Get(_ context.Context, objID id.ID) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "get", BackendBolt)
	metrics.StoreOpsTotal.WithLabelValues("get", BackendBolt).Inc()

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(payloadsBucket)
		data := b.Get([]byte(objID.String()))
		if data == nil {
			return terror.New(terror.NotFound, "object %s not found in store", objID)
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Delete(_ context.Context, objID id.ID) error {
	metrics.StoreOpsTotal.WithLabelValues("delete", BackendBolt).Inc()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(payloadsBucket).Delete([]byte(objID.String()))
	})
}

func (s *BoltStore) TryGetData(ctx context.Context, objID id.ID) ([]byte, bool, error) {
	data, err := s.Get(ctx, objID)
	if terror.Is(err, terror.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing bolt store: %w", err)
	}
	return nil
}

var _ Store = (*BoltStore)(nil)
