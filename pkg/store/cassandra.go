package store

import (
	"context"
	"time"

	"github.com/gocql/gocql"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/terror"
)

// CassandraStore is the Cassandra-family wide-column Store backend (§4.1).
type CassandraStore struct {
	session  *gocql.Session
	keyspace string
}

// CassandraOptions configures a CassandraStore.
type CassandraOptions struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

// NewCassandraStore connects to the given cluster and ensures the
// payloads table exists.
func NewCassandraStore(opts CassandraOptions) (*CassandraStore, error) {
	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Keyspace = opts.Keyspace
	cluster.Consistency = gocql.Quorum
	if opts.Timeout > 0 {
		cluster.Timeout = opts.Timeout
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, terror.Wrap(terror.BackendUnavailable, err, "connecting to Cassandra store cluster")
	}

	if err := session.Query(
		`CREATE TABLE IF NOT EXISTS payloads (
			id text PRIMARY KEY,
			data blob,
			touched_at timestamp
		)`,
	).Exec(); err != nil {
		session.Close()
		return nil, terror.Wrap(terror.BackendUnavailable, err, "creating Cassandra payloads table")
	}

	return &CassandraStore{session: session, keyspace: opts.Keyspace}, nil
}

func (s *CassandraStore) Put(_ context.Context, objID id.ID, data []byte, touchedAt time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "put", BackendCassandra)

	existing, existed, err := s.read(objID)
	if err != nil {
		return err
	}
	skip, err := checkIdempotentPut(objID, existing, data, existed)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	if err := s.session.Query(
		`INSERT INTO payloads (id, data, touched_at) VALUES (?, ?, ?)`,
		objID.String(), data, touchedAt,
	).Exec(); err != nil {
		return terror.Wrap(terror.BackendUnavailable, err, "writing %s to Cassandra store", objID)
	}
	metrics.StoreOpsTotal.WithLabelValues("put", BackendCassandra).Inc()
	return nil
}

func (s *CassandraStore) read(objID id.ID) ([]byte, bool, error) {
	var data []byte
	err := s.session.Query(`SELECT data FROM payloads WHERE id = ?`, objID.String()).Scan(&data)
	if err == gocql.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, terror.Wrap(terror.BackendUnavailable, err, "reading %s from Cassandra store", objID)
	}
	return data, true, nil
}

func (s *CassandraStore) Get(_ context.Context, objID id.ID) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "get", BackendCassandra)
	metrics.StoreOpsTotal.WithLabelValues("get", BackendCassandra).Inc()

	data, found, err := s.read(objID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, terror.New(terror.NotFound, "object %s not found in store", objID)
	}
	return data, nil
}

func (s *CassandraStore) Delete(_ context.Context, objID id.ID) error {
	metrics.StoreOpsTotal.WithLabelValues("delete", BackendCassandra).Inc()
	if err := s.session.Query(`DELETE FROM payloads WHERE id = ?`, objID.String()).Exec(); err != nil {
		return terror.Wrap(terror.BackendUnavailable, err, "deleting %s from Cassandra store", objID)
	}
	return nil
}

func (s *CassandraStore) TryGetData(ctx context.Context, objID id.ID) ([]byte, bool, error) {
	data, err := s.Get(ctx, objID)
	if terror.Is(err, terror.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}

var _ Store = (*CassandraStore)(nil)
