package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/terror"
)

var (
	bucketNodes            = []byte("nodes")
	bucketObjectChildren   = []byte("object_children")
	bucketObjectParents    = []byte("object_parents")
	bucketObjectCacheEntry = []byte("object_cache_entry")
	bucketCacheEntryObject = []byte("cache_entry_object")
	bucketProcessChildren  = []byte("process_children")
	bucketProcessParents   = []byte("process_parents")
	bucketProcessObjEdges  = []byte("process_object_edges")
	bucketObjectProcRefs   = []byte("object_process_refs")
	bucketTags             = []byte("tags")
	bucketTagsReverse      = []byte("tags_reverse")
	bucketQueue            = []byte("queue")
	bucketCleanIndex       = []byte("clean_index")
	bucketCleanLookup      = []byte("clean_lookup")
	bucketMeta             = []byte("meta")

	metaVersionstampCounter = []byte("versionstamp_counter")
)

// BoltIndex is the embedded, single-writer/many-reader Index backend
// (§4.2.2): a bbolt environment whose write path is serialized by
// bbolt's own single-writer transaction model, assigning monotonic
// versions from a transaction counter in place of a distributed
// store's versionstamp.
type BoltIndex struct {
	db *bolt.DB
}

// NewBoltIndex opens (creating if absent) a bbolt-backed index at path.
func NewBoltIndex(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, terror.Wrap(terror.BackendUnavailable, err, "opening bolt index at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketNodes, bucketObjectChildren, bucketObjectParents,
			bucketObjectCacheEntry, bucketCacheEntryObject,
			bucketProcessChildren, bucketProcessParents, bucketProcessObjEdges,
			bucketObjectProcRefs, bucketTags, bucketTagsReverse,
			bucketQueue, bucketCleanIndex, bucketCleanLookup, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, terror.Wrap(terror.BackendUnavailable, err, "initializing bolt index buckets")
	}
	return &BoltIndex{db: db}, nil
}

func encodeJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("index: marshaling %T: %v", v, err))
	}
	return data
}

func decodeJSON[T any](data []byte) (T, error) {
	var v T
	if data == nil {
		return v, terror.New(terror.NotFound, "no value to decode")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, terror.Wrap(terror.Internal, err, "decoding stored value")
	}
	return v, nil
}

func nextCounter(tx *bolt.Tx) uint64 {
	b := tx.Bucket(bucketMeta)
	raw := b.Get(metaVersionstampCounter)
	var n uint64
	if raw != nil {
		n = binary.BigEndian.Uint64(raw)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	_ = b.Put(metaVersionstampCounter, buf)
	return n
}

func (x *BoltIndex) loadNode(tx *bolt.Tx, nodeID id.ID) (NodeRecord, bool, error) {
	data := tx.Bucket(bucketNodes).Get([]byte(nodeID.String()))
	if data == nil {
		return NodeRecord{}, false, nil
	}
	rec, err := decodeJSON[NodeRecord](data)
	if err != nil {
		return NodeRecord{}, false, err
	}
	return rec, true, nil
}

func (x *BoltIndex) storeNode(tx *bolt.Tx, rec NodeRecord) error {
	return tx.Bucket(bucketNodes).Put([]byte(rec.ID.String()), encodeJSON(rec))
}

func idList(data []byte) []id.ID {
	if data == nil {
		return nil
	}
	var ids []id.ID
	_ = json.Unmarshal(data, &ids)
	return ids
}

func appendUniqueID(existing []id.ID, add id.ID) []id.ID {
	for _, e := range existing {
		if e.Equal(add) {
			return existing
		}
	}
	return append(existing, add)
}

// reindexCleanEntry replaces the touched_at-ordered secondary index
// entry for nodeID so Clean's scan stays ordered as touched_at changes.
func (x *BoltIndex) reindexCleanEntry(tx *bolt.Tx, rec NodeRecord) error {
	lookup := tx.Bucket(bucketCleanLookup)
	cleanIdx := tx.Bucket(bucketCleanIndex)

	if old := lookup.Get([]byte(rec.ID.String())); old != nil {
		if err := cleanIdx.Delete(old); err != nil {
			return err
		}
	}

	key := cleanKey(rec.TouchedAt, rec.ID)
	if err := cleanIdx.Put(key, []byte{}); err != nil {
		return err
	}
	return lookup.Put([]byte(rec.ID.String()), key)
}

func cleanKey(touchedAt time.Time, nodeID id.ID) []byte {
	buf := make([]byte, 8+len(nodeID.String()))
	binary.BigEndian.PutUint64(buf, uint64(touchedAt.UnixNano()))
	copy(buf[8:], nodeID.String())
	return buf
}

func (x *BoltIndex) Put(ctx context.Context, arg PutArg) error {
	err := x.db.Update(func(tx *bolt.Tx) error {
		existing, found, err := x.loadNode(tx, arg.ID)
		if err != nil {
			return err
		}

		rec := existing
		rec.ID = arg.ID
		rec.Exists = true
		rec.TouchedAt = arg.TouchedAt
		if !found {
			rec.ReferenceCount = arg.InitialReferenceCount
		}

		if arg.ID.Kind() == id.KindProcess {
			if rec.ProcessFlags == nil {
				rec.ProcessFlags = &ProcessFlags{}
			}
			if rec.ProcessAggregates == nil {
				rec.ProcessAggregates = &ProcessAggregates{}
			}
			if arg.ProcessOwnFlags != nil {
				// Node flags only ever move false -> true while the
				// process lives: a put's facts merge in, they never
				// unset what the propagator already derived.
				rec.ProcessFlags.NodeCommand = rec.ProcessFlags.NodeCommand || arg.ProcessOwnFlags.NodeCommand
				rec.ProcessFlags.NodeError = rec.ProcessFlags.NodeError || arg.ProcessOwnFlags.NodeError
				rec.ProcessFlags.NodeLog = rec.ProcessFlags.NodeLog || arg.ProcessOwnFlags.NodeLog
				rec.ProcessFlags.NodeOutput = rec.ProcessFlags.NodeOutput || arg.ProcessOwnFlags.NodeOutput
			}
			if arg.ProcessNodeAggregates != nil {
				if arg.ProcessNodeAggregates.Command.Node != nil {
					rec.ProcessAggregates.Command.Node = arg.ProcessNodeAggregates.Command.Node
				}
				if arg.ProcessNodeAggregates.Error.Node != nil {
					rec.ProcessAggregates.Error.Node = arg.ProcessNodeAggregates.Error.Node
				}
				if arg.ProcessNodeAggregates.Log.Node != nil {
					rec.ProcessAggregates.Log.Node = arg.ProcessNodeAggregates.Log.Node
				}
				if arg.ProcessNodeAggregates.Output.Node != nil {
					rec.ProcessAggregates.Output.Node = arg.ProcessNodeAggregates.Output.Node
				}
			}
		} else {
			if rec.ObjectFlags == nil {
				rec.ObjectFlags = &ObjectFlags{}
			}
			if rec.ObjectAggregates == nil {
				rec.ObjectAggregates = &ObjectAggregates{}
			}
			if arg.ObjectNodeAggregate != nil {
				rec.ObjectAggregates.Node = arg.ObjectNodeAggregate
			}
			if arg.ObjectOwnStored != nil {
				rec.ObjectFlags.OwnStored = *arg.ObjectOwnStored
			}
		}

		if err := x.storeNode(tx, rec); err != nil {
			return err
		}
		if err := x.reindexCleanEntry(tx, rec); err != nil {
			return err
		}

		if err := x.writeEdges(tx, arg); err != nil {
			return err
		}

		return x.enqueue(tx, arg.ID, Put)
	})
	if err != nil {
		return err
	}
	metrics.IndexPutsTotal.Inc()
	return nil
}

// writeEdges records arg's outgoing edges and their reverse indices.
// Every edge newly written into a node increments that node's
// reference count, keeping rc(N) = |edges into N| (§3.4); a repeated
// put of the same edge set is a no-op for both the tables and the
// counts.
func (x *BoltIndex) writeEdges(tx *bolt.Tx, arg PutArg) error {
	for _, child := range arg.ObjectChildren {
		if _, err := x.appendEdge(tx, bucketObjectChildren, arg.ID, child); err != nil {
			return err
		}
		added, err := x.appendEdge(tx, bucketObjectParents, child, arg.ID)
		if err != nil {
			return err
		}
		if added {
			if err := x.incrementReferenceCount(tx, child); err != nil {
				return err
			}
		}
	}
	for _, child := range arg.ProcessChildren {
		if _, err := x.appendEdge(tx, bucketProcessChildren, arg.ID, child); err != nil {
			return err
		}
		added, err := x.appendEdge(tx, bucketProcessParents, child, arg.ID)
		if err != nil {
			return err
		}
		if added {
			if err := x.incrementReferenceCount(tx, child); err != nil {
				return err
			}
		}
	}
	if len(arg.ProcessObjectEdges) > 0 {
		b := tx.Bucket(bucketProcessObjEdges)
		existing, _ := decodeJSON[[]ProcessEdge](b.Get([]byte(arg.ID.String())))
		for _, e := range arg.ProcessObjectEdges {
			if containsProcessEdge(existing, e) {
				continue
			}
			existing = append(existing, e)
			if _, err := x.appendEdge(tx, bucketObjectProcRefs, e.Object, arg.ID); err != nil {
				return err
			}
			if err := x.incrementReferenceCount(tx, e.Object); err != nil {
				return err
			}
		}
		if err := b.Put([]byte(arg.ID.String()), encodeJSON(existing)); err != nil {
			return err
		}
	}
	if arg.CacheEntry != nil {
		added, err := x.appendEdge(tx, bucketObjectCacheEntry, arg.ID, *arg.CacheEntry)
		if err != nil {
			return err
		}
		if _, err := x.appendEdge(tx, bucketCacheEntryObject, *arg.CacheEntry, arg.ID); err != nil {
			return err
		}
		if added {
			if err := x.incrementReferenceCount(tx, *arg.CacheEntry); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsProcessEdge(edges []ProcessEdge, e ProcessEdge) bool {
	for _, existing := range edges {
		if existing.Kind == e.Kind && existing.Object.Equal(e.Object) {
			return true
		}
	}
	return false
}

// appendEdge adds one edge to a bucket's ID list, reporting whether it
// was actually new.
func (x *BoltIndex) appendEdge(tx *bolt.Tx, bucket []byte, key, add id.ID) (bool, error) {
	b := tx.Bucket(bucket)
	existing := idList(b.Get([]byte(key.String())))
	updated := appendUniqueID(existing, add)
	if len(updated) == len(existing) {
		return false, nil
	}
	return true, b.Put([]byte(key.String()), encodeJSON(updated))
}

// incrementReferenceCount bumps nodeID's reference count, creating a
// pending stub record when a parent's edge lands before the child's
// own put (sync can discover a graph top-down).
func (x *BoltIndex) incrementReferenceCount(tx *bolt.Tx, nodeID id.ID) error {
	rec, found, err := x.loadNode(tx, nodeID)
	if err != nil {
		return err
	}
	if !found {
		rec = NodeRecord{ID: nodeID}
	}
	rec.ReferenceCount++
	return x.storeNode(tx, rec)
}

func (x *BoltIndex) enqueue(tx *bolt.Tx, nodeID id.ID, kind UpdateKind) error {
	v := nextCounter(tx)
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	entry := QueueEntry{ID: nodeID, Kind: kind, Versionstamp: v, EnqueuedAt: time.Now()}
	return tx.Bucket(bucketQueue).Put(key, encodeJSON(entry))
}

func (x *BoltIndex) Touch(ctx context.Context, nodeID id.ID, touchedAt time.Time) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		rec, found, err := x.loadNode(tx, nodeID)
		if err != nil {
			return err
		}
		if !found {
			return terror.New(terror.NotFound, "node %s not found", nodeID)
		}
		rec.TouchedAt = touchedAt
		if err := x.storeNode(tx, rec); err != nil {
			return err
		}
		return x.reindexCleanEntry(tx, rec)
	})
}

func (x *BoltIndex) GetNode(ctx context.Context, nodeID id.ID) (NodeRecord, error) {
	var rec NodeRecord
	err := x.db.View(func(tx *bolt.Tx) error {
		r, found, err := x.loadNode(tx, nodeID)
		if err != nil {
			return err
		}
		if !found {
			return terror.New(terror.NotFound, "node %s not found", nodeID)
		}
		if entries := idList(tx.Bucket(bucketObjectCacheEntry).Get([]byte(nodeID.String()))); len(entries) > 0 {
			r.CacheEntry = &entries[0]
		}
		rec = r
		return nil
	})
	return rec, err
}

func (x *BoltIndex) PutTag(ctx context.Context, tag string, item id.ID) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTags).Put([]byte(tag), []byte(item.String())); err != nil {
			return err
		}
		b := tx.Bucket(bucketTagsReverse)
		tags, _ := decodeJSON[[]string](b.Get([]byte(item.String())))
		found := false
		for _, t := range tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			tags = append(tags, tag)
		}
		return b.Put([]byte(item.String()), encodeJSON(tags))
	})
}

func (x *BoltIndex) DeleteTag(ctx context.Context, tag string) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		raw := b.Get([]byte(tag))
		if raw == nil {
			return nil
		}
		if err := b.Delete([]byte(tag)); err != nil {
			return err
		}
		rb := tx.Bucket(bucketTagsReverse)
		tags, _ := decodeJSON[[]string](rb.Get(raw))
		filtered := tags[:0]
		for _, t := range tags {
			if t != tag {
				filtered = append(filtered, t)
			}
		}
		return rb.Put(raw, encodeJSON(filtered))
	})
}

func (x *BoltIndex) ResolveTag(ctx context.Context, tag string) (id.ID, error) {
	var out id.ID
	err := x.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTags).Get([]byte(tag))
		if raw == nil {
			return terror.New(terror.NotFound, "tag %q not found", tag)
		}
		parsed, err := id.Parse(string(raw))
		if err != nil {
			return err
		}
		out = parsed
		return nil
	})
	return out, err
}

func (x *BoltIndex) CurrentVersionstamp(ctx context.Context) (uint64, error) {
	var v uint64
	err := x.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(metaVersionstampCounter)
		if raw != nil {
			v = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return v, err
}

func (x *BoltIndex) WatermarkFinished(ctx context.Context, at uint64) (bool, error) {
	finished := true
	err := x.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) <= at {
				finished = false
				return nil
			}
		}
		return nil
	})
	return finished, err
}

func (x *BoltIndex) Close() error {
	if err := x.db.Close(); err != nil {
		return fmt.Errorf("closing bolt index: %w", err)
	}
	return nil
}

var _ Index = (*BoltIndex)(nil)
