package index

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/process"
)

// UpdateBatch drains up to n entries from the propagation queue,
// recomputing the subtree aggregates and derived stored flags of each
// dequeued node and enqueueing Propagate entries for its parents
// whenever its rollup changed (§4.3). Recomputation is monotone:
// already-computed subtree fields are never regressed, only filled in
// once every input is available.
func (x *BoltIndex) UpdateBatch(ctx context.Context, n int) (int, error) {
	start := time.Now()
	defer func() {
		metrics.IndexerCycleDuration.Observe(time.Since(start).Seconds())
		metrics.IndexerCyclesTotal.Inc()
	}()

	drained := 0
	err := x.db.Update(func(tx *bolt.Tx) error {
		// Collect the batch first: processing enqueues Propagate entries
		// into the same bucket, which would reposition a live cursor.
		type queued struct {
			key   []byte
			entry QueueEntry
		}
		var batch []queued
		c := tx.Bucket(bucketQueue).Cursor()
		for k, v := c.First(); k != nil && len(batch) < n; k, v = c.Next() {
			entry, err := decodeJSON[QueueEntry](v)
			if err != nil {
				return err
			}
			key := make([]byte, len(k))
			copy(key, k)
			batch = append(batch, queued{key: key, entry: entry})
		}

		for _, q := range batch {
			changed, err := x.recompute(tx, q.entry.ID)
			if err != nil {
				return err
			}
			if changed {
				metrics.PropagationLagSeconds.Observe(time.Since(q.entry.EnqueuedAt).Seconds())
				parents, err := x.parentsOf(tx, q.entry.ID)
				if err != nil {
					return err
				}
				for _, p := range parents {
					if err := x.enqueue(tx, p, Propagate); err != nil {
						return err
					}
				}
			}

			if err := tx.Bucket(bucketQueue).Delete(q.key); err != nil {
				return err
			}
			drained++
		}
		return nil
	})
	if err != nil {
		return drained, err
	}

	depth, derr := x.queueDepth()
	if derr == nil {
		metrics.PropagationQueueDepth.Set(float64(depth))
	}
	return drained, nil
}

func (x *BoltIndex) queueDepth() (int, error) {
	n := 0
	err := x.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// recompute reloads nodeID, rolls up its subtree aggregate(s) and
// derived stored flags from its children's current subtree values, and
// persists the record if anything changed.
func (x *BoltIndex) recompute(tx *bolt.Tx, nodeID id.ID) (bool, error) {
	rec, found, err := x.loadNode(tx, nodeID)
	if err != nil || !found {
		return false, err
	}

	var changed bool

	if rec.IsProcess() {
		if rec.ProcessAggregates == nil || rec.ProcessFlags == nil {
			return false, nil
		}

		in, err := x.processInputs(tx, nodeID)
		if err != nil {
			return false, err
		}
		changed = recomputeProcessRecord(&rec, in)
	} else {
		if rec.ObjectAggregates == nil {
			return false, nil
		}

		children, err := x.idSet(tx, bucketObjectChildren, nodeID)
		if err != nil {
			return false, err
		}

		childSubtrees := make([]*Aggregate, 0, len(children))
		childStored := true
		for _, ch := range children {
			chRec, found, err := x.loadNode(tx, ch)
			if err != nil {
				return false, err
			}
			if !found || chRec.ObjectAggregates == nil {
				childSubtrees = append(childSubtrees, nil)
				childStored = false
				continue
			}
			childSubtrees = append(childSubtrees, chRec.ObjectAggregates.Subtree)
			if chRec.ObjectFlags == nil || !chRec.ObjectFlags.SubtreeStored {
				childStored = false
			}
		}

		changed = recomputeObjectRecord(&rec, childSubtrees, childStored)
	}

	if !changed {
		return false, nil
	}
	if err := x.storeNode(tx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// processInputs reads the rollup inputs for a process: the subtree
// aggregate and subtree-stored flag of each child-kind's object from
// the process->object edge table, and the aggregate/flag state of
// every process child.
func (x *BoltIndex) processInputs(tx *bolt.Tx, processID id.ID) (processInputs, error) {
	in := processInputs{
		ownAggs:   map[process.ChildKind]*Aggregate{},
		ownStored: map[process.ChildKind]bool{},
	}

	b := tx.Bucket(bucketProcessObjEdges)
	edges, _ := decodeJSON[[]ProcessEdge](b.Get([]byte(processID.String())))
	for _, e := range edges {
		objRec, found, err := x.loadNode(tx, e.Object)
		if err != nil {
			return processInputs{}, err
		}
		if !found || objRec.ObjectAggregates == nil {
			continue
		}
		in.ownAggs[e.Kind] = objRec.ObjectAggregates.Subtree
		if objRec.ObjectFlags != nil {
			in.ownStored[e.Kind] = objRec.ObjectFlags.SubtreeStored
		}
	}

	children, err := x.idSet(tx, bucketProcessChildren, processID)
	if err != nil {
		return processInputs{}, err
	}
	for _, ch := range children {
		chRec, found, err := x.loadNode(tx, ch)
		if err != nil {
			return processInputs{}, err
		}
		if !found {
			in.children = append(in.children, processChildState{})
			continue
		}
		in.children = append(in.children, processChildState{aggs: chRec.ProcessAggregates, flags: chRec.ProcessFlags})
	}
	return in, nil
}

func (x *BoltIndex) idSet(tx *bolt.Tx, bucket []byte, key id.ID) ([]id.ID, error) {
	return idList(tx.Bucket(bucket).Get([]byte(key.String()))), nil
}

// parentsOf unions every edge table that points back at nodeID: for an
// object, object_parents plus object_process_refs (processes whose
// command/error/log/output is this object); for a process,
// process_parents.
func (x *BoltIndex) parentsOf(tx *bolt.Tx, nodeID id.ID) ([]id.ID, error) {
	if nodeID.Kind() == id.KindProcess {
		return x.idSet(tx, bucketProcessParents, nodeID)
	}

	parents, err := x.idSet(tx, bucketObjectParents, nodeID)
	if err != nil {
		return nil, err
	}
	refs, err := x.idSet(tx, bucketObjectProcRefs, nodeID)
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		parents = appendUniqueID(parents, r)
	}
	return parents, nil
}

// Clean scans the touched_at-ordered secondary index and deletes nodes
// with a zero reference count whose touched_at falls before
// maxTouchedAt, up to batchSize entries, cascading their edges and
// decrementing the reference counts they were propping up (§4.7).
func (x *BoltIndex) Clean(ctx context.Context, maxTouchedAt time.Time, batchSize int) (int, error) {
	start := time.Now()
	defer metrics.CleanerCycleDuration.Observe(time.Since(start).Seconds())

	deleted := 0
	err := x.db.Update(func(tx *bolt.Tx) error {
		// Collect candidates first: deleteNode mutates the clean-index
		// bucket, which would reposition a cursor still iterating it.
		var candidates []id.ID
		c := tx.Bucket(bucketCleanIndex).Cursor()
		for k, _ := c.First(); k != nil && len(candidates) < batchSize; k, _ = c.Next() {
			touchedAtNanos := int64(binary.BigEndian.Uint64(k[:8]))
			if touchedAtNanos >= maxTouchedAt.UnixNano() {
				break
			}
			nodeID, err := id.Parse(string(k[8:]))
			if err != nil {
				return err
			}
			candidates = append(candidates, nodeID)
		}

		for _, nodeID := range candidates {
			rec, found, err := x.loadNode(tx, nodeID)
			if err != nil {
				return err
			}
			if !found || rec.ReferenceCount > 0 {
				continue
			}

			if err := x.deleteNode(tx, rec); err != nil {
				return err
			}
			kind := "object"
			if rec.IsProcess() {
				kind = "process"
			}
			metrics.CleanerDeletionsTotal.WithLabelValues(kind).Inc()
			deleted++
		}
		return nil
	})
	return deleted, err
}

// deleteNode removes a node record, its clean-index entry, and every
// edge table entry naming it, decrementing the reference count of
// whatever it pointed at.
func (x *BoltIndex) deleteNode(tx *bolt.Tx, rec NodeRecord) error {
	key := []byte(rec.ID.String())

	if err := tx.Bucket(bucketNodes).Delete(key); err != nil {
		return err
	}
	if old := tx.Bucket(bucketCleanLookup).Get(key); old != nil {
		if err := tx.Bucket(bucketCleanIndex).Delete(old); err != nil {
			return err
		}
		if err := tx.Bucket(bucketCleanLookup).Delete(key); err != nil {
			return err
		}
	}

	var childBucket, parentBucket []byte
	if rec.IsProcess() {
		childBucket, parentBucket = bucketProcessChildren, bucketProcessParents
	} else {
		childBucket, parentBucket = bucketObjectChildren, bucketObjectParents
	}

	children := idList(tx.Bucket(childBucket).Get(key))
	for _, ch := range children {
		if err := x.removeEdge(tx, parentBucket, ch, rec.ID); err != nil {
			return err
		}
		if err := x.decrementReferenceCount(tx, ch); err != nil {
			return err
		}
	}
	if err := tx.Bucket(childBucket).Delete(key); err != nil {
		return err
	}

	if !rec.IsProcess() {
		refs := idList(tx.Bucket(bucketObjectProcRefs).Get(key))
		for _, p := range refs {
			edges, _ := decodeJSON[[]ProcessEdge](tx.Bucket(bucketProcessObjEdges).Get([]byte(p.String())))
			filtered := edges[:0]
			for _, e := range edges {
				if !e.Object.Equal(rec.ID) {
					filtered = append(filtered, e)
				}
			}
			if err := tx.Bucket(bucketProcessObjEdges).Put([]byte(p.String()), encodeJSON(filtered)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketObjectProcRefs).Delete(key); err != nil {
			return err
		}

		if entries := idList(tx.Bucket(bucketObjectCacheEntry).Get(key)); len(entries) > 0 {
			target := entries[0]
			if err := x.removeEdge(tx, bucketCacheEntryObject, target, rec.ID); err != nil {
				return err
			}
			if err := x.decrementReferenceCount(tx, target); err != nil {
				return err
			}
			if err := tx.Bucket(bucketObjectCacheEntry).Delete(key); err != nil {
				return err
			}
		}
	} else {
		edges, _ := decodeJSON[[]ProcessEdge](tx.Bucket(bucketProcessObjEdges).Get(key))
		for _, e := range edges {
			if err := x.removeEdge(tx, bucketObjectProcRefs, e.Object, rec.ID); err != nil {
				return err
			}
			if err := x.decrementReferenceCount(tx, e.Object); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketProcessObjEdges).Delete(key); err != nil {
			return err
		}

		objects := idList(tx.Bucket(bucketCacheEntryObject).Get(key))
		for _, o := range objects {
			if err := x.removeEdge(tx, bucketObjectCacheEntry, o, rec.ID); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketCacheEntryObject).Delete(key); err != nil {
			return err
		}
	}

	return nil
}

func (x *BoltIndex) removeEdge(tx *bolt.Tx, bucket []byte, key, remove id.ID) error {
	b := tx.Bucket(bucket)
	existing := idList(b.Get([]byte(key.String())))
	filtered := existing[:0]
	for _, e := range existing {
		if !e.Equal(remove) {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		return b.Delete([]byte(key.String()))
	}
	return b.Put([]byte(key.String()), encodeJSON(filtered))
}

func (x *BoltIndex) decrementReferenceCount(tx *bolt.Tx, nodeID id.ID) error {
	rec, found, err := x.loadNode(tx, nodeID)
	if err != nil || !found {
		return err
	}
	if rec.ReferenceCount > 0 {
		rec.ReferenceCount--
	}
	return x.storeNode(tx, rec)
}
