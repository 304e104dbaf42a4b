package index

import (
	"context"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/process"
)

// edgeIDs scans the (table, key) prefix and returns the trailing ID
// component of each matching key (§4.2's "all edges in one direction
// share a prefix, enabling prefix scans").
func (x *FDBIndex) edgeIDs(tr fdb.Transaction, table string, key id.ID) ([]id.ID, error) {
	rr := tr.GetRange(x.sp.Sub(table, key.String()), fdb.RangeOptions{})
	iter := rr.Iterator()
	var out []id.ID
	for iter.Advance() {
		kv, err := iter.Get()
		if err != nil {
			return nil, err
		}
		tup, err := x.sp.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		last, _ := tup[len(tup)-1].(string)
		parsed, err := id.Parse(last)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// processObjectEdges scans processID's command/error/log/output
// edges, keyed (processID, kind, objectID).
func (x *FDBIndex) processObjectEdges(tr fdb.Transaction, processID id.ID) ([]ProcessEdge, error) {
	rr := tr.GetRange(x.sp.Sub(tblProcObj, processID.String()), fdb.RangeOptions{})
	iter := rr.Iterator()
	var out []ProcessEdge
	for iter.Advance() {
		kv, err := iter.Get()
		if err != nil {
			return nil, err
		}
		tup, err := x.sp.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		kindStr, _ := tup[len(tup)-2].(string)
		objStr, _ := tup[len(tup)-1].(string)
		objID, err := id.Parse(objStr)
		if err != nil {
			return nil, err
		}
		out = append(out, ProcessEdge{Object: objID, Kind: process.ChildKind(kindStr)})
	}
	return out, nil
}

// objectProcessRefs scans the reverse of processObjectEdges: every
// (kind, processID) pair referencing objectID.
func (x *FDBIndex) objectProcessRefs(tr fdb.Transaction, objectID id.ID) ([]ProcessEdge, error) {
	rr := tr.GetRange(x.sp.Sub(tblObjProc, objectID.String()), fdb.RangeOptions{})
	iter := rr.Iterator()
	var out []ProcessEdge
	for iter.Advance() {
		kv, err := iter.Get()
		if err != nil {
			return nil, err
		}
		tup, err := x.sp.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		kindStr, _ := tup[len(tup)-2].(string)
		pidStr, _ := tup[len(tup)-1].(string)
		pid, err := id.Parse(pidStr)
		if err != nil {
			return nil, err
		}
		out = append(out, ProcessEdge{Object: pid, Kind: process.ChildKind(kindStr)})
	}
	return out, nil
}

// processInputs reads the rollup inputs for a process, mirroring
// BoltIndex.processInputs over the tuple-keyed edge tables.
func (x *FDBIndex) processInputs(tr fdb.Transaction, processID id.ID) (processInputs, error) {
	in := processInputs{
		ownAggs:   map[process.ChildKind]*Aggregate{},
		ownStored: map[process.ChildKind]bool{},
	}

	edges, err := x.processObjectEdges(tr, processID)
	if err != nil {
		return processInputs{}, err
	}
	for _, e := range edges {
		objRec, found, err := x.loadNode(tr, e.Object)
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

	children, err := x.edgeIDs(tr, tblProcChild, processID)
	if err != nil {
		return processInputs{}, err
	}
	for _, ch := range children {
		chRec, found, err := x.loadNode(tr, ch)
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

// parentsOf unions every edge table pointing back at nodeID, the same
// rule BoltIndex.parentsOf follows (§4.3).
func (x *FDBIndex) parentsOf(tr fdb.Transaction, nodeID id.ID) ([]id.ID, error) {
	if nodeID.Kind() == id.KindProcess {
		return x.edgeIDs(tr, tblProcParent, nodeID)
	}

	parents, err := x.edgeIDs(tr, tblObjectParent, nodeID)
	if err != nil {
		return nil, err
	}
	refs, err := x.objectProcessRefs(tr, nodeID)
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		parents = appendUniqueID(parents, r.Object)
	}
	return parents, nil
}

func (x *FDBIndex) recompute(tr fdb.Transaction, nodeID id.ID) (bool, error) {
	rec, found, err := x.loadNode(tr, nodeID)
	if err != nil || !found {
		return false, err
	}

	var changed bool

	if rec.IsProcess() {
		if rec.ProcessAggregates == nil || rec.ProcessFlags == nil {
			return false, nil
		}

		in, err := x.processInputs(tr, nodeID)
		if err != nil {
			return false, err
		}
		changed = recomputeProcessRecord(&rec, in)
	} else {
		if rec.ObjectAggregates == nil {
			return false, nil
		}

		children, err := x.edgeIDs(tr, tblObjectChild, nodeID)
		if err != nil {
			return false, err
		}

		childSubtrees := make([]*Aggregate, 0, len(children))
		childStored := true
		for _, ch := range children {
			chRec, found, err := x.loadNode(tr, ch)
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
	x.storeNode(tr, rec)
	return true, nil
}

// UpdateBatch drains up to n propagation-queue entries in a single
// FDB transaction. A batch that trips the backend's transaction-size
// limit is halved and retried by the caller (pkg/indexer), per §4.3.3.
func (x *FDBIndex) UpdateBatch(ctx context.Context, n int) (int, error) {
	start := time.Now()
	defer func() {
		metrics.IndexerCycleDuration.Observe(time.Since(start).Seconds())
		metrics.IndexerCyclesTotal.Inc()
	}()

	v, err := x.db.Transact(func(tr fdb.Transaction) (any, error) {
		rr := tr.GetRange(x.sp.Sub(tblQueue), fdb.RangeOptions{Limit: n})
		iter := rr.Iterator()

		drained := 0
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return drained, err
			}
			entry, err := fdbDecodeJSON[QueueEntry](kv.Value)
			if err != nil {
				return drained, err
			}

			changed, err := x.recompute(tr, entry.ID)
			if err != nil {
				return drained, err
			}
			if changed {
				metrics.PropagationLagSeconds.Observe(time.Since(entry.EnqueuedAt).Seconds())
				parents, err := x.parentsOf(tr, entry.ID)
				if err != nil {
					return drained, err
				}
				for _, p := range parents {
					if err := x.enqueue(tr, p, Propagate); err != nil {
						return drained, err
					}
				}
			}

			tr.Clear(fdb.Key(kv.Key))
			drained++
		}
		return drained, nil
	})
	drained, _ := v.(int)
	if err != nil {
		return drained, unwrapFDBErr(err)
	}

	depth, derr := x.queueDepth()
	if derr == nil {
		metrics.PropagationQueueDepth.Set(float64(depth))
	}
	return drained, nil
}

func (x *FDBIndex) queueDepth() (int, error) {
	v, err := x.db.ReadTransact(func(tr fdb.ReadTransaction) (any, error) {
		rr := tr.GetRange(x.sp.Sub(tblQueue), fdb.RangeOptions{})
		iter := rr.Iterator()
		n := 0
		for iter.Advance() {
			if _, err := iter.Get(); err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	})
	n, _ := v.(int)
	return n, err
}

func (x *FDBIndex) decrementReferenceCount(tr fdb.Transaction, nodeID id.ID) error {
	rec, found, err := x.loadNode(tr, nodeID)
	if err != nil || !found {
		return err
	}
	if rec.ReferenceCount > 0 {
		rec.ReferenceCount--
	}
	x.storeNode(tr, rec)
	return nil
}

func (x *FDBIndex) removeEdge(tr fdb.Transaction, table string, key, remove id.ID) {
	tr.Clear(x.key(table, key.String(), remove.String()))
}

// deleteNode removes nodeID's record, its clean-index entries, and
// every edge table entry naming it, decrementing the reference count
// of whatever it pointed at (§4.7).
func (x *FDBIndex) deleteNode(tr fdb.Transaction, rec NodeRecord) error {
	tr.Clear(x.key(tblNode, rec.ID.String()))

	lookupKey := x.key(tblCleanLookup, rec.ID.String())
	old, err := tr.Get(lookupKey).Get()
	if err != nil {
		return err
	}
	if old != nil {
		tr.Clear(fdb.Key(old))
		tr.Clear(lookupKey)
	}

	childTable, parentTable := tblObjectChild, tblObjectParent
	if rec.IsProcess() {
		childTable, parentTable = tblProcChild, tblProcParent
	}

	children, err := x.edgeIDs(tr, childTable, rec.ID)
	if err != nil {
		return err
	}
	for _, ch := range children {
		x.removeEdge(tr, parentTable, ch, rec.ID)
		if err := x.decrementReferenceCount(tr, ch); err != nil {
			return err
		}
	}
	tr.ClearRange(x.sp.Sub(childTable, rec.ID.String()))

	if !rec.IsProcess() {
		refs, err := x.objectProcessRefs(tr, rec.ID)
		if err != nil {
			return err
		}
		for _, r := range refs {
			tr.Clear(x.key(tblProcObj, r.Object.String(), string(r.Kind), rec.ID.String()))
		}
		tr.ClearRange(x.sp.Sub(tblObjProc, rec.ID.String()))

		cacheEntries, err := x.edgeIDs(tr, tblObjCache, rec.ID)
		if err != nil {
			return err
		}
		for _, target := range cacheEntries {
			tr.Clear(x.key(tblCacheObj, target.String(), rec.ID.String()))
			if err := x.decrementReferenceCount(tr, target); err != nil {
				return err
			}
		}
		tr.ClearRange(x.sp.Sub(tblObjCache, rec.ID.String()))
	} else {
		edges, err := x.processObjectEdges(tr, rec.ID)
		if err != nil {
			return err
		}
		for _, e := range edges {
			tr.Clear(x.key(tblObjProc, e.Object.String(), string(e.Kind), rec.ID.String()))
			if err := x.decrementReferenceCount(tr, e.Object); err != nil {
				return err
			}
		}
		tr.ClearRange(x.sp.Sub(tblProcObj, rec.ID.String()))

		cacheObjects, err := x.edgeIDs(tr, tblCacheObj, rec.ID)
		if err != nil {
			return err
		}
		for _, o := range cacheObjects {
			tr.Clear(x.key(tblObjCache, o.String(), rec.ID.String()))
		}
		tr.ClearRange(x.sp.Sub(tblCacheObj, rec.ID.String()))
	}

	return nil
}

// Clean scans the touched_at-ordered subspace and deletes nodes with a
// zero reference count whose touched_at falls before maxTouchedAt, up
// to batchSize entries (§4.7). The tuple layer's int64 encoding
// preserves numeric order, so the clean subspace iterates oldest
// touched_at first with no manual byte packing.
func (x *FDBIndex) Clean(ctx context.Context, maxTouchedAt time.Time, batchSize int) (int, error) {
	start := time.Now()
	defer metrics.CleanerCycleDuration.Observe(time.Since(start).Seconds())

	v, err := x.db.Transact(func(tr fdb.Transaction) (any, error) {
		rr := tr.GetRange(x.sp.Sub(tblClean), fdb.RangeOptions{})
		iter := rr.Iterator()

		deleted := 0
		for iter.Advance() && deleted < batchSize {
			kv, err := iter.Get()
			if err != nil {
				return deleted, err
			}
			tup, err := x.sp.Unpack(kv.Key)
			if err != nil {
				return deleted, err
			}
			touchedAtNanos, _ := tup[len(tup)-2].(int64)
			if touchedAtNanos >= maxTouchedAt.UnixNano() {
				break
			}
			idStr, _ := tup[len(tup)-1].(string)
			nodeID, err := id.Parse(idStr)
			if err != nil {
				return deleted, err
			}

			rec, found, err := x.loadNode(tr, nodeID)
			if err != nil {
				return deleted, err
			}
			if !found || rec.ReferenceCount > 0 {
				continue
			}

			if err := x.deleteNode(tr, rec); err != nil {
				return deleted, err
			}
			kind := "object"
			if rec.IsProcess() {
				kind = "process"
			}
			metrics.CleanerDeletionsTotal.WithLabelValues(kind).Inc()
			deleted++
		}
		return deleted, nil
	})
	deleted, _ := v.(int)
	if err != nil {
		return deleted, unwrapFDBErr(err)
	}
	return deleted, nil
}
