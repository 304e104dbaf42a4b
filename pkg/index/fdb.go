package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/terror"
)

// fdbAPIVersion is the client API version this binding targets;
// FDB requires every process in a cluster's client fleet to agree.
const fdbAPIVersion = 730

// Table name components of the key subspace, mirrored from the
// bucket names BoltIndex uses so the two backends share one mental
// model of the schema (§4.2.2's "same logical key schema" clause).
const (
	tblNode         = "node"
	tblObjectChild  = "objchild"
	tblObjectParent = "objparent"
	tblObjCache     = "objcache"
	tblCacheObj     = "cacheobj"
	tblProcChild    = "procchild"
	tblProcParent   = "procparent"
	tblProcObj      = "procobj"
	tblObjProc      = "objproc"
	tblTag          = "tag"
	tblTagRev       = "tagrev"
	tblQueue        = "queue"
	tblClean        = "clean"
	tblCleanLookup  = "cleanlookup"
	tblMeta         = "meta"
)

var metaCounterKeyParts = []any{tblMeta, "counter"}

// FDBIndex is the distributed Index backend (§4.2.2): every mutation
// is one FoundationDB transaction spanning the node record, its edges,
// and the propagation queue entry, so a crash mid-write can never
// leave them inconsistent. Ordering of the propagation queue comes
// from FDB's versionstamp: each queue key is written with
// SetVersionstampedKey so the key itself sorts by commit order without
// a separately serialized writer.
type FDBIndex struct {
	db fdb.Database
	sp subspace.Subspace
}

// NewFDBIndex opens a FoundationDB-backed index under subspacePrefix
// (defaulting to "tangram/index") on the cluster named by
// clusterFile (empty selects the default cluster file location).
func NewFDBIndex(clusterFile, subspacePrefix string) (*FDBIndex, error) {
	fdb.MustAPIVersion(fdbAPIVersion)

	var db fdb.Database
	var err error
	if clusterFile == "" {
		db, err = fdb.OpenDefault()
	} else {
		db, err = fdb.OpenDatabase(clusterFile)
	}
	if err != nil {
		return nil, terror.Wrap(terror.BackendUnavailable, err, "opening foundationdb cluster %q", clusterFile)
	}

	if subspacePrefix == "" {
		subspacePrefix = "tangram/index"
	}
	return &FDBIndex{db: db, sp: subspace.Sub(subspacePrefix)}, nil
}

// key packs parts (strings and integers identifying a table and the
// entity/entities it's keyed by) into one key under this index's
// subspace. Building the tuple element-by-element, rather than
// converting a []any wholesale, keeps this agnostic to the exact
// TupleElement type the binding declares.
func (x *FDBIndex) key(parts ...any) fdb.Key {
	t := make(tuple.Tuple, len(parts))
	for i, p := range parts {
		t[i] = p
	}
	return x.sp.Pack(t)
}

func fdbEncodeJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("index: marshaling %T: %v", v, err))
	}
	return data
}

func fdbDecodeJSON[T any](data []byte) (T, error) {
	var v T
	if data == nil {
		return v, terror.New(terror.NotFound, "no value to decode")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, terror.Wrap(terror.Internal, err, "decoding stored value")
	}
	return v, nil
}

func (x *FDBIndex) loadNode(tr fdb.Transaction, nodeID id.ID) (NodeRecord, bool, error) {
	data, err := tr.Get(x.key(tblNode, nodeID.String())).Get()
	if err != nil {
		return NodeRecord{}, false, terror.Wrap(terror.BackendUnavailable, err, "reading node %s", nodeID)
	}
	if data == nil {
		return NodeRecord{}, false, nil
	}
	rec, err := fdbDecodeJSON[NodeRecord](data)
	if err != nil {
		return NodeRecord{}, false, err
	}
	return rec, true, nil
}

func (x *FDBIndex) storeNode(tr fdb.Transaction, rec NodeRecord) {
	tr.Set(x.key(tblNode, rec.ID.String()), fdbEncodeJSON(rec))
}

// nextCounter increments and returns the transactional sequence number
// exposed to callers as the Index interface's uint64 versionstamp; the
// queue key ordering itself comes from FDB's own versionstamp (see
// enqueue), this counter is purely the comparable token
// WatermarkFinished/CurrentVersionstamp hand back.
func (x *FDBIndex) nextCounter(tr fdb.Transaction) (uint64, error) {
	raw, err := tr.Get(x.key(metaCounterKeyParts...)).Get()
	if err != nil {
		return 0, err
	}
	var n uint64
	if raw != nil {
		n = binary.BigEndian.Uint64(raw)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	tr.Set(x.key(metaCounterKeyParts...), buf)
	return n, nil
}

// reindexCleanEntry replaces the touched_at-ordered secondary index
// entry for rec.ID, mirroring BoltIndex's clean_index/clean_lookup
// pair as two table prefixes within the same subspace.
func (x *FDBIndex) reindexCleanEntry(tr fdb.Transaction, rec NodeRecord) error {
	lookupKey := x.key(tblCleanLookup, rec.ID.String())
	old, err := tr.Get(lookupKey).Get()
	if err != nil {
		return err
	}
	if old != nil {
		tr.Clear(fdb.Key(old))
	}

	cleanKey := x.key(tblClean, cleanSortableNanos(rec.TouchedAt), rec.ID.String())
	tr.Set(cleanKey, []byte{})
	tr.Set(lookupKey, cleanKey)
	return nil
}

func cleanSortableNanos(t time.Time) int64 { return t.UnixNano() }

func (x *FDBIndex) Put(ctx context.Context, arg PutArg) error {
	_, err := x.db.Transact(func(tr fdb.Transaction) (any, error) {
		existing, found, err := x.loadNode(tr, arg.ID)
		if err != nil {
			return nil, err
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

		x.storeNode(tr, rec)
		if err := x.reindexCleanEntry(tr, rec); err != nil {
			return nil, err
		}
		if err := x.writeEdges(tr, arg); err != nil {
			return nil, err
		}
		return nil, x.enqueue(tr, arg.ID, Put)
	})
	if err != nil {
		return unwrapFDBErr(err)
	}
	metrics.IndexPutsTotal.Inc()
	return nil
}

// writeEdges records arg's outgoing edges and their reverse indices,
// one key per edge. A newly written edge increments its target's
// reference count, keeping rc(N) = |edges into N| (§3.4); re-putting
// an existing edge leaves the count alone.
func (x *FDBIndex) writeEdges(tr fdb.Transaction, arg PutArg) error {
	setEdge := func(forward, reverse fdb.Key, target id.ID) error {
		existing, err := tr.Get(forward).Get()
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		tr.Set(forward, []byte{})
		tr.Set(reverse, []byte{})
		return x.incrementReferenceCount(tr, target)
	}

	for _, child := range arg.ObjectChildren {
		err := setEdge(
			x.key(tblObjectChild, arg.ID.String(), child.String()),
			x.key(tblObjectParent, child.String(), arg.ID.String()),
			child,
		)
		if err != nil {
			return err
		}
	}
	for _, child := range arg.ProcessChildren {
		err := setEdge(
			x.key(tblProcChild, arg.ID.String(), child.String()),
			x.key(tblProcParent, child.String(), arg.ID.String()),
			child,
		)
		if err != nil {
			return err
		}
	}
	for _, e := range arg.ProcessObjectEdges {
		err := setEdge(
			x.key(tblProcObj, arg.ID.String(), string(e.Kind), e.Object.String()),
			x.key(tblObjProc, e.Object.String(), string(e.Kind), arg.ID.String()),
			e.Object,
		)
		if err != nil {
			return err
		}
	}
	if arg.CacheEntry != nil {
		err := setEdge(
			x.key(tblObjCache, arg.ID.String(), arg.CacheEntry.String()),
			x.key(tblCacheObj, arg.CacheEntry.String(), arg.ID.String()),
			*arg.CacheEntry,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// incrementReferenceCount bumps nodeID's reference count, creating a
// pending stub record when a parent's edge lands before the child's
// own put.
func (x *FDBIndex) incrementReferenceCount(tr fdb.Transaction, nodeID id.ID) error {
	rec, found, err := x.loadNode(tr, nodeID)
	if err != nil {
		return err
	}
	if !found {
		rec = NodeRecord{ID: nodeID}
	}
	rec.ReferenceCount++
	x.storeNode(tr, rec)
	return nil
}

// enqueue appends a propagation-queue entry under a versionstamped
// key, so the natural key order is the commit order FDB assigned it
// (§4.2's "ordered by commit versionstamp"), and stamps the entry's
// value with the external counter token.
func (x *FDBIndex) enqueue(tr fdb.Transaction, nodeID id.ID, kind UpdateKind) error {
	seq, err := x.nextCounter(tr)
	if err != nil {
		return err
	}
	entry := QueueEntry{ID: nodeID, Kind: kind, Versionstamp: seq, EnqueuedAt: time.Now()}

	packed, err := tuple.Tuple{tuple.IncompleteVersionstamp(0)}.PackWithVersionstamp(x.sp.Pack(tuple.Tuple{tblQueue}))
	if err != nil {
		return err
	}
	tr.SetVersionstampedKey(fdb.Key(packed), fdbEncodeJSON(entry))
	return nil
}

func (x *FDBIndex) Touch(ctx context.Context, nodeID id.ID, touchedAt time.Time) error {
	_, err := x.db.Transact(func(tr fdb.Transaction) (any, error) {
		rec, found, err := x.loadNode(tr, nodeID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, terror.New(terror.NotFound, "node %s not found", nodeID)
		}
		rec.TouchedAt = touchedAt
		x.storeNode(tr, rec)
		return nil, x.reindexCleanEntry(tr, rec)
	})
	return unwrapFDBErr(err)
}

func (x *FDBIndex) GetNode(ctx context.Context, nodeID id.ID) (NodeRecord, error) {
	v, err := x.db.ReadTransact(func(tr fdb.ReadTransaction) (any, error) {
		data, err := tr.Get(x.key(tblNode, nodeID.String())).Get()
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, terror.New(terror.NotFound, "node %s not found", nodeID)
		}
		rec, err := fdbDecodeJSON[NodeRecord](data)
		if err != nil {
			return nil, err
		}

		rr := tr.GetRange(x.sp.Sub(tblObjCache, nodeID.String()), fdb.RangeOptions{Limit: 1})
		iter := rr.Iterator()
		if iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, err
			}
			tup, err := x.sp.Unpack(kv.Key)
			if err != nil {
				return nil, err
			}
			if last, ok := tup[len(tup)-1].(string); ok {
				if parsed, err := id.Parse(last); err == nil {
					rec.CacheEntry = &parsed
				}
			}
		}
		return rec, nil
	})
	if err != nil {
		return NodeRecord{}, unwrapFDBErr(err)
	}
	rec, _ := v.(NodeRecord)
	return rec, nil
}

func (x *FDBIndex) PutTag(ctx context.Context, tag string, item id.ID) error {
	_, err := x.db.Transact(func(tr fdb.Transaction) (any, error) {
		tr.Set(x.key(tblTag, tag), []byte(item.String()))
		tr.Set(x.key(tblTagRev, item.String(), tag), []byte{})
		return nil, nil
	})
	return unwrapFDBErr(err)
}

func (x *FDBIndex) DeleteTag(ctx context.Context, tag string) error {
	_, err := x.db.Transact(func(tr fdb.Transaction) (any, error) {
		raw, err := tr.Get(x.key(tblTag, tag)).Get()
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, nil
		}
		tr.Clear(x.key(tblTag, tag))
		tr.Clear(x.key(tblTagRev, string(raw), tag))
		return nil, nil
	})
	return unwrapFDBErr(err)
}

func (x *FDBIndex) ResolveTag(ctx context.Context, tag string) (id.ID, error) {
	v, err := x.db.ReadTransact(func(tr fdb.ReadTransaction) (any, error) {
		raw, err := tr.Get(x.key(tblTag, tag)).Get()
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, terror.New(terror.NotFound, "tag %q not found", tag)
		}
		return id.Parse(string(raw))
	})
	if err != nil {
		return id.ID{}, unwrapFDBErr(err)
	}
	out, _ := v.(id.ID)
	return out, nil
}

func (x *FDBIndex) CurrentVersionstamp(ctx context.Context) (uint64, error) {
	v, err := x.db.ReadTransact(func(tr fdb.ReadTransaction) (any, error) {
		raw, err := tr.Get(x.key(metaCounterKeyParts...)).Get()
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return uint64(0), nil
		}
		return binary.BigEndian.Uint64(raw), nil
	})
	if err != nil {
		return 0, unwrapFDBErr(err)
	}
	n, _ := v.(uint64)
	return n, nil
}

func (x *FDBIndex) WatermarkFinished(ctx context.Context, at uint64) (bool, error) {
	v, err := x.db.ReadTransact(func(tr fdb.ReadTransaction) (any, error) {
		rr := tr.GetRange(x.sp.Sub(tblQueue), fdb.RangeOptions{})
		iter := rr.Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, err
			}
			entry, err := fdbDecodeJSON[QueueEntry](kv.Value)
			if err != nil {
				continue
			}
			if entry.Versionstamp <= at {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return false, unwrapFDBErr(err)
	}
	finished, _ := v.(bool)
	return finished, nil
}

func (x *FDBIndex) Close() error {
	return nil
}

// unwrapFDBErr renders an fdb.Error (which carries only a numeric
// code) as a terror, leaving terrors already produced by the
// transaction body untouched.
func unwrapFDBErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*terror.Error); ok {
		return err
	}
	if fdbErr, ok := err.(fdb.Error); ok {
		return terror.Wrap(terror.BackendUnavailable, fdbErr, "foundationdb transaction failed")
	}
	return err
}

var _ Index = (*FDBIndex)(nil)
