package sync

import (
	"context"
	"encoding/json"
	"time"

	"tangram.dev/tangram/pkg/database"
	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/store"
	"tangram.dev/tangram/pkg/terror"
)

// localPeer implements LocalPeer against this server's own Store,
// Index, and Database, so Sync can run a call where this server is
// either side.
type localPeer struct {
	store store.Store
	idx   index.Index
	db    *database.DB
}

// NewLocalPeer builds the LocalPeer a sync call uses for this
// server's own state.
func NewLocalPeer(st store.Store, idx index.Index, db *database.DB) LocalPeer {
	return &localPeer{store: st, idx: idx, db: db}
}

func (p *localPeer) Flags(ctx context.Context, nodeID id.ID) (*FlagSet, error) {
	if nodeID.Kind() == id.KindProcess {
		return p.processFlags(ctx, nodeID)
	}

	rec, err := p.idx.GetNode(ctx, nodeID)
	if err != nil {
		if terror.Is(err, terror.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.ObjectFlags == nil {
		return nil, nil
	}
	return &FlagSet{Object: rec.ObjectFlags}, nil
}

func (p *localPeer) processFlags(ctx context.Context, nodeID id.ID) (*FlagSet, error) {
	rec, err := p.idx.GetNode(ctx, nodeID)
	if err != nil {
		if terror.Is(err, terror.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.ProcessFlags == nil {
		return nil, nil
	}
	return &FlagSet{Process: rec.ProcessFlags}, nil
}

func (p *localPeer) Children(ctx context.Context, nodeID id.ID) ([]id.ID, error) {
	if nodeID.Kind() == id.KindProcess {
		return p.processChildren(ctx, nodeID)
	}

	data, ok, err := p.store.TryGetData(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	obj, err := object.Decode(data)
	if err != nil {
		return nil, err
	}
	return object.Children(obj), nil
}

func (p *localPeer) processChildren(ctx context.Context, nodeID id.ID) ([]id.ID, error) {
	proc, err := p.db.GetProcess(ctx, nodeID.String())
	if err != nil {
		if terror.Is(err, terror.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	var children []id.ID
	if cmdID, err := id.Parse(proc.Command); err == nil {
		children = append(children, cmdID)
	}
	if proc.Log != nil {
		if logID, err := id.Parse(*proc.Log); err == nil {
			children = append(children, logID)
		}
	}
	if proc.Output != nil {
		if outID, err := id.Parse(*proc.Output); err == nil {
			children = append(children, outID)
		}
	}

	var spawned []string
	if proc.Children != "" {
		_ = json.Unmarshal([]byte(proc.Children), &spawned)
	}
	for _, child := range spawned {
		if childID, err := id.Parse(child); err == nil {
			children = append(children, childID)
		}
	}
	return children, nil
}

func (p *localPeer) Fetch(ctx context.Context, nodeID id.ID) ([]byte, error) {
	return p.store.Get(ctx, nodeID)
}

func (p *localPeer) Store(ctx context.Context, nodeID id.ID, payload []byte) error {
	if err := p.store.Put(ctx, nodeID, payload, time.Now()); err != nil {
		return err
	}
	if nodeID.Kind() == id.KindProcess {
		return nil
	}
	stored := true
	return p.idx.Put(ctx, index.PutArg{
		ID:              nodeID,
		TouchedAt:       time.Now(),
		ObjectOwnStored: &stored,
	})
}
