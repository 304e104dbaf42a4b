package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/terror"
)

// fakeLocalPeer is a LocalPeer stub keyed by node ID.
type fakeLocalPeer struct {
	flags    map[string]*FlagSet
	children map[string][]id.ID
	fetchErr error
}

func (p *fakeLocalPeer) Flags(ctx context.Context, nodeID id.ID) (*FlagSet, error) {
	return p.flags[nodeID.String()], nil
}

func (p *fakeLocalPeer) Children(ctx context.Context, nodeID id.ID) ([]id.ID, error) {
	return p.children[nodeID.String()], nil
}

func (p *fakeLocalPeer) Fetch(ctx context.Context, nodeID id.ID) ([]byte, error) {
	return []byte("payload"), nil
}

func (p *fakeLocalPeer) Store(ctx context.Context, nodeID id.ID, payload []byte) error {
	return p.fetchErr
}

// fakeRemotePeer is a RemotePeer stub that replays a fixed event list.
type fakeRemotePeer struct {
	events   []RemoteEvent
	fetchErr error
}

func (p *fakeRemotePeer) Stream(ctx context.Context, roots []id.ID, opts Options) (<-chan RemoteEvent, error) {
	ch := make(chan RemoteEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *fakeRemotePeer) Fetch(ctx context.Context, nodeID id.ID) ([]byte, error) {
	return nil, p.fetchErr
}

func (p *fakeRemotePeer) Push(ctx context.Context, nodeID id.ID, payload []byte) error {
	return nil
}

func TestSyncReturnsErrorWhenTransferExhaustsRetries(t *testing.T) {
	orig := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond}
	defer func() { retryBackoff = orig }()

	leaf := leafID("broken")
	local := &fakeLocalPeer{
		flags: map[string]*FlagSet{
			leaf.String(): {Object: &index.ObjectFlags{OwnStored: false}},
		},
	}
	remote := &fakeRemotePeer{
		events: []RemoteEvent{
			{ID: leaf, Flags: &FlagSet{Object: &index.ObjectFlags{OwnStored: true}}},
			{End: true},
		},
		fetchErr: errors.New("boom"),
	}

	result, err := Sync(context.Background(), local, remote, []id.ID{leaf}, Options{}, DirectionPull)
	require.Error(t, err)
	require.True(t, terror.Is(err, terror.Internal))
	require.Zero(t, result.Fetched)
}

func TestSyncSucceedsWhenTransferRecovers(t *testing.T) {
	leaf := leafID("ok")
	local := &fakeLocalPeer{
		flags: map[string]*FlagSet{
			leaf.String(): {Object: &index.ObjectFlags{OwnStored: false}},
		},
	}
	remote := &fakeRemotePeer{
		events: []RemoteEvent{
			{ID: leaf, Flags: &FlagSet{Object: &index.ObjectFlags{OwnStored: true}}},
			{End: true},
		},
	}

	result, err := Sync(context.Background(), local, remote, []id.ID{leaf}, Options{}, DirectionPull)
	require.NoError(t, err)
	require.Equal(t, 1, result.Fetched)
}
