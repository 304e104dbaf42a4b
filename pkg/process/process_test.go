package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/terror"
	"tangram.dev/tangram/pkg/value"
)

func TestStatusMachineAdvancesInOrder(t *testing.T) {
	p := New(id.NewContent(id.KindCommand, []byte("cmd")), true)
	require.Equal(t, Created, p.Status)

	require.NoError(t, p.Advance(Enqueued))
	require.NoError(t, p.Advance(Started))
	require.NoError(t, p.Advance(Finished))
	assert.Equal(t, Finished, p.Status)
}

func TestStatusMachineRejectsSkips(t *testing.T) {
	p := New(id.NewContent(id.KindCommand, []byte("cmd")), true)
	err := p.Advance(Started)
	assert.Error(t, err)
	assert.True(t, terror.Is(err, terror.Invalid))
}

func TestStatusMachineRejectsReversal(t *testing.T) {
	p := New(id.NewContent(id.KindCommand, []byte("cmd")), true)
	require.NoError(t, p.Advance(Enqueued))
	require.NoError(t, p.Advance(Started))
	require.NoError(t, p.Advance(Finished))
	assert.Error(t, p.Advance(Started))
}

func TestHeartbeatRequiresStarted(t *testing.T) {
	p := New(id.NewContent(id.KindCommand, []byte("cmd")), true)
	assert.Error(t, p.Heartbeat(time.Now()))

	require.NoError(t, p.Advance(Enqueued))
	require.NoError(t, p.Advance(Started))
	assert.NoError(t, p.Heartbeat(time.Now()))
}

func TestHeartbeatExpired(t *testing.T) {
	p := New(id.NewContent(id.KindCommand, []byte("cmd")), true)
	require.NoError(t, p.Advance(Enqueued))
	require.NoError(t, p.Advance(Started))

	now := time.Now()
	require.NoError(t, p.Heartbeat(now.Add(-time.Hour)))
	assert.True(t, p.HeartbeatExpired(now, time.Minute))
	assert.False(t, p.HeartbeatExpired(now, 2*time.Hour))
}

func TestFinishFinalizesRecord(t *testing.T) {
	p := New(id.NewContent(id.KindCommand, []byte("cmd")), true)
	require.NoError(t, p.Advance(Enqueued))
	require.NoError(t, p.Advance(Started))

	out := value.String("done")
	require.NoError(t, p.Finish(0, nil, &out, nil))
	assert.Equal(t, Finished, p.Status)
	require.NotNil(t, p.Exit)
	assert.Equal(t, 0, *p.Exit)
}

func TestObjectReferentsCollectsIDsFromOutput(t *testing.T) {
	p := New(id.NewContent(id.KindCommand, []byte("cmd")), true)
	require.NoError(t, p.Advance(Enqueued))
	require.NoError(t, p.Advance(Started))

	blobID := id.NewContent(id.KindBlob, []byte("artifact"))
	out := value.Map(map[string]value.Value{
		"result": value.String(blobID.String()),
	})
	require.NoError(t, p.Finish(0, nil, &out, nil))

	refs := p.ObjectReferents()
	assert.Contains(t, refs, p.Command)
	assert.Contains(t, refs, blobID)
}
