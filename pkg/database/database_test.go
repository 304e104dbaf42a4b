package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/terror"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRemoteUpsertAndLookup(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.PutRemote(ctx, "origin", "https://example.test", "secret-1")
	require.NoError(t, err)

	r, err := d.GetRemote(ctx, "origin")
	require.NoError(t, err)
	require.Equal(t, "https://example.test", r.URL)

	_, err = d.PutRemote(ctx, "origin", "https://example.test/v2", "secret-2")
	require.NoError(t, err)

	r, err = d.GetRemote(ctx, "origin")
	require.NoError(t, err)
	require.Equal(t, "https://example.test/v2", r.URL)
	require.Equal(t, "secret-2", r.Token)

	remotes, err := d.ListRemotes(ctx)
	require.NoError(t, err)
	require.Len(t, remotes, 1)

	require.NoError(t, d.DeleteRemote(ctx, "origin"))
	_, err = d.GetRemote(ctx, "origin")
	require.True(t, terror.Is(err, terror.NotFound))
}

func TestLeaseAcquireConflictAndRenew(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.AcquireLease(ctx, "proc-1", "node-a", time.Minute)
	require.NoError(t, err)

	_, err = d.AcquireLease(ctx, "proc-1", "node-b", time.Minute)
	require.True(t, terror.Is(err, terror.Conflict))

	lease, err := d.AcquireLease(ctx, "proc-1", "node-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "node-a", lease.Holder)

	require.NoError(t, d.ReleaseLease(ctx, "proc-1"))

	_, err = d.AcquireLease(ctx, "proc-1", "node-b", time.Minute)
	require.NoError(t, err)
}

func TestLeaseAcquireAfterExpiry(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.AcquireLease(ctx, "proc-2", "node-a", -time.Minute)
	require.NoError(t, err)

	lease, err := d.AcquireLease(ctx, "proc-2", "node-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "node-b", lease.Holder)
}

func TestTagMirrorRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.PutTag(ctx, "latest", "dir_0123"))
	item, err := d.ResolveTag(ctx, "latest")
	require.NoError(t, err)
	require.Equal(t, "dir_0123", item)

	require.NoError(t, d.DeleteTag(ctx, "latest"))
	_, err = d.ResolveTag(ctx, "latest")
	require.True(t, terror.Is(err, terror.NotFound))
}

func TestProcessLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	p, err := d.CreateProcess(ctx, "pcs_1", "cmd_abc", true)
	require.NoError(t, err)
	require.Equal(t, "created", p.Status)

	require.NoError(t, d.AdvanceStatus(ctx, "pcs_1", "created", "enqueued"))
	require.NoError(t, d.AdvanceStatus(ctx, "pcs_1", "enqueued", "started"))

	err = d.AdvanceStatus(ctx, "pcs_1", "enqueued", "started")
	require.True(t, terror.Is(err, terror.Invalid))

	now := time.Now()
	require.NoError(t, d.Heartbeat(ctx, "pcs_1", now))

	require.NoError(t, d.AppendChild(ctx, "pcs_1", "pcs_2"))
	require.NoError(t, d.AppendChild(ctx, "pcs_1", "pcs_3"))

	got, err := d.GetProcess(ctx, "pcs_1")
	require.NoError(t, err)
	require.Equal(t, `["pcs_2","pcs_3"]`, got.Children)
	require.WithinDuration(t, now, got.LastHeartbeat, time.Second)

	log := "log_x"
	output := "out_y"
	require.NoError(t, d.Finish(ctx, "pcs_1", 0, "", "", &log, &output))

	finished, err := d.GetProcess(ctx, "pcs_1")
	require.NoError(t, err)
	require.Equal(t, "finished", finished.Status)
	require.NotNil(t, finished.Exit)
	require.Equal(t, 0, *finished.Exit)
}

func TestFindCacheableMatch(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, ok, err := d.FindCacheableMatch(ctx, "cmd_shared")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = d.CreateProcess(ctx, "pcs_10", "cmd_shared", true)
	require.NoError(t, err)
	require.NoError(t, d.AdvanceStatus(ctx, "pcs_10", "created", "enqueued"))
	require.NoError(t, d.AdvanceStatus(ctx, "pcs_10", "enqueued", "started"))
	require.NoError(t, d.Finish(ctx, "pcs_10", 0, "", "", nil, nil))

	match, ok, err := d.FindCacheableMatch(ctx, "cmd_shared")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pcs_10", match.ID)
}

func TestListHeartbeatExpired(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.CreateProcess(ctx, "pcs_20", "cmd_a", false)
	require.NoError(t, err)
	require.NoError(t, d.AdvanceStatus(ctx, "pcs_20", "created", "enqueued"))
	require.NoError(t, d.AdvanceStatus(ctx, "pcs_20", "enqueued", "started"))
	require.NoError(t, d.Heartbeat(ctx, "pcs_20", time.Now().Add(-time.Hour)))

	expired, err := d.ListHeartbeatExpired(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "pcs_20", expired[0].ID)
}
