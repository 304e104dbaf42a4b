package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/database"
	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/store"
	"tangram.dev/tangram/pkg/value"
)

// fakeSandbox is a Sandbox stand-in so these tests never touch a real
// containerd daemon.
type fakeSandbox struct {
	outcome Outcome
	err     error
	delay   time.Duration
	calls   chan struct{}

	mu      sync.Mutex
	lastCmd object.Command
}

func (f *fakeSandbox) Run(ctx context.Context, cmd object.Command, stdin []byte) (Outcome, error) {
	f.mu.Lock()
	f.lastCmd = cmd
	f.mu.Unlock()
	if f.calls != nil {
		f.calls <- struct{}{}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func (f *fakeSandbox) command() object.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCmd
}

func newTestRuntime(t *testing.T, sandbox Sandbox, cfg config.RuntimeConfig) (*Runtime, store.Store, *database.DB) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	idx, err := index.NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = 50 * time.Millisecond
	}
	if cfg.HeartbeatTTL == 0 {
		cfg.HeartbeatTTL = time.Minute
	}

	rt := New(st, idx, db, nil, sandbox, "local", filepath.Join(t.TempDir(), "cache"), cfg)
	return rt, st, db
}

func putCommand(t *testing.T, st store.Store, executable string) object.Command {
	t.Helper()
	cmd := object.Command{Host: "local", Executable: executable, Env: map[string]value.Value{}}
	require.NoError(t, st.Put(context.Background(), cmd.ID(), cmd.Value().Canonical(), time.Now()))
	return cmd
}

func waitFinished(t *testing.T, db *database.DB, processID string) database.Process {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := db.GetProcess(context.Background(), processID)
		require.NoError(t, err)
		if p.Status == "finished" {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %s did not finish in time", processID)
	return database.Process{}
}

func TestSpawnMaterializesMountBeforeSandboxLaunch(t *testing.T) {
	sandbox := &fakeSandbox{outcome: Outcome{Exit: 0}}
	rt, st, db := newTestRuntime(t, sandbox, config.RuntimeConfig{})
	rt.Start()
	defer rt.Stop()

	leaf := object.NewLeafBlob([]byte("input payload"))
	require.NoError(t, st.Put(context.Background(), leaf.ID(), leaf.Value().Canonical(), time.Now()))
	input := object.NewFile(leaf.ID(), false, nil)
	require.NoError(t, st.Put(context.Background(), input.ID(), input.Value().Canonical(), time.Now()))

	cmd := object.Command{
		Host:       "local",
		Executable: "build",
		Env:        map[string]value.Value{},
		Mounts:     []object.Mount{{Source: input.ID().String(), Target: "/input", Readonly: true}},
	}
	require.NoError(t, st.Put(context.Background(), cmd.ID(), cmd.Value().Canonical(), time.Now()))

	p, err := rt.Spawn(context.Background(), cmd.ID(), false)
	require.NoError(t, err)
	waitFinished(t, db, p.ID)

	got := sandbox.command()
	require.Len(t, got.Mounts, 1)
	require.NotEqual(t, input.ID().String(), got.Mounts[0].Source)
	require.Equal(t, "/input", got.Mounts[0].Target)

	data, err := os.ReadFile(got.Mounts[0].Source)
	require.NoError(t, err)
	require.Equal(t, "input payload", string(data))
}

func TestSpawnRunsToCompletionAndRecordsOutput(t *testing.T) {
	sandbox := &fakeSandbox{outcome: Outcome{Exit: 0, Stdout: []byte("hello\n")}}
	rt, st, db := newTestRuntime(t, sandbox, config.RuntimeConfig{})
	rt.Start()
	defer rt.Stop()

	cmd := putCommand(t, st, "echo")
	p, err := rt.Spawn(context.Background(), cmd.ID(), false)
	require.NoError(t, err)

	finished := waitFinished(t, db, p.ID)
	require.NotNil(t, finished.Exit)
	require.Equal(t, 0, *finished.Exit)
	require.NotNil(t, finished.Log)
}

func TestSpawnNonZeroExitRecordsFailure(t *testing.T) {
	sandbox := &fakeSandbox{outcome: Outcome{Exit: 7}}
	rt, st, db := newTestRuntime(t, sandbox, config.RuntimeConfig{})
	rt.Start()
	defer rt.Stop()

	cmd := putCommand(t, st, "false")
	p, err := rt.Spawn(context.Background(), cmd.ID(), false)
	require.NoError(t, err)

	finished := waitFinished(t, db, p.ID)
	require.Equal(t, 7, *finished.Exit)
	require.NotEmpty(t, finished.ErrorCode)
}

func TestSpawnCacheableCommandReusesOutput(t *testing.T) {
	sandbox := &fakeSandbox{outcome: Outcome{Exit: 0, Stdout: []byte("cached\n")}, calls: make(chan struct{}, 8)}
	rt, st, db := newTestRuntime(t, sandbox, config.RuntimeConfig{})
	rt.Start()
	defer rt.Stop()

	cmd := putCommand(t, st, "build")
	first, err := rt.Spawn(context.Background(), cmd.ID(), true)
	require.NoError(t, err)
	waitFinished(t, db, first.ID)

	second, err := rt.Spawn(context.Background(), cmd.ID(), true)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	finished := waitFinished(t, db, second.ID)
	require.Equal(t, 0, *finished.Exit)

	select {
	case <-sandbox.calls:
	default:
		t.Fatal("expected exactly one sandbox invocation")
	}
	select {
	case <-sandbox.calls:
		t.Fatal("sandbox invoked a second time for a cacheable command")
	default:
	}
}

func TestSpawnRespectsConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	sandbox := &blockingSandbox{release: release, started: make(chan struct{}, 8)}
	rt, st, _ := newTestRuntime(t, sandbox, config.RuntimeConfig{Concurrency: 1})
	rt.Start()
	defer rt.Stop()

	cmdA := putCommand(t, st, "a")
	cmdB := putCommand(t, st, "b")

	_, err := rt.Spawn(context.Background(), cmdA.ID(), false)
	require.NoError(t, err)
	_, err = rt.Spawn(context.Background(), cmdB.ID(), false)
	require.NoError(t, err)

	<-sandbox.started
	select {
	case <-sandbox.started:
		t.Fatal("second process started before the first released its permit")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
}

type blockingSandbox struct {
	release chan struct{}
	started chan struct{}
}

func (b *blockingSandbox) Run(ctx context.Context, cmd object.Command, stdin []byte) (Outcome, error) {
	b.started <- struct{}{}
	<-b.release
	return Outcome{Exit: 0}, nil
}

func TestWatchdogCancelsExpiredHeartbeat(t *testing.T) {
	sandbox := &fakeSandbox{delay: time.Hour}
	rt, st, db := newTestRuntime(t, sandbox, config.RuntimeConfig{HeartbeatTTL: 200 * time.Millisecond, HeartbeatPeriod: time.Hour})
	rt.watchdogInterval = 50 * time.Millisecond
	rt.Start()
	defer rt.Stop()

	cmd := putCommand(t, st, "hang")
	p, err := rt.Spawn(context.Background(), cmd.ID(), false)
	require.NoError(t, err)

	finished := waitFinished(t, db, p.ID)
	require.Equal(t, 1, *finished.Exit)
	require.Equal(t, "HeartbeatExpiration", finished.ErrorCode)
}

// TestFinishRecordsKindFactsInIndex checks the finish-time Index put:
// a process that produced no error, log, or output gets vacuously-true
// node flags for those kinds, so their subtree rollups can complete.
func TestFinishRecordsKindFactsInIndex(t *testing.T) {
	sandbox := &fakeSandbox{outcome: Outcome{Exit: 0}}
	rt, st, db := newTestRuntime(t, sandbox, config.RuntimeConfig{})
	rt.Start()
	defer rt.Stop()

	cmd := putCommand(t, st, "noop")
	p, err := rt.Spawn(context.Background(), cmd.ID(), false)
	require.NoError(t, err)
	waitFinished(t, db, p.ID)

	pid, err := id.Parse(p.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := rt.idx.GetNode(context.Background(), pid)
		if err != nil || rec.ProcessFlags == nil {
			return false
		}
		return rec.ProcessFlags.NodeError && rec.ProcessFlags.NodeLog && rec.ProcessFlags.NodeOutput
	}, 2*time.Second, 10*time.Millisecond)
}
