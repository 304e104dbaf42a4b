package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/checkin"
	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/database"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/messenger"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/runtime"
	"tangram.dev/tangram/pkg/store"
	"tangram.dev/tangram/pkg/value"
)

// fakeSandbox mirrors pkg/runtime's test double so spawn tests never
// touch a real containerd daemon.
type fakeSandbox struct {
	outcome runtime.Outcome
	err     error
}

func (f *fakeSandbox) Run(ctx context.Context, cmd object.Command, stdin []byte) (runtime.Outcome, error) {
	return f.outcome, f.err
}

type testServer struct {
	*Server
	store store.Store
	index index.Index
	db    *database.DB
}

func newTestServer(t *testing.T, sandbox runtime.Sandbox) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	idx, err := index.NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	msg := messenger.NewMemoryMessenger()
	t.Cleanup(func() { msg.Close() })
	require.NoError(t, msg.CreateStream(context.Background(), "queue"))

	rt := runtime.New(st, idx, db, msg, sandbox, "local", filepath.Join(t.TempDir(), "cache"), config.RuntimeConfig{
		Concurrency:     2,
		HeartbeatPeriod: 50 * time.Millisecond,
		HeartbeatTTL:    time.Minute,
	})
	rt.Start()
	t.Cleanup(rt.Stop)

	srv := New(Deps{
		Store:       st,
		Index:       idx,
		Database:    db,
		Messenger:   msg,
		Runtime:     rt,
		ChunkParams: checkin.DefaultChunkParams,
		Version:     "test",
	})

	return &testServer{Server: srv, store: st, index: idx, db: db}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeSandbox{})
	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestObjectPutGetRoundTrip(t *testing.T) {
	ts := newTestServer(t, &fakeSandbox{})
	blob := object.NewLeafBlob([]byte("hello tangram"))
	payload := blob.Value().Canonical()

	putReq := httptest.NewRequest(http.MethodPut, "/objects/"+blob.ID().String(), bytes.NewReader(payload))
	putRec := httptest.NewRecorder()
	ts.echo.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusCreated, putRec.Code, putRec.Body.String())

	getRec := ts.do(t, http.MethodGet, "/objects/"+blob.ID().String(), nil)
	require.Equal(t, http.StatusOK, getRec.Code)
	require.Equal(t, payload, getRec.Body.Bytes())

	headRec := ts.do(t, http.MethodHead, "/objects/"+blob.ID().String(), nil)
	require.Equal(t, http.StatusOK, headRec.Code)
}

func TestObjectGetMissingReturnsNotFound(t *testing.T) {
	ts := newTestServer(t, &fakeSandbox{})
	blob := object.NewLeafBlob([]byte("never written"))
	rec := ts.do(t, http.MethodGet, "/objects/"+blob.ID().String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTagPutGetDelete(t *testing.T) {
	ts := newTestServer(t, &fakeSandbox{})
	blob := object.NewLeafBlob([]byte("tagged content"))
	payload := blob.Value().Canonical()
	putObj := httptest.NewRequest(http.MethodPut, "/objects/"+blob.ID().String(), bytes.NewReader(payload))
	putObjRec := httptest.NewRecorder()
	ts.echo.ServeHTTP(putObjRec, putObj)
	require.Equal(t, http.StatusCreated, putObjRec.Code)

	body, err := json.Marshal(putTagRequest{Item: blob.ID().String()})
	require.NoError(t, err)
	putRec := ts.do(t, http.MethodPut, "/tags/latest", body)
	require.Equal(t, http.StatusOK, putRec.Code, putRec.Body.String())

	getRec := ts.do(t, http.MethodGet, "/tags/latest", nil)
	require.Equal(t, http.StatusOK, getRec.Code)
	var tagResp map[string]string
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &tagResp))
	require.Equal(t, blob.ID().String(), tagResp["item"])

	delRec := ts.do(t, http.MethodDelete, "/tags/latest", nil)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	missingRec := ts.do(t, http.MethodGet, "/tags/latest", nil)
	require.Equal(t, http.StatusNotFound, missingRec.Code)
}

func TestSpawnProcessRunsToCompletion(t *testing.T) {
	sandbox := &fakeSandbox{outcome: runtime.Outcome{Exit: 0, Stdout: []byte("ok\n")}}
	ts := newTestServer(t, sandbox)

	cmd := object.Command{Host: "local", Executable: "echo", Env: map[string]value.Value{}}
	cmdPayload := cmd.Value().Canonical()
	require.NoError(t, ts.store.Put(context.Background(), cmd.ID(), cmdPayload, time.Now()))

	body, err := json.Marshal(spawnRequest{Command: cmd.ID().String(), Cacheable: false})
	require.NoError(t, err)
	spawnRec := ts.do(t, http.MethodPost, "/processes", body)
	require.Equal(t, http.StatusCreated, spawnRec.Code, spawnRec.Body.String())

	var proc processWire
	require.NoError(t, json.Unmarshal(spawnRec.Body.Bytes(), &proc))
	require.NotEmpty(t, proc.ID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		getRec := ts.do(t, http.MethodGet, "/processes/"+proc.ID, nil)
		require.Equal(t, http.StatusOK, getRec.Code)
		var got processWire
		require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
		if got.Status == "finished" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process %s did not finish in time", proc.ID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawnProcessRejectsHostMismatch(t *testing.T) {
	sandbox := &fakeSandbox{outcome: runtime.Outcome{Exit: 0}}
	ts := newTestServer(t, sandbox)

	cmd := object.Command{Host: "some-other-host", Executable: "echo", Env: map[string]value.Value{}}
	require.NoError(t, ts.store.Put(context.Background(), cmd.ID(), cmd.Value().Canonical(), time.Now()))

	body, err := json.Marshal(spawnRequest{Command: cmd.ID().String()})
	require.NoError(t, err)
	rec := ts.do(t, http.MethodPost, "/processes", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexUpdateDrainsQueue(t *testing.T) {
	ts := newTestServer(t, &fakeSandbox{})
	blob := object.NewLeafBlob([]byte("indexed content"))
	payload := blob.Value().Canonical()
	putObj := httptest.NewRequest(http.MethodPut, "/objects/"+blob.ID().String(), bytes.NewReader(payload))
	putObjRec := httptest.NewRecorder()
	ts.echo.ServeHTTP(putObjRec, putObj)
	require.Equal(t, http.StatusCreated, putObjRec.Code)

	body, err := json.Marshal(indexUpdateRequest{Batch: 16})
	require.NoError(t, err)
	rec := ts.do(t, http.MethodPost, "/index/update", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	getRec := ts.do(t, http.MethodGet, "/index/"+blob.ID().String(), nil)
	require.Equal(t, http.StatusOK, getRec.Code)
}
