package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/pool"
	"github.com/JakeFAU/listing-harvester/internal/stage"
	"github.com/JakeFAU/listing-harvester/internal/store"
	"github.com/JakeFAU/listing-harvester/internal/store/memory"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")

	down := NewServer(&failingStore{err: errors.New("connection refused")}, &fakePools{}, zap.NewNop())
	rec = serve(down, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_PoolIdle(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), "/pool")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"active":false}`, rec.Body.String())
}

func TestServer_PoolActive(t *testing.T) {
	t.Parallel()

	pools := &fakePools{stats: pool.Stats{Size: 5, Available: 2, Leased: 2, Replacing: 1}, active: true}
	server := NewServer(memory.New(), pools, zap.NewNop())

	rec := serve(server, "/pool")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"active":true,"stats":{"size":5,"available":2,"leased":2,"replacing":1}}`, rec.Body.String())
}

func TestServer_Stages(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), "/stages")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stages []stageView `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Stages, len(stage.Catalog))
	require.Equal(t, stage.Pages, body.Stages[0].Name)
	require.True(t, body.Stages[0].Fetch)
	require.Equal(t, stage.Emails, body.Stages[len(body.Stages)-1].Name)
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.StartRun(ctx, store.Run{ID: "run-1", Stage: stage.Details, StartedAt: started}))
	msg := "stage details needs a session factory"
	require.NoError(t, st.FinishRun(ctx, "run-1", started.Add(time.Minute), store.RunError, []byte(`{"persisted":3}`), &msg))

	rec := serve(NewServer(st, &fakePools{}, zap.NewNop()), "/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var view runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "run-1", view.ID)
	require.Equal(t, stage.Details, view.Stage)
	require.Equal(t, store.RunError, view.Status)
	require.NotNil(t, view.FinishedAt)
	require.JSONEq(t, `{"persisted":3}`, string(view.Summary))
	require.Equal(t, msg, view.Error)
}

func TestServer_GetRunNotFound(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), "/runs/missing")

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "run not found")
}

func TestServer_GetRunStoreError(t *testing.T) {
	t.Parallel()

	server := NewServer(&failingStore{err: errors.New("boom")}, &fakePools{}, zap.NewNop())
	rec := serve(server, "/runs/run-1")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	serve(server, "/healthz")
	rec := serve(server, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "harvester_http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(), "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestListenAndServeStopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- newTestServer().ListenAndServe(ctx, "127.0.0.1:0")
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

// --- helpers/fakes ---

func serve(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer() *Server {
	return NewServer(memory.New(), &fakePools{}, zap.NewNop())
}

type fakePools struct {
	stats  pool.Stats
	active bool
}

func (f *fakePools) PoolStats() (pool.Stats, bool) {
	return f.stats, f.active
}

type failingStore struct {
	err error
}

func (f *failingStore) Ping(context.Context) error {
	return f.err
}

func (f *failingStore) GetRun(context.Context, string) (store.Run, error) {
	return store.Run{}, f.err
}
