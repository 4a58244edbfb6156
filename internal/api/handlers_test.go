package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/overseer/internal/auth"
	"github.com/mattjoyce/overseer/internal/events"
	"github.com/mattjoyce/overseer/internal/history"
	"github.com/mattjoyce/overseer/internal/metrics"
	"github.com/mattjoyce/overseer/internal/service"
	"github.com/mattjoyce/overseer/internal/supervisor"
)

// mockBackend implements Backend for testing
type mockBackend struct {
	submitFunc func(ctx context.Context, worker string, input json.RawMessage) (*service.Submission, error)
	runFunc    func(ctx context.Context, worker string, input json.RawMessage) (*service.Result, error)
	getFunc    func(ctx context.Context, id string) (*history.Submission, error)
	listFunc   func(ctx context.Context, f history.ListFilter) ([]*history.Submission, error)
	status     service.StatusReport
}

func (m *mockBackend) Submit(ctx context.Context, worker string, input json.RawMessage) (*service.Submission, error) {
	return m.submitFunc(ctx, worker, input)
}

func (m *mockBackend) Run(ctx context.Context, worker string, input json.RawMessage) (*service.Result, error) {
	return m.runFunc(ctx, worker, input)
}

func (m *mockBackend) Get(ctx context.Context, id string) (*history.Submission, error) {
	return m.getFunc(ctx, id)
}

func (m *mockBackend) List(ctx context.Context, f history.ListFilter) ([]*history.Submission, error) {
	if m.listFunc == nil {
		return []*history.Submission{}, nil
	}
	return m.listFunc(ctx, f)
}

func (m *mockBackend) Status(context.Context) (*service.StatusReport, error) {
	s := m.status
	return &s, nil
}

const adminKey = "admin-key"

func newTestServer(t *testing.T, backend Backend, mutate func(*Config)) (*Server, *events.Hub) {
	t.Helper()
	cfg := Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{auth.ScopeSubmissionsRead}},
			{Token: "watcher", Scopes: []string{auth.ScopeEventsRead}},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	hub := events.NewHub(10)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, backend, hub, metrics.New(nil), logger), hub
}

func do(t *testing.T, h http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	backend := &mockBackend{status: service.StatusReport{Active: 2, Queued: 1, Workers: []string{"a", "b"}}}
	srv, _ := newTestServer(t, backend, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Active)
	assert.Equal(t, 1, resp.Queued)
	assert.Equal(t, 2, resp.Workers)

	backend.status.Destroyed = true
	rec = do(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth(t *testing.T) {
	backend := &mockBackend{}
	srv, _ := newTestServer(t, backend, nil)
	h := srv.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/status", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/status", "nope", http.StatusUnauthorized},
		{"admin", http.MethodGet, "/status", adminKey, http.StatusOK},
		{"reader reads", http.MethodGet, "/submissions", "reader", http.StatusOK},
		{"reader cannot submit", http.MethodPost, "/submissions/echo", "reader", http.StatusForbidden},
		{"watcher cannot read submissions", http.MethodGet, "/status", "watcher", http.StatusForbidden},
		{"reader cannot stream events", http.MethodGet, "/events", "reader", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmit_Async(t *testing.T) {
	var gotWorker string
	var gotInput json.RawMessage
	backend := &mockBackend{
		submitFunc: func(_ context.Context, worker string, input json.RawMessage) (*service.Submission, error) {
			gotWorker, gotInput = worker, input
			return &service.Submission{ID: "sub-1", Worker: worker, Admitted: false, Status: history.StatusQueued}, nil
		},
	}
	srv, _ := newTestServer(t, backend, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/submissions/echo", adminKey, []byte(`{"input":{"n":1}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, SubmitResponse{ID: "sub-1", Worker: "echo", Admitted: false, Status: "queued"}, resp)
	assert.Equal(t, "echo", gotWorker)
	assert.JSONEq(t, `{"n":1}`, string(gotInput))

	// An empty body is allowed.
	rec = do(t, srv.Handler(), http.MethodPost, "/submissions/echo", adminKey, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Nil(t, gotInput)
}

func TestSubmit_Errors(t *testing.T) {
	backend := &mockBackend{
		submitFunc: func(_ context.Context, worker string, _ json.RawMessage) (*service.Submission, error) {
			switch worker {
			case "ghost":
				return nil, service.ErrUnknownWorker
			case "closed":
				return nil, service.ErrClosed
			default:
				return nil, errors.New("disk full")
			}
		},
	}
	srv, _ := newTestServer(t, backend, nil)
	h := srv.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/submissions/echo", adminKey, []byte(`{bad`)).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/submissions/ghost", adminKey, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/submissions/closed", adminKey, nil).Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodPost, "/submissions/other", adminKey, nil).Code)

	big := []byte(`{"input":"` + strings.Repeat("x", maxBodyBytes) + `"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(t, h, http.MethodPost, "/submissions/echo", adminKey, big).Code)
}

func TestSubmit_Wait(t *testing.T) {
	backend := &mockBackend{
		runFunc: func(ctx context.Context, worker string, _ json.RawMessage) (*service.Result, error) {
			switch worker {
			case "echo":
				return &service.Result{ID: "a", Messages: []any{"hi"}}, nil
			case "fail":
				return &service.Result{ID: "b"}, &supervisor.ExitError{Code: 2}
			case "broken":
				return &service.Result{ID: "c"}, supervisor.ErrNotLaunched
			case "slow":
				<-ctx.Done()
				return &service.Result{ID: "d"}, ctx.Err()
			}
			return nil, service.ErrUnknownWorker
		},
	}
	srv, _ := newTestServer(t, backend, func(c *Config) { c.MaxSyncTimeout = 20 * time.Millisecond })
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/submissions/echo?wait=true", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "succeeded", resp.Status)
	assert.Equal(t, []any{"hi"}, resp.Messages)
	assert.Empty(t, resp.Error)

	rec = do(t, h, http.MethodPost, "/submissions/fail?wait=true", adminKey, nil)
	resp = RunResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "failed", resp.Status)
	assert.Contains(t, resp.Error, "exit status 2")
	assert.Equal(t, []any{}, resp.Messages)

	rec = do(t, h, http.MethodPost, "/submissions/broken?wait=true", adminKey, nil)
	resp = RunResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "dropped", resp.Status)

	rec = do(t, h, http.MethodPost, "/submissions/slow?wait=true", adminKey, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var timeout TimeoutResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&timeout))
	assert.True(t, timeout.TimeoutExceeded)
	assert.Equal(t, "d", timeout.ID)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/submissions/ghost?wait=true", adminKey, nil).Code)
}

func TestSubmit_WaitSemaphore(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	backend := &mockBackend{
		runFunc: func(ctx context.Context, _ string, _ json.RawMessage) (*service.Result, error) {
			close(entered)
			<-release
			return &service.Result{ID: "a"}, nil
		},
	}
	srv, _ := newTestServer(t, backend, func(c *Config) { c.MaxConcurrentSync = 1 })
	h := srv.Handler()

	done := make(chan int)
	go func() {
		done <- do(t, h, http.MethodPost, "/submissions/echo?wait=true", adminKey, nil).Code
	}()
	<-entered

	rec := do(t, h, http.MethodPost, "/submissions/echo?wait=true", adminKey, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestGetAndListSubmissions(t *testing.T) {
	var gotFilter history.ListFilter
	backend := &mockBackend{
		getFunc: func(_ context.Context, id string) (*history.Submission, error) {
			if id != "sub-1" {
				return nil, history.ErrNotFound
			}
			return &history.Submission{ID: id, Worker: "echo", Status: history.StatusSucceeded}, nil
		},
		listFunc: func(_ context.Context, f history.ListFilter) ([]*history.Submission, error) {
			gotFilter = f
			return []*history.Submission{{ID: "sub-1"}}, nil
		},
	}
	srv, _ := newTestServer(t, backend, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/submissions/sub-1", "reader", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub history.Submission
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))
	assert.Equal(t, history.StatusSucceeded, sub.Status)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/submissions/missing", "reader", nil).Code)

	rec = do(t, h, http.MethodGet, "/submissions?worker=echo&status=failed&limit=5", "reader", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, history.ListFilter{Worker: "echo", Status: history.StatusFailed, Limit: 5}, gotFilter)
	var list ListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Submissions, 1)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/submissions?limit=x", "reader", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/submissions?status=weird", "reader", nil).Code)
}

func TestStatusAndOpenAPI(t *testing.T) {
	backend := &mockBackend{status: service.StatusReport{Service: "prod", Concurrency: 4, Workers: []string{"echo"}}}
	srv, _ := newTestServer(t, backend, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/status", "reader", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status service.StatusReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, 4, status.Concurrency)

	rec = do(t, h, http.MethodGet, "/openapi.json", "reader", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Contains(t, doc["paths"], "/submissions/echo")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &mockBackend{}, nil)
	h := srv.Handler()

	do(t, h, http.MethodGet, "/healthz", "", nil)
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "overseer_attempts_active")
	assert.Contains(t, body, `overseer_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, &mockBackend{}, func(c *Config) { c.CORSOrigins = []string{"https://ui.example"} })

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
