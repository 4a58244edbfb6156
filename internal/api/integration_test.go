package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/overseer/internal/api"
	"github.com/mattjoyce/overseer/internal/config"
	"github.com/mattjoyce/overseer/internal/service"
	"github.com/mattjoyce/overseer/internal/storage"
	"github.com/mattjoyce/overseer/internal/supervisor/supervisortest"
)

const token = "test-key-123"

// TestAPIIntegration drives a real service through the HTTP API.
func TestAPIIntegration(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, storage.MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	cfg := config.Defaults()
	cfg.Workers["echo"] = config.WorkerConf{Command: "unused"}
	factory := supervisortest.NewFactory(func(w *supervisortest.Worker, _ any) {
		w.Message("pong")
		w.Exit(0)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.New(ctx, cfg, service.Deps{DB: db, Factory: factory.Create, Logger: logger})
	require.NoError(t, err)
	defer svc.Close()

	server := api.New(api.Config{APIKey: token}, svc, svc.Events(), svc.Metrics(), logger)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// Open the event stream first so the submission's events arrive live.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	// Submit with a synchronous wait.
	req, err = http.NewRequest(http.MethodPost, ts.URL+"/submissions/echo?wait=true", strings.NewReader(`{"input":{"ping":true}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run api.RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "succeeded", run.Status)
	assert.Equal(t, []any{"pong"}, run.Messages)

	// The record is queryable.
	req, err = http.NewRequest(http.MethodGet, ts.URL+"/submissions/"+run.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "succeeded", rec["status"])
	assert.Equal(t, map[string]any{"ping": true}, rec["input"])

	// The stream saw the attempt start and the completion.
	seen := map[string]bool{}
	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(stream.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	deadline := time.After(2 * time.Second)
	for !seen["submission.completed"] {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if after, found := strings.CutPrefix(line, "event: "); found {
				seen[after] = true
			}
		case <-deadline:
			t.Fatalf("events seen so far: %v", seen)
		}
	}
	assert.True(t, seen["attempt.started"])
}
