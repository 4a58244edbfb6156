package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/overseer/internal/config"
	"github.com/mattjoyce/overseer/internal/events"
	"github.com/mattjoyce/overseer/internal/history"
	"github.com/mattjoyce/overseer/internal/log"
	"github.com/mattjoyce/overseer/internal/procworker"
	"github.com/mattjoyce/overseer/internal/storage"
	"github.com/mattjoyce/overseer/internal/supervisor"
	"github.com/mattjoyce/overseer/internal/supervisor/supervisortest"
)

const waitFor = 2 * time.Second

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// script drives fake workers by name.
func script(w *supervisortest.Worker, spec any) {
	sp := spec.(procworker.Spec)
	switch sp.Worker {
	case "echo":
		if raw, ok := sp.Input.(json.RawMessage); ok {
			var v any
			_ = json.Unmarshal(raw, &v)
			w.Message(v)
		}
		w.Exit(0)
	case "fail":
		w.Exit(3)
	case "hang":
	}
}

type fixture struct {
	svc     *Service
	factory *supervisortest.Factory
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Defaults()
	zero := 0
	cfg.Supervisor.Retries = &zero
	for _, name := range []string{"echo", "fail", "hang", "broken"} {
		cfg.Workers[name] = config.WorkerConf{Command: "unused"}
	}
	if mutate != nil {
		mutate(cfg)
	}

	f := supervisortest.NewFactory(script)
	factory := func(spec any) (supervisor.Worker, error) {
		if spec.(procworker.Spec).Worker == "broken" {
			return nil, errors.New("spawn failed")
		}
		return f.Create(spec)
	}

	svc, err := New(context.Background(), cfg, Deps{DB: db, Factory: factory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return &fixture{svc: svc, factory: f}
}

func (f *fixture) waitStatus(t *testing.T, id string, want history.Status) *history.Submission {
	t.Helper()
	var got *history.Submission
	require.Eventually(t, func() bool {
		sub, err := f.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = sub
		return sub.Status == want
	}, waitFor, 5*time.Millisecond, "submission %s never reached %s", id, want)
	return got
}

func TestSubmit_RecordsSuccess(t *testing.T) {
	f := newFixture(t, nil)

	sub, err := f.svc.Submit(context.Background(), "echo", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.True(t, sub.Admitted)
	assert.Equal(t, "echo", sub.Worker)
	assert.NotEmpty(t, sub.ID)

	rec := f.waitStatus(t, sub.ID, history.StatusSucceeded)
	assert.Equal(t, 1, rec.Attempts)
	assert.JSONEq(t, `[{"n":1}]`, string(rec.Messages))
	assert.JSONEq(t, `{"n":1}`, string(rec.Input))
	assert.Nil(t, rec.LastError)
	assert.NotNil(t, rec.CompletedAt)
}

func TestSubmit_UnknownWorker(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Submit(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownWorker))
	assert.Zero(t, f.factory.Count())
}

func TestRun_ReturnsMessages(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Run(context.Background(), "echo", json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, []any{"hi"}, res.Messages)
}

func TestRun_RetriesThenFails(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		two := 2
		c.Workers["fail"] = config.WorkerConf{Command: "unused", Retries: &two}
	})

	res, err := f.svc.Run(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, supervisor.ErrRetriesExhausted)
	assert.Equal(t, 3, f.factory.Count())

	rec := f.waitStatus(t, res.ID, history.StatusFailed)
	assert.Equal(t, 3, rec.Attempts)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "exit status 3")
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Workers["hang"] = config.WorkerConf{Command: "unused", Timeout: 30 * time.Millisecond}
	})

	res, err := f.svc.Run(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, supervisor.ErrTimeout)
	f.waitStatus(t, res.ID, history.StatusTimedOut)
}

func TestRun_Dropped(t *testing.T) {
	f := newFixture(t, nil)
	ch, cancel := f.svc.Events().Subscribe()
	defer cancel()

	res, err := f.svc.Run(context.Background(), "broken", nil)
	assert.ErrorIs(t, err, supervisor.ErrNotLaunched)
	assert.ErrorContains(t, err, "spawn failed")

	rec := f.waitStatus(t, res.ID, history.StatusDropped)
	require.NotNil(t, rec.LastError)

	select {
	case ev := <-ch:
		assert.Equal(t, events.SubmissionDropped, ev.Type)
	case <-time.After(waitFor):
		t.Fatal("no drop event")
	}
}

func TestSubmit_ReportsDropped(t *testing.T) {
	f := newFixture(t, nil)

	sub, err := f.svc.Submit(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.False(t, sub.Admitted)
	assert.Equal(t, history.StatusDropped, sub.Status)
	f.waitStatus(t, sub.ID, history.StatusDropped)
}

func TestRun_ContextCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := f.svc.Run(ctx, "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, res.ID)

	// The submission itself keeps running.
	rec, err := f.svc.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusRunning, rec.Status)
}

func TestSubmit_QueuesThenCloseCancels(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Supervisor.Concurrency = 1 })
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "hang", nil)
	require.NoError(t, err)
	assert.True(t, first.Admitted)
	assert.Equal(t, history.StatusRunning, first.Status)

	second, err := f.svc.Submit(ctx, "hang", nil)
	require.NoError(t, err)
	assert.False(t, second.Admitted)
	assert.Equal(t, history.StatusQueued, second.Status)

	status, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 1, status.Queued)
	assert.Equal(t, 1, status.Concurrency)
	assert.Equal(t, []string{"broken", "echo", "fail", "hang"}, status.Workers)
	assert.Equal(t, map[history.Status]int{history.StatusRunning: 1, history.StatusQueued: 1}, status.History)

	snapshot := len(f.svc.Events().SnapshotSince(0))
	require.NoError(t, f.svc.Close())
	require.NoError(t, f.svc.Close())

	for _, id := range []string{first.ID, second.ID} {
		rec, err := f.svc.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, history.StatusCancelled, rec.Status)
	}

	var types []string
	for _, ev := range f.svc.Events().SnapshotSince(0)[snapshot:] {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.SupervisorDestroyed)

	_, err = f.svc.Submit(ctx, "echo", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEvents_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ch, cancel := f.svc.Events().Subscribe()
	defer cancel()

	sub, err := f.svc.Submit(context.Background(), "echo", nil)
	require.NoError(t, err)

	var got []events.Event
	timeout := time.After(waitFor)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("got %d events, want 2", len(got))
		}
	}

	assert.Equal(t, events.AttemptStarted, got[0].Type)
	assert.Equal(t, events.SubmissionCompleted, got[1].Type)

	var data map[string]any
	require.NoError(t, json.Unmarshal(got[1].Data, &data))
	assert.Equal(t, sub.ID, data["submission_id"])
	assert.Equal(t, "succeeded", data["result"])
}

func TestMetrics_CountsCompletions(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Run(context.Background(), "echo", nil)
	require.NoError(t, err)

	families, err := f.svc.Metrics().Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, fam := range families {
		if fam.GetName() != "overseer_attempts_started_total" {
			continue
		}
		found = true
		assert.Equal(t, 1.0, fam.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found)
}

func TestReload_AddsWorkers(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Submit(context.Background(), "late", nil)
	require.ErrorIs(t, err, ErrUnknownWorker)

	cfg := config.Defaults()
	cfg.Workers["echo"] = config.WorkerConf{Command: "unused"}
	cfg.Workers["late"] = config.WorkerConf{Command: "unused"}
	f.svc.Reload(cfg)

	sub, err := f.svc.Submit(context.Background(), "late", nil)
	require.NoError(t, err)
	assert.True(t, sub.Admitted)

	status, err := f.svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "late"}, status.Workers)
}

func TestNew_RecoversInterruptedSubmissions(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := history.New(db)
	_, err = store.Create(context.Background(), "left-over", "echo", nil)
	require.NoError(t, err)

	svc, err := New(context.Background(), config.Defaults(), Deps{DB: db, Factory: supervisortest.NewFactory(nil).Create})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	rec, err := svc.Get(context.Background(), "left-over")
	require.NoError(t, err)
	assert.Equal(t, history.StatusCancelled, rec.Status)
}

func TestNew_OpensConfiguredHistory(t *testing.T) {
	cfg := config.Defaults()
	cfg.History.Path = t.TempDir() + "/history.db"

	svc, err := New(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	_, err = os.Stat(cfg.History.Path)
	assert.NoError(t, err)

	_, err = New(context.Background(), nil, Deps{})
	assert.Error(t, err)
}
