package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/overseer/internal/supervisor"
)

func testConfig() *Config {
	cfg := Defaults()
	retries := 0
	cfg.Workers["echo"] = WorkerConf{
		Command:     "/bin/echo",
		Args:        []string{"hi"},
		Env:         map[string]string{"B": "2", "A": "1"},
		Timeout:     5 * time.Second,
		Retries:     &retries,
		GracePeriod: time.Second,
		Config:      map[string]any{"k": "v"},
	}
	cfg.Workers["plain"] = WorkerConf{Command: "sh"}
	return cfg
}

func TestGetPath(t *testing.T) {
	cfg := testConfig()

	v, err := cfg.GetPath("supervisor.concurrency")
	require.NoError(t, err)
	assert.Equal(t, 256, v)

	v, err = cfg.GetPath("workers.echo.command")
	require.NoError(t, err)
	assert.Equal(t, "/bin/echo", v)

	_, err = cfg.GetPath("supervisor.nope")
	assert.ErrorContains(t, err, `key "nope" not found`)

	_, err = cfg.GetPath("service.name.deeper")
	assert.ErrorContains(t, err, "not a map")
}

func TestGetEntity(t *testing.T) {
	cfg := testConfig()

	v, err := cfg.GetPath("worker:echo")
	require.NoError(t, err)
	assert.Equal(t, "/bin/echo", v.(WorkerConf).Command)

	v, err = cfg.GetEntity("worker:*")
	require.NoError(t, err)
	assert.Len(t, v.(map[string]WorkerConf), 2)

	_, err = cfg.GetEntity("worker:missing")
	assert.Error(t, err)
	_, err = cfg.GetEntity("plugin:echo")
	assert.ErrorContains(t, err, "unsupported entity type")
}

func TestSupervisorConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Supervisor.Timeout = 10 * time.Second
	cfg.Supervisor.Concurrency = 3
	zero := 0
	cfg.Supervisor.Retries = &zero

	sc := cfg.SupervisorConfig()
	assert.Equal(t, 10*time.Second, sc.Timeout)
	assert.Equal(t, 3, sc.Concurrency)
	assert.Equal(t, 0, sc.Retries)

	cfg.Supervisor = SupervisorConfig{}
	sc = cfg.SupervisorConfig()
	assert.Equal(t, supervisor.DefaultTimeout, sc.Timeout)
	assert.Equal(t, supervisor.DefaultConcurrency, sc.Concurrency)
	assert.Equal(t, supervisor.DefaultRetries, sc.Retries)
}

func TestWorkerOptions(t *testing.T) {
	cfg := testConfig()

	opts, ok := cfg.WorkerOptions("echo")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, opts.Timeout)
	require.NotNil(t, opts.Retries)
	assert.Equal(t, 0, *opts.Retries)

	opts, ok = cfg.WorkerOptions("plain")
	require.True(t, ok)
	assert.Zero(t, opts.Timeout)
	assert.Nil(t, opts.Retries, "unset retries fall through to the supervisor default")

	_, ok = cfg.WorkerOptions("missing")
	assert.False(t, ok)
}

func TestCatalog(t *testing.T) {
	cfg := testConfig()
	catalog := cfg.Catalog()

	def, ok := catalog.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", def.Name)
	assert.Equal(t, []string{"A=1", "B=2"}, def.Env)
	assert.Equal(t, time.Second, def.GracePeriod)
	assert.Equal(t, map[string]any{"k": "v"}, def.Config)

	def, _ = catalog.Lookup("plain")
	assert.Nil(t, def.Env)
}
