package config

import (
	"sort"

	"github.com/mattjoyce/overseer/internal/procworker"
	"github.com/mattjoyce/overseer/internal/supervisor"
)

// SupervisorConfig maps the supervisor section onto supervisor.Config. The
// factory, logger and observer are left for the caller.
func (c *Config) SupervisorConfig() supervisor.Config {
	sc := supervisor.DefaultConfig()
	if c.Supervisor.Timeout > 0 {
		sc.Timeout = c.Supervisor.Timeout
	}
	if c.Supervisor.Concurrency > 0 {
		sc.Concurrency = c.Supervisor.Concurrency
	}
	if c.Supervisor.Retries != nil {
		sc.Retries = *c.Supervisor.Retries
	}
	return sc
}

// WorkerOptions returns the per-submission options for worker name. Unset
// values fall through to the supervisor defaults.
func (c *Config) WorkerOptions(name string) (supervisor.Options, bool) {
	w, ok := c.Workers[name]
	if !ok {
		return supervisor.Options{}, false
	}
	opts := supervisor.Options{Timeout: w.Timeout}
	if w.Retries != nil {
		opts.Retries = supervisor.Retries(*w.Retries)
	}
	return opts, true
}

// Catalog builds the process worker catalog from the workers section.
func (c *Config) Catalog() procworker.Catalog {
	catalog := make(procworker.Catalog, len(c.Workers))
	for name, w := range c.Workers {
		catalog[name] = procworker.Definition{
			Name:        name,
			Command:     w.Command,
			Args:        w.Args,
			Env:         envList(w.Env),
			Dir:         w.Dir,
			Config:      w.Config,
			GracePeriod: w.GracePeriod,
		}
	}
	return catalog
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
