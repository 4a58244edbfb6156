// Package procworker runs supervisor workers as local processes speaking the
// NDJSON protocol on stdin and stdout.
package procworker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mattjoyce/overseer/internal/protocol"
	"github.com/mattjoyce/overseer/internal/supervisor"
)

// ErrUnknownWorker is returned for a worker name missing from the catalog.
var ErrUnknownWorker = errors.New("unknown worker")

// Definition describes how to launch one named worker.
type Definition struct {
	Name        string
	Command     string
	Args        []string
	Env         []string // KEY=VALUE, appended to the overseer environment
	Dir         string
	Config      map[string]any
	GracePeriod time.Duration
}

// Catalog maps worker names to definitions.
type Catalog map[string]Definition

// Lookup returns the definition registered under name.
func (c Catalog) Lookup(name string) (Definition, bool) {
	def, ok := c[name]
	if ok && def.Name == "" {
		def.Name = name
	}
	return def, ok
}

// Names returns the registered worker names, sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec is the launch spec handed to the supervisor. It stays the same across
// retries of one submission.
type Spec struct {
	SubmissionID string
	Worker       string
	Input        any
}

// NewFactory returns a supervisor.Factory that starts a Process for every
// Spec. Unknown workers and spawn failures are reported as errors, which the
// supervisor treats as a dropped submission.
func NewFactory(catalog Catalog, logger *slog.Logger) supervisor.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(spec any) (supervisor.Worker, error) {
		var s Spec
		switch v := spec.(type) {
		case Spec:
			s = v
		case *Spec:
			if v == nil {
				return nil, errors.New("nil worker spec")
			}
			s = *v
		default:
			return nil, fmt.Errorf("unsupported worker spec %T", spec)
		}

		def, ok := catalog.Lookup(s.Worker)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, s.Worker)
		}

		cfg := def.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		req := &protocol.Request{
			Protocol:     protocol.Version,
			SubmissionID: s.SubmissionID,
			Worker:       def.Name,
			Config:       cfg,
			Input:        s.Input,
			SpawnedAt:    time.Now().UTC(),
		}

		p, err := Start(def, req, logger.With("worker", def.Name, "submission_id", s.SubmissionID))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
