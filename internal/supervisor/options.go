package supervisor

import (
	"log/slog"
	"time"
)

const (
	// DefaultTimeout bounds the lifetime of one attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultConcurrency bounds the number of simultaneously active attempts.
	DefaultConcurrency = 256
	// DefaultRetries is the retry budget of a logical submission.
	DefaultRetries = 3
)

// Config is resolved once by New.
type Config struct {
	Timeout     time.Duration
	Concurrency int
	Retries     int
	Factory     Factory
	Logger      *slog.Logger
	Observer    Observer
}

// DefaultConfig returns the default policy with no factory.
func DefaultConfig() Config {
	return Config{
		Timeout:     DefaultTimeout,
		Concurrency: DefaultConcurrency,
		Retries:     DefaultRetries,
	}
}

// Options override the supervisor policy for one submission.
type Options struct {
	// Timeout replaces the default per-attempt timeout when positive.
	Timeout time.Duration

	// Retries replaces the default retry budget when non-nil.
	Retries *int

	// OnMessage, when set, receives every worker message as it arrives and the
	// completion callback gets no buffered messages. Calls for one attempt
	// arrive in order and all of them return before the callback runs.
	OnMessage func(id uint64, msg any)
}

// Retries returns a pointer suitable for Options.Retries.
func Retries(n int) *int {
	return &n
}
