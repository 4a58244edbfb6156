package supervisor

import "fmt"

//go:generate mockgen -destination=mocks/mock_worker.go -package=mocks github.com/mattjoyce/overseer/internal/supervisor Worker

// EventKind identifies the notification carried by an Event.
type EventKind int

const (
	// EventMessage carries an opaque payload. A worker may emit any number.
	EventMessage EventKind = iota + 1
	// EventError carries an out-of-band worker error.
	EventError
	// EventExit carries the worker's exit status. 0 means success.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a single notification from a Worker.
type Event struct {
	Kind    EventKind
	Message any
	Err     error
	Code    int
}

// Message returns a message event.
func Message(payload any) Event {
	return Event{Kind: EventMessage, Message: payload}
}

// Failed returns an error event.
func Failed(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// Exited returns an exit event with the given status code.
func Exited(code int) Event {
	return Event{Kind: EventExit, Code: code}
}

// Worker is the capability set the supervisor requires from a spawned unit of
// work. Any process, goroutine or remote task can satisfy it.
type Worker interface {
	// Events returns the worker's notification stream. It must return the same
	// channel on every call. The worker closes it after its last event.
	Events() <-chan Event

	// Kill terminates the worker. It must be safe to call after the worker
	// exited and must not block. Errors are ignored by the supervisor.
	Kill() error
}

// Factory creates a worker for spec. Returning a nil Worker or an error
// drops the submission: no attempt is created and its callback never runs.
type Factory func(spec any) (Worker, error)
