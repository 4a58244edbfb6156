package service

import (
	"fmt"

	"github.com/mattjoyce/overseer/internal/supervisor"
)

// DroppedError is returned by Run when no worker could be created for the
// submission. It matches supervisor.ErrNotLaunched.
type DroppedError struct {
	Cause error
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("%s: %v", supervisor.ErrNotLaunched, e.Cause)
}

func (e *DroppedError) Is(target error) bool {
	return target == supervisor.ErrNotLaunched
}

func (e *DroppedError) Unwrap() error {
	return e.Cause
}
