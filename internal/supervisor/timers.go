package supervisor

import "time"

// timerRegistry holds one deadline timer per in-flight attempt, keyed by
// attempt id. It is guarded by the owning Supervisor's mutex.
type timerRegistry struct {
	timers   map[uint64]*time.Timer
	released bool
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{timers: make(map[uint64]*time.Timer)}
}

// arm schedules fn after d under id, replacing any timer already armed for id.
// It reports false once the registry has been released.
func (r *timerRegistry) arm(id uint64, d time.Duration, fn func()) bool {
	if r.released {
		return false
	}
	r.cancel(id)
	r.timers[id] = time.AfterFunc(d, fn)
	return true
}

// cancel stops and forgets the timer for id. A timer that already fired may
// still be running its callback.
func (r *timerRegistry) cancel(id uint64) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *timerRegistry) armed(id uint64) bool {
	_, ok := r.timers[id]
	return ok
}

func (r *timerRegistry) len() int {
	return len(r.timers)
}

// release cancels every timer and refuses further arming.
func (r *timerRegistry) release() {
	for id := range r.timers {
		r.cancel(id)
	}
	r.released = true
}
