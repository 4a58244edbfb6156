package supervisor

// entry is a submission waiting for capacity. It has no id until admitted.
type entry struct {
	spec any
	opts Options
	done *completion
}

// admissionQueue is a FIFO of entries.
type admissionQueue struct {
	items []entry
}

func (q *admissionQueue) push(e entry) {
	q.items = append(q.items, e)
}

func (q *admissionQueue) pop() (entry, bool) {
	if len(q.items) == 0 {
		return entry{}, false
	}
	e := q.items[0]
	q.items[0] = entry{}
	q.items = q.items[1:]
	return e, true
}

func (q *admissionQueue) len() int {
	return len(q.items)
}

// drain empties the queue and returns what it held, oldest first.
func (q *admissionQueue) drain() []entry {
	out := q.items
	q.items = nil
	return out
}
