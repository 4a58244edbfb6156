package supervisor

// Observer receives lifecycle notifications. Methods are called outside the
// supervisor's lock, one at a time, in the order the events happened. They
// may call back into the Supervisor; effects of such calls are delivered
// after the current method returns.
type Observer interface {
	SubmissionQueued(spec any, depth int)
	SubmissionDropped(spec any, err error)
	AttemptStarted(a AttemptInfo)
	AttemptRetried(prev, next AttemptInfo, cause error)
	AttemptFinished(a AttemptInfo, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) SubmissionQueued(any, int) {}
func (NopObserver) SubmissionDropped(any, error) {}
func (NopObserver) AttemptStarted(AttemptInfo) {}
func (NopObserver) AttemptRetried(AttemptInfo, AttemptInfo, error) {}
func (NopObserver) AttemptFinished(AttemptInfo, error) {}

type multiObserver []Observer

// Observers fans notifications out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) SubmissionQueued(spec any, depth int) {
	for _, o := range m {
		o.SubmissionQueued(spec, depth)
	}
}

func (m multiObserver) SubmissionDropped(spec any, err error) {
	for _, o := range m {
		o.SubmissionDropped(spec, err)
	}
}

func (m multiObserver) AttemptStarted(a AttemptInfo) {
	for _, o := range m {
		o.AttemptStarted(a)
	}
}

func (m multiObserver) AttemptRetried(prev, next AttemptInfo, cause error) {
	for _, o := range m {
		o.AttemptRetried(prev, next, cause)
	}
}

func (m multiObserver) AttemptFinished(a AttemptInfo, err error) {
	for _, o := range m {
		o.AttemptFinished(a, err)
	}
}
