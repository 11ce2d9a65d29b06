package simulator

import (
	"context"
	"sync"
	"time"
)

// outcome is the completion event of one send, posted to the run's aggregator.
type outcome struct {
	target    int
	iteration int
	err       error
}

// Run is one dispatch in progress. It is created by Dispatcher.Start.
type Run struct {
	id        string
	req       Request
	labels    []string
	startedAt time.Time

	targets []*SendStatus
	total   *SendStatus

	connMu sync.Mutex
	conns  []Connection
	closed []bool

	events chan outcome
	sends  sync.WaitGroup

	cancelOnce sync.Once
	cancelCh   chan struct{}

	settled chan struct{} // every initiated send has reported
	done    chan struct{} // final report emitted, dispatcher back to idle

	finalizeOnce sync.Once
	finishedAt   time.Time
	abandoned    bool
}

func newRun(id string, req Request, labels []string) (*Run, error) {
	r := &Run{
		id:        id,
		req:       req,
		labels:    labels,
		startedAt: time.Now().UTC(),
		targets:   make([]*SendStatus, len(req.Targets)),
		conns:     make([]Connection, len(req.Targets)),
		closed:    make([]bool, len(req.Targets)),
		events:    make(chan outcome, len(req.Targets)),
		cancelCh:  make(chan struct{}),
		settled:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range req.Targets {
		st, err := NewSendStatus(labels[i], req.Iterations)
		if err != nil {
			return nil, err
		}
		r.targets[i] = st
	}
	total, err := NewSendStatus(AggregateTargetID, req.Total())
	if err != nil {
		return nil, err
	}
	r.total = total
	return r, nil
}

func (r *Run) ID() string { return r.id }

// Wait blocks until every send of the run has an outcome, or returns as soon as the run
// is cancelled. Sends still in flight after a cancellation keep running and are counted
// until the run settles.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-r.cancelCh:
	case <-ctx.Done():
	}
	return ctx.Err()
}

// Done is closed once the run has settled (or been abandoned after cancellation) and
// its final report has been emitted.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancelled reports whether cancellation was requested for the run.
func (r *Run) Cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// Snapshot returns the aggregate and per-target counters.
func (r *Run) Snapshot() (StatusSnapshot, []StatusSnapshot) {
	targets := make([]StatusSnapshot, len(r.targets))
	for i, st := range r.targets {
		targets[i] = st.Snapshot()
	}
	return r.total.Snapshot(), targets
}

func (r *Run) requestCancel() bool {
	first := false
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
		first = true
	})
	return first
}

func (r *Run) setConnection(i int, conn Connection) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.conns[i] = conn
}

func (r *Run) connection(i int) Connection {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conns[i]
}

// takeConnection hands the connection of target i to the caller for closing, at most once.
func (r *Run) takeConnection(i int) Connection {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.closed[i] || r.conns[i] == nil {
		return nil
	}
	r.closed[i] = true
	return r.conns[i]
}

type runIDKey struct{}

// WithRunID returns a context carrying the id of the run it belongs to. Connectors
// receive it on Connect and Send.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run id carried by ctx, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
