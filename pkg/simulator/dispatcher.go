package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/illmade-knight/go-iot-simulator/pkg/report"
)

// State is the lifecycle state of a Dispatcher.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DispatcherConfig holds the tunables of a Dispatcher.
type DispatcherConfig struct {
	// ConnectConcurrency bounds how many target connections are opened at once.
	ConnectConcurrency int `yaml:"connect_concurrency"`
	// SendTimeout bounds a single send.
	SendTimeout time.Duration `yaml:"send_timeout"`
	// CancelGracePeriod is how long a cancelled run may wait for in-flight sends before
	// its connections are closed and it is abandoned.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`
	// ReportTimeout bounds the reporters of a finished run.
	ReportTimeout time.Duration `yaml:"report_timeout"`
}

// DefaultDispatcherConfig provides sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ConnectConcurrency: 8,
		SendTimeout:        30 * time.Second,
		CancelGracePeriod:  30 * time.Second,
		ReportTimeout:      10 * time.Second,
	}
}

// AggregateStatus is what a UI polls while a run is in progress.
type AggregateStatus struct {
	RunID     string           `json:"runId,omitempty"`
	State     State            `json:"state"`
	Aggregate StatusSnapshot   `json:"aggregate"`
	Targets   []StatusSnapshot `json:"targets,omitempty"`
}

// IsProcessing reports whether a run is still running or cancelling.
func (a AggregateStatus) IsProcessing() bool { return a.State != StateIdle }

func (a AggregateStatus) Summary() string { return a.Aggregate.Summary() }

// Dispatcher sends a message from a set of targets repeatedly. Only one run may be
// active at a time.
type Dispatcher struct {
	connector Connector
	payloads  PayloadFactory
	reporter  report.Reporter
	config    DispatcherConfig
	logger    zerolog.Logger

	mu      sync.RWMutex
	state   State
	current *Run

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Reporters receive the report of every finished run.
func NewDispatcher(
	connector Connector,
	payloads PayloadFactory,
	cfg DispatcherConfig,
	logger zerolog.Logger,
	reporters ...report.Reporter,
) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if cfg.ConnectConcurrency <= 0 {
		logger.Warn().Int("provided", cfg.ConnectConcurrency).Int("default", defaults.ConnectConcurrency).
			Msg("ConnectConcurrency was zero or negative, applying default value.")
		cfg.ConnectConcurrency = defaults.ConnectConcurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = defaults.CancelGracePeriod
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = defaults.ReportTimeout
	}

	var rep report.Reporter
	if len(reporters) == 1 {
		rep = reporters[0]
	} else if len(reporters) > 1 {
		rep = report.MultiReporter(reporters)
	}

	return &Dispatcher{
		connector: connector,
		payloads:  payloads,
		reporter:  rep,
		config:    cfg,
		logger:    logger.With().Str("component", "Dispatcher").Logger(),
	}
}

// Dispatch runs req and returns once every send has an outcome, or as soon as the run
// is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	run, err := d.Start(ctx, req)
	if err != nil {
		return err
	}
	return run.Wait(ctx)
}

// Start validates req, claims the dispatcher and starts the run in the background.
// Cancelling ctx cancels the run.
func (d *Dispatcher) Start(ctx context.Context, req Request) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	gen, err := d.payloads.NewGenerator(req.Template, req.IsTemplate)
	if err != nil {
		if !errors.Is(err, ErrInvalidInput) {
			err = fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil, err
	}

	run, err := newRun(uuid.NewString(), req, d.labels(req.Targets))
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.state != StateIdle {
		state := d.state
		d.mu.Unlock()
		d.logger.Warn().Stringer("state", state).Msg("Dispatch rejected, previous operation in progress")
		return nil, ErrConcurrentRun
	}
	d.state = StateRunning
	d.current = run
	d.mu.Unlock()

	d.logger.Info().
		Str("run_id", run.id).
		Int("targets", len(req.Targets)).
		Int("iterations", req.Iterations).
		Dur("interval", req.Interval).
		Bool("templated", req.IsTemplate).
		Msg("Starting dispatch run")

	d.wg.Add(1)
	go d.execute(ctx, run, gen)
	return run, nil
}

// Cancel stops the active run from initiating further sends. Sends already initiated
// are left to complete.
func (d *Dispatcher) Cancel() {
	d.mu.RLock()
	run, state := d.current, d.state
	d.mu.RUnlock()
	// The last run is kept for Status after it finished; it is not cancellable.
	if run == nil || state == StateIdle {
		return
	}
	d.cancelRun(run)
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Status returns the counters of the current, or last, run.
func (d *Dispatcher) Status() AggregateStatus {
	d.mu.RLock()
	run, state := d.current, d.state
	d.mu.RUnlock()

	if run == nil {
		return AggregateStatus{State: state, Aggregate: StatusSnapshot{TargetID: AggregateTargetID}}
	}
	aggregate, targets := run.Snapshot()
	return AggregateStatus{RunID: run.id, State: state, Aggregate: aggregate, Targets: targets}
}

// Close cancels the active run and waits for it to be finalised.
func (d *Dispatcher) Close() {
	d.Cancel()
	d.wg.Wait()
}

func (d *Dispatcher) labels(targets []string) []string {
	labels := make([]string, len(targets))
	labeler, ok := d.connector.(TargetLabeler)
	for i, t := range targets {
		labels[i] = t
		if ok {
			labels[i] = labeler.Label(t)
		}
	}
	return labels
}

func (d *Dispatcher) cancelRun(run *Run) {
	if !run.requestCancel() {
		return
	}
	d.mu.Lock()
	if d.current == run && d.state == StateRunning {
		d.state = StateCancelling
	}
	d.mu.Unlock()
	d.logger.Info().Str("run_id", run.id).Msg("Cancellation requested")
}

// execute drives a run from connection set-up to its final report.
func (d *Dispatcher) execute(ctx context.Context, run *Run, gen PayloadGenerator) {
	defer d.wg.Done()
	stop := context.AfterFunc(ctx, func() { d.cancelRun(run) })
	defer stop()

	ctx = WithRunID(ctx, run.id)
	connectCtx, stopConnecting := context.WithCancel(ctx)
	go func() {
		select {
		case <-run.cancelCh:
			stopConnecting()
		case <-connectCtx.Done():
		}
	}()
	d.openConnections(connectCtx, run)
	stopConnecting()
	go d.aggregate(run)

	// Sends outlive the caller's cancellation; only their own timeout ends them.
	d.initiate(context.WithoutCancel(ctx), run, gen)

	go func() {
		run.sends.Wait()
		close(run.events)
	}()

	abandoned := false
	select {
	case <-run.settled:
	case <-run.cancelCh:
		grace := time.NewTimer(d.config.CancelGracePeriod)
		select {
		case <-run.settled:
		case <-grace.C:
			abandoned = true
			d.logger.Warn().Str("run_id", run.id).Dur("grace_period", d.config.CancelGracePeriod).
				Msg("In-flight sends did not settle after cancellation, abandoning run")
		}
		grace.Stop()
	}
	d.finalize(run, abandoned)
}

// openConnections opens one connection per target. A failed target keeps a nil
// connection and all of its sends are recorded as failures.
func (d *Dispatcher) openConnections(ctx context.Context, run *Run) {
	var g errgroup.Group
	g.SetLimit(d.config.ConnectConcurrency)
	for i, target := range run.req.Targets {
		g.Go(func() error {
			conn, err := d.connector.Connect(ctx, target)
			if err != nil {
				d.logger.Error().Err(err).Str("run_id", run.id).Str("device_id", run.labels[i]).
					Msg("Failed to open target connection, its sends will be recorded as failed")
				return nil
			}
			run.setConnection(i, conn)
			return nil
		})
	}
	_ = g.Wait()
}

// initiate fires one send per target per iteration without waiting for the outcomes.
func (d *Dispatcher) initiate(ctx context.Context, run *Run, gen PayloadGenerator) {
	last := run.req.Iterations - 1
	for i := 0; i <= last; i++ {
		if run.Cancelled() {
			d.logger.Info().Str("run_id", run.id).Int("iteration", i).Msg("Run cancelled, no further iterations initiated")
			return
		}
		for t, target := range run.req.Targets {
			d.fire(ctx, run, t, target, i, gen)
		}

		if i == last || run.req.Interval <= 0 {
			continue
		}

		timer := time.NewTimer(run.req.Interval)
		select {
		case <-timer.C:
		case <-run.cancelCh:
			timer.Stop()
			d.logger.Info().Str("run_id", run.id).Int("iteration", i).Msg("Run cancelled during interval, no further iterations initiated")
			return
		}
	}
}

func (d *Dispatcher) fire(ctx context.Context, run *Run, t int, target string, iteration int, gen PayloadGenerator) {
	run.targets[t].RecordSent()
	run.total.RecordSent()
	run.sends.Add(1)

	conn := run.connection(t)
	if conn == nil {
		go run.post(outcome{target: t, iteration: iteration, err: ErrConnectionFailed})
		return
	}
	payload, err := gen.Generate(target, iteration)
	if err != nil {
		go run.post(outcome{target: t, iteration: iteration, err: fmt.Errorf("generate payload: %w", err)})
		return
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		defer cancel()
		run.post(outcome{target: t, iteration: iteration, err: conn.Send(sendCtx, payload)})
	}()
}

func (r *Run) post(o outcome) {
	defer r.sends.Done()
	r.events <- o
}

// aggregate is the only writer of a run's counters. It closes the connection of a
// target as soon as that target has all its outcomes.
func (d *Dispatcher) aggregate(run *Run) {
	defer close(run.settled)
	for o := range run.events {
		st := run.targets[o.target]
		if o.err != nil {
			d.logger.Debug().Err(o.err).Str("run_id", run.id).Str("device_id", st.TargetID()).
				Int("iteration", o.iteration).Msg("Send failed")
			d.record(st.RecordFailure(), run.total.RecordFailure())
		} else {
			d.record(st.RecordSuccess(), run.total.RecordSuccess())
		}
		if st.IsComplete() {
			d.closeConnection(run, o.target)
		}
	}
}

func (d *Dispatcher) record(errs ...error) {
	for _, err := range errs {
		if err != nil {
			d.logger.Error().Err(err).Msg("Outcome dropped")
		}
	}
}

func (d *Dispatcher) closeConnection(run *Run, i int) {
	conn := run.takeConnection(i)
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		d.logger.Warn().Err(err).Str("run_id", run.id).Str("device_id", run.labels[i]).Msg("Error closing target connection")
	}
}

// finalize closes whatever connections remain, emits the report and returns the
// dispatcher to idle.
func (d *Dispatcher) finalize(run *Run, abandoned bool) {
	run.finalizeOnce.Do(func() {
		for i := range run.req.Targets {
			d.closeConnection(run, i)
		}

		run.finishedAt = time.Now().UTC()
		run.abandoned = abandoned
		rep := buildReport(run)

		if d.reporter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.config.ReportTimeout)
			if err := d.reporter.Report(ctx, rep); err != nil {
				d.logger.Error().Err(err).Str("run_id", run.id).Msg("Failed to emit run report")
			}
			cancel()
		}

		d.mu.Lock()
		if d.current == run {
			d.state = StateIdle
		}
		d.mu.Unlock()

		d.logger.Info().Str("run_id", run.id).Bool("cancelled", rep.Cancelled).Msg("Dispatch run finished: " + rep.Summary())
		close(run.done)
	})
}

func buildReport(run *Run) report.Report {
	aggregate, targets := run.Snapshot()
	rep := report.Report{
		RunID:      run.id,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Cancelled:  run.Cancelled(),
		Abandoned:  run.abandoned,
		Templated:  run.req.IsTemplate,
		Iterations: run.req.Iterations,
		IntervalMs: run.req.Interval.Milliseconds(),
		Sent:       aggregate.Sent,
		Succeeded:  aggregate.Succeeded,
		Failed:     aggregate.Failed,
		Total:      aggregate.Total,
		Targets:    make([]report.TargetResult, len(targets)),
	}
	for i, t := range targets {
		rep.Targets[i] = report.TargetResult{
			TargetID:  t.TargetID,
			Sent:      t.Sent,
			Succeeded: t.Succeeded,
			Failed:    t.Failed,
			Total:     t.Total,
		}
	}
	return rep
}
