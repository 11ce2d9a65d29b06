package simulator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-iot-simulator/pkg/report"
)

// --- Mocks ---

// fakeConnector records every connection, send and close. It is safe for concurrent use.
type fakeConnector struct {
	mu         sync.Mutex
	connectErr map[string]error
	// sendErr decides the outcome of the n-th send (0 based) of a target.
	sendErr  func(target string, n int) error
	release  chan struct{} // when set, sends block until it is closed
	connects map[string]int
	sends    map[string]int
	closes   map[string]int
	payloads map[string][]string
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		connectErr: make(map[string]error),
		connects:   make(map[string]int),
		sends:      make(map[string]int),
		closes:     make(map[string]int),
		payloads:   make(map[string][]string),
	}
}

func (f *fakeConnector) Connect(_ context.Context, target string) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects[target]++
	if err := f.connectErr[target]; err != nil {
		return nil, err
	}
	return &fakeConnection{parent: f, target: target}, nil
}

func (f *fakeConnector) count(m map[string]int, target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[target]
}

func (f *fakeConnector) totalSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.sends {
		n += v
	}
	return n
}

type fakeConnection struct {
	parent *fakeConnector
	target string
}

func (c *fakeConnection) Send(ctx context.Context, payload []byte) error {
	f := c.parent
	f.mu.Lock()
	n := f.sends[c.target]
	f.sends[c.target]++
	f.payloads[c.target] = append(f.payloads[c.target], string(payload))
	release := f.release
	sendErr := f.sendErr
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if sendErr != nil {
		return sendErr(c.target, n)
	}
	return nil
}

func (c *fakeConnection) Close() error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	c.parent.closes[c.target]++
	return nil
}

// gatedConnector blocks Connect until gate is closed. With honourCtx it gives up when
// the connect context ends instead.
type gatedConnector struct {
	*fakeConnector
	gate      chan struct{}
	entered   chan struct{}
	honourCtx bool
	enterOnce sync.Once
	ctxErrs   chan error
}

func newGatedConnector(honourCtx bool) *gatedConnector {
	return &gatedConnector{
		fakeConnector: newFakeConnector(),
		gate:          make(chan struct{}),
		entered:       make(chan struct{}),
		honourCtx:     honourCtx,
		ctxErrs:       make(chan error, 16),
	}
}

func (g *gatedConnector) Connect(ctx context.Context, target string) (Connection, error) {
	g.enterOnce.Do(func() { close(g.entered) })
	if g.honourCtx {
		select {
		case <-g.gate:
		case <-ctx.Done():
			g.ctxErrs <- ctx.Err()
			return nil, ctx.Err()
		}
	} else {
		<-g.gate
	}
	return g.fakeConnector.Connect(ctx, target)
}

// labelingConnector hides everything after the first ';' of a target.
type labelingConnector struct {
	*fakeConnector
}

func (l labelingConnector) Label(target string) string {
	return strings.SplitN(target, ";", 2)[0]
}

// hookFactory returns generators that echo the template and call onGenerate first.
type hookFactory struct {
	err        error
	onGenerate func(target string, iteration int)
}

func (h *hookFactory) NewGenerator(template string, _ bool) (PayloadGenerator, error) {
	if h.err != nil {
		return nil, h.err
	}
	return hookGenerator{template: template, onGenerate: h.onGenerate}, nil
}

type hookGenerator struct {
	template   string
	onGenerate func(target string, iteration int)
}

func (g hookGenerator) Generate(target string, iteration int) ([]byte, error) {
	if g.onGenerate != nil {
		g.onGenerate(target, iteration)
	}
	return []byte(g.template), nil
}

// MockReporter is a testify mock of report.Reporter.
type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) Report(ctx context.Context, rep report.Report) error {
	args := m.Called(ctx, rep)
	return args.Error(0)
}

func newTestDispatcher(t *testing.T, connector Connector, factory PayloadFactory, reporters ...report.Reporter) *Dispatcher {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)
	d := NewDispatcher(connector, factory, DefaultDispatcherConfig(), logger, reporters...)
	t.Cleanup(d.Close)
	return d
}

// --- Tests ---

func TestDispatcher_AllSendsSucceed(t *testing.T) {
	// Arrange
	connector := newFakeConnector()
	d := newTestDispatcher(t, connector, &hookFactory{})
	req := Request{Targets: []string{"devA", "devB"}, Template: `{"t":1}`, Iterations: 3}

	// Act
	err := d.Dispatch(context.Background(), req)

	// Assert
	require.NoError(t, err)
	status := d.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.False(t, status.IsProcessing())
	assert.Equal(t, StatusSnapshot{TargetID: AggregateTargetID, Sent: 6, Succeeded: 6, Failed: 0, Total: 6}, status.Aggregate)
	require.Len(t, status.Targets, 2)
	for i, target := range req.Targets {
		assert.Equal(t, StatusSnapshot{TargetID: target, Sent: 3, Succeeded: 3, Total: 3}, status.Targets[i])
		assert.Equal(t, 1, connector.count(connector.connects, target), "one connection per target")
		assert.Equal(t, 3, connector.count(connector.sends, target))
		assert.Equal(t, 1, connector.count(connector.closes, target), "connection closed once when complete")
	}
	assert.Equal(t, "6 succeeded, 0 failed out of 6", status.Summary())
}

func TestDispatcher_EverySecondSendFails(t *testing.T) {
	connector := newFakeConnector()
	connector.sendErr = func(_ string, n int) error {
		if n%2 == 1 {
			return errors.New("broker unavailable")
		}
		return nil
	}
	d := newTestDispatcher(t, connector, &hookFactory{})

	err := d.Dispatch(context.Background(), Request{Targets: []string{"devA"}, Template: "hello", Iterations: 5})

	require.NoError(t, err, "send failures are absorbed into the counters")
	status := d.Status()
	assert.Equal(t, 3, status.Aggregate.Succeeded)
	assert.Equal(t, 2, status.Aggregate.Failed)
	assert.Equal(t, 5, status.Aggregate.Total)
}

func TestDispatcher_InvalidInput(t *testing.T) {
	testCases := []struct {
		name    string
		req     Request
		factory *hookFactory
	}{
		{"No targets", Request{Iterations: 1}, &hookFactory{}},
		{"Zero iterations", Request{Targets: []string{"devA"}}, &hookFactory{}},
		{"Malformed template", Request{Targets: []string{"devA"}, Iterations: 1, IsTemplate: true, Template: "{{"}, &hookFactory{err: errors.New("unclosed action")}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			connector := newFakeConnector()
			d := newTestDispatcher(t, connector, tc.factory)

			err := d.Dispatch(context.Background(), tc.req)

			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, StateIdle, d.State())
			assert.Zero(t, connector.totalSends(), "no sends may be attempted")
			assert.Zero(t, connector.count(connector.connects, "devA"), "no connection may be opened")
		})
	}
}

func TestDispatcher_ConcurrentRunRejected(t *testing.T) {
	// Arrange
	connector := newFakeConnector()
	connector.release = make(chan struct{})
	d := newTestDispatcher(t, connector, &hookFactory{})

	run, err := d.Start(context.Background(), Request{Targets: []string{"devA", "devB"}, Template: "x", Iterations: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return connector.totalSends() == 2 }, time.Second, 5*time.Millisecond)
	before := d.Status()

	// Act
	_, err = d.Start(context.Background(), Request{Targets: []string{"devC"}, Template: "y", Iterations: 4})

	// Assert
	assert.ErrorIs(t, err, ErrConcurrentRun)
	after := d.Status()
	assert.Equal(t, before.RunID, after.RunID)
	assert.Equal(t, before.Aggregate, after.Aggregate)
	assert.Equal(t, StateRunning, after.State)
	assert.Zero(t, connector.count(connector.connects, "devC"))

	close(connector.release)
	require.NoError(t, run.Wait(context.Background()))
	<-run.Done()
	assert.Equal(t, 2, d.Status().Aggregate.Succeeded)
}

func TestDispatcher_CancelAfterFirstIteration(t *testing.T) {
	// Arrange
	connector := newFakeConnector()
	factory := &hookFactory{}
	d := newTestDispatcher(t, connector, factory)
	factory.onGenerate = func(target string, iteration int) {
		if target == "devB" && iteration == 0 {
			d.Cancel()
		}
	}

	// Act
	run, err := d.Start(context.Background(), Request{Targets: []string{"devA", "devB"}, Template: "x", Iterations: 10})
	require.NoError(t, err)
	require.NoError(t, run.Wait(context.Background()))

	// Assert
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not settle after cancellation")
	}
	assert.True(t, run.Cancelled())
	status := d.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, 2, status.Aggregate.Sent, "only the first iteration may be initiated")
	assert.Equal(t, 2, status.Aggregate.Settled())
	assert.Equal(t, 20, status.Aggregate.Total)
	assert.Equal(t, 2, connector.totalSends())
	assert.Equal(t, 1, connector.count(connector.closes, "devA"), "remaining connections closed on finalise")
	assert.Equal(t, 1, connector.count(connector.closes, "devB"))
}

func TestDispatcher_CancelWhileConnecting(t *testing.T) {
	req := Request{Targets: []string{"devA", "devB"}, Template: "x", Iterations: 10}

	t.Run("no sends once cancelled", func(t *testing.T) {
		// Arrange
		connector := newGatedConnector(false)
		d := newTestDispatcher(t, connector, &hookFactory{})
		run, err := d.Start(context.Background(), req)
		require.NoError(t, err)
		<-connector.entered

		// Act
		d.Cancel()
		require.NoError(t, run.Wait(context.Background()))
		close(connector.gate)

		// Assert
		select {
		case <-run.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("run did not finish after cancellation")
		}
		assert.Zero(t, connector.totalSends())
		assert.Zero(t, d.Status().Aggregate.Sent)
		assert.Equal(t, 20, d.Status().Aggregate.Total)
		assert.Equal(t, 1, connector.count(connector.closes, "devA"), "connections opened late are still closed")
		assert.Equal(t, StateIdle, d.State())
	})

	t.Run("pending connects are aborted", func(t *testing.T) {
		connector := newGatedConnector(true)
		d := newTestDispatcher(t, connector, &hookFactory{})
		run, err := d.Start(context.Background(), req)
		require.NoError(t, err)
		<-connector.entered

		d.Cancel()

		select {
		case <-run.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("connect was not aborted by cancellation")
		}
		assert.ErrorIs(t, <-connector.ctxErrs, context.Canceled)
		assert.Zero(t, connector.totalSends())
	})
}

func TestDispatcher_CancelDuringInterval(t *testing.T) {
	connector := newFakeConnector()
	d := newTestDispatcher(t, connector, &hookFactory{})

	run, err := d.Start(context.Background(), Request{Targets: []string{"devA"}, Template: "x", Iterations: 3, Interval: time.Hour})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Status().Aggregate.Settled() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	d.Cancel()
	require.NoError(t, run.Wait(context.Background()))
	<-run.Done()

	assert.Less(t, time.Since(start), time.Second, "cancellation must be observed during the interval")
	assert.Equal(t, 1, connector.totalSends())
	assert.Equal(t, StateIdle, d.State())
}

func TestDispatcher_ConnectionFailureCountsAsFailures(t *testing.T) {
	connector := newFakeConnector()
	connector.connectErr["devB"] = errors.New("unauthorized")
	d := newTestDispatcher(t, connector, &hookFactory{})

	err := d.Dispatch(context.Background(), Request{Targets: []string{"devA", "devB"}, Template: "x", Iterations: 3})

	require.NoError(t, err)
	status := d.Status()
	assert.Equal(t, StatusSnapshot{TargetID: "devA", Sent: 3, Succeeded: 3, Total: 3}, status.Targets[0])
	assert.Equal(t, StatusSnapshot{TargetID: "devB", Sent: 3, Failed: 3, Total: 3}, status.Targets[1])
	assert.Equal(t, 3, status.Aggregate.Succeeded)
	assert.Equal(t, 3, status.Aggregate.Failed)
	assert.Zero(t, connector.count(connector.sends, "devB"))
}

func TestDispatcher_AbandonsRunAfterGracePeriod(t *testing.T) {
	// Arrange
	connector := newFakeConnector()
	connector.release = make(chan struct{})
	reporter := new(MockReporter)
	reporter.On("Report", mock.Anything, mock.MatchedBy(func(rep report.Report) bool {
		return rep.Cancelled && rep.Abandoned && rep.Sent == 1 && rep.Succeeded == 0
	})).Return(nil).Once()

	cfg := DefaultDispatcherConfig()
	cfg.CancelGracePeriod = 50 * time.Millisecond
	d := NewDispatcher(connector, &hookFactory{}, cfg, zerolog.Nop(), reporter)

	run, err := d.Start(context.Background(), Request{Targets: []string{"devA"}, Template: "x", Iterations: 5, Interval: time.Hour})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return connector.totalSends() == 1 }, time.Second, 5*time.Millisecond)

	// Act
	d.Cancel()
	assert.Equal(t, StateCancelling, d.State())

	// Assert
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run was not abandoned after the grace period")
	}
	assert.Equal(t, StateIdle, d.State())
	reporter.AssertExpectations(t)

	close(connector.release)
	<-run.settled
	assert.Equal(t, 1, d.Status().Aggregate.Succeeded, "late outcomes are still counted")
	d.Close()
}

func TestDispatcher_ReportsFinishedRun(t *testing.T) {
	connector := newFakeConnector()
	reporter := new(MockReporter)
	reporter.On("Report", mock.Anything, mock.MatchedBy(func(rep report.Report) bool {
		return rep.Total == 4 && rep.Succeeded == 4 && !rep.Cancelled && len(rep.Targets) == 2 &&
			rep.Targets[0].TargetID == "devA" && rep.Iterations == 2 && rep.IntervalMs == 1
	})).Return(errors.New("sink down")).Once()
	d := newTestDispatcher(t, connector, &hookFactory{}, reporter)

	err := d.Dispatch(context.Background(), Request{Targets: []string{"devA", "devB"}, Template: "x", Iterations: 2, Interval: time.Millisecond})

	require.NoError(t, err, "a reporter error does not fail the run")
	reporter.AssertExpectations(t)
}

func TestDispatcher_ContextCancellation(t *testing.T) {
	connector := newFakeConnector()
	d := newTestDispatcher(t, connector, &hookFactory{})
	ctx, cancel := context.WithCancel(context.Background())

	run, err := d.Start(ctx, Request{Targets: []string{"devA"}, Template: "x", Iterations: 3, Interval: time.Hour})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Status().Aggregate.Settled() == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	assert.ErrorIs(t, run.Wait(ctx), context.Canceled)
	<-run.Done()
	assert.True(t, run.Cancelled())
	assert.Equal(t, 1, connector.totalSends())
}

func TestDispatcher_CountersNeverExceedTotal(t *testing.T) {
	connector := newFakeConnector()
	connector.sendErr = func(_ string, n int) error {
		time.Sleep(time.Duration(n%3) * time.Millisecond)
		if n%4 == 0 {
			return errors.New("throttled")
		}
		return nil
	}
	d := newTestDispatcher(t, connector, &hookFactory{})

	run, err := d.Start(context.Background(), Request{Targets: []string{"a", "b", "c"}, Template: "x", Iterations: 20, Interval: time.Millisecond})
	require.NoError(t, err)

	for {
		status := d.Status()
		assert.Equal(t, 60, status.Aggregate.Total)
		assert.LessOrEqual(t, status.Aggregate.Settled(), status.Aggregate.Total)
		for _, target := range status.Targets {
			assert.LessOrEqual(t, target.Settled(), target.Total)
		}
		select {
		case <-run.Done():
			final := d.Status()
			assert.Equal(t, 60, final.Aggregate.Settled())
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDispatcher_StatusBeforeFirstRun(t *testing.T) {
	d := newTestDispatcher(t, newFakeConnector(), &hookFactory{})

	status := d.Status()

	assert.Equal(t, StateIdle, status.State)
	assert.Empty(t, status.RunID)
	assert.Equal(t, "0 succeeded, 0 failed out of 0", status.Summary())
	d.Cancel() // no-op while idle
	assert.Equal(t, StateIdle, d.State())
}

func TestDispatcher_CancelAfterRunFinished(t *testing.T) {
	d := newTestDispatcher(t, newFakeConnector(), &hookFactory{})
	run, err := d.Start(context.Background(), Request{Targets: []string{"devA"}, Template: "x", Iterations: 1})
	require.NoError(t, err)
	<-run.Done()

	d.Cancel()

	assert.False(t, run.Cancelled(), "a finished run cannot be cancelled")
	assert.Equal(t, StateIdle, d.State())
}

func TestDispatcher_UsesTargetLabels(t *testing.T) {
	connector := labelingConnector{newFakeConnector()}
	d := newTestDispatcher(t, connector, &hookFactory{})

	err := d.Dispatch(context.Background(), Request{Targets: []string{"devA;key=secret"}, Template: "x", Iterations: 1})

	require.NoError(t, err)
	assert.Equal(t, "devA", d.Status().Targets[0].TargetID)
}

func TestDispatcher_RunsBackToBack(t *testing.T) {
	connector := newFakeConnector()
	d := newTestDispatcher(t, connector, &hookFactory{})

	require.NoError(t, d.Dispatch(context.Background(), Request{Targets: []string{"devA"}, Template: "x", Iterations: 2}))
	first := d.Status().RunID
	require.NoError(t, d.Dispatch(context.Background(), Request{Targets: []string{"devA"}, Template: "x", Iterations: 1}))

	assert.NotEqual(t, first, d.Status().RunID)
	assert.Equal(t, 1, d.Status().Aggregate.Total)
	assert.Equal(t, 3, connector.count(connector.sends, "devA"))
}
