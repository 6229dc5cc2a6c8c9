package orchestrator

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/gateway"
	"github.com/NodePath81/homenet/internal/metrics"
	"github.com/NodePath81/homenet/internal/sampler"
	"github.com/NodePath81/homenet/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedGateway struct {
	res gateway.Result
	err error
}

func (g fixedGateway) Measure(ctx context.Context) (gateway.Result, error) {
	return g.res, g.err
}

type memorySink struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (s *memorySink) SaveResult(ctx context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, r)
	return nil
}

func (s *memorySink) saved() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

func testConfigs(addr string) (config.TestConfig, config.SamplerConfig) {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	tc := config.TestConfig{
		Target:      host,
		Port:        port,
		Duration:    config.Duration(time.Second),
		PhaseGrace:  config.Duration(time.Second),
		EventBuffer: 64,
		Grades:      config.DefaultGrades,
		ChunkBytes:  16 * 1024,
	}
	sc := config.SamplerConfig{
		Interval:        config.Duration(20 * time.Millisecond),
		ProbeTimeout:    config.Duration(200 * time.Millisecond),
		BaselineSamples: 3,
	}
	return tc, sc
}

func newTestOrchestrator(t *testing.T, addr string, deps Deps) *Orchestrator {
	t.Helper()
	tc, sc := testConfigs(addr)
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	o, err := New(tc, sc, deps, util.Discard())
	require.NoError(t, err)
	return o
}

func drain(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func requireSingleTerminal(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	for _, ev := range events[:len(events)-1] {
		require.False(t, ev.Terminal(), "terminal event %s before end of stream", ev.Kind)
	}
	last := events[len(events)-1]
	require.True(t, last.Terminal())
	return last
}

func TestRunCompletes(t *testing.T) {
	_, addr := startServer(t)
	sink := &memorySink{}
	gw := fixedGateway{res: gateway.Result{
		Gateway:   net.IPv4(192, 168, 1, 1),
		Sent:      4,
		Received:  4,
		MinMs:     util.Float(0.8),
		MedianMs:  util.Float(1.2),
		Statistic: config.GatewayStatisticMedian,
	}}
	o := newTestOrchestrator(t, addr, Deps{Gateway: gw, Sink: sink})

	events := drain(o.Run(context.Background(), Request{DeviceID: "dev-1"}))
	last := requireSingleTerminal(t, events)
	require.Equal(t, EventComplete, last.Kind, "error: %s", last.Error)
	require.NotNil(t, last.Result)

	res := *last.Result
	assert.Equal(t, "dev-1", res.DeviceID)
	assert.Equal(t, addr, res.Target)
	require.NotNil(t, res.DownloadMbps)
	require.NotNil(t, res.UploadMbps)
	assert.Positive(t, *res.DownloadMbps)
	assert.Positive(t, *res.UploadMbps)
	require.NotNil(t, res.PingMs)
	assert.NotNil(t, res.JitterMs)
	assert.NotNil(t, res.PingDownloadMs)
	assert.NotNil(t, res.PingUploadMs)
	assert.Equal(t, 1.2, *res.GatewayPingMs)
	assert.Equal(t, 0.8, *res.LocalLatencyMs)
	assert.NotEqual(t, GradeUnknown, res.Grade)
	assert.Empty(t, res.Errors)

	percent := 0
	metricsSeen := map[string]bool{}
	var phases []Phase
	for _, ev := range events {
		switch ev.Kind {
		case EventProgress:
			assert.Greater(t, ev.Percent, percent)
			percent = ev.Percent
		case EventMetric:
			metricsSeen[ev.Name] = true
		case EventPhase:
			phases = append(phases, ev.Phase)
		}
	}
	assert.Equal(t, 100, percent)
	assert.Equal(t, []Phase{PhaseLatency, PhaseGateway, PhaseDownload, PhaseUpload, PhaseCalculating}, phases)
	for _, name := range []string{MetricPing, MetricJitter, MetricGatewayPing, MetricLocalLatency, MetricDownload, MetricUpload, MetricGrade} {
		assert.True(t, metricsSeen[name], "missing metric %s", name)
	}

	saved := sink.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, res.ID, saved[0].ID)
	assert.False(t, o.Busy())
}

func TestRunRecordsPartialFailures(t *testing.T) {
	_, addr := startServer(t)
	sink := &memorySink{err: errors.New("disk full")}
	o := newTestOrchestrator(t, addr, Deps{
		Gateway: fixedGateway{err: gateway.ErrNoGateway},
		Sink:    sink,
	})

	last := requireSingleTerminal(t, drain(o.Run(context.Background(), Request{})))
	require.Equal(t, EventComplete, last.Kind, "error: %s", last.Error)
	res := last.Result
	assert.Nil(t, res.GatewayPingMs)
	assert.Nil(t, res.LocalLatencyMs)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "gateway")
	assert.NotNil(t, res.DownloadMbps)
}

func TestRunServerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	o := newTestOrchestrator(t, addr, Deps{})
	last := requireSingleTerminal(t, drain(o.Run(context.Background(), Request{})))
	assert.Equal(t, EventError, last.Kind)
	assert.Contains(t, last.Error, "measurement server")
	assert.Nil(t, last.Result)
}

func TestRunRejectedHandshake(t *testing.T) {
	_, addr := startServer(t)
	o := newTestOrchestrator(t, addr, Deps{})
	last := requireSingleTerminal(t, drain(o.Run(context.Background(), Request{Duration: time.Minute})))
	assert.Equal(t, EventError, last.Kind)
	assert.Contains(t, last.Error, "invalid_duration")
}

func TestRunWhileBusy(t *testing.T) {
	_, addr := startServer(t)
	o := newTestOrchestrator(t, addr, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := o.Run(ctx, Request{Duration: 3 * time.Second})
	assert.True(t, o.Busy())

	second := drain(o.Run(context.Background(), Request{}))
	require.Len(t, second, 1)
	assert.Equal(t, EventError, second[0].Kind)
	assert.Equal(t, ErrTestInProgress.Error(), second[0].Error)

	cancel()
	last := requireSingleTerminal(t, drain(first))
	assert.Equal(t, EventCancelled, last.Kind)
	assert.False(t, o.Busy())
}

func TestRunCancelDuringDownload(t *testing.T) {
	_, addr := startServer(t)
	sink := &memorySink{}
	tc, sc := testConfigs(addr)
	sc.Interval = config.Duration(200 * time.Millisecond)
	o, err := New(tc, sc, Deps{Sink: sink, Metrics: metrics.NewMetrics()}, util.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := o.Run(ctx, Request{Duration: 10 * time.Second})
	var events []Event
	var cancelledAt time.Time
	for ev := range ch {
		events = append(events, ev)
		if ev.Kind == EventPhase && ev.Phase == PhaseDownload {
			cancel()
			cancelledAt = time.Now()
		}
	}
	require.False(t, cancelledAt.IsZero())

	last := requireSingleTerminal(t, events)
	assert.Equal(t, EventCancelled, last.Kind)
	assert.LessOrEqual(t, last.At.Sub(cancelledAt), sc.Interval.Duration())
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.At.After(cancelledAt), "%s event stamped after cancel", ev.Kind)
	}
	assert.Empty(t, sink.saved())
}

func TestRunCancelledWithoutReaderReleases(t *testing.T) {
	_, addr := startServer(t)
	tc, sc := testConfigs(addr)
	tc.EventBuffer = 1
	o, err := New(tc, sc, Deps{}, util.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	events := o.Run(ctx, Request{Duration: 3 * time.Second})
	require.Eventually(t, func() bool { return len(events) == cap(events) }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()

	require.Eventually(t, func() bool { return !o.Busy() }, 2*time.Second, 10*time.Millisecond)
	last := requireSingleTerminal(t, drain(events))
	assert.Equal(t, EventCancelled, last.Kind)

	done, stop := context.WithCancel(context.Background())
	stop()
	next := requireSingleTerminal(t, drain(o.Run(done, Request{})))
	assert.Equal(t, EventCancelled, next.Kind)
	assert.NotEqual(t, ErrTestInProgress.Error(), next.Error)
}

// bloatedProbe answers idle probes quickly and lets every probe under load
// time out, as on a link whose queue delay exceeds the probe timeout.
type bloatedProbe struct{}

func (bloatedProbe) Probe(ctx context.Context, seq uint32) (time.Duration, error) {
	if seq < downloadSeqBase {
		return 2 * time.Millisecond, nil
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return 0, sampler.ErrProbeTimeout
}

func (bloatedProbe) Close() error { return nil }

func TestRunGradesTimedOutLoadAsWorst(t *testing.T) {
	_, addr := startServer(t)
	tc, sc := testConfigs(addr)
	sc.ProbeTimeout = config.Duration(500 * time.Millisecond)
	deps := Deps{
		DialProbe: func(ctx context.Context, target string, port int) (ProbeConn, error) {
			return bloatedProbe{}, nil
		},
	}
	o, err := New(tc, sc, deps, util.Discard())
	require.NoError(t, err)

	last := requireSingleTerminal(t, drain(o.Run(context.Background(), Request{})))
	require.Equal(t, EventComplete, last.Kind, "error: %s", last.Error)
	r := last.Result
	require.NotNil(t, r.PingMs)
	require.NotNil(t, r.PingDownloadMs)
	require.NotNil(t, r.PingUploadMs)
	assert.GreaterOrEqual(t, *r.PingDownloadMs, 500.0)
	assert.GreaterOrEqual(t, *r.PingUploadMs, 500.0)
	assert.Equal(t, "F", r.Grade)
}
