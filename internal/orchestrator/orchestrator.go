// Package orchestrator runs a complete network test against a measurement
// server: idle latency, gateway latency, download and upload with latency
// sampled under load, then a bufferbloat grade. Progress is reported as a
// stream of events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/gateway"
	"github.com/NodePath81/homenet/internal/metrics"
	"github.com/NodePath81/homenet/internal/protocol"
	"github.com/NodePath81/homenet/internal/sampler"
	"github.com/NodePath81/homenet/internal/util"
)

const (
	downloadSeqBase = 1 << 16
	uploadSeqBase   = 2 << 16
)

var (
	ErrTestInProgress   = errors.New("a test is already in progress")
	ErrThroughputFailed = errors.New("download and upload both failed")
)

// ProbeConn is a latency prober owning a socket.
type ProbeConn interface {
	sampler.Prober
	Close() error
}

type GatewayMeter interface {
	Measure(ctx context.Context) (gateway.Result, error)
}

// ResultSink persists finished results.
type ResultSink interface {
	SaveResult(ctx context.Context, r Result) error
}

type Deps struct {
	Gateway   GatewayMeter
	DialProbe func(ctx context.Context, target string, port int) (ProbeConn, error)
	Sink      ResultSink
	Metrics   *metrics.Metrics
}

// Request describes one test. Zero fields take the configured defaults.
type Request struct {
	Target    string
	Port      int
	Duration  time.Duration
	ChunkSize int64
	DeviceID  string
}

type Orchestrator struct {
	cfg     config.TestConfig
	sampler config.SamplerConfig
	grades  GradeTable
	deps    Deps
	logger  util.Logger
	running atomic.Bool
}

func New(cfg config.TestConfig, samplerCfg config.SamplerConfig, deps Deps, logger util.Logger) (*Orchestrator, error) {
	grades, err := NewGradeTable(cfg.Grades)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = util.Discard()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if deps.DialProbe == nil {
		timeout := samplerCfg.ProbeTimeout.Duration()
		deps.DialProbe = func(ctx context.Context, target string, port int) (ProbeConn, error) {
			return sampler.DialUDP(ctx, target, port, timeout)
		}
	}
	return &Orchestrator{
		cfg:     cfg,
		sampler: samplerCfg,
		grades:  grades,
		deps:    deps,
		logger:  logger.With("component", "orchestrator"),
	}, nil
}

func (o *Orchestrator) Busy() bool {
	return o.running.Load()
}

func (o *Orchestrator) Grades() GradeTable {
	return o.grades
}

// Run starts a test and returns its event stream. The stream ends with
// exactly one complete, error or cancelled event and is then closed. The
// caller must drain it or cancel ctx; a cancelled run finishes even when
// nobody reads, dropping the oldest buffered event if needed.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan Event {
	if !o.running.CompareAndSwap(false, true) {
		out := make(chan Event, 1)
		out <- Event{Kind: EventError, Error: ErrTestInProgress.Error(), At: time.Now()}
		close(out)
		return out
	}
	out := make(chan Event, o.cfg.EventBuffer)
	t := &testRun{o: o, req: o.withDefaults(req), out: out}
	go func() {
		defer close(out)
		defer o.running.Store(false)
		t.execute(ctx)
	}()
	return out
}

func (o *Orchestrator) withDefaults(req Request) Request {
	if req.Target == "" {
		req.Target = o.cfg.Target
	}
	if req.Port == 0 {
		req.Port = o.cfg.Port
	}
	if req.Duration <= 0 {
		req.Duration = o.cfg.Duration.Duration()
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = o.cfg.ChunkBytes
	}
	return req
}

// testRun holds the state of one Run call.
type testRun struct {
	o   *Orchestrator
	req Request
	out chan Event

	res     Result
	percent int
}

func (t *testRun) execute(ctx context.Context) {
	o := t.o
	t.res = Result{
		ID:        uuid.NewString(),
		DeviceID:  t.req.DeviceID,
		Target:    util.NetJoin(t.req.Target, t.req.Port),
		Timestamp: time.Now().UTC(),
		Grade:     GradeUnknown,
	}
	o.logger.Info("test started", "test", t.res.ID, "target", t.res.Target,
		"duration", t.req.Duration, "device", t.req.DeviceID)

	err := t.measure(ctx)
	switch {
	case ctx.Err() != nil:
		o.deps.Metrics.TestFinished("cancelled", nil, nil, nil, nil)
		o.logger.Info("test cancelled", "test", t.res.ID)
		t.terminate(ctx, Event{Kind: EventCancelled, Message: "test cancelled"})
	case err != nil:
		o.deps.Metrics.TestFinished("error", nil, nil, nil, nil)
		o.logger.Warn("test failed", "test", t.res.ID, "error", err)
		t.terminate(ctx, Event{Kind: EventError, Error: err.Error()})
	default:
		res := t.res
		t.terminate(ctx, Event{Kind: EventComplete, Percent: 100, Result: &res})
	}
}

func (t *testRun) measure(ctx context.Context) error {
	o := t.o
	probe, err := o.deps.DialProbe(ctx, t.req.Target, t.req.Port)
	if err != nil {
		return fmt.Errorf("latency probe: %w", err)
	}
	defer probe.Close()

	t.phase(ctx, PhaseLatency, "Measuring idle latency", 5)
	t.baseline(ctx, probe)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	t.phase(ctx, PhaseGateway, "Measuring gateway latency", 10)
	t.gateway(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.progress(ctx, 15)

	t.phase(ctx, PhaseDownload, "Testing download speed", 20)
	client, err := t.dial(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if client != nil {
			client.Close()
		}
	}()
	if err := t.download(ctx, client, probe); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.failed(PhaseDownload, err)
		// The session cannot continue past a broken download; upload
		// gets a session of its own.
		client.Close()
		client = nil
	}

	t.phase(ctx, PhaseUpload, "Testing upload speed", 55)
	if client == nil {
		client, err = t.dial(ctx, true)
		if err != nil && ctx.Err() == nil {
			t.failed(PhaseUpload, err)
		}
	}
	if client != nil {
		if err := t.upload(ctx, client, probe); err != nil && ctx.Err() == nil {
			t.failed(PhaseUpload, err)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.progress(ctx, 90)
	if t.res.DownloadMbps == nil && t.res.UploadMbps == nil {
		return fmt.Errorf("%w: %s", ErrThroughputFailed, strings.Join(t.res.Errors, "; "))
	}

	t.phase(ctx, PhaseCalculating, "Calculating results", 95)
	t.finish(ctx)
	return ctx.Err()
}

func (t *testRun) baseline(ctx context.Context, probe ProbeConn) {
	cfg := t.o.sampler
	stats, err := sampler.Baseline(ctx, probe, cfg.BaselineSamples, cfg.Interval.Duration())
	if err != nil {
		if ctx.Err() == nil {
			t.failed(PhaseLatency, err)
		}
		return
	}
	t.res.PingMs = util.Float(util.Round2(util.Millis(stats.Mean)))
	t.res.JitterMs = util.Float(util.Round2(util.Millis(stats.Jitter)))
	t.res.PacketLoss = util.Float(util.Round2(stats.LossPercent))
	t.metric(ctx, MetricPing, *t.res.PingMs)
	t.metric(ctx, MetricJitter, *t.res.JitterMs)
}

func (t *testRun) gateway(ctx context.Context) {
	if t.o.deps.Gateway == nil {
		return
	}
	gw, err := t.o.deps.Gateway.Measure(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.failed(PhaseGateway, err)
	}
	if v := gw.Value(); v != nil {
		t.res.GatewayPingMs = util.Float(util.Round2(*v))
		t.metric(ctx, MetricGatewayPing, *t.res.GatewayPingMs)
	}
	if gw.MinMs != nil {
		t.res.LocalLatencyMs = util.Float(util.Round2(*gw.MinMs))
		t.metric(ctx, MetricLocalLatency, *t.res.LocalLatencyMs)
	}
}

func (t *testRun) dial(ctx context.Context, uploadOnly bool) (*Client, error) {
	hello := protocol.Hello{
		Version:    protocol.Version,
		DurationS:  int(math.Ceil(t.req.Duration.Seconds())),
		ChunkSize:  t.req.ChunkSize,
		UploadOnly: uploadOnly,
	}
	client, err := Dial(ctx, t.res.Target, hello, t.o.cfg.PhaseGrace.Duration())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("measurement server %s: %w", t.res.Target, err)
	}
	t.o.logger.Debug("session opened", "test", t.res.ID, "session", client.SessionID(), "upload_only", uploadOnly)
	return client, nil
}

func (t *testRun) download(ctx context.Context, client *Client, probe ProbeConn) error {
	loaded := t.sampleUnderLoad(ctx, probe, downloadSeqBase)
	final, err := client.Download(ctx, func(p protocol.Progress) {
		t.metric(ctx, MetricDownload, util.Round2(p.Mbps))
		t.progress(ctx, t.span(20, 55, time.Duration(p.ElapsedMs)*time.Millisecond))
	})
	ping := loaded()
	if err != nil {
		return err
	}
	t.res.DownloadMbps = util.Float(util.Round2(final.Mbps))
	t.res.PingDownloadMs = ping
	t.metric(ctx, MetricDownload, *t.res.DownloadMbps)
	t.progress(ctx, 55)
	return nil
}

func (t *testRun) upload(ctx context.Context, client *Client, probe ProbeConn) error {
	loaded := t.sampleUnderLoad(ctx, probe, uploadSeqBase)
	res, err := client.Upload(ctx, func(bytes int64, elapsed time.Duration) {
		t.metric(ctx, MetricUpload, util.Round2(protocol.Mbps(bytes, elapsed)))
		t.progress(ctx, t.span(55, 90, elapsed))
	})
	ping := loaded()
	if err != nil {
		return err
	}
	t.res.UploadMbps = util.Float(util.Round2(res.Mbps))
	t.res.PingUploadMs = ping
	t.metric(ctx, MetricUpload, *t.res.UploadMbps)
	return nil
}

// sampleUnderLoad starts a sampler for the phase. The returned function
// stops it and reports the loaded latency, nil when no echo came back.
func (t *testRun) sampleUnderLoad(ctx context.Context, probe ProbeConn, seqBase uint32) func() *float64 {
	sctx, cancel := context.WithCancel(ctx)
	limit := t.req.Duration + t.o.cfg.PhaseGrace.Duration()
	ch, err := sampler.New(probe, t.o.sampler.Interval.Duration()).
		WithSeqBase(seqBase).
		WithProbeTimeout(t.o.sampler.ProbeTimeout.Duration()).
		Run(sctx, limit)
	if err != nil {
		cancel()
		return func() *float64 { return nil }
	}
	var (
		once  sync.Once
		stats sampler.Stats
	)
	return func() *float64 {
		once.Do(func() {
			cancel()
			stats = sampler.Summarize(sampler.Collect(ch))
		})
		rtt, ok := stats.Loaded()
		if !ok {
			return nil
		}
		return util.Float(util.Round2(util.Millis(rtt)))
	}
}

func (t *testRun) finish(ctx context.Context) {
	o := t.o
	loaded := util.MaxFloat(t.res.PingDownloadMs, t.res.PingUploadMs)
	t.res.Grade = o.grades.Grade(t.res.PingMs, loaded)
	t.metric(ctx, MetricGrade, t.res.Grade)

	if o.deps.Sink != nil {
		if err := o.deps.Sink.SaveResult(ctx, t.res); err != nil {
			o.logger.Error("save result failed", "test", t.res.ID, "error", err)
		} else {
			o.deps.Metrics.MeasurementSaved()
		}
	}
	r := t.res
	o.deps.Metrics.TestFinished("complete", r.DownloadMbps, r.UploadMbps, r.PingMs, r.JitterMs)
	o.logger.Info("test complete", "test", r.ID,
		"download_mbps", util.FloatValue(r.DownloadMbps, 0), "upload_mbps", util.FloatValue(r.UploadMbps, 0),
		"ping_ms", util.FloatValue(r.PingMs, 0), "grade", r.Grade, "errors", len(r.Errors))
	t.progress(ctx, 100)
}

// failed records a non-fatal phase failure; the affected metrics stay nil.
func (t *testRun) failed(phase Phase, err error) {
	t.res.Errors = append(t.res.Errors, fmt.Sprintf("%s: %v", phase, err))
	t.o.logger.Warn("phase failed", "test", t.res.ID, "phase", phase, "error", err)
}

// span maps elapsed phase time onto a progress range.
func (t *testRun) span(from, to int, elapsed time.Duration) int {
	frac := elapsed.Seconds() / t.req.Duration.Seconds()
	frac = math.Min(math.Max(frac, 0), 1)
	return from + int(float64(to-from)*frac)
}

// emit sends a non-terminal event. Nothing stamped after ctx is done is
// sent.
func (t *testRun) emit(ctx context.Context, ev Event) {
	ev.At = time.Now()
	select {
	case <-ctx.Done():
		return
	default:
	}
	select {
	case t.out <- ev:
	case <-ctx.Done():
	}
}

// terminate sends the closing event. With ctx done and the buffer full the
// oldest queued event is evicted, so a cancelled run never blocks on a
// caller that stopped reading. testRun is the only sender, so the retry
// always has room.
func (t *testRun) terminate(ctx context.Context, ev Event) {
	ev.At = time.Now()
	select {
	case t.out <- ev:
		return
	case <-ctx.Done():
	}
	select {
	case t.out <- ev:
		return
	default:
	}
	select {
	case <-t.out:
	default:
	}
	t.out <- ev
}

func (t *testRun) phase(ctx context.Context, p Phase, msg string, percent int) {
	t.emit(ctx, Event{Kind: EventPhase, Phase: p, Message: msg})
	t.progress(ctx, percent)
}

// progress only ever moves forward.
func (t *testRun) progress(ctx context.Context, percent int) {
	if percent <= t.percent {
		return
	}
	t.percent = percent
	t.emit(ctx, Event{Kind: EventProgress, Percent: percent})
}

func (t *testRun) metric(ctx context.Context, name string, value any) {
	t.emit(ctx, Event{Kind: EventMetric, Name: name, Value: value})
}
