// Package sampler measures round-trip latency at a fixed cadence while a
// throughput phase runs, and once beforehand with no load.
package sampler

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"time"
)

var (
	ErrSamplerUsed = errors.New("sampler already used")
	ErrNoSamples   = errors.New("no latency samples received")
)

// Sample is one probe outcome. A timed-out probe is also Lost; its RTT is
// the time waited, a lower bound on the real round trip.
type Sample struct {
	Seq      uint32
	At       time.Time
	RTT      time.Duration
	Lost     bool
	TimedOut bool
}

func newSample(seq uint32, at time.Time, rtt time.Duration, err error, floor time.Duration) Sample {
	sample := Sample{Seq: seq, At: at, RTT: rtt}
	if err == nil {
		return sample
	}
	sample.Lost = true
	if errors.Is(err, ErrProbeTimeout) {
		sample.TimedOut = true
		sample.RTT = max(time.Since(at), floor)
	} else {
		sample.RTT = 0
	}
	return sample
}

// Sampler produces one finite, time-ordered stream of samples. A fresh
// Sampler is needed for every phase.
type Sampler struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	seq      uint32
	used     atomic.Bool
}

func New(prober Prober, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Sampler{prober: prober, interval: interval}
}

// WithSeqBase offsets sequence numbers so consecutive samplers sharing a
// prober never reuse a number.
func (s *Sampler) WithSeqBase(base uint32) *Sampler {
	s.seq = base
	return s
}

// WithProbeTimeout sets the least RTT a timed-out probe is credited with.
func (s *Sampler) WithProbeTimeout(d time.Duration) *Sampler {
	s.timeout = d
	return s
}

// Run probes every interval until d elapses or ctx is done, then closes the
// returned channel. The channel is buffered for the whole run so a slow
// consumer never delays the probe cadence.
func (s *Sampler) Run(ctx context.Context, d time.Duration) (<-chan Sample, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, ErrSamplerUsed
	}
	out := make(chan Sample, int(d/s.interval)+2)
	runCtx, cancel := context.WithTimeout(ctx, d)
	go func() {
		defer close(out)
		defer cancel()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.seq++
			at := time.Now()
			rtt, err := s.prober.Probe(runCtx, s.seq)
			if err != nil && runCtx.Err() != nil {
				return
			}
			sample := newSample(s.seq, at, rtt, err, s.timeout)
			select {
			case out <- sample:
			case <-runCtx.Done():
				return
			}
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// Collect drains ch into a slice.
func Collect(ch <-chan Sample) []Sample {
	var samples []Sample
	for sample := range ch {
		samples = append(samples, sample)
	}
	return samples
}

// Baseline takes count probes spaced by interval with no concurrent load.
func Baseline(ctx context.Context, prober Prober, count int, interval time.Duration) (Stats, error) {
	if count <= 0 {
		count = 1
	}
	samples := make([]Sample, 0, count)
	for i := 0; i < count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Stats{}, ctx.Err()
			case <-time.After(interval):
			}
		}
		at := time.Now()
		rtt, err := prober.Probe(ctx, uint32(i+1))
		if err != nil && ctx.Err() != nil {
			return Stats{}, ctx.Err()
		}
		samples = append(samples, newSample(uint32(i+1), at, rtt, err, 0))
	}
	stats := Summarize(samples)
	if stats.Count == 0 {
		return stats, ErrNoSamples
	}
	return stats, nil
}

type Stats struct {
	Count       int
	Lost        int
	TimedOut    int
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	Median      time.Duration
	Jitter      time.Duration
	LossPercent float64
	// Worst is the largest round trip including timed-out probes.
	Worst time.Duration
}

// Summarize computes statistics over received samples. Jitter is the mean
// absolute difference between consecutive round trips. Timed-out probes
// count as lost and only contribute to Worst.
func Summarize(samples []Sample) Stats {
	var st Stats
	rtts := make([]time.Duration, 0, len(samples))
	for _, sample := range samples {
		if sample.Lost {
			st.Lost++
			if sample.TimedOut {
				st.TimedOut++
				st.Worst = max(st.Worst, sample.RTT)
			}
			continue
		}
		rtts = append(rtts, sample.RTT)
	}
	if total := len(samples); total > 0 {
		st.LossPercent = float64(st.Lost) * 100 / float64(total)
	}
	st.Count = len(rtts)
	if st.Count == 0 {
		return st
	}

	var sum, diffs time.Duration
	st.Min, st.Max = rtts[0], rtts[0]
	for i, rtt := range rtts {
		sum += rtt
		st.Min = min(st.Min, rtt)
		st.Max = max(st.Max, rtt)
		if i > 0 {
			diffs += time.Duration(math.Abs(float64(rtt - rtts[i-1])))
		}
	}
	st.Worst = max(st.Worst, st.Max)
	st.Mean = sum / time.Duration(st.Count)
	if st.Count > 1 {
		st.Jitter = diffs / time.Duration(st.Count-1)
	}

	sorted := slices.Clone(rtts)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		st.Median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		st.Median = sorted[mid]
	}
	return st
}

// Loaded is the policy value for latency under load: the worst sample.
// A probe that timed out under load is worse than any echo received, so it
// counts at its waited time.
func (s Stats) Loaded() (time.Duration, bool) {
	return s.Worst, s.Count > 0 || s.TimedOut > 0
}
