// Package gateway finds the default gateway in the routing table and
// measures idle round-trip time to it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"time"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/util"
)

const probeGap = 100 * time.Millisecond

var ErrNoGateway = errors.New("no default gateway")

type Route struct {
	Gateway   net.IP
	Interface string
	Metric    int
}

type RouteSource interface {
	DefaultRoutes() ([]Route, error)
}

// Pinger sends one echo request and waits for the matching reply.
type Pinger interface {
	Ping(ctx context.Context, ip net.IP, seq int) (time.Duration, error)
	Close() error
}

type Result struct {
	Gateway   net.IP   `json:"gateway,omitempty"`
	Interface string   `json:"interface,omitempty"`
	Sent      int      `json:"sent"`
	Received  int      `json:"received"`
	MinMs     *float64 `json:"min_ms"`
	MedianMs  *float64 `json:"median_ms"`
	Statistic string   `json:"statistic"`
}

// Value is the configured gateway statistic, nil when nothing came back.
func (r Result) Value() *float64 {
	if r.Statistic == config.GatewayStatisticMin {
		return r.MinMs
	}
	return r.MedianMs
}

// SelectGateway picks the default route to measure. A private (RFC 1918)
// gateway wins over a lower-metric public one, which is typically a VPN.
func SelectGateway(routes []Route) (Route, error) {
	candidates := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Gateway != nil && r.Gateway.To4() != nil && !r.Gateway.IsUnspecified() {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Route{}, ErrNoGateway
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Gateway.IsPrivate(), candidates[j].Gateway.IsPrivate()
		if pi != pj {
			return pi
		}
		return candidates[i].Metric < candidates[j].Metric
	})
	return candidates[0], nil
}

type Locator struct {
	routes    RouteSource
	pinger    func() (Pinger, error)
	count     int
	timeout   time.Duration
	statistic string
	logger    util.Logger
}

func NewLocator(cfg config.GatewayConfig, routes RouteSource, newPinger func() (Pinger, error), logger util.Logger) *Locator {
	if routes == nil {
		routes = SystemRoutes()
	}
	if newPinger == nil {
		timeout := cfg.ProbeTimeout.Duration()
		newPinger = func() (Pinger, error) { return NewICMPPinger(timeout) }
	}
	statistic := cfg.Statistic
	if statistic == "" {
		statistic = config.GatewayStatisticMedian
	}
	count := cfg.ProbeCount
	if count <= 0 {
		count = 5
	}
	return &Locator{
		routes:    routes,
		pinger:    newPinger,
		count:     count,
		timeout:   cfg.ProbeTimeout.Duration(),
		statistic: statistic,
		logger:    logger,
	}
}

// Locate resolves the default gateway without probing it.
func (l *Locator) Locate() (Route, error) {
	routes, err := l.routes.DefaultRoutes()
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}
	return SelectGateway(routes)
}

// Measure probes the gateway a fixed number of times. A missing or silent
// gateway is reported through the error with nil latency fields.
func (l *Locator) Measure(ctx context.Context) (Result, error) {
	res := Result{Statistic: l.statistic}
	route, err := l.Locate()
	if err != nil {
		return res, err
	}
	res.Gateway = route.Gateway
	res.Interface = route.Interface

	pinger, err := l.pinger()
	if err != nil {
		return res, fmt.Errorf("gateway pinger: %w", err)
	}
	defer pinger.Close()

	rtts := make([]float64, 0, l.count)
	for i := 0; i < l.count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(probeGap):
			}
		}
		res.Sent++
		rtt, err := pinger.Ping(ctx, route.Gateway, i+1)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			l.logger.Debug("gateway probe lost", "gateway", route.Gateway.String(), "seq", i+1, "error", err)
			continue
		}
		res.Received++
		rtts = append(rtts, util.Millis(rtt))
	}
	if len(rtts) == 0 {
		return res, fmt.Errorf("gateway %s unreachable", route.Gateway)
	}
	slices.Sort(rtts)
	res.MinMs = util.Float(util.Round2(rtts[0]))
	res.MedianMs = util.Float(util.Round2(median(rtts)))
	return res, nil
}

func median(sorted []float64) float64 {
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
