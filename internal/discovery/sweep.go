package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/gateway"
	"github.com/NodePath81/homenet/internal/util"
	"golang.org/x/sync/errgroup"
)

const nudgePort = 9

// NudgeSweeper sends one ICMP echo to every target. When no ICMP socket can
// be opened it falls back to a single UDP datagram, which still makes the
// kernel resolve the address.
type NudgeSweeper struct {
	workers   int
	newPinger func() (gateway.Pinger, error)
	logger    util.Logger
}

func NewNudgeSweeper(workers int, timeout time.Duration, logger util.Logger) *NudgeSweeper {
	if workers <= 0 {
		workers = 1
	}
	return &NudgeSweeper{
		workers:   workers,
		newPinger: func() (gateway.Pinger, error) { return gateway.NewICMPPinger(timeout) },
		logger:    logger,
	}
}

func (s *NudgeSweeper) Sweep(ctx context.Context, iface Interface, _ *net.IPNet, targets []net.IP) ([]Neighbor, error) {
	pool := make(chan gateway.Pinger, s.workers)
	defer func() {
		close(pool)
		for p := range pool {
			_ = p.Close()
		}
	}()
	for i := 0; i < s.workers; i++ {
		p, err := s.newPinger()
		if err != nil {
			if i == 0 {
				s.logger.Debug("icmp sweep unavailable, using udp", "interface", iface.Name, "error", err)
				return nil, s.udpNudge(ctx, targets)
			}
			break
		}
		pool <- p
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(pool))
	for i, ip := range targets {
		g.Go(func() error {
			p := <-pool
			defer func() { pool <- p }()
			_, _ = p.Ping(gctx, ip, i+1)
			return gctx.Err()
		})
	}
	return nil, g.Wait()
}

func (s *NudgeSweeper) udpNudge(ctx context.Context, targets []net.IP) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, ip := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: ip, Port: nudgePort})
			if err != nil {
				return nil
			}
			_, _ = conn.Write([]byte{0})
			_ = conn.Close()
			return nil
		})
	}
	return g.Wait()
}

// fallbackSweeper tries each sweeper in order until one succeeds.
type fallbackSweeper struct {
	sweepers []Sweeper
	logger   util.Logger
}

func (f fallbackSweeper) Sweep(ctx context.Context, iface Interface, addr *net.IPNet, targets []net.IP) ([]Neighbor, error) {
	var errs []error
	for _, s := range f.sweepers {
		found, err := s.Sweep(ctx, iface, addr, targets)
		if err == nil {
			return found, nil
		}
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		f.logger.Debug("sweep method failed", "interface", iface.Name, "error", err)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// NewSweeper builds the sweeper for the configured method.
func NewSweeper(cfg config.DiscoverySweepConfig, logger util.Logger) Sweeper {
	timeout := cfg.Timeout.Duration()
	nudge := NewNudgeSweeper(cfg.Workers, timeout, logger)
	switch cfg.Method {
	case config.SweepMethodARP:
		return NewARPSweeper(timeout)
	case config.SweepMethodICMP:
		return nudge
	default:
		return fallbackSweeper{sweepers: []Sweeper{NewARPSweeper(timeout), nudge}, logger: logger}
	}
}
