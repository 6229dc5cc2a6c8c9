package sampler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/homenet/internal/protocol"
	"github.com/NodePath81/homenet/internal/util"
)

const defaultProbeTimeout = time.Second

var ErrProbeTimeout = errors.New("probe timeout")

// Prober sends one latency probe and waits for its echo.
type Prober interface {
	Probe(ctx context.Context, seq uint32) (time.Duration, error)
}

// UDPProber probes the measurement server's echo responder over a socket
// that is separate from the bulk transfer connection.
type UDPProber struct {
	timeout time.Duration

	mu   sync.Mutex
	conn *net.UDPConn
	buf  [64]byte
}

func DialUDP(ctx context.Context, target string, port int, timeout time.Duration) (*UDPProber, error) {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", util.NetJoin(target, port))
	if err != nil {
		return nil, err
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected conn type %T", conn)
	}
	return &UDPProber{conn: udpConn, timeout: timeout}, nil
}

// Probe returns the round trip of one ping. Echoes that do not match both
// the sequence number and send stamp of this ping are discarded as stale.
func (p *UDPProber) Probe(ctx context.Context, seq uint32) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	ping := protocol.NewPing(seq, start)
	if _, err := p.conn.Write(ping.MarshalTo(p.buf[:])); err != nil {
		return 0, err
	}
	for {
		n, err := p.conn.Read(p.buf[:])
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, ErrProbeTimeout
			}
			return 0, err
		}
		pong, err := protocol.ParseEcho(p.buf[:n])
		if err != nil || pong.Type != protocol.EchoPong {
			continue
		}
		if pong.Seq != seq || pong.SentUnixNano != ping.SentUnixNano {
			continue
		}
		return time.Since(start), nil
	}
}

func (p *UDPProber) Close() error {
	return p.conn.Close()
}
