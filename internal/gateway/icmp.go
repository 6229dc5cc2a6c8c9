package gateway

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// ICMPPinger sends IPv4 echo requests. It prefers a raw socket and falls
// back to an unprivileged datagram socket, where the kernel owns the echo ID.
type ICMPPinger struct {
	timeout    time.Duration
	privileged bool
	id         int

	mu   sync.Mutex
	conn *icmp.PacketConn
	buf  []byte
}

func NewICMPPinger(timeout time.Duration) (*ICMPPinger, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	p := &ICMPPinger{timeout: timeout, id: rand.IntN(0xffff), buf: make([]byte, 1500)}
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err == nil {
		p.conn = conn
		p.privileged = true
		return p, nil
	}
	conn, uerr := icmp.ListenPacket("udp4", "0.0.0.0")
	if uerr != nil {
		return nil, errors.Join(err, uerr)
	}
	p.conn = conn
	return p, nil
}

func (p *ICMPPinger) Privileged() bool {
	return p.privileged
}

func (p *ICMPPinger) Ping(ctx context.Context, ip net.IP, seq int) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq & 0xffff,
			Data: []byte("homenet"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	var dst net.Addr = &net.IPAddr{IP: ip}
	if !p.privileged {
		dst = &net.UDPAddr{IP: ip}
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if _, err := p.conn.WriteTo(payload, dst); err != nil {
		return 0, err
	}
	for {
		n, peer, err := p.conn.ReadFrom(p.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, err
		}
		if !peerIs(peer, ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(protocolICMP, p.buf[:n])
		if err != nil || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq&0xffff {
			continue
		}
		if p.privileged && echo.ID != p.id {
			continue
		}
		return time.Since(start), nil
	}
}

func (p *ICMPPinger) Close() error {
	return p.conn.Close()
}

func peerIs(peer net.Addr, ip net.IP) bool {
	switch a := peer.(type) {
	case *net.IPAddr:
		return a.IP == nil || a.IP.Equal(ip)
	case *net.UDPAddr:
		return a.IP == nil || a.IP.Equal(ip)
	default:
		return true
	}
}
