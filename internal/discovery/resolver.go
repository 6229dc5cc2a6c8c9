package discovery

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// Resolver does reverse lookups, optionally against a fixed set of DNS
// servers used round-robin.
type Resolver struct {
	resolver *net.Resolver
	servers  []string
	next     uint32
	timeout  time.Duration
}

func NewResolver(servers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &Resolver{timeout: timeout}
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		r.servers = append(r.servers, server)
	}
	if len(r.servers) == 0 {
		r.resolver = net.DefaultResolver
		return r
	}
	r.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			idx := atomic.AddUint32(&r.next, 1)
			server := r.servers[int(idx)%len(r.servers)]
			d := net.Dialer{Timeout: r.timeout}
			return d.DialContext(ctx, "udp", server)
		},
	}
	return r
}

// Hostname returns the first PTR name for ip without the trailing dot,
// or "" when the lookup fails.
func (r *Resolver) Hostname(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	names, err := r.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}
