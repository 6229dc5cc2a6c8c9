//go:build !linux

package discovery

import (
	"context"
	"errors"
	"net"
	"time"
)

var errARPUnsupported = errors.New("arp sweep not supported on this platform")

type ARPSweeper struct{}

func NewARPSweeper(time.Duration) *ARPSweeper {
	return &ARPSweeper{}
}

func (*ARPSweeper) Sweep(context.Context, Interface, *net.IPNet, []net.IP) ([]Neighbor, error) {
	return nil, errARPUnsupported
}
