//go:build !linux

package server

import (
	"net"
	"time"
)

func kernelRTT(net.Conn) (time.Duration, bool) {
	return 0, false
}
