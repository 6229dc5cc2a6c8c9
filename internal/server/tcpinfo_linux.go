//go:build linux

package server

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// kernelRTT reads the smoothed RTT the kernel keeps for conn.
func kernelRTT(conn net.Conn) (time.Duration, bool) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, false
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return 0, false
	}
	var info *unix.TCPInfo
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil || sockErr != nil || info == nil {
		return 0, false
	}
	return time.Duration(info.Rtt) * time.Microsecond, true
}
