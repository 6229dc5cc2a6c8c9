//go:build linux

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

const arpReadSlice = 100 * time.Millisecond

var ethBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ARPSweeper broadcasts ARP requests on a packet socket and collects the
// replies that arrive before the timeout. Needs CAP_NET_RAW.
type ARPSweeper struct {
	timeout time.Duration
}

func NewARPSweeper(timeout time.Duration) *ARPSweeper {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ARPSweeper{timeout: timeout}
}

func (s *ARPSweeper) Sweep(ctx context.Context, iface Interface, addr *net.IPNet, targets []net.IP) ([]Neighbor, error) {
	src := addr.IP.To4()
	if src == nil || len(iface.MAC) != 6 {
		return nil, fmt.Errorf("arp sweep on %s: no ethernet address", iface.Name)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ARP)))
	if err != nil {
		return nil, fmt.Errorf("arp socket: %w", err)
	}
	defer unix.Close(fd)
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ARP), Ifindex: iface.Index}); err != nil {
		return nil, fmt.Errorf("arp bind %s: %w", iface.Name, err)
	}
	tv := unix.NsecToTimeval(arpReadSlice.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, fmt.Errorf("arp socket timeout: %w", err)
	}

	dst := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ARP), Ifindex: iface.Index, Halen: 6}
	copy(dst.Addr[:], ethBroadcast)
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := arpRequest(iface.MAC, src, target)
		if err != nil {
			return nil, err
		}
		if err := unix.Sendto(fd, frame, 0, dst); err != nil {
			return nil, fmt.Errorf("arp send on %s: %w", iface.Name, err)
		}
	}

	seen := make(map[string]struct{})
	var found []Neighbor
	buf := make([]byte, 1500)
	deadline := time.Now().Add(s.timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return found, fmt.Errorf("arp read on %s: %w", iface.Name, err)
		}
		nb, ok := parseARPReply(buf[:n], src)
		if !ok || !addr.Contains(nb.IP) {
			continue
		}
		if _, dup := seen[nb.IP.String()]; dup {
			continue
		}
		seen[nb.IP.String()] = struct{}{}
		nb.Interface = iface.Name
		found = append(found, nb)
	}
	return found, nil
}

func arpRequest(srcMAC net.HardwareAddr, srcIP, target net.IP) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       ethBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    target.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return nil, fmt.Errorf("build arp request: %w", err)
	}
	return buf.Bytes(), nil
}

func parseARPReply(frame []byte, self net.IP) (Neighbor, bool) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	layer := packet.Layer(layers.LayerTypeARP)
	if layer == nil {
		return Neighbor{}, false
	}
	arp := layer.(*layers.ARP)
	if arp.Operation != layers.ARPReply || !net.IP(arp.DstProtAddress).Equal(self) {
		return Neighbor{}, false
	}
	mac := net.HardwareAddr(append([]byte(nil), arp.SourceHwAddress...))
	if !usableMAC(mac) {
		return Neighbor{}, false
	}
	return Neighbor{IP: net.IP(append([]byte(nil), arp.SourceProtAddress...)).To4(), MAC: mac}, true
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
