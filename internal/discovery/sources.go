package discovery

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Neighbor is one resolved entry of the kernel address-resolution cache.
type Neighbor struct {
	IP        net.IP
	MAC       net.HardwareAddr
	Interface string
}

type NeighborSource interface {
	Neighbors(ctx context.Context) ([]Neighbor, error)
}

// Interface is a host interface with at least one IPv4 address.
type Interface struct {
	Name     string
	Index    int
	MAC      net.HardwareAddr
	Addrs    []*net.IPNet
	Wireless bool
}

// Owns reports whether ip is one of the interface's own addresses.
func (i Interface) Owns(ip net.IP) bool {
	for _, a := range i.Addrs {
		if a.IP.Equal(ip) {
			return true
		}
	}
	return false
}

type InterfaceSource interface {
	Interfaces(ctx context.Context) ([]Interface, error)
}

// Sweeper actively probes targets on one interface subnet so idle hosts
// populate the neighbor cache before it is read. Sweepers that see replies
// directly return them.
type Sweeper interface {
	Sweep(ctx context.Context, iface Interface, addr *net.IPNet, targets []net.IP) ([]Neighbor, error)
}

// SubnetHosts lists the usable host addresses of subnet, excluding the
// network and broadcast addresses and the interface's own address. At most
// max addresses are returned.
func SubnetHosts(subnet *net.IPNet, self net.IP, max int) []net.IP {
	ip4 := subnet.IP.To4()
	if ip4 == nil {
		return nil
	}
	ones, bits := subnet.Mask.Size()
	if bits != 32 || ones > 30 {
		return nil
	}
	base := binary.BigEndian.Uint32(ip4.Mask(subnet.Mask))
	size := uint32(1) << uint(32-ones)
	hosts := make([]net.IP, 0, min(int(size-2), max))
	for off := uint32(1); off < size-1 && len(hosts) < max; off++ {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, base+off)
		if self != nil && ip.Equal(self) {
			continue
		}
		hosts = append(hosts, ip)
	}
	return hosts
}

func usableMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return false
	}
	var zero, bcast = true, true
	for _, b := range mac {
		if b != 0 {
			zero = false
		}
		if b != 0xff {
			bcast = false
		}
	}
	return !zero && !bcast
}

// isWireless checks sysfs first and falls back to the common naming
// scheme for wireless links.
func isWireless(name string) bool {
	for _, node := range []string{"wireless", "phy80211"} {
		if _, err := os.Stat(filepath.Join("/sys/class/net", name, node)); err == nil {
			return true
		}
	}
	return strings.HasPrefix(name, "wl") || strings.HasPrefix(name, "ath")
}
