//go:build linux

package discovery

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

const usableNeighState = netlink.NUD_REACHABLE | netlink.NUD_STALE | netlink.NUD_DELAY |
	netlink.NUD_PROBE | netlink.NUD_PERMANENT

type netlinkNeighbors struct{}

type netlinkInterfaces struct{}

// SystemNeighbors reads the IPv4 neighbor table over netlink.
func SystemNeighbors() NeighborSource {
	return netlinkNeighbors{}
}

// SystemInterfaces lists up, non-loopback links with IPv4 addresses.
func SystemInterfaces() InterfaceSource {
	return netlinkInterfaces{}
}

func (netlinkNeighbors) Neighbors(ctx context.Context) ([]Neighbor, error) {
	neighs, err := netlink.NeighList(0, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list neighbors: %w", err)
	}
	names := make(map[int]string)
	out := make([]Neighbor, 0, len(neighs))
	for _, n := range neighs {
		if n.State&usableNeighState == 0 || n.IP.To4() == nil || !usableMAC(n.HardwareAddr) {
			continue
		}
		name, ok := names[n.LinkIndex]
		if !ok {
			if link, err := netlink.LinkByIndex(n.LinkIndex); err == nil {
				name = link.Attrs().Name
			}
			names[n.LinkIndex] = name
		}
		out = append(out, Neighbor{IP: n.IP.To4(), MAC: n.HardwareAddr, Interface: name})
	}
	return out, ctx.Err()
}

func (netlinkInterfaces) Interfaces(ctx context.Context) ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var out []Interface
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 || attrs.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("list addresses on %s: %w", attrs.Name, err)
		}
		iface := Interface{
			Name:     attrs.Name,
			Index:    attrs.Index,
			MAC:      attrs.HardwareAddr,
			Wireless: isWireless(attrs.Name),
		}
		for _, a := range addrs {
			if a.IPNet != nil && a.IP.To4() != nil {
				iface.Addrs = append(iface.Addrs, a.IPNet)
			}
		}
		if len(iface.Addrs) > 0 {
			out = append(out, iface)
		}
	}
	return out, ctx.Err()
}
