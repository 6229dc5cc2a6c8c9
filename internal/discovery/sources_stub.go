//go:build !linux

package discovery

import (
	"context"
	"errors"
	"net"
)

var errNeighborsUnsupported = errors.New("neighbor table not supported on this platform")

type unsupportedNeighbors struct{}

type stdInterfaces struct{}

func SystemNeighbors() NeighborSource {
	return unsupportedNeighbors{}
}

func SystemInterfaces() InterfaceSource {
	return stdInterfaces{}
}

func (unsupportedNeighbors) Neighbors(context.Context) ([]Neighbor, error) {
	return nil, errNeighborsUnsupported
}

func (stdInterfaces) Interfaces(ctx context.Context) ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Interface
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		iface := Interface{Name: ifc.Name, Index: ifc.Index, MAC: ifc.HardwareAddr, Wireless: isWireless(ifc.Name)}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				iface.Addrs = append(iface.Addrs, ipnet)
			}
		}
		if len(iface.Addrs) > 0 {
			out = append(out, iface)
		}
	}
	return out, ctx.Err()
}
