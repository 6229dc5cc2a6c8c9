//go:build linux

package gateway

import (
	"github.com/vishvananda/netlink"
)

type netlinkRoutes struct{}

// SystemRoutes reads IPv4 default routes from the kernel routing table.
func SystemRoutes() RouteSource {
	return netlinkRoutes{}
}

func (netlinkRoutes) DefaultRoutes() ([]Route, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	var out []Route
	for _, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 || !r.Dst.IP.IsUnspecified() {
				continue
			}
		}
		gw, linkIndex := r.Gw, r.LinkIndex
		if gw == nil && len(r.MultiPath) > 0 {
			gw, linkIndex = r.MultiPath[0].Gw, r.MultiPath[0].LinkIndex
		}
		if gw == nil {
			continue
		}
		route := Route{Gateway: gw, Metric: r.Priority}
		if link, err := netlink.LinkByIndex(linkIndex); err == nil {
			route.Interface = link.Attrs().Name
		}
		out = append(out, route)
	}
	if len(out) == 0 {
		return nil, ErrNoGateway
	}
	return out, nil
}
