package discovery

import (
	"fmt"
	"net"
	"strings"

	"github.com/NodePath81/homenet/internal/config"
)

// Candidate is what a strategy sees: the reconciled device plus the host
// interface it was found on, when that interface belongs to this machine.
type Candidate struct {
	Device Device
	Iface  *Interface
}

// Strategy returns a medium when it has an opinion, false otherwise.
type Strategy interface {
	Name() string
	Classify(c Candidate) (Medium, bool)
}

// Classifier evaluates strategies in order; the first opinion wins.
type Classifier struct {
	strategies []Strategy
}

func NewClassifier(strategies ...Strategy) *Classifier {
	return &Classifier{strategies: strategies}
}

// ClassifierFromConfig builds the ordered strategy list named in config.
func ClassifierFromConfig(names []string, vendors *VendorLookup) (*Classifier, error) {
	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case config.ClassifierOverride:
			strategies = append(strategies, OverrideStrategy{})
		case config.ClassifierLocal:
			strategies = append(strategies, LocalStrategy{})
		case config.ClassifierVendor:
			strategies = append(strategies, VendorStrategy{Lookup: vendors})
		case config.ClassifierHostname:
			strategies = append(strategies, HostnameStrategy{})
		default:
			return nil, fmt.Errorf("unknown classifier %q", name)
		}
	}
	return NewClassifier(strategies...), nil
}

func (c *Classifier) Classify(cand Candidate) Medium {
	for _, s := range c.strategies {
		if m, ok := s.Classify(cand); ok {
			return m
		}
	}
	return MediumUnknown
}

type OverrideStrategy struct{}

func (OverrideStrategy) Name() string { return config.ClassifierOverride }

func (OverrideStrategy) Classify(c Candidate) (Medium, bool) {
	return c.Device.UserMedium, c.Device.UserMedium != ""
}

// LocalStrategy classifies the monitoring host by the interface it uses.
type LocalStrategy struct{}

func (LocalStrategy) Name() string { return config.ClassifierLocal }

func (LocalStrategy) Classify(c Candidate) (Medium, bool) {
	if !c.Device.IsLocal || c.Iface == nil {
		return "", false
	}
	if c.Iface.Wireless {
		return MediumWiFi, true
	}
	return MediumLAN, true
}

type VendorStrategy struct {
	Lookup *VendorLookup
}

func (VendorStrategy) Name() string { return config.ClassifierVendor }

func (s VendorStrategy) Classify(c Candidate) (Medium, bool) {
	if s.Lookup == nil {
		return "", false
	}
	mac, err := net.ParseMAC(c.Device.MAC)
	if err != nil {
		return "", false
	}
	return s.Lookup.Hint(mac, c.Device.Vendor)
}

var (
	wifiHostnameKeywords = []string{
		"phone", "ipad", "iphone", "android", "tablet", "mobile",
		"galaxy", "pixel", "oneplus", "xiaomi", "huawei", "oppo",
		"laptop", "macbook", "surface", "chromebook",
	}
	lanHostnameKeywords = []string{
		"nas", "server", "switch", "router", "gateway", "printer",
		"desktop", "workstation", "pc-", "-pc", "tower",
	}
)

// HostnameStrategy matches well-known words in the resolved hostname.
// Wireless keywords are checked first.
type HostnameStrategy struct{}

func (HostnameStrategy) Name() string { return config.ClassifierHostname }

func (HostnameStrategy) Classify(c Candidate) (Medium, bool) {
	name := strings.ToLower(c.Device.Hostname)
	if name == "" {
		return "", false
	}
	for _, k := range wifiHostnameKeywords {
		if strings.Contains(name, k) {
			return MediumWiFi, true
		}
	}
	for _, k := range lanHostnameKeywords {
		if strings.Contains(name, k) {
			return MediumLAN, true
		}
	}
	return "", false
}
