package discovery

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sighting is one host observed during a scan.
type Sighting struct {
	IP        net.IP
	MAC       net.HardwareAddr
	Interface string
	IsLocal   bool
}

// Registry is the device arena. Records are addressed by a stable ID and
// reconciled by hardware address; the IP index points at the hardware
// address seen most recently for that IP.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	byMAC   map[string]string
	byIP    map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		byMAC:   make(map[string]string),
		byIP:    make(map[string]string),
	}
}

// Load seeds the arena with persisted devices. Loaded devices start
// offline until a scan sees them again.
func (r *Registry) Load(devices []Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].LastSeen.Before(devices[j].LastSeen)
	})
	for _, d := range devices {
		if d.ID == "" || d.MAC == "" {
			continue
		}
		d.Online = false
		dev := d
		r.devices[d.ID] = &dev
		r.byMAC[d.MAC] = d.ID
		if d.IP != "" {
			r.byIP[d.IP] = d.ID
		}
	}
}

// Observe inserts or refreshes the device owning s.MAC and reports
// whether it was created.
func (r *Registry) Observe(s Sighting, now time.Time) (Device, bool) {
	mac := s.MAC.String()
	ip := s.IP.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byMAC[mac]
	var dev *Device
	if ok {
		dev = r.devices[id]
		if dev.IP != ip && r.byIP[dev.IP] == id {
			delete(r.byIP, dev.IP)
		}
	} else {
		dev = &Device{
			ID:        uuid.NewString(),
			MAC:       mac,
			Medium:    MediumUnknown,
			FirstSeen: now,
		}
		r.devices[dev.ID] = dev
		r.byMAC[mac] = dev.ID
	}
	dev.IP = ip
	dev.IsLocal = s.IsLocal
	dev.Online = true
	dev.LastSeen = now
	if s.Interface != "" {
		dev.Interface = s.Interface
	}
	r.byIP[ip] = dev.ID
	return *dev, !ok
}

// Apply runs fn against the record with the given ID under the write lock.
func (r *Registry) Apply(id string, fn func(*Device) error) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	next := *dev
	if err := fn(&next); err != nil {
		return Device{}, err
	}
	*dev = next
	return next, nil
}

// MarkOffline flags every device whose ID is not in seen.
func (r *Registry) MarkOffline(seen map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, dev := range r.devices {
		if _, ok := seen[id]; !ok {
			dev.Online = false
		}
	}
}

func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

func (r *Registry) ByIP(ip string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIP[ip]
	if !ok {
		return Device{}, false
	}
	return *r.devices[id], true
}

// Local returns the most recently seen record for the monitoring host.
func (r *Registry) Local() (Device, bool) {
	var found Device
	var ok bool
	for _, d := range r.List() {
		if d.IsLocal {
			found, ok = d, true
			break
		}
	}
	return found, ok
}

// List returns copies ordered by last sighting, newest first.
func (r *Registry) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].IP < out[j].IP
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
