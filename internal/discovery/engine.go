package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/metrics"
	"github.com/NodePath81/homenet/internal/orchestrator"
	"github.com/NodePath81/homenet/internal/util"
	"golang.org/x/sync/errgroup"
)

const resolveWorkers = 8

// Store persists device records so IDs survive restarts.
type Store interface {
	SaveDevice(ctx context.Context, d Device) error
	LoadDevices(ctx context.Context) ([]Device, error)
}

// History returns a device's measurements, newest first.
type History interface {
	DeviceMeasurements(ctx context.Context, deviceID string, limit int) ([]orchestrator.Result, error)
}

type HostnameResolver interface {
	Hostname(ctx context.Context, ip string) string
}

// Options overrides the system sources. Nil fields use the platform
// default or, for Store and History, disable the feature.
type Options struct {
	Neighbors  NeighborSource
	Interfaces InterfaceSource
	Sweeper    Sweeper
	Resolver   HostnameResolver
	Vendors    *VendorLookup
	Store      Store
	History    History
	Metrics    *metrics.Metrics
}

type Detail struct {
	Device
	Stats   HistoryStats          `json:"stats"`
	History []orchestrator.Result `json:"measurements"`
}

type HistoryStats struct {
	TotalTests   int      `json:"total_tests"`
	BestDownload *float64 `json:"best_download"`
	BestUpload   *float64 `json:"best_upload"`
	AvgPing      *float64 `json:"avg_ping"`
	AvgJitter    *float64 `json:"avg_jitter"`
}

// Summary counts discovered peers; the monitoring host is not included.
type Summary struct {
	Devices  int       `json:"total_devices"`
	Online   int       `json:"online_devices"`
	LAN      int       `json:"lan_devices"`
	WiFi     int       `json:"wifi_devices"`
	Unknown  int       `json:"unknown_devices"`
	LastScan time.Time `json:"last_scan,omitempty"`
}

type Engine struct {
	cfg        config.DiscoveryConfig
	registry   *Registry
	neighbors  NeighborSource
	interfaces InterfaceSource
	sweeper    Sweeper
	resolver   HostnameResolver
	vendors    *VendorLookup
	classifier *Classifier
	store      Store
	history    History
	metrics    *metrics.Metrics
	logger     util.Logger

	scanMu sync.Mutex

	mu       sync.RWMutex
	ifaces   map[string]Interface
	lastScan time.Time
}

func NewEngine(cfg config.DiscoveryConfig, opts Options, logger util.Logger) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		registry:   NewRegistry(),
		neighbors:  opts.Neighbors,
		interfaces: opts.Interfaces,
		sweeper:    opts.Sweeper,
		resolver:   opts.Resolver,
		vendors:    opts.Vendors,
		store:      opts.Store,
		history:    opts.History,
		metrics:    opts.Metrics,
		logger:     logger,
		ifaces:     make(map[string]Interface),
	}
	if e.neighbors == nil {
		e.neighbors = SystemNeighbors()
	}
	if e.interfaces == nil {
		e.interfaces = SystemInterfaces()
	}
	if e.sweeper == nil && cfg.Sweep.IsEnabled() {
		e.sweeper = NewSweeper(cfg.Sweep, logger)
	}
	if e.resolver == nil && cfg.ResolvesHostnames() {
		e.resolver = NewResolver(cfg.DNSServers, cfg.ResolveTimeout.Duration())
	}
	if e.vendors == nil {
		vendors, err := NewVendorLookup(cfg.OUIDatabase)
		if err != nil {
			return nil, err
		}
		e.vendors = vendors
	}
	names := cfg.Classifiers
	if len(names) == 0 {
		names = []string{config.ClassifierOverride, config.ClassifierLocal, config.ClassifierVendor}
	}
	classifier, err := ClassifierFromConfig(names, e.vendors)
	if err != nil {
		return nil, err
	}
	e.classifier = classifier
	return e, nil
}

// Load restores persisted devices into the arena.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	devices, err := e.store.LoadDevices(ctx)
	if err != nil {
		return err
	}
	e.registry.Load(devices)
	e.logger.Info("devices loaded", "count", len(devices))
	return nil
}

// Run scans once and then every configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if _, err := e.Scan(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("discovery scan failed", "error", err)
	}
	interval := e.cfg.Interval.Duration()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Scan(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("discovery scan failed", "error", err)
			}
		}
	}
}

// Scan sweeps every local subnet, re-reads the neighbor cache and
// reconciles the result into the arena. It returns the number of peers
// seen. Source failures are logged and yield a smaller (possibly empty)
// result; only cancellation is returned as an error.
func (e *Engine) Scan(ctx context.Context) (int, error) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	start := time.Now()

	ifaces, err := e.interfaces.Interfaces(ctx)
	if err != nil {
		e.logger.Warn("list interfaces failed", "error", err)
	}
	byName := make(map[string]Interface, len(ifaces))
	for _, iface := range ifaces {
		byName[iface.Name] = iface
	}

	found := make(map[string]Neighbor)
	if e.sweeper != nil && len(ifaces) > 0 {
		swept, err := e.sweep(ctx, ifaces)
		if ctx.Err() != nil {
			e.metrics.ScanFinished("cancelled", time.Since(start))
			return 0, ctx.Err()
		}
		if err != nil {
			e.logger.Warn("probe sweep failed", "error", err)
		}
		for _, nb := range swept {
			found[nb.MAC.String()] = nb
		}
	}

	neighbors, err := e.neighbors.Neighbors(ctx)
	if ctx.Err() != nil {
		e.metrics.ScanFinished("cancelled", time.Since(start))
		return 0, ctx.Err()
	}
	if err != nil {
		e.logger.Warn("read neighbor cache failed", "error", err)
	}
	for _, nb := range neighbors {
		found[nb.MAC.String()] = nb
	}

	sightings := make([]Sighting, 0, len(found)+len(ifaces))
	for _, nb := range found {
		s := Sighting{IP: nb.IP, MAC: nb.MAC, Interface: nb.Interface}
		for _, iface := range ifaces {
			if iface.Owns(nb.IP) {
				s.IsLocal = true
			}
		}
		sightings = append(sightings, s)
	}
	for _, iface := range ifaces {
		if !usableMAC(iface.MAC) {
			continue
		}
		sightings = append(sightings, Sighting{IP: iface.Addrs[0].IP, MAC: iface.MAC, Interface: iface.Name, IsLocal: true})
	}

	now := time.Now()
	seen := make(map[string]struct{}, len(sightings))
	for _, s := range sightings {
		dev, created := e.registry.Observe(s, now)
		seen[dev.ID] = struct{}{}
		if created {
			e.logger.Info("device discovered", "ip", dev.IP, "mac", dev.MAC, "local", dev.IsLocal)
		}
	}
	e.registry.MarkOffline(seen)
	hostnames := e.resolveHostnames(ctx, seen)

	peers := 0
	for id := range seen {
		dev, err := e.registry.Apply(id, func(d *Device) error {
			if name := hostnames[id]; name != "" {
				d.Hostname = name
			}
			if d.Vendor == "" {
				if mac, err := net.ParseMAC(d.MAC); err == nil {
					vendor, err := e.vendors.Vendor(ctx, mac)
					if err != nil {
						e.logger.Debug("vendor lookup failed", "mac", d.MAC, "error", err)
					}
					d.Vendor = vendor
				}
			}
			d.Medium = e.classifier.Classify(e.candidate(*d, byName))
			return nil
		})
		if err != nil {
			continue
		}
		if !dev.IsLocal {
			peers++
		}
		e.persist(ctx, dev)
	}

	e.mu.Lock()
	e.ifaces = byName
	e.lastScan = now
	e.mu.Unlock()

	elapsed := time.Since(start)
	result := "ok"
	if len(sightings) == 0 {
		result = "empty"
	}
	e.metrics.ScanFinished(result, elapsed)
	e.metrics.SetDevices(e.Summary().counts())
	e.logger.Info("discovery scan complete", "peers", peers, "total", e.registry.Len(), "elapsed", elapsed.Round(time.Millisecond))
	return peers, nil
}

func (e *Engine) sweep(ctx context.Context, ifaces []Interface) ([]Neighbor, error) {
	var all []Neighbor
	var errs []error
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			targets := SubnetHosts(addr, addr.IP, e.cfg.Sweep.MaxHosts)
			if len(targets) == 0 {
				continue
			}
			found, err := e.sweeper.Sweep(ctx, iface, addr, targets)
			all = append(all, found...)
			if err != nil {
				if ctx.Err() != nil {
					return all, ctx.Err()
				}
				errs = append(errs, err)
			}
		}
	}
	settle := e.cfg.Sweep.Settle.Duration()
	if settle > 0 {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		case <-time.After(settle):
		}
	}
	return all, errors.Join(errs...)
}

func (e *Engine) resolveHostnames(ctx context.Context, ids map[string]struct{}) map[string]string {
	out := make(map[string]string, len(ids))
	if e.resolver == nil {
		return out
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveWorkers)
	for id := range ids {
		dev, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			name := e.resolver.Hostname(gctx, dev.IP)
			if name != "" {
				mu.Lock()
				out[id] = name
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) candidate(d Device, ifaces map[string]Interface) Candidate {
	c := Candidate{Device: d}
	if d.IsLocal {
		if iface, ok := ifaces[d.Interface]; ok {
			c.Iface = &iface
		}
	}
	return c
}

func (e *Engine) persist(ctx context.Context, d Device) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveDevice(ctx, d); err != nil {
		e.logger.Warn("save device failed", "id", d.ID, "error", err)
	}
}

// List returns every known device, most recently seen first.
func (e *Engine) List() []Device {
	return e.registry.List()
}

// Get returns the device with its recent measurements and aggregates.
func (e *Engine) Get(ctx context.Context, id string) (Detail, error) {
	dev, ok := e.registry.Get(id)
	if !ok {
		return Detail{}, ErrDeviceNotFound
	}
	detail := Detail{Device: dev, History: []orchestrator.Result{}}
	if e.history == nil {
		return detail, nil
	}
	history, err := e.history.DeviceMeasurements(ctx, id, e.cfg.HistoryLimit)
	if err != nil {
		return Detail{}, err
	}
	if history != nil {
		detail.History = history
	}
	detail.Stats = Aggregate(history)
	return detail, nil
}

// Update applies user edits and reclassifies the device.
func (e *Engine) Update(ctx context.Context, id string, u Update) (Device, error) {
	var medium Medium
	if u.ConnectionType != nil {
		m, err := ParseMedium(*u.ConnectionType)
		if err != nil {
			return Device{}, err
		}
		medium = m
	}
	e.mu.RLock()
	ifaces := e.ifaces
	e.mu.RUnlock()
	dev, err := e.registry.Apply(id, func(d *Device) error {
		if u.FriendlyName != nil {
			d.FriendlyName = strings.TrimSpace(*u.FriendlyName)
		}
		if u.ConnectionType != nil {
			d.UserMedium = medium
		}
		d.Medium = e.classifier.Classify(e.candidate(*d, ifaces))
		return nil
	})
	if err != nil {
		return Device{}, err
	}
	e.persist(ctx, dev)
	e.logger.Info("device updated", "id", dev.ID, "name", dev.DisplayName(), "connection_type", dev.Medium)
	return dev, nil
}

// ResolveIP finds the device for a caller address. Loopback callers map
// to the monitoring host and IPv4-mapped IPv6 addresses are unwrapped.
func (e *Engine) ResolveIP(addr string) (Device, bool) {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimPrefix(addr, "::ffff:")
	ip := net.ParseIP(addr)
	if ip == nil {
		return Device{}, false
	}
	if ip.IsLoopback() {
		return e.registry.Local()
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return e.registry.ByIP(ip.String())
}

func (e *Engine) Summary() Summary {
	e.mu.RLock()
	s := Summary{LastScan: e.lastScan}
	e.mu.RUnlock()
	for _, d := range e.registry.List() {
		if d.IsLocal {
			continue
		}
		s.Devices++
		if d.Online {
			s.Online++
		}
		switch d.Medium {
		case MediumLAN:
			s.LAN++
		case MediumWiFi:
			s.WiFi++
		default:
			s.Unknown++
		}
	}
	return s
}

func (s Summary) counts() map[string]int {
	return map[string]int{
		string(MediumLAN):     s.LAN,
		string(MediumWiFi):    s.WiFi,
		string(MediumUnknown): s.Unknown,
	}
}

func (e *Engine) Close() error {
	return e.vendors.Close()
}

// Aggregate computes per-device statistics over a measurement history.
func Aggregate(history []orchestrator.Result) HistoryStats {
	stats := HistoryStats{TotalTests: len(history)}
	var pingSum, jitterSum float64
	var pings, jitters int
	for _, r := range history {
		stats.BestDownload = util.MaxFloat(stats.BestDownload, r.DownloadMbps)
		stats.BestUpload = util.MaxFloat(stats.BestUpload, r.UploadMbps)
		if r.PingMs != nil {
			pingSum += *r.PingMs
			pings++
		}
		if r.JitterMs != nil {
			jitterSum += *r.JitterMs
			jitters++
		}
	}
	if pings > 0 {
		stats.AvgPing = util.Float(util.Round2(pingSum / float64(pings)))
	}
	if jitters > 0 {
		stats.AvgJitter = util.Float(util.Round2(jitterSum / float64(jitters)))
	}
	return stats
}
