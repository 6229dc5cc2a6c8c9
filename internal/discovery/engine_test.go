package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/orchestrator"
	"github.com/NodePath81/homenet/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticNeighbors struct {
	mu      sync.Mutex
	entries []Neighbor
	err     error
}

func (s *staticNeighbors) Neighbors(ctx context.Context) ([]Neighbor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Neighbor(nil), s.entries...), s.err
}

func (s *staticNeighbors) set(entries ...Neighbor) {
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

type staticInterfaces struct {
	ifaces []Interface
	err    error
}

func (s staticInterfaces) Interfaces(context.Context) ([]Interface, error) {
	return s.ifaces, s.err
}

type recordingSweeper struct {
	calls   int
	targets int
	found   []Neighbor
}

func (r *recordingSweeper) Sweep(ctx context.Context, iface Interface, addr *net.IPNet, targets []net.IP) ([]Neighbor, error) {
	r.calls++
	r.targets += len(targets)
	return r.found, ctx.Err()
}

type memoryStore struct {
	mu      sync.Mutex
	devices map[string]Device
	history map[string][]orchestrator.Result
}

func newMemoryStore() *memoryStore {
	return &memoryStore{devices: make(map[string]Device), history: make(map[string][]orchestrator.Result)}
}

func (m *memoryStore) SaveDevice(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
	return nil
}

func (m *memoryStore) LoadDevices(context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, nil
}

func (m *memoryStore) DeviceMeasurements(_ context.Context, id string, limit int) ([]orchestrator.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[id]
	if len(h) > limit {
		h = h[:limit]
	}
	return h, nil
}

type fixedResolver map[string]string

func (f fixedResolver) Hostname(_ context.Context, ip string) string {
	return f[ip]
}

func testDiscoveryConfig() config.DiscoveryConfig {
	off := false
	return config.DiscoveryConfig{
		ResolveHostnames: &off,
		HistoryLimit:     2,
		Sweep:            config.DiscoverySweepConfig{Enabled: &off, MaxHosts: 254},
	}
}

func hostInterface(t *testing.T) Interface {
	return Interface{
		Name:  "eth0",
		Index: 2,
		MAC:   mustMAC(t, "00:1b:21:aa:bb:cc"),
		Addrs: []*net.IPNet{mustCIDR(t, "192.168.1.10/24")},
	}
}

type engineFixture struct {
	engine    *Engine
	neighbors *staticNeighbors
	store     *memoryStore
}

func newEngineFixture(t *testing.T, opts Options) engineFixture {
	t.Helper()
	neighbors := &staticNeighbors{entries: []Neighbor{
		{IP: net.ParseIP("192.168.1.1").To4(), MAC: mustMAC(t, "00:11:32:00:00:01"), Interface: "eth0"},
		{IP: net.ParseIP("192.168.1.30").To4(), MAC: mustMAC(t, "00:1c:b3:00:00:02"), Interface: "eth0"},
		{IP: net.ParseIP("192.168.1.31").To4(), MAC: mustMAC(t, "90:00:00:00:00:03"), Interface: "eth0"},
	}}
	store := newMemoryStore()
	if opts.Neighbors == nil {
		opts.Neighbors = neighbors
	}
	if opts.Interfaces == nil {
		opts.Interfaces = staticInterfaces{ifaces: []Interface{hostInterface(t)}}
	}
	opts.Store = store
	opts.History = store
	e, err := NewEngine(testDiscoveryConfig(), opts, util.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return engineFixture{engine: e, neighbors: neighbors, store: store}
}

func TestScanClassifiesAndExcludesLocal(t *testing.T) {
	f := newEngineFixture(t, Options{Resolver: fixedResolver{"192.168.1.31": "pixel-7.lan"}})
	n, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	devices := f.engine.List()
	require.Len(t, devices, 4)
	byIP := make(map[string]Device)
	for _, d := range devices {
		byIP[d.IP] = d
	}
	assert.Equal(t, MediumLAN, byIP["192.168.1.1"].Medium)
	assert.Equal(t, "Synology", byIP["192.168.1.1"].Vendor)
	assert.Equal(t, MediumWiFi, byIP["192.168.1.30"].Medium)
	assert.Equal(t, MediumUnknown, byIP["192.168.1.31"].Medium, "hostname strategy is opt-in")
	assert.Equal(t, "pixel-7.lan", byIP["192.168.1.31"].Hostname)

	local := byIP["192.168.1.10"]
	assert.True(t, local.IsLocal)
	assert.Equal(t, MediumLAN, local.Medium)

	s := f.engine.Summary()
	assert.Equal(t, 3, s.Devices)
	assert.Equal(t, 3, s.Online)
	assert.Equal(t, 1, s.LAN)
	assert.Equal(t, 1, s.WiFi)
	assert.Equal(t, 1, s.Unknown)
	assert.False(t, s.LastScan.IsZero())

	assert.Len(t, f.store.devices, 4)
}

func TestRescanKeepsOneRecordPerHardwareAddress(t *testing.T) {
	f := newEngineFixture(t, Options{})
	_, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	before, ok := f.engine.ResolveIP("192.168.1.30")
	require.True(t, ok)

	f.neighbors.set(Neighbor{IP: net.ParseIP("192.168.1.77").To4(), MAC: mustMAC(t, "00:1c:b3:00:00:02")})
	n, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, ok := f.engine.ResolveIP("192.168.1.77")
	require.True(t, ok)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.FirstSeen, after.FirstSeen)
	assert.Len(t, f.engine.List(), 4)

	gone, ok := f.engine.ResolveIP("192.168.1.1")
	require.True(t, ok)
	assert.False(t, gone.Online, "unseen devices are kept but offline")
}

func TestScanSourceFailuresYieldEmptyResult(t *testing.T) {
	f := newEngineFixture(t, Options{
		Neighbors:  &staticNeighbors{err: errors.New("netlink: operation not permitted")},
		Interfaces: staticInterfaces{err: errors.New("no interfaces")},
	})
	n, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.engine.List())
}

func TestScanUsesSweepResults(t *testing.T) {
	sweeper := &recordingSweeper{found: []Neighbor{
		{IP: net.ParseIP("192.168.1.99").To4(), MAC: mustMAC(t, "b8:27:eb:00:00:09"), Interface: "eth0"},
	}}
	f := newEngineFixture(t, Options{Sweeper: sweeper, Neighbors: &staticNeighbors{}})
	n, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sweeper.calls)
	assert.Equal(t, 253, sweeper.targets)

	dev, ok := f.engine.ResolveIP("192.168.1.99")
	require.True(t, ok)
	assert.Equal(t, MediumLAN, dev.Medium)
	assert.Equal(t, "Raspberry Pi", dev.Vendor)
}

func TestScanCancelled(t *testing.T) {
	f := newEngineFixture(t, Options{Sweeper: &recordingSweeper{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpdateOverridesClassification(t *testing.T) {
	f := newEngineFixture(t, Options{})
	_, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	dev, _ := f.engine.ResolveIP("192.168.1.30")
	require.Equal(t, MediumWiFi, dev.Medium)

	name, lan := "  Living room TV ", "lan"
	updated, err := f.engine.Update(context.Background(), dev.ID, Update{FriendlyName: &name, ConnectionType: &lan})
	require.NoError(t, err)
	assert.Equal(t, "Living room TV", updated.FriendlyName)
	assert.Equal(t, MediumLAN, updated.Medium)
	assert.Equal(t, MediumLAN, f.store.devices[dev.ID].Medium)

	// Overrides survive the next scan.
	_, err = f.engine.Scan(context.Background())
	require.NoError(t, err)
	again, _ := f.engine.ResolveIP("192.168.1.30")
	assert.Equal(t, MediumLAN, again.Medium)
	assert.Equal(t, "Living room TV", again.DisplayName())

	none := ""
	cleared, err := f.engine.Update(context.Background(), dev.ID, Update{ConnectionType: &none})
	require.NoError(t, err)
	assert.Equal(t, MediumWiFi, cleared.Medium)

	bad := "fiber"
	_, err = f.engine.Update(context.Background(), dev.ID, Update{ConnectionType: &bad})
	assert.ErrorIs(t, err, ErrInvalidMedium)
	_, err = f.engine.Update(context.Background(), "missing", Update{FriendlyName: &name})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestResolveIP(t *testing.T) {
	f := newEngineFixture(t, Options{})
	_, err := f.engine.Scan(context.Background())
	require.NoError(t, err)

	for _, addr := range []string{"127.0.0.1", "::1", "127.0.0.1:51234"} {
		dev, ok := f.engine.ResolveIP(addr)
		require.True(t, ok, addr)
		assert.True(t, dev.IsLocal, addr)
	}
	for _, addr := range []string{"::ffff:192.168.1.30", "[::ffff:192.168.1.30]:443", "192.168.1.30"} {
		dev, ok := f.engine.ResolveIP(addr)
		require.True(t, ok, addr)
		assert.Equal(t, "192.168.1.30", dev.IP)
	}
	_, ok := f.engine.ResolveIP("192.168.1.200")
	assert.False(t, ok)
	_, ok = f.engine.ResolveIP("not-an-ip")
	assert.False(t, ok)
}

func TestGetWithHistory(t *testing.T) {
	f := newEngineFixture(t, Options{})
	_, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	dev, _ := f.engine.ResolveIP("192.168.1.30")

	f.store.history[dev.ID] = []orchestrator.Result{
		{DeviceID: dev.ID, DownloadMbps: util.Float(300), UploadMbps: util.Float(40), PingMs: util.Float(2), JitterMs: util.Float(0.5)},
		{DeviceID: dev.ID, DownloadMbps: util.Float(450), PingMs: util.Float(4)},
		{DeviceID: dev.ID, DownloadMbps: util.Float(999)},
	}
	detail, err := f.engine.Get(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, detail.ID)
	require.Len(t, detail.History, 2)
	assert.Equal(t, 2, detail.Stats.TotalTests)
	assert.Equal(t, 450.0, *detail.Stats.BestDownload)
	assert.Equal(t, 40.0, *detail.Stats.BestUpload)
	assert.Equal(t, 3.0, *detail.Stats.AvgPing)
	assert.Equal(t, 0.5, *detail.Stats.AvgJitter)

	_, err = f.engine.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestLoadRestoresIdentity(t *testing.T) {
	f := newEngineFixture(t, Options{})
	_, err := f.engine.Scan(context.Background())
	require.NoError(t, err)
	dev, _ := f.engine.ResolveIP("192.168.1.30")

	restarted, err := NewEngine(testDiscoveryConfig(), Options{
		Neighbors:  f.neighbors,
		Interfaces: staticInterfaces{ifaces: []Interface{hostInterface(t)}},
		Store:      f.store,
	}, util.Discard())
	require.NoError(t, err)
	require.NoError(t, restarted.Load(context.Background()))
	loaded, ok := restarted.ResolveIP("192.168.1.30")
	require.True(t, ok)
	assert.Equal(t, dev.ID, loaded.ID)
	assert.False(t, loaded.Online)

	_, err = restarted.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, restarted.List(), 4)
}
