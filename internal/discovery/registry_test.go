package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

func TestObserveReconcilesByHardwareAddress(t *testing.T) {
	r := NewRegistry()
	mac := mustMAC(t, "3c:22:fb:10:20:30")
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	first, created := r.Observe(Sighting{IP: net.ParseIP("192.168.1.20"), MAC: mac}, t0)
	require.True(t, created)
	second, created := r.Observe(Sighting{IP: net.ParseIP("192.168.1.45"), MAC: mac}, t0.Add(time.Hour))
	require.False(t, created)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "192.168.1.45", second.IP)
	assert.Equal(t, t0, second.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour), second.LastSeen)

	_, ok := r.ByIP("192.168.1.20")
	assert.False(t, ok, "stale address must not resolve")
	got, ok := r.ByIP("192.168.1.45")
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
}

func TestIPCollisionFavoursLatestHardwareAddress(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	ip := net.ParseIP("192.168.1.50")
	a, _ := r.Observe(Sighting{IP: ip, MAC: mustMAC(t, "aa:00:00:00:00:01")}, now)
	b, _ := r.Observe(Sighting{IP: ip, MAC: mustMAC(t, "aa:00:00:00:00:02")}, now.Add(time.Minute))

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, r.Len())
	got, ok := r.ByIP(ip.String())
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)

	// The older record keeps its last known address.
	old, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, ip.String(), old.IP)

	// Once b moves on, the address resolves to neither record.
	r.Observe(Sighting{IP: net.ParseIP("192.168.1.51"), MAC: mustMAC(t, "aa:00:00:00:00:02")}, now.Add(2*time.Minute))
	_, ok = r.ByIP(ip.String())
	assert.False(t, ok)
}

func TestListNewestFirstAndLoadOffline(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Load([]Device{
		{ID: "old", MAC: "aa:00:00:00:00:01", IP: "10.0.0.2", LastSeen: now.Add(-time.Hour), Online: true},
		{ID: "new", MAC: "aa:00:00:00:00:02", IP: "10.0.0.3", LastSeen: now, Online: true},
		{ID: "", MAC: "aa:00:00:00:00:03"},
	})
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
	assert.False(t, list[0].Online)

	dev, created := r.Observe(Sighting{IP: net.ParseIP("10.0.0.9"), MAC: mustMAC(t, "aa:00:00:00:00:01")}, now.Add(time.Minute))
	assert.False(t, created)
	assert.Equal(t, "old", dev.ID)
	assert.True(t, dev.Online)

	r.MarkOffline(map[string]struct{}{"old": {}})
	got, _ := r.Get("old")
	assert.True(t, got.Online)
}

func TestApplyUnknownDevice(t *testing.T) {
	r := NewRegistry()
	_, err := r.Apply("missing", func(*Device) error { return nil })
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDisplayNameAndGroup(t *testing.T) {
	d := Device{IP: "10.0.0.5"}
	assert.Equal(t, "10.0.0.5", d.DisplayName())
	d.Hostname = "nas.lan"
	assert.Equal(t, "nas.lan", d.DisplayName())
	d.FriendlyName = "Storage"
	assert.Equal(t, "Storage", d.DisplayName())

	assert.Equal(t, MediumLAN, MediumLAN.Group())
	assert.Equal(t, MediumWiFi, MediumUnknown.Group())

	_, err := ParseMedium("fiber")
	assert.ErrorIs(t, err, ErrInvalidMedium)
	m, err := ParseMedium(" WiFi ")
	require.NoError(t, err)
	assert.Equal(t, MediumWiFi, m)
}
