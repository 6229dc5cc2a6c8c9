package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/homenet/internal/discovery"
	"github.com/NodePath81/homenet/internal/orchestrator"
	"github.com/NodePath81/homenet/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "homenet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveDeviceUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dev := discovery.Device{
		ID:        "dev-1",
		MAC:       "3c:22:fb:10:20:30",
		IP:        "192.168.1.20",
		Medium:    discovery.MediumWiFi,
		Vendor:    "Apple",
		Online:    true,
		FirstSeen: seen,
		LastSeen:  seen,
	}
	require.NoError(t, s.SaveDevice(ctx, dev))

	dev.IP = "192.168.1.45"
	dev.FriendlyName = "Laptop"
	dev.UserMedium = discovery.MediumLAN
	dev.LastSeen = seen.Add(time.Hour)
	require.NoError(t, s.SaveDevice(ctx, dev))

	devices, err := s.LoadDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	got := devices[0]
	assert.Equal(t, "dev-1", got.ID)
	assert.Equal(t, "192.168.1.45", got.IP)
	assert.Equal(t, "Laptop", got.FriendlyName)
	assert.Equal(t, discovery.MediumWiFi, got.Medium)
	assert.Equal(t, discovery.MediumLAN, got.UserMedium)
	assert.True(t, got.LastSeen.Equal(seen.Add(time.Hour)))
	assert.True(t, got.FirstSeen.Equal(seen))
	assert.False(t, got.Online)
}

func TestLoadDevicesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.SaveDevice(ctx, discovery.Device{ID: "a", MAC: "aa:00:00:00:00:01", LastSeen: now.Add(-time.Hour)}))
	require.NoError(t, s.SaveDevice(ctx, discovery.Device{ID: "b", MAC: "aa:00:00:00:00:02", LastSeen: now}))

	devices, err := s.LoadDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "b", devices[0].ID)
	assert.Equal(t, "a", devices[1].ID)
}

func result(id, device string, at time.Time, download *float64) orchestrator.Result {
	return orchestrator.Result{
		ID:           id,
		DeviceID:     device,
		Target:       "192.168.1.2:5201",
		Timestamp:    at,
		DownloadMbps: download,
		PingMs:       util.Float(2.5),
		Grade:        "A",
	}
}

func TestMeasurementsRoundTripNullableFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := result("m-1", "dev-1", at, nil)
	r.Grade = orchestrator.GradeUnknown
	r.Errors = []string{"download: phase deadline exceeded"}
	require.NoError(t, s.SaveResult(ctx, r))

	got, err := s.DeviceMeasurements(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].DownloadMbps)
	assert.Nil(t, got[0].UploadMbps)
	require.NotNil(t, got[0].PingMs)
	assert.Equal(t, 2.5, *got[0].PingMs)
	assert.Equal(t, "?", got[0].Grade)
	assert.Equal(t, r.Errors, got[0].Errors)
	assert.True(t, got[0].Timestamp.Equal(at))
}

func TestMeasurementsFilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, dev := range []string{"dev-1", "dev-2", "dev-1", "dev-1"} {
		id := "m-" + string(rune('a'+i))
		require.NoError(t, s.SaveMeasurement(ctx, result(id, dev, base.Add(time.Duration(i)*time.Hour), util.Float(float64(100+i)))))
	}

	all, err := s.Measurements(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "m-d", all[0].ID)
	assert.Equal(t, "m-a", all[3].ID)

	mine, err := s.DeviceMeasurements(ctx, "dev-1", 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "m-d", mine[0].ID)
	assert.Equal(t, "m-c", mine[1].ID)

	window, err := s.Measurements(ctx, Filter{Since: base.Add(30 * time.Minute), Until: base.Add(150 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "m-c", window[0].ID)
	assert.Equal(t, "m-b", window[1].ID)

	n, err := s.CountMeasurements(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.SaveResult(ctx, result("m-1", "", time.Now(), util.Float(10))))
	n, err := s.CountMeasurements(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
