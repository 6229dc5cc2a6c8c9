package storage

import (
	"encoding/json"

	"github.com/NodePath81/homenet/internal/discovery"
	"github.com/NodePath81/homenet/internal/orchestrator"
)

func deviceToModel(d discovery.Device) DeviceModel {
	return DeviceModel{
		ID:           d.ID,
		MAC:          d.MAC,
		IP:           d.IP,
		Hostname:     d.Hostname,
		FriendlyName: d.FriendlyName,
		Medium:       string(d.Medium),
		UserMedium:   string(d.UserMedium),
		Vendor:       d.Vendor,
		Interface:    d.Interface,
		IsLocal:      d.IsLocal,
		FirstSeen:    d.FirstSeen.UTC(),
		LastSeen:     d.LastSeen.UTC(),
	}
}

// deviceFromModel restores a record as offline; presence is decided by the
// next scan.
func deviceFromModel(m DeviceModel) discovery.Device {
	return discovery.Device{
		ID:           m.ID,
		MAC:          m.MAC,
		IP:           m.IP,
		Hostname:     m.Hostname,
		FriendlyName: m.FriendlyName,
		Medium:       discovery.Medium(m.Medium),
		UserMedium:   discovery.Medium(m.UserMedium),
		Vendor:       m.Vendor,
		Interface:    m.Interface,
		IsLocal:      m.IsLocal,
		FirstSeen:    m.FirstSeen,
		LastSeen:     m.LastSeen,
	}
}

func resultToModel(r orchestrator.Result) MeasurementModel {
	m := MeasurementModel{
		ID:             r.ID,
		DeviceID:       r.DeviceID,
		Target:         r.Target,
		Timestamp:      r.Timestamp.UTC(),
		DownloadMbps:   r.DownloadMbps,
		UploadMbps:     r.UploadMbps,
		PingMs:         r.PingMs,
		JitterMs:       r.JitterMs,
		PacketLoss:     r.PacketLoss,
		PingDownloadMs: r.PingDownloadMs,
		PingUploadMs:   r.PingUploadMs,
		GatewayPingMs:  r.GatewayPingMs,
		LocalLatencyMs: r.LocalLatencyMs,
		Grade:          r.Grade,
	}
	if len(r.Errors) > 0 {
		if raw, err := json.Marshal(r.Errors); err == nil {
			m.Errors = string(raw)
		}
	}
	return m
}

func resultFromModel(m MeasurementModel) orchestrator.Result {
	r := orchestrator.Result{
		ID:             m.ID,
		DeviceID:       m.DeviceID,
		Target:         m.Target,
		Timestamp:      m.Timestamp,
		DownloadMbps:   m.DownloadMbps,
		UploadMbps:     m.UploadMbps,
		PingMs:         m.PingMs,
		JitterMs:       m.JitterMs,
		PacketLoss:     m.PacketLoss,
		PingDownloadMs: m.PingDownloadMs,
		PingUploadMs:   m.PingUploadMs,
		GatewayPingMs:  m.GatewayPingMs,
		LocalLatencyMs: m.LocalLatencyMs,
		Grade:          m.Grade,
	}
	if m.Errors != "" {
		_ = json.Unmarshal([]byte(m.Errors), &r.Errors)
	}
	return r
}
