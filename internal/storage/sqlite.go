// Package storage persists discovered devices and measurement results in
// SQLite through GORM.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/NodePath81/homenet/internal/discovery"
	"github.com/NodePath81/homenet/internal/orchestrator"
)

const defaultListLimit = 50

// DeviceModel is the GORM model for devices.
type DeviceModel struct {
	ID           string `gorm:"primaryKey"`
	MAC          string `gorm:"index"`
	IP           string `gorm:"index"`
	Hostname     string
	FriendlyName string
	Medium       string
	UserMedium   string
	Vendor       string
	Interface    string
	IsLocal      bool
	FirstSeen    time.Time
	LastSeen     time.Time `gorm:"index"`
}

// MeasurementModel stores one completed test. Unmeasured values are NULL.
type MeasurementModel struct {
	ID             string    `gorm:"primaryKey"`
	DeviceID       string    `gorm:"index"`
	Target         string
	Timestamp      time.Time `gorm:"index"`
	DownloadMbps   *float64
	UploadMbps     *float64
	PingMs         *float64
	JitterMs       *float64
	PacketLoss     *float64
	PingDownloadMs *float64
	PingUploadMs   *float64
	GatewayPingMs  *float64
	LocalLatencyMs *float64
	Grade          string
	Errors         string
}

// Filter narrows a measurement listing. Zero fields do not filter.
type Filter struct {
	DeviceID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// SQLiteStore implements the device store, device history and result sink
// over one database file.
type SQLiteStore struct {
	db *gorm.DB
}

// Open creates the database file if needed and migrates the schema.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&DeviceModel{}, &MeasurementModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveDevice inserts or replaces the record with the device's ID.
func (s *SQLiteStore) SaveDevice(ctx context.Context, d discovery.Device) error {
	model := deviceToModel(d)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

func (s *SQLiteStore) LoadDevices(ctx context.Context) ([]discovery.Device, error) {
	var models []DeviceModel
	if err := s.db.WithContext(ctx).Order("last_seen DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	devices := make([]discovery.Device, len(models))
	for i, m := range models {
		devices[i] = deviceFromModel(m)
	}
	return devices, nil
}

func (s *SQLiteStore) SaveMeasurement(ctx context.Context, r orchestrator.Result) error {
	model := resultToModel(r)
	return s.db.WithContext(ctx).Create(&model).Error
}

// SaveResult lets the store act as the orchestrator's result sink.
func (s *SQLiteStore) SaveResult(ctx context.Context, r orchestrator.Result) error {
	return s.SaveMeasurement(ctx, r)
}

// DeviceMeasurements returns up to limit results for a device, newest first.
func (s *SQLiteStore) DeviceMeasurements(ctx context.Context, deviceID string, limit int) ([]orchestrator.Result, error) {
	return s.Measurements(ctx, Filter{DeviceID: deviceID, Limit: limit})
}

func (s *SQLiteStore) Measurements(ctx context.Context, f Filter) ([]orchestrator.Result, error) {
	query := s.db.WithContext(ctx).Model(&MeasurementModel{})
	if f.DeviceID != "" {
		query = query.Where("device_id = ?", f.DeviceID)
	}
	if !f.Since.IsZero() {
		query = query.Where("timestamp >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query = query.Where("timestamp <= ?", f.Until.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var models []MeasurementModel
	if err := query.Order("timestamp DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	results := make([]orchestrator.Result, len(models))
	for i, m := range models {
		results[i] = resultFromModel(m)
	}
	return results, nil
}

func (s *SQLiteStore) CountMeasurements(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&MeasurementModel{}).Count(&n).Error
	return n, err
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ discovery.Store         = (*SQLiteStore)(nil)
	_ discovery.History       = (*SQLiteStore)(nil)
	_ orchestrator.ResultSink = (*SQLiteStore)(nil)
)
