package discovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const randomizedVendor = "Randomized"

type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("oui database %s failed: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

type ouiEntry struct {
	vendor string
	medium Medium
}

// builtinOUI covers vendors whose devices are overwhelmingly one medium.
// Prefixes not listed here resolve through the optional registry only.
var builtinOUI = map[string]ouiEntry{
	// Apple mobile
	"00:1C:B3": {"Apple", MediumWiFi},
	"00:21:E9": {"Apple", MediumWiFi},
	"00:25:BC": {"Apple", MediumWiFi},
	"00:26:08": {"Apple", MediumWiFi},
	"00:26:B0": {"Apple", MediumWiFi},
	"00:26:BB": {"Apple", MediumWiFi},
	"04:0C:CE": {"Apple", MediumWiFi},
	"04:15:52": {"Apple", MediumWiFi},
	"04:26:65": {"Apple", MediumWiFi},
	"04:52:F3": {"Apple", MediumWiFi},
	"04:54:53": {"Apple", MediumWiFi},
	"04:DB:56": {"Apple", MediumWiFi},
	"10:93:E9": {"Apple", MediumWiFi},
	"10:9A:DD": {"Apple", MediumWiFi},
	"14:5A:05": {"Apple", MediumWiFi},
	"18:E7:F4": {"Apple", MediumWiFi},
	"1C:1A:C0": {"Apple", MediumWiFi},
	"1C:36:BB": {"Apple", MediumWiFi},
	// wireless chipsets and modules
	"00:0C:43": {"Ralink", MediumWiFi},
	"00:17:9A": {"D-Link", MediumWiFi},
	"00:1A:2B": {"Cisco-Linksys", MediumWiFi},
	"24:0A:C4": {"Espressif", MediumWiFi},
	"30:AE:A4": {"Espressif", MediumWiFi},
	"84:F3:EB": {"Espressif", MediumWiFi},
	"CC:50:E3": {"Espressif", MediumWiFi},
	// storage and infrastructure
	"00:11:32": {"Synology", MediumLAN},
	"24:5E:BE": {"QNAP", MediumLAN},
	"00:08:9B": {"QNAP", MediumLAN},
	"B8:27:EB": {"Raspberry Pi", MediumLAN},
	"DC:A6:32": {"Raspberry Pi", MediumLAN},
	"00:1B:21": {"Intel", MediumLAN},
	"00:E0:4C": {"Realtek", MediumLAN},
}

// vendorKeywords bias registry vendor names toward a medium.
var vendorKeywords = []struct {
	keyword string
	medium  Medium
}{
	{"espressif", MediumWiFi},
	{"murata", MediumWiFi},
	{"azurewave", MediumWiFi},
	{"ralink", MediumWiFi},
	{"synology", MediumLAN},
	{"qnap", MediumLAN},
	{"raspberry", MediumLAN},
}

// VendorLookup maps hardware-address prefixes to vendor names and medium
// hints. The SQLite registry is optional; the builtin table always applies.
type VendorLookup struct {
	mu     sync.Mutex
	db     *sql.DB
	lookup *sql.Stmt
	closed bool
}

// NewVendorLookup opens the registry at path, or returns a builtin-only
// lookup when path is empty.
func NewVendorLookup(path string) (*VendorLookup, error) {
	v := &VendorLookup{}
	if path == "" {
		return v, nil
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &DatabaseError{Op: "ping", Err: err}
	}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS oui_registry (
		prefix TEXT PRIMARY KEY,
		vendor TEXT NOT NULL,
		vendor_short TEXT
	);`); err != nil {
		db.Close()
		return nil, &DatabaseError{Op: "initialize_schema", Err: err}
	}
	stmt, err := db.Prepare("SELECT COALESCE(vendor_short, vendor) FROM oui_registry WHERE prefix = ?")
	if err != nil {
		db.Close()
		return nil, &DatabaseError{Op: "prepare_statement", Err: err}
	}
	v.db = db
	v.lookup = stmt
	return v, nil
}

// Vendor returns the manufacturer name for mac, "Randomized" for locally
// administered addresses and "" when nothing matched.
func (v *VendorLookup) Vendor(ctx context.Context, mac net.HardwareAddr) (string, error) {
	if len(mac) < 3 {
		return "", nil
	}
	if isRandomized(mac) {
		return randomizedVendor, nil
	}
	prefix := ouiPrefix(mac)
	if e, ok := builtinOUI[prefix]; ok {
		return e.vendor, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lookup == nil || v.closed {
		return "", nil
	}
	var vendor string
	err := v.lookup.QueryRowContext(ctx, prefix).Scan(&vendor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &DatabaseError{Op: "lookup", Err: err}
	}
	return vendor, nil
}

// Hint biases a device toward a medium from its hardware address and
// resolved vendor name. Randomized addresses come from phones and laptops
// on wireless networks.
func (v *VendorLookup) Hint(mac net.HardwareAddr, vendor string) (Medium, bool) {
	if len(mac) < 3 {
		return "", false
	}
	if isRandomized(mac) {
		return MediumWiFi, true
	}
	if e, ok := builtinOUI[ouiPrefix(mac)]; ok {
		return e.medium, true
	}
	name := strings.ToLower(vendor)
	for _, k := range vendorKeywords {
		if name != "" && strings.Contains(name, k.keyword) {
			return k.medium, true
		}
	}
	return "", false
}

// Insert adds or replaces a registry row.
func (v *VendorLookup) Insert(ctx context.Context, prefix, vendor, short string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db == nil || v.closed {
		return &DatabaseError{Op: "insert", Err: errors.New("registry not open")}
	}
	var shortVal any
	if short != "" {
		shortVal = short
	}
	_, err := v.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO oui_registry (prefix, vendor, vendor_short) VALUES (?, ?, ?)",
		normalizePrefix(prefix), vendor, shortVal)
	if err != nil {
		return &DatabaseError{Op: "insert", Err: err}
	}
	return nil
}

func (v *VendorLookup) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.db == nil {
		v.closed = true
		return nil
	}
	v.closed = true
	v.lookup.Close()
	return v.db.Close()
}

func isRandomized(mac net.HardwareAddr) bool {
	return mac[0]&0x02 != 0
}

func ouiPrefix(mac net.HardwareAddr) string {
	return fmt.Sprintf("%02X:%02X:%02X", mac[0], mac[1], mac[2])
}

func normalizePrefix(prefix string) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	prefix = strings.NewReplacer("-", ":", ".", ":").Replace(prefix)
	if len(prefix) == 6 && !strings.Contains(prefix, ":") {
		prefix = prefix[0:2] + ":" + prefix[2:4] + ":" + prefix[4:6]
	}
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return prefix
}
