// Package discovery enumerates hosts on the local network, keeps one
// record per hardware address and classifies each by connection medium.
package discovery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidMedium  = errors.New("invalid connection type")
)

type Medium string

const (
	MediumLAN     Medium = "lan"
	MediumWiFi    Medium = "wifi"
	MediumUnknown Medium = "unknown"
)

// ParseMedium accepts lan, wifi or unknown. The empty string clears a user
// override and is returned as is.
func ParseMedium(s string) (Medium, error) {
	switch m := Medium(strings.ToLower(strings.TrimSpace(s))); m {
	case MediumLAN, MediumWiFi, MediumUnknown, "":
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMedium, s)
	}
}

// Group is the display bucket. Unknown devices are listed with wireless
// ones but keep their own stored value.
func (m Medium) Group() Medium {
	if m == MediumLAN {
		return MediumLAN
	}
	return MediumWiFi
}

type Device struct {
	ID           string    `json:"id"`
	IP           string    `json:"ip"`
	MAC          string    `json:"mac"`
	Hostname     string    `json:"hostname,omitempty"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Medium       Medium    `json:"connection_type"`
	UserMedium   Medium    `json:"user_connection_type,omitempty"`
	Vendor       string    `json:"vendor,omitempty"`
	Interface    string    `json:"interface,omitempty"`
	IsLocal      bool      `json:"is_local"`
	Online       bool      `json:"online"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

func (d Device) DisplayName() string {
	switch {
	case d.FriendlyName != "":
		return d.FriendlyName
	case d.Hostname != "":
		return d.Hostname
	default:
		return d.IP
	}
}

// Update carries user edits. Nil fields are left untouched.
type Update struct {
	FriendlyName   *string `json:"friendly_name"`
	ConnectionType *string `json:"connection_type"`
}
