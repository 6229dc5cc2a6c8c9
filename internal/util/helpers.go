package util

import (
	"math"
	"net"
	"strconv"
	"time"
)

func FormatPort(port int) string {
	return strconv.Itoa(port)
}

// NetJoin formats host and port as a dialable address, bracketing IPv6 hosts.
func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// BoolValue returns the value of a *bool pointer, or the fallback if nil.
func BoolValue(ptr *bool, fallback bool) bool {
	if ptr == nil {
		return fallback
	}
	return *ptr
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// FloatValue dereferences ptr, or returns fallback if nil.
func FloatValue(ptr *float64, fallback float64) float64 {
	if ptr == nil {
		return fallback
	}
	return *ptr
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// MaxFloat returns the larger of two optional values; nil when both are nil.
func MaxFloat(a, b *float64) *float64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return Float(*b)
	case b == nil:
		return Float(*a)
	case *a >= *b:
		return Float(*a)
	default:
		return Float(*b)
	}
}
