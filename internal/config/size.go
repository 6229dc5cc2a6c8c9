package config

import (
	"fmt"
	"strings"
)

// ParseSize parses a human-readable size string to bytes.
// Supports formats: "4096", "500kb", "1mb", "64kib", "1mib" (case insensitive).
// Units: kb=1000, mb=1000000 (decimal bytes); kib=1024, mib=1048576 (binary).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	s = strings.ToLower(s)

	multiplier := int64(1)
	numStr := s

	switch {
	case strings.HasSuffix(s, "kib"):
		multiplier = 1 << 10
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "mib"):
		multiplier = 1 << 20
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "kb"):
		multiplier = 1_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "mb"):
		multiplier = 1_000_000
		numStr = s[:len(s)-2]
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	var value float64
	if _, err := fmt.Sscanf(numStr, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}

	return int64(value * float64(multiplier)), nil
}
