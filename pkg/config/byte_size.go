package config

import (
	"encoding/json/v2"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is an int64 byte count that can be unmarshaled from
// human-readable strings like "64KiB", "16MB", or plain numbers.
type ByteSize int64

// Common byte size constants
const (
	Byte ByteSize = 1
	KB   ByteSize = 1000
	KiB  ByteSize = 1024
	MB   ByteSize = 1000 * 1000
	MiB  ByteSize = 1024 * 1024
	GB   ByteSize = 1000 * 1000 * 1000
	GiB  ByteSize = 1024 * 1024 * 1024
)

// Int64 returns the byte size as an int64.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String returns a human-readable representation.
func (b ByteSize) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return fmt.Sprintf("%dGiB", b/GiB)
	case b >= MiB && b%MiB == 0:
		return fmt.Sprintf("%dMiB", b/MiB)
	case b >= KiB && b%KiB == 0:
		return fmt.Sprintf("%dKiB", b/KiB)
	case b >= GB && b%GB == 0:
		return fmt.Sprintf("%dGB", b/GB)
	case b >= MB && b%MB == 0:
		return fmt.Sprintf("%dMB", b/MB)
	case b >= KB && b%KB == 0:
		return fmt.Sprintf("%dKB", b/KB)
	default:
		return fmt.Sprintf("%d", int64(b))
	}
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain number of bytes
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected byte size string or number, got %s", string(data))
		}
		*b = ByteSize(n)
		return nil
	}

	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseByteSize parses a human-readable byte size string like "256",
// "64KiB", or "16mb". Case insensitive. IEC units (KiB, MiB, GiB) use
// 1024; SI units (KB, MB, GB) use 1000.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	num := strings.TrimRight(s, "bBiIkKmMgG ")
	unit := strings.ToLower(strings.TrimSpace(s[len(num):]))

	n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}

	var multiplier ByteSize
	switch unit {
	case "", "b":
		multiplier = Byte
	case "k", "kb":
		multiplier = KB
	case "kib":
		multiplier = KiB
	case "m", "mb":
		multiplier = MB
	case "mib":
		multiplier = MiB
	case "g", "gb":
		multiplier = GB
	case "gib":
		multiplier = GiB
	default:
		return 0, fmt.Errorf("invalid byte size unit %q", unit)
	}

	return ByteSize(n) * multiplier, nil
}
