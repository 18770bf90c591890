package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes that supports human-readable parsing in
// configuration files and environment variables.
//
// Accepted forms (case-insensitive, binary base):
//   - "16MiB", "16MB", "16M" = 16 * 1024 * 1024
//   - "64KiB", "64KB", "64K" = 64 * 1024
//   - "1.5G" = 1.5 * 1024^3
//   - "65536" = raw byte count
type ByteSize int64

// Binary size units.
const (
	KiB ByteSize = 1 << (10 * (iota + 1))
	MiB
	GiB
	TiB
)

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	// Split into numeric prefix and unit suffix.
	cut := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' && r != '-' {
			cut = i
			break
		}
	}
	numPart := trimmed[:cut]
	unitPart := strings.TrimSpace(trimmed[cut:])

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number in %q: %w", s, err)
	}

	var mult ByteSize
	switch strings.ToLower(unitPart) {
	case "", "b", "byte", "bytes":
		mult = 1
	case "k", "kb", "kib":
		mult = KiB
	case "m", "mb", "mib":
		mult = MiB
	case "g", "gb", "gib":
		mult = GiB
	case "t", "tb", "tib":
		mult = TiB
	default:
		return 0, fmt.Errorf("bytesize: unknown unit %q in %q", unitPart, s)
	}

	return ByteSize(value * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for Viper/YAML support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// Int returns the size as int. Configuration bounds keep sizes well inside
// the int range on all supported platforms.
func (b ByteSize) Int() int {
	return int(b)
}

// String returns the size using the largest unit that divides it exactly,
// falling back to a raw byte count.
func (b ByteSize) String() string {
	abs := b
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= TiB && abs%TiB == 0:
		return strconv.FormatInt(int64(b/TiB), 10) + "TiB"
	case abs >= GiB && abs%GiB == 0:
		return strconv.FormatInt(int64(b/GiB), 10) + "GiB"
	case abs >= MiB && abs%MiB == 0:
		return strconv.FormatInt(int64(b/MiB), 10) + "MiB"
	case abs >= KiB && abs%KiB == 0:
		return strconv.FormatInt(int64(b/KiB), 10) + "KiB"
	default:
		return strconv.FormatInt(int64(b), 10) + "B"
	}
}
