// Package utils provides shared parsing and formatting helpers for dptx.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAddress parses a DPCD address such as "0x202", "202h" or "514".
// A bare number is decimal; use a 0x prefix or h suffix for hex.
func ParseAddress(s string) (uint32, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	base := 0
	if strings.HasSuffix(s, "h") {
		s = strings.TrimSuffix(s, "h")
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if v > 0xffffff {
		return 0, fmt.Errorf("address 0x%x exceeds 24 bits", v)
	}
	return uint32(v), nil
}

// ParseByte parses a register value in the same notations as ParseAddress.
func ParseByte(s string) (byte, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	base := 0
	if strings.HasSuffix(s, "h") {
		s = strings.TrimSuffix(s, "h")
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte value %q: %w", s, err)
	}
	return byte(v), nil
}

// FormatHex renders data as space-separated hex bytes, 16 per line, each line
// prefixed with its DPCD address.
func FormatHex(addr uint32, data []byte) string {
	var b strings.Builder
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(&b, "%06x: % x\n", addr+uint32(i), data[i:end])
	}
	return b.String()
}
