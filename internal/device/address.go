package device

import (
	"net"
	"strings"
)

// NormalizeAddress returns the canonical form of a peripheral address: MAC
// addresses upper-case with colons, CoreBluetooth identifiers lower-case.
func NormalizeAddress(address string) string {
	if normalized, ok := ParseAddress(address); ok {
		return normalized
	}
	return strings.TrimSpace(address)
}

// ParseAddress accepts a 48-bit MAC ("AA:BB:CC:DD:EE:FF" or dash separated) or
// a CoreBluetooth peripheral identifier (a 128-bit UUID).
func ParseAddress(address string) (string, bool) {
	s := strings.TrimSpace(address)
	if mac, err := net.ParseMAC(s); err == nil && len(mac) == 6 {
		return strings.ToUpper(mac.String()), true
	}
	if u := NormalizeUUID(s); len(u) == 32 && isHex(u) {
		return strings.ToLower(s), true
	}
	return "", false
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
