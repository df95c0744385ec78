package ipmatch

import (
	"net"
	"strconv"
	"strings"
)

// Matches reports whether clientAddr falls inside entry. An entry without a
// slash is compared for exact textual equality; an entry with a slash is
// treated as CIDR. Anything that fails to parse yields no match.
func Matches(clientAddr, entry string) bool {
	clientAddr = strings.TrimSpace(clientAddr)
	entry = strings.TrimSpace(entry)
	if clientAddr == "" || entry == "" {
		return false
	}
	if !strings.Contains(entry, "/") {
		return clientAddr == entry
	}
	base, prefixRaw, ok := strings.Cut(entry, "/")
	if !ok {
		return false
	}
	prefixLen, err := strconv.Atoi(strings.TrimSpace(prefixRaw))
	if err != nil || prefixLen < 0 {
		return false
	}
	baseBytes, baseV4 := addrBytes(base)
	clientBytes, clientV4 := addrBytes(clientAddr)
	if baseBytes == nil || clientBytes == nil {
		return false
	}
	// v4 entries never match v6 clients and vice versa.
	if baseV4 != clientV4 {
		return false
	}
	if prefixLen > len(baseBytes)*8 {
		return false
	}
	return prefixMatches(clientBytes, baseBytes, prefixLen)
}

// MatchesAny reports whether clientAddr matches at least one entry.
func MatchesAny(clientAddr string, entries []string) bool {
	for _, entry := range entries {
		if Matches(clientAddr, entry) {
			return true
		}
	}
	return false
}

// addrBytes parses addr into its canonical byte form: 4 bytes for IPv4,
// 16 for IPv6 (ParseIP expands "::" shorthand). The bool reports the v4
// family.
func addrBytes(addr string) ([]byte, bool) {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return nil, false
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, true
	}
	return ip.To16(), false
}

// prefixMatches compares the top prefixLen bits of two equal-length
// addresses: whole bytes first, then the remaining partial byte under a
// mask of its top bits.
func prefixMatches(client, base []byte, prefixLen int) bool {
	fullBytes := prefixLen / 8
	for i := 0; i < fullBytes; i++ {
		if client[i] != base[i] {
			return false
		}
	}
	remaining := prefixLen % 8
	if remaining == 0 {
		return true
	}
	mask := byte(0xFF << (8 - remaining))
	return client[fullBytes]&mask == base[fullBytes]&mask
}
