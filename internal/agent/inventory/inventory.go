package inventory

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
)

// Documentation prefixes are never usable as egress sources.
var docPrefixes = []netip.Prefix{
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// ULA space matches the original filter: only globally routable v6 sources
// are reported.
var ulaPrefix = netip.MustParsePrefix("fc00::/7")

// Scan enumerates local interface addresses usable as outbound source IPs.
// The result is deduplicated and lexicographically sorted, so repeated scans
// over an unchanged host compare equal. The list is advisory: an address can
// disappear mid-session, in which case binding to it simply fails.
func Scan() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()

			if !Usable(addr) {
				continue
			}

			s := addr.String()
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}

	sort.Strings(out)
	return out, nil
}

// Usable reports whether addr may serve as an egress source.
func Usable(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsUnspecified() {
		return false
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return false
	}
	if addr.Zone() != "" {
		return false
	}

	for _, p := range docPrefixes {
		if p.Contains(addr) {
			return false
		}
	}

	if addr.Is6() && ulaPrefix.Contains(addr) {
		return false
	}

	return true
}
