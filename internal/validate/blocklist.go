package validate

import (
	"net/netip"
	"strings"
)

// DefaultBlockedHosts are metadata endpoints and loopback names that are never fetched.
var DefaultBlockedHosts = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"::1",
	"169.254.169.254",
	"metadata.google.internal",
	"metadata.azure.com",
	"instance-data",
}

// DefaultPrivateRanges are the address blocks rejected as private targets.
var DefaultPrivateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fd00::/8",
	"fe80::/10",
}

// hostBlocklist stores exact hosts plus suffix matches for named hosts.
type hostBlocklist struct {
	exact    map[string]struct{}
	addrs    map[netip.Addr]struct{}
	suffixes []string
}

func newHostBlocklist(hosts []string) *hostBlocklist {
	b := &hostBlocklist{
		exact: make(map[string]struct{}),
		addrs: make(map[netip.Addr]struct{}),
	}
	for _, raw := range hosts {
		value := strings.TrimSuffix(strings.TrimSpace(strings.ToLower(raw)), ".")
		if value == "" {
			continue
		}
		if addr, err := netip.ParseAddr(value); err == nil {
			b.addrs[addr.Unmap()] = struct{}{}
			continue
		}
		value = strings.TrimPrefix(value, "*.")
		b.exact[value] = struct{}{}
		b.addSuffix(value)
	}
	return b
}

func (b *hostBlocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host names a blocked endpoint.
func (b *hostBlocklist) IsBlocked(host string) bool {
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap().WithZone("")
		if addr.IsLoopback() || addr.IsUnspecified() {
			return true
		}
		_, blocked := b.addrs[addr]
		return blocked
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
