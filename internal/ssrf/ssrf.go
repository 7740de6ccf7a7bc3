// Package ssrf guards outbound fetches of remotely supplied URLs from
// reaching loopback, private, or link-local destinations.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
)

// blockedHosts never leave the machine or the provider's metadata plane.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// BlockedError reports a host refused by the guard.
type BlockedError struct {
	Host string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked host %q", e.Host)
}

// CheckHost rejects hostnames naming local or internal resources.
// Literal IPs are checked directly; names are checked by suffix only,
// since resolution happens at dial time where control catches the
// resolved addresses.
func CheckHost(host string) error {
	h := normalize(host)
	if h == "" {
		return fmt.Errorf("empty host")
	}
	if blockedHosts[h] {
		return &BlockedError{Host: host}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(h, suffix) {
			return &BlockedError{Host: host}
		}
	}
	if addr, err := netip.ParseAddr(h); err == nil && !isPublic(addr) {
		return &BlockedError{Host: host}
	}
	return nil
}

// control runs after DNS resolution on every dial attempt, so names
// resolving to private ranges are caught here.
func control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("unparseable dial address %q", address)
	}
	if !isPublic(addr) {
		return &BlockedError{Host: host}
	}
	return nil
}

// Transport returns an http.Transport that refuses to dial non-public
// addresses.
func Transport() *http.Transport {
	dialer := &net.Dialer{Control: control}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			if host, _, err := net.SplitHostPort(address); err == nil {
				if err := CheckHost(host); err != nil {
					return nil, err
				}
			}
			return dialer.DialContext(ctx, network, address)
		},
	}
}

func normalize(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

func isPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	// Carrier-grade NAT, which IsPrivate does not cover.
	if addr.Is4() {
		b := addr.As4()
		if b[0] == 100 && b[1] >= 64 && b[1] <= 127 {
			return false
		}
	}
	return true
}
