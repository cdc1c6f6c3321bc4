package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver derives the source address of a request.
//
// SECURITY CONSIDERATIONS:
//   - Only enable TrustProxy when the service is reachable exclusively through a
//     reverse proxy you control. Otherwise clients can choose their own address by
//     sending X-Forwarded-For, which defeats both IP binding and login lockout.
//   - X-Forwarded-For format: "client, proxy1, proxy2, ..."; every proxy appends the
//     peer it saw, so entries left of the trusted part are client-controlled.
//   - TrustedProxyCount is the number of proxies in front of the service. The client
//     is the TrustedProxyCount-th entry from the right.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the normalized client IP for r
func (c ClientIPResolver) Resolve(r *http.Request) string {
	return GetClientIP(r, c.TrustProxy, c.TrustedProxyCount)
}

// GetClientIP extracts the client IP address from the request. Forwarding headers
// are honoured only when trustProxy is set. X-Real-IP is consulted only when no
// X-Forwarded-For header is present. Anything unusable falls back to RemoteAddr.
// The result is normalized with NormalizeIP.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			if ip := ipFromForwardedFor(strings.Join(xff, ","), trustedProxyCount); ip != "" {
				return ip
			}
		} else if ip := NormalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := NormalizeIP(host); ip != "" {
		return ip
	}
	return host
}

// ipFromForwardedFor picks the client entry of an X-Forwarded-For chain.
//
// With trustedProxyCount=2 and "6.6.6.6, 1.2.3.4, 10.0.0.7" the client is
// ips[len(ips)-2] = 1.2.3.4; 6.6.6.6 was sent by the client itself. A count of 0 is
// treated as 1. A chain shorter than trustedProxyCount, or an unparsable entry,
// yields "".
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	proxies := trustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}

	ips := strings.Split(xff, ",")
	idx := len(ips) - proxies
	if idx < 0 {
		return ""
	}
	return NormalizeIP(ips[idx])
}

// NormalizeIP returns the canonical text form of an IP address, unmapping
// IPv4-in-IPv6 addresses and dropping zones, so that the same client always binds to
// the same string. It returns "" for anything that is not an IP address.
func NormalizeIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().WithZone("").String()
}

// SameIP reports whether two addresses denote the same client
func SameIP(a, b string) bool {
	na, nb := NormalizeIP(a), NormalizeIP(b)
	if na == "" || nb == "" {
		return a == b
	}
	return na == nb
}
