package util

import (
	"net"
	"strings"
)

// HostClass is the security classification of an authority host.
type HostClass int

const (
	// HostPublic is a DNS name or a publicly routable address.
	HostPublic HostClass = iota
	// HostLoopback is localhost, 127.0.0.0/8 or ::1.
	HostLoopback
	// HostPrivate is an RFC 1918 or ULA address.
	HostPrivate
	// HostLinkLocal is 169.254.0.0/16 or fe80::/10 (cloud metadata services live here).
	HostLinkLocal
	// HostUnspecified is 0.0.0.0, :: or an empty host.
	HostUnspecified
)

// String returns the classification name used in error messages.
func (c HostClass) String() string {
	switch c {
	case HostPublic:
		return "public"
	case HostLoopback:
		return "loopback"
	case HostPrivate:
		return "private"
	case HostLinkLocal:
		return "link_local"
	case HostUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyHost classifies a hostname as returned by url.URL.Hostname().
// DNS names other than localhost are treated as public; no resolution happens.
func ClassifyHost(host string) HostClass {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return HostUnspecified
	}
	if strings.EqualFold(host, "localhost") {
		return HostLoopback
	}

	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return HostPublic
	case ip.IsUnspecified():
		return HostUnspecified
	case ip.IsLoopback():
		return HostLoopback
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return HostLinkLocal
	case ip.IsPrivate():
		return HostPrivate
	default:
		return HostPublic
	}
}
