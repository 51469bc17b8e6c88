package egress

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// Stage identifies where a destination was rejected.
type Stage string

const (
	StageFormat     Stage = "format"
	StageResolution Stage = "resolution"
)

// ErrBlockedDestination matches every RejectedError.
var ErrBlockedDestination = errors.New("egress: destination not allowed")

// RejectedError explains why a destination was refused.
type RejectedError struct {
	Stage  Stage
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("egress: destination rejected at %s: %s", e.Stage, e.Reason)
}

// Is matches ErrBlockedDestination.
func (e *RejectedError) Is(target error) bool { return target == ErrBlockedDestination }

func reject(stage Stage, format string, args ...any) error {
	return &RejectedError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata":                 {},
	"metadata.google.internal": {},
	"instance-data":            {},
	"kubernetes":               {},
	"kubernetes.default":       {},
}

var blockedSuffixes = []string{
	".localhost",
	".local",
	".internal",
	".cluster.local",
	".svc",
	".localdomain",
	".home.arpa",
}

// Ranges netip's predicates do not cover.
var reservedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
)

func mustPrefixes(values ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		out = append(out, netip.MustParsePrefix(v))
	}
	return out
}

// Blocked reports whether addr is loopback, private, link-local, multicast,
// unspecified or otherwise reserved.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// checkFormat runs the checks that need no network access and returns the
// parsed URL.
func checkFormat(raw string, production bool) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, reject(StageFormat, "empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, reject(StageFormat, "unparseable url")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if production {
			return nil, reject(StageFormat, "https required")
		}
	default:
		return nil, reject(StageFormat, "unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, reject(StageFormat, "credentials in url")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, reject(StageFormat, "missing host")
	}
	if _, ok := blockedHosts[host]; ok {
		return nil, reject(StageFormat, "blocked hostname")
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil, reject(StageFormat, "blocked hostname suffix")
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil && Blocked(addr) {
		return nil, reject(StageFormat, "private or reserved address")
	}
	return u, nil
}

