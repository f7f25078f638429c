// Package netid extracts and classifies client IPs and request origins
// per spec §4.1 and §3. It must never fail a request: every function
// here degrades to a safe default instead of returning an error.
package netid

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Unknown is returned when no usable client IP or origin can be found.
const Unknown = "unknown"

var ipHeaders = []string{
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Forwarded-For",
	"X-Real-IP",
	"Fastly-Client-IP",
}

// ClientIP extracts the client IP by consulting, in order, the
// CF-Connecting-IP, True-Client-IP, X-Forwarded-For (first entry),
// X-Real-IP, and Fastly-Client-IP headers, falling back to the
// transport peer address. A leading "::ffff:" IPv4-mapped prefix is
// stripped. Never fails: returns Unknown on any internal error.
func ClientIP(r *http.Request) string {
	if r == nil {
		return Unknown
	}
	defer func() { recover() }()

	for _, h := range ipHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			if first, _, ok := strings.Cut(v, ","); ok {
				v = first
			}
		}
		v = strings.TrimSpace(v)
		if ip := stripV4Mapped(v); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := stripV4Mapped(host); ip != "" {
			return ip
		}
	}

	return Unknown
}

// stripV4Mapped strips a leading "::ffff:" prefix and validates the
// remainder parses as an IP; returns "" if v is not a usable address.
func stripV4Mapped(v string) string {
	v = strings.TrimPrefix(v, "::ffff:")
	if net.ParseIP(v) == nil {
		return ""
	}
	return v
}

// Origin returns the Origin header verbatim, or Unknown if absent.
func Origin(r *http.Request) string {
	if r == nil {
		return Unknown
	}
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return Unknown
}

// Class classifies an origin as Public or LocalLike per spec §3.
type Class int

const (
	LocalLike Class = iota
	Public
)

var (
	// labelRe matches one DNS label: letters/digits/hyphens, not
	// hyphen-bounded, max 63 chars.
	labelRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
	tldRe   = regexp.MustCompile(`^[a-zA-Z]{2,}$`)

	localSuffixes = []string{".local", ".internal", ".lan", ".home", ".localhost"}
)

// Classify implements the LocalLike test from spec §3: empty,
// localhost[.*], any RFC1918 IPv4, loopback IPv4/IPv6, a value
// containing a port, a reserved local suffix, an extension/file://
// scheme, or a structurally invalid hostname are all LocalLike.
// Everything else is Public.
func Classify(origin string) Class {
	if origin == "" || origin == Unknown {
		return LocalLike
	}

	host := hostOf(origin)
	if host == "" {
		return LocalLike
	}

	lower := strings.ToLower(host)

	if lower == "localhost" || strings.HasPrefix(lower, "localhost.") {
		return LocalLike
	}

	if strings.HasPrefix(strings.ToLower(origin), "chrome-extension://") ||
		strings.HasPrefix(strings.ToLower(origin), "moz-extension://") ||
		strings.HasPrefix(strings.ToLower(origin), "file://") {
		return LocalLike
	}

	if ip := net.ParseIP(lower); ip != nil {
		if ip.IsLoopback() || isRFC1918(ip) {
			return LocalLike
		}
		// A bare public IP address has no DNS-label structure to
		// validate; treat it as Public since it is neither loopback
		// nor private.
		return Public
	}

	for _, suffix := range localSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return LocalLike
		}
	}

	if !validHostname(lower) {
		return LocalLike
	}

	return Public
}

// hostOf strips a scheme and any path/query, and reports whether the
// remaining authority section contains a port (which also makes the
// origin LocalLike per spec). If a port is present, hostOf returns ""
// to force a LocalLike classification.
func hostOf(origin string) string {
	s := origin
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}
	if s == "" {
		return ""
	}

	// IPv6 literal in brackets, optionally with a port.
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return ""
		}
		if strings.HasPrefix(s[end+1:], ":") {
			return ""
		}
		return s[1:end]
	}

	if strings.Contains(s, ":") {
		// host:port — per spec, any origin containing a port is
		// LocalLike, so we deliberately do not strip it off here.
		return ""
	}
	return s
}

func isRFC1918(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}

func validHostname(host string) bool {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") {
			return false
		}
		if !labelRe.MatchString(l) {
			return false
		}
	}
	tld := labels[len(labels)-1]
	return tldRe.MatchString(tld)
}
