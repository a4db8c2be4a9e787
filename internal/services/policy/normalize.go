// -----------------------------------------------------------------------
// URL Policy - normalization
// -----------------------------------------------------------------------

package policy

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

// EnsureScheme prepends https:// when the submitted URL carries no scheme,
// so "example.com/page" submissions parse.
func EnsureScheme(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return trimmed
	}
	if strings.Contains(trimmed, "://") {
		return trimmed
	}
	return "https://" + trimmed
}

// Normalize canonicalizes a URL for deduplication and scoping: scheme and
// host are lowered, default ports stripped, dot segments resolved, and the
// fragment dropped. A trailing slash is preserved exactly as given. When
// stripQuery is set the query string is removed as well.
//
// Normalize is idempotent: Normalize(Normalize(u)) == Normalize(u).
func Normalize(rawURL string, stripQuery bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url missing scheme or host: %s", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Hostname())
	switch port := u.Port(); {
	case port != "" && !isDefaultPort(u.Scheme, port):
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		// Bare IPv6 literal keeps its brackets.
		host = "[" + host + "]"
	}
	u.Host = host

	if u.Path != "" {
		hadSlash := strings.HasSuffix(u.Path, "/")
		cleaned := path.Clean(u.Path)
		if cleaned == "." {
			cleaned = ""
		}
		if hadSlash && !strings.HasSuffix(cleaned, "/") {
			cleaned += "/"
		}
		u.Path = cleaned
		u.RawPath = ""
	}

	u.Fragment = ""
	u.RawFragment = ""
	if stripQuery {
		u.RawQuery = ""
	}

	return u.String(), nil
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	}
	return false
}

// ValidHost reports whether a URL names a fetchable host: an IP literal,
// localhost, or a dotted name whose final label looks like a TLD. Single
// label hosts like "https://foo" are rejected before any fetch is tried.
func ValidHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	if host == "localhost" || net.ParseIP(host) != nil {
		return true
	}
	i := strings.LastIndex(host, ".")
	if i < 1 || i == len(host)-1 {
		return false
	}
	tld := host[i+1:]
	if len(tld) < 2 {
		return false
	}
	if strings.HasPrefix(tld, "xn--") {
		return true
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// PathSegments counts non-empty path segments: "/" has 0, "/a" and "/a/"
// both have 1.
func PathSegments(p string) int {
	n := 0
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			n++
		}
	}
	return n
}
