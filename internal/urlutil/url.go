package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrInvalidURL is returned for addresses that cannot be crawled: unparseable
// input, missing host, or a scheme other than http/https.
var ErrInvalidURL = errors.New("invalid URL")

// Normalize canonicalises an absolute http(s) URL so that equivalent addresses
// compare equal: lowercase scheme and host, default ports stripped, fragment
// removed, query parameters sorted by key then value, and non-root trailing
// slashes collapsed. Normalize is idempotent.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidURL)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}

	host := strings.ToLower(parsed.Host)
	host = stripDefaultPort(host, scheme)

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if parsed.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(sortQuery(parsed.RawQuery))
	}

	return b.String(), nil
}

// stripDefaultPort removes :80 for http and :443 for https.
func stripDefaultPort(host, scheme string) string {
	if scheme == "http" {
		return strings.TrimSuffix(host, ":80")
	}
	return strings.TrimSuffix(host, ":443")
}

// sortQuery re-encodes a query string with keys sorted and the values of each
// key sorted amongst themselves.
func sortQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	for _, vs := range values {
		sort.Strings(vs)
	}
	// url.Values.Encode already sorts by key.
	return values.Encode()
}

// Domain extracts the lowercased host (without port) from a URL. Returns an
// empty string when the URL cannot be parsed.
func Domain(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// SameDomain reports whether two URLs share a host.
func SameDomain(a, b string) bool {
	da, db := Domain(a), Domain(b)
	return da != "" && da == db
}

// IsSubdomain reports whether domain is a strict subdomain of parent.
func IsSubdomain(domain, parent string) bool {
	if domain == parent {
		return false
	}
	return strings.HasSuffix(domain, "."+parent)
}

// RegistrableDomain returns the eTLD+1 for a host, e.g. "shop.example.co.uk"
// becomes "example.co.uk". Hosts that are themselves a public suffix return an
// error.
func RegistrableDomain(host string) (string, error) {
	return publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
}
