package util

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// NormaliseDomain removes http/https prefix and www. from domain
func NormaliseDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "www.")
	domain = strings.TrimSuffix(domain, "/")

	return domain
}

// trimScheme drops surrounding space, the http(s) scheme and a trailing
// slash. Unlike NormaliseDomain it keeps "www.", since www and apex can be
// separate properties.
func trimScheme(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	return strings.TrimSuffix(domain, "/")
}

// ValidateHost rejects domains that cannot name a host: empty input, or
// input containing whitespace, control characters or a path separator.
// Bare hostnames such as "intranet" are valid.
func ValidateHost(domain string) error {
	domain = trimScheme(domain)
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	for _, c := range domain {
		if unicode.IsSpace(c) || unicode.IsControl(c) || c == '/' {
			return fmt.Errorf("domain contains invalid character: %q", c)
		}
	}
	return nil
}

// DomainSlug encodes a dotted domain for use in URL paths:
// hyphens become underscores, then dots become hyphens.
func DomainSlug(domain string) string {
	domain = trimScheme(domain)
	domain = strings.ReplaceAll(domain, "-", "_")
	return strings.ReplaceAll(domain, ".", "-")
}

// CanonicalDomain accepts either a dotted domain or its slug (see DomainSlug)
// and returns the dotted form. A leading "www." is kept.
//
// Input that already contains a dot is canonical. Otherwise the slug encoding
// is reversed; when the result still has no dot the input is returned as-is,
// so bare hostnames such as "intranet" pass through unchanged.
func CanonicalDomain(domain string) string {
	domain = trimScheme(domain)
	if domain == "" || strings.Contains(domain, ".") {
		return domain
	}

	decoded := strings.ReplaceAll(domain, "-", ".")
	decoded = strings.ReplaceAll(decoded, "_", "-")
	if !strings.Contains(decoded, ".") {
		return domain
	}
	return decoded
}

// SafeCacheKey maps a domain (dotted or slug form) to a filesystem-safe key.
//
// The key is the lower-cased canonical domain with every byte outside
// [a-z0-9.-] written as '_' plus two hex digits. '_' is itself escaped, so the
// mapping is injective: two different canonical domains never share a key.
func SafeCacheKey(domain string) string {
	canonical := strings.ToLower(CanonicalDomain(domain))

	var b strings.Builder
	b.Grow(len(canonical))
	for i := 0; i < len(canonical); i++ {
		c := canonical[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}

	return b.String()
}

// ExtractPathFromURL extracts just the path component from a full URL
func ExtractPathFromURL(fullURL string) string {
	if parsed, err := url.Parse(fullURL); err == nil && parsed.Host != "" {
		if parsed.Path == "" {
			return "/"
		}
		return parsed.Path
	}

	path := fullURL
	path = strings.TrimPrefix(path, "http://")
	path = strings.TrimPrefix(path, "https://")
	path = strings.TrimPrefix(path, "www.")

	domainEnd := strings.Index(path, "/")
	if domainEnd == -1 {
		return "/"
	}
	return path[domainEnd:]
}
