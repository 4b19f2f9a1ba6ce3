package enrich

import (
	"net/url"
	"strings"
)

// NormalizeURL prefixes https:// when the website has no scheme.
func NormalizeURL(website string) string {
	s := strings.TrimSpace(website)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		return "https://" + s
	}
	return s
}

// DomainKey returns the cache key for a website: its lower-cased host without
// scheme, port, path, or a leading "www.". It returns "" when no host can be parsed.
func DomainKey(website string) string {
	raw := NormalizeURL(strings.ToLower(website))
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(u.Hostname(), ".")
	return strings.TrimPrefix(host, "www.")
}
