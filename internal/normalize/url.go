package normalize

import (
	"net/url"
	"strings"
)

// CanonicalURL lower-cases scheme and host, drops fragments and trailing slashes,
// so a page and the links pointing at it produce the same key
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	// Handle protocol-relative URLs
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
		parsed.RawPath = strings.TrimSuffix(parsed.RawPath, "/")
	} else {
		parsed.Path = ""
	}
	return parsed.String()
}

// Site returns the lower-cased hostname of a page URL, or "" for relative URLs
func Site(raw string) string {
	parsed, err := url.Parse(CanonicalURL(raw))
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
