package crisis

import (
	"fmt"
	"strings"
)

// normalizeDomain reduces a raw URL or hostname to a bare lowercase domain:
// scheme, credentials, port, path, query, fragment, and a leading "www." are
// stripped. Deliberately avoids net/url: the check path is synchronous and
// hot, and plain string slicing is both faster and total (never errors on
// half-typed input the browser may report mid-navigation).
func normalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return "", fmt.Errorf("empty input")
	}

	// Scheme
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	// Credentials
	if i := strings.IndexByte(s, '@'); i >= 0 {
		if slash := strings.IndexByte(s, '/'); slash < 0 || i < slash {
			s = s[i+1:]
		}
	}
	// Path, query, fragment
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	// Port (IPv6 literals keep their brackets and are never fuzzy candidates)
	if !strings.HasPrefix(s, "[") {
		if i := strings.IndexByte(s, ':'); i >= 0 {
			s = s[:i]
		}
	}

	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimSuffix(s, ".")

	if s == "" {
		return "", fmt.Errorf("no host component")
	}
	return s, nil
}
