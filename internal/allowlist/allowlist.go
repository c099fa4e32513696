package allowlist

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrOriginDenied is returned when a source URL matches no configured remote pattern.
var ErrOriginDenied = errors.New("origin not allowed")

// ErrUnsupportedScheme is returned for source URLs that are not http or https.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// RemotePattern constrains which external origins may supply source images.
// Empty Protocol means https only; empty Port matches the scheme default.
// Hostname supports "*" (exactly one DNS label) and "**" (one or more labels).
// Pathname supports "*" (one segment) and "**" (any remaining segments); empty
// Pathname matches any path. Search, when set, must equal the raw query.
type RemotePattern struct {
	Protocol string `yaml:"protocol"`
	Hostname string `yaml:"hostname"`
	Port     string `yaml:"port"`
	Pathname string `yaml:"pathname"`
	Search   string `yaml:"search"`
}

// Allowlist validates candidate source URLs against a set of remote patterns.
// A URL is permitted when at least one pattern matches every component.
type Allowlist struct {
	patterns []RemotePattern
}

// New builds an Allowlist. Patterns with an empty hostname are rejected:
// an unconstrained host would defeat the point of the list.
func New(patterns []RemotePattern) (*Allowlist, error) {
	for i, p := range patterns {
		if strings.TrimSpace(p.Hostname) == "" {
			return nil, fmt.Errorf("remote pattern %d: hostname is required", i)
		}
		switch p.Protocol {
		case "", "http", "https":
		default:
			return nil, fmt.Errorf("remote pattern %d: protocol must be http or https, got %q", i, p.Protocol)
		}
	}
	return &Allowlist{patterns: patterns}, nil
}

// Len returns the number of configured patterns.
func (a *Allowlist) Len() int {
	return len(a.patterns)
}

// Check parses rawURL and returns the parsed URL when some pattern permits it.
// Returns ErrUnsupportedScheme for non-http(s) URLs and ErrOriginDenied when
// no pattern matches. No network activity happens here.
func (a *Allowlist) Check(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse source URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrOriginDenied)
	}
	for _, p := range a.patterns {
		if p.matches(u) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOriginDenied, u.Host)
}

func (p RemotePattern) matches(u *url.URL) bool {
	switch p.Protocol {
	case "":
		if u.Scheme != "https" {
			return false
		}
	default:
		if u.Scheme != p.Protocol {
			return false
		}
	}
	if !matchHostname(p.Hostname, u.Hostname()) {
		return false
	}
	if !matchPort(p, u) {
		return false
	}
	if !matchPathname(p.Pathname, u.EscapedPath()) {
		return false
	}
	if p.Search != "" && p.Search != u.RawQuery {
		return false
	}
	return true
}

// matchHostname matches label by label, right to left. "*" consumes exactly
// one label; a leading "**" consumes one or more.
func matchHostname(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(host)
	if pattern == host {
		return true
	}
	pLabels := strings.Split(pattern, ".")
	hLabels := strings.Split(host, ".")
	return matchLabels(pLabels, hLabels)
}

func matchLabels(pattern, labels []string) bool {
	for len(pattern) > 0 {
		p := pattern[len(pattern)-1]
		switch p {
		case "**":
			if len(pattern) != 1 {
				// "**" is only meaningful as the leftmost element.
				return false
			}
			return len(labels) >= 1
		case "*":
			if len(labels) == 0 {
				return false
			}
		default:
			if len(labels) == 0 || labels[len(labels)-1] != p {
				return false
			}
		}
		pattern = pattern[:len(pattern)-1]
		labels = labels[:len(labels)-1]
	}
	return len(labels) == 0
}

func matchPort(p RemotePattern, u *url.URL) bool {
	if p.Port == "" {
		// Unset means default port for the scheme: an explicit non-default
		// port in the URL must be listed to be allowed.
		return u.Port() == "" || u.Port() == defaultPort(u.Scheme)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	return port == p.Port
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}

// matchPathname matches segment by segment. "*" consumes one segment, a
// trailing "**" consumes the rest. An empty pattern matches any path.
func matchPathname(pattern, path string) bool {
	if pattern == "" {
		return true
	}
	pSegs := splitPath(pattern)
	segs := splitPath(path)
	for i, p := range pSegs {
		switch p {
		case "**":
			if i != len(pSegs)-1 {
				return false
			}
			return true
		case "*":
			if i >= len(segs) {
				return false
			}
		default:
			if i >= len(segs) || segs[i] != p {
				return false
			}
		}
	}
	return len(segs) == len(pSegs)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
