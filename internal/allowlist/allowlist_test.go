package allowlist

import (
	"errors"
	"testing"
)

// TestNew_RequiresHostname verifies that patterns without a hostname are rejected.
func TestNew_RequiresHostname(t *testing.T) {
	_, err := New([]RemotePattern{{Protocol: "https"}})
	if err == nil {
		t.Fatal("New() error = nil, want error for missing hostname")
	}
}

// TestNew_RejectsBadProtocol verifies that only http/https are accepted.
func TestNew_RejectsBadProtocol(t *testing.T) {
	_, err := New([]RemotePattern{{Protocol: "ftp", Hostname: "example.com"}})
	if err == nil {
		t.Fatal("New() error = nil, want error for ftp protocol")
	}
}

// TestCheck_ExactMatch covers the fully specified pattern from the narrow
// allow-list recommendation: protocol, hostname, port and pathname all pinned.
func TestCheck_ExactMatch(t *testing.T) {
	al, err := New([]RemotePattern{{
		Protocol: "https",
		Hostname: "img.example.com",
		Pathname: "/account123/**",
	}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name    string
		url     string
		allowed bool
	}{
		{"allowed path", "https://img.example.com/account123/photo.jpg", true},
		{"allowed nested path", "https://img.example.com/account123/a/b/c.png", true},
		{"wrong account path", "https://img.example.com/account456/photo.jpg", false},
		{"wrong host", "https://evil.example.com/account123/photo.jpg", false},
		{"wrong scheme", "http://img.example.com/account123/photo.jpg", false},
		{"root path", "https://img.example.com/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := al.Check(tt.url)
			if tt.allowed && err != nil {
				t.Errorf("Check(%q) error = %v, want nil", tt.url, err)
			}
			if !tt.allowed && !errors.Is(err, ErrOriginDenied) {
				t.Errorf("Check(%q) error = %v, want ErrOriginDenied", tt.url, err)
			}
		})
	}
}

// TestCheck_HostnameWildcards covers single-label and multi-label host wildcards.
func TestCheck_HostnameWildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		host    string
		allowed bool
	}{
		{"star matches one label", "*.example.com", "cdn.example.com", true},
		{"star rejects two labels", "*.example.com", "a.b.example.com", false},
		{"star rejects apex", "*.example.com", "example.com", false},
		{"double star matches one label", "**.example.com", "cdn.example.com", true},
		{"double star matches deep", "**.example.com", "a.b.c.example.com", true},
		{"double star rejects apex", "**.example.com", "example.com", false},
		{"double star rejects other domain", "**.example.com", "cdn.example.org", false},
		{"case insensitive", "*.Example.COM", "CDN.example.com", true},
		{"mid star", "cdn.*.example.com", "cdn.eu.example.com", true},
		{"mid star wrong prefix", "cdn.*.example.com", "img.eu.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			al, err := New([]RemotePattern{{Hostname: tt.pattern}})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			_, err = al.Check("https://" + tt.host + "/x.jpg")
			got := err == nil
			if got != tt.allowed {
				t.Errorf("pattern %q host %q: allowed = %v, want %v (err %v)", tt.pattern, tt.host, got, tt.allowed, err)
			}
		})
	}
}

// TestCheck_Ports verifies default-port semantics: an unset pattern port only
// matches the scheme default; explicit ports must be listed.
func TestCheck_Ports(t *testing.T) {
	tests := []struct {
		name    string
		pattern RemotePattern
		url     string
		allowed bool
	}{
		{"default https port implicit", RemotePattern{Hostname: "example.com"}, "https://example.com/a.png", true},
		{"default https port explicit", RemotePattern{Hostname: "example.com"}, "https://example.com:443/a.png", true},
		{"custom port not listed", RemotePattern{Hostname: "example.com"}, "https://example.com:8443/a.png", false},
		{"custom port listed", RemotePattern{Hostname: "example.com", Port: "8443"}, "https://example.com:8443/a.png", true},
		{"listed port missing from url", RemotePattern{Hostname: "example.com", Port: "8443"}, "https://example.com/a.png", false},
		{"http default port", RemotePattern{Protocol: "http", Hostname: "example.com", Port: "80"}, "http://example.com/a.png", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			al, err := New([]RemotePattern{tt.pattern})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			_, err = al.Check(tt.url)
			got := err == nil
			if got != tt.allowed {
				t.Errorf("Check(%q) allowed = %v, want %v (err %v)", tt.url, got, tt.allowed, err)
			}
		})
	}
}

// TestCheck_ProtocolDefaultsToHTTPS verifies that omitting protocol does not
// open the pattern to plain http.
func TestCheck_ProtocolDefaultsToHTTPS(t *testing.T) {
	al, err := New([]RemotePattern{{Hostname: "example.com"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := al.Check("https://example.com/a.jpg"); err != nil {
		t.Errorf("https URL rejected: %v", err)
	}
	if _, err := al.Check("http://example.com/a.jpg"); !errors.Is(err, ErrOriginDenied) {
		t.Errorf("http URL error = %v, want ErrOriginDenied", err)
	}
}

// TestCheck_Search verifies exact raw-query matching when search is set.
func TestCheck_Search(t *testing.T) {
	al, err := New([]RemotePattern{{Hostname: "example.com", Search: "v=2"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := al.Check("https://example.com/a.jpg?v=2"); err != nil {
		t.Errorf("matching query rejected: %v", err)
	}
	if _, err := al.Check("https://example.com/a.jpg?v=3"); err == nil {
		t.Error("non-matching query allowed")
	}
	if _, err := al.Check("https://example.com/a.jpg"); err == nil {
		t.Error("missing query allowed")
	}
}

// TestCheck_PathnameSingleSegment verifies "*" consumes exactly one path segment.
func TestCheck_PathnameSingleSegment(t *testing.T) {
	al, err := New([]RemotePattern{{Hostname: "example.com", Pathname: "/img/*/thumb.jpg"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := al.Check("https://example.com/img/cats/thumb.jpg"); err != nil {
		t.Errorf("single segment rejected: %v", err)
	}
	if _, err := al.Check("https://example.com/img/a/b/thumb.jpg"); err == nil {
		t.Error("two segments allowed by single-segment wildcard")
	}
}

// TestCheck_SchemeErrors verifies non-http(s) and unparseable URLs are rejected
// with the right sentinel.
func TestCheck_SchemeErrors(t *testing.T) {
	al, err := New([]RemotePattern{{Hostname: "example.com"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := al.Check("ftp://example.com/a.jpg"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("ftp error = %v, want ErrUnsupportedScheme", err)
	}
	if _, err := al.Check("data:image/png;base64,xxxx"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("data URL error = %v, want ErrUnsupportedScheme", err)
	}
	if _, err := al.Check("https:///nohost.jpg"); !errors.Is(err, ErrOriginDenied) {
		t.Errorf("hostless URL error = %v, want ErrOriginDenied", err)
	}
}

// TestCheck_MultiplePatterns verifies that any one matching pattern is enough.
func TestCheck_MultiplePatterns(t *testing.T) {
	al, err := New([]RemotePattern{
		{Hostname: "a.example.com"},
		{Hostname: "b.example.com", Pathname: "/pub/**"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := al.Check("https://b.example.com/pub/x.png"); err != nil {
		t.Errorf("second pattern not applied: %v", err)
	}
	if _, err := al.Check("https://b.example.com/priv/x.png"); err == nil {
		t.Error("path outside second pattern allowed")
	}
}
