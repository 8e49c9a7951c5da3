package cookie

import (
	"testing"
	"time"
)

// DomainMatch(h, h) is true; DomainMatch("a.b.com", "b.com") is true;
// DomainMatch("abb.com", "b.com") is false.
func TestDomainMatch(t *testing.T) {
	tests := []struct {
		name, full, pattern string
		want                 bool
	}{
		{"identical host", "b.com", "b.com", true},
		{"subdomain", "a.b.com", "b.com", true},
		{"suffix but not subdomain", "abb.com", "b.com", false},
		{"unrelated", "example.com", "b.com", false},
		{"pattern longer than full", "b.com", "a.b.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DomainMatch(tt.full, tt.pattern); got != tt.want {
				t.Errorf("DomainMatch(%q, %q) = %v, want %v", tt.full, tt.pattern, got, tt.want)
			}
		})
	}
}

// PathMatch("/a/b", "/a") is true; PathMatch("/ab", "/a") is false.
func TestPathMatch(t *testing.T) {
	tests := []struct {
		name, full, pattern string
		want                 bool
	}{
		{"exact", "/a", "/a", true},
		{"child path", "/a/b", "/a", true},
		{"not a path boundary", "/ab", "/a", false},
		{"pattern ends in slash", "/a/b", "/a/", true},
		{"root", "/", "/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PathMatch(tt.full, tt.pattern); got != tt.want {
				t.Errorf("PathMatch(%q, %q) = %v, want %v", tt.full, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"/a", "/"},
		{"/a/b", "/a"},
		{"/a/b/c", "/a/b"},
		{"no-leading-slash", "/"},
	}
	for _, tt := range tests {
		if got := DefaultPath(tt.in); got != tt.want {
			t.Errorf("DefaultPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCookieExpired(t *testing.T) {
	now := time.Now()
	session := &Cookie{}
	if session.Expired(now) {
		t.Error("a cookie with a zero ExpiryTime is a session cookie and never expires")
	}

	expired := &Cookie{ExpiryTime: now.Add(-time.Minute)}
	if !expired.Expired(now) {
		t.Error("a past ExpiryTime should be expired")
	}

	future := &Cookie{ExpiryTime: now.Add(time.Minute)}
	if future.Expired(now) {
		t.Error("a future ExpiryTime should not be expired")
	}
}

func TestCookieKey(t *testing.T) {
	c := &Cookie{Name: "k", Domain: "example.com", Path: "/a"}
	want := Key{Name: "k", Domain: "example.com", Path: "/a"}
	if got := c.Key(); got != want {
		t.Errorf("Key() = %+v, want %+v", got, want)
	}
}
