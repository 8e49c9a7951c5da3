// Package cookie defines the stored-cookie value type and the domain/path
// matching rules from RFC 6265 §5.1.3/§5.1.4 that the cookie jar applies when
// deciding which cookies to send with a request.
package cookie

import (
	"strings"
	"time"
)

// Cookie is a single entry in a cookie jar, modeled on RFC 6265 §5.3's
// "cookie" concept: a name/value pair plus the attributes that control when
// it is sent and when it expires.
type Cookie struct {
	Name, Value string

	Domain, Path string
	ExpiryTime   time.Time

	CreationTime   time.Time
	LastAccessTime time.Time

	Persistent bool
	HostOnly   bool
	SecureOnly bool
	HTTPOnly   bool
}

// Key identifies a Cookie's slot in the jar: RFC 6265 §5.3 step 11 replaces
// an existing cookie when name, domain, and path all match.
type Key struct {
	Name, Domain, Path string
}

// Key returns the (name, domain, path) identity used for jar replacement.
func (c *Cookie) Key() Key {
	return Key{Name: c.Name, Domain: c.Domain, Path: c.Path}
}

// Expired reports whether the cookie's expiry time has passed as of now.
func (c *Cookie) Expired(now time.Time) bool {
	return !c.ExpiryTime.IsZero() && !c.ExpiryTime.After(now)
}

// DomainMatch implements RFC 6265 §5.1.3: string comparison is case
// sensitive, so callers must normalize both arguments to lower case first.
func DomainMatch(full, pattern string) bool {
	if !strings.HasSuffix(full, pattern) {
		return false
	}
	if len(full) == len(pattern) {
		return true
	}
	return full[len(full)-len(pattern)-1] == '.'
}

// PathMatch implements RFC 6265 §5.1.4.
func PathMatch(full, pattern string) bool {
	if !strings.HasPrefix(full, pattern) {
		return false
	}
	if len(full) == len(pattern) {
		return true
	}
	if strings.HasSuffix(pattern, "/") {
		return true
	}
	return full[len(pattern)] == '/'
}

// DefaultPath implements RFC 6265 §5.1.4's default-path algorithm: derive a
// cookie's path from the request-uri's path when no Path attribute was set.
func DefaultPath(uriPath string) string {
	if uriPath == "" || uriPath[0] != '/' {
		return "/"
	}
	idx := strings.LastIndexByte(uriPath, '/')
	if idx == 0 {
		return "/"
	}
	return uriPath[:idx]
}
