// Package cookiejar implements the storage and retrieval half of RFC 6265
// §5.3: deciding whether to accept a Set-Cookie value, and which stored
// cookies to send back on a later request.
package cookiejar

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/cppalliance/go-requests/pkg/cookie"
	"github.com/cppalliance/go-requests/pkg/setcookie"
)

// Jar is a concurrency-safe store of cookies, keyed internally by
// (name, domain, path) the way RFC 6265 §5.3 step 11 requires for the
// "replace an existing cookie" rule.
type Jar struct {
	mu      sync.RWMutex
	entries map[cookie.Key]*cookie.Cookie
}

// New returns an empty jar.
func New() *Jar {
	return &Jar{entries: make(map[cookie.Key]*cookie.Cookie)}
}

// Set applies RFC 6265 §5.3 to a parsed Set-Cookie value, possibly inserting,
// replacing, or rejecting it. requestHost and requestPath identify the
// request the Set-Cookie header arrived on. fromNonHTTPAPI corresponds to
// the RFC's "non-http-api" input; this library has no scripting API so
// callers always pass false, but the parameter is kept to mirror the
// algorithm exactly.
func (j *Jar) Set(sc *setcookie.SetCookie, requestHost, requestPath string, fromNonHTTPAPI bool) bool {
	now := time.Now()
	requestHost = normalizeHost(requestHost)

	c := &cookie.Cookie{
		Name:           sc.Name,
		Value:          sc.Value,
		CreationTime:   now,
		LastAccessTime: now,
	}

	switch {
	case sc.MaxAge != nil:
		c.ExpiryTime = c.CreationTime.Add(time.Duration(*sc.MaxAge) * time.Second)
		c.Persistent = false
	case !sc.Expires.IsZero():
		c.ExpiryTime = sc.Expires
		c.Persistent = true
	default:
		c.Persistent = false // ExpiryTime left zero: session cookie, never expires on its own
	}

	if sc.Domain != "" {
		if isPublicSuffix(sc.Domain) {
			if requestHost != sc.Domain {
				return false
			}
		} else if !cookie.DomainMatch(requestHost, sc.Domain) {
			return false
		}
		c.Domain = strings.ToLower(sc.Domain)
		c.HostOnly = false
	} else {
		c.HostOnly = true
		c.Domain = requestHost
	}

	if sc.Path != "" {
		c.Path = sc.Path
	} else {
		c.Path = cookie.DefaultPath(requestPath)
	}

	c.SecureOnly = sc.Secure
	c.HTTPOnly = sc.HTTPOnly
	if fromNonHTTPAPI && c.HTTPOnly {
		return false
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	key := c.Key()
	if existing, ok := j.entries[key]; ok {
		if existing.HTTPOnly && fromNonHTTPAPI {
			return false
		}
		c.CreationTime = existing.CreationTime
	}
	j.entries[key] = c
	return true
}

// Get returns the Cookie header value to send for a request to requestHost
// (and requestPath, requestSecure), per RFC 6265 §5.4.
func (j *Jar) Get(requestHost, requestPath string, requestSecure bool) string {
	requestHost = normalizeHost(requestHost)
	now := time.Now()

	j.mu.Lock() // upgrades last-access-time, so take the write lock
	defer j.mu.Unlock()

	var pairs []string
	for _, c := range j.entries {
		if c.SecureOnly && !requestSecure {
			continue
		}
		if c.Expired(now) {
			continue
		}
		if c.HostOnly {
			if requestHost != c.Domain {
				continue
			}
		} else if !cookie.DomainMatch(requestHost, c.Domain) {
			continue
		}
		if !cookie.PathMatch(requestPath, c.Path) {
			continue
		}
		c.LastAccessTime = now
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// DropExpired removes every cookie whose expiry time has passed.
func (j *Jar) DropExpired() {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for key, c := range j.entries {
		if c.Expired(now) {
			delete(j.entries, key)
		}
	}
}

// All returns a snapshot of every stored cookie, for diagnostics and tests.
func (j *Jar) All() []cookie.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]cookie.Cookie, 0, len(j.entries))
	for _, c := range j.entries {
		out = append(out, *c)
	}
	return out
}

// normalizeHost lower-cases and IDNA-normalizes a hostname, so domain
// comparisons in Set/Get operate on equivalent ASCII forms even when the
// caller supplied a Unicode hostname.
func normalizeHost(host string) string {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return strings.ToLower(ascii)
	}
	return strings.ToLower(host)
}

// isPublicSuffix reports whether domain is itself an entry in the Public
// Suffix List (e.g. "com", "co.uk"), per RFC 6265 §5.3 step 4's
// domain-attribute rejection rule.
func isPublicSuffix(domain string) bool {
	suffix, icann := publicsuffix.PublicSuffix(strings.ToLower(domain))
	return icann && suffix == strings.ToLower(domain)
}
