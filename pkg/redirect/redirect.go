// Package redirect implements redirect policy tiers: deciding whether a
// Location target is a permitted hop from the current request URL.
package redirect

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Mode is a redirect policy tier. ModeNone is the most restrictive and
// ModeAny the least; ModeSameDomain (exact host) admits fewer targets than
// ModePrivateDomain, although it comes after it in this list.
type Mode int

const (
	// ModeNone permits no redirects at all.
	ModeNone Mode = iota
	// ModeEndpoint permits redirects that resolve to the same endpoint
	// (scheme, host, port) as the current request.
	ModeEndpoint
	// ModePrivateDomain permits redirects within the same registered
	// domain (the public-suffix-list "eTLD+1").
	ModePrivateDomain
	// ModeSameDomain permits redirects to the exact same host.
	ModeSameDomain
	// ModeAny permits redirects anywhere.
	ModeAny
)

// String implements fmt.Stringer, mostly so error messages read naturally.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeEndpoint:
		return "endpoint"
	case ModePrivateDomain:
		return "private_domain"
	case ModeSameDomain:
		return "same_domain"
	case ModeAny:
		return "any"
	default:
		return "unknown"
	}
}

// Allowed reports whether a redirect from current to target is permitted
// under mode.
func Allowed(mode Mode, current, target *url.URL) bool {
	switch mode {
	case ModeNone:
		return false
	case ModeEndpoint:
		return sameEndpoint(current, target)
	case ModePrivateDomain:
		return samePrivateDomain(current, target)
	case ModeSameDomain:
		return sameHost(current, target)
	case ModeAny:
		return true
	default:
		return false
	}
}

func sameEndpoint(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

func samePrivateDomain(a, b *url.URL) bool {
	if sameHost(a, b) {
		return true
	}
	da, erra := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(a.Hostname()))
	db, errb := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(b.Hostname()))
	if erra != nil || errb != nil {
		return false
	}
	return da == db
}

// Resolve resolves a Location header value against the current request
// URL: relative references inherit scheme/authority, absolute references
// replace them outright.
func Resolve(current *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	return current.ResolveReference(loc), nil
}

// IsRedirectStatus reports whether status is one of the redirect codes
// this library follows: 301, 302, 303, 307, 308.
func IsRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}
