// Package header implements an ordered response header set: a parsed HTTP
// status line plus an ordered multi-map of field names to values,
// preserving arrival order the way a raw HTTP parser must (callers may
// depend on header order for diagnostics).
package header

import (
	"net/textproto"
	"strings"
)

// Set is a parsed set of HTTP response headers.
type Set struct {
	StatusLine  string
	HTTPVersion string
	StatusCode  int

	// order preserves the sequence fields arrived in; fields holds every
	// value received for a given canonical name.
	order  []string
	fields map[string][]string
}

// New returns an empty header Set.
func New() *Set {
	return &Set{fields: make(map[string][]string)}
}

// StatusClass returns the hundreds digit of the status code (1-5).
func (s *Set) StatusClass() int {
	return s.StatusCode / 100
}

// Add appends a value for name, preserving arrival order and RFC 7230
// §3.2.4 header-continuation semantics are handled by the caller before
// reaching here.
func (s *Set) Add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := s.fields[key]; !ok {
		s.order = append(s.order, key)
	}
	s.fields[key] = append(s.fields[key], value)
}

// Find returns the first value for name, and whether it was present.
func (s *Set) Find(name string) (string, bool) {
	values, ok := s.fields[textproto.CanonicalMIMEHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Values returns every value for name in arrival order.
func (s *Set) Values(name string) []string {
	return s.fields[textproto.CanonicalMIMEHeaderKey(name)]
}

// Names returns every distinct header name, in first-seen order.
func (s *Set) Names() []string {
	return s.order
}

// Has reports whether a header with the given name, compared
// case-insensitively, is present.
func (s *Set) Has(name string) bool {
	_, ok := s.fields[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// ContainsToken reports whether a comma-separated header (e.g. Connection,
// Transfer-Encoding) contains token, case-insensitively.
func (s *Set) ContainsToken(name, token string) bool {
	for _, v := range s.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
