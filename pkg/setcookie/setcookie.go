// Package setcookie parses Set-Cookie header field values per RFC 6265 §5.2,
// including the three historical HTTP date grammars (RFC 1123, RFC 850, and
// asctime) a Expires attribute may use.
package setcookie

import (
	"strconv"
	"strings"
	"time"

	"github.com/cppalliance/go-requests/pkg/errors"
)

// SetCookie is the parsed form of one Set-Cookie header value.
type SetCookie struct {
	Name, Value string

	Expires time.Time // zero value means "not set"
	MaxAge  *int64    // nil means "not set"; may be negative (RFC 6265 §5.2.2)

	Domain, Path string
	Secure       bool
	HTTPOnly     bool

	// Extensions holds attribute tokens this parser does not recognize,
	// preserved verbatim per RFC 6265 §5.2's "cookie-av" fallback.
	Extensions []string
}

// Parse parses a single Set-Cookie header field value into a SetCookie.
// It follows RFC 6265 §5.2's permissive algorithm: malformed attribute values
// are skipped and unrecognized attributes are kept in Extensions rather than
// failing the whole header, but a missing "name=value" pair is rejected since
// there is nothing to store.
func Parse(value string) (*SetCookie, error) {
	parts := strings.Split(value, ";")
	nameValue := strings.TrimSpace(parts[0])
	eq := strings.IndexByte(nameValue, '=')
	if eq < 0 {
		return nil, errors.NewProtocolError("set-cookie: missing name=value pair", nil)
	}
	sc := &SetCookie{
		Name:  strings.TrimSpace(nameValue[:eq]),
		Value: strings.TrimSpace(nameValue[eq+1:]),
	}
	if sc.Name == "" {
		return nil, errors.NewProtocolError("set-cookie: empty cookie name", nil)
	}
	sc.Value = unquote(sc.Value)

	for _, av := range parts[1:] {
		av = strings.TrimSpace(av)
		if av == "" {
			continue
		}
		name, attrValue, _ := strings.Cut(av, "=")
		name = strings.TrimSpace(name)
		attrValue = strings.TrimSpace(attrValue)

		switch strings.ToLower(name) {
		case "expires":
			if t, err := parseHTTPDate(attrValue); err == nil {
				sc.Expires = t
			}
			// an unparseable Expires is ignored, per RFC 6265 §5.2.1
		case "max-age":
			if n, err := strconv.ParseInt(attrValue, 10, 64); err == nil {
				sc.MaxAge = &n
			}
		case "domain":
			d := strings.TrimPrefix(strings.ToLower(attrValue), ".")
			if d != "" {
				sc.Domain = d
			}
		case "path":
			if strings.HasPrefix(attrValue, "/") {
				sc.Path = attrValue
			}
		case "secure":
			sc.Secure = true
		case "httponly":
			sc.HTTPOnly = true
		case "samesite":
			// accepted and ignored: this library has no notion of
			// same-site request context.
		default:
			sc.Extensions = append(sc.Extensions, av)
		}
	}
	return sc, nil
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// HTTP date grammars: RFC 1123, RFC 850, and asctime, tried in that order
// since this is the order in which real servers emit them, most-common
// first.
var dateLayouts = []string{
	time.RFC1123,
	"Monday, 02-Jan-06 15:04:05 MST", // RFC 850
	"Mon Jan _2 15:04:05 2006",       // asctime
}

func parseHTTPDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			if !weekdayConsistent(value, t) {
				continue
			}
			return t, nil
		}
	}
	return time.Time{}, errors.NewProtocolError("set-cookie: unparseable date "+value, nil)
}

// weekdayConsistent rejects dates whose stated weekday doesn't match the
// calendar date, the way the RFC 850/1123/asctime grammars require the
// wkday production to agree with date1/date2/date3.
func weekdayConsistent(raw string, t time.Time) bool {
	comma := strings.IndexByte(raw, ',')
	var stated string
	if comma >= 0 {
		stated = raw[:comma]
	} else {
		// asctime has no comma: "Sun Nov  6 08:49:37 1994"
		if sp := strings.IndexByte(raw, ' '); sp >= 0 {
			stated = raw[:sp]
		}
	}
	stated = strings.TrimSpace(stated)
	if stated == "" {
		return true
	}
	day := t.Weekday().String()
	if len(stated) > len(day) {
		return false
	}
	return strings.EqualFold(stated, day[:len(stated)])
}
