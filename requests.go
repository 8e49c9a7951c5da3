// Package requests is an HTTP/1.1 client library: it executes
// request/response exchanges over plain and TLS-tunneled byte streams,
// follows redirects according to policy, maintains cookies across
// exchanges, and multiplexes concurrent requests onto a managed pool of
// long-lived connections addressed by host identity.
package requests

import (
	"context"
	"crypto/tls"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/cppalliance/go-requests/pkg/buffer"
	"github.com/cppalliance/go-requests/pkg/cookiejar"
	"github.com/cppalliance/go-requests/pkg/errors"
	"github.com/cppalliance/go-requests/pkg/header"
	"github.com/cppalliance/go-requests/pkg/redirect"
	"github.com/cppalliance/go-requests/pkg/session"
	"github.com/cppalliance/go-requests/pkg/source"
	"github.com/cppalliance/go-requests/pkg/stream"
)

// Version is the current version of the library.
const Version = "1.0.0"

// Re-export key types for easier usage as a single flat facade of type
// aliases over the internal packages.
type (
	// Options controls TLS enforcement and the redirect policy applied by
	// RequestStream.
	Options = session.Options

	// RedirectMode is a redirect policy tier.
	RedirectMode = redirect.Mode

	// Header is a parsed response header set.
	Header = header.Set

	// HistoryEntry is one redirect hop's drained response.
	HistoryEntry = session.HistoryEntry

	// Stream is a live response-body reader bound to a borrowed connection.
	Stream = stream.Stream

	// Source is the polymorphic request-body producer contract.
	Source = source.Source

	// Buffer is memory-limited, disk-spilling byte storage.
	Buffer = buffer.Buffer

	// Error is a structured error with context information.
	Error = errors.Error

	// Jar is the RFC 6265 cookie store.
	Jar = cookiejar.Jar
)

// Redirect policy tiers, from RedirectNone (most restrictive) to RedirectAny
// (least); RedirectSameDomain admits fewer targets than RedirectPrivateDomain.
const (
	RedirectNone          = redirect.ModeNone
	RedirectEndpoint      = redirect.ModeEndpoint
	RedirectPrivateDomain = redirect.ModePrivateDomain
	RedirectSameDomain    = redirect.ModeSameDomain
	RedirectAny           = redirect.ModeAny
)

// Error kinds, re-exported for callers using errors.As/errors.Is against
// *Error.Type.
const (
	ErrorTypeDNS               = errors.ErrorTypeDNS
	ErrorTypeConnection        = errors.ErrorTypeConnection
	ErrorTypeTLS               = errors.ErrorTypeTLS
	ErrorTypeTimeout           = errors.ErrorTypeTimeout
	ErrorTypeProtocol          = errors.ErrorTypeProtocol
	ErrorTypeIO                = errors.ErrorTypeIO
	ErrorTypeValidation        = errors.ErrorTypeValidation
	ErrorTypeInsecure          = errors.ErrorTypeInsecure
	ErrorTypeWrongHost         = errors.ErrorTypeWrongHost
	ErrorTypeInvalidRedirect   = errors.ErrorTypeInvalidRedirect
	ErrorTypeForbiddenRedirect = errors.ErrorTypeForbiddenRedirect
	ErrorTypeTooManyRedirects  = errors.ErrorTypeTooManyRedirects
	ErrorTypeNotFound          = errors.ErrorTypeNotFound
	ErrorTypeAborted           = errors.ErrorTypeAborted
)

// DefaultOptions returns the library's conservative defaults: redirects
// confined to the exact requesting host, bounded hop count.
func DefaultOptions() Options {
	return session.DefaultOptions()
}

// Config configures a Client's TLS trust anchors, identifying User-Agent,
// structured logger, and default request options.
type Config struct {
	TLSConfig *tls.Config
	UserAgent string
	Logger    *logrus.Entry
	Options   Options
}

// Client is a Session: an origin-indexed pool registry with a shared cookie
// jar and TLS trust configuration.
type Client struct {
	s *session.Session
}

// New constructs a Client with its own cookie jar.
func New(cfg Config) *Client {
	return &Client{s: session.New(session.Config{
		TLSConfig: cfg.TLSConfig,
		UserAgent: cfg.UserAgent,
		Logger:    cfg.Logger,
		Options:   cfg.Options,
	})}
}

// Jar returns the client's shared cookie jar.
func (c *Client) Jar() *Jar {
	return c.s.Jar()
}

// RequestStream is the top-level streaming request entry point: it follows
// redirects per the client's configured policy and returns the terminal
// response stream plus the history of any hops traversed. The caller owns
// draining or dumping the returned Stream.
func (c *Client) RequestStream(ctx context.Context, method, url string, src Source, headers map[string][]string) (*Stream, []HistoryEntry, error) {
	return c.s.RequestStream(ctx, method, url, src, headers)
}

// Get issues a bodyless GET and drains the response into memory.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string][]string) (*Header, *Buffer, []HistoryEntry, error) {
	st, history, err := c.RequestStream(ctx, "GET", rawURL, source.Empty{}, headers)
	if err != nil {
		return nil, nil, history, err
	}
	buf, err := st.ReadAll()
	if err != nil {
		return st.Header, nil, history, err
	}
	return st.Header, buf, history, nil
}

// Post issues a POST with src as the body and drains the response into
// memory.
func (c *Client) Post(ctx context.Context, rawURL string, src Source, headers map[string][]string) (*Header, *Buffer, []HistoryEntry, error) {
	st, history, err := c.RequestStream(ctx, "POST", rawURL, src, headers)
	if err != nil {
		return nil, nil, history, err
	}
	buf, err := st.ReadAll()
	if err != nil {
		return st.Header, nil, history, err
	}
	return st.Header, buf, history, nil
}

// ParseURL is a convenience wrapper around net/url.Parse for callers that
// want to inspect or rewrite a target before calling RequestStream.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewValidationError("invalid URL: " + err.Error())
	}
	return u, nil
}
