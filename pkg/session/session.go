// Package session implements the origin-indexed pool registry and the
// cross-origin redirect loop: a session owns a shared cookie jar and TLS
// trust configuration, maps URLs to per-origin pools, and drives the
// redirect-following algorithm across them.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cppalliance/go-requests/pkg/buffer"
	"github.com/cppalliance/go-requests/pkg/constants"
	"github.com/cppalliance/go-requests/pkg/cookiejar"
	"github.com/cppalliance/go-requests/pkg/errors"
	"github.com/cppalliance/go-requests/pkg/header"
	"github.com/cppalliance/go-requests/pkg/pool"
	"github.com/cppalliance/go-requests/pkg/redirect"
	"github.com/cppalliance/go-requests/pkg/source"
	"github.com/cppalliance/go-requests/pkg/stream"
)

// Options controls TLS enforcement and redirect policy, plus the logger
// the session uses for lifecycle events when the caller did not supply one
// directly.
type Options struct {
	EnforceTLS   bool
	Redirect     redirect.Mode
	MaxRedirects int
	Logger       *logrus.Entry
}

// DefaultOptions returns a conservative policy: redirects confined to the
// exact requesting host, bounded by constants.DefaultMaxRedirects.
func DefaultOptions() Options {
	return Options{
		Redirect:     redirect.ModeSameDomain,
		MaxRedirects: constants.DefaultMaxRedirects,
	}
}

// HistoryEntry is the parsed headers and fully drained body of one redirect
// response traversed during a RequestStream call.
type HistoryEntry struct {
	Header *header.Set
	Body   *buffer.Buffer
}

// Config bundles a Session's fixed settings.
type Config struct {
	TLSConfig *tls.Config
	UserAgent string
	Logger    *logrus.Entry
	Options   Options
}

type originKey struct {
	scheme string
	host   string
	port   int
}

func (k originKey) authority() string {
	if k.scheme == "unix" {
		return "unix://" + k.host
	}
	return fmt.Sprintf("%s://%s:%d", k.scheme, k.host, k.port)
}

// poolEntry lets concurrent GetPool calls for the same not-yet-resolved
// origin block on one in-flight lookup instead of racing separate ones.
type poolEntry struct {
	pool  *pool.Pool
	ready chan struct{}
	err   error
}

// Session is a cookie jar, default options, TLS trust configuration, and
// the origin→pool registry.
type Session struct {
	mu    sync.Mutex
	pools map[originKey]*poolEntry

	jar       *cookiejar.Jar
	tlsConfig *tls.Config
	userAgent string
	logger    *logrus.Entry
	options   Options
}

// New constructs a Session with its own cookie jar.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Options.Logger
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	opts := cfg.Options
	opts.Logger = logger
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = constants.DefaultMaxRedirects
	}
	return &Session{
		pools:     make(map[originKey]*poolEntry),
		jar:       cookiejar.New(),
		tlsConfig: cfg.TLSConfig,
		userAgent: cfg.UserAgent,
		logger:    logger,
		options:   opts,
	}
}

// Jar returns the session's shared cookie jar.
func (s *Session) Jar() *cookiejar.Jar {
	return s.jar
}

func originKeyFor(u *url.URL) (originKey, error) {
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "ws", "wss":
	case "unix":
		return originKey{scheme: "unix", host: u.Path}, nil
	default:
		return originKey{}, errors.NewValidationError("unsupported URL scheme: " + u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return originKey{}, errors.NewValidationError("URL must include a host")
	}
	port := 0
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return originKey{}, errors.NewValidationError("invalid URL port: " + p)
		}
		port = n
	} else {
		switch scheme {
		case "http", "ws":
			port = 80
		case "https", "wss":
			port = 443
		}
	}
	return originKey{scheme: scheme, host: host, port: port}, nil
}

// GetPool looks up or creates the pool for u's origin. Creation runs a
// fresh Lookup; concurrent callers for the same key block on that single
// lookup rather than each starting their own.
func (s *Session) GetPool(ctx context.Context, u *url.URL) (*pool.Pool, error) {
	key, err := originKeyFor(u)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if e, ok := s.pools[key]; ok {
		s.mu.Unlock()
		select {
		case <-e.ready:
			return e.pool, e.err
		case <-ctx.Done():
			return nil, errors.NewAbortedError("get pool")
		}
	}

	e := &poolEntry{ready: make(chan struct{})}
	s.pools[key] = e
	s.mu.Unlock()

	p := pool.New(pool.Config{
		TLSConfig: s.tlsConfig,
		UserAgent: s.userAgent,
		Logger:    s.logger,
	})
	lookupErr := p.Lookup(ctx, key.authority())

	e.pool = p
	e.err = lookupErr
	close(e.ready)

	if lookupErr != nil {
		s.mu.Lock()
		delete(s.pools, key)
		s.mu.Unlock()
		return nil, lookupErr
	}
	return p, nil
}

// EvictPool drops the cached pool for u's origin, if any, so the next
// GetPool call re-resolves it from scratch.
func (s *Session) EvictPool(u *url.URL) {
	key, err := originKeyFor(u)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.pools, key)
	s.mu.Unlock()
}

// RequestStream issues method against rawURL, following redirects per
// the session's Options.Redirect/Options.MaxRedirects, crossing origins (and
// therefore pools) transparently between hops.
//
// Method preservation across redirects is total: unlike some HTTP clients,
// a 301 or 302 on a POST never down-converts to a GET.
func (s *Session) RequestStream(ctx context.Context, method, rawURL string, src source.Source, hdrs map[string][]string) (*stream.Stream, []HistoryEntry, error) {
	opts := s.options

	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, errors.NewValidationError("invalid request URL: " + err.Error())
	}

	var history []HistoryEntry
	remaining := opts.MaxRedirects

	for {
		if opts.EnforceTLS && current.Scheme != "https" && current.Scheme != "wss" {
			return nil, history, errors.NewInsecureError(current.Host)
		}

		p, err := s.GetPool(ctx, current)
		if err != nil {
			return nil, history, err
		}
		conn, err := p.Borrow(ctx)
		if err != nil {
			return nil, history, err
		}

		st, err := conn.OpenRequest(ctx, method, current.RequestURI(), hdrs, src, s.jar, conn.Endpoint())
		if err != nil {
			return nil, history, err
		}

		if !redirect.IsRedirectStatus(st.Header.StatusCode) {
			return st, history, nil
		}

		h := st.Header
		buf, err := st.ReadAll()
		if err != nil {
			return nil, history, err
		}

		if remaining <= 0 {
			return nil, history, errors.NewTooManyRedirectsError(opts.MaxRedirects)
		}
		history = append(history, HistoryEntry{Header: h, Body: buf})

		location, ok := h.Find("Location")
		if !ok {
			return nil, history, errors.NewInvalidRedirectError("redirect response missing Location header")
		}
		next, err := redirect.Resolve(current, location)
		if err != nil {
			return nil, history, errors.NewInvalidRedirectError("unparseable Location header: " + location)
		}
		if !redirect.Allowed(opts.Redirect, current, next) {
			return nil, history, errors.NewForbiddenRedirectError(opts.Redirect.String(), next.String())
		}
		remaining--

		if err := src.Reset(); err != nil {
			return nil, history, err
		}
		current = next
	}
}
