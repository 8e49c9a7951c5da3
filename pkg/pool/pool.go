// Package pool implements a per-origin connection pool: endpoint resolution,
// borrow/return with a bounded active+free set, and least-used endpoint
// selection when a new connection needs to be created.
package pool

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cppalliance/go-requests/pkg/connection"
	"github.com/cppalliance/go-requests/pkg/constants"
	"github.com/cppalliance/go-requests/pkg/errors"
	"github.com/cppalliance/go-requests/pkg/timing"
)

// Authority is a parsed request authority: a scheme plus either a
// host[:port] (resolved via DNS) or a unix socket path.
type Authority struct {
	Scheme     string
	Host       string // host[:port], tcp schemes only
	SocketPath string // unix schemes only
}

// ParseAuthority parses a "scheme://host[:port]" or "unix:///path/to.sock"
// string, applying scheme-specific default ports the way ParseProxyURL
// applies them to proxy URLs.
func ParseAuthority(raw string) (*Authority, error) {
	if raw == "" {
		return nil, errors.NewValidationError("authority cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewValidationError("invalid authority: " + err.Error())
	}

	switch u.Scheme {
	case "http", "https", "ws", "wss":
		// handled below
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return nil, errors.NewValidationError("unix authority must include a socket path")
		}
		return &Authority{Scheme: "unix", SocketPath: path}, nil
	case "":
		return nil, errors.NewValidationError("authority must include a scheme")
	default:
		return nil, errors.NewValidationError("unsupported authority scheme: " + u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.NewValidationError("authority must include a host")
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http", "ws":
			port = "80"
		case "https", "wss":
			port = "443"
		}
	} else if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return nil, errors.NewValidationError("authority port must be between 1 and 65535, got: " + port)
	}

	return &Authority{Scheme: u.Scheme, Host: net.JoinHostPort(host, port)}, nil
}

// Config bundles the settings shared by every connection a Pool creates.
type Config struct {
	TLSConfig *tls.Config
	UserAgent string
	Logger    *logrus.Entry
	MaxSize   int // active+free ceiling; DefaultMaxConnsPerHost if <= 0
	Resolver  *net.Resolver
}

// Pool is a per-origin connection pool: an active set of borrowed
// connections, a free list of idle ones, and the endpoint list a fresh
// connection is dialed against.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	tlsConfig *tls.Config
	userAgent string
	logger    *logrus.Entry
	resolver  *net.Resolver
	maxSize   int

	scheme string
	host   string // host[:port], for SNI/Host header; empty for unix
	looked bool

	endpoints     []connection.Endpoint
	endpointConns map[string]int

	active map[*connection.Connection]struct{}
	free   []*connection.Connection
}

// New constructs a Pool. Lookup must be called before Borrow.
func New(cfg Config) *Pool {
	p := &Pool{
		tlsConfig:     cfg.TLSConfig,
		userAgent:     cfg.UserAgent,
		logger:        cfg.Logger,
		resolver:      cfg.Resolver,
		maxSize:       cfg.MaxSize,
		active:        make(map[*connection.Connection]struct{}),
		endpointConns: make(map[string]int),
	}
	if p.maxSize <= 0 {
		p.maxSize = constants.DefaultMaxConnsPerHost
	}
	if p.resolver == nil {
		p.resolver = net.DefaultResolver
	}
	if p.logger == nil {
		p.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Lookup resolves authority to its endpoint set exactly once; later calls
// are no-ops. Use Refresh to force re-resolution.
func (p *Pool) Lookup(ctx context.Context, authority string) error {
	p.mu.Lock()
	done := p.looked
	p.mu.Unlock()
	if done {
		return nil
	}
	return p.Refresh(ctx, authority)
}

// Refresh re-resolves authority unconditionally, replacing the endpoint set.
// Existing borrowed/free connections are left alone; only future dials are
// affected.
func (p *Pool) Refresh(ctx context.Context, authority string) error {
	auth, err := ParseAuthority(authority)
	if err != nil {
		return err
	}

	var endpoints []connection.Endpoint
	if auth.Scheme == "unix" {
		endpoints = []connection.Endpoint{{Network: "unix", Address: auth.SocketPath}}
	} else {
		host, port, err := net.SplitHostPort(auth.Host)
		if err != nil {
			return errors.NewValidationError("splitting authority host/port: " + err.Error())
		}
		timer := timing.NewTimer()
		timer.StartDNS()
		addrs, err := p.resolver.LookupIPAddr(ctx, host)
		timer.EndDNS()
		p.logger.WithField("dns_lookup", timer.GetMetrics().DNSLookup).WithField("host", host).Debug("resolved authority")
		if err != nil {
			return errors.NewDNSError(host, err)
		}
		for _, addr := range addrs {
			endpoints = append(endpoints, connection.Endpoint{
				Network: "tcp",
				Address: net.JoinHostPort(addr.IP.String(), port),
			})
		}
	}
	if len(endpoints) == 0 {
		return errors.NewNotFoundError(authority)
	}

	scheme := auth.Scheme
	if scheme == "ws" {
		scheme = "http"
	} else if scheme == "wss" {
		scheme = "https"
	}

	p.mu.Lock()
	p.scheme = scheme
	p.host = auth.Host
	p.endpoints = endpoints
	p.endpointConns = make(map[string]int, len(endpoints))
	for _, e := range endpoints {
		p.endpointConns[e.String()] = 0
	}
	p.looked = true
	p.mu.Unlock()
	return nil
}

// Borrow returns an idle connection from the free list, creates a new one
// against the least-used endpoint when under maxSize, or waits on the
// condition variable for one to be returned. A cancelled ctx wakes the
// waiter with ErrorTypeAborted without consuming a connection.
func (p *Pool) Borrow(ctx context.Context) (*connection.Connection, error) {
	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, errors.NewAbortedError("pool borrow")
		}

		if n := len(p.free); n > 0 {
			c := p.free[n-1]
			p.free = p.free[:n-1]
			if !c.Usable() {
				p.discardLocked(c)
				continue
			}
			p.active[c] = struct{}{}
			p.mu.Unlock()
			return c, nil
		}

		if len(p.active)+len(p.free) < p.maxSize {
			p.mu.Unlock()
			return p.createAndConnect(ctx)
		}

		if err := p.waitLocked(ctx); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
}

// Return implements return_connection(handle): if the connection is still
// open, healthy, and under its keep-alive ceiling, it moves to free and a
// waiter is woken; otherwise it is closed and dropped. Connections released
// automatically via Stream draining reach here through onRelease instead;
// Return is for callers that borrowed a connection outside a Stream's
// lifecycle (e.g. after Steal was abandoned).
func (p *Pool) Return(c *connection.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returnLocked(c, c.Usable())
}

// Remove implements remove_connection(handle): unconditional discard.
func (p *Pool) Remove(c *connection.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, c)
	p.discardLocked(c)
	p.cond.Signal()
}

// Steal borrows a connection exactly like Borrow, then removes it from the
// pool's accounting entirely so the caller owns it outright (used before a
// websocket upgrade handshake, since an upgraded connection can never
// return to the HTTP/1.1 pool).
func (p *Pool) Steal(ctx context.Context) (*connection.Connection, error) {
	c, err := p.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	delete(p.active, c)
	p.decrementEndpointLocked(c.Endpoint())
	p.mu.Unlock()
	c.SetPoolHook(nil)
	return c, nil
}

// onRelease is installed on every connection this pool hands out; it is
// invoked by connection.Connection.Release once a Stream finishes draining
// (or is abandoned), implementing the automatic half of return_connection.
func (p *Pool) onRelease(c *connection.Connection, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[c]; !ok {
		// Already stolen or removed explicitly; nothing to do.
		return
	}
	p.returnLocked(c, healthy)
}

func (p *Pool) returnLocked(c *connection.Connection, healthy bool) {
	delete(p.active, c)
	if healthy && c.Usable() {
		p.free = append(p.free, c)
	} else {
		p.discardLocked(c)
	}
	p.cond.Signal()
}

func (p *Pool) discardLocked(c *connection.Connection) {
	c.Close()
	p.decrementEndpointLocked(c.Endpoint())
}

func (p *Pool) decrementEndpointLocked(ep connection.Endpoint) {
	key := ep.String()
	if n, ok := p.endpointConns[key]; ok {
		if n <= 1 {
			delete(p.endpointConns, key)
		} else {
			p.endpointConns[key] = n - 1
		}
	}
}

// createAndConnect dials the least-used endpoint, retrying against the next
// least-used endpoint on failure and dropping the failed one from rotation.
// It surfaces a not-found error once the endpoint list is exhausted.
func (p *Pool) createAndConnect(ctx context.Context) (*connection.Connection, error) {
	for {
		p.mu.Lock()
		if len(p.active)+len(p.free) >= p.maxSize {
			// Another borrower took the last slot after Borrow's check.
			p.mu.Unlock()
			return p.Borrow(ctx)
		}
		if len(p.endpoints) == 0 {
			host := p.host
			p.mu.Unlock()
			return nil, errors.NewNotFoundError(host)
		}
		ep := p.leastUsedLocked()
		c := connection.New(connection.Config{
			Host:      p.host,
			Scheme:    p.scheme,
			TLSConfig: p.tlsConfig,
			UserAgent: p.userAgent,
			Logger:    p.logger,
		})
		p.active[c] = struct{}{}
		p.endpointConns[ep.String()]++
		p.mu.Unlock()

		if err := c.Connect(ctx, ep); err != nil {
			p.mu.Lock()
			delete(p.active, c)
			p.decrementEndpointLocked(ep)
			p.removeEndpointLocked(ep)
			p.logger.WithError(err).WithField("endpoint", ep.String()).Debug("dropping unreachable endpoint")
			p.mu.Unlock()
			continue
		}

		c.SetPoolHook(p.onRelease)
		return c, nil
	}
}

func (p *Pool) leastUsedLocked() connection.Endpoint {
	best := p.endpoints[0]
	bestCount := p.endpointConns[best.String()]
	for _, ep := range p.endpoints[1:] {
		if n := p.endpointConns[ep.String()]; n < bestCount {
			best, bestCount = ep, n
		}
	}
	return best
}

func (p *Pool) removeEndpointLocked(ep connection.Endpoint) {
	for i, e := range p.endpoints {
		if e == ep {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			break
		}
	}
	delete(p.endpointConns, ep.String())
}

// waitLocked blocks on the pool's condition variable until a connection is
// returned or ctx is cancelled, holding p.mu on return in either case.
func (p *Pool) waitLocked(ctx context.Context) error {
	if ctx.Done() == nil {
		p.cond.Wait()
		return nil
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
	}()
	p.cond.Wait()
	close(stop)

	if err := ctx.Err(); err != nil {
		return errors.NewAbortedError("pool borrow")
	}
	return nil
}

// Stats reports the current size of the active and free sets, for tests and
// diagnostics.
type Stats struct {
	Active int
	Free   int
}

// Stats returns a snapshot of the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: len(p.active), Free: len(p.free)}
}

// Close closes every free and active connection and clears both sets. It
// does not mark the pool closed: the endpoint list is kept, and a later
// Borrow dials a new connection as usual.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.active {
		c.Close()
	}
	for _, c := range p.free {
		c.Close()
	}
	p.active = make(map[*connection.Connection]struct{})
	p.free = nil
	p.cond.Broadcast()
	return nil
}
