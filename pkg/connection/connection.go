// Package connection implements a single-host HTTP/1.1 pipeline: a
// connected byte stream plus the two-mutex (write/read) protocol that lets
// a response stream hold the read side while the next request begins
// writing.
package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cppalliance/go-requests/pkg/constants"
	"github.com/cppalliance/go-requests/pkg/cookiejar"
	"github.com/cppalliance/go-requests/pkg/errors"
	"github.com/cppalliance/go-requests/pkg/header"
	"github.com/cppalliance/go-requests/pkg/setcookie"
	"github.com/cppalliance/go-requests/pkg/source"
	"github.com/cppalliance/go-requests/pkg/stream"
	"github.com/cppalliance/go-requests/pkg/timing"
	"github.com/cppalliance/go-requests/pkg/tlsconfig"
)

// Endpoint is a resolved transport address: either a TCP address or a local
// socket path.
type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string
}

func (e Endpoint) String() string {
	return e.Network + ":" + e.Address
}

// PoolHook lets a connection pool observe when a borrowed connection's
// read-side lock is released, so it can decide whether to return the
// connection to its free list or discard it.
type PoolHook func(c *Connection, healthy bool)

// Connection is a single-host HTTP/1.1 request/response engine.
type Connection struct {
	writeMtx sync.Mutex
	readMtx  sync.Mutex

	host   string // SNI / Host header / verification name
	scheme string // "http", "https", or "unix"

	tlsConfig *tls.Config
	userAgent string
	logger    *logrus.Entry

	mu       sync.Mutex // guards the fields below
	endpoint Endpoint
	conn     net.Conn
	br       *bufio.Reader
	closed   bool

	keepAliveTimeout     time.Duration
	keepAliveMaxRequests int
	requestsServed       int
	lastUsed             time.Time

	poolHook PoolHook

	lastMetrics timing.Metrics
}

// Config bundles the per-connection settings that do not change across
// requests.
type Config struct {
	Host      string
	Scheme    string // "http", "https", or "unix"
	TLSConfig *tls.Config
	UserAgent string
	Logger    *logrus.Entry
}

// New constructs an unconnected Connection. Connect must be called (or is
// called implicitly by OpenRequest) before it can serve a request.
func New(cfg Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "go-requests/1.0"
	}
	return &Connection{
		host:      cfg.Host,
		scheme:    cfg.Scheme,
		tlsConfig: cfg.TLSConfig,
		userAgent: ua,
		logger:    logger,
		closed:    true, // not yet connected
	}
}

// SetHost records the SNI / verification hostname. Idempotent.
func (c *Connection) SetHost(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = name
}

// SetPoolHook installs the callback a pool uses to reclaim or discard this
// connection when its read side is released. Pools call this once, at
// borrow time.
func (c *Connection) SetPoolHook(hook PoolHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolHook = hook
}

// Endpoint returns the resolved address this connection is (or was) bound
// to.
func (c *Connection) Endpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Usable reports whether the connection is open and within its keep-alive
// ceiling.
func (c *Connection) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked()
}

func (c *Connection) usableLocked() bool {
	if c.closed || c.conn == nil {
		return false
	}
	if c.keepAliveMaxRequests > 0 && c.requestsServed >= c.keepAliveMaxRequests {
		return false
	}
	if c.keepAliveTimeout > 0 && time.Since(c.lastUsed) > c.keepAliveTimeout {
		return false
	}
	return true
}

// Connect establishes the underlying transport to endpoint, performing a
// TLS handshake as part of connect when scheme is https.
func (c *Connection) Connect(ctx context.Context, endpoint Endpoint) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	c.readMtx.Lock()
	defer c.readMtx.Unlock()
	return c.connectLocked(ctx, endpoint)
}

func (c *Connection) connectLocked(ctx context.Context, endpoint Endpoint) error {
	timer := timing.NewTimer()

	timer.StartTCP()
	dialer := &net.Dialer{Timeout: constants.DefaultConnTimeout}
	raw, err := dialer.DialContext(ctx, endpoint.Network, endpoint.Address)
	timer.EndTCP()
	if err != nil {
		return errors.NewConnectionError(c.host, 0, err)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	conn := raw
	if c.scheme == "https" || c.scheme == "wss" {
		timer.StartTLS()
		conn, err = c.upgradeTLS(ctx, raw)
		timer.EndTLS()
		if err != nil {
			raw.Close()
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.endpoint = endpoint
	c.closed = false
	c.requestsServed = 0
	c.lastUsed = time.Now()
	c.keepAliveTimeout = constants.DefaultKeepAliveTimeout
	c.keepAliveMaxRequests = constants.DefaultKeepAliveMaxRequests
	c.lastMetrics = timer.GetMetrics()
	c.mu.Unlock()

	c.logger.WithField("endpoint", endpoint.String()).Debug("connection established")
	return nil
}

// Metrics returns timing for the most recent connect and request on this
// connection (DNS is not attributed here since resolution happens once at
// the pool level; see pool.Pool.Lookup).
func (c *Connection) Metrics() timing.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMetrics
}

// upgradeTLS wraps conn in a TLS client connection and verifies the peer,
// applying a handshake timeout, SNI, and the version profile from
// pkg/tlsconfig.
func (c *Connection) upgradeTLS(ctx context.Context, conn net.Conn) (net.Conn, error) {
	cfg := c.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: hostOnly(c.host)}
		tlsconfig.ApplyVersionProfile(cfg, tlsconfig.ProfileSecure)
		tlsconfig.ApplyCipherSuites(cfg, cfg.MinVersion)
	} else {
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = hostOnly(c.host)
		}
	}

	hsCtx, cancel := context.WithTimeout(ctx, constants.DefaultConnTimeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return nil, errors.NewTLSError(c.host, 0, err)
	}
	return tlsConn, nil
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// Close tears down the underlying transport, if any. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	if err != nil {
		return errors.NewIOError("closing connection", err)
	}
	return nil
}

// Release implements stream.Releaser: it unlocks the read side, updates
// keep-alive bookkeeping, and hands the healthy verdict up to whatever
// pool hook is installed so the pool can return or discard the connection.
func (c *Connection) Release(healthy bool) {
	c.mu.Lock()
	if !healthy {
		c.closeLocked()
	} else {
		c.lastUsed = time.Now()
	}
	hook := c.poolHook
	usable := c.usableLocked()
	c.mu.Unlock()

	c.readMtx.Unlock()

	if hook != nil {
		hook(c, healthy && usable)
	}
}

// OpenRequest is the central connection operation: write a request and
// return a Stream positioned at the first body byte.
//
// Request-writing protocol:
//  1. Normalize: set/remove Cookie from the jar, ensure Host/User-Agent.
//  2. Connect if closed.
//  3. Write request line + headers (Content-Length or chunked, from source.Size()).
//  4. Write body via repeated source.ReadSome.
//  5. On broken-pipe/connection-reset during write, close and retry once.
//  6. Read response head; construct the stream.
//  7. Consume Set-Cookie headers into the jar.
func (c *Connection) OpenRequest(ctx context.Context, method, target string, hdrs map[string][]string, src source.Source, jar *cookiejar.Jar, endpoint Endpoint) (*stream.Stream, error) {
	c.writeMtx.Lock()

	h, err := c.attemptRequest(ctx, method, target, hdrs, src, jar, endpoint, false)
	if err != nil && isBrokenPipe(err) {
		h, err = c.attemptRequest(ctx, method, target, hdrs, src, jar, endpoint, true)
	}
	if err != nil {
		c.writeMtx.Unlock()
		return nil, err
	}

	// stream.New calls back into c.Release immediately for bodyless
	// responses (HEAD, 1xx, 204, 304); otherwise readMtx stays held by
	// the stream until the caller drains or dumps it.
	st := stream.New(h, c.currentReader(), method, c)
	c.writeMtx.Unlock()

	return st, nil
}

// attemptRequest performs steps 1-7 of the request-writing protocol once.
// retry=true means this is the single permitted reconnection attempt after
// a broken pipe.
func (c *Connection) attemptRequest(ctx context.Context, method, target string, hdrs map[string][]string, src source.Source, jar *cookiejar.Jar, endpoint Endpoint, retry bool) (*header.Set, error) {
	if retry {
		c.mu.Lock()
		c.closeLocked()
		c.mu.Unlock()
		if err := src.Reset(); err != nil {
			return nil, errors.NewIOError("resetting source for retry", err)
		}
	}

	if !c.Usable() {
		c.readMtx.Lock()
		err := c.connectLocked(ctx, endpoint)
		c.readMtx.Unlock()
		if err != nil {
			return nil, err
		}
	}

	out := c.buildRequestHeader(method, target, hdrs, src, jar)
	if err := c.writeAll(out); err != nil {
		return nil, err
	}
	if err := c.writeBody(src); err != nil {
		return nil, err
	}

	// Acquiring readMtx before releasing writeMtx is the caller's job
	// (OpenRequest holds writeMtx across this whole call); here we just
	// take readMtx now so that ordering invariant holds.
	c.readMtx.Lock()

	timer := timing.NewTimer()
	timer.StartTTFB()
	h, err := c.readResponseHead(method)
	timer.EndTTFB()
	if err != nil {
		c.readMtx.Unlock()
		c.mu.Lock()
		c.closeLocked()
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Lock()
	c.lastMetrics.TTFB = timer.GetMetrics().TTFB
	c.mu.Unlock()

	if jar != nil {
		c.consumeSetCookie(h, jar, target)
	}
	c.mu.Lock()
	c.requestsServed++
	c.mu.Unlock()
	c.applyKeepAlivePolicy(h)

	return h, nil
}

func (c *Connection) buildRequestHeader(method, target string, hdrs map[string][]string, src source.Source, jar *cookiejar.Jar) []byte {
	canon := make(map[string][]string, len(hdrs))
	for k, v := range hdrs {
		canon[canonicalHeader(k)] = v
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, target)

	has := func(name string) bool {
		_, ok := canon[canonicalHeader(name)]
		return ok
	}

	if !has("Host") {
		fmt.Fprintf(&b, "Host: %s\r\n", c.host)
	}
	if !has("User-Agent") {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", c.userAgent)
	}

	size, known := src.Size()
	if !has("Content-Type") && size != 0 {
		if ct := src.DefaultContentType(); ct != "" {
			fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
		}
	}
	chunked := !known
	if !has("Content-Length") && !has("Transfer-Encoding") {
		if chunked {
			b.WriteString("Transfer-Encoding: chunked\r\n")
		} else {
			fmt.Fprintf(&b, "Content-Length: %d\r\n", size)
		}
	}

	for name, values := range canon {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}

	if jar != nil {
		if cookieHeader := jar.Get(hostOnly(c.host), targetPath(target), c.scheme == "https"); cookieHeader != "" {
			fmt.Fprintf(&b, "Cookie: %s\r\n", cookieHeader)
		}
	}

	b.WriteString("\r\n")
	return []byte(b.String())
}

func canonicalHeader(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

func targetPath(target string) string {
	if u, err := url.Parse(target); err == nil {
		return u.Path
	}
	return target
}

func (c *Connection) writeAll(data []byte) error {
	conn := c.currentConn()
	written := 0
	for written < len(data) {
		n, err := conn.Write(data[written:])
		if err != nil {
			return errors.NewIOError("writing request", err)
		}
		written += n
	}
	return nil
}

func (c *Connection) writeBody(src source.Source) error {
	size, known := src.Size()
	if known && size == 0 {
		return nil
	}
	conn := c.currentConn()
	buf := make([]byte, 32*1024)

	if _, known := src.Size(); !known {
		return c.writeChunkedBody(conn, src, buf)
	}

	for {
		n, more, err := src.ReadSome(buf)
		if err != nil {
			return errors.NewIOError("reading request body", err)
		}
		if n > 0 {
			if err := c.writeAll(buf[:n]); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
	}
}

func (c *Connection) writeChunkedBody(conn net.Conn, src source.Source, buf []byte) error {
	for {
		n, more, err := src.ReadSome(buf)
		if err != nil {
			return errors.NewIOError("reading request body", err)
		}
		if n > 0 {
			chunkHeader := fmt.Sprintf("%x\r\n", n)
			if err := c.writeAll([]byte(chunkHeader)); err != nil {
				return err
			}
			if err := c.writeAll(buf[:n]); err != nil {
				return err
			}
			if err := c.writeAll([]byte("\r\n")); err != nil {
				return err
			}
		}
		if !more {
			return c.writeAll([]byte("0\r\n\r\n"))
		}
	}
}

func (c *Connection) readResponseHead(method string) (*header.Set, error) {
	r := c.currentReader()

	statusLine, err := readLine(r)
	if err != nil {
		return nil, errors.NewProtocolError("reading status line", err)
	}
	h := header.New()
	h.StatusLine = statusLine
	if err := parseStatusLine(statusLine, h); err != nil {
		return nil, err
	}

	if err := readHeaderFields(r, h); err != nil {
		return nil, err
	}
	return h, nil
}

const maxHeaderBytes = 64 * 1024

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseStatusLine(statusLine string, h *header.Set) error {
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return errors.NewProtocolError("invalid status line", nil)
	}
	h.HTTPVersion = parts[0]
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return errors.NewProtocolError("invalid status code", err)
	}
	h.StatusCode = code
	return nil
}

func readHeaderFields(r *bufio.Reader, h *header.Set) error {
	total := 0
	lastName := ""
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return errors.NewProtocolError("reading headers", err)
		}
		total += len(line)
		if total > maxHeaderBytes {
			return errors.NewProtocolError("headers exceed maximum size", nil)
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
		trimmed := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastName != "" {
				appendContinuation(h, lastName, strings.TrimSpace(trimmed))
			}
			continue
		}

		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		h.Add(name, strings.TrimSpace(value))
		lastName = name
	}
}

func appendContinuation(h *header.Set, name, extra string) {
	values := h.Values(name)
	if len(values) == 0 {
		return
	}
	values[len(values)-1] = values[len(values)-1] + " " + extra
}

func (c *Connection) consumeSetCookie(h *header.Set, jar *cookiejar.Jar, target string) {
	host := hostOnly(c.host)
	path := targetPath(target)
	for _, v := range h.Values("Set-Cookie") {
		// Each Set-Cookie header is parsed independently; unlike most
		// headers, multiple Set-Cookie fields are never comma-joined.
		sc, err := setcookie.Parse(v)
		if err != nil {
			c.logger.WithError(err).Debug("discarding malformed set-cookie value")
			continue
		}
		jar.Set(sc, host, path, false)
	}
}

// applyKeepAlivePolicy updates this connection's keep-alive ceiling from
// the response's Connection/Keep-Alive headers.
func (c *Connection) applyKeepAlivePolicy(h *header.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.ContainsToken("Connection", "close") {
		c.keepAliveMaxRequests = c.requestsServed
		return
	}
	if ka, ok := h.Find("Keep-Alive"); ok {
		for _, part := range strings.Split(ka, ",") {
			name, value, found := strings.Cut(part, "=")
			if !found {
				continue
			}
			name = strings.TrimSpace(name)
			value = strings.TrimSpace(value)
			switch strings.ToLower(name) {
			case "timeout":
				if secs, err := strconv.Atoi(value); err == nil {
					c.keepAliveTimeout = time.Duration(secs) * time.Second
				}
			case "max":
				if n, err := strconv.Atoi(value); err == nil {
					c.keepAliveMaxRequests = n
				}
			}
		}
	}
}

// Upgrade hands the raw connection to a websocket layer after a successful
// 101 Switching Protocols handshake. The returned *websocket.Conn owns the
// transport from this point; this Connection can never be reused for
// HTTP/1.1 again and should be removed from any pool accounting by the
// caller (via pool.Remove or pool.Steal) first.
func (c *Connection) Upgrade(ctx context.Context, target string, hdrs map[string][]string, jar *cookiejar.Jar, endpoint Endpoint) (*websocket.Conn, *header.Set, error) {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	hdrs = cloneHeaders(hdrs)
	hdrs[canonicalHeader("Connection")] = []string{"Upgrade"}
	hdrs[canonicalHeader("Upgrade")] = []string{"websocket"}

	empty := emptySourceSize{}
	h, err := c.attemptRequest(ctx, "GET", target, hdrs, empty, jar, endpoint, false)
	if err != nil {
		return nil, nil, err
	}
	if h.StatusCode != 101 {
		c.mu.Lock()
		c.closeLocked()
		c.mu.Unlock()
		c.readMtx.Unlock()
		return nil, h, errors.NewProtocolError("upgrade handshake rejected", nil)
	}

	conn := c.currentConn()
	br := c.currentReader()
	c.mu.Lock()
	c.closed = true // no longer usable as an HTTP/1.1 connection
	c.conn = nil
	c.br = nil
	c.mu.Unlock()
	c.readMtx.Unlock()

	wsConn := websocket.NewConn(conn, false, 0, 0, br, nil, nil)
	return wsConn, h, nil
}

func cloneHeaders(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in)+2)
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// emptySourceSize is a zero-length source used for the upgrade handshake,
// which never carries a body.
type emptySourceSize struct{}

func (emptySourceSize) Size() (int64, bool)               { return 0, true }
func (emptySourceSize) DefaultContentType() string        { return "" }
func (emptySourceSize) ReadSome([]byte) (int, bool, error) { return 0, false, nil }
func (emptySourceSize) Reset() error                       { return nil }

func (c *Connection) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Connection) currentReader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.br
}

func isBrokenPipe(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset")
}
