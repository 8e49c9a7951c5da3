package connection

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cppalliance/go-requests/pkg/cookiejar"
	"github.com/cppalliance/go-requests/pkg/source"
)

// startServer accepts one connection per Accept loop iteration and hands it
// to handle on its own goroutine, so each test controls exactly one
// request/response exchange over a raw TCP socket.
func startServer(t *testing.T, handle func(conn net.Conn, req *http.Request)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				handle(conn, req)
			}()
		}
	}()
	return ln.Addr().String()
}

func newTestConnection(addr string) *Connection {
	return New(Config{Host: addr, Scheme: "http"})
}

func mustConnect(t *testing.T, c *Connection, addr string) {
	t.Helper()
	ep := Endpoint{Network: "tcp", Address: addr}
	if err := c.Connect(context.Background(), ep); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// An echoed GET returns the body the server sent.
func TestConnection_Echo(t *testing.T) {
	addr := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	})

	c := newTestConnection(addr)
	mustConnect(t, c, addr)

	st, err := c.OpenRequest(context.Background(), "GET", "/", nil, source.Empty{}, nil, Endpoint{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	if st.Header.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", st.Header.StatusCode)
	}
	buf, err := st.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(buf.Bytes()) != "hello" {
		t.Errorf("body = %q, want hello", string(buf.Bytes()))
	}
}

func TestConnection_HostAndUserAgentDefaults(t *testing.T) {
	var gotHost, gotUA string
	addr := startServer(t, func(conn net.Conn, req *http.Request) {
		gotHost = req.Host
		gotUA = req.UserAgent()
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	})

	c := newTestConnection(addr)
	mustConnect(t, c, addr)

	st, err := c.OpenRequest(context.Background(), "GET", "/", nil, source.Empty{}, nil, Endpoint{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	st.Dump()

	if gotHost != addr {
		t.Errorf("Host = %q, want %q", gotHost, addr)
	}
	if !strings.HasPrefix(gotUA, "go-requests/") {
		t.Errorf("User-Agent = %q, want a go-requests/ default", gotUA)
	}
}

func TestConnection_ContentLengthFraming(t *testing.T) {
	var gotBody []byte
	var gotTE []string
	addr := startServer(t, func(conn net.Conn, req *http.Request) {
		gotTE = req.TransferEncoding
		buf := make([]byte, req.ContentLength)
		io := 0
		for io < len(buf) {
			n, err := req.Body.Read(buf[io:])
			io += n
			if err != nil {
				break
			}
		}
		gotBody = buf
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	})

	c := newTestConnection(addr)
	mustConnect(t, c, addr)

	src := source.NewBytes([]byte("payload"))
	st, err := c.OpenRequest(context.Background(), "POST", "/", nil, src, nil, Endpoint{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	st.Dump()

	if len(gotTE) != 0 {
		t.Errorf("TransferEncoding = %v, want none for a known-size source", gotTE)
	}
	if string(gotBody) != "payload" {
		t.Errorf("body = %q, want payload", string(gotBody))
	}
}

// unknownSizeSource reports its size as unknown, forcing chunked framing.
type unknownSizeSource struct {
	*source.Bytes
}

func (u unknownSizeSource) Size() (int64, bool) { return 0, false }

func TestConnection_ChunkedFraming(t *testing.T) {
	var gotBody []byte
	var gotTE []string
	addr := startServer(t, func(conn net.Conn, req *http.Request) {
		gotTE = req.TransferEncoding
		body := make([]byte, 0, 64)
		buf := make([]byte, 64)
		for {
			n, err := req.Body.Read(buf)
			body = append(body, buf[:n]...)
			if err != nil {
				break
			}
		}
		gotBody = body
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	})

	c := newTestConnection(addr)
	mustConnect(t, c, addr)

	src := unknownSizeSource{Bytes: source.NewBytes([]byte("streamed body"))}
	st, err := c.OpenRequest(context.Background(), "POST", "/", nil, src, nil, Endpoint{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	st.Dump()

	if len(gotTE) == 0 || gotTE[0] != "chunked" {
		t.Errorf("TransferEncoding = %v, want [chunked]", gotTE)
	}
	if string(gotBody) != "streamed body" {
		t.Errorf("body = %q, want \"streamed body\"", string(gotBody))
	}
}

func TestConnection_SetCookieConsumedIntoJar(t *testing.T) {
	addr := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nSet-Cookie: k=v; Path=/\r\nContent-Length: 0\r\n\r\n")
	})

	c := newTestConnection(addr)
	mustConnect(t, c, addr)
	jar := cookiejar.New()

	st, err := c.OpenRequest(context.Background(), "GET", "/", nil, source.Empty{}, jar, Endpoint{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	st.Dump()

	host, _, _ := net.SplitHostPort(addr)
	if got := jar.Get(host, "/", false); got != "k=v" {
		t.Errorf("jar.Get = %q, want k=v", got)
	}
}

func TestConnection_ConnectionCloseMakesUnusable(t *testing.T) {
	addr := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	})

	c := newTestConnection(addr)
	mustConnect(t, c, addr)

	st, err := c.OpenRequest(context.Background(), "GET", "/", nil, source.Empty{}, nil, Endpoint{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	st.Dump()

	if c.Usable() {
		t.Error("expected Usable() false after a Connection: close response")
	}
}

func TestConnection_KeepAliveTimeoutParsed(t *testing.T) {
	addr := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nKeep-Alive: timeout=1, max=5\r\nContent-Length: 0\r\n\r\n")
	})

	c := newTestConnection(addr)
	mustConnect(t, c, addr)

	st, err := c.OpenRequest(context.Background(), "GET", "/", nil, source.Empty{}, nil, Endpoint{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	st.Dump()

	if !c.Usable() {
		t.Fatal("expected the connection still usable right after the response")
	}

	// Force the recorded lastUsed time far enough in the past that the
	// server's advertised 1s keep-alive timeout has elapsed.
	c.mu.Lock()
	c.lastUsed = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()

	if c.Usable() {
		t.Error("expected Usable() false once the Keep-Alive timeout has elapsed")
	}
}
