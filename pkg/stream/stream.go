// Package stream implements the response-body reader bound to one borrowed
// connection. A Stream is constructed once response headers have been
// parsed and the body is still pending; draining it to EOF — or calling
// Dump — releases the connection's read side back to whatever owns it.
package stream

import (
	"bufio"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/cppalliance/go-requests/pkg/buffer"
	"github.com/cppalliance/go-requests/pkg/errors"
	"github.com/cppalliance/go-requests/pkg/header"
)

// Releaser is implemented by whatever owns the read-side lock a Stream is
// holding (typically a connection). Release is called exactly once, either
// when the body finishes draining normally (healthy=true) or when the
// stream is abandoned or hits a framing error (healthy=false).
type Releaser interface {
	Release(healthy bool)
}

// framing describes how the body boundary is determined: Content-Length,
// chunked, or until-close.
type framing int

const (
	framingNone framing = iota // no body at all (HEAD, 1xx, 204, 304)
	framingFixed
	framingChunked
	framingUntilClose
)

// Stream exposes a response body as a byte stream while holding the read
// side of a connection.
type Stream struct {
	Header *header.Set

	r        *bufio.Reader
	releaser Releaser

	kind      framing
	remaining int64 // for framingFixed
	chunkLeft int64 // bytes left in the chunk currently being read, for framingChunked

	done   bool
	closed bool
}

// New constructs a Stream already positioned at the first body byte (or at
// EOF immediately, for bodies that have none), choosing framing from the
// response headers.
func New(h *header.Set, r *bufio.Reader, method string, releaser Releaser) *Stream {
	s := &Stream{Header: h, r: r, releaser: releaser}
	s.kind, s.remaining = selectFraming(h, method, r)
	if s.kind == framingNone {
		s.finish(true)
	}
	return s
}

func selectFraming(h *header.Set, method string, r *bufio.Reader) (framing, int64) {
	status := h.StatusCode
	if method == "HEAD" || (status >= 100 && status < 200) || status == 204 || status == 304 {
		// RFC 9110 §6.4.1: these must not carry a body. A peer that sends
		// one anyway (protocol violation) still gets read, matching the
		// raw-HTTP posture of reading exactly what arrived.
		if r.Buffered() == 0 {
			return framingNone, 0
		}
	}

	if h.ContainsToken("Transfer-Encoding", "chunked") {
		return framingChunked, 0
	}
	if cl, ok := h.Find("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return framingFixed, 0
		}
		return framingFixed, n
	}
	return framingUntilClose, 0
}

// ReadSome writes up to len(buf) bytes of body into buf. io.EOF is
// returned once the body (and, for chunked bodies, the trailer section)
// has been fully consumed; the connection is released as healthy at that
// point.
func (s *Stream) ReadSome(buf []byte) (int, error) {
	if s.done {
		return 0, io.EOF
	}
	switch s.kind {
	case framingFixed:
		return s.readSomeFixed(buf)
	case framingChunked:
		return s.readSomeChunked(buf)
	case framingUntilClose:
		return s.readSomeUntilClose(buf)
	default:
		s.finish(true)
		return 0, io.EOF
	}
}

func (s *Stream) readSomeFixed(buf []byte) (int, error) {
	if s.remaining <= 0 {
		s.finish(true)
		return 0, io.EOF
	}
	if int64(len(buf)) > s.remaining {
		buf = buf[:s.remaining]
	}
	n, err := s.r.Read(buf)
	s.remaining -= int64(n)
	if err != nil {
		if err == io.EOF {
			// Peer closed early: content-length mismatch. Raw-HTTP
			// posture is to accept whatever arrived rather than error.
			s.finish(true)
			return n, io.EOF
		}
		s.finish(false)
		return n, errors.NewIOError("reading fixed body", err)
	}
	if s.remaining == 0 {
		s.finish(true)
		return n, io.EOF
	}
	return n, nil
}

func (s *Stream) readSomeUntilClose(buf []byte) (int, error) {
	n, err := s.r.Read(buf)
	if err != nil {
		if err == io.EOF {
			s.finish(true)
			return n, io.EOF
		}
		s.finish(false)
		return n, errors.NewIOError("reading until-close body", err)
	}
	return n, nil
}

// readSomeChunked decodes chunk-size/chunk-data units into buf, per RFC
// 7230 §4.1. chunkLeft carries the remaining byte count of a chunk across
// calls when buf is smaller than the chunk.
func (s *Stream) readSomeChunked(buf []byte) (int, error) {
	tp := textproto.NewReader(s.r)

	if s.chunkLeft == 0 {
		line, err := tp.ReadLine()
		if err != nil {
			s.finish(false)
			return 0, errors.NewProtocolError("reading chunk size", err)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(strings.SplitN(line, ";", 2)[0]), 16, 64)
		if err != nil {
			s.finish(false)
			return 0, errors.NewProtocolError("invalid chunk size", err)
		}
		if size == 0 {
			if err := readTrailers(tp, s.Header); err != nil {
				s.finish(false)
				return 0, err
			}
			s.finish(true)
			return 0, io.EOF
		}
		s.chunkLeft = size
	}

	want := buf
	if int64(len(want)) > s.chunkLeft {
		want = want[:s.chunkLeft]
	}
	n, err := s.r.Read(want)
	s.chunkLeft -= int64(n)
	if err != nil {
		s.finish(false)
		return n, errors.NewIOError("reading chunk body", err)
	}
	if s.chunkLeft == 0 {
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			s.finish(false)
			return n, errors.NewIOError("reading chunk CRLF", err)
		}
	}
	return n, nil
}

func readTrailers(tp *textproto.Reader, h *header.Set) error {
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewProtocolError("reading chunk trailer", err)
		}
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

// ReadAll drains the stream to EOF and returns the accumulated body,
// spilling to disk past buffer.DefaultMemoryLimit.
func (s *Stream) ReadAll() (*buffer.Buffer, error) {
	out := buffer.New(buffer.DefaultMemoryLimit)
	tmp := make([]byte, 32*1024)
	for {
		n, err := s.ReadSome(tmp)
		if n > 0 {
			if _, werr := out.Write(tmp[:n]); werr != nil {
				return nil, werr
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Dump discards the remaining body, cheaply and safely even after partial
// reads.
func (s *Stream) Dump() error {
	if s.done {
		return nil
	}
	tmp := make([]byte, 32*1024)
	for {
		_, err := s.ReadSome(tmp)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Done reports whether the body has been fully consumed (or dumped).
func (s *Stream) Done() bool {
	return s.done
}

// Close abandons the stream. If the body was not fully drained, the
// underlying connection is not reusable and is reported unhealthy to the
// releaser — framing would otherwise be ambiguous for the next request on
// that connection.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.done {
		s.finish(false)
	}
	return nil
}

func (s *Stream) finish(healthy bool) {
	if s.done {
		return
	}
	s.done = true
	if s.releaser != nil {
		s.releaser.Release(healthy)
	}
}
