package stream

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/cppalliance/go-requests/pkg/header"
)

type fakeReleaser struct {
	called  bool
	healthy bool
}

func (f *fakeReleaser) Release(healthy bool) {
	f.called = true
	f.healthy = healthy
}

func newHeader(status int) *header.Set {
	h := header.New()
	h.StatusCode = status
	return h
}

func drainString(t *testing.T, s *Stream) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 3)
	for {
		n, err := s.ReadSome(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadSome: %v", err)
		}
	}
	return string(out)
}

func TestStream_FixedFraming(t *testing.T) {
	h := newHeader(200)
	h.Add("Content-Length", "5")
	r := bufio.NewReader(strings.NewReader("hello" + "trailing garbage not read"))
	rel := &fakeReleaser{}
	s := New(h, r, "GET", rel)

	got := drainString(t, s)
	if got != "hello" {
		t.Errorf("body = %q, want hello", got)
	}
	if !s.Done() {
		t.Error("expected Done() true after EOF")
	}
	if !rel.called || !rel.healthy {
		t.Errorf("releaser = %+v, want called healthy", rel)
	}
}

func TestStream_NoBodyStatus(t *testing.T) {
	h := newHeader(204)
	r := bufio.NewReader(strings.NewReader(""))
	rel := &fakeReleaser{}
	s := New(h, r, "GET", rel)

	if !s.Done() {
		t.Error("a 204 with nothing buffered should finish immediately")
	}
	if !rel.called || !rel.healthy {
		t.Error("expected immediate healthy release for a bodyless status")
	}
	n, err := s.ReadSome(make([]byte, 4))
	if n != 0 || err != io.EOF {
		t.Errorf("ReadSome on a finished stream = (%d, %v), want (0, EOF)", n, err)
	}
}

func TestStream_HeadRequestNoBody(t *testing.T) {
	h := newHeader(200)
	h.Add("Content-Length", "100")
	r := bufio.NewReader(strings.NewReader(""))
	rel := &fakeReleaser{}
	s := New(h, r, "HEAD", rel)

	if !s.Done() {
		t.Error("a HEAD response with nothing buffered should finish immediately")
	}
}

func TestStream_UntilClose(t *testing.T) {
	h := newHeader(200)
	r := bufio.NewReader(strings.NewReader("streamed until eof"))
	rel := &fakeReleaser{}
	s := New(h, r, "GET", rel)

	got := drainString(t, s)
	if got != "streamed until eof" {
		t.Errorf("body = %q", got)
	}
	if !rel.called || !rel.healthy {
		t.Error("expected healthy release at close-terminated EOF")
	}
}

func TestStream_Chunked(t *testing.T) {
	raw := "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	h := newHeader(200)
	h.Add("Transfer-Encoding", "chunked")
	r := bufio.NewReader(strings.NewReader(raw))
	rel := &fakeReleaser{}
	s := New(h, r, "GET", rel)

	got := drainString(t, s)
	if got != "Wikipedia" {
		t.Errorf("body = %q, want Wikipedia", got)
	}
	if !rel.called || !rel.healthy {
		t.Error("expected healthy release after chunked EOF")
	}
}

// A chunked body consisting of a single empty chunk is accepted as a
// zero-length body.
func TestStream_ChunkedEmptyBody(t *testing.T) {
	raw := "0\r\n\r\n"
	h := newHeader(200)
	h.Add("Transfer-Encoding", "chunked")
	r := bufio.NewReader(strings.NewReader(raw))
	rel := &fakeReleaser{}
	s := New(h, r, "GET", rel)

	got := drainString(t, s)
	if got != "" {
		t.Errorf("body = %q, want empty", got)
	}
	if !rel.called || !rel.healthy {
		t.Error("expected healthy release for an empty chunked body")
	}
}

func TestStream_ChunkedWithTrailers(t *testing.T) {
	raw := "3\r\nfoo\r\n0\r\nX-Checksum: abc\r\n\r\n"
	h := newHeader(200)
	h.Add("Transfer-Encoding", "chunked")
	r := bufio.NewReader(strings.NewReader(raw))
	rel := &fakeReleaser{}
	s := New(h, r, "GET", rel)

	got := drainString(t, s)
	if got != "foo" {
		t.Errorf("body = %q, want foo", got)
	}
	if v, ok := h.Find("X-Checksum"); !ok || v != "abc" {
		t.Errorf("trailer X-Checksum = (%q, %v), want (abc, true)", v, ok)
	}
}

func TestStream_ReadAll(t *testing.T) {
	h := newHeader(200)
	h.Add("Content-Length", "11")
	r := bufio.NewReader(strings.NewReader("hello world"))
	s := New(h, r, "GET", &fakeReleaser{})

	buf, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	rr, err := buf.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer rr.Close()
	data, err := io.ReadAll(rr)
	if err != nil {
		t.Fatalf("ReadAll io: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("ReadAll = %q, want hello world", string(data))
	}
}

func TestStream_Dump(t *testing.T) {
	h := newHeader(200)
	h.Add("Content-Length", "5")
	r := bufio.NewReader(strings.NewReader("abcde"))
	rel := &fakeReleaser{}
	s := New(h, r, "GET", rel)
	if err := s.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !s.Done() {
		t.Error("expected Done() true after Dump")
	}
	if !rel.called || !rel.healthy {
		t.Error("expected healthy release after Dump")
	}
}

func TestStream_CloseBeforeDrainIsUnhealthy(t *testing.T) {
	h := newHeader(200)
	h.Add("Content-Length", "100")
	r := bufio.NewReader(strings.NewReader("only partial"))
	rel := &fakeReleaser{}
	s := New(h, r, "GET", rel)

	buf := make([]byte, 4)
	if _, err := s.ReadSome(buf); err != nil {
		t.Fatalf("ReadSome: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !rel.called || rel.healthy {
		t.Errorf("releaser = %+v, want called unhealthy after abandoning a partial stream", rel)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
