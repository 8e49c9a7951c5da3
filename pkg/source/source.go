// Package source implements a lazy, restartable request-body producer. A
// Source is consulted once to decide request framing (Content-Length vs
// chunked) and then drained via ReadSome; on a redirect hop the session (and,
// on its single write retry, the connection) calls Reset to replay the same
// bytes.
package source

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/url"
	"os"

	"github.com/cppalliance/go-requests/pkg/buffer"
	"github.com/cppalliance/go-requests/pkg/errors"
)

// Source is a polymorphic body producer.
type Source interface {
	// Size returns the byte count when known, and whether it is known at
	// all; an unknown size selects chunked transfer encoding.
	Size() (n int64, known bool)
	// DefaultContentType returns the MIME type to use when the caller did
	// not supply an explicit Content-Type header.
	DefaultContentType() string
	// ReadSome writes up to len(buf) bytes into buf, returning the count
	// read and whether more data follows. more=false signals EOF, possibly
	// with n>0 on the final call.
	ReadSome(buf []byte) (n int, more bool, err error)
	// Reset re-initializes the source to produce the same byte sequence
	// again. Sources backed by an unrewindable stream must fail here.
	Reset() error
}

// Empty is a zero-length source; never chunked.
type Empty struct{}

func (Empty) Size() (int64, bool)         { return 0, true }
func (Empty) DefaultContentType() string  { return "" }
func (Empty) ReadSome([]byte) (int, bool, error) {
	return 0, false, nil
}
func (Empty) Reset() error { return nil }

// Bytes is a fixed in-memory byte payload.
type Bytes struct {
	data []byte
	pos  int
}

// NewBytes wraps a byte slice as a Source.
func NewBytes(data []byte) *Bytes {
	return &Bytes{data: data}
}

func (b *Bytes) Size() (int64, bool)        { return int64(len(b.data)), true }
func (b *Bytes) DefaultContentType() string { return "application/octet-stream" }

func (b *Bytes) ReadSome(buf []byte) (int, bool, error) {
	if b.pos >= len(b.data) {
		return 0, false, nil
	}
	n := copy(buf, b.data[b.pos:])
	b.pos += n
	return n, b.pos < len(b.data), nil
}

func (b *Bytes) Reset() error {
	b.pos = 0
	return nil
}

// FromBuffer wraps a *buffer.Buffer (spilled-to-disk or in-memory) as a
// Source, for callers streaming an already-captured payload (e.g. a
// redirect history entry being replayed).
func FromBuffer(buf *buffer.Buffer) (*Bytes, error) {
	r, err := buf.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.NewIOError("reading buffer into source", err)
	}
	return NewBytes(data), nil
}

// Form is an application/x-www-form-urlencoded source.
type Form struct {
	*Bytes
}

// NewForm encodes values as a form body.
func NewForm(values url.Values) *Form {
	return &Form{Bytes: NewBytes([]byte(values.Encode()))}
}

func (f *Form) DefaultContentType() string {
	return "application/x-www-form-urlencoded"
}

// JSONValue marshals v as a JSON source.
type JSONValue struct {
	*Bytes
}

// NewJSON marshals v to JSON, failing immediately on an unmarshalable value.
func NewJSON(v interface{}) (*JSONValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewValidationError("marshaling json source: " + err.Error())
	}
	return &JSONValue{Bytes: NewBytes(data)}, nil
}

func (j *JSONValue) DefaultContentType() string {
	return "application/json"
}

// MultipartField is one field of a multipart/form-data body: either a plain
// value (FileName empty) or a file part.
type MultipartField struct {
	Name     string
	FileName string
	Content  []byte
}

// Multipart is a multipart/form-data source with an explicit random
// boundary, built once and then served like a Bytes source (mirrors the
// stdlib's own mime/multipart.Writer boundary generation).
type Multipart struct {
	*Bytes
	boundary string
}

// NewMultipart renders fields into a multipart/form-data body.
func NewMultipart(fields []MultipartField) (*Multipart, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		var part io.Writer
		var err error
		if f.FileName != "" {
			part, err = w.CreateFormFile(f.Name, f.FileName)
		} else {
			part, err = w.CreateFormField(f.Name)
		}
		if err != nil {
			return nil, errors.NewValidationError("building multipart field " + f.Name + ": " + err.Error())
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, errors.NewIOError("writing multipart field "+f.Name, err)
		}
	}
	boundary := w.Boundary()
	if err := w.Close(); err != nil {
		return nil, errors.NewValidationError("closing multipart writer: " + err.Error())
	}
	return &Multipart{Bytes: NewBytes(buf.Bytes()), boundary: boundary}, nil
}

// Boundary returns the random boundary string chosen for this payload.
func (m *Multipart) Boundary() string {
	return m.boundary
}

func (m *Multipart) DefaultContentType() string {
	return "multipart/form-data; boundary=" + m.boundary
}

// File is a filesystem-file-backed source. Reset reopens the path, so it
// fails if the underlying file has been removed or renamed since the first
// read began.
type File struct {
	path string
	size int64
	f    *os.File
}

// NewFile opens path and stats it to determine a known Content-Length.
func NewFile(path string) (*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewIOError("stat file source", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIOError("open file source", err)
	}
	return &File{path: path, size: fi.Size(), f: f}, nil
}

func (f *File) Size() (int64, bool)        { return f.size, true }
func (f *File) DefaultContentType() string { return "application/octet-stream" }

func (f *File) ReadSome(buf []byte) (int, bool, error) {
	n, err := f.f.Read(buf)
	if err == io.EOF {
		return n, false, nil
	}
	if err != nil {
		return n, false, errors.NewIOError("reading file source", err)
	}
	return n, true, nil
}

func (f *File) Reset() error {
	if err := f.f.Close(); err != nil {
		return errors.NewIOError("closing file source for reset", err)
	}
	nf, err := os.Open(f.path)
	if err != nil {
		return errors.NewIOError("reopening file source", err)
	}
	f.f = nf
	return nil
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	return f.f.Close()
}
