// Package stream serves file bodies with single-range HTTP Range support.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fruitsalade/mediavault/internal/media"
)

// Chunk sizes used by the copy loop.
const (
	AudioChunkSize   = 64 << 10
	VideoChunkSize   = 256 << 10
	DefaultChunkSize = VideoChunkSize
)

var (
	ErrNotFound      = errors.New("file not found")
	ErrNotFile       = errors.New("not a regular file")
	ErrMultiRange    = errors.New("multiple ranges not supported")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// RangeError carries the file size for the 416 Content-Range header.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for size %d", e.Size)
}

func (e *RangeError) Unwrap() error { return ErrUnsatisfiable }

// Range is an inclusive byte range.
type Range struct {
	Start, End int64
}

// Length returns the number of bytes in the range.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange parses a Range header against a file of the given size.
// A nil range with a nil error means the whole file. The end is clamped
// to size-1.
func ParseRange(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil, ErrUnsatisfiable
	}
	ranges := strings.TrimSpace(header[len(prefix):])
	if strings.Contains(ranges, ",") {
		return nil, ErrMultiRange
	}
	if size <= 0 {
		return nil, ErrUnsatisfiable
	}

	startStr, endStr, ok := strings.Cut(ranges, "-")
	if !ok {
		return nil, ErrUnsatisfiable
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix form: last n bytes.
		n, ok := parseDigits(endStr)
		if !ok || n == 0 {
			return nil, ErrUnsatisfiable
		}
		if n > size {
			n = size
		}
		return &Range{Start: size - n, End: size - 1}, nil
	}

	start, ok := parseDigits(startStr)
	if !ok || start >= size {
		return nil, ErrUnsatisfiable
	}
	end := size - 1
	if endStr != "" {
		e, ok := parseDigits(endStr)
		if !ok || e < start {
			return nil, ErrUnsatisfiable
		}
		if e < end {
			end = e
		}
	}
	return &Range{Start: start, End: end}, nil
}

func parseDigits(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Options controls Open.
type Options struct {
	ChunkSize  int  // DefaultChunkSize when 0
	Attachment bool // adds Content-Disposition: attachment
}

// Response is an opened file plus the status and headers to send.
// The caller must call WriteTo or Close.
type Response struct {
	Status int
	Header http.Header
	Range  *Range // nil when the whole file is sent
	Size   int64  // total file size
	Length int64  // body length

	file      *os.File
	chunkSize int
	closeOnce sync.Once
}

// Open opens absPath and prepares a response for rangeHeader. A
// multi-range header is answered with the whole file. An unsatisfiable
// range returns a *RangeError.
func Open(absPath, rangeHeader string, opts Options) (*Response, error) {
	f, err := os.Open(absPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrNotFile
	}
	size := info.Size()

	rng, err := ParseRange(rangeHeader, size)
	switch {
	case errors.Is(err, ErrMultiRange):
		rng = nil
	case err != nil:
		f.Close()
		return nil, &RangeError{Size: size}
	}

	name := filepath.Base(absPath)

	resp := &Response{
		Status:    http.StatusOK,
		Header:    make(http.Header),
		Range:     rng,
		Size:      size,
		Length:    size,
		file:      f,
		chunkSize: opts.ChunkSize,
	}
	if resp.chunkSize <= 0 {
		resp.chunkSize = DefaultChunkSize
	}

	h := resp.Header
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", media.ContentType(name))
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if opts.Attachment {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	if rng != nil {
		resp.Status = http.StatusPartialContent
		resp.Length = rng.Length()
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
	}
	h.Set("Content-Length", strconv.FormatInt(resp.Length, 10))

	return resp, nil
}

// WriteHeader copies the headers to w and writes the status line.
func (r *Response) WriteHeader(w http.ResponseWriter) {
	for k, v := range r.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(r.Status)
}

// WriteTo copies the body to w in bounded chunks. It stops at the first
// write error or when ctx is done, and always closes the file.
func (r *Response) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	defer r.Close()

	if r.Length == 0 {
		return 0, nil
	}
	var offset int64
	if r.Range != nil {
		offset = r.Range.Start
	}
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}

	bufp := getBuffer(r.chunkSize)
	defer putBuffer(bufp)
	buf := *bufp

	src := io.LimitReader(r.file, r.Length)
	var written int64
	for written < r.Length {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("read: %w", rerr)
		}
	}
	if written < r.Length {
		// File shrank after Open.
		return written, io.ErrUnexpectedEOF
	}
	return written, nil
}

// Close releases the file. It is safe to call more than once.
func (r *Response) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.file.Close() })
	return err
}

var pools sync.Map // chunk size -> *sync.Pool

func getBuffer(size int) *[]byte {
	p, _ := pools.LoadOrStore(size, &sync.Pool{
		New: func() any {
			b := make([]byte, size)
			return &b
		},
	})
	return p.(*sync.Pool).Get().(*[]byte)
}

func putBuffer(b *[]byte) {
	if p, ok := pools.Load(len(*b)); ok {
		p.(*sync.Pool).Put(b)
	}
}
