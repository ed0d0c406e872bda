package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRange(t *testing.T) {
	const size = 100

	tests := []struct {
		header  string
		want    *Range
		wantErr error
	}{
		{"", nil, nil},
		{"bytes=0-", &Range{0, 99}, nil},
		{"bytes=0-9", &Range{0, 9}, nil},
		{"bytes=10-20", &Range{10, 20}, nil},
		{"bytes=90-500", &Range{90, 99}, nil},
		{"bytes=99-99", &Range{99, 99}, nil},
		{"bytes=-10", &Range{90, 99}, nil},
		{"bytes=-500", &Range{0, 99}, nil},
		{"BYTES=5-6", &Range{5, 6}, nil},
		{"bytes= 5 - 6 ", &Range{5, 6}, nil},
		{"bytes=0-10,20-30", nil, ErrMultiRange},
		{"bytes=100-", nil, ErrUnsatisfiable},
		{"bytes=100-110", nil, ErrUnsatisfiable},
		{"bytes=20-10", nil, ErrUnsatisfiable},
		{"bytes=-0", nil, ErrUnsatisfiable},
		{"bytes=abc-", nil, ErrUnsatisfiable},
		{"bytes=+5-", nil, ErrUnsatisfiable},
		{"bytes=5", nil, ErrUnsatisfiable},
		{"bytes=-", nil, ErrUnsatisfiable},
		{"items=0-5", nil, ErrUnsatisfiable},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := ParseRange(tt.header, size)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("range = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseRangeEmptyFile(t *testing.T) {
	if _, err := ParseRange("bytes=0-", 0); !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("expected ErrUnsatisfiable, got %v", err)
	}
	if r, err := ParseRange("", 0); r != nil || err != nil {
		t.Errorf("no header on empty file should serve whole file, got %v %v", r, err)
	}
}

func testFile(t *testing.T, name string, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestOpenFullFile(t *testing.T) {
	path, data := testFile(t, "clip.mp4", 1000)

	resp, err := Open(path, "", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	h := resp.Header
	if h.Get("Accept-Ranges") != "bytes" || h.Get("Content-Length") != "1000" || h.Get("Content-Type") != "video/mp4" {
		t.Errorf("unexpected headers %v", h)
	}
	if h.Get("Content-Range") != "" || h.Get("Content-Disposition") != "" {
		t.Errorf("unexpected range/disposition headers %v", h)
	}
	if h.Get("Last-Modified") == "" {
		t.Error("missing Last-Modified")
	}

	var buf bytes.Buffer
	n, err := resp.WriteTo(context.Background(), &buf)
	if err != nil || n != 1000 {
		t.Fatalf("WriteTo = %d, %v", n, err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("body differs from file")
	}
}

func TestOpenRanges(t *testing.T) {
	path, data := testFile(t, "song.mp3", 1000)

	tests := []struct {
		header       string
		start, end   int
		contentRange string
	}{
		{"bytes=0-", 0, 999, "bytes 0-999/1000"},
		{"bytes=100-199", 100, 199, "bytes 100-199/1000"},
		{"bytes=990-2000", 990, 999, "bytes 990-999/1000"},
		{"bytes=-50", 950, 999, "bytes 950-999/1000"},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			resp, err := Open(path, tt.header, Options{ChunkSize: 7})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if resp.Status != http.StatusPartialContent {
				t.Errorf("status = %d", resp.Status)
			}
			if got := resp.Header.Get("Content-Range"); got != tt.contentRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.contentRange)
			}
			var buf bytes.Buffer
			if _, err := resp.WriteTo(context.Background(), &buf); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(buf.Bytes(), data[tt.start:tt.end+1]) {
				t.Errorf("body mismatch for %s", tt.header)
			}
		})
	}
}

func TestOpenUnsatisfiable(t *testing.T) {
	path, _ := testFile(t, "a.bin", 100)

	_, err := Open(path, "bytes=100-110", Options{})
	var re *RangeError
	if !errors.As(err, &re) || re.Size != 100 {
		t.Fatalf("expected RangeError{100}, got %v", err)
	}
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Error("RangeError must unwrap to ErrUnsatisfiable")
	}
}

func TestOpenMultiRangeServesWholeFile(t *testing.T) {
	path, data := testFile(t, "a.bin", 100)

	resp, err := Open(path, "bytes=0-10,20-30", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK || resp.Range != nil || resp.Length != 100 {
		t.Errorf("expected whole file, got status=%d range=%v length=%d", resp.Status, resp.Range, resp.Length)
	}
	var buf bytes.Buffer
	resp.WriteTo(context.Background(), &buf)
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("body mismatch")
	}
}

func TestOpenAttachmentUnknownType(t *testing.T) {
	path, _ := testFile(t, "my file.weird", 10)

	resp, err := Open(path, "", Options{Attachment: true})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close()
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="my file.weird"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing.mp3"), "", Options{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := Open(dir, "", Options{}); !errors.Is(err, ErrNotFile) {
		t.Errorf("expected ErrNotFile, got %v", err)
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path, _ := testFile(t, "empty.txt", 0)

	resp, err := Open(path, "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.Get("Content-Length") != "0" {
		t.Errorf("Content-Length = %q", resp.Header.Get("Content-Length"))
	}
	n, err := resp.WriteTo(context.Background(), io.Discard)
	if n != 0 || err != nil {
		t.Errorf("WriteTo = %d, %v", n, err)
	}

	if _, err := Open(path, "bytes=0-", Options{}); !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("range on empty file: expected ErrUnsatisfiable, got %v", err)
	}
}

type failingWriter struct {
	limit   int
	written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, errors.New("broken pipe")
	}
	w.written += len(p)
	return len(p), nil
}

func TestWriteToStopsOnWriteError(t *testing.T) {
	path, _ := testFile(t, "big.bin", 10_000)

	resp, err := Open(path, "", Options{ChunkSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	fw := &failingWriter{limit: 3000}
	n, err := resp.WriteTo(context.Background(), fw)
	if err == nil {
		t.Fatal("expected write error")
	}
	if n != 2048 {
		t.Errorf("expected 2048 bytes before failure, got %d", n)
	}
	if _, err := resp.file.Read(make([]byte, 1)); !errors.Is(err, os.ErrClosed) {
		t.Errorf("file should be closed after failure, got %v", err)
	}
}

type cancelingWriter struct {
	cancel context.CancelFunc
	calls  int
}

func (w *cancelingWriter) Write(p []byte) (int, error) {
	w.calls++
	w.cancel()
	return len(p), nil
}

func TestWriteToStopsOnCancel(t *testing.T) {
	path, _ := testFile(t, "big.bin", 10_000)

	resp, err := Open(path, "", Options{ChunkSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cw := &cancelingWriter{cancel: cancel}

	n, err := resp.WriteTo(ctx, cw)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cw.calls != 1 || n != 1024 {
		t.Errorf("expected one chunk before cancel, got calls=%d n=%d", cw.calls, n)
	}
	if err := resp.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
