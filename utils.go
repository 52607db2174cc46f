package cocoloader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression formats for files, selected by file extension.
const (
	extZstd = ".zst"
	extGzip = ".gz"
	extLZ4  = ".lz4"
)

// closeWithErrCheck calls c.Close(). If it returns an error, and (*e == nil), e is set to that
// error.
func closeWithErrCheck(c io.Closer, e *error) {
	err := c.Close()
	if err != nil && *e == nil {
		*e = err
	}
}

// closerChain closes its closers in order and returns the first error.
type closerChain []io.Closer

func (cc closerChain) Close() error {
	var err error
	for _, c := range cc {
		closeWithErrCheck(c, &err)
	}
	return err
}

type chainedWriter struct {
	*bufio.Writer
	closers closerChain
}

// Close flushes the buffer and closes the compressor and the file.
func (w *chainedWriter) Close() error {
	err := w.Flush()
	if cerr := w.closers.Close(); err == nil {
		err = cerr
	}
	return err
}

type chainedReader struct {
	io.Reader
	closers closerChain
}

func (r *chainedReader) Close() error {
	return r.closers.Close()
}

// createFile creates the file at path for buffered writing, compressing the content if the
// file extension asks for it.
func createFile(path string) (*chainedWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	var w io.Writer = f
	closers := closerChain{f}
	switch strings.ToLower(filepath.Ext(path)) {
	case extZstd:
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		w, closers = enc, closerChain{enc, f}
	case extGzip:
		enc := gzip.NewWriter(f)
		w, closers = enc, closerChain{enc, f}
	case extLZ4:
		enc := lz4.NewWriter(f)
		w, closers = enc, closerChain{enc, f}
	}

	return &chainedWriter{Writer: bufio.NewWriter(w), closers: closers}, nil
}

// openFile opens the file at path for reading, decompressing the content if the file
// extension asks for it.
func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case extZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open zstd stream %q: %v", path, err)
		}
		return &chainedReader{Reader: dec, closers: closerChain{dec.IOReadCloser(), f}}, nil
	case extGzip:
		dec, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open gzip stream %q: %v", path, err)
		}
		return &chainedReader{Reader: dec, closers: closerChain{dec, f}}, nil
	case extLZ4:
		return &chainedReader{Reader: lz4.NewReader(f), closers: closerChain{f}}, nil
	}
	return f, nil
}
