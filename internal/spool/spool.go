// Package spool materializes part bodies carved out of a multipart stream.
// Bodies below a size threshold stay in pooled memory buffers; larger bodies
// spill to one temporary file each. A materialized body is released exactly
// once, which returns its buffer to the pool or deletes its backing file.
package spool

//go:generate go run go.uber.org/mock/mockgen -source=$GOFILE -destination=mock/spool.go -package=mock

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrReleased is returned when a Source is read after it has been released.
var ErrReleased = errors.New("spool: source already released")

// Sink accumulates the body bytes of a single part while the splitter carves
// them out of the stream.
type Sink interface {
	io.Writer
	// Finalize seals the accumulated bytes and hands them over as a Source.
	// The Sink must not be written to afterwards.
	Finalize() (Source, error)
	// Discard drops everything accumulated so far, releasing memory and
	// deleting any backing file.
	Discard() error
}

// Source is a fully materialized part body. Size is known exactly. ReadAt
// serves non-consuming reads; Open returns the single sequential handle whose
// Close releases the Source.
type Source interface {
	io.ReaderAt
	Size() int64
	Open() io.ReadCloser
	// Release frees the memory or deletes the backing file. Calling it more
	// than once is safe.
	Release() error
}

// Spooler creates one Sink per part.
type Spooler interface {
	NewSink() Sink
}

// Spool is the standard Spooler. Threshold is the largest body kept in
// memory; Dir is the directory for spill files ("" means the OS default).
type Spool struct {
	Threshold int64
	Dir       string
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func (s *Spool) NewSink() Sink {
	buf, ok := bufPool.Get().(*bytes.Buffer)
	if !ok {
		buf = new(bytes.Buffer)
	}
	buf.Reset()

	return &sink{spool: s, buf: buf}
}

type sink struct {
	spool *Spool
	buf   *bytes.Buffer
	file  *os.File
	size  int64
}

func (s *sink) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > s.spool.Threshold {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write body: %w", err)
	}

	return n, nil
}

// spill moves the buffered bytes into a fresh temp file and returns the
// buffer to the pool.
func (s *sink) spill() error {
	f, err := os.CreateTemp(s.spool.Dir, "partstream-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(s.buf.Bytes()); err != nil {
		closeErr := f.Close()
		removeErr := os.Remove(f.Name())

		return errors.Join(fmt.Errorf("failed to spill body: %w", err), closeErr, removeErr)
	}

	bufPool.Put(s.buf)
	s.buf = nil
	s.file = f

	return nil
}

func (s *sink) Finalize() (Source, error) {
	if s.file != nil {
		file := s.file
		s.file = nil

		return &fileSource{file: file, path: file.Name(), size: s.size}, nil
	}

	buf := s.buf
	s.buf = nil

	return &memSource{buf: buf, r: bytes.NewReader(buf.Bytes()), size: s.size}, nil
}

func (s *sink) Discard() error {
	if s.buf != nil {
		bufPool.Put(s.buf)
		s.buf = nil
	}
	if s.file != nil {
		closeErr := s.file.Close()
		removeErr := os.Remove(s.file.Name())
		s.file = nil
		if closeErr != nil || removeErr != nil {
			return errors.Join(closeErr, removeErr)
		}
	}

	return nil
}

// BytesSource wraps a fixed byte slice as a Source. Releasing it is a no-op
// beyond marking the Source closed.
func BytesSource(b []byte) Source {
	return &memSource{r: bytes.NewReader(b), size: int64(len(b))}
}

type memSource struct {
	mu       sync.Mutex
	buf      *bytes.Buffer // nil for BytesSource
	r        *bytes.Reader
	size     int64
	released bool
}

func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return 0, ErrReleased
	}

	return m.r.ReadAt(p, off)
}

func (m *memSource) Size() int64 {
	return m.size
}

func (m *memSource) Open() io.ReadCloser {
	return &handle{SectionReader: io.NewSectionReader(m, 0, m.size), src: m}
}

func (m *memSource) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	m.released = true

	if m.buf != nil {
		bufPool.Put(m.buf)
		m.buf = nil
	}
	m.r = nil

	return nil
}

type fileSource struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	size     int64
	released bool
}

func (f *fileSource) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return 0, ErrReleased
	}

	return f.file.ReadAt(p, off)
}

func (f *fileSource) Size() int64 {
	return f.size
}

func (f *fileSource) Open() io.ReadCloser {
	return &handle{SectionReader: io.NewSectionReader(f, 0, f.size), src: f}
}

func (f *fileSource) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return nil
	}
	f.released = true

	closeErr := f.file.Close()
	removeErr := os.Remove(f.path)
	if closeErr != nil || removeErr != nil {
		return errors.Join(closeErr, removeErr)
	}

	return nil
}

type handle struct {
	*io.SectionReader
	src Source
}

func (h *handle) Close() error {
	return h.src.Release()
}
