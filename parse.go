package partstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ryoeda/partstream/internal/spool"
)

var (
	// ErrUnterminatedBody is returned when the stream ends before the final
	// delimiter. No partial result is returned in that case.
	ErrUnterminatedBody = errors.New("unterminated multipart body")
	// ErrTooManyParts is returned when the parts are more than MaxParts.
	ErrTooManyParts = errors.New("too many parts")
	// ErrTooManyHeaders is returned when the part headers are more than MaxHeaders.
	ErrTooManyHeaders = errors.New("too many headers")
)

const minWindowSize = 32 * 1024

// Parse consumes r completely and materializes every part. Either all parts
// materialize or an error is returned and nothing is. The caller owns the
// returned Form and must close it (or each part body) to release any
// temporary backing storage.
func (p *Parser) Parse(r io.Reader) (*Form, error) {
	return p.parse(r, p.parserConfig.spool())
}

func (p *Parser) parse(r io.Reader, spooler spool.Spooler) (_ *Form, err error) {
	form := &Form{index: make(map[string][]*Part)}
	defer func() {
		// No partial result: release everything materialized so far.
		if err != nil {
			err = errors.Join(err, form.Close())
		}
	}()

	s := &splitter{
		src:    r,
		delims: newDelimiterSet(p.boundary),
		buf:    make([]byte, minWindowSize),
	}

	// Preamble: discard until the opening delimiter line.
	last := false
	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrUnterminatedBody
			}
			return nil, err
		}
		if open, closed := s.delims.isOpen(line); open {
			last = closed
			break
		}
	}

	maxParts := p.maxParts
	maxHeaders := p.maxHeaders
	for !last {
		if maxParts == 0 {
			return nil, ErrTooManyParts
		}
		maxParts--

		header, err := s.readHeaderBlock(&maxHeaders)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrUnterminatedBody
			}
			return nil, err
		}

		sink := spooler.NewSink()
		final, err := s.copyBody(sink)
		if err != nil {
			return nil, errors.Join(err, sink.Discard())
		}

		src, err := sink.Finalize()
		if err != nil {
			return nil, fmt.Errorf("failed to materialize part: %w", err)
		}
		header.setContentLength(src.Size())

		part := &Part{header: header, src: src}
		form.parts = append(form.parts, part)
		if name := header.Name(); name != "" {
			form.index[name] = append(form.index[name], part)
		}
		last = final
	}
	form.consumed = s.consumed

	return form, nil
}

// splitter drives the single forward pass over the body stream. It keeps a
// rolling window over the source so a delimiter split across two physical
// reads is still detected, and counts every byte read from the source.
type splitter struct {
	src      io.Reader
	delims   *delimiterSet
	buf      []byte
	r, w     int // valid window is buf[r:w]
	consumed int64
	eof      bool
}

// fill slides the window to the front of the buffer and reads more data,
// growing the buffer when held-back bytes already fill it. Returns io.EOF
// once the source is exhausted.
func (s *splitter) fill() error {
	if s.eof {
		return io.EOF
	}
	if s.r > 0 {
		copy(s.buf, s.buf[s.r:s.w])
		s.w -= s.r
		s.r = 0
	}
	if s.w == len(s.buf) {
		grown := make([]byte, 2*len(s.buf))
		copy(grown, s.buf[:s.w])
		s.buf = grown
	}

	n, err := s.src.Read(s.buf[s.w:])
	s.w += n
	s.consumed += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.eof = true
			if n == 0 {
				return io.EOF
			}
			return nil
		}
		return fmt.Errorf("failed to read body: %w", err)
	}

	return nil
}

// readLine returns the next line without its line ending. The returned slice
// aliases the window and is only valid until the next splitter call.
func (s *splitter) readLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(s.buf[s.r:s.w], '\n'); i >= 0 {
			line := s.buf[s.r : s.r+i]
			s.r += i + 1
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return line, nil
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// readHeaderBlock accumulates header lines until the blank terminator.
func (s *splitter) readHeaderBlock(remaining *uint) (Header, error) {
	var lines []string
	for {
		line, err := s.readLine()
		if err != nil {
			return Header{}, err
		}
		if len(line) == 0 {
			break
		}
		if *remaining == 0 {
			return Header{}, ErrTooManyHeaders
		}
		*remaining--
		lines = append(lines, string(line))
	}

	return parseHeaderBlock(lines), nil
}

const (
	delimNone = iota
	delimInter
	delimFinal
)

// copyBody streams the current part's content into sink until an inter-part
// or final delimiter is recognized, trimming the single CRLF that precedes
// it. It reports whether the delimiter was the final one.
func (s *splitter) copyBody(sink spool.Sink) (bool, error) {
	// A delimiter directly after the header block means an empty body.
	switch kind, err := s.matchDelimAt(); {
	case err != nil:
		return false, err
	case kind == delimInter:
		return false, nil
	case kind == delimFinal:
		return true, nil
	}

	for {
		win := s.buf[s.r:s.w]
		body, end, found := s.delims.scanBody(win)
		if found {
			if len(win) < end+2 && !s.eof {
				// Not enough bytes yet to classify the delimiter. Flush the
				// confirmed content, keep the rest, and read more.
				if err := s.flush(sink, body); err != nil {
					return false, err
				}
				if err := s.fill(); err != nil && !errors.Is(err, io.EOF) {
					return false, err
				}
				continue
			}
			after := win[end:]
			switch {
			case len(after) >= 2 && after[0] == '\r' && after[1] == '\n':
				if err := s.flush(sink, body); err != nil {
					return false, err
				}
				s.r += end - body + 2
				return false, nil
			case len(after) >= 2 && after[0] == '-' && after[1] == '-':
				if err := s.flush(sink, body); err != nil {
					return false, err
				}
				s.r += end - body + 2
				return true, nil
			case len(after) < 2:
				// EOF right after "\r\n--token": no closing delimiter.
				return false, ErrUnterminatedBody
			default:
				// Look-alike: the separator bytes are ordinary content.
				if err := s.flush(sink, end); err != nil {
					return false, err
				}
			}
			continue
		}

		// win[:body] is confirmed content; win[body:] may be the front of a
		// delimiter finished by the next read.
		if err := s.flush(sink, body); err != nil {
			return false, err
		}
		if held := s.w - s.r; held == len(s.buf) {
			// A chain of partial matches has filled the whole window. Any
			// separator still in progress fits in its last len(sep)-1 bytes;
			// emit the rest as content instead of growing the window, which
			// caps how much a delimiter can absorb at the window size.
			if err := s.flush(sink, held-(len(s.delims.sep)-1)); err != nil {
				return false, err
			}
		}
		if err := s.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return false, ErrUnterminatedBody
			}
			return false, err
		}
	}
}

// flush hands the first n window bytes to the sink and consumes them.
func (s *splitter) flush(sink spool.Sink, n int) error {
	if n == 0 {
		return nil
	}
	if _, err := sink.Write(s.buf[s.r : s.r+n]); err != nil {
		return err
	}
	s.r += n

	return nil
}

// matchDelimAt checks for a delimiter whose "--token" begins exactly at the
// read position, as happens when a part body is empty. On a match the
// delimiter line is consumed.
func (s *splitter) matchDelimAt() (int, error) {
	open := s.delims.open
	for {
		win := s.buf[s.r:s.w]
		m := prefixLen(win, open)
		switch {
		case m < len(open):
			if m < len(win) {
				return delimNone, nil // diverged inside the window: content
			}
		case len(win) >= m+2:
			switch {
			case win[m] == '\r' && win[m+1] == '\n':
				s.r += m + 2
				return delimInter, nil
			case win[m] == '-' && win[m+1] == '-':
				s.r += m + 2
				return delimFinal, nil
			}
			return delimNone, nil
		case len(win) > m && win[m] != '\r' && win[m] != '-':
			// The byte after "--token" rules out both delimiter forms.
			return delimNone, nil
		}
		// Window too short to decide; a delimiter may be split across reads.
		if err := s.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return delimNone, nil // the body loop reports the missing delimiter
			}
			return 0, err
		}
	}
}
