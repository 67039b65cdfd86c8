package partstream

import (
	"bytes"
)

// delimiterSet holds the delimiter patterns derived from one boundary token.
// It is built once per parse and shared by the splitter. The token is taken
// literally, so a boundary declared as "--foo" yields "----foo" lines.
type delimiterSet struct {
	open []byte // "--token", the opening delimiter line
	sep  []byte // "\r\n--token", the separator preceding every later delimiter
}

func newDelimiterSet(token string) *delimiterSet {
	open := append([]byte("--"), token...)

	return &delimiterSet{
		open: open,
		sep:  append([]byte("\r\n"), open...),
	}
}

// isOpen reports whether line is the opening delimiter, and whether it is the
// closing form ("--token--").
func (d *delimiterSet) isOpen(line []byte) (open bool, closed bool) {
	if !bytes.HasPrefix(line, d.open) {
		return false, false
	}
	rest := line[len(d.open):]
	if len(rest) == 0 {
		return true, false
	}
	if bytes.Equal(rest, []byte("--")) {
		return true, true
	}

	return false, false
}

// scanBody locates the separator "\r\n--token" inside w.
//
// When found is true, w[:body] is confirmed part content, w[body:end] is the
// separator together with any partially matched delimiter prefixes chained
// onto its front, and the caller still has to check the bytes after end to
// tell an inter-part delimiter from the final one (or reject a look-alike).
//
// When found is false, w[:body] is confirmed part content and w[body:] must
// be retained: it may be the start of a separator split across two physical
// reads.
//
// A partial match that runs into a fresh CR restarts the match there without
// surrendering the bytes matched so far; only when the chain dies at a
// non-CR byte does the whole chain become part content again. A run of CRLFs
// butting up against the real delimiter is therefore absorbed by it, while a
// CRLF followed by ordinary content survives verbatim.
func (d *delimiterSet) scanBody(w []byte) (body int, end int, found bool) {
	pos := 0
	for {
		j := bytes.IndexByte(w[pos:], '\r')
		if j < 0 {
			return len(w), 0, false
		}
		chain := pos + j

		k := chain
		for {
			m := prefixLen(w[k:], d.sep)
			if m == len(d.sep) {
				return chain, k + m, true
			}
			if k+m == len(w) {
				// Window ends mid-match; hold the chain back.
				return chain, 0, false
			}
			if w[k+m] == '\r' {
				// The mismatch byte starts a new candidate; the chain
				// continues and the bytes matched so far stay held.
				k += m
				continue
			}
			// Chain dies; everything through the mismatch byte is content.
			pos = k + m + 1
			break
		}
	}
}

// prefixLen returns the length of the longest common prefix of w and pat.
func prefixLen(w, pat []byte) int {
	n := len(pat)
	if len(w) < n {
		n = len(w)
	}
	for i := 0; i < n; i++ {
		if w[i] != pat[i] {
			return i
		}
	}

	return n
}
