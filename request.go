package partstream

import (
	"bytes"
	"hash/fnv"
	"io"
	"mime"
	"net/http"
	"sort"
	"sync"
)

// Request is a fully split multipart request: the original start line and
// headers plus the part index. It is immutable after construction; equality
// and hash are structural, computed over the canonical rendering rather than
// object identity.
type Request struct {
	method   string
	target   string
	header   http.Header
	boundary string
	form     *Form

	hashOnce sync.Once
	hash     uint64
}

// NewRequest extracts the boundary from the Content-Type header and splits
// body eagerly: the stream is fully consumed and every part materialized
// before NewRequest returns. A missing or malformed boundary fails fast,
// before any byte of body is read. The outer Content-Length header, if any,
// is never used to decide where the body ends.
func NewRequest(method, target string, header http.Header, body io.Reader, options ...ParserOption) (*Request, error) {
	d, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil || d != "multipart/form-data" {
		return nil, http.ErrNotMultipart
	}

	boundary, ok := params["boundary"]
	if !ok {
		return nil, http.ErrMissingBoundary
	}

	form, err := NewParser(boundary, options...).Parse(body)
	if err != nil {
		return nil, err
	}

	return &Request{
		method:   method,
		target:   target,
		header:   header,
		boundary: boundary,
		form:     form,
	}, nil
}

func (r *Request) Method() string {
	return r.method
}

func (r *Request) Target() string {
	return r.target
}

func (r *Request) Header() http.Header {
	return r.header
}

// Form returns the part index.
func (r *Request) Form() *Form {
	return r.form
}

// Lookup returns the parts with the given disposition name, in input order.
func (r *Request) Lookup(name string) []*Part {
	return r.form.Lookup(name)
}

// Close releases the backing storage of every part.
func (r *Request) Close() error {
	return r.form.Close()
}

// Equal reports whether two requests render to the same bytes: same start
// line, same outer headers, and byte-identical parts, regardless of whether
// their bodies are held in memory or spilled to disk. Part bodies must not
// have been closed yet.
func (r *Request) Equal(o *Request) bool {
	if r == o {
		return true
	}
	if o == nil {
		return false
	}
	if r.method != o.method || r.target != o.target || r.boundary != o.boundary {
		return false
	}
	if !bytes.Equal(renderedHeader(r.header), renderedHeader(o.header)) {
		return false
	}
	if len(r.form.parts) != len(o.form.parts) {
		return false
	}
	for i, part := range r.form.parts {
		other := o.form.parts[i]

		var a, b bytes.Buffer
		if part.header.render(&a) != nil || other.header.render(&b) != nil {
			return false
		}
		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			return false
		}
		if !sourcesEqual(part, other) {
			return false
		}
	}

	return true
}

// Hash returns a structural hash over the canonical rendering, computed once.
// Requests that are Equal hash identically. Like Equal, it must be called
// before part bodies are closed.
func (r *Request) Hash() uint64 {
	r.hashOnce.Do(func() {
		h := fnv.New64a()
		_ = r.render(h)
		r.hash = h.Sum64()
	})

	return r.hash
}

// render writes the canonical rendering: start line, outer headers sorted by
// canonical name, then the reconstructed multipart body.
func (r *Request) render(w io.Writer) error {
	if _, err := io.WriteString(w, r.method+" "+r.target+"\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(renderedHeader(r.header)); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}

	for _, part := range r.form.parts {
		if _, err := io.WriteString(w, "--"+r.boundary+"\r\n"); err != nil {
			return err
		}
		if err := part.header.render(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		if _, err := io.Copy(w, io.NewSectionReader(part.src, 0, part.src.Size())); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "--"+r.boundary+"--\r\n"); err != nil {
		return err
	}

	return nil
}

func renderedHeader(h http.Header) []byte {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		for _, v := range h[k] {
			buf.WriteString(k + ": " + v + "\r\n")
		}
	}

	return buf.Bytes()
}

// sourcesEqual compares two part bodies chunk by chunk through non-consuming
// reads, so comparison never disturbs the sequential body handles.
func sourcesEqual(a, b *Part) bool {
	if a.src.Size() != b.src.Size() {
		return false
	}

	const chunk = 32 * 1024
	ra := io.NewSectionReader(a.src, 0, a.src.Size())
	rb := io.NewSectionReader(b.src, 0, b.src.Size())
	pa := make([]byte, chunk)
	pb := make([]byte, chunk)
	for {
		na, err := io.ReadFull(ra, pa)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return false
		}
		nb, err := io.ReadFull(rb, pb)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return false
		}
		if na != nb || !bytes.Equal(pa[:na], pb[:nb]) {
			return false
		}
		if na < chunk {
			return true
		}
	}
}
