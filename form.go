package partstream

import (
	"errors"
	"io"
	"sync"

	"github.com/ryoeda/partstream/internal/spool"
)

// Part is one materialized part of the multipart body. Its size is always
// known exactly. The body handle returned by Body must be closed to release
// memory or delete the temporary backing file; an unclosed disk-backed part
// leaks its file.
type Part struct {
	header Header

	src  spool.Source
	once sync.Once
	body io.ReadCloser
}

// Header returns the part's header block, with Content-Length already set to
// the real body size.
func (p *Part) Header() Header {
	return p.header
}

// Name returns the "name" parameter of the part's Content-Disposition header.
func (p *Part) Name() string {
	return p.header.Name()
}

// FileName returns the "filename" parameter of the part's Content-Disposition
// header.
func (p *Part) FileName() string {
	return p.header.FileName()
}

// Size returns the exact body length in bytes.
func (p *Part) Size() int64 {
	return p.src.Size()
}

// Body returns the part's single sequential read handle. Every call returns
// the same handle; closing it releases the backing storage, after which it
// cannot be read again.
func (p *Part) Body() io.ReadCloser {
	p.once.Do(func() {
		p.body = p.src.Open()
	})

	return p.body
}

// Close releases the part's backing storage whether or not Body was ever
// opened. Calling it more than once is safe.
func (p *Part) Close() error {
	return p.src.Release()
}

// Form is the ordered collection of parts carved out of one request body,
// indexed by disposition name. Duplicate names keep all their parts in input
// order.
type Form struct {
	parts    []*Part
	index    map[string][]*Part
	consumed int64
}

// Parts returns every part in input order, including parts whose
// Content-Disposition carries no name.
func (f *Form) Parts() []*Part {
	return f.parts
}

// Lookup returns the parts sharing the given disposition name, in input
// order. A name with no matching part yields an empty slice, never an error.
func (f *Form) Lookup(name string) []*Part {
	return f.index[name]
}

// BytesConsumed returns the number of bytes read from the source stream
// during splitting.
func (f *Form) BytesConsumed() int64 {
	return f.consumed
}

// Close releases every part's backing storage.
func (f *Form) Close() error {
	var errs []error
	for _, part := range f.parts {
		if err := part.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}
