package partstream

import (
	"io"
	"mime"
	"net/textproto"
	"strconv"
	"strings"
)

// Header is the parsed header block of a single part. Field order and
// duplicates are preserved; name lookup is case-insensitive. A header line
// without a colon is skipped, not rejected.
type Header struct {
	fields            []headerField
	dispositionParams map[string]string
}

type headerField struct {
	name  string // canonical MIME form
	value string
}

func parseHeaderBlock(lines []string) Header {
	h := Header{}
	for _, line := range lines {
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		h.fields = append(h.fields, headerField{
			name:  textproto.CanonicalMIMEHeaderKey(line[:i]),
			value: strings.Trim(line[i+1:], " \t"),
		})
	}

	_, params, err := mime.ParseMediaType(h.Get("Content-Disposition"))
	if err != nil {
		params = make(map[string]string)
	}
	h.dispositionParams = params

	return h
}

// Get returns the first value associated with the given key.
// If there are no values associated with the key, Get returns "".
func (h Header) Get(key string) string {
	key = textproto.CanonicalMIMEHeaderKey(key)
	for _, f := range h.fields {
		if f.name == key {
			return f.value
		}
	}

	return ""
}

// Values returns all values associated with the given key, in input order.
func (h Header) Values(key string) []string {
	key = textproto.CanonicalMIMEHeaderKey(key)
	var values []string
	for _, f := range h.fields {
		if f.name == key {
			values = append(values, f.value)
		}
	}

	return values
}

// Len returns the number of header fields, duplicates included.
func (h Header) Len() int {
	return len(h.fields)
}

// ContentType returns the value of the "Content-Type" header field.
// If there are no values associated with the key, ContentType returns "".
func (h Header) ContentType() string {
	return h.Get("Content-Type")
}

// ContentLength returns the value of the "Content-Length" header field, or -1
// if it is absent or not a number. After parsing it always equals the part's
// real body size.
func (h Header) ContentLength() int64 {
	n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil {
		return -1
	}

	return n
}

// Name returns the value of the "name" parameter in the "Content-Disposition"
// header field. If there are no values associated with the key, Name returns "".
func (h Header) Name() string {
	return h.dispositionParams["name"]
}

// FileName returns the value of the "filename" parameter in the
// "Content-Disposition" header field. If there are no values associated with
// the key, FileName returns "".
func (h Header) FileName() string {
	return h.dispositionParams["filename"]
}

// setContentLength records the materialized body size, replacing whatever the
// client declared. An existing field keeps its position; extra duplicates are
// dropped.
func (h *Header) setContentLength(size int64) {
	value := strconv.FormatInt(size, 10)

	replaced := false
	fields := h.fields[:0]
	for _, f := range h.fields {
		if f.name == "Content-Length" {
			if replaced {
				continue
			}
			f.value = value
			replaced = true
		}
		fields = append(fields, f)
	}
	h.fields = fields

	if !replaced {
		h.fields = append(h.fields, headerField{name: "Content-Length", value: value})
	}
}

// render writes the header block in wire form, one "Name: value" line per
// field in input order, without the terminating blank line.
func (h Header) render(w io.Writer) error {
	for _, f := range h.fields {
		if _, err := io.WriteString(w, f.name+": "+f.value+"\r\n"); err != nil {
			return err
		}
	}

	return nil
}
