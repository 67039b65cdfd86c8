package http

import (
	"net/http"

	"github.com/ryoeda/partstream"
)

// NewRequest splits the multipart body of req. The request body is fully
// consumed before NewRequest returns; closing req.Body afterwards stays the
// caller's responsibility, independent of closing each part.
func NewRequest(req *http.Request, options ...partstream.ParserOption) (*partstream.Request, error) {
	return partstream.NewRequest(req.Method, req.URL.RequestURI(), req.Header, req.Body, options...)
}
