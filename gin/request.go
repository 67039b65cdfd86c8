package ginpart

import (
	"github.com/gin-gonic/gin"

	"github.com/ryoeda/partstream"
)

// NewRequest splits the multipart body of the request carried by c. The body
// is fully consumed before NewRequest returns.
func NewRequest(c *gin.Context, options ...partstream.ParserOption) (*partstream.Request, error) {
	req := c.Request

	return partstream.NewRequest(req.Method, req.URL.RequestURI(), req.Header, req.Body, options...)
}
