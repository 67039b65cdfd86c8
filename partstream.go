// Package partstream splits the body of a multipart/form-data request into
// its named parts in a single forward pass, without holding the whole body in
// memory. Small part bodies stay in memory; bodies over a configurable
// threshold spill to temporary files that are deleted when the part's body
// handle is closed.
package partstream

import (
	"github.com/ryoeda/partstream/internal/spool"
)

type Parser struct {
	boundary string
	parserConfig
}

func NewParser(boundary string, options ...ParserOption) *Parser {
	c := parserConfig{
		maxParts:       defaultMaxParts,
		maxHeaders:     defaultMaxHeaders,
		maxMemPartSize: defaultMaxMemPartSize,
	}
	for _, opt := range options {
		opt(&c)
	}

	return &Parser{
		boundary:     boundary,
		parserConfig: c,
	}
}

type parserConfig struct {
	maxParts       uint
	maxHeaders     uint
	maxMemPartSize DataSize
	tempDir        string
}

type ParserOption func(*parserConfig)

type DataSize int64

const (
	_ DataSize = 1 << (iota * 10)
	KB
	MB
	GB
)

const (
	defaultMaxParts       = 10000
	defaultMaxHeaders     = 10000
	defaultMaxMemPartSize = 32 * MB
)

// WithMaxParts sets the maximum number of parts to be parsed.
// default: 10000
func WithMaxParts(maxParts uint) ParserOption {
	return func(c *parserConfig) {
		c.maxParts = maxParts
	}
}

// WithMaxHeaders sets the maximum total number of part headers to be parsed.
// default: 10000
func WithMaxHeaders(maxHeaders uint) ParserOption {
	return func(c *parserConfig) {
		c.maxHeaders = maxHeaders
	}
}

// WithMaxMemPartSize sets the largest part body kept in memory; bigger bodies
// spill to a temporary file.
// default: 32MB
func WithMaxMemPartSize(maxMemPartSize DataSize) ParserOption {
	return func(c *parserConfig) {
		c.maxMemPartSize = maxMemPartSize
	}
}

// WithTempDir sets the directory spilled part bodies are written to.
// default: the OS temp directory
func WithTempDir(dir string) ParserOption {
	return func(c *parserConfig) {
		c.tempDir = dir
	}
}

func (c *parserConfig) spool() *spool.Spool {
	return &spool.Spool{
		Threshold: int64(c.maxMemPartSize),
		Dir:       c.tempDir,
	}
}
