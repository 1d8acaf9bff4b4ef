// Package provider supplies the byte sources CASC backends read from: a
// memory-mapped local filesystem, an HTTP CDN, and a disk cache that sits
// in front of either.
//
// URIs are slash-separated paths relative to the provider's root, such as
// "data/12/34/1234abcd.index".
package provider

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Provider opens readers over whole resources or byte ranges of them.
type Provider interface {
	// Reader returns the whole resource at uri.
	Reader(ctx context.Context, uri string) (io.ReadCloser, error)
	// RangeReader returns length bytes of uri starting at offset.
	RangeReader(ctx context.Context, uri string, offset, length int64) (io.ReadCloser, error)
}

// IsMissing reports whether err means the provider has no resource at the
// requested uri: an HTTP 404 or a missing file. Callers decide whether
// that is a lookup miss or a broken store.
func IsMissing(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound
	}
	return errors.Is(err, fs.ErrNotExist)
}

// Compression selects how the disk cache stores entries.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
)

type options struct {
	log         logrus.FieldLogger
	metrics     *Metrics
	client      *http.Client
	compression Compression
}

// Option configures a provider.
type Option func(*options)

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records request and cache counters on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient sets the client used by the HTTP provider.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithCompression sets the disk cache storage format.
func WithCompression(c Compression) Option {
	return func(o *options) { o.compression = c }
}

func buildOptions(opts []Option) options {
	o := options{
		log:         logrus.StandardLogger(),
		client:      http.DefaultClient,
		compression: CompressionNone,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// countingReader reports the bytes read through it to the provider's
// byte counter.
type countingReader struct {
	io.Reader
	closer   io.Closer
	metrics  *Metrics
	provider string
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.metrics.addBytes(c.provider, n)
	return n, err
}

func (c *countingReader) Close() error { return c.closer.Close() }

func counted(rc io.ReadCloser, m *Metrics, provider string) io.ReadCloser {
	if m == nil {
		return rc
	}
	return &countingReader{Reader: rc, closer: rc, metrics: m, provider: provider}
}
