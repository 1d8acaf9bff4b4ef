package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const httpProviderName = "http"

// StatusError reports an unexpected HTTP status. It is an I/O failure
// whatever the code; see IsMissing.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// HTTPProvider fetches resources relative to a base URL.
type HTTPProvider struct {
	base string
	opts options
}

// NewHTTPProvider returns a provider for base, e.g. "http://host/tpr/wow".
func NewHTTPProvider(base string, opts ...Option) *HTTPProvider {
	return &HTTPProvider{base: strings.TrimRight(base, "/"), opts: buildOptions(opts)}
}

// URL returns the absolute URL for uri.
func (p *HTTPProvider) URL(uri string) string {
	return p.base + "/" + strings.TrimLeft(uri, "/")
}

func (p *HTTPProvider) get(ctx context.Context, uri, byteRange string, want int) (*http.Response, error) {
	p.opts.metrics.request(httpProviderName)
	url := p.URL(uri)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	p.opts.log.WithField("uri", url).Trace("fetching")
	resp, err := p.opts.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode != want {
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return resp, nil
}

// Reader fetches the whole resource.
func (p *HTTPProvider) Reader(ctx context.Context, uri string) (io.ReadCloser, error) {
	resp, err := p.get(ctx, uri, "", http.StatusOK)
	if err != nil {
		return nil, err
	}
	return counted(resp.Body, p.opts.metrics, httpProviderName), nil
}

type limitedBody struct {
	io.Reader
	io.Closer
}

// RangeReader fetches a byte range with a Range request. The server must
// answer 206.
func (p *HTTPProvider) RangeReader(ctx context.Context, uri string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid range offset %d length %d for %s", offset, length, uri)
	}
	byteRange := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	resp, err := p.get(ctx, uri, byteRange, http.StatusPartialContent)
	if err != nil {
		return nil, err
	}
	body := &limitedBody{Reader: io.LimitReader(resp.Body, length), Closer: resp.Body}
	return counted(body, p.opts.metrics, httpProviderName), nil
}
