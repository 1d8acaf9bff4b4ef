package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const lz4Suffix = ".lz4"

// CachingProvider stores every resource it fetches from an upstream
// provider as one file under a directory and serves later requests from
// there. Entries are never evicted.
//
// Files are written to a temporary name and renamed into place, so a
// reader never sees a partial entry. Concurrent misses for the same entry
// share one upstream fetch.
type CachingProvider struct {
	upstream Provider
	dir      string
	opts     options
	group    singleflight.Group
}

// NewCachingProvider caches upstream under dir.
func NewCachingProvider(upstream Provider, dir string, opts ...Option) *CachingProvider {
	return &CachingProvider{upstream: upstream, dir: dir, opts: buildOptions(opts)}
}

// Path returns the cache file for a whole resource, or for a range of it
// when length is positive.
func (c *CachingProvider) Path(uri string, offset, length int64) string {
	p := filepath.Join(c.dir, filepath.FromSlash(path.Clean("/"+uri)))
	if length > 0 {
		p += fmt.Sprintf(".%d-%d", offset, length)
	}
	if c.opts.compression == CompressionLZ4 {
		p += lz4Suffix
	}
	return p
}

// Reader returns the whole resource, fetching it on a miss.
func (c *CachingProvider) Reader(ctx context.Context, uri string) (io.ReadCloser, error) {
	return c.serve(c.Path(uri, 0, 0), uri, func() (io.ReadCloser, error) {
		return c.upstream.Reader(ctx, uri)
	})
}

// RangeReader returns a byte range, fetching and caching only that range
// on a miss.
func (c *CachingProvider) RangeReader(ctx context.Context, uri string, offset, length int64) (io.ReadCloser, error) {
	return c.serve(c.Path(uri, offset, length), uri, func() (io.ReadCloser, error) {
		return c.upstream.RangeReader(ctx, uri, offset, length)
	})
}

func (c *CachingProvider) serve(file, uri string, fetch func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	log := c.opts.log.WithFields(logrus.Fields{"uri": uri, "path": file})

	r, err := c.openCached(file)
	if err == nil {
		c.opts.metrics.hit()
		log.Trace("cache hit")
		return r, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	c.opts.metrics.miss()
	log.Debug("cache miss")
	if _, err, _ := c.group.Do(file, func() (any, error) {
		return nil, c.fill(file, fetch)
	}); err != nil {
		return nil, err
	}
	return c.openCached(file)
}

func (c *CachingProvider) openCached(file string) (io.ReadCloser, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	if c.opts.compression != CompressionLZ4 {
		return f, nil
	}
	return &limitedBody{Reader: lz4.NewReader(f), Closer: f}, nil
}

func (c *CachingProvider) fill(file string, fetch func() (io.ReadCloser, error)) error {
	// Another caller may have completed the fill between our miss and Do.
	if _, err := os.Stat(file); err == nil {
		return nil
	}

	src, err := fetch()
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(file), ".fill-*")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := c.copyTo(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("writing cache file %s: %w", file, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing cache file %s: %w", file, err)
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		return fmt.Errorf("publishing cache file %s: %w", file, err)
	}
	return nil
}

func (c *CachingProvider) copyTo(dst io.Writer, src io.Reader) error {
	if c.opts.compression != CompressionLZ4 {
		_, err := io.Copy(dst, src)
		return err
	}
	zw := lz4.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		return err
	}
	return zw.Close()
}
