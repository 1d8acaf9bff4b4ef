package provider

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"golang.org/x/exp/mmap"
)

const fileProviderName = "file"

// FileProvider reads resources below a local directory through read-only
// memory maps.
type FileProvider struct {
	root string
	opts options
}

// NewFileProvider returns a provider rooted at dir.
func NewFileProvider(dir string, opts ...Option) *FileProvider {
	return &FileProvider{root: dir, opts: buildOptions(opts)}
}

// Path returns the filesystem path a URI maps to.
func (p *FileProvider) Path(uri string) string {
	return filepath.Join(p.root, filepath.FromSlash(path.Clean("/"+uri)))
}

type mappedReader struct {
	*io.SectionReader
	m *mmap.ReaderAt
}

func (r *mappedReader) Close() error { return r.m.Close() }

func (p *FileProvider) open(uri string) (*mmap.ReaderAt, error) {
	p.opts.metrics.request(fileProviderName)
	m, err := mmap.Open(p.Path(uri))
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", uri, err)
	}
	return m, nil
}

// Reader maps the whole file at uri.
func (p *FileProvider) Reader(_ context.Context, uri string) (io.ReadCloser, error) {
	m, err := p.open(uri)
	if err != nil {
		return nil, err
	}
	r := &mappedReader{SectionReader: io.NewSectionReader(m, 0, int64(m.Len())), m: m}
	return counted(r, p.opts.metrics, fileProviderName), nil
}

// RangeReader maps the file at uri and returns a window of it.
func (p *FileProvider) RangeReader(_ context.Context, uri string, offset, length int64) (io.ReadCloser, error) {
	m, err := p.open(uri)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > int64(m.Len()) {
		m.Close()
		return nil, fmt.Errorf("range [%d, %d) outside %d-byte file %s", offset, offset+length, m.Len(), uri)
	}
	r := &mappedReader{SectionReader: io.NewSectionReader(m, offset, length), m: m}
	return counted(r, p.opts.metrics, fileProviderName), nil
}
