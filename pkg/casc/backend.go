package casc

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/user/cascgo/pkg/checksum"
	"github.com/user/cascgo/pkg/config"
	"github.com/user/cascgo/pkg/index"
)

// Backend is one kind of CASC storage: a local installation or a CDN.
// Implementations load their own resources; the Context memoizes them.
type Backend interface {
	// BuildConfig returns the build config the chain bootstraps from.
	BuildConfig(ctx context.Context) (*config.BuildConfig, error)
	// Index builds the file key index over every archive of the build.
	Index(ctx context.Context) (*index.Index, error)
	// DataReader opens the stored BLTE stream an index entry points at and
	// returns its length.
	DataReader(ctx context.Context, entry index.Entry) (io.ReadCloser, int64, error)
	// Standalone reads a BLTE stream stored outside any archive. Backends
	// without loose files return a not-found error.
	Standalone(ctx context.Context, key checksum.FileKey) ([]byte, error)
}

// keyPath returns the xx/yy/key path CASC stores keyed files under.
func keyPath(dir string, key checksum.Checksum) (string, error) {
	hex := key.String()
	if len(hex) < 4 {
		return "", fmt.Errorf("key %q is too short for a storage path", hex)
	}
	return path.Join(dir, hex[0:2], hex[2:4], hex), nil
}

func readConfig[T any](ctx context.Context, open func(context.Context, string) (io.ReadCloser, error), uri string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	rc, err := open(ctx, uri)
	if err != nil {
		return zero, fmt.Errorf("opening %s: %w", uri, err)
	}
	defer rc.Close()
	v, err := parse(rc)
	if err != nil {
		return zero, fmt.Errorf("parsing %s: %w", uri, err)
	}
	return v, nil
}
