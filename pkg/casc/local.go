package casc

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
	"github.com/user/cascgo/pkg/config"
	"github.com/user/cascgo/pkg/index"
	"github.com/user/cascgo/pkg/provider"
)

// localDataHeaderSize is the per-entry header that precedes the BLTE
// stream inside a local data.NNN file. Index offsets and sizes include it.
const localDataHeaderSize = 30

const (
	buildInfoFile  = ".build.info"
	localConfigDir = "Data/config"
	localDataDir   = "Data/data"
)

// LocalBackend reads an installed game directory.
type LocalBackend struct {
	dir      string
	buildKey string
	files    *provider.FileProvider
	log      logrus.FieldLogger

	build lazy[*config.BuildConfig]
}

// LocalOption configures a LocalBackend.
type LocalOption func(*LocalBackend)

// WithBuildKey selects a build config by key instead of the active
// .build.info row.
func WithBuildKey(key string) LocalOption {
	return func(b *LocalBackend) { b.buildKey = key }
}

// WithLocalLogger sets the backend logger.
func WithLocalLogger(log logrus.FieldLogger) LocalOption {
	return func(b *LocalBackend) { b.log = log }
}

// WithLocalProviderOptions passes options to the underlying file provider.
func WithLocalProviderOptions(opts ...provider.Option) LocalOption {
	return func(b *LocalBackend) { b.files = provider.NewFileProvider(b.dir, opts...) }
}

// NewLocalBackend returns a backend for the installation rooted at dir.
func NewLocalBackend(dir string, opts ...LocalOption) *LocalBackend {
	b := &LocalBackend{dir: dir, log: logrus.StandardLogger()}
	b.files = provider.NewFileProvider(dir)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildKey returns the build config key in use, reading .build.info if no
// key was given.
func (b *LocalBackend) BuildKey(ctx context.Context) (string, error) {
	if b.buildKey != "" {
		return b.buildKey, nil
	}
	rows, err := readConfig(ctx, b.files.Reader, buildInfoFile, config.ParseBuildInfo)
	if err != nil {
		return "", err
	}
	active, err := config.ActiveBuild(rows)
	if err != nil {
		return "", fmt.Errorf("%s: %w", buildInfoFile, err)
	}
	return active.BuildKey, nil
}

// BuildConfig reads Data/config/xx/yy/<build key>.
func (b *LocalBackend) BuildConfig(ctx context.Context) (*config.BuildConfig, error) {
	return b.build.get(ctx, func() (*config.BuildConfig, error) {
		return b.loadBuildConfig(ctx)
	})
}

func (b *LocalBackend) loadBuildConfig(ctx context.Context) (*config.BuildConfig, error) {
	key, err := b.BuildKey(ctx)
	if err != nil {
		return nil, err
	}
	sum, err := checksum.FromHex(key)
	if err != nil {
		return nil, fmt.Errorf("build key: %w", err)
	}
	uri, err := keyPath(localConfigDir, sum)
	if err != nil {
		return nil, err
	}
	b.log.WithField("path", uri).Debug("reading build config")
	return readConfig(ctx, b.files.Reader, uri, config.ParseBuildConfig)
}

// Index loads the newest .idx file of every bucket under Data/data.
func (b *LocalBackend) Index(context.Context) (*index.Index, error) {
	return index.LoadLocalDir(filepath.Join(b.dir, filepath.FromSlash(localDataDir)), b.log)
}

// DataReader reads from Data/data/data.NNN, skipping the per-entry header.
func (b *LocalBackend) DataReader(ctx context.Context, e index.Entry) (io.ReadCloser, int64, error) {
	if e.Size < localDataHeaderSize {
		return nil, 0, cascerr.Malformed("local data", "entry %s of %d bytes is smaller than the %d-byte header",
			e.FileKey, e.Size, localDataHeaderSize)
	}
	uri := fmt.Sprintf("%s/data.%03d", localDataDir, e.FileNumber)
	offset := int64(e.Offset) + localDataHeaderSize
	size := int64(e.Size) - localDataHeaderSize

	b.log.WithFields(logrus.Fields{
		"file_key": e.FileKey.String(),
		"path":     uri,
	}).Tracef("skipping %d-byte data header: offset %d -> %d, size %d -> %d",
		localDataHeaderSize, e.Offset, offset, e.Size, size)

	rc, err := b.files.RangeReader(ctx, uri, offset, size)
	if err != nil {
		return nil, 0, err
	}
	return rc, size, nil
}

// Standalone always fails: a local installation keeps every blob in an
// archive.
func (b *LocalBackend) Standalone(_ context.Context, key checksum.FileKey) ([]byte, error) {
	return nil, cascerr.NotFound("standalone file %s in local storage", key)
}
