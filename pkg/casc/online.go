package casc

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
	"github.com/user/cascgo/pkg/config"
	"github.com/user/cascgo/pkg/index"
	"github.com/user/cascgo/pkg/provider"
)

const (
	cdnConfigDir = "config"
	cdnDataDir   = "data"

	defaultFetchConcurrency = 8
)

// Build names the two config keys that pin one CDN build.
type Build struct {
	BuildConfig string
	CDNConfig   string
	// CDNURL is the base data URL, such as "http://host/tpr/wow". It is
	// filled by DiscoverBuild.
	CDNURL string
}

// DiscoverBuild asks a patch server for the current build of product in
// region. patch must be rooted at the patch server, for example
// "http://us.patch.battle.net:1119".
func DiscoverBuild(ctx context.Context, patch provider.Provider, product, region string) (Build, error) {
	versions, err := readConfig(ctx, patch.Reader, product+"/versions", config.ParseVersions)
	if err != nil {
		return Build{}, err
	}
	version, ok := config.ByRegion(versions, region, func(v config.Version) string { return v.Region })
	if !ok {
		return Build{}, fmt.Errorf("%s versions have no %q region", product, region)
	}

	cdns, err := readConfig(ctx, patch.Reader, product+"/cdns", config.ParseCDNs)
	if err != nil {
		return Build{}, err
	}
	cdn, ok := config.ByRegion(cdns, region, func(c config.CDN) string { return c.Name })
	if !ok {
		return Build{}, fmt.Errorf("%s cdns have no %q region", product, region)
	}
	url, err := cdn.URL()
	if err != nil {
		return Build{}, err
	}
	return Build{BuildConfig: version.BuildConfig, CDNConfig: version.CDNConfig, CDNURL: url}, nil
}

// OnlineBackend reads a build straight from a CDN.
type OnlineBackend struct {
	cdn         provider.Provider
	build       Build
	log         logrus.FieldLogger
	concurrency int

	buildCfg lazy[*config.BuildConfig]
	cdnCfg   lazy[*config.CDNConfig]
}

// OnlineOption configures an OnlineBackend.
type OnlineOption func(*OnlineBackend)

// WithOnlineLogger sets the backend logger.
func WithOnlineLogger(log logrus.FieldLogger) OnlineOption {
	return func(b *OnlineBackend) { b.log = log }
}

// WithFetchConcurrency bounds the number of archive indexes fetched at
// once.
func WithFetchConcurrency(n int) OnlineOption {
	return func(b *OnlineBackend) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// NewOnlineBackend returns a backend reading build from cdn, which must be
// rooted at the CDN path (the directory holding config/ and data/).
func NewOnlineBackend(cdn provider.Provider, build Build, opts ...OnlineOption) *OnlineBackend {
	b := &OnlineBackend{
		cdn:         cdn,
		build:       build,
		log:         logrus.StandardLogger(),
		concurrency: defaultFetchConcurrency,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *OnlineBackend) configURI(key string) (string, error) {
	sum, err := checksum.FromHex(key)
	if err != nil {
		return "", fmt.Errorf("config key: %w", err)
	}
	return keyPath(cdnConfigDir, sum)
}

// BuildConfig fetches config/xx/yy/<build config>.
func (b *OnlineBackend) BuildConfig(ctx context.Context) (*config.BuildConfig, error) {
	return b.buildCfg.get(ctx, func() (*config.BuildConfig, error) {
		uri, err := b.configURI(b.build.BuildConfig)
		if err != nil {
			return nil, err
		}
		return readConfig(ctx, b.cdn.Reader, uri, config.ParseBuildConfig)
	})
}

// CDNConfig fetches config/xx/yy/<cdn config>.
func (b *OnlineBackend) CDNConfig(ctx context.Context) (*config.CDNConfig, error) {
	return b.cdnCfg.get(ctx, func() (*config.CDNConfig, error) {
		uri, err := b.configURI(b.build.CDNConfig)
		if err != nil {
			return nil, err
		}
		return readConfig(ctx, b.cdn.Reader, uri, config.ParseCDNConfig)
	})
}

// Index fetches every archive's .index in parallel. Entries keep the
// archive's position in the CDN config as their file number.
func (b *OnlineBackend) Index(ctx context.Context) (*index.Index, error) {
	cc, err := b.CDNConfig(ctx)
	if err != nil {
		return nil, err
	}

	perArchive := make([][]index.Entry, len(cc.Archives))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, archive := range cc.Archives {
		g.Go(func() error {
			entries, err := b.fetchIndex(gctx, archive, uint32(i))
			if err != nil {
				return err
			}
			perArchive[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []index.Entry
	for _, entries := range perArchive {
		all = append(all, entries...)
	}
	b.log.WithField("entries", len(all)).Debugf("loaded %d archive indexes", len(cc.Archives))
	return index.New(all), nil
}

func (b *OnlineBackend) fetchIndex(ctx context.Context, archive checksum.FileKey, pos uint32) ([]index.Entry, error) {
	uri, err := keyPath(cdnDataDir, archive.Checksum)
	if err != nil {
		return nil, err
	}
	uri += ".index"

	data, err := readAll(ctx, b.cdn, uri)
	if err != nil {
		return nil, err
	}
	entries, err := index.ParseOnline(data, pos)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", uri, err)
	}
	b.log.WithFields(logrus.Fields{"uri": uri, "entries": len(entries)}).Trace("parsed archive index")
	return entries, nil
}

// DataReader reads a range of the archive the entry's file number names.
func (b *OnlineBackend) DataReader(ctx context.Context, e index.Entry) (io.ReadCloser, int64, error) {
	cc, err := b.CDNConfig(ctx)
	if err != nil {
		return nil, 0, err
	}
	if int(e.FileNumber) >= len(cc.Archives) {
		return nil, 0, fmt.Errorf("entry %s names archive %d of %d", e.FileKey, e.FileNumber, len(cc.Archives))
	}
	uri, err := keyPath(cdnDataDir, cc.Archives[e.FileNumber].Checksum)
	if err != nil {
		return nil, 0, err
	}
	rc, err := b.cdn.RangeReader(ctx, uri, int64(e.Offset), int64(e.Size))
	if err != nil {
		return nil, 0, err
	}
	return rc, int64(e.Size), nil
}

// Standalone fetches data/xx/yy/<key>. A key the CDN does not hold is
// reported as not found.
func (b *OnlineBackend) Standalone(ctx context.Context, key checksum.FileKey) ([]byte, error) {
	uri, err := keyPath(cdnDataDir, key.Checksum)
	if err != nil {
		return nil, err
	}
	data, err := readAll(ctx, b.cdn, uri)
	if provider.IsMissing(err) {
		return nil, cascerr.NotFound("standalone file %s (%v)", key, err)
	}
	return data, err
}

func readAll(ctx context.Context, p provider.Provider, uri string) ([]byte, error) {
	rc, err := p.Reader(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", uri, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	return data, nil
}
