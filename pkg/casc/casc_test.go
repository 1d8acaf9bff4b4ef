package casc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cascgo/internal/fixture"
	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
	"github.com/user/cascgo/pkg/jenkins"
	"github.com/user/cascgo/pkg/provider"
)

var testFiles = map[string][]byte{
	"foo.txt":               []byte("the quick brown fox"),
	"Interface/Icons/a.blp": []byte(strings.Repeat("icon data ", 64)),
	"segmented.bin":         []byte(strings.Repeat("0123456789", 50)),
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func newLocal(t *testing.T, opts ...Option) *Context {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, fixture.NewBuild(testFiles, "segmented.bin").WriteLocal(dir))
	c, err := New(NewLocalBackend(dir, WithLocalLogger(quietLogger())), append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return c
}

func readFile(t *testing.T, f *File) []byte {
	t.Helper()
	r, err := f.Reader()
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}

func TestLocalOpenByName(t *testing.T) {
	c := newLocal(t)
	ctx := context.Background()

	f, err := c.Open(ctx, "foo.txt")
	require.NoError(t, err)
	assert.Equal(t, testFiles["foo.txt"], readFile(t, f))
	assert.Equal(t, "foo.txt", f.Name)
	assert.Equal(t, checksum.NewContentKey(fixture.MD5(testFiles["foo.txt"])), f.ContentKey)

	f, err = c.Open(ctx, "interface\\icons\\A.BLP")
	require.NoError(t, err)
	assert.Equal(t, testFiles["Interface/Icons/a.blp"], readFile(t, f))
}

func TestLocalOpenMissingIsNotFound(t *testing.T) {
	c := newLocal(t)
	_, err := c.Open(context.Background(), "missing.txt")
	require.Error(t, err)
	assert.True(t, cascerr.IsNotFound(err))
	assert.False(t, errors.Is(err, os.ErrNotExist))

	_, ok := c.Filename(jenkins.FilenameHash("missing.txt"))
	assert.False(t, ok, "unknown names must not be cached")
}

func TestSegmentedFileConcatenatesIndexEntries(t *testing.T) {
	c := newLocal(t)
	ctx := context.Background()

	ck := checksum.NewContentKey(fixture.MD5(testFiles["segmented.bin"]))
	entries, err := c.IndexEntries(ctx, ck)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	f, err := c.Open(ctx, "segmented.bin")
	require.NoError(t, err)
	assert.Equal(t, testFiles["segmented.bin"], readFile(t, f))

	w, err := f.Window(495, 5)
	require.NoError(t, err)
	tail, err := io.ReadAll(w)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(tail))
}

func TestHashCachesBothDirections(t *testing.T) {
	c := newLocal(t)
	ctx := context.Background()

	h, ok, err := c.Hash(ctx, "FOO.TXT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jenkins.FilenameHash("foo.txt"), h)

	name, ok := c.Filename(h)
	require.True(t, ok)
	assert.Equal(t, "FOO.TXT", name)

	_, ok, err = c.Hash(ctx, "nope.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChainHelpers(t *testing.T) {
	c := newLocal(t)
	ctx := context.Background()
	h := jenkins.FilenameHash("foo.txt")

	registered, err := c.IsRegistered(ctx, "foo.txt")
	require.NoError(t, err)
	assert.True(t, registered)

	hasData, err := c.IsRegisteredData(ctx, h)
	require.NoError(t, err)
	assert.True(t, hasData)

	hasData, err = c.IsRegisteredData(ctx, 42)
	require.NoError(t, err)
	assert.False(t, hasData)

	roots, err := c.RootEntries(ctx, h)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	enc, ok, err := c.EncodingEntry(ctx, roots[0].ContentKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(len(testFiles["foo.txt"])), enc.FileSize)

	_, ok, err = c.EncodingEntry(ctx, checksum.NewContentKey(fixture.Key("absent")))
	require.NoError(t, err)
	assert.False(t, ok)

	ies, err := c.IndexEntries(ctx, checksum.NewContentKey(fixture.Key("absent")))
	require.NoError(t, err)
	assert.Empty(t, ies)
}

func TestResolveRegistersName(t *testing.T) {
	c := newLocal(t)
	c.Resolve("custom/name.dat", 7)
	name, ok := c.Filename(7)
	require.True(t, ok)
	assert.Equal(t, "custom/name.dat", name)

	h, ok, err := c.Hash(context.Background(), "CUSTOM\\NAME.DAT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), h)
}

func TestLoadListfile(t *testing.T) {
	c := newLocal(t)
	list := "\xef\xbb\xbf" + "1;foo.txt\n\n# comment\nInterface/Icons/a.blp\n99;not/present.txt\n"
	names, err := c.LoadListfile(context.Background(), strings.NewReader(list))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo.txt", "Interface/Icons/a.blp"}, names)

	name, ok := c.Filename(jenkins.FilenameHash("foo.txt"))
	require.True(t, ok)
	assert.Equal(t, "foo.txt", name)
}

func TestFileCacheReturnsSameFile(t *testing.T) {
	c := newLocal(t, WithFileCache(4))
	ctx := context.Background()

	a, err := c.Open(ctx, "foo.txt")
	require.NoError(t, err)
	b, err := c.Open(ctx, "foo.txt")
	require.NoError(t, err)
	assert.Same(t, a.File, b.File)

	_, err = New(nil, WithFileCache(0))
	assert.Error(t, err)
}

func TestConcurrentFirstAccessLoadsOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fixture.NewBuild(testFiles).WriteLocal(dir))
	log, hook := test.NewNullLogger()
	c, err := New(NewLocalBackend(dir, WithLocalLogger(quietLogger())), WithLogger(log))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := c.Open(context.Background(), "foo.txt")
			if assert.NoError(t, err) {
				b, err := f.Bytes()
				assert.NoError(t, err)
				assert.Equal(t, testFiles["foo.txt"], b)
			}
		}()
	}
	wg.Wait()

	loads := map[string]int{}
	for _, e := range hook.AllEntries() {
		loads[e.Message]++
	}
	assert.Equal(t, 1, loads["loaded index"])
	assert.Equal(t, 1, loads["loaded encoding"])
	assert.Equal(t, 1, loads["loaded root"])
}

func TestIndexFailureIsRemembered(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fixture.NewBuild(testFiles).WriteLocal(dir))
	idx := filepath.Join(dir, "Data", "data", fixture.LocalIndexName(0, 1))
	raw, err := os.ReadFile(idx)
	require.NoError(t, err)
	raw[4] ^= 0xff
	require.NoError(t, os.WriteFile(idx, raw, 0o644))

	c, err := New(NewLocalBackend(dir, WithLocalLogger(quietLogger())), WithLogger(quietLogger()))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = c.Open(context.Background(), "foo.txt")
		assert.True(t, errors.Is(err, cascerr.ErrChecksumMismatch), "got %v", err)
	}
}

func TestLocalMissingIndexFilesIsNotNotFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fixture.NewBuild(testFiles).WriteLocal(dir))
	idxFiles, err := filepath.Glob(filepath.Join(dir, "Data", "data", "*.idx"))
	require.NoError(t, err)
	require.NotEmpty(t, idxFiles)
	for _, p := range idxFiles {
		require.NoError(t, os.Remove(p))
	}

	c, err := New(NewLocalBackend(dir, WithLocalLogger(quietLogger())), WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = c.Open(context.Background(), "foo.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cascerr.ErrMissingResource), "got %v", err)
	assert.False(t, cascerr.IsNotFound(err))
}

func TestLocalMissingDataFileIsNotNotFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fixture.NewBuild(testFiles).WriteLocal(dir))
	c, err := New(NewLocalBackend(dir, WithLocalLogger(quietLogger())), WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = c.Root(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "Data", "data", "data.000")))
	_, err = c.Open(ctx, "foo.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, cascerr.IsNotFound(err))
}

func TestLocalDataReaderSkipsHeader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fixture.NewBuild(testFiles).WriteLocal(dir))
	b := NewLocalBackend(dir, WithLocalLogger(quietLogger()))
	ctx := context.Background()

	idx, err := b.Index(ctx)
	require.NoError(t, err)
	first := idx.Entries()[0]
	rc, size, err := b.DataReader(ctx, first)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(first.Size)-localDataHeaderSize, size)
	magic := make([]byte, 4)
	_, err = io.ReadFull(rc, magic)
	require.NoError(t, err)
	assert.Equal(t, "BLTE", string(magic))

	first.Size = 10
	_, _, err = b.DataReader(ctx, first)
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))

	_, err = b.Standalone(ctx, first.FileKey)
	assert.True(t, cascerr.IsNotFound(err))
}

func TestLocalBuildKeyOverride(t *testing.T) {
	dir := t.TempDir()
	build := fixture.NewBuild(testFiles)
	require.NoError(t, build.WriteLocal(dir))
	require.NoError(t, os.Remove(filepath.Join(dir, ".build.info")))

	b := NewLocalBackend(dir, WithBuildKey(build.BuildKey), WithLocalLogger(quietLogger()))
	bc, err := b.BuildConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checksum.NewContentKey(build.RootKey), bc.Root)

	_, err = NewLocalBackend(dir).BuildConfig(context.Background())
	assert.Error(t, err)
}

func newCDNServer(t *testing.T) (*httptest.Server, func(uri string, body []byte)) {
	t.Helper()
	var mu sync.RWMutex
	files := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func(uri string, body []byte) {
		mu.Lock()
		if body == nil {
			delete(files, uri)
		} else {
			files[uri] = body
		}
		mu.Unlock()
	}
}

// testCDN is a served build. serve changes what the server returns; a nil
// body withdraws the file.
type testCDN struct {
	serve    func(uri string, body []byte)
	archive  string
	encoding string
}

func newOnline(t *testing.T) (*Context, testCDN) {
	t.Helper()
	build := fixture.NewBuild(testFiles)
	files, cdnKey := build.CDN()

	srv, serve := newCDNServer(t)
	cdnFiles := testCDN{serve: serve}
	for uri, body := range files {
		serve("tpr/"+uri, body)
		if strings.HasSuffix(uri, ".index") {
			cdnFiles.archive = "tpr/" + strings.TrimSuffix(uri, ".index")
		}
	}
	require.NotEmpty(t, cdnFiles.archive)
	encURI, err := keyPath(cdnDataDir, checksum.FromBytes(build.Encoding.Key))
	require.NoError(t, err)
	cdnFiles.encoding = "tpr/" + encURI

	cdnURL := srv.URL + "/tpr"
	cdn := provider.NewHTTPProvider(cdnURL, provider.WithHTTPClient(srv.Client()), provider.WithLogger(quietLogger()))
	backend := NewOnlineBackend(cdn, Build{BuildConfig: build.BuildKey, CDNConfig: cdnKey, CDNURL: cdnURL},
		WithOnlineLogger(quietLogger()))
	c, err := New(backend, WithLogger(quietLogger()))
	require.NoError(t, err)
	return c, cdnFiles
}

func TestOnlineOpenThroughCache(t *testing.T) {
	build := fixture.NewBuild(testFiles, "segmented.bin")
	cdnFiles, cdnKey := build.CDN()

	srv, serve := newCDNServer(t)
	for uri, body := range cdnFiles {
		serve("tpr/"+uri, body)
	}
	serve("wow/versions", []byte("Region!STRING:0|BuildConfig!HEX:16|CDNConfig!HEX:16|BuildId!DEC:4|VersionsName!String:0\n"+
		"## seqn = 1\n"+
		"us|"+build.BuildKey+"|"+cdnKey+"|1|1.0.0.1\n"))
	serve("wow/cdns", []byte("Name!STRING:0|Path!STRING:0|Hosts!STRING:0|Servers!STRING:0|ConfigPath!STRING:0\n"+
		"us|tpr|example.invalid|"+srv.URL+"/?maxhosts=4|tpr/configs\n"))

	ctx := context.Background()
	patch := provider.NewHTTPProvider(srv.URL, provider.WithHTTPClient(srv.Client()))
	discovered, err := DiscoverBuild(ctx, patch, "wow", "us")
	require.NoError(t, err)
	assert.Equal(t, build.BuildKey, discovered.BuildConfig)
	assert.Equal(t, srv.URL+"/tpr", discovered.CDNURL)

	cdn := provider.NewHTTPProvider(discovered.CDNURL, provider.WithHTTPClient(srv.Client()))
	cached := provider.NewCachingProvider(cdn, filepath.Join(t.TempDir(), build.BuildKey), provider.WithLogger(quietLogger()))
	backend := NewOnlineBackend(cached, discovered, WithOnlineLogger(quietLogger()), WithFetchConcurrency(2))
	c, err := New(backend, WithLogger(quietLogger()))
	require.NoError(t, err)

	for _, name := range []string{"foo.txt", "segmented.bin", "Interface/Icons/a.blp"} {
		f, err := c.Open(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, testFiles[name], readFile(t, f), name)
	}

	_, err = c.Open(ctx, "missing.txt")
	assert.True(t, cascerr.IsNotFound(err))

	_, err = DiscoverBuild(ctx, patch, "wow", "eu")
	assert.Error(t, err)
}

func TestOnlineArchiveIndexFailureIsNotNotFound(t *testing.T) {
	c, cdn := newOnline(t)
	cdn.serve(cdn.archive+".index", nil)

	_, err := c.Open(context.Background(), "foo.txt")
	require.Error(t, err)
	assert.False(t, cascerr.IsNotFound(err), "got %v", err)
	var se *provider.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestOnlineDataFailureIsReturned(t *testing.T) {
	c, cdn := newOnline(t)
	ctx := context.Background()
	_, err := c.Root(ctx)
	require.NoError(t, err)

	cdn.serve(cdn.archive, nil)
	_, err = c.Open(ctx, "foo.txt")
	require.Error(t, err)
	assert.False(t, cascerr.IsNotFound(err), "got %v", err)
	var se *provider.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestOnlineMissingEncodingIsMissingResource(t *testing.T) {
	c, cdn := newOnline(t)
	cdn.serve(cdn.encoding, nil)

	_, err := c.Open(context.Background(), "foo.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cascerr.ErrMissingResource), "got %v", err)
	assert.False(t, cascerr.IsNotFound(err))
}

func TestCancelledLoadIsRetried(t *testing.T) {
	c, _ := newOnline(t)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Open(cancelled, "foo.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	f, err := c.Open(context.Background(), "foo.txt")
	require.NoError(t, err)
	assert.Equal(t, testFiles["foo.txt"], readFile(t, f))
}

func TestLazyRemembersOnlyStorageFailures(t *testing.T) {
	var l lazy[int]
	calls := 0
	timedOut, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-timedOut.Done()

	_, err := l.get(timedOut, func() (int, error) {
		calls++
		return 0, fmt.Errorf("fetching: %w", timedOut.Err())
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	broken := errors.New("bad header")
	for i := 0; i < 2; i++ {
		_, err = l.get(context.Background(), func() (int, error) {
			calls++
			return 0, broken
		})
		assert.ErrorIs(t, err, broken)
	}
	assert.Equal(t, 2, calls)

	v, err := l.get(context.Background(), func() (int, error) { return 7, nil })
	assert.ErrorIs(t, err, broken)
	assert.Zero(t, v)
}
