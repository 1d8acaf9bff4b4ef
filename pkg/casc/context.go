// Package casc resolves filenames stored in CASC archive storage to their
// decoded bytes.
//
// A Context walks the chain filename -> hash -> Root entries -> content
// key -> Encoding entry -> file keys -> Index entries -> backend data ->
// BLTE. The Index, Encoding and Root tables are each loaded once, on first
// use, and kept for the life of the Context. A failed load is remembered
// and returned to every later caller, unless it failed because the
// caller's context was cancelled or timed out; the next caller then loads
// again.
package casc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/user/cascgo/pkg/blte"
	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
	"github.com/user/cascgo/pkg/config"
	"github.com/user/cascgo/pkg/encoding"
	"github.com/user/cascgo/pkg/index"
	"github.com/user/cascgo/pkg/jenkins"
	"github.com/user/cascgo/pkg/root"
)

// lazy memoizes one load. Concurrent callers wait for the load in
// progress and share its result.
type lazy[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
	err  error
}

func (l *lazy[T]) get(ctx context.Context, load func() (T, error)) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.val, l.err
	}
	val, err := load()
	if err != nil && interrupted(ctx, err) {
		var zero T
		return zero, err
	}
	l.val, l.err, l.done = val, err, true
	return val, err
}

// interrupted reports whether err came from the caller giving up rather
// than from the storage.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Context is the entry point for reads. It is safe for concurrent use.
type Context struct {
	backend Backend
	log     logrus.FieldLogger
	locale  root.Locale
	files   *lru.Cache[checksum.ContentKey, *blte.File]

	build lazy[*config.BuildConfig]
	index lazy[*index.Index]
	enc   lazy[*encoding.File]
	root  lazy[*root.Root]

	mu     sync.RWMutex
	hashes map[string]uint64 // normalized name -> hash
	names  map[uint64]string
}

// Option configures a Context.
type Option func(*Context) error

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Context) error {
		c.log = log
		return nil
	}
}

// WithLocale makes Root entries whose locale mask matches l win over
// other variants of the same file.
func WithLocale(l root.Locale) Option {
	return func(c *Context) error {
		c.locale = l
		return nil
	}
}

// WithFileCache keeps up to size opened files in memory, keyed by content
// key. Chunks a cached file has decoded stay decoded.
func WithFileCache(size int) Option {
	return func(c *Context) error {
		cache, err := lru.New[checksum.ContentKey, *blte.File](size)
		if err != nil {
			return fmt.Errorf("creating file cache: %w", err)
		}
		c.files = cache
		return nil
	}
}

// New returns a Context reading from backend.
func New(backend Backend, opts ...Option) (*Context, error) {
	c := &Context{
		backend: backend,
		log:     logrus.StandardLogger(),
		locale:  root.LocaleAll,
		hashes:  make(map[string]uint64),
		names:   make(map[uint64]string),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BuildConfig returns the backend's build config.
func (c *Context) BuildConfig(ctx context.Context) (*config.BuildConfig, error) {
	return c.build.get(ctx, func() (*config.BuildConfig, error) {
		bc, err := c.backend.BuildConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading build config: %w", err)
		}
		return bc, nil
	})
}

// Index returns the file key index.
func (c *Context) Index(ctx context.Context) (*index.Index, error) {
	return c.index.get(ctx, func() (*index.Index, error) {
		idx, err := c.backend.Index(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading index: %w", err)
		}
		c.log.WithField("entries", idx.Len()).Info("loaded index")
		return idx, nil
	})
}

// Encoding returns the Encoding table.
func (c *Context) Encoding(ctx context.Context) (*encoding.File, error) {
	return c.enc.get(ctx, func() (*encoding.File, error) {
		bc, err := c.BuildConfig(ctx)
		if err != nil {
			return nil, err
		}
		f, err := c.openFileKeys(ctx, []checksum.FileKey{bc.EncodingFileKey})
		if cascerr.IsNotFound(err) {
			return nil, cascerr.MissingResource("encoding file %s (%v)", bc.EncodingFileKey, err)
		}
		if err != nil {
			return nil, fmt.Errorf("opening encoding file %s: %w", bc.EncodingFileKey, err)
		}
		data, err := f.Bytes()
		if err != nil {
			return nil, fmt.Errorf("decoding encoding file %s: %w", bc.EncodingFileKey, err)
		}
		enc, err := encoding.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing encoding file %s: %w", bc.EncodingFileKey, err)
		}
		c.log.WithField("entries", enc.Len()).Info("loaded encoding")
		return enc, nil
	})
}

// Root returns the Root table.
func (c *Context) Root(ctx context.Context) (*root.Root, error) {
	return c.root.get(ctx, func() (*root.Root, error) {
		bc, err := c.BuildConfig(ctx)
		if err != nil {
			return nil, err
		}
		f, err := c.openContent(ctx, bc.Root)
		if cascerr.IsNotFound(err) {
			return nil, cascerr.MissingResource("root %s (%v)", bc.Root, err)
		}
		if err != nil {
			return nil, fmt.Errorf("opening root %s: %w", bc.Root, err)
		}
		data, err := f.Bytes()
		if err != nil {
			return nil, fmt.Errorf("decoding root %s: %w", bc.Root, err)
		}
		r, err := root.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing root %s: %w", bc.Root, err)
		}
		c.log.WithField("entries", r.Len()).Info("loaded root")
		return r, nil
	})
}

// Hash returns the filename hash of name if Root knows it. A known pair is
// remembered in both directions; an unknown name is not.
func (c *Context) Hash(ctx context.Context, name string) (uint64, bool, error) {
	norm := jenkins.NormalizeFilename(name)
	c.mu.RLock()
	h, ok := c.hashes[norm]
	c.mu.RUnlock()
	if ok {
		return h, true, nil
	}

	r, err := c.Root(ctx)
	if err != nil {
		return 0, false, err
	}
	h = jenkins.FilenameHash(norm)
	if !r.Has(h) {
		c.log.WithFields(logrus.Fields{"path": name, "hash": fmt.Sprintf("%016x", h)}).Debug("name has no root entry")
		return 0, false, nil
	}
	c.Resolve(name, h)
	return h, true, nil
}

// Resolve registers a known name and hash pair.
func (c *Context) Resolve(name string, hash uint64) {
	norm := jenkins.NormalizeFilename(name)
	c.mu.Lock()
	c.hashes[norm] = hash
	if _, ok := c.names[hash]; !ok {
		c.names[hash] = name
	}
	c.mu.Unlock()
}

// Filename returns the name registered for hash.
func (c *Context) Filename(hash uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[hash]
	return name, ok
}

// IsRegistered reports whether name has a Root entry.
func (c *Context) IsRegistered(ctx context.Context, name string) (bool, error) {
	_, ok, err := c.Hash(ctx, name)
	return ok, err
}

// IsRegisteredData reports whether hash resolves all the way to stored
// data.
func (c *Context) IsRegisteredData(ctx context.Context, hash uint64) (bool, error) {
	entries, err := c.RootEntries(ctx, hash)
	if err != nil {
		return false, err
	}
	for _, re := range entries {
		ies, err := c.IndexEntries(ctx, re.ContentKey)
		if err != nil {
			return false, err
		}
		if len(ies) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// RootEntries returns the Root entries for hash, preferred locale first.
func (c *Context) RootEntries(ctx context.Context, hash uint64) ([]root.Entry, error) {
	r, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}
	return root.Prefer(r.Entries(hash), c.locale), nil
}

// EncodingEntry returns the Encoding entry for a content key.
func (c *Context) EncodingEntry(ctx context.Context, ck checksum.ContentKey) (encoding.Entry, bool, error) {
	enc, err := c.Encoding(ctx)
	if err != nil {
		return encoding.Entry{}, false, err
	}
	e, ok := enc.Entry(ck)
	return e, ok, nil
}

// IndexEntries returns the Index entries of every file key of a content
// key, in file key order. Keys the index does not hold are skipped.
func (c *Context) IndexEntries(ctx context.Context, ck checksum.ContentKey) ([]index.Entry, error) {
	e, ok, err := c.EncodingEntry(ctx, ck)
	if err != nil || !ok {
		return nil, err
	}
	return c.indexEntries(ctx, e.FileKeys)
}

func (c *Context) indexEntries(ctx context.Context, keys []checksum.FileKey) ([]index.Entry, error) {
	idx, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}
	var out []index.Entry
	for _, k := range keys {
		if ie, ok := idx.Entry(k); ok {
			out = append(out, ie)
		}
	}
	return out, nil
}

// File is an opened CASC file.
type File struct {
	*blte.File

	Name       string // empty when opened by hash alone
	Hash       uint64
	ContentKey checksum.ContentKey
}

// Open resolves name and opens its data.
func (c *Context) Open(ctx context.Context, name string) (*File, error) {
	h, ok, err := c.Hash(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cascerr.NotFound("file %q", name)
	}
	return c.OpenHash(ctx, h)
}

// OpenHash opens the data of the first Root entry for hash that resolves
// to stored data. Entries whose chain ends early are skipped; any other
// failure, including a data fetch that fails, is returned.
func (c *Context) OpenHash(ctx context.Context, hash uint64) (*File, error) {
	entries, err := c.RootEntries(ctx, hash)
	if err != nil {
		return nil, err
	}
	log := c.log.WithField("hash", fmt.Sprintf("%016x", hash))
	for _, re := range entries {
		f, err := c.openContent(ctx, re.ContentKey)
		if cascerr.IsNotFound(err) {
			log.WithField("content_key", re.ContentKey.String()).Debug("root entry does not resolve")
			continue
		}
		if err != nil {
			return nil, err
		}
		name, _ := c.Filename(hash)
		return &File{File: f, Name: name, Hash: hash, ContentKey: re.ContentKey}, nil
	}
	return nil, cascerr.NotFound("data for hash %016x", hash)
}

// OpenContent opens the data stored for a content key.
func (c *Context) OpenContent(ctx context.Context, ck checksum.ContentKey) (*blte.File, error) {
	return c.openContent(ctx, ck)
}

func (c *Context) openContent(ctx context.Context, ck checksum.ContentKey) (*blte.File, error) {
	if c.files != nil {
		if f, ok := c.files.Get(ck); ok {
			return f, nil
		}
	}

	e, ok, err := c.EncodingEntry(ctx, ck)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cascerr.NotFound("encoding entry for %s", ck)
	}
	f, err := c.openFileKeys(ctx, e.FileKeys)
	if err != nil {
		return nil, fmt.Errorf("content %s: %w", ck, err)
	}
	if c.files != nil {
		c.files.Add(ck, f)
	}
	return f, nil
}

// openFileKeys concatenates the stored data of every indexed key and
// decodes the result as one BLTE stream. With no indexed key it falls
// back to the backend's standalone file for the first key.
func (c *Context) openFileKeys(ctx context.Context, keys []checksum.FileKey) (*blte.File, error) {
	if len(keys) == 0 {
		return nil, cascerr.NotFound("file keys")
	}
	entries, err := c.indexEntries(ctx, keys)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		data, err := c.backend.Standalone(ctx, keys[0])
		if err != nil {
			return nil, err
		}
		return blte.Open(bytes.NewReader(data), int64(len(data)))
	}

	readers := make([]io.Reader, 0, len(entries))
	var total int64
	for _, e := range entries {
		rc, size, err := c.backend.DataReader(ctx, e)
		if err != nil {
			closeAll(readers)
			return nil, fmt.Errorf("opening data for %s: %w", e.FileKey, err)
		}
		readers = append(readers, rc)
		total += size
	}
	defer closeAll(readers)

	f, err := blte.Open(io.MultiReader(readers...), total)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", entries[0].FileKey, err)
	}
	return f, nil
}

func closeAll(readers []io.Reader) {
	for _, r := range readers {
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
	}
}
