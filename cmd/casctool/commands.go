package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/cascgo/pkg/casc"
	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/jenkins"
	"github.com/user/cascgo/pkg/provider"
	"github.com/user/cascgo/pkg/root"
)

// session is the state one command run works with.
type session struct {
	cfg     toolConfig
	log     *logrus.Logger
	out     io.Writer
	reg     *prometheus.Registry
	context *casc.Context
}

func newRootCmd(log *logrus.Logger, out io.Writer) *cobra.Command {
	s := &session{log: log, out: out}

	cmd := &cobra.Command{
		Use:           "casctool",
		Short:         "Read files from CASC archive storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerFlags(cmd.PersistentFlags())
	cmd.SetOut(out)

	cmd.AddCommand(
		s.infoCmd(),
		s.hashCmd(),
		s.lookupCmd(),
		s.extractCmd(),
		s.extractAllCmd(),
	)
	return cmd
}

// prepare loads configuration and logging. Commands that read storage call
// open afterwards.
func (s *session) prepare(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd.Flags(), &cfg); err != nil {
		return err
	}
	s.cfg = cfg
	setupLogging(s.log, cfg.LogLevel)
	return nil
}

func (s *session) open(ctx context.Context) error {
	locale, err := root.ParseLocale(s.cfg.Locale)
	if err != nil {
		return err
	}

	s.reg = prometheus.NewRegistry()
	metrics := provider.NewMetrics(s.reg)

	var backend casc.Backend
	switch s.cfg.Mode {
	case "local":
		opts := []casc.LocalOption{
			casc.WithLocalLogger(s.log),
			casc.WithLocalProviderOptions(provider.WithMetrics(metrics), provider.WithLogger(s.log)),
		}
		if s.cfg.BuildKey != "" {
			opts = append(opts, casc.WithBuildKey(s.cfg.BuildKey))
		}
		backend = casc.NewLocalBackend(s.cfg.InstallDir, opts...)
	case "online":
		backend, err = s.onlineBackend(ctx, metrics)
		if err != nil {
			return err
		}
	}

	s.context, err = casc.New(backend, casc.WithLogger(s.log), casc.WithLocale(locale))
	return err
}

func (s *session) onlineBackend(ctx context.Context, metrics *provider.Metrics) (casc.Backend, error) {
	build := casc.Build{BuildConfig: s.cfg.BuildKey, CDNConfig: s.cfg.CDNKey, CDNURL: s.cfg.CDNURL}
	if build.CDNURL == "" {
		patch := provider.NewHTTPProvider(s.cfg.PatchURL, provider.WithLogger(s.log))
		discovered, err := casc.DiscoverBuild(ctx, patch, s.cfg.Product, s.cfg.Region)
		if err != nil {
			return nil, err
		}
		if build.BuildConfig != "" {
			discovered.BuildConfig = build.BuildConfig
		}
		if build.CDNConfig != "" {
			discovered.CDNConfig = build.CDNConfig
		}
		build = discovered
	}
	s.log.WithFields(logrus.Fields{"uri": build.CDNURL, "build": build.BuildConfig}).Info("using cdn build")

	opts := []provider.Option{provider.WithMetrics(metrics), provider.WithLogger(s.log)}
	var cdn provider.Provider = provider.NewHTTPProvider(build.CDNURL, opts...)
	if s.cfg.CacheDir != "" {
		opts = append(opts, provider.WithCompression(provider.Compression(s.cfg.CacheCompression)))
		cdn = provider.NewCachingProvider(cdn, filepath.Join(s.cfg.CacheDir, build.BuildConfig), opts...)
	}
	return casc.NewOnlineBackend(cdn, build,
		casc.WithOnlineLogger(s.log),
		casc.WithFetchConcurrency(s.cfg.FetchConcurrency),
	), nil
}

// logMetrics writes the provider counters at debug level.
func (s *session) logMetrics() {
	if s.reg == nil || !s.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	families, err := s.reg.Gather()
	if err != nil {
		s.log.WithError(err).Debug("gathering metrics")
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fields := logrus.Fields{"metric": mf.GetName()}
			for _, l := range m.GetLabel() {
				fields[l.GetName()] = l.GetValue()
			}
			s.log.WithFields(fields).Debugf("%g", m.GetCounter().GetValue())
		}
	}
}

// storageRun wraps a command body that needs an open Context.
func (s *session) storageRun(run func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := s.prepare(cmd); err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := s.open(ctx); err != nil {
			return err
		}
		defer s.logMetrics()
		return run(ctx, args)
	}
}

func (s *session) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print build keys and table sizes",
		Args:  cobra.NoArgs,
		RunE: s.storageRun(func(ctx context.Context, _ []string) error {
			bc, err := s.context.BuildConfig(ctx)
			if err != nil {
				return err
			}
			idx, err := s.context.Index(ctx)
			if err != nil {
				return err
			}
			enc, err := s.context.Encoding(ctx)
			if err != nil {
				return err
			}
			rt, err := s.context.Root(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "build:    %s\n", bc.BuildName)
			fmt.Fprintf(s.out, "root:     %s\n", bc.Root)
			fmt.Fprintf(s.out, "encoding: %s %s\n", bc.EncodingContentKey, bc.EncodingFileKey)
			fmt.Fprintf(s.out, "index entries:    %d\n", idx.Len())
			fmt.Fprintf(s.out, "encoding entries: %d\n", enc.Len())
			fmt.Fprintf(s.out, "root entries:     %d (%d names)\n", rt.Len(), len(rt.Hashes()))
			return nil
		}),
	}
}

func (s *session) hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <name>...",
		Short: "Print the filename hash of each name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				fmt.Fprintf(s.out, "%016x  %s\n", jenkins.FilenameHash(name), jenkins.NormalizeFilename(name))
			}
			return nil
		},
	}
}

func (s *session) lookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <name>",
		Short: "Print every hop of a name's resolution chain",
		Args:  cobra.ExactArgs(1),
		RunE: s.storageRun(func(ctx context.Context, args []string) error {
			name := args[0]
			h, ok, err := s.context.Hash(ctx, name)
			if err != nil {
				return err
			}
			if !ok {
				return cascerr.NotFound("file %q", name)
			}
			fmt.Fprintf(s.out, "hash %016x\n", h)

			entries, err := s.context.RootEntries(ctx, h)
			if err != nil {
				return err
			}
			for _, re := range entries {
				fmt.Fprintf(s.out, "  root content_key=%s locale=%08x flags=%08x\n", re.ContentKey, re.BlockFlags, re.BlockUnknown)
				enc, ok, err := s.context.EncodingEntry(ctx, re.ContentKey)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(s.out, "    no encoding entry")
					continue
				}
				fmt.Fprintf(s.out, "    encoding size=%d keys=%d\n", enc.FileSize, len(enc.FileKeys))
				ies, err := s.context.IndexEntries(ctx, re.ContentKey)
				if err != nil {
					return err
				}
				for _, ie := range ies {
					fmt.Fprintf(s.out, "      index file_key=%s file=%d offset=%d size=%d\n", ie.FileKey, ie.FileNumber, ie.Offset, ie.Size)
				}
			}
			return nil
		}),
	}
}

var errUnsafePath = errors.New("name does not stay inside the output directory")

// outputPath maps a CASC name under dir, turning backslashes into path
// separators. Names that are absolute or climb out of dir are rejected.
func outputPath(dir, name string) (string, error) {
	rel := filepath.FromSlash(strings.ReplaceAll(name, "\\", "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q: %w", name, errUnsafePath)
	}
	return filepath.Join(dir, rel), nil
}

func (s *session) extractOne(ctx context.Context, name, dir string) error {
	dst, err := outputPath(dir, name)
	if err != nil {
		return err
	}
	f, err := s.context.Open(ctx, name)
	if err != nil {
		return err
	}
	r, err := f.Reader()
	if err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	s.log.WithFields(logrus.Fields{"path": dst, "content_key": f.ContentKey.String()}).Debugf("extracted %d bytes", n)
	return nil
}

func (s *session) extractCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "extract <name>...",
		Short: "Extract named files",
		Args:  cobra.MinimumNArgs(1),
		RunE: s.storageRun(func(ctx context.Context, args []string) error {
			for _, name := range args {
				if err := s.extractOne(ctx, name, outDir); err != nil {
					return err
				}
				dst, _ := outputPath(outDir, name)
				fmt.Fprintf(s.out, "%s\n", dst)
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

func (s *session) extractAllCmd() *cobra.Command {
	var outDir, listfile string
	cmd := &cobra.Command{
		Use:   "extract-all",
		Short: "Extract every listfile name the build contains",
		Args:  cobra.NoArgs,
		RunE: s.storageRun(func(ctx context.Context, _ []string) error {
			if listfile == "" {
				listfile = s.cfg.Listfile
			}
			if listfile == "" {
				return fmt.Errorf("extract-all needs a listfile (--listfile or listfile)")
			}
			lf, err := os.Open(listfile)
			if err != nil {
				return fmt.Errorf("opening listfile: %w", err)
			}
			names, err := s.context.LoadListfile(ctx, lf)
			lf.Close()
			if err != nil {
				return err
			}

			var extracted, missing atomic.Int64
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(1, s.cfg.FetchConcurrency))
			for _, name := range names {
				g.Go(func() error {
					err := s.extractOne(gctx, name, outDir)
					if cascerr.IsNotFound(err) {
						s.log.WithField("path", name).Warn("no data stored for name")
						missing.Add(1)
						return nil
					}
					if errors.Is(err, errUnsafePath) {
						s.log.WithField("path", name).Warn("skipping name outside the output directory")
						return nil
					}
					if err != nil {
						return err
					}
					extracted.Add(1)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "extracted %d files, %d without data\n", extracted.Load(), missing.Load())
			return nil
		}),
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().StringVar(&listfile, "listfile", "", "listfile of names to extract")
	return cmd
}
