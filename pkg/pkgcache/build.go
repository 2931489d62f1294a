package pkgcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/oda/pkgcache/internal/arena"
	"github.com/oda/pkgcache/internal/fsutil"
	"github.com/oda/pkgcache/internal/mmap"
	"github.com/oda/pkgcache/internal/node"
)

const (
	// DefaultCacheLimit caps the arena when BuildOptions.MaxSize is unset.
	DefaultCacheLimit = 256 * 1024 * 1024

	// InitialCacheSize is the size the arena starts out with.
	InitialCacheSize = 1024 * 1024

	opReading = "Reading package lists"
)

// BuildOptions configures MakeStatusCache.
type BuildOptions struct {
	// CacheFile receives the finished cache. Empty builds in memory.
	CacheFile string
	// SrcCacheFile receives the cache of Base sources alone.
	SrcCacheFile string

	// Base sources change rarely and are cached on their own.
	Base []IndexFile
	// Overlay sources are merged on top of Base on every build.
	Overlay []IndexFile

	VersionSystem VersionSystem
	Architecture  string

	MaxSize      int64
	ForceRebuild bool
	StrictArch   bool
	// AllowMem builds in memory when the cache directory is unwritable.
	AllowMem bool
	// MinFreeBytes treats the cache directory as unwritable when less
	// space is available.
	MinFreeBytes uint64
	// KeepWritable hands back a rebuilt cache through the read-write
	// mapping it was built in instead of reopening the file read-only.
	KeepWritable bool

	Progress Progress
	Logger   *logrus.Logger
	Limits   map[Kind]uint64
}

// Result describes a MakeStatusCache run.
type Result struct {
	Cache *Cache
	// Rebuilt is false when the existing cache was reused as-is.
	Rebuilt bool
	// BaseReused is true when the base cache was preloaded.
	BaseReused bool
	Stats      Stats
}

type builder struct {
	opts     BuildOptions
	log      *logrus.Entry
	progress Progress
	gen      *Generator
	parsers  map[string]ListParser

	current uint64
	total   uint64
}

func newBuilder(opts BuildOptions) (*builder, error) {
	if opts.VersionSystem == nil {
		return nil, errors.New("pkgcache: no version system")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultCacheLimit
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Progress == nil {
		opts.Progress = NopProgress{}
	}
	return &builder{
		opts:     opts,
		log:      opts.Logger.WithField("component", "builder"),
		progress: opts.Progress,
		parsers:  make(map[string]ListParser),
	}, nil
}

func (b *builder) close() {
	for name, p := range b.parsers {
		if err := p.Close(); err != nil {
			b.log.WithError(err).WithField("source", name).Warn("failed to close source")
		}
	}
	b.parsers = nil
}

func (b *builder) validityOptions() ValidityOptions {
	return ValidityOptions{
		VersionSystem: b.opts.VersionSystem,
		ForceRebuild:  b.opts.ForceRebuild,
		StrictArch:    b.opts.StrictArch,
	}
}

func (b *builder) newGenerator(a *arena.Arena) (*Generator, error) {
	return NewGenerator(a, GeneratorOptions{
		VersionSystem: b.opts.VersionSystem,
		Architecture:  b.opts.Architecture,
		StrictArch:    b.opts.StrictArch,
		Progress:      b.progress,
		Logger:        b.opts.Logger,
		Limits:        b.opts.Limits,
	})
}

func (b *builder) overall(size uint64) error {
	if err := b.progress.OverallProgress(b.current, b.total, size, opReading); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// writable decides whether caches may be persisted.
func (b *builder) writable() bool {
	path := b.opts.CacheFile
	if path == "" {
		path = b.opts.SrcCacheFile
	}
	if path == "" {
		return false
	}
	dir := fsutil.Dir(path)
	if !fsutil.Writable(dir) {
		return false
	}
	if b.opts.MinFreeBytes > 0 {
		free, err := fsutil.FreeBytes(dir)
		if err != nil {
			b.log.WithError(err).Warn("cannot determine free space")
			return false
		}
		if free < b.opts.MinFreeBytes {
			b.log.WithFields(logrus.Fields{
				"dir":  dir,
				"free": humanize.Bytes(free),
				"need": humanize.Bytes(b.opts.MinFreeBytes),
			}).Warn("not enough free space, not writing caches")
			return false
		}
	}
	return true
}

// computeSize sums the sizes of the sources that exist.
func computeSize(files []IndexFile) uint64 {
	var total uint64
	for _, f := range files {
		if st, err := f.Stat(); err == nil {
			total += st.Size
		}
	}
	return total
}

// stat returns false for sources that do not exist.
func (b *builder) stat(f IndexFile) (SourceStat, bool, error) {
	st, err := f.Stat()
	if errors.Is(err, fs.ErrNotExist) {
		b.log.WithField("source", f.Describe()).Debug("skipping missing source")
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, f.Describe(), err)
	}
	return st, true, nil
}

// parser returns the cursor for f, rewound if it was used before.
func (b *builder) parser(f IndexFile) (ListParser, error) {
	if p, ok := b.parsers[f.FileName()]; ok {
		if err := p.Rewind(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, f.Describe(), err)
		}
		return p, nil
	}
	p, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, f.Describe(), err)
	}
	b.parsers[f.FileName()] = p
	return p, nil
}

// buildCache merges every existing source not yet in the cache.
func (b *builder) buildCache(files []IndexFile) error {
	for _, f := range files {
		st, ok, err := b.stat(f)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if b.gen.FindFile(f.FileName()) != 0 {
			b.log.WithField("source", f.Describe()).Warn("duplicate source entry")
			continue
		}

		if err := b.overall(st.Size); err != nil {
			return err
		}
		b.current += st.Size

		p, err := b.parser(f)
		if err != nil {
			return err
		}
		if err := b.gen.SelectFile(f, st); err != nil {
			return err
		}
		if err := b.gen.MergeList(p); err != nil {
			return err
		}
	}
	return nil
}

// collectFileProvides runs the file dependency pass over files.
func (b *builder) collectFileProvides(files []IndexFile) error {
	for _, f := range files {
		st, ok, err := b.stat(f)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := b.overall(st.Size); err != nil {
			return err
		}
		b.current += st.Size

		p, err := b.parser(f)
		if err != nil {
			return err
		}
		if err := b.gen.MergeFileProvides(p); err != nil {
			return err
		}
	}
	return nil
}

// finishFileDeps resolves file dependencies after the overlay merge.
// New file dependencies need every source; otherwise only overlay
// packages can add providers for the dependencies already known.
func (b *builder) finishFileDeps(srcSize uint64) error {
	all := append(append([]IndexFile(nil), b.opts.Base...), b.opts.Overlay...)
	if b.gen.HasFileDeps() {
		return b.collectFileProvides(all)
	}
	if b.gen.Header().HasFileDeps {
		b.current += srcSize
		return b.collectFileProvides(b.opts.Overlay)
	}
	return nil
}

// MakeStatusCache returns a cache covering the base and overlay sources,
// reusing the persisted cache when it is still valid and the persisted
// base cache when only overlay sources need merging.
func MakeStatusCache(opts BuildOptions) (*Result, error) {
	b, err := newBuilder(opts)
	if err != nil {
		return nil, err
	}
	defer b.close()
	opts = b.opts

	all := append(append([]IndexFile(nil), opts.Base...), opts.Overlay...)
	writable := b.writable()
	if !writable && !opts.AllowMem && opts.CacheFile != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnwritable, fsutil.Dir(opts.CacheFile))
	}

	if err := b.progress.OverallProgress(0, 1, 1, opReading); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	c, err := CheckValidity(opts.CacheFile, all, b.validityOptions())
	if err == nil {
		b.log.WithField("cache", opts.CacheFile).Debug("cache is up to date")
		if err := b.progress.OverallProgress(1, 1, 1, opReading); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return &Result{Cache: c}, nil
	}
	b.log.WithError(err).Info("rebuilding package cache")

	var region mmap.Region
	var tmpPath string
	if writable && opts.CacheFile != "" {
		tmpPath, err = tempName(opts.CacheFile)
		if err != nil {
			return nil, err
		}
		m, err := mmap.Open(tmpPath, min(InitialCacheSize, opts.MaxSize))
		if err != nil {
			os.Remove(tmpPath)
			return nil, err
		}
		region = m
	} else {
		region = mmap.NewMemory(min(InitialCacheSize, opts.MaxSize))
	}

	res, err := b.build(region, writable)
	if err != nil {
		region.Close()
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		return nil, err
	}

	if tmpPath == "" {
		c, err := newCache(region, "")
		if err != nil {
			return nil, err
		}
		res.Cache = c
		return res, nil
	}

	if err := os.Rename(tmpPath, opts.CacheFile); err != nil {
		region.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to install cache: %w", err)
	}
	if opts.KeepWritable {
		c, err := newCache(region, opts.CacheFile)
		if err != nil {
			region.Close()
			return nil, err
		}
		res.Cache = c
		return res, nil
	}
	if err := region.Close(); err != nil {
		return nil, err
	}
	if res.Cache, err = Open(opts.CacheFile); err != nil {
		return nil, err
	}
	return res, nil
}

func (b *builder) build(region mmap.Region, writable bool) (*Result, error) {
	opts := b.opts
	a, err := arena.New(region, 0, opts.MaxSize)
	if err != nil {
		return nil, err
	}
	res := &Result{Rebuilt: true}
	srcSize := computeSize(opts.Base)

	src, err := CheckValidity(opts.SrcCacheFile, opts.Base, b.validityOptions())
	if err == nil {
		res.BaseReused = true
		err = b.preload(a, src)
		src.Close()
		if err != nil {
			return nil, err
		}

		b.total = computeSize(opts.Overlay)
		b.total += b.total + srcSize
		if b.gen, err = b.newGenerator(a); err != nil {
			return nil, err
		}
		if err := b.buildCache(opts.Overlay); err != nil {
			return nil, err
		}
	} else {
		b.log.WithError(err).Debug("rebuilding base cache")
		b.total = computeSize(opts.Base) + computeSize(opts.Overlay)
		b.total = b.total*2 + srcSize

		if b.gen, err = b.newGenerator(a); err != nil {
			return nil, err
		}
		if err := b.buildCache(opts.Base); err != nil {
			return nil, err
		}
		b.gen.SetOptionsHash(opts.VersionSystem.OptionsHash())

		if b.gen.HasFileDeps() {
			if err := b.collectFileProvides(opts.Base); err != nil {
				return nil, err
			}
			b.gen.ResetFileDeps()
		} else {
			b.current += srcSize
		}

		if writable && opts.SrcCacheFile != "" {
			if err := persistWithDirtyBit(b.gen, opts.SrcCacheFile); err != nil {
				return nil, err
			}
		}

		if err := b.buildCache(opts.Overlay); err != nil {
			return nil, err
		}
	}

	if err := b.finishFileDeps(srcSize); err != nil {
		return nil, err
	}
	if err := b.gen.Finish(); err != nil {
		return nil, err
	}

	res.Stats = b.gen.Stats()
	b.log.WithFields(logrus.Fields{
		"packages": b.gen.Header().Counts[KindPackage],
		"versions": b.gen.Header().Counts[KindVersion],
		"size":     humanize.Bytes(uint64(a.Used())),
		"limit":    humanize.Bytes(uint64(a.MaxSize())),
	}).Info("package cache built")
	return res, nil
}

// preload copies a valid base cache into the empty arena a.
func (b *builder) preload(a *arena.Arena, src *Cache) error {
	n := src.arena.Used()
	off, err := a.RawAllocate(n)
	if err != nil {
		return fmt.Errorf("%w: preloading %s: %w", ErrAllocation, src.Path(), err)
	}
	copy(a.Bytes(off, n), src.arena.Bytes(0, n))
	b.log.WithFields(logrus.Fields{
		"cache": src.Path(),
		"size":  humanize.Bytes(uint64(n)),
	}).Debug("preloaded base cache")
	return nil
}

// MakeOnlyStatusCache builds an in-memory cache from the overlay sources
// alone, never reading or writing persisted caches.
func MakeOnlyStatusCache(opts BuildOptions) (*Result, error) {
	b, err := newBuilder(opts)
	if err != nil {
		return nil, err
	}
	defer b.close()
	b.opts.Base = nil

	region := mmap.NewMemory(min(InitialCacheSize, b.opts.MaxSize))
	a, err := arena.New(region, 0, b.opts.MaxSize)
	if err != nil {
		return nil, err
	}
	b.total = computeSize(b.opts.Overlay) * 2

	if err := b.progress.OverallProgress(0, 1, 1, opReading); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if b.gen, err = b.newGenerator(a); err != nil {
		return nil, err
	}
	b.gen.SetOptionsHash(b.opts.VersionSystem.OptionsHash())
	if err := b.buildCache(b.opts.Overlay); err != nil {
		return nil, err
	}
	if b.gen.HasFileDeps() {
		if err := b.collectFileProvides(b.opts.Overlay); err != nil {
			return nil, err
		}
	}
	if err := b.gen.Finish(); err != nil {
		return nil, err
	}

	c, err := newCache(region, "")
	if err != nil {
		return nil, err
	}
	return &Result{Cache: c, Rebuilt: true, Stats: b.gen.Stats()}, nil
}

// persistWithDirtyBit writes the arena to path. The payload is written
// and synced with the dirty flag set; only then is the header rewritten
// with the flag cleared and synced again. The file is installed by rename.
func persistWithDirtyBit(g *Generator, path string) error {
	g.hdr.Dirty = true
	g.Flush()

	tmpPath, err := tempName(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to open %s: %w", tmpPath, err)
	}
	fail := func(err error) error {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save %s: %w", path, err)
	}

	a := g.arena
	if _, err := f.Write(a.Bytes(0, a.Used())); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}

	hdr := g.hdr
	hdr.Dirty = false
	buf := make([]byte, node.HeaderFieldsSize)
	hdr.Serialize(buf)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install %s: %w", path, err)
	}
	return nil
}

// tempName creates an empty file next to path to build into.
func tempName(path string) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0644); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
