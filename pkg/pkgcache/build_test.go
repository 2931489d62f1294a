package pkgcache

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/pkgcache/internal/node"
	"github.com/oda/pkgcache/pkg/pkgcache/debversion"
)

func indexFiles(srcs ...*memSource) []IndexFile {
	files := make([]IndexFile, len(srcs))
	for i, s := range srcs {
		files[i] = s
	}
	return files
}

func testBuildOptions(dir string, base, overlay []*memSource) BuildOptions {
	return BuildOptions{
		CacheFile:     filepath.Join(dir, "pkgcache.bin"),
		SrcCacheFile:  filepath.Join(dir, "srcpkgcache.bin"),
		Base:          indexFiles(base...),
		Overlay:       indexFiles(overlay...),
		VersionSystem: testVS(),
		Architecture:  "amd64",
	}
}

func build(t *testing.T, opts BuildOptions) *Result {
	t.Helper()
	res, err := MakeStatusCache(opts)
	require.NoError(t, err)
	t.Cleanup(func() { res.Cache.Close() })
	return res
}

func installedRec(pkg, ver, arch string) Record {
	r := rec(pkg, ver, arch, 0)
	r.Installed = true
	return r
}

func TestMakeStatusCacheReuse(t *testing.T) {
	dir := t.TempDir()
	main := newSource("main", rec("foo", "1.0", "amd64", 0), rec("bar", "2.0", "all", 0))
	status := newSource("status", installedRec("foo", "1.0", "amd64"))
	status.flags = FileInstalledState
	opts := testBuildOptions(dir, []*memSource{main}, []*memSource{status})

	res := build(t, opts)
	assert.True(t, res.Rebuilt)
	assert.False(t, res.BaseReused)
	assert.Equal(t, opts.CacheFile, res.Cache.Path())
	assert.FileExists(t, opts.SrcCacheFile)

	foo, ok := res.Cache.FindPackage("foo")
	require.True(t, ok)
	versions := collect(foo.Versions())
	require.Len(t, versions, 1)
	assert.Len(t, collect(versions[0].Files()), 2)
	_, ok = foo.CurrentVersion()
	assert.True(t, ok)

	res = build(t, opts)
	assert.False(t, res.Rebuilt, "unchanged sources reuse the cache")

	status.touch()
	res = build(t, opts)
	assert.True(t, res.Rebuilt)
	assert.True(t, res.BaseReused, "base cache survives overlay changes")
	assert.Equal(t, uint32(2), res.Cache.Count(KindPackageFile))
	foo, _ = res.Cache.FindPackage("foo")
	assert.Len(t, collect(collect(foo.Versions())[0].Files()), 2)

	main.touch()
	res = build(t, opts)
	assert.True(t, res.Rebuilt)
	assert.False(t, res.BaseReused)
}

func TestSourceSetChangesInvalidate(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	b := newSource("b", rec("bar", "1.0", "amd64", 0))

	build(t, testBuildOptions(dir, []*memSource{a}, nil))

	_, err := CheckValidity(filepath.Join(dir, "pkgcache.bin"), indexFiles(a, b), ValidityOptions{VersionSystem: testVS()})
	require.ErrorIs(t, err, ErrSourceSetMismatch)
	require.ErrorIs(t, err, ErrStaleCache)

	res := build(t, testBuildOptions(dir, []*memSource{a, b}, nil))
	assert.True(t, res.Rebuilt)

	res = build(t, testBuildOptions(dir, []*memSource{b}, nil))
	assert.True(t, res.Rebuilt, "dropping a source invalidates the cache")
	_, ok := res.Cache.FindPackage("foo")
	assert.False(t, ok)
}

func TestMissingSourceIsSkipped(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	gone := newSource("gone", rec("bar", "1.0", "amd64", 0))
	gone.missing = true
	opts := testBuildOptions(dir, []*memSource{a, gone}, nil)

	res := build(t, opts)
	assert.Equal(t, uint32(1), res.Cache.Count(KindPackageFile))
	_, ok := res.Cache.FindPackage("bar")
	assert.False(t, ok)

	res = build(t, opts)
	assert.False(t, res.Rebuilt)
}

func TestDirtyCacheIsRejected(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	opts := testBuildOptions(dir, []*memSource{a}, nil)
	build(t, opts)

	for _, path := range []string{opts.CacheFile, opts.SrcCacheFile} {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{1}, node.DirtyOffset)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = Open(path)
		require.ErrorIs(t, err, ErrCacheDirty)
	}

	_, err := CheckValidity(opts.CacheFile, indexFiles(a), ValidityOptions{VersionSystem: testVS()})
	require.ErrorIs(t, err, ErrStaleCache)

	res := build(t, opts)
	assert.True(t, res.Rebuilt)
	assert.False(t, res.BaseReused)
	assert.False(t, res.Cache.Header().Dirty)
}

func TestCorruptCacheIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	opts := testBuildOptions(dir, []*memSource{a}, nil)
	require.NoError(t, os.WriteFile(opts.CacheFile, []byte("not a cache"), 0644))

	_, err := CheckValidity(opts.CacheFile, indexFiles(a), ValidityOptions{VersionSystem: testVS()})
	require.ErrorIs(t, err, ErrCacheCorrupt)

	res := build(t, opts)
	assert.True(t, res.Rebuilt)
}

func TestTruncatedCacheIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	opts := testBuildOptions(dir, []*memSource{a}, nil)
	build(t, opts)

	require.NoError(t, os.Truncate(opts.CacheFile, node.HeaderSize+16))
	_, err := CheckValidity(opts.CacheFile, indexFiles(a), ValidityOptions{VersionSystem: testVS()})
	require.ErrorIs(t, err, ErrCacheCorrupt)
	require.ErrorIs(t, err, ErrStaleCache)

	res := build(t, opts)
	assert.True(t, res.Rebuilt)
	assert.True(t, res.BaseReused)
	_, ok := res.Cache.FindPackage("foo")
	assert.True(t, ok)
}

func TestCacheBoundsAreChecked(t *testing.T) {
	corrupt := map[string]func(f *os.File, size uint32) error{
		"grown": func(f *os.File, size uint32) error {
			_, err := f.WriteAt(make([]byte, 64), int64(size))
			return err
		},
		"file list": func(f *os.File, size uint32) error {
			_, err := f.WriteAt(binary.LittleEndian.AppendUint32(nil, size), 60)
			return err
		},
		"string list": func(f *os.File, size uint32) error {
			_, err := f.WriteAt(binary.LittleEndian.AppendUint32(nil, size-4), 64)
			return err
		},
		"version system name": func(f *os.File, size uint32) error {
			_, err := f.WriteAt(binary.LittleEndian.AppendUint32(nil, size-2), 68)
			return err
		},
		"header offset": func(f *os.File, size uint32) error {
			_, err := f.WriteAt(binary.LittleEndian.AppendUint32(nil, 16), 72)
			return err
		},
		"hash bucket": func(f *os.File, size uint32) error {
			_, err := f.WriteAt(binary.LittleEndian.AppendUint32(nil, size), int64(node.BucketOffset(7)))
			return err
		},
	}

	for name, damage := range corrupt {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			opts := testBuildOptions(dir, []*memSource{newSource("a", rec("foo", "1.0", "amd64", 0))}, nil)
			build(t, opts)

			info, err := os.Stat(opts.CacheFile)
			require.NoError(t, err)
			f, err := os.OpenFile(opts.CacheFile, os.O_RDWR, 0)
			require.NoError(t, err)
			require.NoError(t, damage(f, uint32(info.Size())))
			require.NoError(t, f.Close())

			_, err = Open(opts.CacheFile)
			require.ErrorIs(t, err, ErrCacheCorrupt)
		})
	}
}

func TestKeepWritable(t *testing.T) {
	dir := t.TempDir()
	opts := testBuildOptions(dir, []*memSource{newSource("a", rec("foo", "1.0", "amd64", 0))}, nil)

	res := build(t, opts)
	require.True(t, res.Rebuilt)
	assert.Error(t, res.Cache.arena.Region().Resize(res.Cache.Size()+4096), "reopened read-only")

	opts.ForceRebuild = true
	opts.KeepWritable = true
	res = build(t, opts)
	require.True(t, res.Rebuilt)
	assert.Equal(t, opts.CacheFile, res.Cache.Path())
	_, ok := res.Cache.FindPackage("foo")
	assert.True(t, ok)
	assert.NoError(t, res.Cache.arena.Region().Sync())
	assert.NoError(t, res.Cache.arena.Region().Resize(res.Cache.Size()+4096))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files left behind")
}

func TestForcedAndMismatchedRebuilds(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	b := newSource("b", rec("bar", "1.0", "amd64", 0))
	opts := testBuildOptions(dir, []*memSource{a}, []*memSource{b})
	build(t, opts)

	forced := opts
	forced.ForceRebuild = true
	res := build(t, forced)
	assert.True(t, res.Rebuilt)
	assert.False(t, res.BaseReused)

	other := opts
	other.VersionSystem = debversion.New("arm64")
	_, err := CheckValidity(opts.CacheFile, indexFiles(a, b), ValidityOptions{VersionSystem: other.VersionSystem})
	require.ErrorIs(t, err, ErrOptionsMismatch)

	res = build(t, other)
	assert.True(t, res.Rebuilt)
	assert.False(t, res.BaseReused)
	assert.Equal(t, other.VersionSystem.OptionsHash(), res.Cache.OptionsHash())
}

func TestCancelledBuildLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	opts := testBuildOptions(dir, []*memSource{a}, nil)

	calls := 0
	opts.Progress = ProgressFunc(func(current, total, size uint64, op string) error {
		calls++
		if calls > 1 {
			return errStop
		}
		return nil
	})

	_, err := MakeStatusCache(opts)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, errStop)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnreadableSource(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	a.statErr = errors.New("permission denied")

	_, err := MakeStatusCache(testBuildOptions(dir, []*memSource{a}, nil))
	require.ErrorIs(t, err, ErrSourceUnreadable)
	assert.NoFileExists(t, filepath.Join(dir, "pkgcache.bin"))
}

func TestUnwritableCacheDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	a := newSource("a", rec("foo", "1.0", "amd64", 0))
	opts := testBuildOptions(dir, []*memSource{a}, nil)

	_, err := MakeStatusCache(opts)
	require.ErrorIs(t, err, ErrUnwritable)

	opts.AllowMem = true
	res := build(t, opts)
	assert.True(t, res.Rebuilt)
	assert.Empty(t, res.Cache.Path())
	_, ok := res.Cache.FindPackage("foo")
	assert.True(t, ok)
	assert.NoDirExists(t, dir)
}

func TestFileDependenciesAcrossBaseAndOverlay(t *testing.T) {
	shell := func(c *Cache) []string {
		sh, ok := c.FindPackage("/bin/sh")
		require.True(t, ok)
		var owners []string
		for p := range sh.ProvidedBy() {
			owners = append(owners, p.Owner().Package().Name())
		}
		return owners
	}

	t.Run("dependency in base", func(t *testing.T) {
		dir := t.TempDir()
		base := newSource("main", Record{Package: "foo", Version: "1.0", Arch: "amd64",
			Depends: []Depend{{Name: "/bin/sh"}}})
		overlay := newSource("local", rec("dash", "1.0", "amd64", 0)).
			ship("dash", "1.0", "amd64", "/bin/sh")
		opts := testBuildOptions(dir, []*memSource{base}, []*memSource{overlay})

		res := build(t, opts)
		assert.Equal(t, []string{"dash"}, shell(res.Cache))
		assert.True(t, res.Cache.HasFileDeps())

		overlay.touch()
		res = build(t, opts)
		assert.True(t, res.BaseReused)
		assert.Equal(t, []string{"dash"}, shell(res.Cache))
	})

	t.Run("dependency in overlay", func(t *testing.T) {
		dir := t.TempDir()
		base := newSource("main", rec("dash", "1.0", "amd64", 0)).
			ship("dash", "1.0", "amd64", "/bin/sh")
		overlay := newSource("local", Record{Package: "foo", Version: "1.0", Arch: "amd64",
			Depends: []Depend{{Name: "/bin/sh"}}})
		opts := testBuildOptions(dir, []*memSource{base}, []*memSource{overlay})

		res := build(t, opts)
		assert.Equal(t, []string{"dash"}, shell(res.Cache))

		overlay.touch()
		res = build(t, opts)
		assert.True(t, res.BaseReused)
		assert.Equal(t, []string{"dash"}, shell(res.Cache))
	})
}

func TestProgressStaysWithinTotal(t *testing.T) {
	dir := t.TempDir()
	base := newSource("main", Record{Package: "foo", Version: "1.0", Arch: "amd64",
		Depends: []Depend{{Name: "/bin/sh"}}})
	overlay := newSource("local", rec("dash", "1.0", "amd64", 0))
	opts := testBuildOptions(dir, []*memSource{base}, []*memSource{overlay})

	steps := 0
	opts.Progress = ProgressFunc(func(current, total, size uint64, op string) error {
		steps++
		assert.LessOrEqual(t, current, total)
		assert.Equal(t, "Reading package lists", op)
		return nil
	})
	build(t, opts)
	assert.Greater(t, steps, 3)
}

func TestMakeOnlyStatusCache(t *testing.T) {
	base := newSource("main", rec("bar", "1.0", "amd64", 0))
	status := newSource("status", installedRec("foo", "1.0", "amd64"))

	res, err := MakeOnlyStatusCache(BuildOptions{
		Base:          indexFiles(base),
		Overlay:       indexFiles(status),
		VersionSystem: testVS(),
		Architecture:  "amd64",
	})
	require.NoError(t, err)
	defer res.Cache.Close()

	assert.Empty(t, res.Cache.Path())
	_, ok := res.Cache.FindPackage("foo")
	assert.True(t, ok)
	_, ok = res.Cache.FindPackage("bar")
	assert.False(t, ok)
	assert.Equal(t, testVS().OptionsHash(), res.Cache.OptionsHash())
}

func TestDuplicateSourceEntry(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0))

	res := build(t, testBuildOptions(dir, []*memSource{a, a}, nil))
	assert.Equal(t, uint32(1), res.Cache.Count(KindPackageFile))
	foo, _ := res.Cache.FindPackage("foo")
	assert.Len(t, collect(collect(foo.Versions())[0].Files()), 1)
}

func TestCapacityLimitFailsBuild(t *testing.T) {
	dir := t.TempDir()
	a := newSource("a", rec("foo", "1.0", "amd64", 0), rec("bar", "1.0", "amd64", 0))
	opts := testBuildOptions(dir, []*memSource{a}, nil)
	opts.Limits = map[Kind]uint64{KindPackage: 1}

	_, err := MakeStatusCache(opts)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.NoFileExists(t, opts.CacheFile)
}
