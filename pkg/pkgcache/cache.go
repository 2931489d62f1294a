package pkgcache

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"

	"github.com/oda/pkgcache/internal/arena"
	"github.com/oda/pkgcache/internal/mmap"
	"github.com/oda/pkgcache/internal/node"
)

// Cache is a finished, read-only package cache.
type Cache struct {
	arena *arena.Arena
	hdr   node.Header
	path  string
}

// Open maps the cache at path read-only. A cache that was not completely
// written is rejected with ErrCacheDirty.
func Open(path string) (*Cache, error) {
	m, err := mmap.OpenReadOnly(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCacheMissing, path)
		}
		return nil, err
	}
	c, err := newCache(m, path)
	if err != nil {
		m.Close()
		return nil, err
	}
	return c, nil
}

func newCache(region mmap.Region, path string) (*Cache, error) {
	if region.Size() > arena.MaxRegionSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadLayout, region.Size())
	}
	a, err := arena.New(region, uint32(region.Size()), 0)
	if err != nil {
		return nil, err
	}
	hdr, err := validateHeader(a)
	if err != nil {
		return nil, err
	}
	if hdr.Dirty {
		return nil, ErrCacheDirty
	}
	if err := checkBounds(a, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
	}
	return &Cache{arena: a, hdr: hdr, path: path}, nil
}

// checkBounds verifies that the mapping is as long as the header says and
// that everything the header points at lies inside it. Records reached
// from there are trusted.
func checkBounds(a *arena.Arena, hdr *node.Header) error {
	size := uint64(a.Size())
	if uint64(hdr.Size) != size {
		return fmt.Errorf("cache is %d bytes, header records %d", size, hdr.Size)
	}

	record := func(what string, off uint32, n uint64) error {
		if off != 0 && (off < node.HeaderSize || uint64(off)+n > size) {
			return fmt.Errorf("%s at %d out of bounds", what, off)
		}
		return nil
	}
	str := func(what string, off uint32) error {
		if off == 0 {
			return nil
		}
		if err := record(what, off, 4); err != nil {
			return err
		}
		return record(what, off, 4+uint64(a.U32(off)))
	}

	if err := str("version system name", hdr.VerSysName); err != nil {
		return err
	}
	if err := str("architecture", hdr.Architecture); err != nil {
		return err
	}
	if err := record("string list", hdr.StringList, node.StringItemSize); err != nil {
		return err
	}
	for i := uint32(0); i < node.HashTableSize; i++ {
		if err := record("package", a.U32(node.BucketOffset(i)), node.PackageSize); err != nil {
			return err
		}
	}

	// The file list is walked in full since validity checks read every
	// entry. A chain longer than the file count is a loop.
	steps := uint64(0)
	for off := hdr.FileList; off != 0; {
		if steps++; steps > uint64(hdr.Counts[node.KindPackageFile]) {
			return errors.New("package file list longer than its count")
		}
		if err := record("package file", off, node.PackageFileSize); err != nil {
			return err
		}
		pf := readPackageFile(a, off)
		for _, s := range []uint32{pf.FileName, pf.Site, pf.IndexType} {
			if err := str("package file string", s); err != nil {
				return err
			}
		}
		off = pf.NextFile
	}
	return nil
}

// Close unmaps the cache.
func (c *Cache) Close() error {
	return c.arena.Close()
}

// Path returns the file the cache was read from; empty for in-memory caches.
func (c *Cache) Path() string { return c.path }

// Size returns the cache size in bytes.
func (c *Cache) Size() int64 { return c.arena.Size() }

func (c *Cache) Header() node.Header { return c.hdr }

func (c *Cache) VersionSystem() string { return c.arena.String(c.hdr.VerSysName) }

func (c *Cache) Architecture() string { return c.arena.String(c.hdr.Architecture) }

func (c *Cache) OptionsHash() uint64 { return c.hdr.OptionsHash }

func (c *Cache) HasFileDeps() bool { return c.hdr.HasFileDeps }

// Count returns the number of records of kind k.
func (c *Cache) Count(k Kind) uint32 { return c.hdr.Counts[k] }

// FindPackage looks a package up by name.
func (c *Cache) FindPackage(name string) (Package, bool) {
	off := findPackage(c.arena, name)
	if off == 0 {
		return Package{}, false
	}
	return c.pkg(off), true
}

// Packages yields every package in hash table order.
func (c *Cache) Packages() iter.Seq[Package] {
	return func(yield func(Package) bool) {
		for i := uint32(0); i < node.HashTableSize; i++ {
			for off := c.arena.U32(node.BucketOffset(i)); off != 0; {
				p := c.pkg(off)
				if !yield(p) {
					return
				}
				off = p.rec.NextPackage
			}
		}
	}
}

// Files yields the sources the cache was built from, most recent first.
func (c *Cache) Files() iter.Seq[PackageFile] {
	return func(yield func(PackageFile) bool) {
		for off := c.hdr.FileList; off != 0; {
			f := c.file(off)
			if !yield(f) {
				return
			}
			off = f.rec.NextFile
		}
	}
}

// Strings yields interned strings in list order.
func (c *Cache) Strings() iter.Seq[string] {
	return func(yield func(string) bool) {
		for off := c.hdr.StringList; off != 0; {
			item := readStringItem(c.arena, off)
			if !yield(c.arena.String(item.String)) {
				return
			}
			off = item.NextItem
		}
	}
}

func (c *Cache) pkg(off uint32) Package {
	return Package{c: c, off: off, rec: readPackage(c.arena, off)}
}

func (c *Cache) ver(off uint32) Version {
	return Version{c: c, off: off, rec: readVersion(c.arena, off)}
}

func (c *Cache) file(off uint32) PackageFile {
	return PackageFile{c: c, off: off, rec: readPackageFile(c.arena, off)}
}

// Package is a package inside a Cache.
type Package struct {
	c   *Cache
	off uint32
	rec node.Package
}

func (p Package) Offset() uint32 { return p.off }
func (p Package) ID() uint32     { return p.rec.ID }
func (p Package) Flags() uint32  { return p.rec.Flags }
func (p Package) Name() string   { return p.c.arena.String(p.rec.Name) }

// CurrentVersion returns the installed version, if any.
func (p Package) CurrentVersion() (Version, bool) {
	if p.rec.CurrentVer == 0 {
		return Version{}, false
	}
	return p.c.ver(p.rec.CurrentVer), true
}

// Versions yields versions in descending precedence.
func (p Package) Versions() iter.Seq[Version] {
	return func(yield func(Version) bool) {
		for off := p.rec.VersionList; off != 0; {
			v := p.c.ver(off)
			if !yield(v) {
				return
			}
			off = v.rec.NextVer
		}
	}
}

// RevDepends yields the dependencies targeting p, most recent first.
func (p Package) RevDepends() iter.Seq[Dependency] {
	return func(yield func(Dependency) bool) {
		for off := p.rec.RevDepends; off != 0; {
			d := Dependency{c: p.c, rec: readDependency(p.c.arena, off)}
			if !yield(d) {
				return
			}
			off = d.rec.NextRevDepends
		}
	}
}

// ProvidedBy yields the provides edges naming p.
func (p Package) ProvidedBy() iter.Seq[Provides] {
	return func(yield func(Provides) bool) {
		for off := p.rec.ProvidesList; off != 0; {
			pr := Provides{c: p.c, rec: readProvides(p.c.arena, off)}
			if !yield(pr) {
				return
			}
			off = pr.rec.NextPkgProv
		}
	}
}

// Version is one version of a package inside a Cache.
type Version struct {
	c   *Cache
	off uint32
	rec node.Version
}

func (v Version) Offset() uint32   { return v.off }
func (v Version) ID() uint32       { return v.rec.ID }
func (v Version) Hash() uint64     { return v.rec.Hash }
func (v Version) VerStr() string   { return v.c.arena.String(v.rec.VerStr) }
func (v Version) Arch() string     { return v.c.arena.String(v.rec.Arch) }
func (v Version) Package() Package { return v.c.pkg(v.rec.ParentPkg) }

// Depends yields dependencies in the order they were declared.
func (v Version) Depends() iter.Seq[Dependency] {
	return func(yield func(Dependency) bool) {
		for off := v.rec.DependsList; off != 0; {
			d := Dependency{c: v.c, rec: readDependency(v.c.arena, off)}
			if !yield(d) {
				return
			}
			off = d.rec.NextDepends
		}
	}
}

// Provides yields the packages this version provides.
func (v Version) Provides() iter.Seq[Provides] {
	return func(yield func(Provides) bool) {
		for off := v.rec.ProvidesList; off != 0; {
			pr := Provides{c: v.c, rec: readProvides(v.c.arena, off)}
			if !yield(pr) {
				return
			}
			off = pr.rec.NextProvides
		}
	}
}

// Files yields where this version was seen, in merge order.
func (v Version) Files() iter.Seq[VerFile] {
	return func(yield func(VerFile) bool) {
		for off := v.rec.FileList; off != 0; {
			vf := VerFile{c: v.c, rec: readVerFile(v.c.arena, off)}
			if !yield(vf) {
				return
			}
			off = vf.rec.NextFile
		}
	}
}

// Dependency is a dependency edge inside a Cache.
type Dependency struct {
	c   *Cache
	rec node.Dependency
}

func (d Dependency) ID() uint32         { return d.rec.ID }
func (d Dependency) Type() DepType      { return d.rec.Type }
func (d Dependency) Op() CompareOp      { return d.rec.CompareOp }
func (d Dependency) Version() string    { return d.c.arena.String(d.rec.Version) }
func (d Dependency) Target() Package    { return d.c.pkg(d.rec.Package) }
func (d Dependency) TargetName() string { return d.Target().Name() }
func (d Dependency) Owner() Version     { return d.c.ver(d.rec.ParentVer) }

// Provides is a provides edge inside a Cache.
type Provides struct {
	c   *Cache
	rec node.Provides
}

func (p Provides) ID() uint32        { return p.rec.ID }
func (p Provides) Name() string      { return p.c.pkg(p.rec.ParentPkg).Name() }
func (p Provides) Version() string   { return p.c.arena.String(p.rec.ProvideVersion) }
func (p Provides) Provided() Package { return p.c.pkg(p.rec.ParentPkg) }
func (p Provides) Owner() Version    { return p.c.ver(p.rec.Version) }

// PackageFile is a source recorded in a Cache.
type PackageFile struct {
	c   *Cache
	off uint32
	rec node.PackageFile
}

func (f PackageFile) ID() uint16        { return f.rec.ID }
func (f PackageFile) Flags() uint32     { return f.rec.Flags }
func (f PackageFile) Size() uint64      { return f.rec.Size }
func (f PackageFile) MTime() int64      { return f.rec.MTime }
func (f PackageFile) FileName() string  { return f.c.arena.String(f.rec.FileName) }
func (f PackageFile) Site() string      { return f.c.arena.String(f.rec.Site) }
func (f PackageFile) IndexType() string { return f.c.arena.String(f.rec.IndexType) }

// VerFile locates a version's record inside a source.
type VerFile struct {
	c   *Cache
	rec node.VerFile
}

func (vf VerFile) ID() uint32        { return vf.rec.ID }
func (vf VerFile) Offset() uint64    { return vf.rec.Offset }
func (vf VerFile) Size() uint32      { return vf.rec.Size }
func (vf VerFile) File() PackageFile { return vf.c.file(vf.rec.File) }
