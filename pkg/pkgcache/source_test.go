package pkgcache

import (
	"fmt"
	"io/fs"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oda/pkgcache/internal/arena"
	"github.com/oda/pkgcache/internal/mmap"
	"github.com/oda/pkgcache/pkg/pkgcache/debversion"
)

// memSource is an in-memory IndexFile.
type memSource struct {
	name    string
	site    string
	flags   uint32
	recs    []Record
	files   map[string][]string // keyed by "package version arch"
	mtime   int64
	missing bool
	statErr error
}

func newSource(name string, recs ...Record) *memSource {
	return &memSource{name: name, site: "example.org", recs: recs, mtime: 1, files: map[string][]string{}}
}

func (s *memSource) ship(pkg, ver, arch string, paths ...string) *memSource {
	s.files[pkg+" "+ver+" "+arch] = paths
	return s
}

func (s *memSource) touch() { s.mtime++ }

func (s *memSource) FileName() string  { return "/var/lib/lists/" + s.name }
func (s *memSource) Site() string      { return s.site }
func (s *memSource) IndexType() string { return "memory" }
func (s *memSource) Flags() uint32     { return s.flags }
func (s *memSource) Describe() string  { return s.name }

func (s *memSource) Stat() (SourceStat, error) {
	if s.missing {
		return SourceStat{}, fmt.Errorf("%s: %w", s.name, fs.ErrNotExist)
	}
	if s.statErr != nil {
		return SourceStat{}, s.statErr
	}
	return SourceStat{Size: uint64(len(s.recs))*100 + 1, MTime: s.mtime}, nil
}

func (s *memSource) Open() (ListParser, error) {
	return &memParser{src: s, pos: -1}, nil
}

type memParser struct {
	src *memSource
	pos int
	rec Record
}

func (p *memParser) Step() bool {
	p.pos++
	if p.pos >= len(p.src.recs) {
		return false
	}
	p.rec = p.src.recs[p.pos]
	if p.rec.Offset == 0 {
		p.rec.Offset = uint64(p.pos) * 100
		p.rec.Size = 100
	}
	return true
}

func (p *memParser) Record() *Record { return &p.rec }
func (p *memParser) Err() error      { return nil }
func (p *memParser) Rewind() error   { p.pos = -1; return nil }
func (p *memParser) Close() error    { return nil }

func (p *memParser) FileList() ([]string, error) {
	return p.src.files[p.rec.Package+" "+p.rec.Version+" "+p.rec.Arch], nil
}

func testVS() VersionSystem {
	return debversion.New("amd64", "i386")
}

func newTestGenerator(t *testing.T, opts GeneratorOptions) *Generator {
	t.Helper()
	a, err := arena.New(mmap.NewMemory(4096), 0, 0)
	require.NoError(t, err)
	if opts.VersionSystem == nil {
		opts.VersionSystem = testVS()
	}
	if opts.Architecture == "" {
		opts.Architecture = "amd64"
	}
	g, err := NewGenerator(a, opts)
	require.NoError(t, err)
	return g
}

// merge selects src and merges all of its records.
func merge(t *testing.T, g *Generator, src *memSource) {
	t.Helper()
	st, err := src.Stat()
	require.NoError(t, err)
	require.NoError(t, g.SelectFile(src, st))
	p, err := src.Open()
	require.NoError(t, err)
	require.NoError(t, g.MergeList(p))
}

// view exposes the generator's arena through the read API.
func view(g *Generator) *Cache {
	g.Flush()
	return &Cache{arena: g.arena, hdr: g.hdr}
}

func collect[T any](seq iter.Seq[T]) []T {
	var out []T
	for v := range seq {
		out = append(out, v)
	}
	return out
}

func versionStrings(p Package) []string {
	var out []string
	for v := range p.Versions() {
		out = append(out, v.VerStr()+"/"+v.Arch())
	}
	return out
}

func rec(pkg, ver, arch string, hash uint64) Record {
	return Record{Package: pkg, Version: ver, Arch: arch, Hash: hash}
}
