package pkgcache

import (
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// VersionSystem orders versions of one package.
type VersionSystem interface {
	// Label names the version system; caches built with another label
	// are rejected.
	Label() string
	// CmpVersion returns >0 if a has precedence over b, <0 if b has
	// precedence, and 0 if they are equal.
	CmpVersion(a, b string) int
	// CmpVersionArch orders by version and breaks ties by architecture.
	// It returns 0 only for equal versions of the same architecture.
	CmpVersionArch(aVer, aArch, bVer, bArch string) int
	// OptionsHash fingerprints the options the ordering depends on.
	OptionsHash() uint64
}

// HashRecord returns a content hash of rec covering everything that
// ends up in the cache. Used when a source does not supply one.
func HashRecord(rec *Record) uint64 {
	d := xxhash.New()
	var buf [8]byte
	field := func(s string) {
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(s)))
		d.Write(buf[:4])
		d.WriteString(s)
	}

	field(rec.Package)
	field(rec.Version)
	field(rec.Arch)
	binary.LittleEndian.PutUint32(buf[:4], rec.Flags)
	d.Write(buf[:4])
	for _, dep := range rec.Depends {
		field(dep.Name)
		field(dep.Version)
		buf[0], buf[1] = byte(dep.Op), byte(dep.Type)
		d.Write(buf[:2])
	}
	d.WriteString("\x00provides")
	for _, p := range rec.Provides {
		field(p.Name)
		field(p.Version)
	}
	h := d.Sum64()
	if h == 0 {
		h = 1
	}
	return h
}

func isFileDep(name string) bool {
	return strings.HasPrefix(name, "/")
}
