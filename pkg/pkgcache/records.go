package pkgcache

import (
	"github.com/cespare/xxhash/v2"

	"github.com/oda/pkgcache/internal/arena"
	"github.com/oda/pkgcache/internal/node"
)

func readHeader(a *arena.Arena) node.Header {
	var h node.Header
	h.Deserialize(a.Bytes(0, node.HeaderFieldsSize))
	return h
}

func readPackage(a *arena.Arena, off uint32) node.Package {
	var p node.Package
	p.Deserialize(a.Bytes(off, node.PackageSize))
	return p
}

func writePackage(a *arena.Arena, off uint32, p *node.Package) {
	p.Serialize(a.Bytes(off, node.PackageSize))
}

func readVersion(a *arena.Arena, off uint32) node.Version {
	var v node.Version
	v.Deserialize(a.Bytes(off, node.VersionSize))
	return v
}

func writeVersion(a *arena.Arena, off uint32, v *node.Version) {
	v.Serialize(a.Bytes(off, node.VersionSize))
}

func readDependency(a *arena.Arena, off uint32) node.Dependency {
	var d node.Dependency
	d.Deserialize(a.Bytes(off, node.DependencySize))
	return d
}

func writeDependency(a *arena.Arena, off uint32, d *node.Dependency) {
	d.Serialize(a.Bytes(off, node.DependencySize))
}

func readProvides(a *arena.Arena, off uint32) node.Provides {
	var p node.Provides
	p.Deserialize(a.Bytes(off, node.ProvidesSize))
	return p
}

func writeProvides(a *arena.Arena, off uint32, p *node.Provides) {
	p.Serialize(a.Bytes(off, node.ProvidesSize))
}

func readPackageFile(a *arena.Arena, off uint32) node.PackageFile {
	var f node.PackageFile
	f.Deserialize(a.Bytes(off, node.PackageFileSize))
	return f
}

func writePackageFile(a *arena.Arena, off uint32, f *node.PackageFile) {
	f.Serialize(a.Bytes(off, node.PackageFileSize))
}

func readVerFile(a *arena.Arena, off uint32) node.VerFile {
	var v node.VerFile
	v.Deserialize(a.Bytes(off, node.VerFileSize))
	return v
}

func writeVerFile(a *arena.Arena, off uint32, v *node.VerFile) {
	v.Serialize(a.Bytes(off, node.VerFileSize))
}

func readStringItem(a *arena.Arena, off uint32) node.StringItem {
	var s node.StringItem
	s.Deserialize(a.Bytes(off, node.StringItemSize))
	return s
}

func writeStringItem(a *arena.Arena, off uint32, s *node.StringItem) {
	s.Serialize(a.Bytes(off, node.StringItemSize))
}

// hashBucket returns the hash table slot for a package name.
func hashBucket(name string) uint32 {
	return uint32(xxhash.Sum64String(name) % node.HashTableSize)
}

// findPackage walks the hash chain for name. Returns 0 if absent.
func findPackage(a *arena.Arena, name string) uint32 {
	off := a.U32(node.BucketOffset(hashBucket(name)))
	for off != 0 {
		p := readPackage(a, off)
		if string(a.StringBytes(p.Name)) == name {
			return off
		}
		off = p.NextPackage
	}
	return 0
}

// findFile returns the PackageFile named name, or 0.
func findFile(a *arena.Arena, head uint32, name string) uint32 {
	for off := head; off != 0; {
		f := readPackageFile(a, off)
		if string(a.StringBytes(f.FileName)) == name {
			return off
		}
		off = f.NextFile
	}
	return 0
}
