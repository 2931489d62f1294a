package node

import (
	"encoding/binary"
)

// Package flags.
const (
	FlagEssential uint32 = 1 << iota
	FlagImportant
)

// PackageFile flags.
const (
	FileNotSource uint32 = 1 << iota
	FileNotAutomatic
	FileInstalledState
)

// DepType is the dependency kind.
type DepType uint8

const (
	DepDepends DepType = iota + 1
	DepPreDepends
	DepSuggests
	DepRecommends
	DepConflicts
	DepReplaces
	DepObsoletes
	DepBreaks
	DepEnhances
)

var depTypeNames = map[DepType]string{
	DepDepends:    "Depends",
	DepPreDepends: "Pre-Depends",
	DepSuggests:   "Suggests",
	DepRecommends: "Recommends",
	DepConflicts:  "Conflicts",
	DepReplaces:   "Replaces",
	DepObsoletes:  "Obsoletes",
	DepBreaks:     "Breaks",
	DepEnhances:   "Enhances",
}

func (t DepType) String() string {
	if s, ok := depTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// CompareOp is a version constraint operator. OpOr may be or-ed in to
// mark a dependency as one alternative of an or-group.
type CompareOp uint8

const (
	OpNone CompareOp = iota
	OpLessEq
	OpGreaterEq
	OpLess
	OpGreater
	OpEquals
	OpNotEquals
	OpOr CompareOp = 0x10
)

var opNames = [...]string{"", "<=", ">=", "<<", ">>", "=", "!="}

func (o CompareOp) String() string {
	base := o &^ OpOr
	if int(base) < len(opNames) {
		return opNames[base]
	}
	return "?"
}

// ParseCompareOp maps an operator token to its CompareOp.
func ParseCompareOp(s string) (CompareOp, bool) {
	switch s {
	case "":
		return OpNone, true
	case "<=", "<":
		return OpLessEq, true
	case ">=", ">":
		return OpGreaterEq, true
	case "<<":
		return OpLess, true
	case ">>":
		return OpGreater, true
	case "=":
		return OpEquals, true
	case "!=":
		return OpNotEquals, true
	}
	return OpNone, false
}

// Package is a uniquely named package.
type Package struct {
	Name         uint32 // string
	NextPackage  uint32 // hash chain
	VersionList  uint32
	RevDepends   uint32
	ProvidesList uint32
	ID           uint32
	Flags        uint32
	CurrentVer   uint32
}

func (p *Package) Serialize(buf []byte) {
	putU32s(buf, p.Name, p.NextPackage, p.VersionList, p.RevDepends, p.ProvidesList, p.ID, p.Flags, p.CurrentVer)
}

func (p *Package) Deserialize(buf []byte) {
	getU32s(buf, &p.Name, &p.NextPackage, &p.VersionList, &p.RevDepends, &p.ProvidesList, &p.ID, &p.Flags, &p.CurrentVer)
}

// Version is one version of a package.
type Version struct {
	VerStr       uint32 // string
	Arch         uint32 // string
	ParentPkg    uint32
	NextVer      uint32
	DependsList  uint32
	ProvidesList uint32
	FileList     uint32
	ID           uint32
	Hash         uint64
}

func (v *Version) Serialize(buf []byte) {
	putU32s(buf, v.VerStr, v.Arch, v.ParentPkg, v.NextVer, v.DependsList, v.ProvidesList, v.FileList, v.ID)
	binary.LittleEndian.PutUint64(buf[32:40], v.Hash)
}

func (v *Version) Deserialize(buf []byte) {
	getU32s(buf, &v.VerStr, &v.Arch, &v.ParentPkg, &v.NextVer, &v.DependsList, &v.ProvidesList, &v.FileList, &v.ID)
	v.Hash = binary.LittleEndian.Uint64(buf[32:40])
}

// Dependency links a version to a target package.
type Dependency struct {
	Version        uint32 // required version string
	Package        uint32 // target
	NextDepends    uint32
	NextRevDepends uint32
	ParentVer      uint32
	ID             uint32
	Type           DepType
	CompareOp      CompareOp
}

func (d *Dependency) Serialize(buf []byte) {
	putU32s(buf, d.Version, d.Package, d.NextDepends, d.NextRevDepends, d.ParentVer, d.ID)
	buf[24] = byte(d.Type)
	buf[25] = byte(d.CompareOp)
	buf[26], buf[27] = 0, 0
}

func (d *Dependency) Deserialize(buf []byte) {
	getU32s(buf, &d.Version, &d.Package, &d.NextDepends, &d.NextRevDepends, &d.ParentVer, &d.ID)
	d.Type = DepType(buf[24])
	d.CompareOp = CompareOp(buf[25])
}

// Provides records that a version provides a (virtual) package.
type Provides struct {
	ParentPkg      uint32 // provided package
	Version        uint32 // providing version
	ProvideVersion uint32 // string
	NextProvides   uint32 // in the providing version's list
	NextPkgProv    uint32 // in the provided package's list
	ID             uint32
}

func (p *Provides) Serialize(buf []byte) {
	putU32s(buf, p.ParentPkg, p.Version, p.ProvideVersion, p.NextProvides, p.NextPkgProv, p.ID)
}

func (p *Provides) Deserialize(buf []byte) {
	getU32s(buf, &p.ParentPkg, &p.Version, &p.ProvideVersion, &p.NextProvides, &p.NextPkgProv, &p.ID)
}

// PackageFile is one consumed index source.
type PackageFile struct {
	FileName  uint32 // string
	Site      uint32 // string
	IndexType uint32 // string
	NextFile  uint32
	Flags     uint32
	ID        uint16
	Size      uint64
	MTime     int64
}

func (f *PackageFile) Serialize(buf []byte) {
	putU32s(buf, f.FileName, f.Site, f.IndexType, f.NextFile, f.Flags)
	binary.LittleEndian.PutUint16(buf[20:22], f.ID)
	buf[22], buf[23] = 0, 0
	binary.LittleEndian.PutUint64(buf[24:32], f.Size)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(f.MTime))
}

func (f *PackageFile) Deserialize(buf []byte) {
	getU32s(buf, &f.FileName, &f.Site, &f.IndexType, &f.NextFile, &f.Flags)
	f.ID = binary.LittleEndian.Uint16(buf[20:22])
	f.Size = binary.LittleEndian.Uint64(buf[24:32])
	f.MTime = int64(binary.LittleEndian.Uint64(buf[32:40]))
}

// VerFile locates a version's record inside a PackageFile.
type VerFile struct {
	File     uint32
	NextFile uint32
	Offset   uint64
	Size     uint32
	ID       uint32
}

func (v *VerFile) Serialize(buf []byte) {
	putU32s(buf, v.File, v.NextFile)
	binary.LittleEndian.PutUint64(buf[8:16], v.Offset)
	binary.LittleEndian.PutUint32(buf[16:20], v.Size)
	binary.LittleEndian.PutUint32(buf[20:24], v.ID)
}

func (v *VerFile) Deserialize(buf []byte) {
	getU32s(buf, &v.File, &v.NextFile)
	v.Offset = binary.LittleEndian.Uint64(buf[8:16])
	v.Size = binary.LittleEndian.Uint32(buf[16:20])
	v.ID = binary.LittleEndian.Uint32(buf[20:24])
}

// StringItem is one entry of the sorted list of interned strings.
type StringItem struct {
	String   uint32
	NextItem uint32
}

func (s *StringItem) Serialize(buf []byte) {
	putU32s(buf, s.String, s.NextItem)
}

func (s *StringItem) Deserialize(buf []byte) {
	getU32s(buf, &s.String, &s.NextItem)
}

func putU32s(buf []byte, vals ...uint32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
}

func getU32s(buf []byte, ptrs ...*uint32) {
	for i, p := range ptrs {
		*p = binary.LittleEndian.Uint32(buf[4*i:])
	}
}
