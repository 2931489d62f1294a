// Package node defines the on-disk layout of a package cache.
//
// Every record is a fixed-size little-endian structure. Cross references
// are uint32 byte offsets from the start of the cache; 0 means none.
package node

import (
	"encoding/binary"
)

const (
	// Magic identifies cache files ("PKGC").
	Magic uint32 = 0x43474b50

	// MajorVersion changes on incompatible layout changes.
	MajorVersion uint16 = 1
	// MinorVersion changes on compatible additions.
	MinorVersion uint16 = 1

	// HashTableSize is the number of package name buckets.
	HashTableSize = 2048

	// PoolCount is the number of pool slots in the header.
	PoolCount = 6
	// PoolEntrySize is the size of one pool slot.
	PoolEntrySize = 12
)

// Header layout:
// Byte 0-3:    Magic
// Byte 4-7:    MajorVersion, MinorVersion
// Byte 8:      Dirty (synced on its own)
// Byte 9:      HasFileDeps
// Byte 12-27:  record sizes, one uint16 per kind
// Byte 28-55:  per-kind counts
// Byte 56-75:  MaxVerFileSize, FileList, StringList, VerSysName, Architecture
// Byte 76-79:  Size of the cache in bytes
// Byte 80-87:  OptionsHash
// Byte 88-159: pool table
// Byte 160-:   package hash table
const (
	DirtyOffset       = 8
	PoolsOffset       = 88
	HashTableOffset   = 160
	HeaderFieldsSize  = PoolsOffset
	HeaderSize        = HashTableOffset + HashTableSize*4
	headerCountsStart = 28
)

// Record sizes.
const (
	PackageSize     = 32
	VersionSize     = 40
	DependencySize  = 28
	ProvidesSize    = 24
	PackageFileSize = 40
	VerFileSize     = 24
	StringItemSize  = 8
)

// Kind enumerates record kinds that carry an ID.
type Kind int

const (
	KindPackage Kind = iota
	KindVersion
	KindDependency
	KindProvides
	KindPackageFile
	KindVerFile
	KindString
	NumKinds
)

var kindNames = [NumKinds]string{
	"package", "version", "dependency", "provides", "package file", "version file", "string",
}

var kindSizes = [NumKinds]uint32{
	PackageSize, VersionSize, DependencySize, ProvidesSize, PackageFileSize, VerFileSize, StringItemSize,
}

// kindIDBits is the width of the ID field stored in each record.
var kindIDBits = [NumKinds]uint{32, 32, 32, 32, 16, 32, 32}

func (k Kind) String() string { return kindNames[k] }

// Size is the record size of kind k.
func (k Kind) Size() uint32 { return kindSizes[k] }

// IDBits is the width of the ID field of kind k.
func (k Kind) IDBits() uint { return kindIDBits[k] }

// MaxCount is the number of records of kind k that fit the ID field.
// The all-ones ID is never handed out.
func (k Kind) MaxCount() uint64 { return 1<<k.IDBits() - 1 }

// Header is the cache book-keeping block at offset 0. The pool table and
// hash table follow it and are accessed in place.
type Header struct {
	Magic          uint32
	MajorVersion   uint16
	MinorVersion   uint16
	Dirty          bool
	HasFileDeps    bool
	Sizes          [NumKinds]uint16
	Counts         [NumKinds]uint32
	MaxVerFileSize uint32
	FileList       uint32
	StringList     uint32
	VerSysName     uint32
	Architecture   uint32
	Size           uint32 // bytes in use; a finished cache is exactly this long
	OptionsHash    uint64
}

// NewHeader returns a header for an empty cache.
func NewHeader() Header {
	h := Header{
		Magic:        Magic,
		MajorVersion: MajorVersion,
		MinorVersion: MinorVersion,
	}
	for k := Kind(0); k < NumKinds; k++ {
		h.Sizes[k] = uint16(k.Size())
	}
	return h
}

// LayoutMatches reports whether the record sizes equal this build's.
func (h *Header) LayoutMatches() bool {
	for k := Kind(0); k < NumKinds; k++ {
		if h.Sizes[k] != uint16(k.Size()) {
			return false
		}
	}
	return true
}

// Serialize writes the header fields to buf[0:HeaderFieldsSize].
func (h *Header) Serialize(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.MajorVersion)
	binary.LittleEndian.PutUint16(buf[6:8], h.MinorVersion)
	buf[DirtyOffset] = boolByte(h.Dirty)
	buf[9] = boolByte(h.HasFileDeps)
	buf[10], buf[11] = 0, 0
	for k := 0; k < int(NumKinds); k++ {
		binary.LittleEndian.PutUint16(buf[12+2*k:], h.Sizes[k])
		binary.LittleEndian.PutUint32(buf[headerCountsStart+4*k:], h.Counts[k])
	}
	binary.LittleEndian.PutUint32(buf[56:60], h.MaxVerFileSize)
	binary.LittleEndian.PutUint32(buf[60:64], h.FileList)
	binary.LittleEndian.PutUint32(buf[64:68], h.StringList)
	binary.LittleEndian.PutUint32(buf[68:72], h.VerSysName)
	binary.LittleEndian.PutUint32(buf[72:76], h.Architecture)
	binary.LittleEndian.PutUint32(buf[76:80], h.Size)
	binary.LittleEndian.PutUint64(buf[80:88], h.OptionsHash)
}

// Deserialize reads the header fields from buf.
func (h *Header) Deserialize(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.MajorVersion = binary.LittleEndian.Uint16(buf[4:6])
	h.MinorVersion = binary.LittleEndian.Uint16(buf[6:8])
	h.Dirty = buf[DirtyOffset] != 0
	h.HasFileDeps = buf[9] != 0
	for k := 0; k < int(NumKinds); k++ {
		h.Sizes[k] = binary.LittleEndian.Uint16(buf[12+2*k:])
		h.Counts[k] = binary.LittleEndian.Uint32(buf[headerCountsStart+4*k:])
	}
	h.MaxVerFileSize = binary.LittleEndian.Uint32(buf[56:60])
	h.FileList = binary.LittleEndian.Uint32(buf[60:64])
	h.StringList = binary.LittleEndian.Uint32(buf[64:68])
	h.VerSysName = binary.LittleEndian.Uint32(buf[68:72])
	h.Architecture = binary.LittleEndian.Uint32(buf[72:76])
	h.Size = binary.LittleEndian.Uint32(buf[76:80])
	h.OptionsHash = binary.LittleEndian.Uint64(buf[80:88])
}

// BucketOffset returns the offset of hash bucket i.
func BucketOffset(i uint32) uint32 {
	return HashTableOffset + (i%HashTableSize)*4
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
