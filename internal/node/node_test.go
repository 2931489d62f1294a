package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderLeavesPoolsUntouched(t *testing.T) {
	buf := make([]byte, HeaderSize)
	for i := PoolsOffset; i < HeaderSize; i++ {
		buf[i] = 0xaa
	}

	h := NewHeader()
	h.Dirty = true
	h.Counts[KindPackageFile] = 3
	h.OptionsHash = 0x0102030405060708
	h.Size = 0x11223344
	h.Serialize(buf)

	for i := PoolsOffset; i < HeaderSize; i++ {
		require.Equal(t, byte(0xaa), buf[i], "byte %d overwritten", i)
	}
	assert.Equal(t, byte(1), buf[DirtyOffset])

	var back Header
	back.Deserialize(buf)
	assert.Equal(t, h, back)
	assert.True(t, back.LayoutMatches())

	back.Sizes[KindVersion]++
	assert.False(t, back.LayoutMatches())
}

func TestRecordsFitTheirSize(t *testing.T) {
	// Serialize panics if a record writes past its declared size.
	(&Package{CurrentVer: 1}).Serialize(make([]byte, PackageSize))
	(&Version{Hash: 1}).Serialize(make([]byte, VersionSize))
	(&Dependency{CompareOp: OpOr | OpLess}).Serialize(make([]byte, DependencySize))
	(&Provides{ID: 1}).Serialize(make([]byte, ProvidesSize))
	(&PackageFile{MTime: -1}).Serialize(make([]byte, PackageFileSize))
	(&VerFile{ID: 1}).Serialize(make([]byte, VerFileSize))
	(&StringItem{NextItem: 1}).Serialize(make([]byte, StringItemSize))

	buf := make([]byte, PackageFileSize)
	in := PackageFile{FileName: 4, ID: 65534, Size: 1 << 33, MTime: -5}
	in.Serialize(buf)
	var out PackageFile
	out.Deserialize(buf)
	assert.Equal(t, in, out)
}

func TestKindLimits(t *testing.T) {
	assert.Equal(t, uint64(65535), KindPackageFile.MaxCount())
	assert.Equal(t, uint64(1<<32-1), KindPackage.MaxCount())
	assert.Equal(t, "package file", KindPackageFile.String())
}

func TestCompareOps(t *testing.T) {
	op, ok := ParseCompareOp(">=")
	require.True(t, ok)
	assert.Equal(t, OpGreaterEq, op)
	assert.Equal(t, ">=", (op | OpOr).String())

	_, ok = ParseCompareOp("~")
	assert.False(t, ok)
	assert.Equal(t, "Pre-Depends", DepPreDepends.String())
}
