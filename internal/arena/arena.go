// Package arena implements an offset-addressed, growable allocation region.
//
// Every allocation is identified by its byte offset from the start of the
// region. Offsets stay valid across growth even though the region's base
// address may change, so a persisted arena can be mapped anywhere.
package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/oda/pkgcache/internal/mmap"
)

const (
	// Alignment of every raw allocation.
	Alignment = 4

	// GrowthFactor determines how much to grow the region when expanding.
	GrowthFactor = 2

	// ChunkSize is the number of bytes reserved for a pool at a time.
	ChunkSize = 16 * 1024

	// PoolEntrySize is the serialized size of a pool descriptor.
	PoolEntrySize = 12

	// MaxRegionSize is the largest region addressable by 32-bit offsets.
	MaxRegionSize = math.MaxUint32
)

var (
	// ErrNoSpace is returned when the region cannot grow any further.
	ErrNoSpace = errors.New("arena: region size limit reached")
	// ErrNoPool is returned when every pool slot is taken by another item size.
	ErrNoPool = errors.New("arena: no free pool slot")
)

// Pool describes a run of pre-reserved items of one size.
// Stored inside the region so pooled allocation resumes after a reload.
type Pool struct {
	ItemSize uint32 // 0 marks an unused slot
	Start    uint32 // next free item
	Count    uint32 // items left in the current chunk
}

// Serialize writes the pool to a byte slice.
func (p *Pool) Serialize(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], p.ItemSize)
	binary.LittleEndian.PutUint32(buf[4:8], p.Start)
	binary.LittleEndian.PutUint32(buf[8:12], p.Count)
}

// Deserialize reads the pool from a byte slice.
func (p *Pool) Deserialize(buf []byte) {
	p.ItemSize = binary.LittleEndian.Uint32(buf[0:4])
	p.Start = binary.LittleEndian.Uint32(buf[4:8])
	p.Count = binary.LittleEndian.Uint32(buf[8:12])
}

// Arena hands out offsets inside a Region.
type Arena struct {
	region    mmap.Region
	used      uint32
	max       int64
	poolOff   uint32
	poolCount int
}

// New wraps region. The first used bytes are considered allocated.
// maxSize caps growth; zero means the 32-bit offset limit.
func New(region mmap.Region, used uint32, maxSize int64) (*Arena, error) {
	if maxSize <= 0 || maxSize > MaxRegionSize {
		maxSize = MaxRegionSize
	}
	if int64(used) > region.Size() {
		return nil, fmt.Errorf("arena: used size %d exceeds region size %d", used, region.Size())
	}
	return &Arena{region: region, used: used, max: maxSize}, nil
}

// UsePools places the pool table at off. The table must already be
// allocated and holds count entries.
func (a *Arena) UsePools(off uint32, count int) {
	a.poolOff = off
	a.poolCount = count
}

// Region returns the backing region.
func (a *Arena) Region() mmap.Region {
	return a.region
}

// Used returns the number of allocated bytes.
func (a *Arena) Used() uint32 {
	return a.used
}

// Size returns the current size of the backing region.
func (a *Arena) Size() int64 {
	return a.region.Size()
}

// MaxSize returns the growth cap.
func (a *Arena) MaxSize() int64 {
	return a.max
}

// Grow extends the region so that at least extra more bytes fit after
// the used portion. Existing offsets are preserved.
func (a *Arena) Grow(extra uint32) error {
	required := int64(a.used) + int64(extra)
	if required <= a.region.Size() {
		return nil
	}
	if required > a.max {
		return fmt.Errorf("%w: need %d bytes, limit %d", ErrNoSpace, required, a.max)
	}

	newSize := a.region.Size() * GrowthFactor
	if newSize == 0 {
		newSize = ChunkSize
	}
	for newSize < required {
		newSize *= GrowthFactor
	}
	if newSize > a.max {
		newSize = a.max
	}
	if err := a.region.Resize(newSize); err != nil {
		return fmt.Errorf("%w: %v", ErrNoSpace, err)
	}
	return nil
}

// RawAllocate reserves size bytes and returns their offset.
func (a *Arena) RawAllocate(size uint32) (uint32, error) {
	aligned := (uint64(size) + Alignment - 1) &^ (Alignment - 1)
	if uint64(a.used)+aligned > MaxRegionSize {
		return 0, fmt.Errorf("%w: offset space exhausted", ErrNoSpace)
	}
	if err := a.Grow(uint32(aligned)); err != nil {
		return 0, err
	}
	off := a.used
	a.used += uint32(aligned)
	clear(a.Bytes(off, uint32(aligned)))
	return off, nil
}

// Allocate returns a zeroed item of itemSize bytes from its pool.
// Items of one size are kept together in chunks.
func (a *Arena) Allocate(itemSize uint32) (uint32, error) {
	if itemSize == 0 {
		return 0, fmt.Errorf("arena: zero item size")
	}
	if a.poolCount == 0 {
		return a.RawAllocate(itemSize)
	}

	slot := -1
	var pool Pool
	for i := 0; i < a.poolCount; i++ {
		pool.Deserialize(a.poolBytes(i))
		if pool.ItemSize == itemSize {
			slot = i
			break
		}
		if pool.ItemSize == 0 && slot == -1 {
			slot = i
		}
	}
	if slot == -1 {
		return 0, fmt.Errorf("%w for item size %d", ErrNoPool, itemSize)
	}
	pool.Deserialize(a.poolBytes(slot))
	pool.ItemSize = itemSize

	if pool.Count == 0 {
		count := uint32(ChunkSize) / itemSize
		if count == 0 {
			count = 1
		}
		start, err := a.RawAllocate(count * itemSize)
		if err != nil {
			return 0, err
		}
		pool.Start = start
		pool.Count = count
	}

	off := pool.Start
	pool.Start += itemSize
	pool.Count--
	pool.Serialize(a.poolBytes(slot))
	return off, nil
}

// Pool returns the descriptor in slot i.
func (a *Arena) Pool(i int) Pool {
	var p Pool
	p.Deserialize(a.poolBytes(i))
	return p
}

func (a *Arena) poolBytes(i int) []byte {
	return a.Bytes(a.poolOff+uint32(i*PoolEntrySize), PoolEntrySize)
}

// WriteString stores s as a length-prefixed byte run.
func (a *Arena) WriteString(s string) (uint32, error) {
	if uint64(len(s)) > MaxRegionSize-4 {
		return 0, fmt.Errorf("%w: string of %d bytes", ErrNoSpace, len(s))
	}
	off, err := a.RawAllocate(uint32(4 + len(s)))
	if err != nil {
		return 0, err
	}
	a.PutU32(off, uint32(len(s)))
	copy(a.Bytes(off+4, uint32(len(s))), s)
	return off, nil
}

// String returns a copy of the string stored at off. Offset 0 reads as "".
func (a *Arena) String(off uint32) string {
	return string(a.StringBytes(off))
}

// StringBytes returns the stored bytes at off without copying.
func (a *Arena) StringBytes(off uint32) []byte {
	if off == 0 {
		return nil
	}
	n := a.U32(off)
	return a.Bytes(off+4, n)
}

// Bytes returns n bytes at off. The slice is invalidated by growth.
func (a *Arena) Bytes(off, n uint32) []byte {
	return a.region.Data()[off : uint64(off)+uint64(n)]
}

func (a *Arena) U8(off uint32) uint8 { return a.region.Data()[off] }

func (a *Arena) PutU8(off uint32, v uint8) { a.region.Data()[off] = v }

func (a *Arena) U16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(a.Bytes(off, 2))
}

func (a *Arena) PutU16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(a.Bytes(off, 2), v)
}

func (a *Arena) U32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(a.Bytes(off, 4))
}

func (a *Arena) PutU32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(a.Bytes(off, 4), v)
}

func (a *Arena) U64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(a.Bytes(off, 8))
}

func (a *Arena) PutU64(off uint32, v uint64) {
	binary.LittleEndian.PutUint64(a.Bytes(off, 8), v)
}

// Sync flushes the whole region to backing storage.
func (a *Arena) Sync() error {
	return a.region.Sync()
}

// SyncRange flushes [off, off+n) only.
func (a *Arena) SyncRange(off, n uint32) error {
	return a.region.SyncRange(int64(off), int64(n))
}

// Trim shrinks the region to the allocated size.
func (a *Arena) Trim() error {
	if int64(a.used) == a.region.Size() {
		return nil
	}
	if err := a.region.Resize(int64(a.used)); err != nil {
		return fmt.Errorf("failed to trim arena: %w", err)
	}
	return nil
}

// Close releases the region.
func (a *Arena) Close() error {
	return a.region.Close()
}
