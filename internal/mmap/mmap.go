// Package mmap provides the backing regions for cache arenas: memory-mapped
// files and plain heap memory.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a resizable byte region. Data may move after Resize; callers
// address it by offset only.
type Region interface {
	Data() []byte
	Size() int64
	Resize(newSize int64) error
	Sync() error
	SyncRange(offset, length int64) error
	Close() error
}

// MMap represents a memory-mapped file.
type MMap struct {
	file     *os.File
	data     []byte
	size     int64
	readOnly bool
}

// Open opens or creates a file and maps it into memory read-write.
// If the file is smaller than size, it is extended.
func Open(path string, size int64) (*MMap, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	currentSize := info.Size()
	if currentSize < size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to extend file: %w", err)
		}
		currentSize = size
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(currentSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap: %w", err)
	}

	return &MMap{file: file, data: data, size: currentSize}, nil
}

// OpenReadOnly maps an existing file for reading. Sync and Resize are not
// available on the result.
func OpenReadOnly(path string) (*MMap, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() == 0 {
		file.Close()
		return nil, fmt.Errorf("failed to mmap %s: empty file", path)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()),
		unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap: %w", err)
	}

	return &MMap{file: file, data: data, size: info.Size(), readOnly: true}, nil
}

// Close unmaps and closes the file.
func (m *MMap) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("failed to munmap: %w", err)
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		m.file = nil
	}
	return nil
}

// Sync flushes changes to disk.
func (m *MMap) Sync() error {
	if m.data == nil {
		return fmt.Errorf("mmap is closed")
	}
	if m.readOnly {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// SyncRange flushes the pages covering [offset, offset+length).
func (m *MMap) SyncRange(offset, length int64) error {
	if m.data == nil {
		return fmt.Errorf("mmap is closed")
	}
	if m.readOnly {
		return nil
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return fmt.Errorf("sync range [%d,%d) out of bounds", offset, offset+length)
	}
	page := int64(unix.Getpagesize())
	start := offset &^ (page - 1)
	return unix.Msync(m.data[start:offset+length], unix.MS_SYNC)
}

// Size returns the current mapped size.
func (m *MMap) Size() int64 {
	return m.size
}

// Data returns the underlying byte slice.
// WARNING: Do not keep references to this slice after Close or Resize.
func (m *MMap) Data() []byte {
	return m.data
}

// Resize truncates or extends the file and remaps it.
// This invalidates any previously returned slices.
func (m *MMap) Resize(newSize int64) error {
	if m.readOnly {
		return fmt.Errorf("cannot resize read-only mapping")
	}
	if newSize == m.size {
		return nil
	}
	if newSize <= 0 {
		return fmt.Errorf("invalid mapping size %d", newSize)
	}

	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("failed to munmap during resize: %w", err)
	}
	m.data = nil

	if err := m.file.Truncate(newSize); err != nil {
		return fmt.Errorf("failed to truncate file during resize: %w", err)
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to remap during resize: %w", err)
	}

	m.data = data
	m.size = newSize
	return nil
}

// Memory is a heap-backed Region used when the cache is not persisted.
type Memory struct {
	data []byte
}

// NewMemory returns a zeroed in-memory region of the given size.
func NewMemory(size int64) *Memory {
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) Data() []byte { return m.data }
func (m *Memory) Size() int64  { return int64(len(m.data)) }
func (m *Memory) Sync() error  { return nil }
func (m *Memory) Close() error { m.data = nil; return nil }

func (m *Memory) SyncRange(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > int64(len(m.data)) {
		return fmt.Errorf("sync range [%d,%d) out of bounds", offset, offset+length)
	}
	return nil
}

// Resize reallocates the region, preserving the common prefix.
func (m *Memory) Resize(newSize int64) error {
	if newSize <= 0 {
		return fmt.Errorf("invalid region size %d", newSize)
	}
	if newSize <= int64(cap(m.data)) {
		old := len(m.data)
		m.data = m.data[:newSize]
		if int(newSize) > old {
			clear(m.data[old:])
		}
		return nil
	}
	data := make([]byte, newSize)
	copy(data, m.data)
	m.data = data
	return nil
}
