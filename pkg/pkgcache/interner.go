package pkgcache

import (
	"fmt"

	"github.com/google/btree"

	"github.com/oda/pkgcache/internal/arena"
	"github.com/oda/pkgcache/internal/node"
)

type internEntry struct {
	s    string
	item uint32 // StringItem offset
	str  uint32 // string data offset
}

func internLess(a, b internEntry) bool { return a.s < b.s }

// Interner stores each distinct string once. Interned strings are kept on
// a singly linked StringItem list in descending byte order; the in-memory
// index only speeds up lookups and is rebuilt from the list on demand.
type Interner struct {
	a      *arena.Arena
	hdr    *node.Header
	limit  uint64
	index  *btree.BTreeG[internEntry]
	loaded bool
}

func newInterner(a *arena.Arena, hdr *node.Header, limit uint64) *Interner {
	return &Interner{
		a:     a,
		hdr:   hdr,
		limit: limit,
		index: btree.NewG(32, internLess),
	}
}

func (in *Interner) load() {
	if in.loaded {
		return
	}
	in.loaded = true
	for off := in.hdr.StringList; off != 0; {
		item := readStringItem(in.a, off)
		in.index.ReplaceOrInsert(internEntry{s: in.a.String(item.String), item: off, str: item.String})
		off = item.NextItem
	}
}

// Lookup returns the offset of s if it has been interned.
func (in *Interner) Lookup(s string) (uint32, bool) {
	in.load()
	e, ok := in.index.Get(internEntry{s: s})
	return e.str, ok
}

// Intern returns the offset of the single stored copy of s, storing it on
// first use. The empty string maps to offset 0.
func (in *Interner) Intern(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if off, ok := in.Lookup(s); ok {
		return off, nil
	}

	if uint64(in.hdr.Counts[node.KindString]) >= in.limit {
		return 0, fmt.Errorf("%w: %d strings", ErrCapacityExceeded, in.hdr.Counts[node.KindString])
	}
	item, err := in.a.Allocate(node.StringItemSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	str, err := in.a.WriteString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	// The list is descending, so s goes right after the smallest
	// string greater than it.
	var prev *internEntry
	in.index.AscendGreaterOrEqual(internEntry{s: s}, func(e internEntry) bool {
		prev = &e
		return false
	})

	si := node.StringItem{String: str}
	if prev == nil {
		si.NextItem = in.hdr.StringList
		in.hdr.StringList = item
	} else {
		p := readStringItem(in.a, prev.item)
		si.NextItem = p.NextItem
		p.NextItem = item
		writeStringItem(in.a, prev.item, &p)
	}
	writeStringItem(in.a, item, &si)

	in.hdr.Counts[node.KindString]++
	in.index.ReplaceOrInsert(internEntry{s: s, item: item, str: str})
	return str, nil
}

// Len returns the number of interned strings.
func (in *Interner) Len() int {
	in.load()
	return in.index.Len()
}
