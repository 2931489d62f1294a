package pkgcache

import (
	"github.com/oda/pkgcache/internal/node"
)

type (
	DepType   = node.DepType
	CompareOp = node.CompareOp
)

const (
	Depends    = node.DepDepends
	PreDepends = node.DepPreDepends
	Suggests   = node.DepSuggests
	Recommends = node.DepRecommends
	Conflicts  = node.DepConflicts
	Replaces   = node.DepReplaces
	Obsoletes  = node.DepObsoletes
	Breaks     = node.DepBreaks
	Enhances   = node.DepEnhances
)

const (
	OpNone      = node.OpNone
	OpLessEq    = node.OpLessEq
	OpGreaterEq = node.OpGreaterEq
	OpLess      = node.OpLess
	OpGreater   = node.OpGreater
	OpEquals    = node.OpEquals
	OpNotEquals = node.OpNotEquals
	OpOr        = node.OpOr
)

// Package flags carried by records.
const (
	FlagEssential = node.FlagEssential
	FlagImportant = node.FlagImportant
)

// Source flags.
const (
	FileNotSource      = node.FileNotSource
	FileNotAutomatic   = node.FileNotAutomatic
	FileInstalledState = node.FileInstalledState
)

// Depend is one dependency of a record.
type Depend struct {
	Name    string
	Version string
	Op      CompareOp
	Type    DepType
}

// Provide is one capability provided by a record.
type Provide struct {
	Name    string
	Version string
}

// Record is one parsed package stanza.
type Record struct {
	Package  string
	Version  string // empty: package metadata only
	Arch     string
	Hash     uint64 // 0: computed with HashRecord
	Depends  []Depend
	Provides []Provide
	Flags    uint32

	// Offset and Size locate the stanza inside its source.
	Offset uint64
	Size   uint32

	// Installed marks records describing already-installed state.
	Installed bool
}

// ListParser is a restartable cursor over the records of one source.
// Exhaustion is signalled by Step returning false with a nil Err.
type ListParser interface {
	Step() bool
	Record() *Record
	Err() error
	Rewind() error
	Close() error
}

// FileLister is implemented by parsers able to list the file paths
// shipped by the current record. It is only consulted while resolving
// file dependencies.
type FileLister interface {
	FileList() ([]string, error)
}

// SourceStat is the change-detection data of a source.
type SourceStat struct {
	Size  uint64
	MTime int64
}

// IndexFile is one configured input source.
type IndexFile interface {
	// FileName identifies the source inside the cache.
	FileName() string
	Site() string
	IndexType() string
	Flags() uint32
	// Stat returns an error wrapping fs.ErrNotExist for missing sources.
	Stat() (SourceStat, error)
	Open() (ListParser, error)
	Describe() string
}
