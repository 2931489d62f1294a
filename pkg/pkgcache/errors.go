package pkgcache

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when a record kind has run out of IDs.
	ErrCapacityExceeded = errors.New("pkgcache: capacity exceeded")
	// ErrAllocation is returned when the arena cannot grow any further.
	ErrAllocation = errors.New("pkgcache: allocation failure")
	// ErrRecordMalformed is returned for records missing a required field.
	ErrRecordMalformed = errors.New("pkgcache: malformed record")
	// ErrSourceUnreadable is returned when a configured source cannot be read.
	ErrSourceUnreadable = errors.New("pkgcache: source unreadable")
	// ErrCancelled is returned when the progress sink asks to stop.
	ErrCancelled = errors.New("pkgcache: build cancelled")
	// ErrUnwritable is returned when the cache directory cannot be written
	// and in-memory builds are not allowed.
	ErrUnwritable = errors.New("pkgcache: cache directory not writable")

	ErrBadMagic   = errors.New("pkgcache: invalid file format: bad magic number")
	ErrBadVersion = errors.New("pkgcache: unsupported cache format version")
	ErrBadLayout  = errors.New("pkgcache: record layout mismatch")
)

// ErrStaleCache is wrapped by every reason a persisted cache is rejected.
// Rejection is not a failure; it triggers a rebuild.
var ErrStaleCache = errors.New("pkgcache: cache is stale")

var (
	ErrCacheMissing          = fmt.Errorf("%w: no cache file", ErrStaleCache)
	ErrCacheDirty            = fmt.Errorf("%w: cache was not completely written", ErrStaleCache)
	ErrCacheCorrupt          = fmt.Errorf("%w: cache is corrupt", ErrStaleCache)
	ErrForcedRebuild         = fmt.Errorf("%w: rebuild forced", ErrStaleCache)
	ErrVersionSystemMismatch = fmt.Errorf("%w: version system mismatch", ErrStaleCache)
	ErrOptionsMismatch       = fmt.Errorf("%w: options fingerprint mismatch", ErrStaleCache)
	ErrSourceSetMismatch     = fmt.Errorf("%w: source set changed", ErrStaleCache)
)
