package pkgcache

import (
	"errors"
	"fmt"
	"io/fs"
)

// ValidityOptions are the settings a persisted cache is checked against.
type ValidityOptions struct {
	VersionSystem VersionSystem
	ForceRebuild  bool
	// StrictArch changes version ordering, so caches are never reused
	// while it is set.
	StrictArch bool
}

// CheckValidity opens the cache at path and verifies that it was built
// by this version system with the same options from exactly the given
// sources, none of which changed since. Sources that do not exist are
// ignored. Every rejection wraps ErrStaleCache.
func CheckValidity(path string, files []IndexFile, opts ValidityOptions) (*Cache, error) {
	if path == "" {
		return nil, ErrCacheMissing
	}
	if opts.ForceRebuild || opts.StrictArch {
		return nil, ErrForcedRebuild
	}

	c, err := Open(path)
	if err != nil {
		if errors.Is(err, ErrStaleCache) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
	}
	if err := checkCache(c, files, opts.VersionSystem); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func checkCache(c *Cache, files []IndexFile, vs VersionSystem) error {
	if c.VersionSystem() != vs.Label() {
		return fmt.Errorf("%w: cache uses %q", ErrVersionSystemMismatch, c.VersionSystem())
	}
	if c.OptionsHash() != vs.OptionsHash() {
		return ErrOptionsMismatch
	}

	visited := make([]bool, c.Count(KindPackageFile))
	for pf := range c.Files() {
		if pf.rec.FileName == 0 {
			return fmt.Errorf("%w: package file %d has no name", ErrCacheCorrupt, pf.ID())
		}
		if int(pf.ID()) >= len(visited) {
			return fmt.Errorf("%w: package file id %d out of range", ErrCacheCorrupt, pf.ID())
		}
	}

	for _, f := range files {
		st, err := f.Stat()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSourceSetMismatch, f.Describe(), err)
		}

		pf, ok := c.findFile(f.FileName())
		if !ok {
			return fmt.Errorf("%w: %s not in cache", ErrSourceSetMismatch, f.Describe())
		}
		if pf.Size() != st.Size || pf.MTime() != st.MTime {
			return fmt.Errorf("%w: %s changed", ErrSourceSetMismatch, f.Describe())
		}
		visited[pf.ID()] = true
	}

	for id, seen := range visited {
		if !seen {
			return fmt.Errorf("%w: cache holds unconfigured source %d", ErrSourceSetMismatch, id)
		}
	}
	return nil
}

func (c *Cache) findFile(name string) (PackageFile, bool) {
	off := findFile(c.arena, c.hdr.FileList, name)
	if off == 0 {
		return PackageFile{}, false
	}
	return c.file(off), true
}
