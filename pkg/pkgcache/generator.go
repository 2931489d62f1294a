package pkgcache

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oda/pkgcache/internal/arena"
	"github.com/oda/pkgcache/internal/node"
)

// Kind is a record kind with its own ID space.
type Kind = node.Kind

const (
	KindPackage     = node.KindPackage
	KindVersion     = node.KindVersion
	KindDependency  = node.KindDependency
	KindProvides    = node.KindProvides
	KindPackageFile = node.KindPackageFile
	KindVerFile     = node.KindVerFile
	KindString      = node.KindString
)

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	VersionSystem VersionSystem
	Architecture  string

	// StrictArch makes installed-state records match by architecture
	// like any other record.
	StrictArch bool

	Progress Progress
	Logger   *logrus.Logger

	// Limits lowers the number of records allowed per kind.
	Limits map[Kind]uint64
}

// Stats counts what a Generator has done.
type Stats struct {
	Records      uint64
	NewVersions  uint64
	Duplicates   uint64
	FileProvides uint64

	// Records skipped while resolving file dependencies.
	MissingPackages uint64
	MissingVersions uint64
}

// Generator merges parsed records into an arena.
type Generator struct {
	arena      *arena.Arena
	hdr        node.Header
	vs         VersionSystem
	strings    *Interner
	progress   Progress
	log        *logrus.Entry
	limits     [node.NumKinds]uint64
	strictArch bool

	currentFile     uint32
	currentFileName string
	fileDeps        bool

	// tail of the dependency list of depVer
	depVer  uint32
	depTail uint32

	stats Stats
}

// NewGenerator prepares a for merging. An empty arena gets a fresh header;
// otherwise the existing header is validated and extended. The cache is
// marked dirty until Finish.
func NewGenerator(a *arena.Arena, opts GeneratorOptions) (*Generator, error) {
	if opts.VersionSystem == nil {
		return nil, errors.New("pkgcache: no version system")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	progress := opts.Progress
	if progress == nil {
		progress = NopProgress{}
	}

	g := &Generator{
		arena:      a,
		vs:         opts.VersionSystem,
		progress:   progress,
		log:        logger.WithField("component", "generator"),
		strictArch: opts.StrictArch,
	}
	for k := Kind(0); k < node.NumKinds; k++ {
		g.limits[k] = k.MaxCount()
		if l, ok := opts.Limits[k]; ok && l < g.limits[k] {
			g.limits[k] = l
		}
	}

	if a.Used() == 0 {
		off, err := a.RawAllocate(node.HeaderSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		if off != 0 {
			return nil, fmt.Errorf("pkgcache: header allocated at %d", off)
		}
		g.hdr = node.NewHeader()
		a.UsePools(node.PoolsOffset, node.PoolCount)
		g.strings = newInterner(a, &g.hdr, g.limits[KindString])

		if g.hdr.VerSysName, err = g.strings.Intern(g.vs.Label()); err != nil {
			return nil, err
		}
		if g.hdr.Architecture, err = g.strings.Intern(opts.Architecture); err != nil {
			return nil, err
		}
	} else {
		hdr, err := validateHeader(a)
		if err != nil {
			return nil, err
		}
		if a.String(hdr.VerSysName) != g.vs.Label() {
			return nil, fmt.Errorf("%w: cache uses %q", ErrVersionSystemMismatch, a.String(hdr.VerSysName))
		}
		g.hdr = hdr
		a.UsePools(node.PoolsOffset, node.PoolCount)
		g.strings = newInterner(a, &g.hdr, g.limits[KindString])
	}

	g.hdr.Dirty = true
	if err := g.syncHeader(); err != nil {
		return nil, err
	}
	return g, nil
}

// validateHeader checks that a holds a cache this build can read.
func validateHeader(a *arena.Arena) (node.Header, error) {
	if a.Size() < node.HeaderSize || a.Used() < node.HeaderSize {
		return node.Header{}, fmt.Errorf("%w: %d bytes", ErrBadMagic, a.Size())
	}
	hdr := readHeader(a)
	switch {
	case hdr.Magic != node.Magic:
		return hdr, ErrBadMagic
	case hdr.MajorVersion != node.MajorVersion:
		return hdr, fmt.Errorf("%w: %d.%d", ErrBadVersion, hdr.MajorVersion, hdr.MinorVersion)
	case !hdr.LayoutMatches():
		return hdr, ErrBadLayout
	}
	return hdr, nil
}

// Flush writes the in-memory header into the arena.
func (g *Generator) Flush() {
	g.hdr.Size = g.arena.Used()
	g.hdr.Serialize(g.arena.Bytes(0, node.HeaderFieldsSize))
}

func (g *Generator) syncHeader() error {
	g.Flush()
	if err := g.arena.SyncRange(0, node.HeaderSize); err != nil {
		return fmt.Errorf("failed to sync header: %w", err)
	}
	return nil
}

// Finish trims the arena, writes it out and then clears the dirty flag
// with a second sync.
func (g *Generator) Finish() error {
	g.hdr.Dirty = true
	g.Flush()
	if err := g.arena.Trim(); err != nil {
		return err
	}
	if err := g.arena.Sync(); err != nil {
		return fmt.Errorf("failed to sync cache: %w", err)
	}
	g.hdr.Dirty = false
	return g.syncHeader()
}

func (g *Generator) Arena() *arena.Arena     { return g.arena }
func (g *Generator) Header() node.Header     { return g.hdr }
func (g *Generator) Strings() *Interner      { return g.strings }
func (g *Generator) Stats() Stats            { return g.stats }
func (g *Generator) SetOptionsHash(h uint64) { g.hdr.OptionsHash = h }

// HasFileDeps reports whether a file dependency was merged since the last
// ResetFileDeps.
func (g *Generator) HasFileDeps() bool { return g.fileDeps }

// ResetFileDeps forgets file dependencies seen so far. The header keeps
// recording that the cache contains some.
func (g *Generator) ResetFileDeps() { g.fileDeps = false }

// FindPackage returns the offset of the named package, or 0.
func (g *Generator) FindPackage(name string) uint32 {
	return findPackage(g.arena, name)
}

// FindFile returns the offset of the PackageFile for a source, or 0.
func (g *Generator) FindFile(fileName string) uint32 {
	return findFile(g.arena, g.hdr.FileList, fileName)
}

func (g *Generator) checkCapacity(k Kind) error {
	if uint64(g.hdr.Counts[k]) >= g.limits[k] {
		return fmt.Errorf("%w: %s limit of %d reached", ErrCapacityExceeded, k, g.limits[k])
	}
	return nil
}

// allocate reserves a zeroed record of kind k and assigns its ID.
func (g *Generator) allocate(k Kind) (off, id uint32, err error) {
	if err := g.checkCapacity(k); err != nil {
		return 0, 0, err
	}
	off, err = g.arena.Allocate(k.Size())
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	id = g.hdr.Counts[k]
	g.hdr.Counts[k]++
	return off, id, nil
}

// SelectFile creates the PackageFile that following versions are
// associated with.
func (g *Generator) SelectFile(file IndexFile, st SourceStat) error {
	if err := g.checkCapacity(KindPackageFile); err != nil {
		return err
	}
	name, err := g.arena.WriteString(file.FileName())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	site, err := g.strings.Intern(file.Site())
	if err != nil {
		return err
	}
	typ, err := g.strings.Intern(file.IndexType())
	if err != nil {
		return err
	}
	off, id, err := g.allocate(KindPackageFile)
	if err != nil {
		return err
	}

	pf := node.PackageFile{
		FileName:  name,
		Site:      site,
		IndexType: typ,
		NextFile:  g.hdr.FileList,
		Flags:     file.Flags(),
		ID:        uint16(id),
		Size:      st.Size,
		MTime:     st.MTime,
	}
	writePackageFile(g.arena, off, &pf)
	g.hdr.FileList = off

	g.currentFile = off
	g.currentFileName = file.Describe()
	return nil
}

// NewPackage returns the package called name, creating it if needed.
func (g *Generator) NewPackage(name string) (uint32, error) {
	if off := g.FindPackage(name); off != 0 {
		return off, nil
	}
	if err := g.checkCapacity(KindPackage); err != nil {
		return 0, err
	}
	nameOff, err := g.strings.Intern(name)
	if err != nil {
		return 0, err
	}
	off, id, err := g.allocate(KindPackage)
	if err != nil {
		return 0, err
	}

	bucket := node.BucketOffset(hashBucket(name))
	p := node.Package{
		Name:        nameOff,
		NextPackage: g.arena.U32(bucket),
		ID:          id,
	}
	writePackage(g.arena, off, &p)
	g.arena.PutU32(bucket, off)
	return off, nil
}

// NewVersion creates a version of pkg whose successor is next.
// Linking it into the package's list is up to the caller.
func (g *Generator) NewVersion(pkg uint32, verStr, arch string, hash uint64, next uint32) (uint32, error) {
	if err := g.checkCapacity(KindVersion); err != nil {
		return 0, err
	}
	verOff, err := g.strings.Intern(verStr)
	if err != nil {
		return 0, err
	}
	archOff, err := g.strings.Intern(arch)
	if err != nil {
		return 0, err
	}
	off, id, err := g.allocate(KindVersion)
	if err != nil {
		return 0, err
	}

	v := node.Version{
		VerStr:    verOff,
		Arch:      archOff,
		ParentPkg: pkg,
		NextVer:   next,
		ID:        id,
		Hash:      hash,
	}
	writeVersion(g.arena, off, &v)
	return off, nil
}

// NewFileVer appends an association between ver and the selected file.
func (g *Generator) NewFileVer(ver uint32, rec *Record) error {
	if g.currentFile == 0 {
		return nil
	}

	var last uint32
	for off := readVersion(g.arena, ver).FileList; off != 0; off = readVerFile(g.arena, off).NextFile {
		last = off
	}

	off, id, err := g.allocate(KindVerFile)
	if err != nil {
		return err
	}
	vf := node.VerFile{
		File:   g.currentFile,
		Offset: rec.Offset,
		Size:   rec.Size,
		ID:     id,
	}
	writeVerFile(g.arena, off, &vf)

	if last == 0 {
		v := readVersion(g.arena, ver)
		v.FileList = off
		writeVersion(g.arena, ver, &v)
	} else {
		l := readVerFile(g.arena, last)
		l.NextFile = off
		writeVerFile(g.arena, last, &l)
	}

	if rec.Size > g.hdr.MaxVerFileSize {
		g.hdr.MaxVerFileSize = rec.Size
	}
	return nil
}

// NewDepends adds a dependency of ver on dep.Name. The dependency is
// prepended to the target's reverse list and appended to ver's list.
func (g *Generator) NewDepends(ver uint32, dep Depend) error {
	target, err := g.NewPackage(dep.Name)
	if err != nil {
		return err
	}
	if err := g.checkCapacity(KindDependency); err != nil {
		return err
	}
	verOff, err := g.strings.Intern(dep.Version)
	if err != nil {
		return err
	}
	off, id, err := g.allocate(KindDependency)
	if err != nil {
		return err
	}

	typ := dep.Type
	if typ == 0 {
		typ = Depends
	}
	d := node.Dependency{
		Version:   verOff,
		Package:   target,
		ParentVer: ver,
		ID:        id,
		Type:      typ,
		CompareOp: dep.Op,
	}

	tp := readPackage(g.arena, target)
	d.NextRevDepends = tp.RevDepends
	tp.RevDepends = off
	writePackage(g.arena, target, &tp)
	writeDependency(g.arena, off, &d)

	if g.depVer != ver {
		g.depVer = ver
		g.depTail = 0
		for cur := readVersion(g.arena, ver).DependsList; cur != 0; cur = readDependency(g.arena, cur).NextDepends {
			g.depTail = cur
		}
	}
	if g.depTail == 0 {
		v := readVersion(g.arena, ver)
		v.DependsList = off
		writeVersion(g.arena, ver, &v)
	} else {
		t := readDependency(g.arena, g.depTail)
		t.NextDepends = off
		writeDependency(g.arena, g.depTail, &t)
	}
	g.depTail = off

	if isFileDep(dep.Name) {
		g.fileDeps = true
		g.hdr.HasFileDeps = true
	}
	return nil
}

// NewProvides records that ver provides name. A versionless provide of
// the version's own package is dropped.
func (g *Generator) NewProvides(ver uint32, name, version string) error {
	v := readVersion(g.arena, ver)
	if version == "" {
		parent := readPackage(g.arena, v.ParentPkg)
		if string(g.arena.StringBytes(parent.Name)) == name {
			return nil
		}
	}

	target, err := g.NewPackage(name)
	if err != nil {
		return err
	}
	if err := g.checkCapacity(KindProvides); err != nil {
		return err
	}
	verOff, err := g.strings.Intern(version)
	if err != nil {
		return err
	}
	off, id, err := g.allocate(KindProvides)
	if err != nil {
		return err
	}

	p := node.Provides{
		ParentPkg:      target,
		Version:        ver,
		ProvideVersion: verOff,
		ID:             id,
	}
	v = readVersion(g.arena, ver)
	p.NextProvides = v.ProvidesList
	v.ProvidesList = off
	writeVersion(g.arena, ver, &v)

	tp := readPackage(g.arena, target)
	p.NextPkgProv = tp.ProvidesList
	tp.ProvidesList = off
	writePackage(g.arena, target, &tp)

	writeProvides(g.arena, off, &p)
	return nil
}

// usePackage applies package-level data carried by rec.
func (g *Generator) usePackage(pkg, ver uint32, rec *Record) {
	if rec.Flags == 0 && !(rec.Installed && ver != 0) {
		return
	}
	p := readPackage(g.arena, pkg)
	p.Flags |= rec.Flags
	if rec.Installed && ver != 0 {
		p.CurrentVer = ver
	}
	writePackage(g.arena, pkg, &p)
}

// locateVersion searches pkg's version list for rec. It returns the
// matching version with an identical hash if there is one, and otherwise
// the version after which a new node belongs (0 for the list head).
func (g *Generator) locateVersion(pkg uint32, rec *Record, hash uint64) (match, after uint32) {
	archBlind := rec.Installed && !g.strictArch
	positioned := false

	for cur := readPackage(g.arena, pkg).VersionList; cur != 0; {
		v := readVersion(g.arena, cur)
		verStr := g.arena.String(v.VerStr)

		verRes := g.vs.CmpVersion(rec.Version, verStr)
		if verRes > 0 {
			break
		}
		res := verRes
		if res == 0 {
			res = g.vs.CmpVersionArch(rec.Version, rec.Arch, verStr, g.arena.String(v.Arch))
		}

		if (res == 0 || (archBlind && verRes == 0)) && v.Hash == hash {
			return cur, 0
		}
		if res > 0 {
			positioned = true
		}
		if !positioned {
			after = cur
		}
		cur = v.NextVer
	}
	return 0, after
}

func (g *Generator) report(counter uint64, rec *Record) error {
	if counter%100 != 0 {
		return nil
	}
	pos := rec.Offset
	if pos == 0 {
		pos = counter
	}
	if err := g.progress.Progress(pos); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// MergeList folds every record of p into the cache, associating new and
// re-sighted versions with the selected file.
func (g *Generator) MergeList(p ListParser) error {
	var counter uint64
	for p.Step() {
		rec := p.Record()
		if rec.Package == "" {
			return fmt.Errorf("%w: empty package name in %s at offset %d",
				ErrRecordMalformed, g.currentFileName, rec.Offset)
		}

		pkg, err := g.NewPackage(rec.Package)
		if err != nil {
			return fmt.Errorf("error processing %s: %w", rec.Package, err)
		}
		counter++
		g.stats.Records++
		if err := g.report(counter, rec); err != nil {
			return err
		}

		if rec.Version == "" {
			g.usePackage(pkg, 0, rec)
			continue
		}

		hash := rec.Hash
		if hash == 0 {
			hash = HashRecord(rec)
		}

		match, after := g.locateVersion(pkg, rec, hash)
		if match != 0 {
			g.stats.Duplicates++
			g.usePackage(pkg, match, rec)
			if err := g.NewFileVer(match, rec); err != nil {
				return fmt.Errorf("error processing %s %s: %w", rec.Package, rec.Version, err)
			}
			continue
		}

		if err := g.mergeVersion(pkg, after, rec, hash); err != nil {
			return fmt.Errorf("error processing %s %s: %w", rec.Package, rec.Version, err)
		}
	}
	if err := p.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, g.currentFileName, err)
	}
	return nil
}

func (g *Generator) mergeVersion(pkg, after uint32, rec *Record, hash uint64) error {
	var next uint32
	if after == 0 {
		next = readPackage(g.arena, pkg).VersionList
	} else {
		next = readVersion(g.arena, after).NextVer
	}

	ver, err := g.NewVersion(pkg, rec.Version, rec.Arch, hash, next)
	if err != nil {
		return err
	}
	if after == 0 {
		p := readPackage(g.arena, pkg)
		p.VersionList = ver
		writePackage(g.arena, pkg, &p)
	} else {
		prev := readVersion(g.arena, after)
		prev.NextVer = ver
		writeVersion(g.arena, after, &prev)
	}
	g.stats.NewVersions++

	for _, dep := range rec.Depends {
		if dep.Name == "" {
			return fmt.Errorf("%w: empty dependency name at offset %d", ErrRecordMalformed, rec.Offset)
		}
		if err := g.NewDepends(ver, dep); err != nil {
			return err
		}
	}
	for _, prv := range rec.Provides {
		if prv.Name == "" {
			return fmt.Errorf("%w: empty provides name at offset %d", ErrRecordMalformed, rec.Offset)
		}
		if err := g.NewProvides(ver, prv.Name, prv.Version); err != nil {
			return err
		}
	}

	g.usePackage(pkg, ver, rec)
	return g.NewFileVer(ver, rec)
}

// MergeFileProvides re-reads p and links the file paths shipped by each
// known version to the file-dependency packages that already exist.
// Records whose package or version is not in the cache are skipped.
func (g *Generator) MergeFileProvides(p ListParser) error {
	lister, _ := p.(FileLister)
	var counter uint64
	for p.Step() {
		rec := p.Record()
		if rec.Package == "" {
			return fmt.Errorf("%w: empty package name in %s at offset %d",
				ErrRecordMalformed, g.currentFileName, rec.Offset)
		}
		if rec.Version == "" {
			continue
		}

		pkg := g.FindPackage(rec.Package)
		if pkg == 0 {
			g.stats.MissingPackages++
			g.log.WithField("package", rec.Package).Debug("package not found while resolving file dependencies")
			continue
		}
		counter++
		if err := g.report(counter, rec); err != nil {
			return err
		}

		ver := g.findExactVersion(pkg, rec.Version, rec.Arch)
		if ver == 0 {
			g.stats.MissingVersions++
			g.log.WithFields(logrus.Fields{
				"package": rec.Package,
				"version": rec.Version,
				"arch":    rec.Arch,
			}).Debug("version not found while resolving file dependencies")
			continue
		}
		if lister == nil {
			continue
		}

		paths, err := lister.FileList()
		if err != nil {
			return fmt.Errorf("%w: file list of %s: %w", ErrSourceUnreadable, rec.Package, err)
		}
		if err := g.collectFileProvides(ver, paths); err != nil {
			return fmt.Errorf("error processing %s: %w", rec.Package, err)
		}
	}
	if err := p.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, g.currentFileName, err)
	}
	return nil
}

func (g *Generator) findExactVersion(pkg uint32, verStr, arch string) uint32 {
	for cur := readPackage(g.arena, pkg).VersionList; cur != 0; {
		v := readVersion(g.arena, cur)
		if string(g.arena.StringBytes(v.VerStr)) == verStr && string(g.arena.StringBytes(v.Arch)) == arch {
			return cur
		}
		cur = v.NextVer
	}
	return 0
}

// collectFileProvides links each path somebody depends on to ver.
func (g *Generator) collectFileProvides(ver uint32, paths []string) error {
	for _, path := range paths {
		target := g.FindPackage(path)
		if target == 0 || g.provides(ver, target) {
			continue
		}
		if err := g.NewProvides(ver, path, ""); err != nil {
			return err
		}
		g.stats.FileProvides++
	}
	return nil
}

func (g *Generator) provides(ver, target uint32) bool {
	for cur := readVersion(g.arena, ver).ProvidesList; cur != 0; {
		p := readProvides(g.arena, cur)
		if p.ParentPkg == target {
			return true
		}
		cur = p.NextProvides
	}
	return false
}
