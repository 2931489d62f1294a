package sqlsource

import (
	"database/sql"

	"github.com/oda/pkgcache/pkg/pkgcache"
)

// parser walks the packages of one source. Each Step reads the next
// package row and its dependency and provides rows.
type parser struct {
	db     *sql.DB
	source int64
	rows   *sql.Rows
	id     int64
	rec    pkgcache.Record
	err    error
}

var (
	_ pkgcache.ListParser = (*parser)(nil)
	_ pkgcache.FileLister = (*parser)(nil)
)

func (p *parser) Rewind() error {
	if p.rows != nil {
		p.rows.Close()
	}
	p.err = nil
	rows, err := p.db.Query(`SELECT id, name, version, arch, hash, flags, installed, offset, size
		FROM packages WHERE source=? ORDER BY seq`, p.source)
	if err != nil {
		p.rows = nil
		return err
	}
	p.rows = rows
	return nil
}

func (p *parser) Step() bool {
	if p.rows == nil || p.err != nil {
		return false
	}
	if !p.rows.Next() {
		p.err = p.rows.Err()
		return false
	}

	var hash, offset int64
	p.rec = pkgcache.Record{}
	if err := p.rows.Scan(&p.id, &p.rec.Package, &p.rec.Version, &p.rec.Arch, &hash,
		&p.rec.Flags, &p.rec.Installed, &offset, &p.rec.Size); err != nil {
		p.err = err
		return false
	}
	p.rec.Hash = uint64(hash)
	p.rec.Offset = uint64(offset)

	if p.err = p.loadDepends(); p.err != nil {
		return false
	}
	if p.err = p.loadProvides(); p.err != nil {
		return false
	}
	return true
}

func (p *parser) loadDepends() error {
	rows, err := p.db.Query("SELECT name, version, op, type FROM depends WHERE package=? ORDER BY seq", p.id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var d pkgcache.Depend
		if err := rows.Scan(&d.Name, &d.Version, &d.Op, &d.Type); err != nil {
			return err
		}
		p.rec.Depends = append(p.rec.Depends, d)
	}
	return rows.Err()
}

func (p *parser) loadProvides() error {
	rows, err := p.db.Query("SELECT name, version FROM provides WHERE package=? ORDER BY seq", p.id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var pr pkgcache.Provide
		if err := rows.Scan(&pr.Name, &pr.Version); err != nil {
			return err
		}
		p.rec.Provides = append(p.rec.Provides, pr)
	}
	return rows.Err()
}

// FileList returns the paths shipped by the current record.
func (p *parser) FileList() ([]string, error) {
	rows, err := p.db.Query("SELECT path FROM files WHERE package=? ORDER BY path", p.id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

func (p *parser) Record() *pkgcache.Record { return &p.rec }

func (p *parser) Err() error { return p.err }

func (p *parser) Close() error {
	if p.rows == nil {
		return nil
	}
	err := p.rows.Close()
	p.rows = nil
	return err
}
