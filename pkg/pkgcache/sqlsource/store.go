// Package sqlsource keeps pre-parsed package records in a SQLite database
// and serves them to the cache generator as index files.
package sqlsource

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oda/pkgcache/pkg/pkgcache"
)

const schemaVersion = 1

// IndexType is recorded as the index type of every source in a store.
const IndexType = "SQLite record store"

// Store is a database holding any number of named sources.
type Store struct {
	db   *sql.DB
	path string
}

// Source describes one source inside a Store.
type Source struct {
	Name  string
	Site  string
	Flags uint32
}

// Entry is a record plus the file paths its package ships.
type Entry struct {
	pkgcache.Record
	Files []string
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	db.Exec("PRAGMA synchronous = OFF")
	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA busy_timeout = 60000")

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS META(name TEXT COLLATE NOCASE PRIMARY KEY, value TEXT);
INSERT OR IGNORE INTO META VALUES('schema', 1);
INSERT OR IGNORE INTO META VALUES('application', 'pkgcache');
CREATE TABLE IF NOT EXISTS sources(id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			site TEXT NOT NULL DEFAULT '',
			flags INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			mtime INTEGER NOT NULL DEFAULT 0);
CREATE TABLE IF NOT EXISTS packages(id INTEGER PRIMARY KEY,
			source INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			arch TEXT NOT NULL DEFAULT '',
			hash INTEGER NOT NULL DEFAULT 0,
			flags INTEGER NOT NULL DEFAULT 0,
			installed INTEGER NOT NULL DEFAULT 0,
			offset INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			UNIQUE (source, seq));
CREATE TABLE IF NOT EXISTS depends(package INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			op INTEGER NOT NULL DEFAULT 0,
			type INTEGER NOT NULL DEFAULT 1);
CREATE TABLE IF NOT EXISTS provides(package INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '');
CREATE TABLE IF NOT EXISTS files(package INTEGER NOT NULL,
			path TEXT NOT NULL);
CREATE INDEX IF NOT EXISTS depends_package ON depends(package);
CREATE INDEX IF NOT EXISTS provides_package ON provides(package);
CREATE INDEX IF NOT EXISTS files_package ON files(package);
CREATE TRIGGER IF NOT EXISTS cleanup_packages AFTER DELETE ON packages FOR EACH ROW
BEGIN
			DELETE FROM depends WHERE package=OLD.id;
			DELETE FROM provides WHERE package=OLD.id;
			DELETE FROM files WHERE package=OLD.id;
END;
			`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create record store schema: %w", err)
	}

	var schema string
	if err := db.QueryRow("SELECT value FROM META WHERE name='schema'").Scan(&schema); err != nil {
		db.Close()
		return nil, err
	}
	if v, err := strconv.Atoi(schema); err != nil || v > schemaVersion {
		db.Close()
		return nil, errors.New("unsupported record store version, please upgrade")
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Sources lists the names of the sources in the store.
func (s *Store) Sources() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM sources ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Put replaces the contents of src with entries. The source's size and
// modification stamp change on every call.
func (s *Store) Put(src Source, entries []Entry) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id, prevMTime int64
	switch err = tx.QueryRow("SELECT id, mtime FROM sources WHERE name=?", src.Name).Scan(&id, &prevMTime); {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.Exec("INSERT INTO sources(name, site, flags) VALUES(?, ?, ?)", src.Name, src.Site, src.Flags)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if _, err = tx.Exec("DELETE FROM packages WHERE source=?", id); err != nil {
		return err
	}

	var size int64
	for seq, e := range entries {
		res, err := tx.Exec(`INSERT INTO packages(source, seq, name, version, arch, hash, flags, installed, offset, size)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, seq, e.Package, e.Version, e.Arch, int64(e.Hash), e.Flags, e.Installed, int64(e.Offset), e.Size)
		if err != nil {
			return err
		}
		pkg, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for i, d := range e.Depends {
			if _, err := tx.Exec("INSERT INTO depends VALUES(?, ?, ?, ?, ?, ?)", pkg, i, d.Name, d.Version, d.Op, d.Type); err != nil {
				return err
			}
		}
		for i, p := range e.Provides {
			if _, err := tx.Exec("INSERT INTO provides VALUES(?, ?, ?, ?)", pkg, i, p.Name, p.Version); err != nil {
				return err
			}
		}
		for _, f := range e.Files {
			if _, err := tx.Exec("INSERT INTO files VALUES(?, ?)", pkg, f); err != nil {
				return err
			}
		}
		size += int64(e.Size)
		if e.Size == 0 {
			size++
		}
	}

	mtime := time.Now().UnixNano()
	if mtime <= prevMTime {
		mtime = prevMTime + 1
	}
	if _, err = tx.Exec("UPDATE sources SET site=?, flags=?, size=?, mtime=? WHERE id=?",
		src.Site, src.Flags, size, mtime, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a source and its records.
func (s *Store) Delete(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM packages WHERE source=(SELECT id FROM sources WHERE name=?)", name); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM sources WHERE name=?", name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Index returns the named source as an index file.
func (s *Store) Index(name string) *Index {
	return &Index{store: s, name: name}
}

// Index is one source of a Store.
type Index struct {
	store *Store
	name  string
}

var _ pkgcache.IndexFile = (*Index)(nil)

func (ix *Index) FileName() string  { return ix.store.path + "#" + ix.name }
func (ix *Index) IndexType() string { return IndexType }
func (ix *Index) Describe() string  { return ix.name + " (" + ix.store.path + ")" }

func (ix *Index) Site() string {
	var site string
	ix.store.db.QueryRow("SELECT site FROM sources WHERE name=?", ix.name).Scan(&site)
	return site
}

func (ix *Index) Flags() uint32 {
	var flags uint32
	ix.store.db.QueryRow("SELECT flags FROM sources WHERE name=?", ix.name).Scan(&flags)
	return flags
}

// Stat reports the source's total record size and modification stamp.
func (ix *Index) Stat() (pkgcache.SourceStat, error) {
	if _, err := os.Stat(ix.store.path); err != nil {
		return pkgcache.SourceStat{}, err
	}
	var size, mtime int64
	err := ix.store.db.QueryRow("SELECT size, mtime FROM sources WHERE name=?", ix.name).Scan(&size, &mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return pkgcache.SourceStat{}, fmt.Errorf("source %s: %w", ix.name, fs.ErrNotExist)
	}
	if err != nil {
		return pkgcache.SourceStat{}, err
	}
	return pkgcache.SourceStat{Size: uint64(size), MTime: mtime}, nil
}

// Open returns a cursor over the source's records in insertion order.
func (ix *Index) Open() (pkgcache.ListParser, error) {
	var id int64
	if err := ix.store.db.QueryRow("SELECT id FROM sources WHERE name=?", ix.name).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source %s: %w", ix.name, fs.ErrNotExist)
		}
		return nil, err
	}
	p := &parser{db: ix.store.db, source: id}
	if err := p.Rewind(); err != nil {
		return nil, err
	}
	return p, nil
}
