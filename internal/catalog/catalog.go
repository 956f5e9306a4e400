// Package catalog is the durable metadata store for published package
// versions. It is backed by SQLite through database/sql; the
// (name, version) uniqueness invariant lives in the engine as a UNIQUE
// constraint, so InsertIfAbsent has no check-then-insert window.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/keithlinneman/linnemanlabs-registry/internal/xerrors"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrConflict is returned by InsertIfAbsent when a record already
// exists for the (name, version) key. It is the sole source of truth
// for publish conflict detection.
var ErrConflict = errors.New("package version already exists")

// Record is the metadata row for one published package version.
// Immutable once created except for the download counter.
type Record struct {
	ID          string
	Name        string
	Version     string
	Description string
	Tags        []string
	Author      string
	CreatedAt   time.Time
	Downloads   int64
	Checksum    string
	Size        int64
}

// PackageStats aggregates every version sharing one package name.
type PackageStats struct {
	Name           string
	TotalDownloads int64
	VersionCount   int
	LastUpdated    time.Time
	VersionCounts  map[string]int64
}

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id          TEXT NOT NULL,
	name        TEXT NOT NULL,
	version     TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	author      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	downloads   INTEGER NOT NULL DEFAULT 0,
	checksum    TEXT NOT NULL,
	size        INTEGER NOT NULL,
	UNIQUE (name, version)
);
CREATE INDEX IF NOT EXISTS idx_packages_name ON packages (name);
`

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path and
// applies the schema. Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, xerrors.New("catalog database path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open catalog db %s", path)
	}
	if path == ":memory:" {
		// a second connection would see a different empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(err, "apply catalog schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertIfAbsent creates the record atomically. The engine's UNIQUE
// constraint arbitrates concurrent publishers: exactly one insert
// succeeds, every other caller gets ErrConflict.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *Record) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return xerrors.Wrap(err, "encode tags")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packages (id, name, version, description, tags, author, created_at, downloads, checksum, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rec.ID, rec.Name, rec.Version, rec.Description, string(tags),
		rec.Author, rec.CreatedAt.UnixNano(), rec.Checksum, rec.Size,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return xerrors.Wrapf(err, "insert record %s@%s", rec.Name, rec.Version)
	}
	return nil
}

// Get returns the record for the exact key, or nil when absent.
func (s *Store) Get(ctx context.Context, name, version string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, description, tags, author, created_at, downloads, checksum, size
		FROM packages WHERE name = ? AND version = ?`, name, version)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "get record %s@%s", name, version)
	}
	return rec, nil
}

// List returns the filtered page of records and the total filtered
// count. The search term matches case-insensitively against name or
// description substrings, or a tag exactly. Pagination applies after
// filtering; callers pass sanitized page/pageSize.
func (s *Store) List(ctx context.Context, search string, page, pageSize int) ([]*Record, int, error) {
	where := "1=1"
	args := []any{}
	if search != "" {
		where = `(instr(lower(name), lower(?)) > 0
			OR instr(lower(description), lower(?)) > 0
			OR EXISTS (SELECT 1 FROM json_each(packages.tags) WHERE lower(json_each.value) = lower(?)))`
		args = append(args, search, search, search)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM packages WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(err, "count records")
	}

	query := `
		SELECT id, name, version, description, tags, author, created_at, downloads, checksum, size
		FROM packages WHERE ` + where + `
		ORDER BY created_at, name, version
		LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, xerrors.Wrap(err, "list records")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, xerrors.Wrap(err, "scan record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, xerrors.Wrap(err, "iterate records")
	}
	return out, total, nil
}

// ListVersions returns version strings for name, most recently
// published first. Empty slice when the package has no versions.
func (s *Store) ListVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version FROM packages WHERE name = ? ORDER BY created_at DESC", name)
	if err != nil {
		return nil, xerrors.Wrapf(err, "list versions of %s", name)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, xerrors.Wrap(err, "scan version")
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "iterate versions")
	}
	return versions, nil
}

// All returns every record ordered by key, for reconciliation sweeps.
func (s *Store) All(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, description, tags, author, created_at, downloads, checksum, size
		FROM packages ORDER BY name, version`)
	if err != nil {
		return nil, xerrors.Wrap(err, "list all records")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(err, "scan record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "iterate records")
	}
	return out, nil
}

// Remove deletes the record and reports whether one existed.
func (s *Store) Remove(ctx context.Context, name, version string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM packages WHERE name = ? AND version = ?", name, version)
	if err != nil {
		return false, xerrors.Wrapf(err, "delete record %s@%s", name, version)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// IncrementDownloads atomically bumps the counter by one. A missing
// record is a no-op, not an error.
func (s *Store) IncrementDownloads(ctx context.Context, name, version string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE packages SET downloads = downloads + 1 WHERE name = ? AND version = ?",
		name, version)
	if err != nil {
		return xerrors.Wrapf(err, "increment downloads %s@%s", name, version)
	}
	return nil
}

// Stats aggregates all versions of name, or returns nil when none
// exist.
func (s *Store) Stats(ctx context.Context, name string) (*PackageStats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, downloads, created_at FROM packages WHERE name = ?", name)
	if err != nil {
		return nil, xerrors.Wrapf(err, "stats for %s", name)
	}
	defer rows.Close()

	stats := &PackageStats{Name: name, VersionCounts: map[string]int64{}}
	for rows.Next() {
		var version string
		var downloads, createdNanos int64
		if err := rows.Scan(&version, &downloads, &createdNanos); err != nil {
			return nil, xerrors.Wrap(err, "scan stats row")
		}
		stats.VersionCount++
		stats.TotalDownloads += downloads
		stats.VersionCounts[version] = downloads
		if created := time.Unix(0, createdNanos).UTC(); created.After(stats.LastUpdated) {
			stats.LastUpdated = created
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "iterate stats rows")
	}
	if stats.VersionCount == 0 {
		return nil, nil
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var tags string
	var createdNanos int64
	if err := row.Scan(
		&rec.ID, &rec.Name, &rec.Version, &rec.Description, &tags,
		&rec.Author, &createdNanos, &rec.Downloads, &rec.Checksum, &rec.Size,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, xerrors.Wrap(err, "decode tags")
	}
	rec.CreatedAt = time.Unix(0, createdNanos).UTC()
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
