package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite volume index: resources, properties, blob and
// named-file metadata.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the index database at the given path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db: index path required")
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: sqlDB}
	if err := store.applyPragmas(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Flush forces a WAL checkpoint to durably persist changes.
func (s *Store) Flush() error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS resources (
			directory TEXT NOT NULL,
			guid TEXT NOT NULL,
			state TEXT NOT NULL,
			PRIMARY KEY(directory, guid)
		)`,
		`CREATE TABLE IF NOT EXISTS properties (
			directory TEXT NOT NULL,
			guid TEXT NOT NULL,
			prop TEXT NOT NULL,
			value TEXT NOT NULL,
			mtime INTEGER NOT NULL,
			seqno INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(directory, guid, prop)
		)`,
		`CREATE INDEX IF NOT EXISTS properties_seqno_idx ON properties(seqno)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			digest TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			content_length INTEGER NOT NULL,
			disposition TEXT,
			seqno INTEGER NOT NULL DEFAULT 0,
			checksum TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS blobs_seqno_idx ON blobs(seqno)`,
		`CREATE TABLE IF NOT EXISTS named_files (
			dir TEXT NOT NULL,
			path TEXT NOT NULL,
			content_type TEXT NOT NULL,
			content_length INTEGER NOT NULL,
			seqno INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(dir, path)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// PutProps upserts the resource row and the given properties in one
// transaction. Properties already present are replaced.
func (s *Store) PutProps(ctx context.Context, directory, guid, state string, props map[string]Meta) error {
	if directory == "" || guid == "" {
		return errors.New("db: directory and guid required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `
INSERT INTO resources(directory, guid, state) VALUES(?, ?, ?)
ON CONFLICT(directory, guid) DO UPDATE SET state=excluded.state`,
		directory, guid, state); err != nil {
		return err
	}
	for prop, meta := range props {
		var value []byte
		value, err = json.Marshal(meta.Value)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO properties(directory, guid, prop, value, mtime, seqno)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(directory, guid, prop) DO UPDATE SET
	value=excluded.value,
	mtime=excluded.mtime,
	seqno=excluded.seqno`,
			directory, guid, prop, string(value), meta.Mtime, meta.Seqno); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadResource returns all properties of one resource.
func (s *Store) LoadResource(ctx context.Context, directory, guid string) (*Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT prop, value, mtime, seqno FROM properties
WHERE directory=? AND guid=?`, directory, guid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := &Resource{GUID: guid, Directory: directory, Props: make(map[string]Meta)}
	for rows.Next() {
		var (
			prop, raw    string
			mtime, seqno int64
		)
		if err := rows.Scan(&prop, &raw, &mtime, &seqno); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, err
		}
		res.Props[prop] = Meta{Value: value, Mtime: mtime, Seqno: seqno}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res.Props) == 0 {
		return nil, sql.ErrNoRows
	}
	return res, nil
}

// ResourceExists reports existence, optionally including tombstones.
func (s *Store) ResourceExists(ctx context.Context, directory, guid string, includeDeleted bool) (bool, error) {
	query := "SELECT 1 FROM resources WHERE directory=? AND guid=?"
	if !includeDeleted {
		query += " AND state != 'deleted'"
	}
	var one int
	err := s.db.QueryRowContext(ctx, query, directory, guid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListGUIDs returns guids of a directory in stable (lexicographic) order.
// A non-empty fullText narrows to resources whose full-text properties
// contain the term.
func (s *Store) ListGUIDs(ctx context.Context, directory string, includeDeleted bool, fullText []string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	query := "SELECT guid FROM resources WHERE directory=?"
	args := []any{directory}
	if !includeDeleted {
		query += " AND state != 'deleted'"
	}
	for _, prop := range fullText {
		query += " AND EXISTS (SELECT 1 FROM properties p WHERE p.directory=resources.directory AND p.guid=resources.guid AND p.value LIKE ? ESCAPE '\\')"
		args = append(args, "%"+escapeLike(prop)+"%")
	}
	query += " ORDER BY guid"
	rows, err = s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, err
		}
		out = append(out, guid)
	}
	return out, rows.Err()
}

// GUIDsInRange returns guids of a directory with any property seqno inside
// [lo, hi], ordered by their max in-window seqno so partial transfers cover
// a contiguous prefix of the window.
func (s *Store) GUIDsInRange(ctx context.Context, directory string, lo, hi int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT guid FROM properties
WHERE directory=? AND seqno BETWEEN ? AND ?
GROUP BY guid
ORDER BY MAX(seqno), guid`, directory, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, err
		}
		out = append(out, guid)
	}
	return out, rows.Err()
}

// BlobMeta describes a stored blob payload.
type BlobMeta struct {
	Digest        string `json:"digest"`
	ContentType   string `json:"content-type,omitempty"`
	ContentLength int64  `json:"content-length"`
	Disposition   string `json:"content-disposition,omitempty"`
	Seqno         int64  `json:"x-seqno,omitempty"`
	Checksum      string `json:"x-checksum,omitempty"`
}

// PutBlobMeta inserts or updates blob metadata.
func (s *Store) PutBlobMeta(ctx context.Context, meta BlobMeta) error {
	if meta.Digest == "" {
		return errors.New("db: blob digest required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blobs(digest, content_type, content_length, disposition, seqno, checksum)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(digest) DO UPDATE SET
	content_type=excluded.content_type,
	content_length=excluded.content_length,
	disposition=excluded.disposition,
	seqno=excluded.seqno,
	checksum=excluded.checksum`,
		meta.Digest, meta.ContentType, meta.ContentLength, meta.Disposition, meta.Seqno, meta.Checksum)
	return err
}

// GetBlobMeta returns metadata for a digest.
func (s *Store) GetBlobMeta(ctx context.Context, digest string) (*BlobMeta, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT digest, content_type, content_length, COALESCE(disposition, ''), seqno, COALESCE(checksum, '')
FROM blobs WHERE digest=?`, digest)
	var meta BlobMeta
	if err := row.Scan(&meta.Digest, &meta.ContentType, &meta.ContentLength, &meta.Disposition, &meta.Seqno, &meta.Checksum); err != nil {
		return nil, err
	}
	return &meta, nil
}

// DeleteBlobMeta removes blob metadata.
func (s *Store) DeleteBlobMeta(ctx context.Context, digest string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE digest=?", digest)
	return err
}

// BlobsInRange returns blob metadata with seqno inside [lo, hi].
func (s *Store) BlobsInRange(ctx context.Context, lo, hi int64) ([]BlobMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT digest, content_type, content_length, COALESCE(disposition, ''), seqno, COALESCE(checksum, '')
FROM blobs WHERE seqno BETWEEN ? AND ?
ORDER BY digest`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BlobMeta
	for rows.Next() {
		var meta BlobMeta
		if err := rows.Scan(&meta.Digest, &meta.ContentType, &meta.ContentLength, &meta.Disposition, &meta.Seqno, &meta.Checksum); err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// AllBlobDigests lists every stored blob digest.
func (s *Store) AllBlobDigests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT digest FROM blobs ORDER BY digest")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return nil, err
		}
		out = append(out, digest)
	}
	return out, rows.Err()
}

// FileMeta describes a named distribution file under files/<dir>/<path>.
type FileMeta struct {
	Dir           string `json:"dir"`
	Path          string `json:"path"`
	ContentType   string `json:"content-type,omitempty"`
	ContentLength int64  `json:"content-length"`
	Seqno         int64  `json:"x-seqno,omitempty"`
}

// PutFileMeta inserts or updates named file metadata.
func (s *Store) PutFileMeta(ctx context.Context, meta FileMeta) error {
	if meta.Dir == "" || meta.Path == "" {
		return errors.New("db: file dir and path required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO named_files(dir, path, content_type, content_length, seqno)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(dir, path) DO UPDATE SET
	content_type=excluded.content_type,
	content_length=excluded.content_length,
	seqno=excluded.seqno`,
		meta.Dir, meta.Path, meta.ContentType, meta.ContentLength, meta.Seqno)
	return err
}

// GetFileMeta returns metadata for one named file.
func (s *Store) GetFileMeta(ctx context.Context, dir, path string) (*FileMeta, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT dir, path, content_type, content_length, seqno
FROM named_files WHERE dir=? AND path=?`, dir, path)
	var meta FileMeta
	if err := row.Scan(&meta.Dir, &meta.Path, &meta.ContentType, &meta.ContentLength, &meta.Seqno); err != nil {
		return nil, err
	}
	return &meta, nil
}

// FilesInRange returns named files of a directory with seqno inside [lo, hi].
func (s *Store) FilesInRange(ctx context.Context, dir string, lo, hi int64) ([]FileMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT dir, path, content_type, content_length, seqno
FROM named_files WHERE dir=? AND seqno BETWEEN ? AND ?
ORDER BY path`, dir, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileMeta
	for rows.Next() {
		var meta FileMeta
		if err := rows.Scan(&meta.Dir, &meta.Path, &meta.ContentType, &meta.ContentLength, &meta.Seqno); err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// TombstonesBefore returns deleted resources whose newest property is older
// than the cutoff; used by offline housekeeping only.
func (s *Store) TombstonesBefore(ctx context.Context, directory string, cutoff int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.guid FROM resources r
WHERE r.directory=? AND r.state='deleted'
AND NOT EXISTS (
	SELECT 1 FROM properties p
	WHERE p.directory=r.directory AND p.guid=r.guid AND p.mtime >= ?
)
ORDER BY r.guid`, directory, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, err
		}
		out = append(out, guid)
	}
	return out, rows.Err()
}

// DropResource physically removes a resource row and its properties.
// Only housekeeping calls this; replication always keeps tombstones.
func (s *Store) DropResource(ctx context.Context, directory, guid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM properties WHERE directory=? AND guid=?", directory, guid); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM resources WHERE directory=? AND guid=?", directory, guid); err != nil {
		return err
	}
	return tx.Commit()
}

// AllPropertyValues streams every stored property value of a directory; the
// housekeeping pass uses it to find live blob references.
func (s *Store) AllPropertyValues(ctx context.Context, directory string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT value FROM properties WHERE directory=?", directory)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
