// Package catalog implements the durable metadata index of §4.4: a
// single-file embedded database (mattn/go-sqlite3, matching the
// "<data_dir>/db.sqlite" layout of §6) mapping human names and content keys
// to shard manifests and health state. All operations serialise through an
// internal mutex and are fully durable — a write is not acknowledged until
// it is flushed to stable storage (§4.4, §5).
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	name              TEXT NOT NULL,
	content_key       TEXT NOT NULL,
	original_name     TEXT NOT NULL,
	size              INTEGER NOT NULL,
	uploaded_at       TEXT NOT NULL,
	owner_fingerprint TEXT NOT NULL,
	tags              TEXT NOT NULL,
	manifest          TEXT NOT NULL,
	healthy_shards    INTEGER NOT NULL,
	total_shards      INTEGER NOT NULL,
	PRIMARY KEY (owner_fingerprint, name)
);
CREATE INDEX IF NOT EXISTS idx_files_content_key ON files(content_key);
`

// Catalog is the durable metadata index. All exported methods are safe for
// concurrent use; calls acquire an internal lock and are fully serialised,
// so callers must assume any operation may block briefly (§4.4 Concurrency).
type Catalog struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and ensures the
// schema exists.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("opening catalog db: %w", err)
	}
	db.SetMaxOpenConns(1) // the actual serialisation is our mutex; this just avoids sqlite lock contention
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func validateName(name string) error {
	if name == "" || len(name) > 255 || strings.ContainsRune(name, '\x00') || strings.ContainsAny(name, "/\\") {
		return dmerrors.ErrInvalidName
	}
	return nil
}

// PutFile stores a new catalog row; fails with ErrAlreadyExists if name is
// already taken by the same owner (§4.4 put_file).
func (c *Catalog) PutFile(entry domain.FileEntry) error {
	if err := validateName(entry.Name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var exists int
	row := c.db.QueryRow(`SELECT COUNT(1) FROM files WHERE owner_fingerprint = ? AND name = ?`,
		entry.OwnerFingerprint, entry.Name)
	if err := row.Scan(&exists); err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}
	if exists > 0 {
		return dmerrors.ErrAlreadyExists
	}

	manifestJSON, err := json.Marshal(entry.Manifest)
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}
	tagsJSON, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}

	_, err = c.db.Exec(`INSERT INTO files
		(name, content_key, original_name, size, uploaded_at, owner_fingerprint, tags, manifest, healthy_shards, total_shards)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Name, entry.ContentKey, entry.OriginalName, entry.Size,
		// Fixed-width fraction so ORDER BY uploaded_at sorts chronologically.
		entry.UploadedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), entry.OwnerFingerprint,
		string(tagsJSON), string(manifestJSON), entry.HealthyShards, entry.TotalShards)
	if err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}
	return nil
}

func scanEntry(row interface {
	Scan(dest ...interface{}) error
}) (domain.FileEntry, error) {
	var e domain.FileEntry
	var uploadedAt, tagsJSON, manifestJSON string
	if err := row.Scan(&e.Name, &e.ContentKey, &e.OriginalName, &e.Size, &uploadedAt,
		&e.OwnerFingerprint, &tagsJSON, &manifestJSON, &e.HealthyShards, &e.TotalShards); err != nil {
		return domain.FileEntry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, uploadedAt)
	if err != nil {
		return domain.FileEntry{}, err
	}
	e.UploadedAt = t
	if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
		return domain.FileEntry{}, err
	}
	if err := json.Unmarshal([]byte(manifestJSON), &e.Manifest); err != nil {
		return domain.FileEntry{}, err
	}
	return e, nil
}

const selectColumns = `name, content_key, original_name, size, uploaded_at, owner_fingerprint, tags, manifest, healthy_shards, total_shards`

// GetFileByName looks up an entry by owner+name (§4.4 get_file_by_name).
func (c *Catalog) GetFileByName(owner, name string) (domain.FileEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT `+selectColumns+` FROM files WHERE owner_fingerprint = ? AND name = ?`, owner, name)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return domain.FileEntry{}, false, nil
	}
	if err != nil {
		return domain.FileEntry{}, false, dmerrors.Wrap(dmerrors.KindIO, err)
	}
	return e, true, nil
}

// GetFileByKey looks up an entry by its 64-hex content key (§4.4
// get_file_by_key — "hex recognised when length equals 64").
func (c *Catalog) GetFileByKey(hexKey string) (domain.FileEntry, bool, error) {
	if len(hexKey) != 64 {
		return domain.FileEntry{}, false, dmerrors.ErrMalformedKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT `+selectColumns+` FROM files WHERE content_key = ?`, hexKey)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return domain.FileEntry{}, false, nil
	}
	if err != nil {
		return domain.FileEntry{}, false, dmerrors.Wrap(dmerrors.KindIO, err)
	}
	return e, true, nil
}

// ListFiles lists entries for an owner, optionally filtered to those
// carrying every tag in tagFilter, ordered by upload time descending (§4.4
// list_files).
func (c *Catalog) ListFiles(owner string, tagFilter []string) ([]domain.FileEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT `+selectColumns+` FROM files WHERE owner_fingerprint = ? ORDER BY uploaded_at DESC`, owner)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.KindIO, err)
	}
	defer rows.Close()

	var out []domain.FileEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, dmerrors.Wrap(dmerrors.KindIO, err)
		}
		if hasAllTags(e.Tags, tagFilter) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func hasAllTags(tags, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// Search matches a case-insensitive substring (or, if regex is true, a
// regular expression) against name, original filename, or any tag (§4.4
// search).
func (c *Catalog) Search(owner, query string, useRegex bool) ([]domain.FileEntry, error) {
	if query == "" {
		return nil, dmerrors.ErrEmptyQuery
	}

	var matcher func(s string) bool
	if useRegex {
		re, err := regexp.Compile("(?i)" + query)
		if err != nil {
			return nil, dmerrors.Wrap(dmerrors.KindInput, err)
		}
		matcher = re.MatchString
	} else {
		needle := strings.ToLower(query)
		matcher = func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }
	}

	all, err := c.ListFiles(owner, nil)
	if err != nil {
		return nil, err
	}

	var out []domain.FileEntry
	for _, e := range all {
		if matcher(e.Name) || matcher(e.OriginalName) {
			out = append(out, e)
			continue
		}
		for _, tag := range e.Tags {
			if matcher(tag) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// Rename changes a file entry's name, failing if the new name is taken
// (§4.4 rename, §8 rename idempotence law).
func (c *Catalog) Rename(owner, oldName, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var exists int
	if err := c.db.QueryRow(`SELECT COUNT(1) FROM files WHERE owner_fingerprint = ? AND name = ?`, owner, newName).Scan(&exists); err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}
	if exists > 0 {
		return dmerrors.ErrAlreadyExists
	}

	res, err := c.db.Exec(`UPDATE files SET name = ? WHERE owner_fingerprint = ? AND name = ?`, newName, owner, oldName)
	if err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}
	if n == 0 {
		return dmerrors.ErrUnknownName
	}
	return nil
}

// UpdateTags adds and removes tags from an entry's tag set (§4.4
// update_tags). Tags are stored as a set; insertion order is not
// significant.
func (c *Catalog) UpdateTags(owner, name string, add, remove []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT tags FROM files WHERE owner_fingerprint = ? AND name = ?`, owner, name)
	var tagsJSON string
	if err := row.Scan(&tagsJSON); err == sql.ErrNoRows {
		return dmerrors.ErrUnknownName
	} else if err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}

	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return fmt.Errorf("unmarshalling tags: %w", err)
	}

	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, t := range add {
		set[t] = struct{}{}
	}
	for _, t := range remove {
		delete(set, t)
	}
	merged := make([]string, 0, len(set))
	for t := range set {
		merged = append(merged, t)
	}

	newJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}

	res, err := c.db.Exec(`UPDATE files SET tags = ? WHERE owner_fingerprint = ? AND name = ?`, string(newJSON), owner, name)
	if err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}
	return checkRowsAffected(res)
}

// UpdateHealth records healthy/total shard counts after a health check
// (§4.4 update_health).
func (c *Catalog) UpdateHealth(owner, name string, healthy, total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`UPDATE files SET healthy_shards = ?, total_shards = ? WHERE owner_fingerprint = ? AND name = ?`,
		healthy, total, owner, name)
	if err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}
	return checkRowsAffected(res)
}

// Delete removes a file entry (explicit delete — §3 lifecycle).
func (c *Catalog) Delete(owner, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`DELETE FROM files WHERE owner_fingerprint = ? AND name = ?`, owner, name)
	if err != nil {
		return dmerrors.Wrap(dmerrors.KindIO, err)
	}
	return checkRowsAffected(res)
}

// Stats summarises the catalog (§4.4 stats).
func (c *Catalog) Stats(owner string) (domain.CatalogStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT COUNT(1), COALESCE(SUM(size),0) FROM files WHERE owner_fingerprint = ?`, owner)
	var stats domain.CatalogStats
	var totalBytes sql.NullInt64
	if err := row.Scan(&stats.FileCount, &totalBytes); err != nil {
		return domain.CatalogStats{}, dmerrors.Wrap(dmerrors.KindIO, err)
	}
	stats.TotalBytes = totalBytes.Int64

	if stats.FileCount == 0 {
		return stats, nil
	}

	row = c.db.QueryRow(`SELECT AVG(CAST(healthy_shards AS REAL) / NULLIF(total_shards, 0)) FROM files WHERE owner_fingerprint = ?`, owner)
	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return domain.CatalogStats{}, dmerrors.Wrap(dmerrors.KindIO, err)
	}
	stats.AverageHealth = avg.Float64
	return stats, nil
}

// FindSimilarBySize is an approximate duplicate probe (§4.4
// find_similar_by_size): it matches on size alone and must never be
// presented as content-based deduplication (SPEC_FULL.md Open Question #3).
func (c *Catalog) FindSimilarBySize(owner string, size int64) ([]domain.FileEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT `+selectColumns+` FROM files WHERE owner_fingerprint = ? AND size >= ? ORDER BY size ASC`, owner, size)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.KindIO, err)
	}
	defer rows.Close()

	var out []domain.FileEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, dmerrors.Wrap(dmerrors.KindIO, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
