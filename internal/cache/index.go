package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - builds table
const currentSchemaVersion = 1

// IndexFile is the index database name inside the cache root.
const IndexFile = "index.db"

// Index records which fingerprints were built, when, and how often they
// were reused. It is advisory: the .wasm files are the cache, and a lost
// index only loses history.
type Index struct {
	db  *sql.DB
	now func() time.Time
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) IndexOption {
	return func(ix *Index) { ix.now = now }
}

// Build describes one completed module build.
type Build struct {
	ID              string
	Fingerprint     string
	Flow            string
	Size            int
	Duration        time.Duration
	CompilerVersion string
}

// Entry is one row of the index.
type Entry struct {
	Fingerprint     string        `json:"fingerprint"`
	Flow            string        `json:"flow"`
	BuildID         string        `json:"build_id"`
	Size            int           `json:"size"`
	Duration        time.Duration `json:"duration_ns"`
	CompilerVersion string        `json:"compiler_version"`
	BuiltAt         time.Time     `json:"built_at"`
	Hits            int           `json:"hits"`
	LastUsedAt      time.Time     `json:"last_used_at"`
}

// NewBuildID returns a time-ordered build identifier.
func NewBuildID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// OpenIndex creates or opens the index database at path.
//
// The database is configured with:
//   - WAL mode so `flowc cache ls` can read during a build
//   - 5-second busy timeout for concurrent compiler processes
func OpenIndex(path string, opts ...IndexOption) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	ix := &Index{db: db, now: time.Now}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// RecordBuild stores a build. Rebuilding a fingerprint replaces its build
// columns and keeps the hit count.
func (ix *Index) RecordBuild(ctx context.Context, b Build) error {
	now := ix.now().UnixMilli()
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO builds
		(fingerprint, flow, build_id, size, duration_ms, compiler_version, built_at, hits, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			flow = excluded.flow,
			build_id = excluded.build_id,
			size = excluded.size,
			duration_ms = excluded.duration_ms,
			compiler_version = excluded.compiler_version,
			built_at = excluded.built_at,
			last_used_at = excluded.last_used_at
	`,
		b.Fingerprint,
		b.Flow,
		b.ID,
		b.Size,
		b.Duration.Milliseconds(),
		b.CompilerVersion,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("record build: %w", err)
	}
	return nil
}

// RecordHit counts a cache hit. Hits on fingerprints the index has never
// seen are ignored.
func (ix *Index) RecordHit(ctx context.Context, fp string) error {
	_, err := ix.db.ExecContext(ctx, `
		UPDATE builds SET hits = hits + 1, last_used_at = ? WHERE fingerprint = ?
	`, ix.now().UnixMilli(), fp)
	if err != nil {
		return fmt.Errorf("record hit: %w", err)
	}
	return nil
}

// List returns every entry ordered by flow name, newest build first.
func (ix *Index) List(ctx context.Context) ([]Entry, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT fingerprint, flow, build_id, size, duration_ms, compiler_version, built_at, hits, last_used_at
		FROM builds
		ORDER BY flow ASC, built_at DESC, fingerprint COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                       Entry
			durationMS, built, used int64
		)
		if err := rows.Scan(&e.Fingerprint, &e.Flow, &e.BuildID, &e.Size, &durationMS,
			&e.CompilerVersion, &built, &e.Hits, &used); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.BuiltAt = time.UnixMilli(built).UTC()
		e.LastUsedAt = time.UnixMilli(used).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return entries, nil
}

// Clear deletes every entry and returns how many were removed.
func (ix *Index) Clear(ctx context.Context) (int64, error) {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM builds`)
	if err != nil {
		return 0, fmt.Errorf("clear builds: %w", err)
	}
	return res.RowsAffected()
}
