// Package sqlite provides a single-file crawler.Store on modernc.org/sqlite,
// for local runs that want durable results without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

const defaultQueryLimit = 50

// Config locates the database file.
type Config struct {
	Path          string
	BusyTimeoutMS int
}

// Store persists crawl results in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed, applies pragmas, and migrates.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store.sqlite_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serializes writers and keeps per-connection pragmas in effect
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pages (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		url           TEXT NOT NULL UNIQUE,
		domain        TEXT NOT NULL,
		path          TEXT NOT NULL,
		title         TEXT NOT NULL DEFAULT '',
		text_content  TEXT NOT NULL DEFAULT '',
		status_code   INTEGER NOT NULL,
		latency_ms    INTEGER NOT NULL DEFAULT 0,
		depth         INTEGER NOT NULL DEFAULT 0,
		parent_url    TEXT NOT NULL DEFAULT '',
		used_headless INTEGER NOT NULL DEFAULT 0,
		blob_uri      TEXT NOT NULL DEFAULT '',
		fetched_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learning_bits (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint     TEXT NOT NULL UNIQUE,
		kind            TEXT NOT NULL,
		category        TEXT NOT NULL,
		subcategory     TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		context         TEXT NOT NULL DEFAULT '',
		importance      REAL NOT NULL,
		confidence      REAL NOT NULL,
		complexity      TEXT NOT NULL,
		source_url      TEXT NOT NULL,
		domain          TEXT NOT NULL,
		tags            TEXT NOT NULL DEFAULT '[]',
		reference_count INTEGER NOT NULL DEFAULT 1,
		access_count    INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS learning_bits_category_idx ON learning_bits (category, kind)`,
	`CREATE INDEX IF NOT EXISTS learning_bits_domain_idx ON learning_bits (domain)`,
	`CREATE TABLE IF NOT EXISTS cross_references (
		source_id INTEGER NOT NULL REFERENCES learning_bits (id) ON DELETE CASCADE,
		target_id INTEGER NOT NULL REFERENCES learning_bits (id) ON DELETE CASCADE,
		kind      TEXT NOT NULL,
		strength  REAL NOT NULL,
		PRIMARY KEY (source_id, target_id)
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// UpsertPage inserts or refreshes a page keyed by URL.
func (s *Store) UpsertPage(ctx context.Context, page crawler.CrawledPage) (int64, error) {
	const query = `
INSERT INTO pages (
	url, domain, path, title, text_content, status_code, latency_ms,
	depth, parent_url, used_headless, blob_uri, fetched_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (url) DO UPDATE SET
	title = excluded.title,
	text_content = excluded.text_content,
	status_code = excluded.status_code,
	latency_ms = excluded.latency_ms,
	used_headless = excluded.used_headless,
	blob_uri = excluded.blob_uri,
	fetched_at = excluded.fetched_at
RETURNING id`
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		page.URL, page.Domain, page.Path, page.Title, page.Text, page.StatusCode,
		page.Latency.Milliseconds(), page.Depth, page.ParentURL, page.UsedHeadless,
		page.BlobURI, page.FetchedAt.UnixNano(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert page %s: %w", page.URL, err)
	}
	return id, nil
}

const bitColumns = `id, fingerprint, kind, category, subcategory, content, context,
	importance, confidence, complexity, source_url, domain, tags,
	reference_count, access_count, created_at, updated_at`

// UpsertLearningBit inserts bit, or bumps the counters of the row that already
// carries its fingerprint.
func (s *Store) UpsertLearningBit(ctx context.Context, bit crawler.LearningBit) (crawler.LearningBit, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.LearningBit{}, false, fmt.Errorf("begin upsert learning bit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id      int64
		created bool
		refs    = max(bit.ReferenceCount, 1)
	)
	err = tx.QueryRowContext(ctx, "SELECT id FROM learning_bits WHERE fingerprint = ?", bit.Fingerprint).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		tags, err := json.Marshal(nonNil(bit.Tags))
		if err != nil {
			return crawler.LearningBit{}, false, fmt.Errorf("marshal tags: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO learning_bits (
	fingerprint, kind, category, subcategory, content, context, importance,
	confidence, complexity, source_url, domain, tags, reference_count,
	access_count, created_at, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,0,?,?)`,
			bit.Fingerprint, string(bit.Kind), bit.Category, bit.Subcategory, bit.Content,
			bit.Context, bit.Importance, bit.Confidence, string(bit.Complexity), bit.SourceURL,
			bit.Domain, string(tags), refs, bit.CreatedAt.UnixNano(), bit.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return crawler.LearningBit{}, false, fmt.Errorf("insert learning bit: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return crawler.LearningBit{}, false, fmt.Errorf("insert learning bit: %w", err)
		}
		created = true
	case err != nil:
		return crawler.LearningBit{}, false, fmt.Errorf("lookup learning bit: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
UPDATE learning_bits
SET reference_count = reference_count + ?, access_count = access_count + 1, updated_at = ?
WHERE id = ?`, refs, bit.UpdatedAt.UnixNano(), id)
		if err != nil {
			return crawler.LearningBit{}, false, fmt.Errorf("update learning bit: %w", err)
		}
	}

	stored, err := scanBit(tx.QueryRowContext(ctx, "SELECT "+bitColumns+" FROM learning_bits WHERE id = ?", id))
	if err != nil {
		return crawler.LearningBit{}, false, fmt.Errorf("reload learning bit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return crawler.LearningBit{}, false, fmt.Errorf("commit learning bit: %w", err)
	}
	return stored, created, nil
}

// UpsertCrossReference writes both directions of ref in one statement.
func (s *Store) UpsertCrossReference(ctx context.Context, ref crawler.CrossReference) error {
	const query = `
INSERT INTO cross_references (source_id, target_id, kind, strength)
VALUES (?1, ?2, ?3, ?4), (?2, ?1, ?3, ?4)
ON CONFLICT (source_id, target_id) DO UPDATE SET
	kind = excluded.kind,
	strength = excluded.strength`
	if _, err := s.db.ExecContext(ctx, query, ref.SourceID, ref.TargetID, string(ref.Kind), ref.Strength); err != nil {
		return fmt.Errorf("upsert cross reference %d-%d: %w", ref.SourceID, ref.TargetID, err)
	}
	return nil
}

// QueryBits returns bits matching q, most important first.
func (s *Store) QueryBits(ctx context.Context, q crawler.BitQuery) ([]crawler.LearningBit, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if q.Category != "" {
		add("category = ?", q.Category)
	}
	if q.Kind != "" {
		add("kind = ?", string(q.Kind))
	}
	if q.ExcludeKind != "" {
		add("kind <> ?", string(q.ExcludeKind))
	}
	if q.Subcategory != "" {
		add("subcategory = ?", q.Subcategory)
	}
	if q.Complexity != "" {
		add("complexity = ?", string(q.Complexity))
	}
	if q.Domain != "" {
		add("domain = ?", q.Domain)
	}
	if q.MinImportance > 0 {
		add("importance >= ?", q.MinImportance)
	}
	if q.ExcludeID != 0 {
		add("id <> ?", q.ExcludeID)
	}
	return s.selectBits(ctx, where, args, q.Limit)
}

// QueryBitsByDomain returns the most important bits extracted from domain.
func (s *Store) QueryBitsByDomain(ctx context.Context, domain string, limit int) ([]crawler.LearningBit, error) {
	return s.QueryBits(ctx, crawler.BitQuery{Domain: domain, Limit: limit})
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchBits returns bits whose content or context contains every term of text.
// LIKE is case-insensitive for ASCII only.
func (s *Store) SearchBits(ctx context.Context, text string, limit int) ([]crawler.LearningBit, error) {
	terms := strings.Fields(text)
	if len(terms) == 0 {
		return nil, nil
	}
	where := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms))
	for _, term := range terms {
		where = append(where, `(content || ' ' || context) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(term)+"%")
	}
	return s.selectBits(ctx, where, args, limit)
}

func (s *Store) selectBits(ctx context.Context, where []string, args []any, limit int) ([]crawler.LearningBit, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query := "SELECT " + bitColumns + " FROM learning_bits"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY importance DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query learning bits: %w", err)
	}
	defer rows.Close()
	var out []crawler.LearningBit
	for rows.Next() {
		b, err := scanBit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan learning bit: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learning bits: %w", err)
	}
	return out, nil
}

// GetBit fetches one bit by ID.
func (s *Store) GetBit(ctx context.Context, id int64) (crawler.LearningBit, error) {
	b, err := scanBit(s.db.QueryRowContext(ctx, "SELECT "+bitColumns+" FROM learning_bits WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.LearningBit{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.LearningBit{}, fmt.Errorf("get learning bit %d: %w", id, err)
	}
	return b, nil
}

// CrossReferences lists edges leaving bitID, strongest first.
func (s *Store) CrossReferences(ctx context.Context, bitID int64) ([]crawler.CrossReference, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, target_id, kind, strength
FROM cross_references
WHERE source_id = ?
ORDER BY strength DESC, target_id ASC`, bitID)
	if err != nil {
		return nil, fmt.Errorf("query cross references: %w", err)
	}
	defer rows.Close()
	var out []crawler.CrossReference
	for rows.Next() {
		var (
			ref  crawler.CrossReference
			kind string
		)
		if err := rows.Scan(&ref.SourceID, &ref.TargetID, &kind, &ref.Strength); err != nil {
			return nil, fmt.Errorf("scan cross reference: %w", err)
		}
		ref.Kind = crawler.RelationshipKind(kind)
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cross references: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBit(row scanner) (crawler.LearningBit, error) {
	var (
		b                    crawler.LearningBit
		kind, complexity     string
		tags                 string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&b.ID, &b.Fingerprint, &kind, &b.Category, &b.Subcategory, &b.Content, &b.Context,
		&b.Importance, &b.Confidence, &complexity, &b.SourceURL, &b.Domain, &tags,
		&b.ReferenceCount, &b.AccessCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return crawler.LearningBit{}, err
	}
	if err := json.Unmarshal([]byte(tags), &b.Tags); err != nil {
		return crawler.LearningBit{}, fmt.Errorf("decode tags: %w", err)
	}
	b.Kind = crawler.BitKind(kind)
	b.Complexity = crawler.Complexity(complexity)
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	b.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return b, nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
