// Package postgres provides the Postgres-backed crawler.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

const defaultQueryLimit = 50

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

type scanner interface {
	Scan(dest ...any) error
}

// Store persists pages, learning bits, and cross references in Postgres.
type Store struct {
	pool querier
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	id            BIGSERIAL PRIMARY KEY,
	url           TEXT NOT NULL UNIQUE,
	domain        TEXT NOT NULL,
	path          TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	text_content  TEXT NOT NULL DEFAULT '',
	status_code   INTEGER NOT NULL,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	depth         INTEGER NOT NULL DEFAULT 0,
	parent_url    TEXT NOT NULL DEFAULT '',
	used_headless BOOLEAN NOT NULL DEFAULT FALSE,
	blob_uri      TEXT NOT NULL DEFAULT '',
	fetched_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS learning_bits (
	id              BIGSERIAL PRIMARY KEY,
	fingerprint     TEXT NOT NULL UNIQUE,
	kind            TEXT NOT NULL,
	category        TEXT NOT NULL,
	subcategory     TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	context         TEXT NOT NULL DEFAULT '',
	importance      DOUBLE PRECISION NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	complexity      TEXT NOT NULL,
	source_url      TEXT NOT NULL,
	domain          TEXT NOT NULL,
	tags            TEXT[] NOT NULL DEFAULT '{}',
	reference_count INTEGER NOT NULL DEFAULT 1,
	access_count    INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS learning_bits_category_idx ON learning_bits (category, kind);
CREATE INDEX IF NOT EXISTS learning_bits_domain_idx ON learning_bits (domain);
CREATE TABLE IF NOT EXISTS cross_references (
	source_id BIGINT NOT NULL REFERENCES learning_bits (id) ON DELETE CASCADE,
	target_id BIGINT NOT NULL REFERENCES learning_bits (id) ON DELETE CASCADE,
	kind      TEXT NOT NULL,
	strength  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (source_id, target_id)
);`

// EnsureSchema creates the tables and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertPage inserts or refreshes a page keyed by URL.
func (s *Store) UpsertPage(ctx context.Context, page crawler.CrawledPage) (int64, error) {
	const query = `
INSERT INTO pages (
	url, domain, path, title, text_content, status_code, latency_ms,
	depth, parent_url, used_headless, blob_uri, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (url) DO UPDATE SET
	title = EXCLUDED.title,
	text_content = EXCLUDED.text_content,
	status_code = EXCLUDED.status_code,
	latency_ms = EXCLUDED.latency_ms,
	used_headless = EXCLUDED.used_headless,
	blob_uri = EXCLUDED.blob_uri,
	fetched_at = EXCLUDED.fetched_at
RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, query,
		page.URL,
		page.Domain,
		page.Path,
		page.Title,
		page.Text,
		page.StatusCode,
		page.Latency.Milliseconds(),
		page.Depth,
		page.ParentURL,
		page.UsedHeadless,
		page.BlobURI,
		page.FetchedAt,
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
	refs := bit.ReferenceCount
	if refs <= 0 {
		refs = 1
	}
	tags := bit.Tags
	if tags == nil {
		tags = []string{}
	}
	query := `
INSERT INTO learning_bits (
	fingerprint, kind, category, subcategory, content, context, importance,
	confidence, complexity, source_url, domain, tags, reference_count,
	access_count, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,0,$14,$15)
ON CONFLICT (fingerprint) DO UPDATE SET
	reference_count = learning_bits.reference_count + EXCLUDED.reference_count,
	access_count = learning_bits.access_count + 1,
	updated_at = EXCLUDED.updated_at
RETURNING ` + bitColumns + `, (xmax = 0) AS inserted`

	row := s.pool.QueryRow(ctx, query,
		bit.Fingerprint,
		string(bit.Kind),
		bit.Category,
		bit.Subcategory,
		bit.Content,
		bit.Context,
		bit.Importance,
		bit.Confidence,
		string(bit.Complexity),
		bit.SourceURL,
		bit.Domain,
		tags,
		refs,
		bit.CreatedAt,
		bit.UpdatedAt,
	)
	var inserted bool
	stored, err := scanBit(row, &inserted)
	if err != nil {
		return crawler.LearningBit{}, false, fmt.Errorf("upsert learning bit: %w", err)
	}
	return stored, inserted, nil
}

// UpsertCrossReference writes both directions of ref in one statement.
func (s *Store) UpsertCrossReference(ctx context.Context, ref crawler.CrossReference) error {
	const query = `
INSERT INTO cross_references (source_id, target_id, kind, strength)
VALUES ($1,$2,$3,$4), ($2,$1,$3,$4)
ON CONFLICT (source_id, target_id) DO UPDATE SET
	kind = EXCLUDED.kind,
	strength = EXCLUDED.strength`
	if _, err := s.pool.Exec(ctx, query, ref.SourceID, ref.TargetID, string(ref.Kind), ref.Strength); err != nil {
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
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.Category != "" {
		add("category = $%d", q.Category)
	}
	if q.Kind != "" {
		add("kind = $%d", string(q.Kind))
	}
	if q.ExcludeKind != "" {
		add("kind <> $%d", string(q.ExcludeKind))
	}
	if q.Subcategory != "" {
		add("subcategory = $%d", q.Subcategory)
	}
	if q.Complexity != "" {
		add("complexity = $%d", string(q.Complexity))
	}
	if q.Domain != "" {
		add("domain = $%d", q.Domain)
	}
	if q.MinImportance > 0 {
		add("importance >= $%d", q.MinImportance)
	}
	if q.ExcludeID != 0 {
		add("id <> $%d", q.ExcludeID)
	}
	return s.selectBits(ctx, where, args, q.Limit)
}

// QueryBitsByDomain returns the most important bits extracted from domain.
func (s *Store) QueryBitsByDomain(ctx context.Context, domain string, limit int) ([]crawler.LearningBit, error) {
	return s.QueryBits(ctx, crawler.BitQuery{Domain: domain, Limit: limit})
}

// SearchBits returns bits whose content or context contains every term of text.
func (s *Store) SearchBits(ctx context.Context, text string, limit int) ([]crawler.LearningBit, error) {
	terms := strings.Fields(text)
	if len(terms) == 0 {
		return nil, nil
	}
	where := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms))
	for _, term := range terms {
		args = append(args, "%"+escapeLike(term)+"%")
		where = append(where, fmt.Sprintf("(content || ' ' || context) ILIKE $%d", len(args)))
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
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY importance DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query learning bits: %w", err)
	}
	defer rows.Close()
	var out []crawler.LearningBit
	for rows.Next() {
		b, err := scanBit(rows, nil)
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
	row := s.pool.QueryRow(ctx, "SELECT "+bitColumns+" FROM learning_bits WHERE id = $1", id)
	b, err := scanBit(row, nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.LearningBit{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.LearningBit{}, fmt.Errorf("get learning bit %d: %w", id, err)
	}
	return b, nil
}

// CrossReferences lists edges leaving bitID, strongest first.
func (s *Store) CrossReferences(ctx context.Context, bitID int64) ([]crawler.CrossReference, error) {
	const query = `
SELECT source_id, target_id, kind, strength
FROM cross_references
WHERE source_id = $1
ORDER BY strength DESC, target_id ASC`
	rows, err := s.pool.Query(ctx, query, bitID)
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

func scanBit(row scanner, inserted *bool) (crawler.LearningBit, error) {
	var (
		b                crawler.LearningBit
		kind, complexity string
	)
	dest := []any{
		&b.ID, &b.Fingerprint, &kind, &b.Category, &b.Subcategory, &b.Content, &b.Context,
		&b.Importance, &b.Confidence, &complexity, &b.SourceURL, &b.Domain, &b.Tags,
		&b.ReferenceCount, &b.AccessCount, &b.CreatedAt, &b.UpdatedAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return crawler.LearningBit{}, err
	}
	b.Kind = crawler.BitKind(kind)
	b.Complexity = crawler.Complexity(complexity)
	return b, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
