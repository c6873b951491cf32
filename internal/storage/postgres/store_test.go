package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

var columns = []string{
	"id", "fingerprint", "kind", "category", "subcategory", "content", "context",
	"importance", "confidence", "complexity", "source_url", "domain", "tags",
	"reference_count", "access_count", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func sampleBit(now time.Time) crawler.LearningBit {
	return crawler.LearningBit{
		Fingerprint:    "fp1",
		Kind:           crawler.KindConcept,
		Category:       crawler.CategoryProgramming,
		Content:        "A closure captures variables.",
		Importance:     0.7,
		Confidence:     0.8,
		Complexity:     crawler.ComplexityBeginner,
		SourceURL:      "https://go.dev/doc",
		Domain:         "go.dev",
		Tags:           []string{"educational"},
		ReferenceCount: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func bitRow(b crawler.LearningBit, id int64, refs, access int) []any {
	return []any{
		id, b.Fingerprint, string(b.Kind), b.Category, b.Subcategory, b.Content, b.Context,
		b.Importance, b.Confidence, string(b.Complexity), b.SourceURL, b.Domain, b.Tags,
		refs, access, b.CreatedAt, b.UpdatedAt,
	}
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
	_, err = New(context.Background(), Config{})
	require.ErrorContains(t, err, "store.dsn is required")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pages").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPageReturnsID(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	page := crawler.CrawledPage{
		URL: "https://go.dev/doc/", Domain: "go.dev", Path: "/doc/", Title: "Docs",
		Text: "body", StatusCode: 200, Latency: 120 * time.Millisecond, FetchedAt: now,
	}
	mock.ExpectQuery("INSERT INTO pages").
		WithArgs(page.URL, page.Domain, page.Path, page.Title, page.Text, page.StatusCode,
			int64(120), page.Depth, page.ParentURL, false, page.BlobURI, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := store.UpsertPage(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLearningBitReportsCreation(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	b := sampleBit(now)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (fingerprint) DO UPDATE")).
		WithArgs(b.Fingerprint, "concept", b.Category, b.Subcategory, b.Content, b.Context,
			b.Importance, b.Confidence, "beginner", b.SourceURL, b.Domain, b.Tags, 1, now, now).
		WillReturnRows(pgxmock.NewRows(append(columns, "inserted")).
			AddRow(append(bitRow(b, 3, 1, 0), true)...))
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (fingerprint) DO UPDATE")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(append(columns, "inserted")).
			AddRow(append(bitRow(b, 3, 2, 1), false)...))

	stored, created, err := store.UpsertLearningBit(context.Background(), b)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(3), stored.ID)
	require.Equal(t, crawler.KindConcept, stored.Kind)
	require.Equal(t, crawler.ComplexityBeginner, stored.Complexity)

	stored, created, err = store.UpsertLearningBit(context.Background(), b)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 2, stored.ReferenceCount)
	require.Equal(t, 1, stored.AccessCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLearningBitAddsCollapsedOccurrences(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	b := sampleBit(now)
	b.ReferenceCount = 3

	mock.ExpectQuery(regexp.QuoteMeta("reference_count = learning_bits.reference_count + EXCLUDED.reference_count")).
		WithArgs(b.Fingerprint, "concept", b.Category, b.Subcategory, b.Content, b.Context,
			b.Importance, b.Confidence, "beginner", b.SourceURL, b.Domain, b.Tags, 3, now, now).
		WillReturnRows(pgxmock.NewRows(append(columns, "inserted")).
			AddRow(append(bitRow(b, 3, 4, 1), false)...))

	stored, created, err := store.UpsertLearningBit(context.Background(), b)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 4, stored.ReferenceCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCrossReferenceWritesBothDirections(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1,$2,$3,$4), ($2,$1,$3,$4)")).
		WithArgs(int64(1), int64(2), "related", 0.6).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	err := store.UpsertCrossReference(context.Background(), crawler.CrossReference{
		SourceID: 1, TargetID: 2, Kind: crawler.RelationRelated, Strength: 0.6,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryBitsBuildsFilters(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	b := sampleBit(time.Unix(1_700_000_000, 0).UTC())

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE category = $1 AND kind <> $2 AND id <> $3 ORDER BY importance DESC, id ASC LIMIT $4")).
		WithArgs("programming", "example", int64(9), 3).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(bitRow(b, 1, 1, 0)...))

	bits, err := store.QueryBits(context.Background(), crawler.BitQuery{
		Category: crawler.CategoryProgramming, ExcludeKind: crawler.KindExample, ExcludeID: 9, Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, bits, 1)
	require.Equal(t, []string{"educational"}, bits[0].Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchBitsEscapesTerms(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("ILIKE $1 AND (content || ' ' || context) ILIKE $2")).
		WithArgs(`%100\%%`, `%go%`, 10).
		WillReturnRows(pgxmock.NewRows(columns))

	bits, err := store.SearchBits(context.Background(), "100% go", 10)
	require.NoError(t, err)
	require.Empty(t, bits)
	require.NoError(t, mock.ExpectationsWereMet())

	bits, err = store.SearchBits(context.Background(), "  ", 10)
	require.NoError(t, err)
	require.Nil(t, bits)
}

func TestGetBitNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM learning_bits WHERE id").WithArgs(int64(5)).WillReturnError(pgx.ErrNoRows)
	_, err := store.GetBit(context.Background(), 5)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	mock.ExpectQuery("FROM learning_bits WHERE id").WithArgs(int64(6)).WillReturnError(errors.New("conn reset"))
	_, err = store.GetBit(context.Background(), 6)
	require.ErrorContains(t, err, "get learning bit 6")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrossReferences(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM cross_references").WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"source_id", "target_id", "kind", "strength"}).
			AddRow(int64(1), int64(2), "similar", 0.9).
			AddRow(int64(1), int64(3), "prerequisite", 0.4))

	refs, err := store.CrossReferences(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []crawler.CrossReference{
		{SourceID: 1, TargetID: 2, Kind: crawler.RelationSimilar, Strength: 0.9},
		{SourceID: 1, TargetID: 3, Kind: crawler.RelationPrerequisite, Strength: 0.4},
	}, refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("refused"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
