package crawler

import (
	"context"
	"io"
	"time"
)

// Store persists pages, learning bits, and cross references. Every write is an
// idempotent upsert so concurrent sessions can share one store.
type Store interface {
	// UpsertPage inserts or refreshes a page keyed by URL and returns its ID.
	UpsertPage(ctx context.Context, page CrawledPage) (int64, error)
	// UpsertLearningBit inserts a bit keyed by fingerprint. When the fingerprint
	// already exists the stored reference and access counts are incremented
	// instead, and created is false.
	UpsertLearningBit(ctx context.Context, bit LearningBit) (stored LearningBit, created bool, err error)
	// UpsertCrossReference writes both directions of an edge atomically, keyed
	// by the unordered pair.
	UpsertCrossReference(ctx context.Context, ref CrossReference) error
	QueryBits(ctx context.Context, q BitQuery) ([]LearningBit, error)
	QueryBitsByDomain(ctx context.Context, domain string, limit int) ([]LearningBit, error)
	SearchBits(ctx context.Context, text string, limit int) ([]LearningBit, error)
	GetBit(ctx context.Context, id int64) (LearningBit, error)
	CrossReferences(ctx context.Context, bitID int64) ([]CrossReference, error)
}

// PageFetcher turns a URL into an extracted CrawledPage.
type PageFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (CrawledPage, error)
}

// Fetcher fetches a URL and returns the raw body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for fingerprints and blob keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
