// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

const defaultQueryLimit = 50

type edgeKey struct {
	source, target int64
}

// Store implements crawler.Store with maps guarded by a RWMutex.
type Store struct {
	mu        sync.RWMutex
	nextPage  int64
	nextBit   int64
	pages     map[string]crawler.CrawledPage
	bits      map[int64]crawler.LearningBit
	byPrint   map[string]int64
	edges     map[edgeKey]crawler.CrossReference
	pageCount map[string]int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		pages:     make(map[string]crawler.CrawledPage),
		bits:      make(map[int64]crawler.LearningBit),
		byPrint:   make(map[string]int64),
		edges:     make(map[edgeKey]crawler.CrossReference),
		pageCount: make(map[string]int),
	}
}

// UpsertPage stores page keyed by URL, keeping the original ID on refresh.
func (s *Store) UpsertPage(_ context.Context, page crawler.CrawledPage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page.Links = nil
	if existing, ok := s.pages[page.URL]; ok {
		page.ID = existing.ID
	} else {
		s.nextPage++
		page.ID = s.nextPage
	}
	s.pages[page.URL] = page
	s.pageCount[page.URL]++
	return page.ID, nil
}

// UpsertLearningBit inserts bit or bumps the counters of the existing
// fingerprint. bit.ReferenceCount occurrences are added, at least one.
func (s *Store) UpsertLearningBit(_ context.Context, bit crawler.LearningBit) (crawler.LearningBit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPrint[bit.Fingerprint]; ok {
		existing := s.bits[id]
		existing.ReferenceCount += max(bit.ReferenceCount, 1)
		existing.AccessCount++
		if !bit.UpdatedAt.IsZero() {
			existing.UpdatedAt = bit.UpdatedAt
		}
		s.bits[id] = existing
		return cloneBit(existing), false, nil
	}
	s.nextBit++
	bit.ID = s.nextBit
	if bit.ReferenceCount <= 0 {
		bit.ReferenceCount = 1
	}
	bit.Tags = append([]string(nil), bit.Tags...)
	s.bits[bit.ID] = bit
	s.byPrint[bit.Fingerprint] = bit.ID
	return cloneBit(bit), true, nil
}

// UpsertCrossReference writes both directions of ref under one lock.
func (s *Store) UpsertCrossReference(_ context.Context, ref crawler.CrossReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[edgeKey{ref.SourceID, ref.TargetID}] = ref
	rev := ref.Reverse()
	s.edges[edgeKey{rev.SourceID, rev.TargetID}] = rev
	return nil
}

// QueryBits returns bits matching q ordered by importance, then ID.
func (s *Store) QueryBits(_ context.Context, q crawler.BitQuery) ([]crawler.LearningBit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.LearningBit
	for _, b := range s.bits {
		if matches(b, q) {
			out = append(out, cloneBit(b))
		}
	}
	return limitSorted(out, q.Limit), nil
}

// QueryBitsByDomain returns the most important bits extracted from domain.
func (s *Store) QueryBitsByDomain(ctx context.Context, domain string, limit int) ([]crawler.LearningBit, error) {
	return s.QueryBits(ctx, crawler.BitQuery{Domain: domain, Limit: limit})
}

// SearchBits returns bits whose content or context contains every term of text.
func (s *Store) SearchBits(_ context.Context, text string, limit int) ([]crawler.LearningBit, error) {
	terms := strings.Fields(strings.ToLower(text))
	if len(terms) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.LearningBit
	for _, b := range s.bits {
		haystack := strings.ToLower(b.Content + " " + b.Context)
		all := true
		for _, term := range terms {
			if !strings.Contains(haystack, term) {
				all = false
				break
			}
		}
		if all {
			out = append(out, cloneBit(b))
		}
	}
	return limitSorted(out, limit), nil
}

// GetBit fetches one bit by ID.
func (s *Store) GetBit(_ context.Context, id int64) (crawler.LearningBit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bits[id]
	if !ok {
		return crawler.LearningBit{}, crawler.ErrNotFound
	}
	return cloneBit(b), nil
}

// CrossReferences lists edges leaving bitID, strongest first.
func (s *Store) CrossReferences(_ context.Context, bitID int64) ([]crawler.CrossReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrossReference
	for key, ref := range s.edges {
		if key.source == bitID {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

// Page returns the stored page for url.
func (s *Store) Page(url string) (crawler.CrawledPage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[url]
	return p, ok
}

// Counts reports the number of stored pages, bits, and directed edges.
func (s *Store) Counts() (pages, bits, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages), len(s.bits), len(s.edges)
}

func matches(b crawler.LearningBit, q crawler.BitQuery) bool {
	switch {
	case q.ExcludeID != 0 && b.ID == q.ExcludeID:
		return false
	case q.Category != "" && b.Category != q.Category:
		return false
	case q.Kind != "" && b.Kind != q.Kind:
		return false
	case q.ExcludeKind != "" && b.Kind == q.ExcludeKind:
		return false
	case q.Subcategory != "" && b.Subcategory != q.Subcategory:
		return false
	case q.Complexity != "" && b.Complexity != q.Complexity:
		return false
	case q.Domain != "" && b.Domain != q.Domain:
		return false
	case b.Importance < q.MinImportance:
		return false
	}
	return true
}

func limitSorted(bits []crawler.LearningBit, limit int) []crawler.LearningBit {
	sort.Slice(bits, func(i, j int) bool {
		if bits[i].Importance != bits[j].Importance {
			return bits[i].Importance > bits[j].Importance
		}
		return bits[i].ID < bits[j].ID
	})
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(bits) > limit {
		bits = bits[:limit]
	}
	return bits
}

func cloneBit(b crawler.LearningBit) crawler.LearningBit {
	b.Tags = append([]string(nil), b.Tags...)
	return b
}
