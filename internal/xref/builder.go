// Package xref links a newly stored learning bit to related bits already in
// the store and persists the edges that are strong enough.
package xref

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
)

// Store is the slice of crawler.Store the builder needs.
type Store interface {
	QueryBits(ctx context.Context, q crawler.BitQuery) ([]crawler.LearningBit, error)
	UpsertCrossReference(ctx context.Context, ref crawler.CrossReference) error
}

// Config bounds candidate lookups and sets the persistence threshold.
type Config struct {
	SimilarLimit      int
	RelatedLimit      int
	PrerequisiteLimit int
	Threshold         float64
}

// DefaultConfig returns the standard candidate limits and threshold.
func DefaultConfig() Config {
	return Config{SimilarLimit: 5, RelatedLimit: 3, PrerequisiteLimit: 2, Threshold: 0.3}
}

// Result counts what one Build call did.
type Result struct {
	Considered int
	Created    int
}

// Builder computes and persists cross references.
type Builder struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

// New builds a Builder.
func New(store Store, cfg Config, logger *zap.Logger) *Builder {
	return &Builder{store: store, cfg: cfg, logger: logging.OrNop(logger)}
}

type candidateQuery struct {
	kind  crawler.RelationshipKind
	query crawler.BitQuery
}

// Build links bit (which must already carry its store ID) to its candidates.
// Repeating it for the same bit rewrites the same edges.
func (b *Builder) Build(ctx context.Context, bit crawler.LearningBit) (Result, error) {
	var res Result
	if bit.Category == "" {
		return res, nil
	}
	queries := []candidateQuery{
		{crawler.RelationSimilar, crawler.BitQuery{
			Category: bit.Category, Kind: bit.Kind, ExcludeID: bit.ID, Limit: b.cfg.SimilarLimit,
		}},
		{crawler.RelationRelated, crawler.BitQuery{
			Category: bit.Category, ExcludeKind: bit.Kind, ExcludeID: bit.ID, Limit: b.cfg.RelatedLimit,
		}},
		{crawler.RelationPrerequisite, crawler.BitQuery{
			Category: bit.Category, Complexity: crawler.ComplexityBeginner, ExcludeID: bit.ID, Limit: b.cfg.PrerequisiteLimit,
		}},
	}

	seen := map[int64]struct{}{bit.ID: {}}
	for _, cq := range queries {
		if cq.query.Limit <= 0 {
			continue
		}
		candidates, err := b.store.QueryBits(ctx, cq.query)
		if err != nil {
			return res, fmt.Errorf("query %s candidates: %w", cq.kind, err)
		}
		for _, cand := range candidates {
			if _, dup := seen[cand.ID]; dup {
				continue
			}
			seen[cand.ID] = struct{}{}
			res.Considered++

			strength := Strength(bit, cand)
			if strength <= b.cfg.Threshold {
				continue
			}
			ref := crawler.CrossReference{SourceID: bit.ID, TargetID: cand.ID, Kind: cq.kind, Strength: strength}
			if err := b.store.UpsertCrossReference(ctx, ref); err != nil {
				return res, fmt.Errorf("upsert cross reference %d-%d: %w", bit.ID, cand.ID, err)
			}
			res.Created++
		}
	}
	if res.Created > 0 {
		b.logger.Debug("cross references built",
			zap.Int64("bit_id", bit.ID),
			zap.Int("considered", res.Considered),
			zap.Int("created", res.Created),
		)
	}
	return res, nil
}

// Strength scores how closely two bits relate, in [0,1].
func Strength(a, b crawler.LearningBit) float64 {
	s := 0.3*(a.Importance+b.Importance) + 0.3*(a.Confidence+b.Confidence)
	if a.Category == b.Category {
		s += 0.2
	}
	switch {
	case a.Kind == b.Kind:
		s += 0.1
	case Compatible(a.Kind, b.Kind):
		s += 0.05
	}
	if a.Subcategory != "" && a.Subcategory == b.Subcategory {
		s += 0.1
	}
	return math.Round(math.Max(0, math.Min(1, s))*1000) / 1000
}

type kindPair struct{ a, b crawler.BitKind }

var compatibleKinds = []kindPair{
	{crawler.KindConcept, crawler.KindExample},
	{crawler.KindDefinition, crawler.KindExample},
	{crawler.KindConcept, crawler.KindDefinition},
	{crawler.KindTutorial, crawler.KindExample},
	{crawler.KindTutorial, crawler.KindProcedure},
	{crawler.KindProcedure, crawler.KindTroubleshooting},
	{crawler.KindWarning, crawler.KindTip},
	{crawler.KindReference, crawler.KindExample},
	{crawler.KindComparison, crawler.KindConcept},
	{crawler.KindTroubleshooting, crawler.KindWarning},
}

// Compatible reports whether two different kinds complement each other. The
// relation is symmetric.
func Compatible(a, b crawler.BitKind) bool {
	for _, p := range compatibleKinds {
		if (p.a == a && p.b == b) || (p.a == b && p.b == a) {
			return true
		}
	}
	return false
}
