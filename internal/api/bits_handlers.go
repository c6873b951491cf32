package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
)

const (
	defaultBitLimit = 50
	maxBitLimit     = 500
	storeTimeout    = 3 * time.Second
)

// BitsHandler exposes read-only learning bit endpoints.
type BitsHandler struct {
	store   crawler.Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewBitsHandler wires the store and logger.
func NewBitsHandler(store crawler.Store, logger *zap.Logger) *BitsHandler {
	return &BitsHandler{
		store:   store,
		timeout: storeTimeout,
		logger:  logging.OrNop(logger),
	}
}

// QueryBits handles GET /v1/bits?category=&kind=&exclude_kind=&subcategory=
// &complexity=&domain=&min_importance=&limit=. It returns {"bits": [...]},
// 400 for invalid filters, 503 without a store, or 500 on store errors.
func (h *BitsHandler) QueryBits(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "bit store unavailable")
		return
	}
	q, err := parseBitQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	bits, err := h.store.QueryBits(ctx, q)
	if err != nil {
		h.logger.Error("query bits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query bits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bits": nonNilBits(bits)})
}

// SearchBits handles GET /v1/bits/search?q=&limit=.
func (h *BitsHandler) SearchBits(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "bit store unavailable")
		return
	}
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := parseLimit(r, defaultBitLimit, maxBitLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	bits, err := h.store.SearchBits(ctx, text, limit)
	if err != nil {
		h.logger.Error("search bits failed", zap.String("q", text), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to search bits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bits": nonNilBits(bits)})
}

// GetBit handles GET /v1/bits/{bit_id}. It returns {"bit": {...}}, 400 for a
// malformed ID, or 404 when the store reports crawler.ErrNotFound.
func (h *BitsHandler) GetBit(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "bit store unavailable")
		return
	}
	id, err := parseBitID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	bit, err := h.store.GetBit(ctx, id)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bit not found")
			return
		}
		h.logger.Error("get bit failed", zap.Int64("bit_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load bit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bit": bit})
}

// References handles GET /v1/bits/{bit_id}/references. Edges are returned
// from the bit's point of view, strongest first.
func (h *BitsHandler) References(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "bit store unavailable")
		return
	}
	id, err := parseBitID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.store.GetBit(ctx, id); err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bit not found")
			return
		}
		h.logger.Error("get bit failed", zap.Int64("bit_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load bit")
		return
	}
	refs, err := h.store.CrossReferences(ctx, id)
	if err != nil {
		h.logger.Error("list references failed", zap.Int64("bit_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list references")
		return
	}
	if refs == nil {
		refs = []crawler.CrossReference{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"references": refs})
}

func parseBitID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "bit_id")
	if raw == "" {
		return 0, errors.New("bit_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid bit_id")
	}
	return id, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseBitQuery(r *http.Request) (crawler.BitQuery, error) {
	v := r.URL.Query()
	limit, err := parseLimit(r, defaultBitLimit, maxBitLimit)
	if err != nil {
		return crawler.BitQuery{}, err
	}
	q := crawler.BitQuery{
		Category:    strings.TrimSpace(v.Get("category")),
		Kind:        crawler.BitKind(strings.TrimSpace(v.Get("kind"))),
		ExcludeKind: crawler.BitKind(strings.TrimSpace(v.Get("exclude_kind"))),
		Subcategory: strings.TrimSpace(v.Get("subcategory")),
		Complexity:  crawler.Complexity(strings.TrimSpace(v.Get("complexity"))),
		Domain:      strings.TrimSpace(v.Get("domain")),
		Limit:       limit,
	}
	if raw := v.Get("min_importance"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			return crawler.BitQuery{}, errors.New("invalid min_importance")
		}
		q.MinImportance = f
	}
	switch q.Complexity {
	case "", crawler.ComplexityBeginner, crawler.ComplexityIntermediate, crawler.ComplexityAdvanced:
	default:
		return crawler.BitQuery{}, errors.New("invalid complexity")
	}
	return q, nil
}

func nonNilBits(bits []crawler.LearningBit) []crawler.LearningBit {
	if bits == nil {
		return []crawler.LearningBit{}
	}
	return bits
}
