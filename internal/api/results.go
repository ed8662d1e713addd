package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/store"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

const (
	defaultResultLimit = 50
	maxResultLimit     = 500
	archiveTimeout     = 3 * time.Second
)

// RecentSource exposes the live ring of recent outcomes.
type RecentSource interface {
	Recent(limit int) []swarm.CrawlOutcome
}

// ResultsHandler exposes read-only outcome endpoints.
type ResultsHandler struct {
	live    RecentSource
	archive store.OutcomeReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewResultsHandler wires the live source and optional archive reader.
func NewResultsHandler(live RecentSource, archive store.OutcomeReader, logger *zap.Logger) *ResultsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultsHandler{
		live:    live,
		archive: archive,
		timeout: archiveTimeout,
		logger:  logger,
	}
}

// Recent handles GET /v1/swarm/results?limit=. It returns {"results": [...]}
// newest last, or 400 for an invalid limit.
func (h *ResultsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultResultLimit, maxResultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": nonNil(h.live.Recent(limit)),
	})
}

// Archived handles GET /v1/outcomes?limit=. It returns {"outcomes": [...]}
// newest first, 400 for an invalid limit, 503 when no archive is configured,
// or 500 if the read fails.
func (h *ResultsHandler) Archived(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "outcome archive unavailable")
		return
	}
	limit, err := parseLimit(r, defaultResultLimit, maxResultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.archive.RecentOutcomes(ctx, limit)
	if err != nil {
		h.logger.Error("read archived outcomes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read outcomes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": nonNil(records),
	})
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
