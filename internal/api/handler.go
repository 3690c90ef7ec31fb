// Package api serves the read-only HTTP surface over harvested
// opportunities: search, detail, facet statistics, reference codes and the
// harvest call log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/query"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/logger"
)

const (
	defaultCallLogLimit = 50
	maxCallLogLimit     = 500
)

// Querier is the read path the handlers serve.
type Querier interface {
	Search(ctx context.Context, f query.Filters) (*query.SearchResult, error)
	FacetCounts(ctx context.Context) (*query.Facets, error)
	Get(ctx context.Context, noticeID string) (*opportunity.Record, error)
}

// CallLogReader lists recent harvest calls.
type CallLogReader interface {
	CallLog(ctx context.Context, limit int) ([]store.CallLogEntry, error)
}

// Handler implements the API endpoints.
type Handler struct {
	query  Querier
	calls  CallLogReader
	logger *slog.Logger
}

func NewHandler(q Querier, calls CallLogReader) *Handler {
	return &Handler{
		query:  q,
		calls:  calls,
		logger: slog.Default().With("component", "api"),
	}
}

// SearchOpportunities answers GET /api/opportunities.
func (h *Handler) SearchOpportunities(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.query.Search(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GetOpportunity answers GET /api/opportunities/{id}.
func (h *Handler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	rec, err := h.query.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// Stats answers GET /api/stats with whole-corpus facet counts.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	facets, err := h.query.FacetCounts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, facets)
}

// Calls answers GET /api/calls with the newest call log entries.
func (h *Handler) Calls(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultCallLogLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit < 1 {
		h.writeError(w, r, apperrors.Invalid("limit must be a positive integer"))
		return
	}
	entries, err := h.calls.CallLog(r.Context(), min(limit, maxCallLogLimit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.CallLogEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"calls": entries,
		"count": len(entries),
	})
}

// Types answers GET /api/types with the source's reference codes.
func (h *Handler) Types(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"opp_types":  opportunity.TypeCodes,
		"set_asides": opportunity.SetAsideCodes,
	})
}

func parseFilters(r *http.Request) (query.Filters, error) {
	q := r.URL.Query()
	f := query.Filters{
		Search:     q.Get("search"),
		NAICSCodes: q["naics_code"],
		OppType:    q.Get("opp_type"),
		SetAside:   q.Get("set_aside"),
		State:      q.Get("state"),
		Department: q.Get("department"),
		PostedFrom: q.Get("date_from"),
		PostedTo:   q.Get("date_to"),
	}
	if v := q.Get("active_only"); v != "" {
		active, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return f, apperrors.Invalid("active_only must be a boolean")
		}
		f.ActiveOnly = active
	}
	var err error
	if f.Limit, err = intParam(r, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperrors.Invalid("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeError maps err to a status. Client errors echo their message; server
// errors are logged and answered generically.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	message := http.StatusText(status)
	var appErr *apperrors.AppError
	switch {
	case status >= http.StatusInternalServerError:
		logger.FromContext(r.Context()).Error("request failed",
			"component", "api", "method", r.Method, "path", r.URL.Path, "error", err)
	case errors.As(err, &appErr):
		message = appErr.Message
	case errors.Is(err, apperrors.ErrRecordNotFound):
		message = "opportunity not found"
	default:
		message = err.Error()
	}
	h.writeJSON(w, status, map[string]string{"error": message})
}
