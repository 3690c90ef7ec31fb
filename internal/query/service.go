package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/metrics"
)

// Backend evaluates compiled clauses against stored records.
type Backend interface {
	Search(ctx context.Context, clauses []Clause, limit, offset int) ([]opportunity.Record, int, error)
	Get(ctx context.Context, noticeID string) (*opportunity.Record, error)
	Facets(ctx context.Context) (*Facets, error)
}

// SearchResult is one page of matches. Total counts all matches before
// pagination.
type SearchResult struct {
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
	Records []opportunity.Record `json:"records"`
}

type ServiceOption func(*Service)

func WithCache(c *Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

type Service struct {
	backend Backend
	cache   *Cache
	cfg     config.QueryConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(backend Backend, cfg config.QueryConfig, opts ...ServiceOption) *Service {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = min(25, cfg.MaxLimit)
	}
	s := &Service{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default().With("component", "query-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns the page of records matching every non-empty filter. A
// zero limit takes the default and larger limits are clamped to the
// maximum.
func (s *Service) Search(ctx context.Context, f Filters) (*SearchResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Limit == 0 {
		f.Limit = s.cfg.DefaultLimit
	}
	f.Limit = min(f.Limit, s.cfg.MaxLimit)
	clauses := Compile(f)

	start := time.Now()
	res, hit, err := cached(ctx, s.cache, searchKey(clauses, f.Limit, f.Offset), func() (*SearchResult, error) {
		records, total, err := s.backend.Search(ctx, clauses, f.Limit, f.Offset)
		if err != nil {
			return nil, fmt.Errorf("searching opportunities: %w", err)
		}
		if records == nil {
			records = []opportunity.Record{}
		}
		return &SearchResult{Total: total, Limit: f.Limit, Offset: f.Offset, Records: records}, nil
	})
	s.metrics.ObserveQuery("search", hit, time.Since(start))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("search", "clauses", len(clauses), "total", res.Total, "cached", hit)
	return res, nil
}

// FacetCounts returns whole-corpus value counts. It takes no filters.
func (s *Service) FacetCounts(ctx context.Context) (*Facets, error) {
	start := time.Now()
	facets, hit, err := cached(ctx, s.cache, facetsKey, func() (*Facets, error) {
		f, err := s.backend.Facets(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting facets: %w", err)
		}
		return f, nil
	})
	s.metrics.ObserveQuery("facets", hit, time.Since(start))
	return facets, err
}

// Get returns one record with its contacts. Single-record reads bypass the
// cache.
func (s *Service) Get(ctx context.Context, noticeID string) (*opportunity.Record, error) {
	noticeID = strings.TrimSpace(noticeID)
	if noticeID == "" {
		return nil, apperrors.Invalid("notice id is required")
	}
	start := time.Now()
	rec, err := s.backend.Get(ctx, noticeID)
	s.metrics.ObserveQuery("get", false, time.Since(start))
	return rec, err
}
