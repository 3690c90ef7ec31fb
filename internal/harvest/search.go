package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/source"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/logger"
)

// defaultSearchDays is the posted-date span of a source search without an
// explicit window.
const defaultSearchDays = 30

// SearchOptions describe a one-off filtered search against the source.
type SearchOptions struct {
	// From and To bound the posted date; zero values mean the last 30 days.
	From    time.Time
	To      time.Time
	Filters source.Filters
	Offset  int
	// Pages caps the page requests spent; zero means one.
	Pages int
}

// SearchResult is what a source search stored.
type SearchResult struct {
	RunID        string               `json:"run_id"`
	Window       Window               `json:"window"`
	Pages        int                  `json:"pages"`
	TotalRecords int                  `json:"total_records"`
	NextOffset   int                  `json:"next_offset"`
	Complete     bool                 `json:"complete"`
	Records      []opportunity.Record `json:"records"`
}

// Search runs a filtered source search outside the budgeted run, upserts
// whatever came back and records one manual call log entry. The checkpoint
// is never touched. It takes the run lock.
func (s *Scheduler) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	w := Window{Phase: store.ContextManual, From: opts.From, To: opts.To, Offset: opts.Offset}
	if w.To.IsZero() {
		w.To = s.today()
	}
	if w.From.IsZero() {
		w.From = w.To.AddDate(0, 0, -defaultSearchDays)
	}
	if w.From.After(w.To) {
		return nil, apperrors.Invalid("search window starts after it ends: %s", w)
	}
	if opts.Offset < 0 || opts.Pages < 0 {
		return nil, apperrors.Invalid("offset and pages must not be negative")
	}
	pages := max(opts.Pages, 1)

	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := uuid.NewString()
	ctx = logger.WithRunID(context.WithoutCancel(ctx), runID)

	batch, fetchErr := s.fetcher.Fetch(ctx, source.Query{
		From:     w.From,
		To:       w.To,
		Filters:  opts.Filters,
		Offset:   opts.Offset,
		MaxPages: pages,
	})
	if batch == nil {
		batch = &source.Batch{NextOffset: opts.Offset}
	}
	if err := s.commitManual(ctx, runID, w, batch, fetchErr); err != nil {
		return nil, err
	}
	return &SearchResult{
		RunID:        runID,
		Window:       w,
		Pages:        batch.Pages,
		TotalRecords: batch.TotalRecords,
		NextOffset:   batch.NextOffset,
		Complete:     batch.Complete,
		Records:      batch.Records,
	}, nil
}

// commitManual stores the records of an out-of-band fetch and writes its
// call log entry. A store failure wins over the fetch error.
func (s *Scheduler) commitManual(ctx context.Context, runID string, w Window, batch *source.Batch, fetchErr error) error {
	var storeErr error
	if len(batch.Records) > 0 {
		storeErr = s.store.UpsertBatch(ctx, batch.Records)
	}
	entry := store.CallLogEntry{
		RunID:       runID,
		Context:     store.ContextManual,
		Pages:       batch.Pages,
		Records:     len(batch.Records),
		RateLimited: errors.Is(fetchErr, source.ErrRateLimited),
		Error:       errorText(fetchErr, storeErr),
	}
	if !w.From.IsZero() {
		entry.WindowFrom = w.From.Format(opportunity.DateLayout)
		entry.WindowTo = w.To.Format(opportunity.DateLayout)
	}
	if _, err := s.store.AppendCallLog(ctx, entry); err != nil {
		storeErr = errors.Join(storeErr, err)
	}
	s.metrics.ObserveWindow(string(store.ContextManual), outcome(fetchErr, storeErr), len(batch.Records))

	log := logger.FromContext(ctx).With("component", "harvest")
	if storeErr != nil {
		return fmt.Errorf("%w: committing manual fetch: %w", apperrors.ErrStore, storeErr)
	}
	s.committed(ctx, runID, w, len(batch.Records), fetchErr == nil && batch.Complete)
	if fetchErr != nil {
		log.Warn("manual fetch failed", "outcome", source.Outcome(fetchErr), "records", len(batch.Records), "error", fetchErr)
		return fetchErr
	}
	log.Info("manual fetch committed", "window", w.String(), "pages", batch.Pages, "records", len(batch.Records))
	return nil
}
