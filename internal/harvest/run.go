package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/source"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/tracing"
)

// run is the mutable state of one harvest run.
type run struct {
	*Scheduler
	id     string
	today  time.Time
	budget int
	// cp mirrors the persisted checkpoint.
	cp store.Checkpoint
	// override is set when the backfill cursor was supplied for this run;
	// per-window saves then leave the persisted cursor alone.
	override time.Time
	sum      *Summary
	log      *slog.Logger
}

func (s *Scheduler) newRun(ctx context.Context, id string, budget int, override, today time.Time) (*run, error) {
	cp, err := s.store.LoadCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStore, err)
	}
	return &run{
		Scheduler: s,
		id:        id,
		today:     today,
		budget:    budget,
		cp:        cp,
		override:  override,
		sum:       &Summary{RunID: id, Checkpoint: cp},
		log:       logger.FromContext(ctx).With("component", "harvest"),
	}, nil
}

// windowError distinguishes store failures, which abort the run with an
// error, from fetch failures, which end it after their prefix is saved.
type windowError struct {
	store bool
	err   error
}

func (e *windowError) Error() string { return e.err.Error() }
func (e *windowError) Unwrap() error { return e.err }

func (r *run) execute(ctx context.Context) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "harvest.run", r.id)
	start := time.Now()
	r.log.Info("harvest run started",
		"budget", r.budget,
		"last_incremental", formatDate(r.cp.LastIncremental),
		"backfill_cursor", formatDate(r.cp.BackfillCursor),
		"override", formatDate(r.override),
	)

	err := r.phases(ctx)

	span.SetAttr("calls_used", r.sum.CallsUsed)
	span.SetAttr("records", r.sum.RecordsSynced)
	span.SetAttr("stopped", string(r.sum.Stopped))
	span.End()
	span.Log(r.log)
	r.sum.Checkpoint = r.cp
	r.metrics.ObserveRun(time.Since(start), r.cp.BackfillCursor)

	attrs := []any{
		"calls_used", r.sum.CallsUsed,
		"records_synced", r.sum.RecordsSynced,
		"windows_completed", r.sum.WindowsCompleted,
		"stopped", r.sum.Stopped,
		"backfill_cursor", formatDate(r.cp.BackfillCursor),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		r.log.Error("harvest run failed", append(attrs, "error", err)...)
		return r.sum, err
	}
	r.log.Info("harvest run finished", attrs...)
	return r.sum, nil
}

func (r *run) phases(ctx context.Context) error {
	if r.budget == 0 {
		r.sum.Stopped = StopBudget
		return nil
	}

	incr := r.incrementalWindow(r.today)
	if err := r.incremental(ctx, incr); err != nil {
		return r.stop(err)
	}
	if r.sum.Stopped != "" {
		return nil
	}
	if err := r.backfill(ctx, incr.From); err != nil {
		return r.stop(err)
	}
	return nil
}

// stop maps a phase error to the run's result. Rate limiting is a normal
// end of a run.
func (r *run) stop(err error) error {
	var we *windowError
	switch {
	case errors.Is(err, apperrors.ErrRunInProgress):
		r.sum.Stopped = StopLeaseLost
		return err
	case errors.As(err, &we) && we.store:
		r.sum.Stopped = StopStoreError
		return err
	case errors.Is(err, source.ErrRateLimited):
		r.sum.Stopped = StopRateLimited
		r.sum.RateLimited = true
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.sum.Stopped = StopCancelled
		return err
	case errors.As(err, &we):
		r.sum.Stopped = StopFetchError
		return err
	default:
		r.sum.Stopped = StopStoreError
		return err
	}
}

// incremental refreshes [today-N, today]. A window cut short by the record
// cap continues from its offset while budget remains.
func (r *run) incremental(ctx context.Context, w Window) error {
	for {
		batch, err := r.window(ctx, w)
		if err != nil {
			return err
		}
		if batch.Complete {
			r.cp.LastIncremental = r.today
			return r.save(ctx)
		}
		w.Offset = batch.NextOffset
		if r.budget <= 0 {
			r.sum.Stopped = StopBudget
			return r.save(ctx)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (r *run) backfill(ctx context.Context, incrStart time.Time) error {
	cursor, offset, complete := r.backfillStart(r.cp, r.override, incrStart)
	start := cursor
	for !complete {
		if r.budget <= 0 {
			r.sum.Stopped = StopBudget
			return r.finishBackfill(ctx, start, incrStart, cursor, offset, complete)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		w := r.backfillWindow(cursor, offset)
		batch, err := r.window(ctx, w)
		var we *windowError
		if errors.As(err, &we) && we.store {
			return err
		}
		if err == nil && batch.Complete {
			cursor, offset = w.From, 0
			complete = !cursor.After(r.floor)
		} else {
			offset = batch.NextOffset
		}
		if saveErr := r.saveBackfill(ctx, cursor, offset, complete); saveErr != nil {
			return saveErr
		}
		if err != nil {
			return err
		}
	}
	r.sum.Stopped = StopBackfillComplete
	return r.finishBackfill(ctx, start, incrStart, cursor, offset, complete)
}

// saveBackfill persists progress after a committed window. With an override
// the persisted cursor is untouched until the run ends normally.
func (r *run) saveBackfill(ctx context.Context, cursor time.Time, offset int, complete bool) error {
	if r.override.IsZero() {
		r.cp.BackfillCursor, r.cp.BackfillOffset, r.cp.BackfillComplete = cursor, offset, complete
	}
	return r.save(ctx)
}

// finishBackfill settles an override run. The run covered [cursor, start);
// it joins the persisted coverage only when start is not earlier than the
// persisted cursor, otherwise the days between them were never fetched and
// the persisted position stands. A run that committed no window past the
// persisted cursor changes nothing.
func (r *run) finishBackfill(ctx context.Context, start, incrStart, cursor time.Time, offset int, complete bool) error {
	if r.override.IsZero() {
		return r.save(ctx)
	}
	persisted := r.cp.BackfillCursor
	if persisted.IsZero() {
		persisted = incrStart
	}
	if !start.Before(persisted) && cursor.Before(persisted) {
		r.cp.BackfillCursor, r.cp.BackfillOffset, r.cp.BackfillComplete = cursor, offset, complete
	}
	return r.save(ctx)
}

// save renews the lease and persists the checkpoint. A run whose lease was
// taken over stops before writing the checkpoint.
func (r *run) save(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	ok, err := r.store.AcquireLease(ctx, r.holder, r.cfg.LeaseTTL)
	if err != nil {
		return &windowError{store: true, err: fmt.Errorf("%w: renewing lease: %w", apperrors.ErrStore, err)}
	}
	if !ok {
		return &windowError{store: true, err: fmt.Errorf("harvest lease lost to another process: %w", apperrors.ErrRunInProgress)}
	}
	r.cp.LastRunAt = r.now().UTC()
	if err := r.store.SaveCheckpoint(ctx, r.cp); err != nil {
		return &windowError{store: true, err: fmt.Errorf("%w: %w", apperrors.ErrStore, err)}
	}
	return nil
}

// window performs one Fetcher invocation and commits what it returned:
// upsert first, then the call log entry, so the entry can carry a store
// failure. The returned batch is never nil. Cancellation is not observed
// inside a window.
func (r *run) window(ctx context.Context, w Window) (*source.Batch, error) {
	ctx, span := tracing.StartChildSpan(context.WithoutCancel(ctx), "harvest.window")
	defer span.End()
	span.SetAttr("window", w.String())

	batch, fetchErr := r.fetcher.Fetch(ctx, source.Query{
		From:     w.From,
		To:       w.To,
		Offset:   w.Offset,
		MaxPages: r.budget,
	})
	if batch == nil {
		batch = &source.Batch{NextOffset: w.Offset}
	}
	r.budget -= batch.Pages
	r.sum.CallsUsed += batch.Pages

	var storeErr error
	if len(batch.Records) > 0 {
		storeErr = r.store.UpsertBatch(ctx, batch.Records)
	}
	entry := store.CallLogEntry{
		RunID:       r.id,
		Context:     w.Phase,
		WindowFrom:  w.From.Format(opportunity.DateLayout),
		WindowTo:    w.To.Format(opportunity.DateLayout),
		Pages:       batch.Pages,
		Records:     len(batch.Records),
		RateLimited: errors.Is(fetchErr, source.ErrRateLimited),
		Error:       errorText(fetchErr, storeErr),
	}
	if _, err := r.store.AppendCallLog(ctx, entry); err != nil {
		storeErr = errors.Join(storeErr, err)
	}

	result := WindowResult{
		Window:   w,
		Pages:    batch.Pages,
		Records:  len(batch.Records),
		Complete: fetchErr == nil && batch.Complete,
		Error:    entry.Error,
	}
	r.sum.Windows = append(r.sum.Windows, result)
	r.metrics.ObserveWindow(string(w.Phase), outcome(fetchErr, storeErr), len(batch.Records))
	span.SetAttr("pages", batch.Pages)
	span.SetAttr("records", len(batch.Records))

	if storeErr != nil {
		return batch, &windowError{store: true, err: fmt.Errorf("%w: committing %s: %w", apperrors.ErrStore, w, storeErr)}
	}

	r.sum.RecordsSynced += len(batch.Records)
	r.committed(ctx, r.id, w, len(batch.Records), result.Complete)
	if result.Complete {
		r.sum.WindowsCompleted++
	}

	log := r.log.With("window", w.String(), "pages", batch.Pages, "records", len(batch.Records), "dropped", batch.Dropped)
	if fetchErr != nil {
		if errors.Is(fetchErr, source.ErrRateLimited) {
			log.Warn("rate limited, ending run")
		} else {
			log.Error("fetch failed, ending run", "outcome", source.Outcome(fetchErr), "error", fetchErr)
		}
		return batch, &windowError{err: fmt.Errorf("fetching %s: %w", w, fetchErr)}
	}
	log.Info("window committed", "complete", batch.Complete, "next_offset", batch.NextOffset)
	return batch, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(opportunity.DateLayout)
}
