// Package harvest drives the source fetcher under a per-run call budget. A
// run first refreshes the most recent days (incremental), then spends what
// is left walking a backfill cursor backward toward a historical floor. The
// checkpoint only moves after the records it covers are committed.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/events"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/source"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/store"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/metrics"
)

// Store is the persistence the scheduler writes to.
type Store interface {
	UpsertBatch(ctx context.Context, records []opportunity.Record) error
	AppendCallLog(ctx context.Context, e store.CallLogEntry) (int64, error)
	LoadCheckpoint(ctx context.Context) (store.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, holder string) error
}

// Fetcher retrieves records from the source.
type Fetcher interface {
	Fetch(ctx context.Context, q source.Query) (*source.Batch, error)
	Lookup(ctx context.Context, noticeID string) (*source.Batch, error)
}

// Tracker receives a notification for every committed window.
type Tracker interface {
	Track(e events.WindowCommitted)
}

// Invalidator drops cached query results after new records are committed.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithTracker(t Tracker) Option {
	return func(s *Scheduler) { s.tracker = t }
}

func WithInvalidator(inv Invalidator) Option {
	return func(s *Scheduler) { s.invalidator = inv }
}

// WithHolder overrides the lease holder name.
func WithHolder(holder string) Option {
	return func(s *Scheduler) { s.holder = holder }
}

type Scheduler struct {
	store       Store
	fetcher     Fetcher
	cfg         config.HarvestConfig
	floor       time.Time
	holder      string
	now         func() time.Time
	metrics     *metrics.Metrics
	tracker     Tracker
	invalidator Invalidator
	logger      *slog.Logger

	// mu admits one run per process; the store lease extends that across
	// processes sharing a database.
	mu sync.Mutex
}

func New(st Store, f Fetcher, cfg config.HarvestConfig, opts ...Option) (*Scheduler, error) {
	floor, err := cfg.Floor()
	if err != nil {
		return nil, apperrors.Invalid("%v", err)
	}
	if cfg.IncrementalDays <= 0 || cfg.BackfillWindowDays <= 0 {
		return nil, apperrors.Invalid("incremental days and backfill window days must be positive")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	s := &Scheduler{
		store:   st,
		fetcher: f,
		cfg:     cfg,
		floor:   floor,
		now:     time.Now,
		logger:  slog.Default().With("component", "harvest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.holder == "" {
		host, _ := os.Hostname()
		s.holder = fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return s, nil
}

// RunOptions adjust a single run.
type RunOptions struct {
	// DryRun plans windows without fetching or writing anything.
	DryRun bool
	// MaxCalls overrides the configured call budget when non-nil.
	MaxCalls *int
	// From, when set, replaces the persisted backfill cursor for this run.
	From time.Time
}

// Window is a date range fetched in one Fetcher invocation. Both ends are
// inclusive dates.
type Window struct {
	Phase  store.CallContext `json:"phase"`
	From   time.Time         `json:"from"`
	To     time.Time         `json:"to"`
	Offset int               `json:"offset,omitempty"`
}

func (w Window) String() string {
	s := fmt.Sprintf("%s %s..%s", w.Phase, w.From.Format(opportunity.DateLayout), w.To.Format(opportunity.DateLayout))
	if w.Offset > 0 {
		s += fmt.Sprintf(" @%d", w.Offset)
	}
	return s
}

// WindowResult is the outcome of one Fetcher invocation.
type WindowResult struct {
	Window
	Pages    int    `json:"pages"`
	Records  int    `json:"records"`
	Complete bool   `json:"complete"`
	Error    string `json:"error,omitempty"`
}

type StopReason string

const (
	StopBudget           StopReason = "budget_exhausted"
	StopBackfillComplete StopReason = "backfill_complete"
	StopRateLimited      StopReason = "rate_limited"
	StopFetchError       StopReason = "fetch_error"
	StopStoreError       StopReason = "store_error"
	StopCancelled        StopReason = "cancelled"
	StopLeaseLost        StopReason = "lease_lost"
)

// Summary reports what a run did. For a dry run Planned lists the windows a
// real run would fetch, assuming one call each, and CallsUsed is that
// estimate.
type Summary struct {
	RunID            string           `json:"run_id"`
	DryRun           bool             `json:"dry_run"`
	CallsUsed        int              `json:"calls_used"`
	RecordsSynced    int              `json:"records_synced"`
	WindowsCompleted int              `json:"windows_completed"`
	RateLimited      bool             `json:"rate_limited"`
	Stopped          StopReason       `json:"stopped"`
	Checkpoint       store.Checkpoint `json:"checkpoint"`
	Windows          []WindowResult   `json:"windows,omitempty"`
	Planned          []Window         `json:"planned,omitempty"`
}

// Run performs one harvest run. Rate limiting ends the run without error;
// a fetch failure ends it with the summary and the fetch error; a store
// failure returns an error wrapping apperrors.ErrStore and leaves the
// checkpoint where the last successful save put it. A concurrent run is
// rejected with apperrors.ErrRunInProgress.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	budget := s.cfg.MaxCalls
	if opts.MaxCalls != nil {
		budget = *opts.MaxCalls
	}
	if budget < 0 {
		return nil, apperrors.Invalid("max calls must not be negative, got %d", budget)
	}

	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	today := s.today()

	if opts.DryRun {
		cp, err := s.store.LoadCheckpoint(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrStore, err)
		}
		planned, stopped := s.plan(cp, budget, opts.From, today)
		return &Summary{
			RunID:      runID,
			DryRun:     true,
			CallsUsed:  len(planned),
			Stopped:    stopped,
			Checkpoint: cp,
			Planned:    planned,
		}, nil
	}

	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := s.newRun(ctx, runID, budget, opts.From, today)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx)
}

// Lookup fetches one notice by ID outside the budgeted run, upserts it and
// records a manual call log entry. It takes the run lock.
func (s *Scheduler) Lookup(ctx context.Context, noticeID string) (*opportunity.Record, error) {
	noticeID = strings.TrimSpace(noticeID)
	if noticeID == "" {
		return nil, apperrors.Invalid("notice id is required")
	}
	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := uuid.NewString()
	ctx = logger.WithRunID(context.WithoutCancel(ctx), runID)

	batch, fetchErr := s.fetcher.Lookup(ctx, noticeID)
	if batch == nil {
		batch = &source.Batch{}
	}
	if err := s.commitManual(ctx, runID, Window{Phase: store.ContextManual}, batch, fetchErr); err != nil {
		return nil, err
	}
	return &batch.Records[0], nil
}

// Every runs a harvest immediately and then on each tick of interval until
// ctx is cancelled. Failed runs are logged and retried at the next tick.
func (s *Scheduler) Every(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return apperrors.Invalid("harvest interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("periodic harvest started", "interval", interval)
	for {
		sum, err := s.Run(ctx, RunOptions{})
		switch {
		case errors.Is(err, apperrors.ErrRunInProgress):
			s.logger.Info("skipping tick, harvest already running")
		case err != nil:
			s.logger.Error("periodic harvest failed", "error", err)
		default:
			s.logger.Info("periodic harvest finished", "run_id", sum.RunID, "stopped", sum.Stopped)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("periodic harvest stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) lock(ctx context.Context) (release func(), err error) {
	if !s.mu.TryLock() {
		return nil, fmt.Errorf("harvest: %w", apperrors.ErrRunInProgress)
	}
	ok, err := s.store.AcquireLease(ctx, s.holder, s.cfg.LeaseTTL)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStore, err)
	}
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("harvest lease held by another process: %w", apperrors.ErrRunInProgress)
	}
	return func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), s.holder); err != nil {
			s.logger.Error("failed to release harvest lease", "holder", s.holder, "error", err)
		}
		s.mu.Unlock()
	}, nil
}

// committed notifies listeners about records that are now durable.
func (s *Scheduler) committed(ctx context.Context, runID string, w Window, records int, complete bool) {
	if records == 0 {
		return
	}
	if s.tracker != nil {
		e := events.WindowCommitted{
			RunID:    runID,
			Phase:    string(w.Phase),
			Records:  records,
			Complete: complete,
			At:       s.now().UTC(),
		}
		if !w.From.IsZero() {
			e.From = w.From.Format(opportunity.DateLayout)
			e.To = w.To.Format(opportunity.DateLayout)
		}
		s.tracker.Track(e)
	}
	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx); err != nil {
			s.logger.Warn("query cache invalidation failed", "error", err)
		}
	}
}

// today is the current UTC date at midnight.
func (s *Scheduler) today() time.Time {
	y, m, d := s.now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func errorText(errs ...error) string {
	var parts []string
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, "; ")
}

func outcome(fetchErr, storeErr error) string {
	if storeErr != nil {
		return "store_error"
	}
	return source.Outcome(fetchErr)
}
