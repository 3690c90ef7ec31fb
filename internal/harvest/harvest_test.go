package harvest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/events"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/source"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/store"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/database"
	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
)

var now = time.Date(2024, 6, 13, 10, 30, 0, 0, time.UTC)

func date(s string) time.Time {
	t, err := time.Parse(opportunity.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func item(id, posted string) opportunity.Record {
	return opportunity.Record{NoticeID: id, Title: opportunity.Str("Notice " + id), PostedDate: opportunity.Str(posted), Active: opportunity.Str("Yes")}
}

// fakePager serves items by posted date and fails the calls listed in fail
// (0-based call index).
type fakePager struct {
	mu    sync.Mutex
	items []opportunity.Record
	fail  map[int]error
	calls []source.Params
	hook  func(call int)
}

func (p *fakePager) Page(_ context.Context, params source.Params) (*source.Page, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, params)
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		hook(idx)
	}
	if err, ok := p.fail[idx]; ok {
		return nil, err
	}

	var matched []opportunity.Record
	for _, r := range p.items {
		if params.NoticeID != "" {
			if r.NoticeID == params.NoticeID {
				matched = append(matched, r)
			}
			continue
		}
		d := date(*r.PostedDate)
		if !d.Before(params.From) && !d.After(params.To) {
			matched = append(matched, r)
		}
	}
	end := min(params.Offset+params.Limit, len(matched))
	var page []opportunity.Record
	if params.Offset < end {
		page = matched[params.Offset:end]
	}
	return &source.Page{Records: page, Items: len(page), TotalRecords: len(matched)}, nil
}

func (p *fakePager) offsets() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.Offset)
	}
	return out
}

func rateLimited() error {
	return &source.FetchError{Kind: source.ErrRateLimited, StatusCode: 429}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return newClockedStore(t, func() time.Time { return now })
}

func newClockedStore(t *testing.T, clock func() time.Time) *store.Store {
	t.Helper()
	client, err := database.Open(context.Background(), config.StoreConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "harvest.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	_, err = client.Migrate()
	require.NoError(t, err)
	return store.New(client, store.WithClock(clock))
}

func testConfig() config.HarvestConfig {
	return config.HarvestConfig{
		MaxCalls:           2,
		IncrementalDays:    3,
		BackfillWindowDays: 3,
		HistoricalFloor:    "2023-12-01",
		LeaseTTL:           time.Minute,
	}
}

func newTestScheduler(t *testing.T, st Store, pager *fakePager, cfg config.HarvestConfig, opts ...Option) *Scheduler {
	t.Helper()
	fetcher := source.NewFetcher(pager, config.SourceConfig{PageSize: 2})
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	s, err := New(st, fetcher, cfg, opts...)
	require.NoError(t, err)
	return s
}

func seedCursor(t *testing.T, st *store.Store, cursor string) {
	t.Helper()
	require.NoError(t, st.SaveCheckpoint(context.Background(), store.Checkpoint{BackfillCursor: date(cursor)}))
}

func storedIDs(t *testing.T, st *store.Store) []string {
	t.Helper()
	records, _, err := st.Search(context.Background(), nil, 1000, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.NoticeID)
	}
	sort.Strings(out)
	return out
}

func scenarioItems() []opportunity.Record {
	return []opportunity.Record{
		item("inc-1", "2024-06-11"),
		item("bf-1", "2024-01-02"),
		item("bf-2", "2024-01-03"),
		item("old-1", "2023-12-30"),
	}
}

func intp(n int) *int { return &n }

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	pager := &fakePager{items: scenarioItems()}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.CallsUsed)
	assert.Equal(t, 3, sum.RecordsSynced)
	assert.Equal(t, 2, sum.WindowsCompleted)
	assert.Equal(t, StopBudget, sum.Stopped)
	assert.False(t, sum.RateLimited)

	require.Len(t, sum.Windows, 2)
	assert.Equal(t, store.ContextIncremental, sum.Windows[0].Phase)
	assert.Equal(t, date("2024-06-10"), sum.Windows[0].From)
	assert.Equal(t, date("2024-06-13"), sum.Windows[0].To)
	assert.Equal(t, 1, sum.Windows[0].Records)
	assert.Equal(t, date("2024-01-01"), sum.Windows[1].From)
	assert.Equal(t, date("2024-01-03"), sum.Windows[1].To)
	assert.Equal(t, 2, sum.Windows[1].Records)

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-06-13"), cp.LastIncremental)
	assert.Equal(t, date("2024-01-01"), cp.BackfillCursor)
	assert.Zero(t, cp.BackfillOffset)
	assert.False(t, cp.BackfillComplete)

	assert.Equal(t, []string{"bf-1", "bf-2", "inc-1"}, storedIDs(t, st))
	assert.Len(t, pager.calls, 2, "the third window is not fetched")

	entries, err := st.CallLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.ContextBackfill, entries[0].Context)
	assert.Equal(t, "2024-01-01", entries[0].WindowFrom)
	assert.Equal(t, 2, entries[0].Records)
	assert.Equal(t, store.ContextIncremental, entries[1].Context)
	assert.Equal(t, sum.RunID, entries[1].RunID)
}

func TestRateLimitScenario(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	pager := &fakePager{items: scenarioItems(), fail: map[int]error{1: rateLimited()}}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(ctx, RunOptions{MaxCalls: intp(5)})
	require.NoError(t, err)
	assert.True(t, sum.RateLimited)
	assert.Equal(t, StopRateLimited, sum.Stopped)
	assert.Equal(t, 2, sum.CallsUsed)

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-01-04"), cp.BackfillCursor, "cursor unchanged")
	assert.Equal(t, date("2024-06-13"), cp.LastIncremental)

	entries, err := st.CallLog(ctx, 10)
	require.NoError(t, err)
	var limited []store.CallLogEntry
	for _, e := range entries {
		if e.RateLimited {
			limited = append(limited, e)
		}
	}
	require.Len(t, limited, 1)
	assert.Equal(t, store.ContextBackfill, limited[0].Context)
	assert.Zero(t, limited[0].Records)
	assert.Equal(t, 1, limited[0].Pages)
}

func TestRateLimitDuringIncrementalEndsRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pager := &fakePager{items: scenarioItems(), fail: map[int]error{0: rateLimited()}}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.True(t, sum.RateLimited)
	assert.Len(t, pager.calls, 1, "no backfill after a rate limit")

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, cp.LastIncremental.IsZero())
}

func TestBudgetConservation(t *testing.T) {
	ctx := context.Background()
	var items []opportunity.Record
	for i := 0; i < 7; i++ {
		items = append(items, item(fmt.Sprintf("inc-%d", i), "2024-06-12"))
	}
	for i := 0; i < 9; i++ {
		items = append(items, item(fmt.Sprintf("bf-%d", i), "2024-06-08"))
	}

	for _, budget := range []int{0, 1, 3, 4, 6, 11} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			st := newTestStore(t)
			pager := &fakePager{items: items}
			s := newTestScheduler(t, st, pager, testConfig())

			sum, err := s.Run(ctx, RunOptions{MaxCalls: intp(budget)})
			require.NoError(t, err)
			assert.LessOrEqual(t, sum.CallsUsed, budget)
			assert.LessOrEqual(t, len(pager.calls), budget)

			entries, err := st.CallLog(ctx, 100)
			require.NoError(t, err)
			pages, withPages := 0, 0
			for _, e := range entries {
				pages += e.Pages
				if e.Pages > 0 {
					withPages++
				}
			}
			assert.LessOrEqual(t, withPages, budget)
			assert.Equal(t, len(pager.calls), pages)
		})
	}
}

func TestIncrementalSpansCallsUntilComplete(t *testing.T) {
	ctx := context.Background()
	var items []opportunity.Record
	for i := 0; i < 5; i++ {
		items = append(items, item(fmt.Sprintf("inc-%d", i), "2024-06-12"))
	}
	st := newTestStore(t)
	pager := &fakePager{items: items}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StopBudget, sum.Stopped)
	assert.Equal(t, 4, sum.RecordsSynced)

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, cp.LastIncremental.IsZero(), "incomplete incremental window does not advance")

	sum, err = s.Run(ctx, RunOptions{MaxCalls: intp(3)})
	require.NoError(t, err)
	cp, err = st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-06-13"), cp.LastIncremental)
	assert.Len(t, storedIDs(t, st), 5)
}

func TestBackfillMonotonicity(t *testing.T) {
	ctx := context.Background()
	var items []opportunity.Record
	for d := date("2023-12-01"); d.Before(date("2024-01-04")); d = d.AddDate(0, 0, 2) {
		items = append(items, item("bf-"+d.Format(opportunity.DateLayout), d.Format(opportunity.DateLayout)))
	}
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	pager := &fakePager{items: items}
	s := newTestScheduler(t, st, pager, testConfig())

	prev := date("2024-01-04")
	completed := map[string]bool{}
	var sum *Summary
	for run := 0; run < 30; run++ {
		var err error
		sum, err = s.Run(ctx, RunOptions{MaxCalls: intp(3)})
		require.NoError(t, err)
		for _, w := range sum.Windows {
			if w.Phase != store.ContextBackfill {
				continue
			}
			key := w.From.Format(opportunity.DateLayout)
			assert.False(t, completed[key], "window %s revisited after completion", key)
			if w.Complete {
				completed[key] = true
			}
		}
		cp, err := st.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.False(t, cp.BackfillCursor.After(prev), "cursor moved forward")
		prev = cp.BackfillCursor
		if cp.BackfillComplete {
			break
		}
	}

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, cp.BackfillComplete)
	assert.Equal(t, date("2023-12-01"), cp.BackfillCursor)
	assert.Equal(t, StopBackfillComplete, sum.Stopped)
	assert.Len(t, storedIDs(t, st), len(items))

	calls := len(pager.calls)
	sum, err = s.Run(ctx, RunOptions{MaxCalls: intp(3)})
	require.NoError(t, err)
	assert.Equal(t, calls+1, len(pager.calls), "only incremental runs once backfill is complete")
	assert.Equal(t, StopBackfillComplete, sum.Stopped)
}

// flakyStore fails the nth SaveCheckpoint call, simulating a crash between
// the upsert and the checkpoint save.
type flakyStore struct {
	*store.Store
	failOn int
	saves  int
}

func (f *flakyStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	f.saves++
	if f.saves == f.failOn {
		return errors.New("disk full")
	}
	return f.Store.SaveCheckpoint(ctx, cp)
}

func TestCheckpointSafetyAfterCrash(t *testing.T) {
	ctx := context.Background()

	reference := newTestStore(t)
	seedCursor(t, reference, "2024-01-04")
	_, err := newTestScheduler(t, reference, &fakePager{items: scenarioItems()}, testConfig()).Run(ctx, RunOptions{})
	require.NoError(t, err)
	want, err := reference.LoadCheckpoint(ctx)
	require.NoError(t, err)

	for failOn := 1; failOn <= 2; failOn++ {
		t.Run(fmt.Sprintf("save=%d", failOn), func(t *testing.T) {
			base := newTestStore(t)
			seedCursor(t, base, "2024-01-04")
			flaky := &flakyStore{Store: base, failOn: failOn}
			s := newTestScheduler(t, flaky, &fakePager{items: scenarioItems()}, testConfig())

			sum, err := s.Run(ctx, RunOptions{})
			require.ErrorIs(t, err, apperrors.ErrStore)
			assert.Equal(t, StopStoreError, sum.Stopped)

			_, err = s.Run(ctx, RunOptions{})
			require.NoError(t, err)

			got, err := base.LoadCheckpoint(ctx)
			require.NoError(t, err)
			assert.Equal(t, want.LastIncremental, got.LastIncremental)
			assert.Equal(t, want.BackfillCursor, got.BackfillCursor)
			assert.Equal(t, want.BackfillOffset, got.BackfillOffset)
			assert.Equal(t, storedIDs(t, reference), storedIDs(t, base))
		})
	}
}

// failingUpsertStore rejects every batch.
type failingUpsertStore struct {
	*store.Store
}

func (f failingUpsertStore) UpsertBatch(context.Context, []opportunity.Record) error {
	return errors.New("constraint violated")
}

func TestStoreErrorIsLoggedAndAborts(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	s := newTestScheduler(t, failingUpsertStore{base}, &fakePager{items: scenarioItems()}, testConfig())

	_, err := s.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, apperrors.ErrStore)

	entries, err := base.CallLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, "constraint violated")

	cp, err := base.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, cp.LastIncremental.IsZero())
}

func TestDryRunPlansWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	pager := &fakePager{items: scenarioItems()}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(ctx, RunOptions{DryRun: true, MaxCalls: intp(3)})
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, StopBudget, sum.Stopped)
	require.Len(t, sum.Planned, 3)
	assert.Equal(t, Window{Phase: store.ContextIncremental, From: date("2024-06-10"), To: date("2024-06-13")}, sum.Planned[0])
	assert.Equal(t, Window{Phase: store.ContextBackfill, From: date("2024-01-01"), To: date("2024-01-03")}, sum.Planned[1])
	assert.Equal(t, Window{Phase: store.ContextBackfill, From: date("2023-12-29"), To: date("2023-12-31")}, sum.Planned[2])

	assert.Empty(t, pager.calls)
	entries, err := st.CallLog(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-01-04"), cp.BackfillCursor)
	assert.True(t, cp.LastRunAt.IsZero())
}

func TestDryRunStopsAtFloor(t *testing.T) {
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	cfg := testConfig()
	cfg.HistoricalFloor = "2023-12-30"
	s := newTestScheduler(t, st, &fakePager{}, cfg)

	sum, err := s.Run(context.Background(), RunOptions{DryRun: true, MaxCalls: intp(10)})
	require.NoError(t, err)
	assert.Equal(t, StopBackfillComplete, sum.Stopped)
	require.Len(t, sum.Planned, 3)
	assert.Equal(t, date("2023-12-30"), sum.Planned[2].From)
	assert.Equal(t, date("2023-12-31"), sum.Planned[2].To)
}

func TestOverrideStartMovesCursorOnlyBackward(t *testing.T) {
	ctx := context.Background()

	t.Run("override behind a gap leaves persisted cursor", func(t *testing.T) {
		st := newTestStore(t)
		seedCursor(t, st, "2024-01-04")
		pager := &fakePager{items: scenarioItems()}
		s := newTestScheduler(t, st, pager, testConfig())

		_, err := s.Run(ctx, RunOptions{From: date("2023-12-20")})
		require.NoError(t, err)
		assert.Equal(t, date("2023-12-17"), pager.calls[1].From)
		assert.Equal(t, date("2023-12-19"), pager.calls[1].To)

		cp, err := st.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, date("2024-01-04"), cp.BackfillCursor)
		assert.False(t, cp.BackfillComplete)

		sum, err := s.Run(ctx, RunOptions{MaxCalls: intp(20)})
		require.NoError(t, err)
		assert.Equal(t, StopBackfillComplete, sum.Stopped)
		assert.Equal(t, []string{"bf-1", "bf-2", "inc-1", "old-1"}, storedIDs(t, st))
		cp, err = st.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, date("2023-12-01"), cp.BackfillCursor)
		assert.True(t, cp.BackfillComplete)
	})

	t.Run("contiguous override extends persisted cursor", func(t *testing.T) {
		st := newTestStore(t)
		seedCursor(t, st, "2024-01-04")
		pager := &fakePager{items: scenarioItems()}
		s := newTestScheduler(t, st, pager, testConfig())

		sum, err := s.Run(ctx, RunOptions{From: date("2024-01-10"), MaxCalls: intp(4)})
		require.NoError(t, err)
		assert.Equal(t, StopBudget, sum.Stopped)
		require.Len(t, pager.calls, 4)
		assert.Equal(t, date("2024-01-01"), pager.calls[3].From)

		cp, err := st.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, date("2024-01-01"), cp.BackfillCursor)
		assert.Equal(t, []string{"bf-1", "bf-2", "inc-1"}, storedIDs(t, st))
	})

	t.Run("override below floor is clamped", func(t *testing.T) {
		st := newTestStore(t)
		seedCursor(t, st, "2024-01-04")
		pager := &fakePager{items: scenarioItems()}
		s := newTestScheduler(t, st, pager, testConfig())

		_, err := s.Run(ctx, RunOptions{From: date("2023-11-01"), MaxCalls: intp(5)})
		require.NoError(t, err)
		assert.Len(t, pager.calls, 1)

		cp, err := st.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, date("2024-01-04"), cp.BackfillCursor)
		assert.False(t, cp.BackfillComplete)
	})

	t.Run("later override keeps persisted cursor", func(t *testing.T) {
		st := newTestStore(t)
		seedCursor(t, st, "2024-01-04")
		s := newTestScheduler(t, st, &fakePager{items: scenarioItems()}, testConfig())

		_, err := s.Run(ctx, RunOptions{From: date("2024-03-01")})
		require.NoError(t, err)
		cp, err := st.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, date("2024-01-04"), cp.BackfillCursor)
	})

	t.Run("interrupted override leaves checkpoint", func(t *testing.T) {
		st := newTestStore(t)
		seedCursor(t, st, "2024-01-04")
		pager := &fakePager{items: scenarioItems(), fail: map[int]error{2: rateLimited()}}
		s := newTestScheduler(t, st, pager, testConfig())

		sum, err := s.Run(ctx, RunOptions{From: date("2023-12-20"), MaxCalls: intp(5)})
		require.NoError(t, err)
		assert.True(t, sum.RateLimited)
		cp, err := st.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, date("2024-01-04"), cp.BackfillCursor)
	})
}

func TestCursorDefaultsToIncrementalStart(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pager := &fakePager{}
	s := newTestScheduler(t, st, pager, testConfig())

	_, err := s.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, pager.calls, 2)
	assert.Equal(t, date("2024-06-07"), pager.calls[1].From)
	assert.Equal(t, date("2024-06-09"), pager.calls[1].To)

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-06-07"), cp.BackfillCursor)
}

func TestMalformedPageCommitsPrefixAndResumes(t *testing.T) {
	ctx := context.Background()
	var items []opportunity.Record
	for i := 0; i < 5; i++ {
		items = append(items, item(fmt.Sprintf("bf-%d", i), "2024-01-02"))
	}
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	malformed := &source.FetchError{Kind: source.ErrMalformed, Offset: 2, Err: errors.New("unexpected EOF")}
	pager := &fakePager{items: items, fail: map[int]error{2: malformed}}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(ctx, RunOptions{MaxCalls: intp(5)})
	require.ErrorIs(t, err, source.ErrMalformed)
	assert.Equal(t, StopFetchError, sum.Stopped)
	assert.Equal(t, 2, sum.RecordsSynced)

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-01-04"), cp.BackfillCursor)
	assert.Equal(t, 2, cp.BackfillOffset)

	pager.fail = nil
	_, err = s.Run(ctx, RunOptions{MaxCalls: intp(3)})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 2, 0, 2, 4}, pager.offsets())

	cp, err = st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-01-01"), cp.BackfillCursor)
	assert.Zero(t, cp.BackfillOffset)
	assert.Len(t, storedIDs(t, st), 5)
}

func TestPartialWindowResumesFromOffset(t *testing.T) {
	ctx := context.Background()
	var items []opportunity.Record
	for i := 0; i < 5; i++ {
		items = append(items, item(fmt.Sprintf("bf-%d", i), "2024-01-02"))
	}
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	pager := &fakePager{items: items}
	s := newTestScheduler(t, st, pager, testConfig())

	_, err := s.Run(ctx, RunOptions{})
	require.NoError(t, err)
	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-01-04"), cp.BackfillCursor)
	assert.Equal(t, 2, cp.BackfillOffset)

	_, err = s.Run(ctx, RunOptions{MaxCalls: intp(3)})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 2, 4}, pager.offsets(), "committed prefix is not fetched again")

	cp, err = st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-01-01"), cp.BackfillCursor)
	assert.Zero(t, cp.BackfillOffset)
}

func TestTransientErrorEndsRunWithError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	transient := &source.FetchError{Kind: source.ErrTransient, StatusCode: 503}
	pager := &fakePager{items: scenarioItems(), fail: map[int]error{0: transient}}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, source.ErrTransient)
	assert.Equal(t, StopFetchError, sum.Stopped)
	assert.Len(t, pager.calls, 1)

	entries, err := st.CallLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].RateLimited)
	assert.Contains(t, entries[0].Error, "status 503")
}

func TestFloorMarksBackfillComplete(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	cfg := testConfig()
	cfg.HistoricalFloor = "2024-01-01"
	cfg.MaxCalls = 5
	pager := &fakePager{items: scenarioItems()}
	s := newTestScheduler(t, st, pager, cfg)

	sum, err := s.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StopBackfillComplete, sum.Stopped)
	assert.Len(t, pager.calls, 2)

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, cp.BackfillComplete)
	assert.Equal(t, date("2024-01-01"), cp.BackfillCursor)
}

func TestZeroBudgetFetchesNothing(t *testing.T) {
	st := newTestStore(t)
	pager := &fakePager{items: scenarioItems()}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(context.Background(), RunOptions{MaxCalls: intp(0)})
	require.NoError(t, err)
	assert.Equal(t, StopBudget, sum.Stopped)
	assert.Empty(t, pager.calls)

	_, err = s.Run(context.Background(), RunOptions{MaxCalls: intp(-1)})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestConcurrentRunsAreRejected(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	started := make(chan struct{})
	unblock := make(chan struct{})
	pager := &fakePager{items: scenarioItems(), hook: func(call int) {
		if call == 0 {
			close(started)
			<-unblock
		}
	}}
	s := newTestScheduler(t, st, pager, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, RunOptions{})
		done <- err
	}()
	<-started

	_, err := s.Run(ctx, RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)
	_, err = s.Lookup(ctx, "inc-1")
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	other := newTestScheduler(t, st, &fakePager{}, testConfig(), WithHolder("other-process"))
	_, err = other.Run(ctx, RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress, "lease blocks other processes")

	close(unblock)
	require.NoError(t, <-done)

	_, err = other.Run(ctx, RunOptions{})
	assert.NoError(t, err, "lease is released after the run")
}

func TestLeaseIsRenewedAfterEachWindow(t *testing.T) {
	ctx := context.Background()
	clock := now
	st := newClockedStore(t, func() time.Time { return clock })
	seedCursor(t, st, "2024-01-04")

	var stolen bool
	pager := &fakePager{items: scenarioItems(), hook: func(call int) {
		clock = clock.Add(50 * time.Second)
		if call == 1 {
			ok, err := st.AcquireLease(ctx, "other-process", time.Minute)
			require.NoError(t, err)
			stolen = ok
		}
	}}
	s := newTestScheduler(t, st, pager, testConfig(), WithHolder("mine"))

	sum, err := s.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.CallsUsed)
	assert.False(t, stolen, "a run outliving the lease TTL keeps its lease")
}

func TestLostLeaseStopsRunBeforeCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pager := &fakePager{items: scenarioItems(), hook: func(call int) {
		if call == 0 {
			require.NoError(t, st.ReleaseLease(ctx, "mine"))
			ok, err := st.AcquireLease(ctx, "other-process", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}}
	s := newTestScheduler(t, st, pager, testConfig(), WithHolder("mine"))

	sum, err := s.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, apperrors.ErrRunInProgress)
	assert.Equal(t, StopLeaseLost, sum.Stopped)
	assert.Len(t, pager.calls, 1)

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, cp.LastIncremental.IsZero())

	ok, err := st.AcquireLease(ctx, "third", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "the new holder keeps the lease")
}

func TestCancellationBetweenWindows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	pager := &fakePager{items: scenarioItems(), hook: func(call int) {
		if call == 0 {
			cancel()
		}
	}}
	s := newTestScheduler(t, st, pager, testConfig())

	sum, err := s.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCancelled, sum.Stopped)
	assert.Len(t, pager.calls, 1, "the running window finishes, the next is not started")

	cp, err := st.LoadCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, date("2024-06-13"), cp.LastIncremental)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []events.WindowCommitted
}

func (r *recordingTracker) Track(e events.WindowCommitted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.n++
	return nil
}

func TestCommittedWindowsNotifyListeners(t *testing.T) {
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	tracker := &recordingTracker{}
	inv := &countingInvalidator{}
	s := newTestScheduler(t, st, &fakePager{items: scenarioItems()}, testConfig(), WithTracker(tracker), WithInvalidator(inv))

	sum, err := s.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	require.Len(t, tracker.events, 2)
	assert.Equal(t, sum.RunID, tracker.events[0].RunID)
	assert.Equal(t, "incremental", tracker.events[0].Phase)
	assert.Equal(t, "2024-01-01", tracker.events[1].From)
	assert.Equal(t, 2, tracker.events[1].Records)
	assert.Equal(t, 2, inv.n)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	s := newTestScheduler(t, st, &fakePager{items: scenarioItems()}, testConfig())

	rec, err := s.Lookup(ctx, "bf-2")
	require.NoError(t, err)
	assert.Equal(t, "bf-2", rec.NoticeID)

	stored, err := st.Get(ctx, "bf-2")
	require.NoError(t, err)
	assert.Equal(t, "Notice bf-2", *stored.Title)

	_, err = s.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrRecordNotFound)

	_, err = s.Lookup(ctx, "  ")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	entries, err := st.CallLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, store.ContextManual, e.Context)
		assert.Empty(t, e.WindowFrom)
		assert.Equal(t, 1, e.Pages)
	}
	assert.Contains(t, entries[0].Error, "not found")
}

func TestEveryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newTestStore(t)
	pager := &fakePager{items: scenarioItems(), hook: func(call int) {
		if call >= 2 {
			cancel()
		}
	}}
	s := newTestScheduler(t, st, pager, testConfig())

	err := s.Every(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(pager.calls), 2)

	assert.ErrorIs(t, s.Every(context.Background(), 0), apperrors.ErrInvalidInput)
}

func TestSourceSearchStoresResultsWithoutMovingCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedCursor(t, st, "2024-01-04")
	pager := &fakePager{items: scenarioItems()}
	s := newTestScheduler(t, st, pager, testConfig())

	filters := source.Filters{NAICSCode: "237310", State: "VA"}
	res, err := s.Search(ctx, SearchOptions{From: date("2024-01-01"), To: date("2024-01-03"), Filters: filters})
	require.NoError(t, err)
	require.Len(t, pager.calls, 1)
	assert.Equal(t, filters, pager.calls[0].Filters)
	assert.Equal(t, 2, res.TotalRecords)
	assert.True(t, res.Complete)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, []string{"bf-1", "bf-2"}, storedIDs(t, st))

	entries, err := st.CallLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.ContextManual, entries[0].Context)
	assert.Equal(t, "2024-01-01", entries[0].WindowFrom)
	assert.Equal(t, "2024-01-03", entries[0].WindowTo)
	assert.Equal(t, 2, entries[0].Records)

	cp, err := st.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, date("2024-01-04"), cp.BackfillCursor)
	assert.True(t, cp.LastIncremental.IsZero())
}

func TestSourceSearchDefaultsAndErrors(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pager := &fakePager{items: scenarioItems(), fail: map[int]error{1: rateLimited()}}
	s := newTestScheduler(t, st, pager, testConfig())

	res, err := s.Search(ctx, SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, date("2024-05-14"), pager.calls[0].From)
	assert.Equal(t, date("2024-06-13"), pager.calls[0].To)
	assert.Equal(t, []string{"inc-1"}, storedIDs(t, st))
	assert.Equal(t, store.ContextManual, res.Window.Phase)

	_, err = s.Search(ctx, SearchOptions{})
	assert.ErrorIs(t, err, source.ErrRateLimited)
	entries, err := st.CallLog(ctx, 1)
	require.NoError(t, err)
	assert.True(t, entries[0].RateLimited)

	_, err = s.Search(ctx, SearchOptions{From: date("2024-02-01"), To: date("2024-01-01")})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Len(t, pager.calls, 2)
}
