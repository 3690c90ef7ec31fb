package harvest

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/store"
)

func (s *Scheduler) incrementalWindow(today time.Time) Window {
	return Window{
		Phase: store.ContextIncremental,
		From:  today.AddDate(0, 0, -s.cfg.IncrementalDays),
		To:    today,
	}
}

// backfillStart resolves where backfill resumes. An override replaces the
// persisted position and is clamped to the floor; with neither, backfill
// starts where incremental coverage begins. The cursor never sits later
// than incrStart.
func (s *Scheduler) backfillStart(cp store.Checkpoint, override, incrStart time.Time) (cursor time.Time, offset int, complete bool) {
	cursor, offset, complete = cp.BackfillCursor, cp.BackfillOffset, cp.BackfillComplete
	if !override.IsZero() {
		cursor, offset, complete = override, 0, false
		if cursor.Before(s.floor) {
			cursor = s.floor
		}
	}
	if cursor.IsZero() || cursor.After(incrStart) {
		cursor, offset = incrStart, 0
	}
	if !cursor.After(s.floor) {
		complete = true
	}
	return cursor, offset, complete
}

// backfillWindow is the window ending the day before cursor, no wider than
// the configured width and never reaching below the floor.
func (s *Scheduler) backfillWindow(cursor time.Time, offset int) Window {
	from := cursor.AddDate(0, 0, -s.cfg.BackfillWindowDays)
	if from.Before(s.floor) {
		from = s.floor
	}
	return Window{
		Phase:  store.ContextBackfill,
		From:   from,
		To:     cursor.AddDate(0, 0, -1),
		Offset: offset,
	}
}

// plan lists the windows a run would fetch if every window took exactly one
// call and completed.
func (s *Scheduler) plan(cp store.Checkpoint, budget int, override, today time.Time) ([]Window, StopReason) {
	if budget <= 0 {
		return nil, StopBudget
	}
	incr := s.incrementalWindow(today)
	planned := []Window{incr}
	budget--

	cursor, offset, complete := s.backfillStart(cp, override, incr.From)
	for !complete {
		if budget <= 0 {
			return planned, StopBudget
		}
		w := s.backfillWindow(cursor, offset)
		planned = append(planned, w)
		budget--
		cursor, offset = w.From, 0
		complete = !cursor.After(s.floor)
	}
	return planned, StopBackfillComplete
}
