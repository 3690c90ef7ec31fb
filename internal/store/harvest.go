package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CallContext tags why an external call was made.
type CallContext string

const (
	ContextIncremental CallContext = "incremental"
	ContextBackfill    CallContext = "backfill"
	ContextManual      CallContext = "manual"
)

// CallLogEntry records one Fetcher invocation. Entries are append-only.
type CallLogEntry struct {
	ID          int64       `json:"id"`
	RunID       string      `json:"run_id"`
	CalledAt    time.Time   `json:"called_at"`
	Context     CallContext `json:"context"`
	WindowFrom  string      `json:"window_from,omitempty"`
	WindowTo    string      `json:"window_to,omitempty"`
	Pages       int         `json:"pages"`
	Records     int         `json:"records"`
	RateLimited bool        `json:"rate_limited"`
	Error       string      `json:"error,omitempty"`
}

// AppendCallLog writes e outside any record transaction and returns its ID.
func (s *Store) AppendCallLog(ctx context.Context, e CallLogEntry) (int64, error) {
	if e.CalledAt.IsZero() {
		e.CalledAt = s.now()
	}
	var id int64
	err := s.db.DB.QueryRowContext(ctx, s.q(`
		INSERT INTO call_log (run_id, called_at, context, window_from, window_to, pages, records, rate_limited, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		e.RunID, e.CalledAt.UnixMilli(), string(e.Context),
		nullString(e.WindowFrom), nullString(e.WindowTo),
		e.Pages, e.Records, e.RateLimited, nullString(e.Error),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("appending call log: %w", err)
	}
	return id, nil
}

// CallLog returns the most recent entries, newest first.
func (s *Store) CallLog(ctx context.Context, limit int) ([]CallLogEntry, error) {
	entries := []CallLogEntry{}
	err := s.db.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT id, run_id, called_at, context, window_from, window_to, pages, records, rate_limited, error
			FROM call_log ORDER BY id DESC LIMIT ?`), limit)
		if err != nil {
			return fmt.Errorf("listing call log: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e             CallLogEntry
				calledAt      int64
				ctxTag        string
				from, to, msg sql.NullString
			)
			if err := rows.Scan(&e.ID, &e.RunID, &calledAt, &ctxTag, &from, &to, &e.Pages, &e.Records, &e.RateLimited, &msg); err != nil {
				return fmt.Errorf("scanning call log: %w", err)
			}
			e.CalledAt = time.UnixMilli(calledAt).UTC()
			e.Context = CallContext(ctxTag)
			e.WindowFrom, e.WindowTo, e.Error = from.String, to.String, msg.String
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating call log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Checkpoint is the persisted harvest progress. Zero times mean "never".
type Checkpoint struct {
	// LastIncremental is the last date the incremental sync covered through.
	LastIncremental time.Time `json:"last_incremental"`
	// BackfillCursor is the earliest date covered by backfill; the next
	// backfill window ends the day before it.
	BackfillCursor time.Time `json:"backfill_cursor"`
	// BackfillOffset counts records already committed from the window that
	// ends just before BackfillCursor.
	BackfillOffset   int       `json:"backfill_offset"`
	BackfillComplete bool      `json:"backfill_complete"`
	LastRunAt        time.Time `json:"last_run_at"`
}

// LoadCheckpoint returns the stored checkpoint, or the zero Checkpoint when
// nothing has been harvested yet.
func (s *Store) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	var (
		cp                  Checkpoint
		incremental, cursor sql.NullString
		lastRun             sql.NullInt64
	)
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT last_incremental, backfill_cursor, backfill_offset, backfill_complete, last_run_at
		FROM harvest_checkpoint WHERE id = 1`,
	).Scan(&incremental, &cursor, &cp.BackfillOffset, &cp.BackfillComplete, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp.LastIncremental, err = parseDate(incremental); err != nil {
		return Checkpoint{}, err
	}
	if cp.BackfillCursor, err = parseDate(cursor); err != nil {
		return Checkpoint{}, err
	}
	cp.LastRunAt = fromMillis(lastRun)
	return cp, nil
}

// SaveCheckpoint replaces the stored checkpoint. Callers save only after the
// records it covers have been committed.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	var lastRun sql.NullInt64
	if !cp.LastRunAt.IsZero() {
		lastRun = sql.NullInt64{Int64: cp.LastRunAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.DB.ExecContext(ctx, s.q(`
		INSERT INTO harvest_checkpoint (id, last_incremental, backfill_cursor, backfill_offset, backfill_complete, last_run_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_incremental = excluded.last_incremental,
			backfill_cursor = excluded.backfill_cursor,
			backfill_offset = excluded.backfill_offset,
			backfill_complete = excluded.backfill_complete,
			last_run_at = excluded.last_run_at,
			updated_at = excluded.updated_at`),
		formatDate(cp.LastIncremental), formatDate(cp.BackfillCursor),
		cp.BackfillOffset, cp.BackfillComplete, lastRun, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// AcquireLease claims the harvest lease for holder until ttl from now. It
// reports false when another holder owns an unexpired lease. Re-acquiring by
// the same holder extends the lease.
func (s *Store) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.DB.ExecContext(ctx, s.q(`
		INSERT INTO harvest_lease (id, holder, expires_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE harvest_lease.expires_at < ? OR harvest_lease.holder = excluded.holder`),
		holder, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring harvest lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring harvest lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, holder string) error {
	if _, err := s.db.DB.ExecContext(ctx, s.q("DELETE FROM harvest_lease WHERE id = 1 AND holder = ?"), holder); err != nil {
		return fmt.Errorf("releasing harvest lease: %w", err)
	}
	return nil
}
