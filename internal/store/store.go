// Package store persists harvested opportunities, their contacts, the call
// log, the harvest checkpoint and the single-writer harvest lease. It runs on
// PostgreSQL or SQLite through pkg/database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/database"
)

type Store struct {
	db     *database.Client
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps and lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *database.Client, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func parseDate(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(opportunity.DateLayout, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored date %q: %w", v.String, err)
	}
	return t, nil
}

func formatDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(opportunity.DateLayout), Valid: true}
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}
