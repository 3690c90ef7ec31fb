package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/resilience"
)

// Pager issues one upstream page request.
type Pager interface {
	Page(ctx context.Context, p Params) (*Page, error)
}

// Query asks for a date window, resuming at Offset. MaxPages bounds the
// number of page requests; zero or less means unbounded.
type Query struct {
	From     time.Time
	To       time.Time
	NoticeID string
	Filters  Filters
	Offset   int
	MaxPages int
}

// Batch is what one Fetch produced. It is returned even alongside an error
// and then holds the prefix accumulated before the failure.
type Batch struct {
	Records []opportunity.Record
	// Pages counts page requests that reached the source.
	Pages int
	// NextOffset is the source offset after the last decoded page.
	NextOffset   int
	TotalRecords int
	Dropped      int
	// Complete is set when the window was exhausted. A batch stopped by
	// MaxPages, the per-call record cap, or an error is incomplete.
	Complete bool
}

// Fetched counts raw items consumed from the source by this batch.
func (b *Batch) Fetched(start int) int {
	return b.NextOffset - start
}

type Fetcher struct {
	pager      Pager
	pageSize   int
	maxRecords int
	logger     *slog.Logger
}

func NewFetcher(pager Pager, cfg config.SourceConfig) *Fetcher {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Fetcher{
		pager:      pager,
		pageSize:   pageSize,
		maxRecords: cfg.MaxRecordsPerWindow,
		logger:     slog.Default().With("component", "fetcher"),
	}
}

// Fetch paginates q until a short page, the reported total, the record cap
// or the page budget. Rate limiting and malformed pages stop pagination at
// once; every error is returned with the accumulated prefix and there is no
// retry within a call.
func (f *Fetcher) Fetch(ctx context.Context, q Query) (*Batch, error) {
	batch := &Batch{NextOffset: q.Offset, TotalRecords: -1}
	for {
		if q.MaxPages > 0 && batch.Pages >= q.MaxPages {
			return batch, nil
		}
		limit := f.pageSize
		if f.maxRecords > 0 {
			remaining := f.maxRecords - batch.Fetched(q.Offset)
			if remaining <= 0 {
				f.logger.Info("record cap reached", "from", q.From.Format(opportunity.DateLayout),
					"to", q.To.Format(opportunity.DateLayout), "offset", batch.NextOffset, "cap", f.maxRecords)
				return batch, nil
			}
			limit = min(limit, remaining)
		}

		page, err := f.pager.Page(ctx, Params{
			From:     q.From,
			To:       q.To,
			NoticeID: q.NoticeID,
			Filters:  q.Filters,
			Limit:    limit,
			Offset:   batch.NextOffset,
		})
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			batch.Pages++
		}
		if err != nil {
			return batch, err
		}

		batch.Records = append(batch.Records, page.Records...)
		batch.Dropped += page.Dropped
		batch.NextOffset += page.Items
		if page.TotalRecords >= 0 {
			batch.TotalRecords = page.TotalRecords
		}
		if page.Items < limit || (batch.TotalRecords >= 0 && batch.NextOffset >= batch.TotalRecords) {
			batch.Complete = true
			return batch, nil
		}
	}
}

// Lookup fetches a single notice by ID with one request. The batch is
// returned even when the notice does not exist so callers can account for
// the call.
func (f *Fetcher) Lookup(ctx context.Context, noticeID string) (*Batch, error) {
	batch := &Batch{TotalRecords: -1}
	page, err := f.pager.Page(ctx, Params{NoticeID: noticeID, Limit: 1})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		batch.Pages = 1
	}
	if err != nil {
		return batch, err
	}
	batch.NextOffset = page.Items
	batch.TotalRecords = page.TotalRecords
	batch.Dropped = page.Dropped
	batch.Complete = true
	for _, r := range page.Records {
		if r.NoticeID == noticeID {
			batch.Records = append(batch.Records, r)
			return batch, nil
		}
	}
	return batch, fmt.Errorf("notice %s: %w", noticeID, apperrors.ErrRecordNotFound)
}
