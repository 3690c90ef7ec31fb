// Package source talks to the upstream opportunity search API. Client issues
// single page requests; Fetcher paginates a date window under a page budget
// and classifies failures as rate limiting, transient or malformed.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/resilience"
)

// DateLayout is the date form the source expects in postedFrom/postedTo.
const DateLayout = "01/02/2006"

const maxBodyBytes = 64 << 20

// Filters are optional upstream search filters.
type Filters struct {
	Title     string `json:"title,omitempty"`
	Type      string `json:"ptype,omitempty"`
	NAICSCode string `json:"ncode,omitempty"`
	State     string `json:"state,omitempty"`
	SetAside  string `json:"set_aside,omitempty"`
}

// Params describes one page request. From and To are ignored when NoticeID
// is set.
type Params struct {
	From     time.Time
	To       time.Time
	NoticeID string
	Filters  Filters
	Limit    int
	Offset   int
}

// Page is one decoded response page.
type Page struct {
	Records []opportunity.Record
	// Items counts raw items on the page, including ones dropped for
	// lacking a notice ID.
	Items        int
	Dropped      int
	TotalRecords int
}

type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewClient(cfg config.SourceConfig, m *metrics.Metrics) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		breaker: resilience.NewCircuitBreaker("source", resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			ResetTimeout:     cfg.BreakerReset,
			IsFailure: func(err error) bool {
				return errors.Is(err, ErrTransient) && !errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, _, to resilience.State) {
				m.SetBreakerState(name, int(to))
			},
		}),
		metrics: m,
		logger:  slog.Default().With("component", "source-client"),
	}
}

// Page performs exactly one upstream request. A request refused by the open
// circuit breaker is reported as ErrTransient wrapping
// resilience.ErrCircuitOpen and never reaches the network.
func (c *Client) Page(ctx context.Context, p Params) (*Page, error) {
	var page *Page
	start := time.Now()
	err := c.breaker.Execute(func() error {
		var err error
		page, err = c.do(ctx, p)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &FetchError{Kind: ErrTransient, Offset: p.Offset, Err: err}
	}
	c.metrics.ObservePage(Outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) do(ctx context.Context, p Params) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(p), nil)
	if err != nil {
		return nil, fmt.Errorf("building source request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: ErrTransient, Offset: p.Offset, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: ErrTransient, StatusCode: resp.StatusCode, Offset: p.Offset, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, overQuota(body):
		return nil, &FetchError{Kind: ErrRateLimited, StatusCode: resp.StatusCode, Offset: p.Offset, Err: bodyError(body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &FetchError{Kind: ErrTransient, StatusCode: resp.StatusCode, Offset: p.Offset, Err: bodyError(body)}
	}

	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &FetchError{Kind: ErrMalformed, StatusCode: resp.StatusCode, Offset: p.Offset, Err: err}
	}

	page := &Page{Items: len(decoded.OpportunitiesData), TotalRecords: -1}
	if decoded.TotalRecords != nil {
		page.TotalRecords = *decoded.TotalRecords
	}
	page.Records = make([]opportunity.Record, 0, len(decoded.OpportunitiesData))
	for i := range decoded.OpportunitiesData {
		r, ok := decoded.OpportunitiesData[i].toRecord()
		if !ok {
			page.Dropped++
			continue
		}
		page.Records = append(page.Records, r)
	}
	if page.Dropped > 0 {
		c.logger.Warn("dropped items without notice id", "dropped", page.Dropped, "offset", p.Offset)
	}
	return page, nil
}

func (c *Client) pageURL(p Params) string {
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(p.Offset))
	if p.NoticeID != "" {
		q.Set("noticeid", p.NoticeID)
	} else {
		q.Set("postedFrom", p.From.Format(DateLayout))
		q.Set("postedTo", p.To.Format(DateLayout))
	}
	for key, v := range map[string]string{
		"title":          p.Filters.Title,
		"ptype":          p.Filters.Type,
		"ncode":          p.Filters.NAICSCode,
		"state":          p.Filters.State,
		"typeOfSetAside": p.Filters.SetAside,
	} {
		if v != "" {
			q.Set(key, v)
		}
	}
	return c.baseURL + "?" + q.Encode()
}

// overQuotaCode is the error code the API gateway puts in the body when the
// key's quota is spent. It is sent with 403 or even 200 as well as 429.
var overQuotaCode = []byte("OVER_RATE_LIMIT")

func overQuota(body []byte) bool {
	return bytes.Contains(body, overQuotaCode)
}

func bodyError(body []byte) error {
	const snippet = 256
	if len(body) > snippet {
		body = body[:snippet]
	}
	if len(body) == 0 {
		return nil
	}
	return errors.New(string(body))
}
