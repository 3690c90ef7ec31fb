package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error { return nil }

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("store", Ping(up, StatusDown))
	assert.Equal(t, StatusUp, c.Run(context.Background()).Status)

	c.Register("cache", Ping(func(context.Context) error { return errors.New("refused") }, StatusDegraded))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "refused", report.Components["cache"].Message)

	c.Register("store", Ping(func(context.Context) error { return errors.New("locked") }, StatusDown))
	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestFreshness(t *testing.T) {
	now := time.Date(2024, 6, 13, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	at := func(ts time.Time) func(context.Context) (time.Time, error) {
		return func(context.Context) (time.Time, error) { return ts, nil }
	}

	assert.Equal(t, StatusUp, Freshness(at(now.Add(-time.Hour)), 2*time.Hour, clock)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, Freshness(at(now.Add(-3*time.Hour)), 2*time.Hour, clock)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, Freshness(at(time.Time{}), 2*time.Hour, clock)(context.Background()).Status)

	failing := func(context.Context) (time.Time, error) { return time.Time{}, errors.New("no db") }
	assert.Equal(t, StatusDown, Freshness(failing, time.Hour, clock)(context.Background()).Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("cache", Ping(func(context.Context) error { return errors.New("refused") }, StatusDegraded))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)

	c.Register("store", Ping(func(context.Context) error { return errors.New("gone") }, StatusDown))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
