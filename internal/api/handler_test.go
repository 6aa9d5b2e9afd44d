package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/catalog"
	"github.com/Checker-Finance/instrument-catalog/internal/instruments"
	"github.com/Checker-Finance/instrument-catalog/internal/rate"
	"github.com/Checker-Finance/instrument-catalog/internal/resolver"
	"github.com/Checker-Finance/instrument-catalog/pkg/model"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

// --- Mocks ---

type stubCatalog struct {
	idx *instruments.Index
}

func (s *stubCatalog) Index() *instruments.Index { return s.idx }

func (s *stubCatalog) SearchStore(context.Context, string, model.Segment, int) ([]model.Instrument, error) {
	return nil, nil
}

type mockInfo struct {
	status   catalog.Status
	stats    catalog.Stats
	statsErr error
}

func (m *mockInfo) Status() catalog.Status { return m.status }

func (m *mockInfo) Stats(context.Context) (catalog.Stats, error) { return m.stats, m.statsErr }

type mockTriggers struct {
	ran        bool
	refreshErr error
	purgeErr   error
	refreshes  int
	purges     int
}

func (m *mockTriggers) TriggerRefresh(context.Context) (bool, error) {
	m.refreshes++
	return m.ran, m.refreshErr
}

func (m *mockTriggers) TriggerPurge(context.Context) error {
	m.purges++
	return m.purgeErr
}

// --- helpers ---

func testRecords() []model.Instrument {
	exp := time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)
	return []model.Instrument{
		{ID: "111", Symbol: "TCS", Exchange: "NSE", Segment: model.SegmentNSEEq, LotSize: 1},
		{ID: "222", Symbol: "BANKNIFTY-Dec2025-46000-CE", Exchange: "NSE", Segment: model.SegmentNSEFNO, Expiry: &exp, LotSize: 25},
	}
}

type fixture struct {
	app      *fiber.App
	info     *mockInfo
	triggers *mockTriggers
}

func newFixture(t *testing.T, recs []model.Instrument, limiter *rate.Manager) *fixture {
	t.Helper()
	idx := instruments.New(nil)
	if recs != nil {
		idx.Rebuild(instruments.Generation{BuildID: "b1", BuildDate: "2025-12-01"}, recs)
	}
	res := resolver.New(&stubCatalog{idx: idx}, resolver.Config{Location: ist}, nil,
		resolver.WithClock(func() time.Time { return time.Date(2025, 12, 1, 10, 0, 0, 0, ist) }))

	info := &mockInfo{status: catalog.Status{State: catalog.StateReady, BuildDate: "2025-12-01", Rows: len(recs)}}
	trig := &mockTriggers{ran: true}
	h := &Handler{
		Logger:       zap.NewNop(),
		Resolver:     res,
		Catalog:      info,
		Triggers:     trig,
		AdminLimiter: limiter,
	}
	app := NewApp(AppConfig{})
	RegisterRoutes(app, h)
	return &fixture{app: app, info: info, triggers: trig}
}

func (f *fixture) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

// --- tests ---

func TestHealth(t *testing.T) {
	f := newFixture(t, testRecords(), nil)
	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	f.info.status = catalog.Status{State: catalog.StateDegraded, Reason: "snapshot is stale"}
	code, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])

	f.info.status = catalog.Status{State: catalog.StateUnavailable}
	code, _ = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, testRecords(), nil)
	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearch(t *testing.T) {
	f := newFixture(t, testRecords(), nil)
	code, body := f.do(t, http.MethodGet, "/api/v1/instruments/search?q=tc", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/instruments/search", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestResolve_ExactAndSuggestions(t *testing.T) {
	f := newFixture(t, testRecords(), nil)

	code, body := f.do(t, http.MethodGet, "/api/v1/instruments/resolve?symbol=tcs&segment=EQ", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "111", body["id"])

	code, body = f.do(t, http.MethodGet, "/api/v1/instruments/resolve?symbol=TC", "")
	require.Equal(t, http.StatusNotFound, code)
	suggestions, ok := body["suggestions"].([]any)
	require.True(t, ok)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "TCS", suggestions[0].(map[string]any)["symbol"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/instruments/resolve?symbol=TCS&segment=BOGUS", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestByID(t *testing.T) {
	f := newFixture(t, testRecords(), nil)
	code, body := f.do(t, http.MethodGet, "/api/v1/instruments/222", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "BANKNIFTY-Dec2025-46000-CE", body["symbol"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/instruments/999", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestByID_CatalogUnavailable(t *testing.T) {
	f := newFixture(t, nil, nil)
	code, _ := f.do(t, http.MethodGet, "/api/v1/instruments/111", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestDerivative(t *testing.T) {
	f := newFixture(t, testRecords(), nil)
	code, body := f.do(t, http.MethodGet, "/api/v1/derivatives/resolve?index=BANKNIFTY&strike=45987&type=CE", "")
	require.Equal(t, http.StatusOK, code)
	ref := body["ref"].(map[string]any)
	assert.Equal(t, "222", ref["security_id"])
	assert.Equal(t, "NSE_FNO", ref["segment"])
	assert.Equal(t, float64(25), ref["lot_size"])

	for _, strike := range []string{"abc", "NaN", "Inf", "-Inf"} {
		code, _ = f.do(t, http.MethodGet, "/api/v1/derivatives/resolve?index=BANKNIFTY&strike="+strike+"&type=CE", "")
		assert.Equal(t, http.StatusBadRequest, code, "strike %s", strike)
	}

	code, _ = f.do(t, http.MethodGet, "/api/v1/derivatives/resolve?index=BANKNIFTY&strike=52000&type=PE", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPrepare(t *testing.T) {
	f := newFixture(t, testRecords(), nil)

	code, body := f.do(t, http.MethodPost, "/api/v1/orders/prepare", `{"security_id":"222","lots":2}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(50), body["quantity"])
	assert.Equal(t, float64(2), body["lots"])

	code, body = f.do(t, http.MethodPost, "/api/v1/orders/prepare", `{"security_id":"222","quantity":30}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, float64(25), body["lot_size"])

	code, body = f.do(t, http.MethodPost, "/api/v1/orders/prepare", `{"symbol":"TCS","segment":"NSE_EQ","quantity":7}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(7), body["quantity"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/orders/prepare", `{"security_id":"222","lots":9223372036854775807}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/orders/prepare", `{"lots":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/orders/prepare", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStats(t *testing.T) {
	f := newFixture(t, testRecords(), nil)
	f.info.stats = catalog.Stats{BuildDate: "2025-12-01", Rows: 2, Segments: map[string]int{"NSE_EQ": 1, "NSE_FNO": 1}}
	code, body := f.do(t, http.MethodGet, "/api/v1/catalog/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["rows"])

	f.info.statsErr = model.ErrCatalogUnavailable
	code, _ = f.do(t, http.MethodGet, "/api/v1/catalog/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAdminRefresh(t *testing.T) {
	f := newFixture(t, testRecords(), nil)

	code, body := f.do(t, http.MethodPost, "/api/v1/admin/refresh", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["refreshed"])

	f.triggers.ran = false
	code, body = f.do(t, http.MethodPost, "/api/v1/admin/refresh", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, false, body["refreshed"])

	f.triggers.refreshErr = &model.FetchError{Source: "https://feed", Attempts: 4, Err: errors.New("503")}
	code, _ = f.do(t, http.MethodPost, "/api/v1/admin/refresh", "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, 3, f.triggers.refreshes)
}

func TestAdminPurge(t *testing.T) {
	f := newFixture(t, testRecords(), nil)
	code, body := f.do(t, http.MethodPost, "/api/v1/admin/purge", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["purged"])
	assert.Equal(t, 1, f.triggers.purges)
}

func TestAdminRateLimited(t *testing.T) {
	limiter := rate.NewManager(rate.Config{RequestsPerSecond: 0.001, Burst: 1})
	f := newFixture(t, testRecords(), limiter)

	code, _ := f.do(t, http.MethodPost, "/api/v1/admin/purge", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/api/v1/admin/refresh", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, 0, f.triggers.refreshes)
}
