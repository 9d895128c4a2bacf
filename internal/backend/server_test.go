package backend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/scrollmeter/internal/logging"
)

type apiHarness struct {
	t     *testing.T
	srv   *httptest.Server
	token string
}

func newHarness(t *testing.T, schema int, opts Options) *apiHarness {
	t.Helper()
	store := newTestStore(t, schema)
	srv := httptest.NewServer(NewServer(store, opts, logging.Discard()).Router())
	t.Cleanup(srv.Close)
	h := &apiHarness{t: t, srv: srv}

	var grant struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	status := h.do(http.MethodPost, "/v1/auth/session", map[string]string{"user_id": "u1"}, &grant)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "u1", grant.UserID)
	h.token = grant.Token
	return h
}

func (h *apiHarness) do(method, path string, body, out any) int {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(h.t, err)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
		Code    string `json:"code"`
	} `json:"error"`
}

func TestServerRequiresBearer(t *testing.T) {
	h := newHarness(t, SchemaV2, Options{})
	h.token = ""
	var body errorBody
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/v1/totals", nil, &body))
	assert.Equal(t, http.StatusUnauthorized, body.Error.Status)

	h.token = "bogus"
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/v1/totals", nil, nil))
}

func TestServerCapabilities(t *testing.T) {
	h := newHarness(t, SchemaV1, Options{AIBadges: true})
	var caps map[string]any
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/capabilities", nil, &caps))
	assert.Equal(t, float64(1), caps["achievement_schema"])
	assert.Equal(t, true, caps["ai_badges"])
}

func TestServerSessionsAndTotals(t *testing.T) {
	h := newHarness(t, SchemaV2, Options{})
	records := map[string]any{"records": []map[string]any{
		{"client_batch_id": "b1", "site": "instagram", "pixels": 9000, "meters": 120, "started_at": "2026-03-01T09:00:00Z", "ended_at": "2026-03-01T09:05:00Z"},
	}}
	var res map[string]int
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/sessions/bulk", records, &res))
	assert.Equal(t, map[string]int{"inserted": 1, "skipped": 0}, res)

	var total UserTotal
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/totals", nil, &total))
	assert.Equal(t, 120.0, total.TotalMeters)

	require.Equal(t, http.StatusNoContent, h.do(http.MethodPut, "/v1/totals", map[string]float64{"total_meters": 5}, nil))
	var sum map[string]float64
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/sessions/sum", nil, &sum))
	assert.Equal(t, 120.0, sum["total_meters"])

	var stats struct {
		BySite      map[string]float64 `json:"by_site"`
		TodayMeters float64            `json:"today_meters"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/stats/today?since=2026-03-01T00:00:00Z", nil, &stats))
	assert.Equal(t, map[string]float64{"instagram": 120}, stats.BySite)
	assert.Equal(t, 120.0, stats.TodayMeters)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/stats/today", nil, nil))
}

func TestServerAchievementConflict(t *testing.T) {
	h := newHarness(t, SchemaV2, Options{})
	row := map[string]any{"event_key": "burst_scroll_2026-03-01", "title": "Flick Frenzy", "trigger_type": "burst_scroll", "snapshot": map[string]any{"rolling_meters": 41}}
	var created Achievement
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/achievements", row, &created))
	assert.JSONEq(t, `{"rolling_meters":41}`, created.Snapshot)

	var body errorBody
	require.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/v1/achievements", row, &body))
	assert.Equal(t, codeDuplicateEventKey, body.Error.Code)

	var got Achievement
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/achievements/burst_scroll_2026-03-01", nil, &got))
	assert.Equal(t, created.ID, got.ID)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/achievements/nope", nil, nil))

	var list struct {
		Achievements []Achievement `json:"achievements"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/achievements", nil, &list))
	assert.Len(t, list.Achievements, 1)
}

func TestServerLegacySchemaRejectsFullRows(t *testing.T) {
	h := newHarness(t, SchemaV1, Options{})
	var body errorBody
	full := map[string]any{"event_key": "k", "title": "T", "trigger_type": "daily_distance"}
	require.Equal(t, http.StatusUnprocessableEntity, h.do(http.MethodPost, "/v1/achievements", full, &body))
	assert.Equal(t, codeSchemaMismatch, body.Error.Code)

	legacy := map[string]any{"event_key": "k", "title": "T"}
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/achievements", legacy, nil))
}

func TestServerBadgeGeneration(t *testing.T) {
	disabled := newHarness(t, SchemaV2, Options{})
	req := map[string]any{"event_key": "daily_distance_100_2026-03-01", "trigger_type": "daily_distance", "trigger_value": 100}
	require.Equal(t, http.StatusNotFound, disabled.do(http.MethodPost, "/v1/achievements/ai-badge", req, nil))

	h := newHarness(t, SchemaV2, Options{AIBadges: true})
	var first, second Achievement
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/achievements/ai-badge", req, &first))
	assert.Equal(t, SourceAI, first.Source)
	assert.Equal(t, "Scroll Odyssey: 100m", first.Title)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/achievements/ai-badge", req, &second))
	assert.Equal(t, first.ID, second.ID)
}

func TestServerRevokeSession(t *testing.T) {
	h := newHarness(t, SchemaV2, Options{})
	require.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/v1/auth/session", nil, nil))
	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/v1/totals", nil, nil))
}
