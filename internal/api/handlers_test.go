package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/XTFG/nezha-dash-v1/internal/config"
	"github.com/XTFG/nezha-dash-v1/internal/models"
	"github.com/XTFG/nezha-dash-v1/internal/pipeline"
	"github.com/XTFG/nezha-dash-v1/internal/session"
	"github.com/XTFG/nezha-dash-v1/internal/testutil"
)

const start = int64(1_700_000_000_000)

type fakeWriter struct {
	subjectID uint64
	series    []models.MonitorSeries
	err       error
}

func (w *fakeWriter) AddSeries(_ context.Context, subjectID uint64, series []models.MonitorSeries) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.subjectID = subjectID
	w.series = series
	n := 0
	for _, s := range series {
		n += s.Len()
	}
	return n, nil
}

type testServer struct {
	e        *echo.Echo
	src      *testutil.MockSource
	sessions *session.Manager
	store    *fakeWriter
}

func newTestServer(t *testing.T, withStore bool) *testServer {
	t.Helper()

	src := testutil.NewMockSource()
	cfg := pipeline.DefaultConfig()
	cfg.Now = func() time.Time { return time.UnixMilli(start + 3600*1000) }
	svc := pipeline.NewService(src, nil, cfg)

	sessions := session.NewManager(svc, session.Config{PollInterval: 20 * time.Millisecond})
	t.Cleanup(sessions.Close)

	ts := &testServer{e: echo.New(), src: src, sessions: sessions}
	deps := &Dependencies{
		Pipeline: svc,
		Sessions: sessions,
		Presets:  config.DefaultPresets(),
		Source:   "upstream",
		Version:  "test",
	}
	if withStore {
		ts.store = &fakeWriter{}
		deps.Store = ts.store
	}

	SetupMiddleware(ts.e, MiddlewareOptions{ExposeDetails: true})
	RegisterRoutes(ts.e, NewHandlers(deps))
	return ts
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "upstream", body["source"])
	assert.Equal(t, []interface{}{"tasks+records", "records", "record-array"}, body["shapes"])
}

func TestHandleRanges(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/ranges", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var presets config.RangePresets
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &presets))
	assert.Equal(t, config.DefaultPresets().Buckets, presets.Buckets)
	assert.Equal(t, 24, presets.Default)
}

func TestHandleGetMonitors(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(5, testutil.RecordsPayload(1, "hk", start, 60000, 10, 12, 11)))

	rec := ts.do(http.MethodGet, "/api/monitors/5?hours=6.9&max_count=100", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	data, ok := body["data"].([]interface{})
	require.True(t, ok)
	require.Len(t, data, 1)
	first := data[0].(map[string]interface{})
	assert.Equal(t, "hk", first["monitor_name"])

	queries := ts.src.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, 6, queries[0].Hours)
	assert.Equal(t, 100, queries[0].MaxCount)
}

func TestHandleGetMonitors_DefaultHours(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(5, testutil.RecordsPayload(1, "hk", start, 60000, 10)))

	rec := ts.do(http.MethodGet, "/api/monitors/5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	queries := ts.src.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, 24, queries[0].Hours)
}

func TestHandleGetMonitors_HoursClippedToRetention(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(5, testutil.RecordsPayload(1, "hk", start, 60000, 10)))

	rec := ts.do(http.MethodGet, "/api/monitors/5?hours=100000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 720, ts.src.Queries()[0].Hours)
}

func TestHandleGetMonitors_Validation(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name   string
		target string
		field  string
	}{
		{"bad server id", "/api/monitors/abc", "serverId"},
		{"bad hours", "/api/monitors/1?hours=soon", "hours"},
		{"negative max count", "/api/monitors/1?max_count=-3", "max_count"},
		{"bad peak cut", "/api/monitors/1/series?peak_cut=maybe", "peak_cut"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "VALIDATION_ERROR", body["code"])
			assert.Contains(t, body["message"], tt.field)
		})
	}
	assert.Zero(t, ts.src.Calls())
}

func TestHandleGetMonitors_UpstreamFailure(t *testing.T) {
	ts := newTestServer(t, false)
	ts.src.SetError(9, errors.New("connection refused"))

	rec := ts.do(http.MethodGet, "/api/monitors/9", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "UPSTREAM_ERROR", body["code"])
	assert.Equal(t, "fetch failed", body["message"])
	assert.Contains(t, body["details"], "connection refused")
}

func TestHandleGetSeries_RequestDeadline(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(3, testutil.RecordsPayload(1, "hk", start, 60000, 10)))
	ts.src.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/monitors/3/series", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "TIMEOUT", decodeBody(t, rec)["code"])
}

func TestPipelineError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"deadline", fmt.Errorf("%w: %w", pipeline.ErrCanceled, context.DeadlineExceeded), http.StatusGatewayTimeout, "TIMEOUT"},
		{"canceled", fmt.Errorf("%w: %w", pipeline.ErrCanceled, context.Canceled), StatusClientClosedRequest, "CANCELED"},
		{"fetch", fmt.Errorf("%w: %w", pipeline.ErrFetch, context.DeadlineExceeded), http.StatusBadGateway, "UPSTREAM_ERROR"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := pipelineError(tt.err)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestHandleGetMonitors_PayloadErrorField(t *testing.T) {
	ts := newTestServer(t, false)
	ts.src.SetRaw(9, `{"error":"server not found"}`)

	rec := ts.do(http.MethodGet, "/api/monitors/9", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "UPSTREAM_ERROR", decodeBody(t, rec)["code"])
}

func TestHandleGetSeries(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(3, testutil.RecordsPayload(2, "sg", start, 60000, 20, 21, 900, 22)))

	rec := ts.do(http.MethodGet, "/api/monitors/3/series?hours=1&peak_cut=true&keys=sg", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["peakCut"])
	rows, ok := body["rows"].([]interface{})
	require.True(t, ok)
	require.Len(t, rows, 4)

	row := rows[0].(map[string]interface{})
	assert.Contains(t, row, "created_at")
	assert.Contains(t, row, "sg")
	assert.Contains(t, row, "sg_packet_loss")

	rec2 := body["reconciliation"].(map[string]interface{})
	assert.EqualValues(t, 60000, rec2["intervalMs"])
}

func TestHandleGetSeriesMsgpack(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(3, testutil.RecordsPayload(2, "sg", start, 60000, 20, -1, 22)))

	rec := ts.do(http.MethodGet, "/api/monitors/3/series/msgpack?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var out map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &out))
	rows, ok := out["rows"].([]interface{})
	require.True(t, ok)
	require.Len(t, rows, 3)

	lost := rows[1].(map[string]interface{})
	v, present := lost["sg"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestHandleIngest_PinnedShape(t *testing.T) {
	ts := newTestServer(t, true)

	payload, err := json.Marshal(testutil.RecordsPayload(4, "fra", start, 60000, 30))
	require.NoError(t, err)

	rec := ts.do(http.MethodPost, "/api/telemetry?server_id=12&shape=records", string(payload))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "records", decodeBody(t, rec)["shape"])

	rec = ts.do(http.MethodPost, "/api/telemetry?server_id=12&shape=record-array", string(payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", decodeBody(t, rec)["code"])
}

func TestHandleIngest_RequiresStore(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodPost, "/api/telemetry?server_id=1", `{"records":[]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleIngest(t *testing.T) {
	ts := newTestServer(t, true)

	payload, err := json.Marshal(testutil.RecordsPayload(4, "fra", start, 60000, 30, -1, 31))
	require.NoError(t, err)

	rec := ts.do(http.MethodPost, "/api/telemetry?server_id=12", string(payload))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.EqualValues(t, 3, body["written"])
	assert.EqualValues(t, 1, body["series"])
	assert.EqualValues(t, 0, body["dropped"])

	assert.Equal(t, uint64(12), ts.store.subjectID)
	require.Len(t, ts.store.series, 1)
	assert.Equal(t, "fra", ts.store.series[0].MonitorName)
	assert.Equal(t, models.LostSample(), ts.store.series[0].AvgDelay[1])
}

func TestHandleIngest_Rejects(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"missing server id", "/api/telemetry", `{"records":[]}`},
		{"malformed json", "/api/telemetry?server_id=1", `{"records":`},
		{"error payload", "/api/telemetry?server_id=1", `{"error":"nope"}`},
		{"unknown shape", "/api/telemetry?server_id=1", `{"hello":"world"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Nil(t, ts.store.series)
}

func TestHandleIngest_StoreFailure(t *testing.T) {
	ts := newTestServer(t, true)
	ts.store.err = errors.New("disk full")

	rec := ts.do(http.MethodPost, "/api/telemetry?server_id=1", `[{"task_id":1,"time":"1700000000000","value":3}]`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeBody(t, rec)["code"])
}

func TestLiveSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.src.SetPayload(8, testutil.RecordsPayload(1, "hk", start, 60000, 10, 11)))

	rec := ts.do(http.MethodPost, "/api/live", `{"serverId":8,"hours":3.5,"peakCut":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var sess models.LiveSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, uint64(8), sess.SubjectID)
	assert.Equal(t, 3, sess.Hours)
	assert.True(t, sess.PeakCut)

	require.Eventually(t, func() bool {
		_, result, ok := ts.sessions.GetSession(sess.ID)
		return ok && result != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec = ts.do(http.MethodGet, "/api/live/"+sess.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotNil(t, body["result"])
	assert.Equal(t, "live", body["session"].(map[string]interface{})["status"])

	rec = ts.do(http.MethodPost, "/api/live/"+sess.ID+"/keepalive", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/live/"+sess.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodGet, "/api/live/"+sess.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(http.MethodPost, "/api/live/"+sess.ID+"/keepalive", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(http.MethodDelete, "/api/live/"+sess.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStartLive_Validation(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodPost, "/api/live", `{"hours":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/live", `{"serverId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", decodeBody(t, rec)["code"])
}

func TestErrorHandler_EchoErrors(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "HTTP_ERROR", decodeBody(t, rec)["code"])
}

func TestSplitKeys(t *testing.T) {
	assert.Nil(t, splitKeys(""))
	assert.Equal(t, []string{"a", "b c"}, splitKeys(" a ,, b c ,"))
}
