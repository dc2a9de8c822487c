package daemon

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sperwe/Tree-Style-History-sub000/internal/app"
	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/config"
	"github.com/sperwe/Tree-Style-History-sub000/internal/history"
	"github.com/sperwe/Tree-Style-History-sub000/internal/message"
	"github.com/sperwe/Tree-Style-History-sub000/internal/tabs"
)

func testOptions() Options {
	return Options{
		RateLimit:      1000,
		Burst:          1000,
		MaxRequestSize: 1 << 20,
		AllowedOrigins: []string{"chrome-extension://*"},
	}
}

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	a, err := app.New(context.Background(), db, config.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Store.Close() })
	return New(a, testOptions(), nil), a
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) message.Response {
	t.Helper()
	var resp message.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tshistory_")
}

func TestStatusEndpoint(t *testing.T) {
	s, a := newTestServer(t)
	require.NoError(t, a.TabOpened(context.Background(), browser.Tab{ID: 1, URL: "https://a.com", Title: "A"}))

	rec := do(t, s.Handler(), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st app.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.OpenTabs)
	assert.Equal(t, "idle", st.Import.StateName)
	require.NotNil(t, st.Stats)
	assert.Equal(t, int64(1), st.Stats.OpenTabs)
}

func TestTabLifecycleOverHTTP(t *testing.T) {
	s, a := newTestServer(t)
	h := s.Handler()
	ctx := context.Background()

	rec := do(t, h, http.MethodPost, "/api/tabs/opened", browser.Tab{ID: 7, URL: "https://a.com", Title: "A"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/tabs/activated", map[string]int{"id": 7})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/tabs/recent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recent []tabs.OpenTab
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, "https://a.com", recent[0].URL)

	rec = do(t, h, http.MethodPost, "/api/tabs/closed", map[string]int{"id": 7})
	require.Equal(t, http.StatusOK, rec.Code)

	cr, err := a.Store.GetCloseRecord(ctx, "0_7")
	require.NoError(t, err)
	assert.Equal(t, 0, cr.CloseState)
	assert.Equal(t, 0, a.Tracker.Len())
}

func TestSyncThenNavigationRecordsVisit(t *testing.T) {
	s, a := newTestServer(t)
	h := s.Handler()
	now := time.Now().UTC().Truncate(time.Second)

	rec := do(t, h, http.MethodPost, "/api/history/sync", map[string]interface{}{
		"items": []browser.Snapshot{{
			HistoryItem: browser.HistoryItem{ID: 1, URL: "https://a.com", Title: "A", LastVisitTime: now, VisitCount: 1},
			Visits:      []browser.VisitItem{{VisitID: 100, VisitTime: now, Transition: "typed"}},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"urls":1,"added":1}`, rec.Body.String())

	do(t, h, http.MethodPost, "/api/tabs/opened", browser.Tab{ID: 1, URL: "about:blank"})
	rec = do(t, h, http.MethodPost, "/api/tabs/updated", browser.Tab{ID: 1, URL: "https://a.com", Title: "A", Status: browser.StatusComplete})
	require.Equal(t, http.StatusOK, rec.Code)

	var report history.CorrelationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Added)

	v, err := a.Store.GetVisit(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "https://a.com", v.URL)
}

func TestMessageRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/message", map[string]interface{}{
		"action": "saveNote", "visitId": 42, "url": "https://a.com/page?x=1", "text": "remember this",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.True(t, resp.OK)

	rec = do(t, h, http.MethodPost, "/api/message", map[string]interface{}{
		"action": "checkNoteExists", "url": "https://a.com/page",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"data":{"exists":true}}`, rec.Body.String())
}

func TestMessageErrorsMapToStatus(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/message", map[string]interface{}{"action": "launchRockets"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, message.CodeInvalid, decodeResponse(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/message", map[string]interface{}{
		"action": "saveNote", "visitId": 1, "url": "https://a.com", "text": "   ",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/message", map[string]interface{}{"action": "pruneHistory", "days": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageBusyMapsToConflict(t *testing.T) {
	s, a := newTestServer(t)
	h := s.Handler()

	started := make(chan struct{})
	release := make(chan struct{})
	go a.Guard.Do(context.Background(), "import", func(context.Context) error { //nolint:errcheck
		close(started)
		<-release
		return nil
	})
	<-started
	defer close(release)

	rec := do(t, h, http.MethodPost, "/api/message", map[string]interface{}{"action": "pruneHistory", "days": 30})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, message.CodeBusy, decodeResponse(t, rec).Code)
}

func TestRejectsMalformedAndOversizedBodies(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/tabs/opened", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := bytes.Repeat([]byte("a"), 2<<20)
	body, err := json.Marshal(map[string]string{"action": "saveNote", "text": string(big)})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/message", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRejectsMissingTabID(t *testing.T) {
	s, a := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/tabs/opened", browser.Tab{URL: "https://a.com", Title: "A"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/tabs/updated", browser.Tab{ID: -1, URL: "https://a.com", Status: browser.StatusComplete})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/tabs/closed", map[string]int{"id": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/tabs/activated", map[string]int{"id": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 0, a.Tracker.Len())
}

func TestWrongMethodIsRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/api/message", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimit(t *testing.T) {
	_, a := newTestServer(t)
	opts := testOptions()
	opts.RateLimit = 0.001
	opts.Burst = 2
	h := New(a, opts, nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/health", nil).Code)
}

func TestCORSAllowsExtensionOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/message", nil)
	req.Header.Set("Origin", "chrome-extension://abcdef")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "chrome-extension://abcdef", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/message", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRunShutsDownOnCancel(t *testing.T) {
	_, a := newTestServer(t)
	opts := testOptions()
	opts.Addr = "127.0.0.1:0"
	s := New(a, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
