package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/crisis"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/idle"
	"github.com/safewatchhq/safewatch-agent/internal/queue"
	"github.com/safewatchhq/safewatch-agent/internal/status"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
	"github.com/safewatchhq/safewatch-agent/internal/uploader"
)

const testToken = "test-ipc-token"

type nopUploader struct{}

func (nopUploader) Upload(ctx context.Context, item storage.QueuedItem, deviceID string) (string, error) {
	return "ref", nil
}

type stillActivity struct{}

func (stillActivity) Sample(ctx context.Context) (idle.Sample, error) {
	return idle.Sample{}, nil
}

type ipcFixture struct {
	handler http.Handler
	store   storage.Store
	events  *events.Logger
	monitor *idle.Monitor
}

func newIPCFixture(t *testing.T, token string) *ipcFixture {
	t.Helper()
	s, err := storage.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := zerolog.Nop()
	ev := events.NewLogger(s, log)
	engine := crisis.New(s, log, crisis.Options{})
	tracker := status.NewTracker(s, log)
	q := queue.New(s, ev, 100, log)
	monitor := idle.NewMonitor(stillActivity{}, 300, time.Second, log)
	sync := uploader.New(uploader.Config{
		DeviceID:      "device-test",
		DrainInterval: time.Second,
		BatchSize:     10,
		MaxAttempts:   5,
		RetryBase:     time.Second,
	}, nopUploader{}, q, ev, tracker, s, log)

	srv := NewServer(Config{
		Addr:    "127.0.0.1:0",
		Token:   token,
		Queue:   q,
		Events:  ev,
		Tracker: tracker,
		Sync:    sync,
		Monitor: monitor,
		Engine:  engine,
		Store:   s,
	}, log)

	return &ipcFixture{handler: srv.Handler(), store: s, events: ev, monitor: monitor}
}

func (f *ipcFixture) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestAllEndpointsRequireToken(t *testing.T) {
	f := newIPCFixture(t, testToken)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/v1/status"},
		{http.MethodGet, "/v1/events"},
		{http.MethodDelete, "/v1/events"},
		{http.MethodGet, "/v1/stats"},
		{http.MethodPut, "/v1/settings/idle-threshold"},
		{http.MethodPut, "/v1/settings/decoy"},
	}
	for _, p := range paths {
		if w := f.request(t, p.method, p.path, "", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: expected 401, got %d", p.method, p.path, w.Code)
		}
		if w := f.request(t, p.method, p.path, "wrong-token", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with wrong token: expected 401, got %d", p.method, p.path, w.Code)
		}
	}
}

func TestEmptyConfiguredTokenRefusesEverything(t *testing.T) {
	f := newIPCFixture(t, "")
	if w := f.request(t, http.MethodGet, "/v1/status", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("empty configured token must refuse all requests; got %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newIPCFixture(t, testToken)

	w := f.request(t, http.MethodGet, "/v1/status", testToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		QueueSize      int    `json:"queue_size"`
		Online         bool   `json:"online"`
		NeedsAttention bool   `json:"needs_attention"`
		IdleState      string `json:"idle_state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.QueueSize != 0 || resp.NeedsAttention || resp.IdleState != "active" {
		t.Errorf("unexpected status: %+v", resp)
	}
	if !resp.Online {
		t.Error("fresh agent should report online")
	}
}

func TestEventsEndpointListAndClear(t *testing.T) {
	f := newIPCFixture(t, testToken)
	f.events.Log(events.Entry{Type: events.TypeCaptureSuccess, Success: true})
	f.events.Log(events.Entry{Type: events.TypeIdlePause})

	w := f.request(t, http.MethodGet, "/v1/events", testToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []storage.EventRecord
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 events, got %d", len(list))
	}

	// Type filter
	w = f.request(t, http.MethodGet, "/v1/events?type=idle_pause", testToken, "")
	list = nil
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || list[0].Type != events.TypeIdlePause {
		t.Fatalf("type filter failed: %+v", list)
	}

	// Clear
	w = f.request(t, http.MethodDelete, "/v1/events", testToken, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	n, _ := f.events.Count()
	if n != 0 {
		t.Fatalf("expected empty log after clear, got %d", n)
	}
}

func TestIdleThresholdValidation(t *testing.T) {
	f := newIPCFixture(t, testToken)

	for _, body := range []string{`{"seconds":59}`, `{"seconds":1801}`, `{"seconds":0}`} {
		w := f.request(t, http.MethodPut, "/v1/settings/idle-threshold", testToken, body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("body %s: expected 422, got %d", body, w.Code)
		}
	}

	w := f.request(t, http.MethodPut, "/v1/settings/idle-threshold", testToken, `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestIdleThresholdPersistsAndApplies(t *testing.T) {
	f := newIPCFixture(t, testToken)

	w := f.request(t, http.MethodPut, "/v1/settings/idle-threshold", testToken, `{"seconds":600}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	if f.monitor.Threshold() != 600 {
		t.Errorf("monitor threshold not applied: %d", f.monitor.Threshold())
	}
	settings, err := f.store.GetSettings()
	if err != nil || settings == nil {
		t.Fatalf("GetSettings: err=%v settings=%v", err, settings)
	}
	if settings.IdleThresholdSeconds != 600 {
		t.Errorf("threshold not persisted: %d", settings.IdleThresholdSeconds)
	}
}

func TestDecoySettingPersists(t *testing.T) {
	f := newIPCFixture(t, testToken)

	w := f.request(t, http.MethodPut, "/v1/settings/decoy", testToken, `{"enabled":true}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	settings, _ := f.store.GetSettings()
	if settings == nil || !settings.DecoyModeEnabled {
		t.Error("decoy setting not persisted")
	}

	w = f.request(t, http.MethodPut, "/v1/settings/decoy", testToken, `{"enabled":false}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	settings, _ = f.store.GetSettings()
	if settings.DecoyModeEnabled {
		t.Error("decoy setting not updated")
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newIPCFixture(t, testToken)

	w := f.request(t, http.MethodGet, "/v1/stats", testToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		AllowlistSize int `json:"allowlist_size"`
		IdleThreshold int `json:"idle_threshold_seconds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AllowlistSize < 40 {
		t.Errorf("allowlist size %d below bundled floor", resp.AllowlistSize)
	}
	if resp.IdleThreshold != 300 {
		t.Errorf("expected threshold 300, got %d", resp.IdleThreshold)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newIPCFixture(t, testToken)

	cases := []struct{ method, path string }{
		{http.MethodPost, "/v1/status"},
		{http.MethodPut, "/v1/events"},
		{http.MethodGet, "/v1/settings/idle-threshold"},
		{http.MethodGet, "/v1/settings/decoy"},
	}
	for _, c := range cases {
		if w := f.request(t, c.method, c.path, testToken, ""); w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", c.method, c.path, w.Code)
		}
	}
}
