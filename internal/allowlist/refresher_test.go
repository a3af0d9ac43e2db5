package allowlist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/crisis"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

func newRefresherFixture(t *testing.T, url string) (*Refresher, *crisis.Engine, *events.Logger) {
	t.Helper()
	s, err := storage.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	log := zerolog.Nop()
	ev := events.NewLogger(s, log)
	engine := crisis.New(s, log, crisis.Options{})
	return New(url, time.Hour, engine, ev, log), engine, ev
}

func TestRefreshAppliesRemoteDomains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"2026-08-01","domains":["regional-helpline.example.org"]}`))
	}))
	defer srv.Close()

	r, engine, ev := newRefresherFixture(t, srv.URL)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if !engine.IsURLProtected("regional-helpline.example.org") {
		t.Error("refreshed domain should be protected")
	}
	// The bundled floor survives the refresh.
	if !engine.IsURLProtected("988lifeline.org") {
		t.Error("bundled domain must remain protected")
	}
	_, version, _ := engine.CacheInfo()
	if version != "2026-08-01" {
		t.Errorf("expected version 2026-08-01, got %q", version)
	}

	list, _ := ev.List([]string{events.TypeAllowlistRefresh}, 10)
	if len(list) != 1 {
		t.Fatalf("expected 1 allowlist_refreshed event, got %d", len(list))
	}
}

func TestRefreshRejectsEmptyDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"bad","domains":[]}`))
	}))
	defer srv.Close()

	r, engine, _ := newRefresherFixture(t, srv.URL)
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("empty document should be rejected")
	}
	// Protection unchanged
	if !engine.IsURLProtected("988lifeline.org") {
		t.Error("bundled domain must remain protected after rejected refresh")
	}
}

func TestRefreshRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, _, _ := newRefresherFixture(t, srv.URL)
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("HTTP 500 should fail the refresh")
	}
}

func TestRefreshUnreachableSourceKeepsFloor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	r, engine, _ := newRefresherFixture(t, srv.URL)
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("unreachable source should fail the refresh")
	}
	if !engine.IsURLProtected("crisistextline.org") {
		t.Error("bundled floor must survive an unreachable source")
	}
}

func TestRunDisabledWithoutURL(t *testing.T) {
	r, _, _ := newRefresherFixture(t, "")
	// Must return immediately, not block on the ticker.
	done := make(chan struct{})
	go func() {
		_ = r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately with no source configured")
	}
}

func TestValidDomains(t *testing.T) {
	in := []string{
		"good.org",
		"  Mixed.Case.ORG  ",
		"",                      // empty
		"no-dot",                // not a domain
		"has space.org",         // whitespace
		"https://scheme.org",    // URL, not a bare domain
		"bad/path.org",          // path separator
		"user@host.org",         // credentials
		"host.org:443",          // port
		string(make([]byte, 300)) + ".org", // overlong
	}
	out := validDomains(in)
	want := []string{"good.org", "mixed.case.org"}
	if len(out) != len(want) {
		t.Fatalf("expected %d valid domains, got %d: %v", len(want), len(out), out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("domain %d: expected %q, got %q", i, want[i], out[i])
		}
	}
}
