package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{BaseURL: url, Timeout: 2 * time.Second}, zerolog.Nop())
}

func TestCurrentURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/url" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://example.com/page"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	url, err := c.CurrentURL(context.Background())
	if err != nil {
		t.Fatalf("CurrentURL: %v", err)
	}
	if url != "https://example.com/page" {
		t.Errorf("wrong url: %q", url)
	}
}

func TestSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/snapshot" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		// []byte marshals as base64 over JSON
		_, _ = w.Write([]byte(`{"url":"https://example.com","payload":"cG5n","content_type":"image/png"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(snap.Payload) != "png" {
		t.Errorf("payload decode failed: %q", snap.Payload)
	}
	if snap.ContentType != "image/png" {
		t.Errorf("wrong content type: %q", snap.ContentType)
	}
}

func TestSampleActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activity" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"idle_seconds":42.5,"locked":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	sample, err := c.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if sample.IdleFor != 42500*time.Millisecond {
		t.Errorf("wrong idle duration: %s", sample.IdleFor)
	}
	if !sample.Locked {
		t.Error("locked flag lost")
	}
}

func TestBadStatusReturnsErrBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.CurrentURL(context.Background())
	var bad *ErrBadResponse
	if !errors.As(err, &bad) {
		t.Fatalf("expected ErrBadResponse, got %T: %v", err, err)
	}
	if bad.Status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", bad.Status)
	}
}

func TestUnreachableBridgeReturnsErrUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.CurrentURL(context.Background())
	var unavail *ErrUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("expected ErrUnavailable, got %T: %v", err, err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
