package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

func testItem() storage.QueuedItem {
	return storage.QueuedItem{
		ID:          "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		CapturedAt:  time.Now().UTC(),
		Payload:     []byte("png-bytes"),
		ContentType: "image/png",
	}
}

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{
		URL:     url,
		Token:   "secret-token",
		Timeout: 2 * time.Second,
	}, zerolog.Nop())
}

func TestUploadSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ref":"srv-ref-9"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ref, err := c.Upload(context.Background(), testItem(), "device-1")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "srv-ref-9" {
		t.Errorf("expected ref srv-ref-9, got %q", ref)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("wrong Authorization header: %q", gotAuth)
	}
	if gotBody["device_id"] != "device-1" {
		t.Errorf("wrong device_id: %v", gotBody["device_id"])
	}
}

// The upload request may never carry the page URL or title.
func TestUploadRequestHasNoURLField(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.Upload(context.Background(), testItem(), "device-1"); err != nil {
		t.Fatal(err)
	}
	for _, forbidden := range []string{"url", "title", "domain", "page"} {
		if _, ok := gotBody[forbidden]; ok {
			t.Errorf("upload body must not contain %q field", forbidden)
		}
	}
}

func TestUpload5xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Upload(context.Background(), testItem(), "device-1")
	var trans *ErrTransient
	if !errors.As(err, &trans) {
		t.Fatalf("expected ErrTransient, got %T: %v", err, err)
	}
	if trans.Status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", trans.Status)
	}
}

func TestUpload429IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Upload(context.Background(), testItem(), "device-1")
	var trans *ErrTransient
	if !errors.As(err, &trans) {
		t.Fatalf("expected ErrTransient for 429, got %T: %v", err, err)
	}
}

func TestUpload4xxIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Upload(context.Background(), testItem(), "device-1")
	var perm *ErrPermanent
	if !errors.As(err, &perm) {
		t.Fatalf("expected ErrPermanent, got %T: %v", err, err)
	}
	if perm.Status != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422, got %d", perm.Status)
	}
}

func TestUploadNetworkErrorIsTransientStatusZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately unreachable

	c := newTestClient(srv.URL)
	_, err := c.Upload(context.Background(), testItem(), "device-1")
	var trans *ErrTransient
	if !errors.As(err, &trans) {
		t.Fatalf("expected ErrTransient for connection failure, got %T: %v", err, err)
	}
	if trans.Status != 0 {
		t.Errorf("network failure should report status 0, got %d", trans.Status)
	}
}
