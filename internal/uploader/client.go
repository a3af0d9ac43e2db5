// Package uploader drains the durable queue to the guardian upload endpoint
// with retry, backoff, and rate limiting.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

// ErrTransient marks a failure worth retrying: network errors, timeouts,
// 5xx, and 429. Status is 0 when the request never reached the server.
type ErrTransient struct {
	Status int
	Err    error
}

func (e *ErrTransient) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transient upload failure: %v", e.Err)
	}
	return fmt.Sprintf("transient upload failure: HTTP %d", e.Status)
}

func (e *ErrTransient) Unwrap() error { return e.Err }

// ErrPermanent marks a failure retrying cannot fix (4xx other than 429).
type ErrPermanent struct {
	Status int
}

func (e *ErrPermanent) Error() string {
	return fmt.Sprintf("permanent upload failure: HTTP %d", e.Status)
}

// ClientConfig holds parameters for the upload client.
type ClientConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client POSTs capture payloads to the remote endpoint with bearer auth.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger
}

// NewClient constructs an upload client.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		log:  log,
	}
}

// uploadRequest is the wire shape of a capture upload. There is no URL or
// title field; the payload is opaque image data.
type uploadRequest struct {
	DeviceID    string    `json:"device_id"`
	CapturedAt  time.Time `json:"captured_at"`
	IsDecoy     bool      `json:"is_decoy"`
	ContentType string    `json:"content_type"`
	Payload     []byte    `json:"payload"` // base64 over the wire
}

type uploadResponse struct {
	Ref string `json:"ref"`
}

// Upload sends one item. Returns nil on confirmed success, *ErrTransient or
// *ErrPermanent otherwise. A timeout is classified as transient.
func (c *Client) Upload(ctx context.Context, item storage.QueuedItem, deviceID string) (string, error) {
	body, err := json.Marshal(uploadRequest{
		DeviceID:    deviceID,
		CapturedAt:  item.CapturedAt,
		IsDecoy:     item.IsDecoy,
		ContentType: item.ContentType,
		Payload:     item.Payload,
	})
	if err != nil {
		return "", &ErrPermanent{Status: 0}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", &ErrPermanent{Status: 0}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	metrics.UploadDuration.Observe(elapsed.Seconds())

	if err != nil {
		return "", &ErrTransient{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ur uploadResponse
		_ = json.NewDecoder(resp.Body).Decode(&ur)
		return ur.Ref, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &ErrTransient{Status: resp.StatusCode}
	default:
		return "", &ErrPermanent{Status: resp.StatusCode}
	}
}
