// Package bridge is the HTTP client for the loopback endpoint the browser
// extension exposes on the supervised device. It is the agent's only source
// of the current snapshot and of activity signals.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/idle"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
)

// ClientConfig holds parameters for constructing a bridge client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Snapshot is the current page capture as reported by the extension. URL is
// consumed synchronously by the crisis gate and is never persisted or logged.
type Snapshot struct {
	URL         string `json:"url"`
	Payload     []byte `json:"payload"` // base64 over the wire
	ContentType string `json:"content_type"`
}

// Client talks to the extension bridge over loopback HTTP.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger
}

// NewClient constructs a bridge client.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		log:  log,
	}
}

// Snapshot fetches the current page snapshot.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.getJSON(ctx, "/snapshot", "snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// urlResponse is the wire shape of the bridge /url endpoint.
type urlResponse struct {
	URL string `json:"url"`
}

// CurrentURL returns the URL of the active page without capturing anything.
// The scheduler calls this before the crisis gate; the heavier Snapshot call
// happens only for pages that clear it.
func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	var resp urlResponse
	if err := c.getJSON(ctx, "/url", "url", &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// activityResponse is the wire shape of the bridge /activity endpoint.
type activityResponse struct {
	IdleSeconds float64 `json:"idle_seconds"`
	Locked      bool    `json:"locked"`
}

// Sample implements idle.ActivitySource.
func (c *Client) Sample(ctx context.Context) (idle.Sample, error) {
	var resp activityResponse
	if err := c.getJSON(ctx, "/activity", "activity", &resp); err != nil {
		return idle.Sample{}, err
	}
	return idle.Sample{
		IdleFor: time.Duration(resp.IdleSeconds * float64(time.Second)),
		Locked:  resp.Locked,
	}, nil
}

// Ping verifies the bridge is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.BridgeCalls.WithLabelValues("healthz", "error").Inc()
		return &ErrUnavailable{Err: err}
	}
	defer resp.Body.Close()
	metrics.BridgeCalls.WithLabelValues("healthz", statusLabel(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return &ErrBadResponse{Status: resp.StatusCode}
	}
	return nil
}

// getJSON executes a GET and decodes the JSON body, recording call metrics.
func (c *Client) getJSON(ctx context.Context, path, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.BridgeCalls.WithLabelValues(endpoint, "error").Inc()
		return &ErrUnavailable{Err: err}
	}
	defer resp.Body.Close()
	metrics.BridgeCalls.WithLabelValues(endpoint, statusLabel(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		return &ErrBadResponse{Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func statusLabel(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
