// Package allowlist periodically refreshes the protected-domain list from a
// remote source. The bundled defaults are the floor that is always available
// offline: a refresh can extend protection but a failed or malformed refresh
// never shrinks it.
package allowlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/crisis"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
)

// document is the wire shape of the remote domain list.
type document struct {
	Version string   `json:"version"`
	Domains []string `json:"domains"`
}

// Refresher polls the remote source and feeds validated updates into the
// protection engine.
type Refresher struct {
	url      string
	interval time.Duration
	engine   *crisis.Engine
	events   *events.Logger
	http     *http.Client
	log      zerolog.Logger
}

// New constructs a Refresher. An empty url disables it.
func New(url string, interval time.Duration, engine *crisis.Engine, ev *events.Logger, log zerolog.Logger) *Refresher {
	return &Refresher{
		url:      url,
		interval: interval,
		engine:   engine,
		events:   ev,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

// Run refreshes immediately, then on the configured interval until ctx is
// cancelled. Returns immediately if no remote source is configured.
func (r *Refresher) Run(ctx context.Context) error {
	if r.url == "" {
		return nil
	}

	if err := r.Refresh(ctx); err != nil {
		r.log.Warn().Err(err).Msg("initial allowlist refresh failed; bundled floor remains active")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				metrics.AllowlistRefreshes.WithLabelValues("error").Inc()
				r.log.Warn().Err(err).Msg("allowlist refresh failed; keeping last good cache")
			}
		}
	}
}

// Refresh fetches, validates, and applies one update.
func (r *Refresher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch allowlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("allowlist source returned HTTP %d", resp.StatusCode)
	}

	var doc document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode allowlist document: %w", err)
	}

	valid := validDomains(doc.Domains)
	if len(valid) == 0 {
		return fmt.Errorf("allowlist document contained no valid domains")
	}

	r.engine.Update(valid, doc.Version)
	metrics.AllowlistRefreshes.WithLabelValues("success").Inc()
	r.events.Log(events.Entry{Type: events.TypeAllowlistRefresh, Success: true})
	r.log.Info().Int("domains", len(valid)).Str("version", doc.Version).Msg("allowlist refreshed")
	return nil
}

// validDomains drops entries that are not plausible bare domains. Hostile or
// garbled entries must not be able to poison the cache.
func validDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || len(d) > 253 {
			continue
		}
		if strings.ContainsAny(d, " /?#@:") {
			continue
		}
		if !strings.Contains(d, ".") {
			continue
		}
		out = append(out, d)
	}
	return out
}
