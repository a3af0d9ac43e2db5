package crisis

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

// Policy constants. The fuzzy distance and bundled list are security policy,
// not tunables: constants here, deliberately not exposed as user
// configuration. Options exists so tests can tighten the distance.
const (
	defaultFuzzyDistance = 2

	// maxCandidateLen caps the domain length admitted to fuzzy matching so a
	// pathological hostname cannot cause unbounded comparison cost.
	maxCandidateLen = 100

	// checkBudget is the soft latency ceiling for a single check. Exceeding it
	// is a warning, never an error, and never blocks the result.
	checkBudget = 10 * time.Millisecond
)

// Options tune the engine for tests. Zero values select policy defaults.
type Options struct {
	FuzzyDistance int
}

// cache is the in-memory allowlist, rebuilt on demand. byFirst groups domains
// by first byte to prune the fuzzy scan.
type cache struct {
	exact   map[string]struct{}
	byFirst map[byte][]string
	version string
	builtAt time.Time
}

// Engine answers "is this URL a protected crisis resource?" synchronously and
// fail-safe. It never logs or stores the checked URL; the only observable
// output is the boolean.
type Engine struct {
	store storage.Store // snapshot source; may be nil (bundled defaults only)
	log   zerolog.Logger
	dist  int

	mu    sync.RWMutex
	cache *cache
}

// New constructs an Engine. The cache is built lazily on first check.
func New(store storage.Store, log zerolog.Logger, opts Options) *Engine {
	dist := opts.FuzzyDistance
	if dist <= 0 {
		dist = defaultFuzzyDistance
	}
	return &Engine{store: store, log: log, dist: dist}
}

// IsURLProtected reports whether raw refers to a protected domain, either
// exactly or within the fuzzy edit distance. Any internal failure resolves to
// true: when in doubt, never capture.
func (e *Engine) IsURLProtected(raw string) (protected bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.CrisisFallbacks.WithLabelValues("panic").Inc()
			e.log.Error().Msg("protection check panicked; treating as protected")
			protected = true
		}
		elapsed := time.Since(start)
		metrics.CrisisCheckDuration.Observe(elapsed.Seconds())
		if elapsed > checkBudget {
			metrics.CrisisBudgetExceeded.Inc()
			e.log.Warn().Dur("elapsed", elapsed).Msg("protection check exceeded latency budget")
		}
	}()

	c := e.activeCache()
	if c == nil || len(c.exact) == 0 {
		// Rebuild failed and even the bundled floor is unavailable.
		return true
	}

	domain, err := normalizeDomain(raw)
	if err != nil {
		return true
	}

	if _, ok := c.exact[domain]; ok {
		return true
	}

	if len(domain) > maxCandidateLen {
		return false
	}
	for _, cand := range c.byFirst[domain[0]] {
		if withinDistance(domain, cand, e.dist) {
			return true
		}
	}
	return false
}

// Update replaces the cached domain set. The bundled defaults are unioned in,
// so an update can extend protection but never shrink it below the floor.
// The merged set is persisted when a store is present.
func (e *Engine) Update(domains []string, version string) {
	merged := unionWithBundled(domains)
	c := buildCache(merged, version)

	e.mu.Lock()
	e.cache = c
	e.mu.Unlock()
	metrics.AllowlistDomains.Set(float64(len(c.exact)))

	if e.store != nil {
		snap := storage.AllowlistSnapshot{Domains: merged, Version: version, BuiltAt: c.builtAt}
		if err := e.store.SetAllowlist(snap); err != nil {
			e.log.Warn().Err(err).Msg("persist allowlist snapshot failed")
		}
	}
}

// Reset discards the in-memory cache; the next check rebuilds it.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.cache = nil
	e.mu.Unlock()
}

// CacheInfo returns the active cache size, version, and build time.
func (e *Engine) CacheInfo() (size int, version string, builtAt time.Time) {
	c := e.activeCache()
	if c == nil {
		return 0, "", time.Time{}
	}
	return len(c.exact), c.version, c.builtAt
}

// activeCache returns the current cache, building it if needed.
func (e *Engine) activeCache() *cache {
	e.mu.RLock()
	c := e.cache
	e.mu.RUnlock()
	if c != nil {
		return c
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache != nil {
		return e.cache
	}
	e.cache = e.build()
	metrics.AllowlistDomains.Set(float64(len(e.cache.exact)))
	return e.cache
}

// build assembles the cache from the persisted snapshot, falling back to the
// bundled defaults on any error or an empty snapshot.
func (e *Engine) build() *cache {
	if e.store != nil {
		snap, err := e.store.GetAllowlist()
		switch {
		case err != nil:
			metrics.CrisisFallbacks.WithLabelValues("snapshot_error").Inc()
			e.log.Warn().Err(err).Msg("allowlist snapshot unreadable; using bundled defaults")
		case snap == nil || len(snap.Domains) == 0:
			metrics.CrisisFallbacks.WithLabelValues("snapshot_missing").Inc()
		default:
			return buildCache(unionWithBundled(snap.Domains), snap.Version)
		}
	}
	return buildCache(bundledDomains, "bundled")
}

func buildCache(domains []string, version string) *cache {
	c := &cache{
		exact:   make(map[string]struct{}, len(domains)),
		byFirst: make(map[byte][]string),
		version: version,
		builtAt: time.Now().UTC(),
	}
	for _, d := range domains {
		norm, err := normalizeDomain(d)
		if err != nil {
			continue
		}
		if _, dup := c.exact[norm]; dup {
			continue
		}
		c.exact[norm] = struct{}{}
		c.byFirst[norm[0]] = append(c.byFirst[norm[0]], norm)
	}
	return c
}

func unionWithBundled(domains []string) []string {
	seen := make(map[string]struct{}, len(bundledDomains)+len(domains))
	merged := make([]string, 0, len(bundledDomains)+len(domains))
	for _, set := range [][]string{bundledDomains, domains} {
		for _, d := range set {
			norm, err := normalizeDomain(d)
			if err != nil {
				continue
			}
			if _, dup := seen[norm]; dup {
				continue
			}
			seen[norm] = struct{}{}
			merged = append(merged, norm)
		}
	}
	return merged
}
