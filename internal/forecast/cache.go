package forecast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

// Key identifies one cached forecast stream.
type Key struct {
	Instrument  string        `json:"instrument"`
	Source      signal.Source `json:"source"`
	Fingerprint string        `json:"fingerprint"`
}

func (k Key) String() string {
	return k.Instrument + "|" + string(k.Source) + "|" + k.Fingerprint
}

// Fingerprint derives a stable key part from an instrument and producer
// parameters; map order does not matter.
func Fingerprint(instrument string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(instrument)
	for _, k := range keys {
		b.WriteByte(';')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Outcome is filled in once by the validator.
type Outcome struct {
	DirectionCorrect bool             `json:"direction_correct"`
	PriceErrorPct    float64          `json:"price_error_pct"`
	ActualPrice      float64          `json:"actual_price"`
	ActualDirection  signal.Direction `json:"actual_direction"`
	ValidatedAt      time.Time        `json:"validated_at"`
}

// Entry is a cached forecast. Copies handed out never alias cache state.
type Entry struct {
	ID        uint64        `json:"id"`
	Key       Key           `json:"key"`
	Signal    signal.Signal `json:"signal"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Outcome   *Outcome      `json:"outcome,omitempty"`
}

// DueAt is when the forecast's horizon elapses.
func (e Entry) DueAt(fallback time.Duration) time.Time {
	h := e.Signal.Horizon
	if h <= 0 {
		h = fallback
	}
	return e.Signal.GeneratedAt.Add(h)
}

func (e *Entry) clone() Entry {
	c := *e
	if e.Outcome != nil {
		o := *e.Outcome
		c.Outcome = &o
	}
	return c
}

// Fetcher produces a fresh signal on a miss.
type Fetcher func(ctx context.Context) (signal.Signal, error)

type CacheConfig struct {
	TTL            time.Duration
	Retention      time.Duration
	DefaultHorizon time.Duration
	Clock          func() time.Time
}

// Cache is a TTL cache of producer signals with one in-flight refresh per
// key. Superseded entries stay until validated or past retention.
type Cache struct {
	cfg   CacheConfig
	group singleflight.Group

	mu      sync.RWMutex
	live    map[Key]*Entry
	archive []*Entry
	nextID  uint64
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 48 * time.Hour
	}
	if cfg.DefaultHorizon <= 0 {
		cfg.DefaultHorizon = 4 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Cache{
		cfg:  cfg,
		live: make(map[Key]*Entry),
	}
}

func (c *Cache) fresh(key Key, now time.Time) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.live[key]
	if !ok || !now.Before(e.ExpiresAt) {
		return Entry{}, false
	}
	return e.clone(), true
}

// Get returns the live entry for key, or fetches and stores a new one.
// Concurrent misses on the same key share one fetch. Fetch errors are not
// cached.
func (c *Cache) Get(ctx context.Context, key Key, fetch Fetcher) (Entry, error) {
	lbl := map[string]string{"source": string(key.Source)}
	if e, ok := c.fresh(key, c.cfg.Clock()); ok {
		observ.IncCounter("forecast_cache_hits_total", lbl)
		return e, nil
	}

	v, err, shared := c.group.Do(key.String(), func() (any, error) {
		// a flight that finished just before this one may have refreshed it
		if e, ok := c.fresh(key, c.cfg.Clock()); ok {
			return e, nil
		}
		observ.IncCounter("forecast_cache_misses_total", lbl)

		start := time.Now()
		sig, err := fetch(ctx)
		observ.RecordDuration("forecast_fetch", time.Since(start), lbl)
		if err != nil {
			observ.IncCounter("forecast_fetch_errors_total", lbl)
			return Entry{}, err
		}
		return c.store(key, sig), nil
	})
	if shared {
		observ.IncCounter("forecast_cache_shared_total", lbl)
	}
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) store(key Key, sig signal.Signal) Entry {
	now := c.cfg.Clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.live[key]; ok && old.Outcome == nil {
		c.archive = append(c.archive, old)
	}
	c.nextID++
	e := &Entry{
		ID:        c.nextID,
		Key:       key,
		Signal:    sig,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.TTL),
	}
	c.live[key] = e
	observ.SetGauge("forecast_cache_pending", float64(len(c.archive)), nil)
	return e.clone()
}

// Pending lists un-validated entries whose horizon has elapsed by now.
func (c *Cache) Pending(now time.Time) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entry
	consider := func(e *Entry) {
		if e.Outcome == nil && !e.DueAt(c.cfg.DefaultHorizon).After(now) {
			out = append(out, e.clone())
		}
	}
	for _, e := range c.archive {
		consider(e)
	}
	for _, e := range c.live {
		consider(e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve records the outcome for entry id. It reports false when the entry
// is gone or already validated.
func (c *Cache) Resolve(id uint64, o Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.archive {
		if e.ID == id {
			return setOutcome(e, o)
		}
	}
	for _, e := range c.live {
		if e.ID == id {
			return setOutcome(e, o)
		}
	}
	return false
}

func setOutcome(e *Entry, o Outcome) bool {
	if e.Outcome != nil {
		return false
	}
	e.Outcome = &o
	return true
}

// Prune drops archived entries that are validated or older than retention.
func (c *Cache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.cfg.Retention)
	kept := c.archive[:0]
	dropped := 0
	for _, e := range c.archive {
		if e.Outcome != nil || e.CreatedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(c.archive); i++ {
		c.archive[i] = nil
	}
	c.archive = kept
	observ.SetGauge("forecast_cache_pending", float64(len(c.archive)), nil)
	return dropped
}

// Lookup returns the live entry for key regardless of expiry.
func (c *Cache) Lookup(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.live[key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}
