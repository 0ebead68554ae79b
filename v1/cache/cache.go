package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-editlock/v1/clock"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-editlock/v1/cache")

// Cache is the shared key-value store lock entries live in. Entries vanish
// on their own once their TTL elapses; absence and expiry look the same to
// callers.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found. An error is returned if
	// the backend could not be reached.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL,
	// overwriting any previous value.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// TTLReader is implemented by backends able to report how long an entry
// has left to live.
type TTLReader interface {
	// TTL returns the remaining lifetime of key. The boolean is false when
	// the key is absent or already expired.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

// InMemoryCache is a process-local cache with TTL support. It is the
// backend of choice for single-instance deployments and tests.
type InMemoryCache[T any] struct {
	mu            sync.RWMutex
	items         map[string]item[T]
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	clock         clock.Clock
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

type item[T any] struct {
	value     T
	expiresAt time.Time
}

func (it item[T]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries bounds the number of live entries. When the bound is hit
// the entry closest to expiry is dropped. A non-positive value means
// unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithClock replaces the wall clock used to stamp and check expirations.
func WithClock[T any](clk clock.Clock) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editlock_cache_hits_total",
			Help: "Total number of cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editlock_cache_misses_total",
			Help: "Total number of cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editlock_cache_evictions_total",
			Help: "Total number of entries removed by expiry or capacity",
		})
		c.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "editlock_cache_latency_seconds",
			Help:    "Latency of cache operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter, c.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.traceEnabled = true
	}
}

// defaultSweepInterval is the default period for removing expired items.
const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache instance.
//
// Expired entries are never returned. A background goroutine additionally
// drops them every sweep interval (one minute unless WithSweepInterval says
// otherwise) so abandoned locks do not accumulate.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &InMemoryCache[T]{
		items:         make(map[string]item[T]),
		sweepInterval: defaultSweepInterval,
		clock:         clock.Real(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// observe starts a span and latency measurement for op when enabled. The
// returned function must be deferred.
func (c *InMemoryCache[T]) observe(ctx context.Context, op string) (context.Context, trace.Span, func()) {
	span := trace.SpanFromContext(ctx)
	if !c.traceEnabled && c.latencyHist == nil {
		return ctx, span, func() {}
	}
	start := time.Now()
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, op)
	}
	return ctx, span, func() {
		latency := time.Since(start)
		if c.latencyHist != nil {
			c.latencyHist.Observe(latency.Seconds())
		}
		if c.traceEnabled {
			span.SetAttributes(attribute.Int64("editlock.cache.latency_ms", latency.Milliseconds()))
			span.End()
		}
	}
}

func (c *InMemoryCache[T]) miss(span trace.Span) {
	c.misses.Add(1)
	if c.missCounter != nil {
		c.missCounter.Inc()
	}
	if c.traceEnabled {
		span.SetAttributes(attribute.String("editlock.cache.result", "miss"))
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, span, done := c.observe(ctx, "Cache.Get")
	defer done()

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	now := c.clock.Now()
	c.mu.Lock()
	it, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.miss(span)
		return zero, false, nil
	}
	if it.expired(now) {
		delete(c.items, key)
		c.mu.Unlock()
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
		c.miss(span)
		return zero, false, nil
	}
	c.mu.Unlock()

	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	if c.traceEnabled {
		span.SetAttributes(attribute.String("editlock.cache.result", "hit"))
	}
	return it.value, true, nil
}

// Set implements Cache.Set. A non-positive ttl stores the value without
// expiry.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, _, done := c.observe(ctx, "Cache.Set")
	defer done()

	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictSoonestLocked()
	}
	c.items[key] = item[T]{value: value, expiresAt: exp}
	return nil
}

// evictSoonestLocked drops the entry that would expire first. Entries
// without expiry are only chosen when nothing else is left.
func (c *InMemoryCache[T]) evictSoonestLocked() {
	var victim string
	var victimExp time.Time
	found := false
	for k, it := range c.items {
		switch {
		case !found:
		case it.expiresAt.IsZero():
			continue
		case victimExp.IsZero() || it.expiresAt.Before(victimExp):
		default:
			continue
		}
		victim, victimExp, found = k, it.expiresAt, true
	}
	if !found {
		return
	}
	delete(c.items, victim)
	if c.evictionCounter != nil {
		c.evictionCounter.Inc()
	}
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, _, done := c.observe(ctx, "Cache.Invalidate")
	defer done()

	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		delete(c.items, key)
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
	}
	return nil
}

// TTL implements TTLReader. Entries stored without expiry report zero.
func (c *InMemoryCache[T]) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	now := c.clock.Now()
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || it.expired(now) {
		return 0, false, nil
	}
	if it.expiresAt.IsZero() {
		return 0, true, nil
	}
	return it.expiresAt.Sub(now), true, nil
}

// sweeper periodically removes expired items from the cache.
// It samples a bounded number of entries per pass, like Redis, and keeps
// going only while a large share of the sample turns out to be expired.
func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)

	for {
		select {
		case <-ticker.C:
			for {
				expiredCount := 0
				checkedCount := 0
				now := c.clock.Now()

				c.mu.Lock()
				if len(c.items) == 0 {
					c.mu.Unlock()
					break
				}
				for k, it := range c.items {
					checkedCount++
					if it.expired(now) {
						delete(c.items, k)
						if c.evictionCounter != nil {
							c.evictionCounter.Inc()
						}
						expiredCount++
					}
					if checkedCount >= sampleSize {
						break
					}
				}
				c.mu.Unlock()

				if float64(expiredCount) < float64(sampleSize)*evictionRatio {
					break
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close terminates any background goroutines used by the cache.
func (c *InMemoryCache[T]) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.mu.Unlock()
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
