package editlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-editlock/v1/cache"
	"github.com/mirkobrombin/go-editlock/v1/clock"
	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
	"github.com/mirkobrombin/go-editlock/v1/flash"
	"github.com/mirkobrombin/go-editlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-editlock/v1/editlock")

// Reason explains a Decision.
type Reason string

const (
	// ReasonDenied means the baseline permission was already false.
	ReasonDenied Reason = "denied"
	// ReasonAcquired means the caller created the lock.
	ReasonAcquired Reason = "acquired"
	// ReasonOwned means the caller already holds the lock.
	ReasonOwned Reason = "owned"
	// ReasonLockedByOther means another session holds the lock, or the
	// caller's own hold is past its ceiling.
	ReasonLockedByOther Reason = "locked-by-other"
)

// Advisory texts queued for the user on every lock decision.
const (
	MessageLockedByYou   = "This is currently edited by you. Other users can edit once you finish editing."
	MessageLockedByOther = "This is currently being edited by someone else. Editing disabled."
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Message is the advisory shown to the user, empty for ReasonDenied.
	Message string
}

// Registry grants, verifies and renews edit locks. It keeps no state of
// its own besides configuration, so any number of registries may share a
// cache.
type Registry struct {
	cache        cache.Cache[Entry]
	cfg          Config
	clock        clock.Clock
	logger       *zap.Logger
	traceEnabled bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock. The cache must observe the same clock
// for expiry to line up with the ceiling arithmetic.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger used for lock decisions and cache failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics registers the lock decision, renewal and cache error counters
// on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Registry) {
		if reg != nil {
			metrics.RegisterLockMetrics(reg)
		}
	}
}

// WithTracing enables OpenTelemetry spans around registry operations.
func WithTracing() Option {
	return func(r *Registry) {
		r.traceEnabled = true
	}
}

// New returns a Registry storing locks in c.
func New(c cache.Cache[Entry], cfg Config, opts ...Option) (*Registry, error) {
	if c == nil {
		return nil, errors.New("editlock: cache cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		cache:  c,
		cfg:    cfg,
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the registry configuration.
func (r *Registry) Config() Config { return r.cfg }

// CheckAndAcquire decides whether holder may edit the record behind key,
// taking the lock when nobody holds it. It is meant to run on every render
// of the record.
//
// A false defaultAllowed is passed through untouched without reaching the
// cache. Otherwise the matching advisory is queued on the flash.Queue of
// ctx, if any. Checking a lock never extends it; only Renew does.
func (r *Registry) CheckAndAcquire(ctx context.Context, key Key, holder string, defaultAllowed bool) (Decision, error) {
	if !defaultAllowed {
		metrics.Decisions.WithLabelValues(string(ReasonDenied)).Inc()
		return Decision{Allowed: false, Reason: ReasonDenied}, nil
	}
	if err := validate(key, holder); err != nil {
		return Decision{}, err
	}

	ctx, span := r.startSpan(ctx, "Registry.CheckAndAcquire", key)
	defer span.End()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := r.clock.Now()
	entry, ok, err := r.cache.Get(ctx, key.String())
	if err != nil {
		return Decision{}, r.cacheError(span, "get", key, err)
	}

	var d Decision
	switch {
	case !ok:
		entry = Entry{Holder: holder, AcquiredAt: now}
		if err := r.cache.Set(ctx, key.String(), entry, r.cfg.initialTTL()); err != nil {
			return Decision{}, r.cacheError(span, "set", key, err)
		}
		d = Decision{Allowed: true, Reason: ReasonAcquired, Message: MessageLockedByYou}
	case entry.Holder == holder && now.Sub(entry.AcquiredAt) < r.cfg.MaxDuration:
		d = Decision{Allowed: true, Reason: ReasonOwned, Message: MessageLockedByYou}
	default:
		d = Decision{Allowed: false, Reason: ReasonLockedByOther, Message: MessageLockedByOther}
	}

	flash.FromContext(ctx).Warn(d.Message)
	metrics.Decisions.WithLabelValues(string(d.Reason)).Inc()
	if r.traceEnabled {
		span.SetAttributes(
			attribute.Bool("editlock.allowed", d.Allowed),
			attribute.String("editlock.reason", string(d.Reason)),
		)
	}
	r.logger.Debug("edit lock checked",
		zap.Stringer("key", key),
		zap.String("holder", holder),
		zap.String("reason", string(d.Reason)),
	)
	return d, nil
}

// Renew extends the lock holder owns on key by up to one renewal window,
// never past AcquiredAt + MaxDuration. It fails with errors.ErrForbidden
// when defaultAllowed is false, when there is no lock, when someone else
// holds it, or when the ceiling has been reached. A renewal never creates
// a lock.
func (r *Registry) Renew(ctx context.Context, key Key, holder string, defaultAllowed bool) error {
	if !defaultAllowed {
		return r.rejectRenewal(key, holder, "no edit permission")
	}
	if err := validate(key, holder); err != nil {
		return err
	}

	ctx, span := r.startSpan(ctx, "Registry.Renew", key)
	defer span.End()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := r.clock.Now()
	entry, ok, err := r.cache.Get(ctx, key.String())
	if err != nil {
		metrics.Renewals.WithLabelValues("error").Inc()
		return r.cacheError(span, "get", key, err)
	}
	if !ok {
		return r.rejectRenewal(key, holder, "no lock to renew")
	}
	if entry.Holder != holder {
		return r.rejectRenewal(key, holder, "locked by someone else")
	}
	next := r.cfg.nextTTL(entry.AcquiredAt, now)
	if next <= 0 {
		return r.rejectRenewal(key, holder, "lock reached its maximum duration")
	}
	if err := r.cache.Set(ctx, key.String(), entry, next); err != nil {
		metrics.Renewals.WithLabelValues("error").Inc()
		return r.cacheError(span, "set", key, err)
	}

	metrics.Renewals.WithLabelValues("renewed").Inc()
	if r.traceEnabled {
		span.SetAttributes(attribute.Int64("editlock.ttl_ms", next.Milliseconds()))
	}
	r.logger.Debug("edit lock renewed",
		zap.Stringer("key", key),
		zap.String("holder", holder),
		zap.Duration("ttl", next),
	)
	return nil
}

// Status reports the current entry for key without touching it.
func (r *Registry) Status(ctx context.Context, key Key) (Entry, bool, error) {
	if !key.Valid() {
		return Entry{}, false, fmt.Errorf("%w: invalid record key %q", editerrors.ErrBadRequest, key.String())
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	entry, ok, err := r.cache.Get(ctx, key.String())
	if err != nil {
		return Entry{}, false, r.cacheError(trace.SpanFromContext(context.Background()), "get", key, err)
	}
	return entry, ok, nil
}

func validate(key Key, holder string) error {
	if !key.Valid() {
		return fmt.Errorf("%w: invalid record key %q", editerrors.ErrBadRequest, key.String())
	}
	if holder == "" {
		return fmt.Errorf("%w: empty lock holder", editerrors.ErrBadRequest)
	}
	return nil
}

func (r *Registry) rejectRenewal(key Key, holder, why string) error {
	metrics.Renewals.WithLabelValues("forbidden").Inc()
	r.logger.Debug("edit lock renewal rejected",
		zap.Stringer("key", key),
		zap.String("holder", holder),
		zap.String("cause", why),
	)
	return fmt.Errorf("%w: %s", editerrors.ErrForbidden, why)
}

func (r *Registry) cacheError(span trace.Span, op string, key Key, err error) error {
	metrics.CacheErrors.Inc()
	if r.traceEnabled {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	r.logger.Warn("edit lock cache failure",
		zap.String("op", op),
		zap.Stringer("key", key),
		zap.Error(err),
	)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: cache %s %s: %w", editerrors.ErrTimeout, op, key, err)
	}
	return fmt.Errorf("editlock: cache %s %s: %w", op, key, err)
}

func (r *Registry) startSpan(ctx context.Context, name string, key Key) (context.Context, trace.Span) {
	if !r.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("editlock.key", key.String())))
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.OpTimeout)
}
