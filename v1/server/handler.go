// Package server exposes the lock registry to an admin web interface: the
// permission gate consulted when a change page renders, the renewal
// endpoint the page polls while open, and the script doing the polling.
package server

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"text/template"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-editlock/v1/editlock"
	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
	"github.com/mirkobrombin/go-editlock/v1/flash"
)

// DefaultPollInterval is how often the change page renews its lock.
const DefaultPollInterval = 5 * time.Second

//go:embed static/update_lock.js
var updateLockJS string

var updateLockTmpl = template.Must(template.New("update_lock.js").Parse(updateLockJS))

// PermissionFunc reports the baseline edit permission of the caller for a
// record, independent of locking.
type PermissionFunc func(r *http.Request, key editlock.Key) bool

// ResolverFunc maps the URL components of a change page to a lock key.
// Errors are reported to the client as 400 Bad Request.
type ResolverFunc func(ctx context.Context, namespace, kind, objectID string) (editlock.Key, error)

// AllowAll grants baseline permission to every caller with a session.
func AllowAll(r *http.Request, _ editlock.Key) bool {
	return SessionID(r.Context()) != ""
}

// DefaultResolver builds the key straight from the URL, unescaping the
// object id.
func DefaultResolver(_ context.Context, namespace, kind, objectID string) (editlock.Key, error) {
	id, err := url.PathUnescape(objectID)
	if err != nil {
		return editlock.Key{}, fmt.Errorf("%w: object id %q: %v", editerrors.ErrBadRequest, objectID, err)
	}
	key := editlock.Key{Namespace: namespace, Kind: kind, RecordID: id}
	if !key.Valid() {
		return editlock.Key{}, fmt.Errorf("%w: incomplete or ambiguous record reference", editerrors.ErrBadRequest)
	}
	return key, nil
}

// Handler serves the lock endpoints.
type Handler struct {
	registry     *editlock.Registry
	permission   PermissionFunc
	resolve      ResolverFunc
	logger       *zap.Logger
	pollInterval time.Duration
	script       []byte
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPermission sets the baseline permission check. Defaults to AllowAll.
func WithPermission(p PermissionFunc) HandlerOption {
	return func(h *Handler) {
		if p != nil {
			h.permission = p
		}
	}
}

// WithResolver sets the record resolver. Defaults to DefaultResolver.
func WithResolver(fn ResolverFunc) HandlerOption {
	return func(h *Handler) {
		if fn != nil {
			h.resolve = fn
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPollInterval sets how often the page script renews the lock.
func WithPollInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.pollInterval = d
	}
}

// NewHandler returns a Handler backed by registry. The poll interval must
// be positive and shorter than the registry's renewal window, otherwise
// locks would lapse between two renewals.
func NewHandler(registry *editlock.Registry, opts ...HandlerOption) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("server: registry cannot be nil")
	}
	h := &Handler{
		registry:     registry,
		permission:   AllowAll,
		resolve:      DefaultResolver,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	if window := registry.Config().RenewalWindow; h.pollInterval <= 0 || h.pollInterval >= window {
		return nil, fmt.Errorf("%w: poll interval %s must be positive and below the renewal window %s",
			editerrors.ErrInvalidConfig, h.pollInterval, window)
	}
	var buf bytes.Buffer
	if err := updateLockTmpl.Execute(&buf, struct{ PollIntervalMS int64 }{h.pollInterval.Milliseconds()}); err != nil {
		return nil, fmt.Errorf("server: render script: %w", err)
	}
	h.script = buf.Bytes()
	return h, nil
}

// Routes mounts the lock endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/static/editlock/update_lock.js", h.serveScript)
	r.Route("/admin/{namespace}/{kind}/{objectID}/change", func(r chi.Router) {
		r.Get("/", h.serveChange)
		r.Post("/update-lock/", h.serveUpdateLock)
		r.Get("/lock/", h.serveStatus)
	})
}

// CanEdit is the permission gate: it combines the baseline permission with
// the lock state and never fails. Cache errors deny editing.
func (h *Handler) CanEdit(r *http.Request, key editlock.Key) bool {
	return h.check(r, key).Allowed
}

func (h *Handler) check(r *http.Request, key editlock.Key) editlock.Decision {
	ctx := r.Context()
	d, err := h.registry.CheckAndAcquire(ctx, key, SessionID(ctx), h.permission(r, key))
	if err != nil {
		h.logger.Error("edit permission check failed",
			zap.Stringer("key", key),
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.Error(err),
		)
		return editlock.Decision{Allowed: false, Reason: editlock.ReasonDenied}
	}
	return d
}

type changeResponse struct {
	Allowed  bool            `json:"allowed"`
	Reason   editlock.Reason `json:"reason"`
	Messages []string        `json:"messages"`
}

func (h *Handler) serveChange(w http.ResponseWriter, r *http.Request) {
	key, err := h.resolveRequest(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	d := h.check(r, key)
	resp := changeResponse{Allowed: d.Allowed, Reason: d.Reason, Messages: []string{}}
	for _, m := range flash.FromContext(r.Context()).Drain() {
		resp.Messages = append(resp.Messages, m.Text)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("write change response", zap.Error(err))
	}
}

func (h *Handler) serveUpdateLock(w http.ResponseWriter, r *http.Request) {
	key, err := h.resolveRequest(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	err = h.registry.Renew(ctx, key, SessionID(ctx), h.permission(r, key))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, editerrors.ErrForbidden):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, editerrors.ErrBadRequest):
		w.WriteHeader(http.StatusBadRequest)
	default:
		h.logger.Error("edit lock renewal failed",
			zap.Stringer("key", key),
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// statusResponse never carries the holder's session id: knowing it would
// let anyone take the lock over.
type statusResponse struct {
	Locked     bool       `json:"locked"`
	Owned      bool       `json:"owned"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	Ceiling    *time.Time `json:"ceiling,omitempty"`
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	key, err := h.resolveRequest(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if !h.permission(r, key) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	entry, ok, err := h.registry.Status(ctx, key)
	if err != nil {
		h.logger.Error("edit lock status failed",
			zap.Stringer("key", key),
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp := statusResponse{Locked: ok}
	if ok {
		ceiling := entry.AcquiredAt.Add(h.registry.Config().MaxDuration)
		resp.Owned = entry.Holder == SessionID(ctx)
		resp.AcquiredAt = &entry.AcquiredAt
		resp.Ceiling = &ceiling
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("write status response", zap.Error(err))
	}
}

func (h *Handler) serveScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(h.script)
}

func (h *Handler) resolveRequest(r *http.Request) (editlock.Key, error) {
	return h.resolve(r.Context(),
		chi.URLParam(r, "namespace"),
		chi.URLParam(r, "kind"),
		chi.URLParam(r, "objectID"),
	)
}
