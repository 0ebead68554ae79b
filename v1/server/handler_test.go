package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mirkobrombin/go-editlock/v1/cache"
	"github.com/mirkobrombin/go-editlock/v1/clock"
	"github.com/mirkobrombin/go-editlock/v1/editlock"
	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
)

const changeURL = "/admin/library/Book/42/change/"

type testEnv struct {
	router http.Handler
	clock  *clock.Manual
	cache  *cache.InMemoryCache[editlock.Entry]
}

func newTestEnv(t *testing.T, opts ...HandlerOption) *testEnv {
	t.Helper()
	clk := clock.NewManual(time.Date(2015, 10, 21, 4, 29, 0, 0, time.UTC))
	c := cache.NewInMemory[editlock.Entry](cache.WithClock[editlock.Entry](clk), cache.WithSweepInterval[editlock.Entry](0))
	t.Cleanup(c.Close)
	reg, err := editlock.New(c, editlock.Config{RenewalWindow: 10 * time.Minute, MaxDuration: time.Hour}, editlock.WithClock(clk))
	if err != nil {
		t.Fatalf("editlock.New: %v", err)
	}
	h, err := NewHandler(reg, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testEnv{router: NewRouter(h, nil), clock: clk, cache: c}
}

// do issues a request as the session in cookie, returning the recorder and
// the session cookie the server settled on.
func (e *testEnv) do(method, target string, cookie *http.Cookie) (*httptest.ResponseRecorder, *http.Cookie) {
	req := httptest.NewRequest(method, target, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return rec, c
		}
	}
	return rec, cookie
}

func decodeChange(t *testing.T, rec *httptest.ResponseRecorder) changeResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp changeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestChangePageAcquiresAndDeclines(t *testing.T) {
	env := newTestEnv(t)

	rec, editor := env.do(http.MethodGet, changeURL, nil)
	if editor == nil {
		t.Fatal("expected a session cookie")
	}
	resp := decodeChange(t, rec)
	if !resp.Allowed || resp.Reason != editlock.ReasonAcquired {
		t.Fatalf("expected acquisition, got %+v", resp)
	}
	if len(resp.Messages) != 1 || resp.Messages[0] != editlock.MessageLockedByYou {
		t.Fatalf("unexpected messages %v", resp.Messages)
	}
	if rec.Header().Get(CorrelationHeader) == "" {
		t.Fatal("expected a correlation id header")
	}

	rec, same := env.do(http.MethodGet, changeURL, editor)
	if resp := decodeChange(t, rec); resp.Reason != editlock.ReasonOwned {
		t.Fatalf("expected owned on reload, got %+v", resp)
	}
	if same.Value != editor.Value {
		t.Fatal("session changed across requests")
	}

	env.clock.Advance(5 * time.Second)
	rec, _ = env.do(http.MethodGet, changeURL, nil)
	resp = decodeChange(t, rec)
	if resp.Allowed || resp.Reason != editlock.ReasonLockedByOther {
		t.Fatalf("expected second editor to be declined, got %+v", resp)
	}
	if len(resp.Messages) != 1 || resp.Messages[0] != editlock.MessageLockedByOther {
		t.Fatalf("unexpected messages %v", resp.Messages)
	}
}

func TestUpdateLockStatuses(t *testing.T) {
	env := newTestEnv(t)
	_, editor := env.do(http.MethodGet, changeURL, nil)
	_, other := env.do(http.MethodGet, "/admin/library/Book/7/change/", nil)

	cases := []struct {
		name   string
		target string
		cookie *http.Cookie
		want   int
	}{
		{"owner renews", changeURL + "update-lock/", editor, http.StatusNoContent},
		{"non owner", changeURL + "update-lock/", other, http.StatusForbidden},
		{"nothing to renew", "/admin/library/Book/99/change/update-lock/", editor, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := env.do(http.MethodPost, tc.target, tc.cookie)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if rec.Body.Len() != 0 {
				t.Fatalf("expected empty body, got %q", rec.Body.String())
			}
		})
	}

	env.clock.Advance(time.Hour)
	if rec, _ := env.do(http.MethodPost, changeURL+"update-lock/", editor); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 past the ceiling, got %d", rec.Code)
	}
}

func TestUpdateLockRenewsTTL(t *testing.T) {
	env := newTestEnv(t)
	_, editor := env.do(http.MethodGet, changeURL, nil)
	env.clock.Advance(9 * time.Minute)

	if rec, _ := env.do(http.MethodPost, changeURL+"update-lock/", editor); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	key := editlock.Key{Namespace: "library", Kind: "Book", RecordID: "42"}
	d, ok, _ := env.cache.TTL(context.Background(), key.String())
	if !ok || d != 10*time.Minute {
		t.Fatalf("expected renewed ttl of 10m, got %v ok %v", d, ok)
	}
}

func TestLockStatus(t *testing.T) {
	env := newTestEnv(t)
	decode := func(rec *httptest.ResponseRecorder) statusResponse {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp statusResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	rec, visitor := env.do(http.MethodGet, changeURL+"lock/", nil)
	if resp := decode(rec); resp.Locked || resp.AcquiredAt != nil {
		t.Fatalf("expected unlocked record, got %+v", resp)
	}

	_, editor := env.do(http.MethodGet, changeURL, nil)
	rec, _ = env.do(http.MethodGet, changeURL+"lock/", editor)
	resp := decode(rec)
	if !resp.Locked || !resp.Owned {
		t.Fatalf("expected owned lock, got %+v", resp)
	}
	if resp.Ceiling == nil || !resp.Ceiling.Equal(env.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected ceiling %v", resp.Ceiling)
	}

	rec, _ = env.do(http.MethodGet, changeURL+"lock/", visitor)
	body := rec.Body.String()
	if resp := decode(rec); !resp.Locked || resp.Owned {
		t.Fatalf("expected lock held by someone else, got %+v", resp)
	}
	if strings.Contains(body, editor.Value) {
		t.Fatal("status must not leak the holder's session id")
	}
}

func TestUpdateLockWithoutPermission(t *testing.T) {
	denyBooks := func(r *http.Request, key editlock.Key) bool { return key.Kind != "Book" }
	env := newTestEnv(t, WithPermission(denyBooks))

	rec, cookie := env.do(http.MethodGet, changeURL, nil)
	if resp := decodeChange(t, rec); resp.Allowed || resp.Reason != editlock.ReasonDenied || len(resp.Messages) != 0 {
		t.Fatalf("expected plain denial, got %+v", resp)
	}
	if rec, _ := env.do(http.MethodPost, changeURL+"update-lock/", cookie); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestUpdateLockUnresolvableRecord(t *testing.T) {
	missing := func(context.Context, string, string, string) (editlock.Key, error) {
		return editlock.Key{}, editerrors.ErrBadRequest
	}
	env := newTestEnv(t, WithResolver(missing))
	if rec, _ := env.do(http.MethodPost, changeURL+"update-lock/", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec, _ := env.do(http.MethodGet, changeURL, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDefaultResolver(t *testing.T) {
	key, err := DefaultResolver(context.Background(), "library", "Book", "a%2Fb")
	if err != nil || key.RecordID != "a/b" {
		t.Fatalf("unexpected key %+v err %v", key, err)
	}
	if _, err := DefaultResolver(context.Background(), "library", "Book", ""); !errors.Is(err, editerrors.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := DefaultResolver(context.Background(), "library", "Book", "%zz"); !errors.Is(err, editerrors.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := DefaultResolver(context.Background(), "shop", "order-item", "1"); !errors.Is(err, editerrors.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for a separator in the kind, got %v", err)
	}
}

func TestHyphenatedKindsDoNotShareLocks(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(http.MethodGet, "/admin/shop/order-item/1/change/", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec, _ = env.do(http.MethodGet, "/admin/shop-order/item/1/change/", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec, _ = env.do(http.MethodGet, "/admin/shop/Order/6f1c2a4e-9b1d-4c1e-8f00-1a2b3c4d5e6f/change/", nil)
	if resp := decodeChange(t, rec); !resp.Allowed {
		t.Fatalf("expected uuid record to be editable, got %+v", resp)
	}
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (editlock.Entry, bool, error) {
	return editlock.Entry{}, false, errors.New("redis down")
}
func (brokenCache) Set(context.Context, string, editlock.Entry, time.Duration) error {
	return errors.New("redis down")
}
func (brokenCache) Invalidate(context.Context, string) error { return nil }

func TestCacheFailureDegrades(t *testing.T) {
	reg, err := editlock.New(brokenCache{}, editlock.DefaultConfig())
	if err != nil {
		t.Fatalf("editlock.New: %v", err)
	}
	h, err := NewHandler(reg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	router := NewRouter(h, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, changeURL, nil))
	if resp := decodeChange(t, rec); resp.Allowed {
		t.Fatal("gate must deny when the cache fails")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, changeURL+"update-lock/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, changeURL, nil)
	req = req.WithContext(WithSessionID(req.Context(), "s1"))
	if h.CanEdit(req, editlock.Key{Namespace: "a", Kind: "b", RecordID: "c"}) {
		t.Fatal("CanEdit must fail closed")
	}
}

func TestScriptUsesPollInterval(t *testing.T) {
	env := newTestEnv(t, WithPollInterval(7*time.Second))
	rec, _ := env.do(http.MethodGet, "/static/editlock/update_lock.js", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "var interval = 7000;") || !strings.Contains(body, "update-lock/") {
		t.Fatalf("unexpected script:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/javascript") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestNewHandlerRejectsSlowPolling(t *testing.T) {
	reg, err := editlock.New(cache.NewInMemory[editlock.Entry](), editlock.Config{RenewalWindow: 5 * time.Second, MaxDuration: time.Minute})
	if err != nil {
		t.Fatalf("editlock.New: %v", err)
	}
	if _, err := NewHandler(reg); !errors.Is(err, editerrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for poll interval equal to window, got %v", err)
	}
	if _, err := NewHandler(reg, WithPollInterval(0)); !errors.Is(err, editerrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero poll interval, got %v", err)
	}
	if _, err := NewHandler(nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	r := NewRouter(mustHandler(t), nil, func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func mustHandler(t *testing.T) *Handler {
	t.Helper()
	reg, err := editlock.New(cache.NewInMemory[editlock.Entry](cache.WithSweepInterval[editlock.Entry](0)), editlock.DefaultConfig())
	if err != nil {
		t.Fatalf("editlock.New: %v", err)
	}
	h, err := NewHandler(reg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestSessionsRejectForgedCookie(t *testing.T) {
	var seen string
	h := Sessions(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "not-a-uuid"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen == "" || seen == "not-a-uuid" {
		t.Fatalf("expected a freshly issued session, got %q", seen)
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Fatal("expected the new session cookie to be set")
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", http.NotFoundHandler(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * shutdownTimeout):
		t.Fatal("server did not shut down")
	}
}
