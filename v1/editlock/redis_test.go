package editlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-editlock/v1/cache"
	"github.com/mirkobrombin/go-editlock/v1/clock"
	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
)

// newRedisRegistries returns two registries sharing one miniredis, standing
// in for two application instances. The manual clock drives the ceiling
// arithmetic; miniredis is fast-forwarded in step for TTLs.
func newRedisRegistries(t *testing.T, window, max time.Duration) (*Registry, *Registry, *miniredis.Miniredis, *clock.Manual) {
	t.Helper()
	mr := miniredis.RunT(t)
	clk := clock.NewManual(time.Date(2015, 10, 21, 4, 29, 0, 0, time.UTC))
	cfg := Config{RenewalWindow: window, MaxDuration: max}

	newInstance := func() *Registry {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		r, err := New(cache.NewRedis[Entry](client, nil), cfg, WithClock(clk))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return r
	}
	return newInstance(), newInstance(), mr, clk
}

func advance(clk *clock.Manual, mr *miniredis.Miniredis, d time.Duration) {
	clk.Advance(d)
	mr.FastForward(d)
}

func TestRedisExclusivityAcrossInstances(t *testing.T) {
	a, b, mr, clk := newRedisRegistries(t, 600*time.Second, 600*time.Second)
	ctx := context.Background()

	if d, err := a.CheckAndAcquire(ctx, book, "E", true); err != nil || d.Reason != ReasonAcquired {
		t.Fatalf("E acquire: %+v err %v", d, err)
	}
	advance(clk, mr, 5*time.Second)
	if d, err := b.CheckAndAcquire(ctx, book, "F", true); err != nil || d.Allowed {
		t.Fatalf("F should be declined through another instance: %+v err %v", d, err)
	}
	if err := b.Renew(ctx, book, "E", true); err != nil {
		t.Fatalf("E renews through the other instance: %v", err)
	}
	advance(clk, mr, 600*time.Second)
	if d, err := b.CheckAndAcquire(ctx, book, "F", true); err != nil || d.Reason != ReasonAcquired {
		t.Fatalf("F should acquire once the lock lapsed: %+v err %v", d, err)
	}
}

func TestRedisRenewTTL(t *testing.T) {
	a, _, mr, clk := newRedisRegistries(t, 20*time.Second, 30*time.Second)
	ctx := context.Background()

	if _, err := a.CheckAndAcquire(ctx, book, "E", true); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := mr.TTL(book.String()); got != 20*time.Second {
		t.Fatalf("expected 20s ttl, got %v", got)
	}
	advance(clk, mr, 19*time.Second)
	if err := a.Renew(ctx, book, "E", true); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if got := mr.TTL(book.String()); got != 11*time.Second {
		t.Fatalf("expected 11s ttl after renewal, got %v", got)
	}
	advance(clk, mr, 11*time.Second)
	if err := a.Renew(ctx, book, "E", true); !errors.Is(err, editerrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden after the ceiling, got %v", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	a, _, mr, _ := newRedisRegistries(t, time.Minute, time.Minute)
	mr.Close()
	if _, err := a.CheckAndAcquire(context.Background(), book, "E", true); err == nil {
		t.Fatal("expected error when redis is down")
	}
}
