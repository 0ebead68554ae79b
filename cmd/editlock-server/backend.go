package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-editlock/v1/cache"
	"github.com/mirkobrombin/go-editlock/v1/editlock"
)

// backend is the lock cache together with whatever it holds open.
type backend struct {
	cache  cache.Cache[editlock.Entry]
	closer io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openBackend builds the configured cache. reg may be nil to skip cache
// metrics.
func openBackend(ctx context.Context, cfg config, reg prometheus.Registerer) (*backend, error) {
	switch cfg.Backend {
	case "memory":
		opts := []cache.InMemoryOption[editlock.Entry]{}
		if reg != nil {
			opts = append(opts, cache.WithMetrics[editlock.Entry](reg))
		}
		if cfg.Trace {
			opts = append(opts, cache.WithTracing[editlock.Entry]())
		}
		c := cache.NewInMemory(opts...)
		return &backend{cache: c, closer: closerFunc(func() error { c.Close(); return nil })}, nil
	case "ristretto":
		c, err := cache.NewRistretto[editlock.Entry]()
		if err != nil {
			return nil, fmt.Errorf("ristretto backend: %w", err)
		}
		return &backend{cache: c, closer: closerFunc(func() error { c.Close(); return nil })}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis backend %s: %w", cfg.RedisAddr, err)
		}
		return &backend{cache: cache.NewRedis[editlock.Entry](client, cache.JSONCodec{}), closer: client}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func (b *backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
