package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-editlock/v1/cache"
	"github.com/mirkobrombin/go-editlock/v1/editlock"
	"github.com/mirkobrombin/go-editlock/v1/metrics"
	"github.com/mirkobrombin/go-editlock/v1/server"
)

// version is overridden at build time with -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "editlock-server",
	Short:         "Edit locks for admin change pages",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the lock endpoints",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status <namespace> <kind> <record-id>",
	Short: "Show who holds the lock on a record",
	Args:  cobra.ExactArgs(3),
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	addBackendFlags(serveCmd)
	addServeFlags(serveCmd)
	addBackendFlags(statusCmd)
	rootCmd.AddCommand(serveCmd, statusCmd, versionCmd)
}

// Execute runs the root command.
func Execute() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Trace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	reg := metrics.NewRegistry()

	be, err := openBackend(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer func() { _ = be.Close() }()

	regOpts := []editlock.Option{
		editlock.WithLogger(logger.Named("editlock")),
		editlock.WithMetrics(reg),
	}
	if cfg.Trace {
		regOpts = append(regOpts, editlock.WithTracing())
	}
	locks, err := editlock.New(be.cache, cfg.Lock, regOpts...)
	if err != nil {
		return err
	}
	h, err := server.NewHandler(locks,
		server.WithLogger(logger.Named("server")),
		server.WithPollInterval(cfg.PollInterval),
	)
	if err != nil {
		return err
	}

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	var mounts []func(chi.Router)
	if cfg.MetricsAddr == "" {
		mounts = append(mounts, func(r chi.Router) { r.Handle("/metrics", metricsHandler) })
	}
	srv := server.New(cfg.Addr, server.NewRouter(h, logger, mounts...), logger)

	logger.Info("starting editlock server",
		zap.String("addr", cfg.Addr),
		zap.String("backend", cfg.Backend),
		zap.Duration("renewal_window", cfg.Lock.RenewalWindow),
		zap.Duration("max_duration", cfg.Lock.MaxDuration),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, metricsHandler, logger) })
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	ms := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- ms.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ms.Shutdown(sctx)
	}
}

func setupTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Backend == "memory" {
		return fmt.Errorf("status needs a shared backend, the %s backend lives inside the serving process", cfg.Backend)
	}
	ctx := cmd.Context()
	be, err := openBackend(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = be.Close() }()

	locks, err := editlock.New(be.cache, cfg.Lock)
	if err != nil {
		return err
	}
	key := editlock.Key{Namespace: args[0], Kind: args[1], RecordID: args[2]}
	entry, ok, err := locks.Status(ctx, key)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "%s: unlocked\n", key)
		return nil
	}
	fmt.Fprintf(out, "%s: held by session %s since %s (ceiling %s)\n", key, redact(entry.Holder),
		entry.AcquiredAt.Format(time.RFC3339), entry.AcquiredAt.Add(cfg.Lock.MaxDuration).Format(time.RFC3339))
	if ttl, ok := be.cache.(cache.TTLReader); ok {
		if left, found, err := ttl.TTL(ctx, key.String()); err == nil && found {
			fmt.Fprintf(out, "expires in %s\n", left.Round(time.Second))
		}
	}
	return nil
}

// redact keeps enough of a session id to tell holders apart without letting
// the reader impersonate one.
func redact(holder string) string {
	if len(holder) <= 4 {
		return "****"
	}
	return holder[:4] + "****"
}
