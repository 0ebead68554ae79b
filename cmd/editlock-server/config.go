package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mirkobrombin/go-editlock/v1/editlock"
	"github.com/mirkobrombin/go-editlock/v1/server"
)

const envPrefix = "EDITLOCK"

type config struct {
	Addr        string
	MetricsAddr string

	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Lock         editlock.Config
	PollInterval time.Duration

	LogLevel string
	LogJSON  bool
	Trace    bool
}

// addBackendFlags registers the flags shared by every command that talks
// to the cache.
func addBackendFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("backend", "memory", "cache backend (memory, ristretto, redis)")
	f.String("redis-addr", "localhost:6379", "redis address")
	f.String("redis-password", "", "redis password")
	f.Int("redis-db", 0, "redis database")
	f.Duration("renewal-window", editlock.DefaultRenewalWindow, "lock ttl applied on every acquire and renew")
	f.Duration("max-duration", editlock.DefaultMaxDuration, "ceiling on a continuous hold")
	f.Duration("op-timeout", 2*time.Second, "timeout of a single cache round trip (0 disables)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("log-json", false, "log as JSON instead of console text")
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("addr", ":8080", "HTTP listen address")
	f.String("metrics-addr", ":9090", "metrics listen address (empty serves /metrics on the main listener)")
	f.Duration("poll-interval", server.DefaultPollInterval, "how often open change pages renew their lock")
	f.Bool("trace", false, "export OpenTelemetry spans to stdout")
}

// loadConfig resolves flags, EDITLOCK_* environment variables and an
// optional config file, in that order of precedence.
func loadConfig(cmd *cobra.Command) (config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config{}, err
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := config{
		Addr:          v.GetString("addr"),
		MetricsAddr:   v.GetString("metrics-addr"),
		Backend:       strings.ToLower(v.GetString("backend")),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		Lock: editlock.Config{
			RenewalWindow: v.GetDuration("renewal-window"),
			MaxDuration:   v.GetDuration("max-duration"),
			OpTimeout:     v.GetDuration("op-timeout"),
		},
		PollInterval: v.GetDuration("poll-interval"),
		LogLevel:     v.GetString("log-level"),
		LogJSON:      v.GetBool("log-json"),
		Trace:        v.GetBool("trace"),
	}
	if err := cfg.Lock.Validate(); err != nil {
		return config{}, err
	}
	switch cfg.Backend {
	case "memory", "ristretto", "redis":
	default:
		return config{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

// newLogger builds a stdout logger at the configured level.
func newLogger(level string, jsonOutput bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		CallerKey:      "caller",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if jsonOutput {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
