package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/SergiuNegara/lmml/pkg/config"
	"github.com/SergiuNegara/lmml/pkg/store"
	"github.com/SergiuNegara/lmml/pkg/telemetry"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func testViper(overrides map[string]any) *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("LOG_LEVEL", "error")
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func noopTelemetry(context.Context, telemetry.Config, *zap.Logger) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noRedis(context.Context, store.RedisOptions) (*redis.Client, error) {
	return nil, store.ErrRedisDisabled
}

func TestRunGateway(t *testing.T) {
	t.Run("config_error", func(t *testing.T) {
		err := runGateway(context.Background(), testViper(map[string]any{"XOR_KEY": ""}), noopTelemetry, noRedis,
			func(*http.Server) error {
				t.Fatal("listen must not be called on config error")
				return nil
			})
		if err == nil || !strings.Contains(err.Error(), "XOR_KEY") {
			t.Fatalf("expected config error, got %v", err)
		}
	})

	t.Run("hardening_blocks_default_secrets_in_production", func(t *testing.T) {
		err := runGateway(context.Background(), testViper(map[string]any{"ENVIRONMENT": "production"}),
			func(context.Context, telemetry.Config, *zap.Logger) (func(context.Context) error, error) {
				t.Fatal("telemetry must not start when hardening fails")
				return nil, nil
			}, noRedis, nil)
		if err == nil || !strings.Contains(err.Error(), "HMAC_SECRET") {
			t.Fatalf("expected hardening error, got %v", err)
		}
	})

	t.Run("telemetry_error", func(t *testing.T) {
		err := runGateway(context.Background(), testViper(nil),
			func(context.Context, telemetry.Config, *zap.Logger) (func(context.Context) error, error) {
				return nil, errors.New("otel down")
			},
			func(context.Context, store.RedisOptions) (*redis.Client, error) {
				t.Fatal("openRedis must not be called on telemetry error")
				return nil, nil
			}, nil)
		if err == nil || !strings.Contains(err.Error(), "otel:") {
			t.Fatalf("expected wrapped telemetry error, got %v", err)
		}
	})

	t.Run("listen_required", func(t *testing.T) {
		err := runGateway(context.Background(), testViper(nil), noopTelemetry, noRedis, nil)
		if err == nil || !strings.Contains(err.Error(), "listen function required") {
			t.Fatalf("expected listen guard, got %v", err)
		}
	})

	t.Run("server_settings", func(t *testing.T) {
		var got *http.Server
		err := runGateway(context.Background(), testViper(map[string]any{"ADDR": "127.0.0.1:0", "HTTP_READ_TIMEOUT_SEC": 7}), noopTelemetry, noRedis,
			func(s *http.Server) error {
				got = s
				return http.ErrServerClosed
			})
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
		if got.Addr != "127.0.0.1:0" || got.ReadTimeout != 7*time.Second || got.ReadHeaderTimeout != 5*time.Second {
			t.Fatalf("unexpected server settings: addr=%q read=%v header=%v", got.Addr, got.ReadTimeout, got.ReadHeaderTimeout)
		}
		if got.Handler == nil {
			t.Fatal("expected router handler")
		}
	})

	t.Run("listen_error", func(t *testing.T) {
		err := runGateway(context.Background(), testViper(nil), noopTelemetry, noRedis,
			func(*http.Server) error { return errors.New("address in use") })
		if err == nil || !strings.Contains(err.Error(), "address in use") {
			t.Fatalf("expected listen error, got %v", err)
		}
	})

	t.Run("redis_failure_falls_back", func(t *testing.T) {
		listened := false
		err := runGateway(context.Background(), testViper(map[string]any{"REDIS_ADDR": "127.0.0.1:1", "REPLAY_CACHE_ENABLED": true}), noopTelemetry,
			func(context.Context, store.RedisOptions) (*redis.Client, error) {
				return nil, errors.New("connection refused")
			},
			func(*http.Server) error {
				listened = true
				return nil
			})
		if err != nil || !listened {
			t.Fatalf("expected startup with in-memory fallback, err=%v listened=%v", err, listened)
		}
	})

	t.Run("redis_options_forwarded", func(t *testing.T) {
		mr := miniredis.RunT(t)
		var opts store.RedisOptions
		err := runGateway(context.Background(), testViper(map[string]any{"REDIS_ADDR": mr.Addr(), "REDIS_DB": 2}), noopTelemetry,
			func(ctx context.Context, o store.RedisOptions) (*redis.Client, error) {
				opts = o
				return store.NewRedis(ctx, store.RedisOptions{Addr: o.Addr})
			},
			func(*http.Server) error { return nil })
		if err != nil {
			t.Fatalf("runGateway: %v", err)
		}
		if opts.Addr != mr.Addr() || opts.DB != 2 {
			t.Fatalf("unexpected redis options: %+v", opts)
		}
	})

	t.Run("shutdown_on_cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- runGateway(ctx, testViper(map[string]any{"ADDR": "127.0.0.1:0"}), noopTelemetry, noRedis,
				func(s *http.Server) error {
					close(started)
					return s.ListenAndServe()
				})
		}()
		<-started
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("expected graceful shutdown, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("gateway did not shut down")
		}
	})
}

func TestMainDirectGateway(t *testing.T) {
	origLogFatalf := logFatalf
	origInitTelemetry := initTelemetryG
	origOpenRedis := openRedisFnG
	origListen := listenFnG
	origArgs := os.Args
	defer func() {
		os.Args = origArgs
		logFatalf = origLogFatalf
		initTelemetryG = origInitTelemetry
		openRedisFnG = origOpenRedis
		listenFnG = origListen
	}()
	initTelemetryG = noopTelemetry
	openRedisFnG = noRedis
	os.Args = []string{"gateway"}

	t.Run("main success path", func(t *testing.T) {
		t.Setenv("ADDR", "127.0.0.1:0")
		t.Setenv("LOG_LEVEL", "error")
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		listenFnG = func(*http.Server) error { return nil }
		main()
		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
	})

	t.Run("main error path calls logFatalf", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "error")
		var msg string
		logFatalf = func(format string, _ ...any) { msg = format }
		listenFnG = func(*http.Server) error { return errors.New("boom") }
		main()
		if msg == "" {
			t.Fatal("expected logFatalf on listen failure")
		}
	})
}

func TestRootCmdFlagsOverrideConfig(t *testing.T) {
	origListen := listenFnG
	origInitTelemetry := initTelemetryG
	origOpenRedis := openRedisFnG
	defer func() {
		listenFnG = origListen
		initTelemetryG = origInitTelemetry
		openRedisFnG = origOpenRedis
	}()
	initTelemetryG = noopTelemetry
	openRedisFnG = noRedis
	var addr string
	listenFnG = func(s *http.Server) error {
		addr = s.Addr
		return nil
	}

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--addr", "127.0.0.1:5999", "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if addr != "127.0.0.1:5999" {
		t.Fatalf("expected flag address, got %q", addr)
	}

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--config", "/nonexistent/gateway.yaml"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "config file") {
		t.Fatalf("expected config file error, got %v", err)
	}
}
