// Command gateway serves the flag keeper verification endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SergiuNegara/lmml/pkg/auth"
	"github.com/SergiuNegara/lmml/pkg/config"
	"github.com/SergiuNegara/lmml/pkg/envelope"
	"github.com/SergiuNegara/lmml/pkg/gateway"
	"github.com/SergiuNegara/lmml/pkg/hardening"
	"github.com/SergiuNegara/lmml/pkg/logging"
	"github.com/SergiuNegara/lmml/pkg/metrics"
	"github.com/SergiuNegara/lmml/pkg/policy"
	"github.com/SergiuNegara/lmml/pkg/ratelimit"
	"github.com/SergiuNegara/lmml/pkg/replay"
	"github.com/SergiuNegara/lmml/pkg/store"
	"github.com/SergiuNegara/lmml/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "gateway"

type gatewayInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config, logger *zap.Logger) (func(context.Context) error, error)
type gatewayOpenRedisFunc func(ctx context.Context, o store.RedisOptions) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Verify signed Flag envelopes and release the reward token",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("config file %s: %w", cfgFile, err)
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, v, initTelemetryG, openRedisFnG, listenFnG)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "optional config file (yaml, toml or json)")
	flags.String("addr", "", "listen address (ADDR)")
	flags.String("submit-path", "", "submit endpoint path (SUBMIT_PATH)")
	flags.String("log-level", "", "log level (LOG_LEVEL)")
	flags.Bool("verbose-errors", false, "echo the expected MAC on bad-hmac, debug only (VERBOSE_ERRORS)")
	flags.Bool("replay-cache", false, "reject reuse of an accepted envelope (REPLAY_CACHE_ENABLED)")
	for key, flag := range map[string]string{
		"ADDR":                 "addr",
		"SUBMIT_PATH":          "submit-path",
		"LOG_LEVEL":            "log-level",
		"VERBOSE_ERRORS":       "verbose-errors",
		"REPLAY_CACHE_ENABLED": "replay-cache",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func runGateway(
	ctx context.Context,
	v *viper.Viper,
	initTelemetry gatewayInitTelemetryFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(cfg.Hardening(serviceName)); err != nil {
		return err
	}
	if hardening.IsProductionLike(cfg.Environment) && !cfg.StrictNonce {
		logger.Warn("non-numeric nonces are accepted without a freshness check; set STRICT_NONCE=true to reject them")
	}

	shutdown, err := initTelemetry(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx, cfg.Redis)
	switch {
	case errors.Is(err, store.ErrRedisDisabled):
		redisClient = nil
	case err != nil:
		logger.Warn("redis unavailable, falling back to in-memory limits and claims", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	s, err := buildServer(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	logger.Info("gateway listening",
		zap.String("addr", cfg.Addr),
		zap.String("submit_path", cfg.SubmitPath),
		zap.Bool("replay_cache", cfg.ReplayCacheEnabled),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Bool("redis", redisClient != nil),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeader,
		ReadTimeout:       cfg.HTTP.Read,
		WriteTimeout:      cfg.HTTP.Write,
		IdleTimeout:       cfg.HTTP.Idle,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return serve(ctx, server, listen, logger)
}

// serve runs listen until it fails or ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, server *http.Server, listen gatewayListenFunc, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// buildServer assembles the verification pipeline and its infrastructure.
func buildServer(ctx context.Context, cfg config.Config, redisClient *redis.Client, logger *zap.Logger) (*Server, error) {
	signer, err := auth.NewHMAC([]byte(cfg.HMACSecret))
	if err != nil {
		return nil, err
	}
	codec, err := envelope.New([]byte(cfg.XORKey), signer)
	if err != nil {
		return nil, err
	}
	guard := replay.NewGuard(cfg.ReplayOptions())
	svc, err := gateway.New(
		gateway.Config{RewardToken: cfg.RewardToken, VerboseErrors: cfg.VerboseErrors},
		codec,
		signer,
		guard,
		policy.New(cfg.ThoughtMarker),
	)
	if err != nil {
		return nil, err
	}
	reg := metrics.NewRegistry()
	svc.Logger = logger
	svc.Observer = reg

	if cfg.ReplayCacheEnabled {
		// A claim only needs to outlive the window in which the nonce is fresh.
		claims := replay.NewClaims(store.NewCache(ctx, redisClient), guard.Window())
		claims.OnFallback = func() {
			reg.IncClaimFallback()
			logger.Warn("replay claim store failed, using local claims")
		}
		svc.Claims = claims
	}

	s := &Server{
		Service:             svc,
		Metrics:             reg,
		Logger:              logger,
		SubmitPath:          cfg.SubmitPath,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		TrustedProxyCIDRs:   cfg.TrustedProxyCIDRs,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if cfg.RateLimit.Enabled {
		s.RateLimitPerMinute = cfg.RateLimit.PerMinute
		if redisClient != nil {
			rl := ratelimit.NewRedis(redisClient, cfg.RateLimit.Window)
			rl.Logger = logger
			s.RateLimiter = rl
		} else {
			s.RateLimiter = ratelimit.NewInMemory(cfg.RateLimit.Window)
		}
	}
	return s, nil
}
