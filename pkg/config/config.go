// Package config loads gateway settings from flags, environment variables and
// an optional config file through viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/SergiuNegara/lmml/pkg/hardening"
	"github.com/SergiuNegara/lmml/pkg/policy"
	"github.com/SergiuNegara/lmml/pkg/replay"
	"github.com/SergiuNegara/lmml/pkg/store"
	"github.com/SergiuNegara/lmml/pkg/telemetry"

	"github.com/spf13/viper"
)

// Development defaults. They match the practice server so the reference
// client works without setup, and hardening rejects them in production.
const (
	DefaultHMACSecret  = "mock_hmac_secret_2025"
	DefaultXORKey      = "simple_xor_key"
	DefaultRewardToken = "FLAG{practice_morocco_dummy_flag_2025}"
)

type RateLimit struct {
	Enabled   bool
	PerMinute int
	Window    time.Duration
}

type HTTPTimeouts struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
}

type Config struct {
	Addr       string
	SubmitPath string

	HMACSecret    string
	XORKey        string
	RewardToken   string
	VerboseErrors bool
	ThoughtMarker string

	NonceMaxAge        time.Duration
	NonceMaxSkew       time.Duration
	StrictNonce        bool
	ReplayCacheEnabled bool

	RateLimit           RateLimit
	MaxRequestBodyBytes int64
	TrustedProxyCIDRs   []*net.IPNet
	CORSAllowedOrigins  string
	HTTP                HTTPTimeouts

	Redis store.RedisOptions

	Environment        string
	StrictProdSecurity bool

	LogLevel  string
	LogFormat string

	Telemetry telemetry.Config
}

// SetDefaults registers every key with its default so AutomaticEnv can
// resolve it and Unmarshal-style lookups see a value.
func SetDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"ADDR":                           "127.0.0.1:5000",
		"SUBMIT_PATH":                    "/submit",
		"HMAC_SECRET":                    DefaultHMACSecret,
		"XOR_KEY":                        DefaultXORKey,
		"REWARD_TOKEN":                   DefaultRewardToken,
		"VERBOSE_ERRORS":                 false,
		"THOUGHT_MARKER":                 policy.DefaultMarker,
		"NONCE_MAX_AGE_SEC":              int(replay.DefaultMaxAge / time.Second),
		"NONCE_MAX_SKEW_SEC":             int(replay.DefaultMaxSkew / time.Second),
		"STRICT_NONCE":                   false,
		"REPLAY_CACHE_ENABLED":           false,
		"RATE_LIMIT_ENABLED":             true,
		"RATE_LIMIT_PER_MINUTE":          240,
		"RATE_LIMIT_WINDOW_SEC":          60,
		"MAX_REQUEST_BODY_BYTES":         1 << 20,
		"TRUSTED_PROXY_CIDRS":            "",
		"CORS_ALLOWED_ORIGINS":           "",
		"HTTP_READ_HEADER_TIMEOUT_SEC":   5,
		"HTTP_READ_TIMEOUT_SEC":          15,
		"HTTP_WRITE_TIMEOUT_SEC":         30,
		"HTTP_IDLE_TIMEOUT_SEC":          120,
		"REDIS_ADDR":                     "",
		"REDIS_PASSWORD":                 "",
		"REDIS_DB":                       0,
		"REDIS_REQUIRE_TLS":              false,
		"REDIS_TLS":                      false,
		"REDIS_TLS_INSECURE":             false,
		"REDIS_ALLOW_INSECURE_TLS":       false,
		"REDIS_TLS_SERVER_NAME":          "",
		"REDIS_TLS_CA_CERT_FILE":         "",
		"REDIS_TLS_CERT_FILE":            "",
		"REDIS_TLS_KEY_FILE":             "",
		"REDIS_PING_ATTEMPTS":            3,
		"ENVIRONMENT":                    "development",
		"STRICT_PROD_SECURITY":           true,
		"LOG_LEVEL":                      "info",
		"LOG_FORMAT":                     "json",
		"OTEL_SERVICE_NAME":              "flagkeeper-gateway",
		"OTEL_EXPORTER_OTLP_ENDPOINT":    "",
		"OTEL_EXPORTER_OTLP_HEADERS":     "",
		"OTEL_EXPORTER_OTLP_TIMEOUT_SEC": 5,
		"OTEL_EXPORTER_OTLP_INSECURE":    false,
		"OTEL_REQUIRED":                  false,
		"OTEL_TRACES_SAMPLER":            "",
		"OTEL_TRACES_SAMPLER_ARG":        "",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, errors.New("config: viper instance is required")
	}
	cfg := Config{
		Addr:          strings.TrimSpace(v.GetString("ADDR")),
		SubmitPath:    strings.TrimSpace(v.GetString("SUBMIT_PATH")),
		HMACSecret:    v.GetString("HMAC_SECRET"),
		XORKey:        v.GetString("XOR_KEY"),
		RewardToken:   v.GetString("REWARD_TOKEN"),
		VerboseErrors: v.GetBool("VERBOSE_ERRORS"),
		ThoughtMarker: v.GetString("THOUGHT_MARKER"),

		NonceMaxAge:        seconds(v, "NONCE_MAX_AGE_SEC"),
		NonceMaxSkew:       seconds(v, "NONCE_MAX_SKEW_SEC"),
		StrictNonce:        v.GetBool("STRICT_NONCE"),
		ReplayCacheEnabled: v.GetBool("REPLAY_CACHE_ENABLED"),

		RateLimit: RateLimit{
			Enabled:   v.GetBool("RATE_LIMIT_ENABLED"),
			PerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
			Window:    seconds(v, "RATE_LIMIT_WINDOW_SEC"),
		},
		MaxRequestBodyBytes: v.GetInt64("MAX_REQUEST_BODY_BYTES"),
		TrustedProxyCIDRs:   ParseCIDRs(v.GetString("TRUSTED_PROXY_CIDRS")),
		CORSAllowedOrigins:  v.GetString("CORS_ALLOWED_ORIGINS"),
		HTTP: HTTPTimeouts{
			ReadHeader: seconds(v, "HTTP_READ_HEADER_TIMEOUT_SEC"),
			Read:       seconds(v, "HTTP_READ_TIMEOUT_SEC"),
			Write:      seconds(v, "HTTP_WRITE_TIMEOUT_SEC"),
			Idle:       seconds(v, "HTTP_IDLE_TIMEOUT_SEC"),
		},

		Redis: store.RedisOptions{
			Addr:             strings.TrimSpace(v.GetString("REDIS_ADDR")),
			Password:         v.GetString("REDIS_PASSWORD"),
			DB:               v.GetInt("REDIS_DB"),
			RequireTLS:       v.GetBool("REDIS_REQUIRE_TLS"),
			TLS:              v.GetBool("REDIS_TLS"),
			TLSInsecure:      v.GetBool("REDIS_TLS_INSECURE"),
			AllowInsecureTLS: v.GetBool("REDIS_ALLOW_INSECURE_TLS"),
			TLSServerName:    v.GetString("REDIS_TLS_SERVER_NAME"),
			TLSCACertFile:    v.GetString("REDIS_TLS_CA_CERT_FILE"),
			TLSCertFile:      v.GetString("REDIS_TLS_CERT_FILE"),
			TLSKeyFile:       v.GetString("REDIS_TLS_KEY_FILE"),
			PingAttempts:     v.GetInt("REDIS_PING_ATTEMPTS"),
		},

		Environment:        strings.TrimSpace(v.GetString("ENVIRONMENT")),
		StrictProdSecurity: v.GetBool("STRICT_PROD_SECURITY"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),

		Telemetry: telemetry.Config{
			ServiceName: v.GetString("OTEL_SERVICE_NAME"),
			Endpoint:    v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Headers:     v.GetString("OTEL_EXPORTER_OTLP_HEADERS"),
			Timeout:     seconds(v, "OTEL_EXPORTER_OTLP_TIMEOUT_SEC"),
			Insecure:    v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			Required:    v.GetBool("OTEL_REQUIRED"),
			Sampler:     v.GetString("OTEL_TRACES_SAMPLER"),
			SamplerArg:  v.GetString("OTEL_TRACES_SAMPLER_ARG"),
		},
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that no default can repair.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: ADDR is required")
	case !strings.HasPrefix(c.SubmitPath, "/"):
		return fmt.Errorf("config: SUBMIT_PATH must start with '/', got %q", c.SubmitPath)
	case c.HMACSecret == "":
		return errors.New("config: HMAC_SECRET is required")
	case c.XORKey == "":
		return errors.New("config: XOR_KEY is required")
	case c.RewardToken == "":
		return errors.New("config: REWARD_TOKEN is required")
	case c.NonceMaxAge < 0 || c.NonceMaxSkew < 0:
		return errors.New("config: nonce windows must not be negative")
	case c.RateLimit.Enabled && c.RateLimit.PerMinute <= 0:
		return errors.New("config: RATE_LIMIT_PER_MINUTE must be positive when rate limiting is enabled")
	}
	return nil
}

// Hardening maps the configuration onto the production checks.
func (c Config) Hardening(service string) hardening.Options {
	return hardening.Options{
		Service:            service,
		Environment:        c.Environment,
		StrictProdSecurity: c.StrictProdSecurity,
		VerboseErrors:      c.VerboseErrors,
		Secrets: []hardening.Secret{
			{Name: "HMAC_SECRET", Value: c.HMACSecret, Default: DefaultHMACSecret},
			{Name: "XOR_KEY", Value: c.XORKey, Default: DefaultXORKey},
			{Name: "REWARD_TOKEN", Value: c.RewardToken, Default: DefaultRewardToken},
		},
		RedisAddr:             c.Redis.Addr,
		RedisRequireTLS:       c.Redis.RequireTLS,
		RedisTLSInsecure:      c.Redis.TLSInsecure,
		RedisAllowInsecureTLS: c.Redis.AllowInsecureTLS,
		CORSAllowedOrigins:    c.CORSAllowedOrigins,
	}
}

// ReplayOptions returns the freshness window settings.
func (c Config) ReplayOptions() replay.Options {
	return replay.Options{MaxAge: c.NonceMaxAge, MaxSkew: c.NonceMaxSkew, StrictNonce: c.StrictNonce}
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

// ParseCIDRs accepts comma-separated CIDRs or bare IPs. Invalid entries are skipped.
func ParseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}
