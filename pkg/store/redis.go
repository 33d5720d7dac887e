package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared Redis client used for rate limits and
// nonce claims.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	RequireTLS       bool
	TLS              bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCACertFile    string
	TLSCertFile      string
	TLSKeyFile       string

	// PingAttempts bounds the startup connectivity check.
	PingAttempts int
	PingTimeout  time.Duration
}

// ErrRedisDisabled is returned by NewRedis when no address is configured.
var ErrRedisDisabled = errors.New("redis address not configured")

func NewRedis(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil, ErrRedisDisabled
	}
	tlsConfig, err := loadRedisTLSConfig(o)
	if err != nil {
		return nil, err
	}
	if o.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: tlsConfig,
	})
	if err := pingRedis(ctx, client, o); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func pingRedis(ctx context.Context, client *redis.Client, o RedisOptions) error {
	attempts := o.PingAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := o.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)),
		ctx,
	)
	return backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, policy)
}

func loadRedisTLSConfig(o RedisOptions) (*tls.Config, error) {
	if !o.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.TLSInsecure {
		if !o.AllowInsecureTLS {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(o.TLSServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(o.TLSCACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(o.TLSCertFile)
	keyFile := strings.TrimSpace(o.TLSKeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
