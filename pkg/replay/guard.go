package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/SergiuNegara/lmml/pkg/models"
	"github.com/SergiuNegara/lmml/pkg/store"
)

const (
	DefaultMaxAge  = 60 * time.Second
	DefaultMaxSkew = 5 * time.Second
)

// Freshness describes how a nonce passed the freshness check.
type Freshness int

const (
	// FreshnessOK means the nonce parsed as a timestamp inside the window.
	FreshnessOK Freshness = iota
	// FreshnessUnchecked means the nonce is not numeric and was accepted
	// without a timestamp check.
	FreshnessUnchecked
)

func (f Freshness) String() string {
	if f == FreshnessUnchecked {
		return "unchecked"
	}
	return "ok"
}

type Options struct {
	MaxAge  time.Duration
	MaxSkew time.Duration
	// StrictNonce rejects nonces that are not decimal Unix timestamps instead
	// of accepting them unchecked.
	StrictNonce bool
}

// Guard validates nonce freshness.
type Guard struct {
	maxAge  float64
	maxSkew float64
	strict  bool
}

func NewGuard(o Options) *Guard {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.MaxSkew <= 0 {
		o.MaxSkew = DefaultMaxSkew
	}
	return &Guard{
		maxAge:  o.MaxAge.Seconds(),
		maxSkew: o.MaxSkew.Seconds(),
		strict:  o.StrictNonce,
	}
}

// Window is the total span during which a nonce can be accepted.
func (g *Guard) Window() time.Duration {
	return time.Duration((g.maxAge + g.maxSkew) * float64(time.Second))
}

// CheckFreshness parses nonce as fractional Unix seconds and rejects it with
// stale-nonce when its age falls outside [-maxSkew, maxAge].
func (g *Guard) CheckFreshness(nonce string, now time.Time) (Freshness, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(nonce), 64)
	if errors.Is(err, strconv.ErrRange) {
		return FreshnessOK, models.Wrap(models.KindReplay, models.CodeStaleNonce, err)
	}
	if err != nil {
		if g.strict {
			return FreshnessUnchecked, models.Wrap(models.KindReplay, models.CodeStaleNonce, errors.New("nonce is not a unix timestamp"))
		}
		return FreshnessUnchecked, nil
	}
	age := unixSeconds(now) - value
	if math.IsNaN(age) {
		return FreshnessOK, models.Wrap(models.KindReplay, models.CodeStaleNonce, errors.New("nonce is not a number"))
	}
	if age > g.maxAge || age < -g.maxSkew {
		return FreshnessOK, models.Reject(models.KindReplay, models.CodeStaleNonce).With("age", age)
	}
	return FreshnessOK, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Claims records envelopes that have already been redeemed. A nil *Claims
// accepts everything.
type Claims struct {
	Cache    store.Cache
	Fallback store.Cache
	TTL      time.Duration
	Prefix   string
	// OnFallback is called each time the primary store errors and the
	// fallback is consulted.
	OnFallback func()
}

func NewClaims(cache store.Cache, ttl time.Duration) *Claims {
	if ttl <= 0 {
		ttl = DefaultMaxAge + DefaultMaxSkew
	}
	c := &Claims{Cache: cache, TTL: ttl, Prefix: "replay:"}
	if _, ok := cache.(*store.MemoryCache); !ok {
		c.Fallback = store.NewMemoryCache()
	}
	return c
}

// Claim atomically marks key as used. It fails with replayed-nonce when the
// key was claimed inside the TTL, or when no store could record the claim.
func (c *Claims) Claim(ctx context.Context, key string) error {
	if c == nil || c.Cache == nil {
		return nil
	}
	ok, err := c.Cache.SetNX(ctx, c.Prefix+key, "1", c.TTL)
	if err != nil && c.Fallback != nil {
		if c.OnFallback != nil {
			c.OnFallback()
		}
		ok, err = c.Fallback.SetNX(ctx, c.Prefix+key, "1", c.TTL)
	}
	if err != nil {
		return models.Wrap(models.KindReplay, models.CodeReplayedNonce, fmt.Errorf("claim store unavailable: %w", err))
	}
	if !ok {
		return models.Reject(models.KindReplay, models.CodeReplayedNonce)
	}
	return nil
}
