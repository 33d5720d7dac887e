package replay

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/SergiuNegara/lmml/pkg/models"
	"github.com/SergiuNegara/lmml/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func nonceAt(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func TestCheckFreshnessWindow(t *testing.T) {
	g := NewGuard(Options{})
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name   string
		offset time.Duration
		stale  bool
	}{
		{"now", 0, false},
		{"59s old", -59 * time.Second, false},
		{"60s old", -60 * time.Second, false},
		{"61s old", -61 * time.Second, true},
		{"one hour old", -time.Hour, true},
		{"4s ahead", 4 * time.Second, false},
		{"5s ahead", 5 * time.Second, false},
		{"6s ahead", 6 * time.Second, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			freshness, err := g.CheckFreshness(nonceAt(now.Add(tc.offset)), now)
			if freshness != FreshnessOK {
				t.Fatalf("expected numeric nonce to be checked, got %s", freshness)
			}
			if tc.stale {
				if models.Code(err) != models.CodeStaleNonce || !models.IsKind(err, models.KindReplay) {
					t.Fatalf("expected stale-nonce replay error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected fresh nonce, got %v", err)
			}
		})
	}
}

func TestCheckFreshnessReportsAge(t *testing.T) {
	g := NewGuard(Options{})
	now := time.Unix(1_700_003_600, 0)
	_, err := g.CheckFreshness("1700000000", now)
	e, ok := models.AsVerification(err)
	if !ok {
		t.Fatalf("expected verification error, got %v", err)
	}
	age, _ := e.Fields["age"].(float64)
	if age != 3600 {
		t.Fatalf("expected age 3600, got %#v", e.Fields["age"])
	}
}

func TestCheckFreshnessNonNumericIsPermissive(t *testing.T) {
	g := NewGuard(Options{})
	for _, nonce := range []string{"abc", "", "12:00", "1700000000s"} {
		freshness, err := g.CheckFreshness(nonce, time.Now())
		if err != nil {
			t.Fatalf("expected %q to be accepted unchecked, got %v", nonce, err)
		}
		if freshness != FreshnessUnchecked {
			t.Fatalf("expected unchecked for %q, got %s", nonce, freshness)
		}
	}
}

func TestCheckFreshnessStrictRejectsNonNumeric(t *testing.T) {
	g := NewGuard(Options{StrictNonce: true})
	_, err := g.CheckFreshness("abc", time.Now())
	if models.Code(err) != models.CodeStaleNonce {
		t.Fatalf("expected stale-nonce in strict mode, got %v", err)
	}
}

func TestCheckFreshnessRejectsNonFinite(t *testing.T) {
	g := NewGuard(Options{})
	now := time.Unix(1_700_000_000, 0)
	for _, nonce := range []string{"NaN", "nan", "Inf", "-Inf", "1e400"} {
		if _, err := g.CheckFreshness(nonce, now); models.Code(err) != models.CodeStaleNonce {
			t.Fatalf("nonce %q: expected stale-nonce, got %v", nonce, err)
		}
	}
}

func TestCheckFreshnessTrimsWhitespace(t *testing.T) {
	g := NewGuard(Options{})
	now := time.Now()
	freshness, err := g.CheckFreshness("  "+nonceAt(now)+"\n", now)
	if err != nil || freshness != FreshnessOK {
		t.Fatalf("expected padded numeric nonce to be checked and fresh, got %s %v", freshness, err)
	}
}

func TestCustomWindow(t *testing.T) {
	g := NewGuard(Options{MaxAge: 10 * time.Second, MaxSkew: time.Second})
	now := time.Unix(1_700_000_000, 0)
	if _, err := g.CheckFreshness(nonceAt(now.Add(-11*time.Second)), now); err == nil {
		t.Fatal("expected 11s old nonce to be stale with 10s window")
	}
	if got := g.Window(); got != 11*time.Second {
		t.Fatalf("expected window 11s, got %s", got)
	}
	if got := NewGuard(Options{}).Window(); got != 65*time.Second {
		t.Fatalf("expected default window 65s, got %s", got)
	}
}

func TestClaimsNilAcceptsEverything(t *testing.T) {
	var c *Claims
	if err := c.Claim(context.Background(), "k"); err != nil {
		t.Fatalf("expected nil claims to accept, got %v", err)
	}
}

func TestClaimsMemory(t *testing.T) {
	c := NewClaims(store.NewMemoryCache(), time.Minute)
	ctx := context.Background()
	if err := c.Claim(ctx, "mac-1"); err != nil {
		t.Fatalf("expected first claim to succeed, got %v", err)
	}
	err := c.Claim(ctx, "mac-1")
	if models.Code(err) != models.CodeReplayedNonce {
		t.Fatalf("expected replayed-nonce, got %v", err)
	}
	if err := c.Claim(ctx, "mac-2"); err != nil {
		t.Fatalf("expected distinct key to succeed, got %v", err)
	}
}

func TestClaimsRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewClaims(store.NewRedisCache(client), 65*time.Second)
	ctx := context.Background()
	if err := c.Claim(ctx, "mac-1"); err != nil {
		t.Fatalf("expected first claim to succeed, got %v", err)
	}
	if !mr.Exists("replay:mac-1") {
		t.Fatal("expected claim key in redis")
	}
	if ttl := mr.TTL("replay:mac-1"); ttl != 65*time.Second {
		t.Fatalf("expected 65s ttl, got %s", ttl)
	}
	if err := c.Claim(ctx, "mac-1"); models.Code(err) != models.CodeReplayedNonce {
		t.Fatalf("expected replayed-nonce, got %v", err)
	}
	mr.FastForward(66 * time.Second)
	if err := c.Claim(ctx, "mac-1"); err != nil {
		t.Fatalf("expected claim after ttl to succeed, got %v", err)
	}
}

type failingCache struct{ store.Cache }

func (failingCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestClaimsFallsBackWhenStoreFails(t *testing.T) {
	c := NewClaims(failingCache{}, time.Minute)
	fallbacks := 0
	c.OnFallback = func() { fallbacks++ }
	ctx := context.Background()
	if err := c.Claim(ctx, "mac-1"); err != nil {
		t.Fatalf("expected fallback claim to succeed, got %v", err)
	}
	if err := c.Claim(ctx, "mac-1"); models.Code(err) != models.CodeReplayedNonce {
		t.Fatalf("expected fallback to enforce single use, got %v", err)
	}
	if fallbacks != 2 {
		t.Fatalf("expected 2 fallback notifications, got %d", fallbacks)
	}
}

func TestClaimsFailsClosedWithoutFallback(t *testing.T) {
	c := &Claims{Cache: failingCache{}, TTL: time.Minute, Prefix: "replay:"}
	err := c.Claim(context.Background(), "mac-1")
	if models.Code(err) != models.CodeReplayedNonce {
		t.Fatalf("expected fail-closed rejection, got %v", err)
	}
}
