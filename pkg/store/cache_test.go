package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCacheSetNXClaimsOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backends := map[string]Cache{
		"memory": NewMemoryCache(),
		"redis":  NewRedisCache(client),
	}
	for name, c := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := c.SetNX(ctx, "replay:aa", "1", time.Minute)
			if err != nil || !ok {
				t.Fatalf("expected first claim, got ok=%v err=%v", ok, err)
			}
			ok, err = c.SetNX(ctx, "replay:aa", "1", time.Minute)
			if err != nil || ok {
				t.Fatalf("expected duplicate claim to be refused, got ok=%v err=%v", ok, err)
			}
			if ok, _ := c.SetNX(ctx, "replay:bb", "1", time.Minute); !ok {
				t.Fatal("expected an unrelated key to be claimable")
			}
		})
	}
	if ttl := mr.TTL("replay:aa"); ttl != time.Minute {
		t.Fatalf("expected redis ttl of 1m, got %v", ttl)
	}
}

func TestMemoryCacheClaimExpires(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if ok, _ := c.SetNX(ctx, "replay:abc", "1", 10*time.Millisecond); !ok {
		t.Fatal("expected first claim to succeed")
	}
	if ok, _ := c.SetNX(ctx, "replay:abc", "1", 10*time.Millisecond); ok {
		t.Fatal("expected second claim inside ttl to fail")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := c.SetNX(ctx, "replay:abc", "1", 10*time.Millisecond); !ok {
		t.Fatal("expected claim after expiry to succeed")
	}
}

func TestMemoryCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if ok, _ := c.SetNX(ctx, "k", "v", 0); !ok {
		t.Fatal("expected first claim to succeed")
	}
	time.Sleep(5 * time.Millisecond)
	if ok, _ := c.SetNX(ctx, "k", "v", 0); ok {
		t.Fatal("expected claim without ttl to persist")
	}
}

func TestNewCacheSelection(t *testing.T) {
	mr := miniredis.RunT(t)
	live := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = live.Close() })
	dead := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   -1,
	})
	t.Cleanup(func() { _ = dead.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("expected memory cache without a client")
	}
	if _, ok := NewCache(ctx, dead).(*MemoryCache); !ok {
		t.Fatal("expected memory cache when redis does not answer")
	}
	if _, ok := NewCache(ctx, live).(*RedisCache); !ok {
		t.Fatal("expected redis cache when ping succeeds")
	}
}

func TestMemoryCacheConcurrentClaimsHaveOneWinner(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	const workers = 32
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.SetNX(ctx, "replay:race", "1", time.Minute); ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}
