package auth

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SUPPLY_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisReplayStoreRejectsBadInput(t *testing.T) {
	store := NewRedisReplayStore(nil)

	if _, err := store.MarkUsed(context.Background(), "", time.Minute); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := store.MarkUsed(context.Background(), "sig", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestRedisReplayStoreMarkUsed(t *testing.T) {
	client := testRedisClient(t)
	ctx := context.Background()
	client.Del(ctx, replayKeyPrefix+"mark-used")

	store := NewRedisReplayStore(client)

	first, err := store.MarkUsed(ctx, "mark-used", time.Minute)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !first {
		t.Fatal("expected first use to succeed")
	}

	second, err := store.MarkUsed(ctx, "mark-used", time.Minute)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second {
		t.Fatal("expected second use to be rejected")
	}
}

func TestRedisReplayStoreConcurrent(t *testing.T) {
	client := testRedisClient(t)
	ctx := context.Background()
	client.Del(ctx, replayKeyPrefix+"concurrent")

	store := NewRedisReplayStore(client)

	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkUsed(ctx, "concurrent", time.Minute)
			if err != nil {
				t.Errorf("mark used: %v", err)
				return
			}
			if ok {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes.Load())
	}
}
