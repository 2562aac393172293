package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"generation-orchestrator/internal/clock"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	bucket := NewTokenBucket(client, clk, 2, 1)

	allowed, err := bucket.Allow(ctx, "u1")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = bucket.Allow(ctx, "u1")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _ = bucket.Allow(ctx, "u1")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	allowed, _ = bucket.Allow(ctx, "u2")
	if !allowed {
		t.Fatalf("buckets must be per key")
	}

	// the script takes time from the injected clock, so refill is observable
	clk.Advance(1500 * time.Millisecond)
	allowed, _ = bucket.Allow(ctx, "u1")
	if !allowed {
		t.Fatalf("expected refilled token after 1.5s")
	}
	allowed, _ = bucket.Allow(ctx, "u1")
	if allowed {
		t.Fatalf("expected only one token to have refilled")
	}
	if !mr.Exists("admission:u1") {
		t.Fatalf("expected bucket stored under admission prefix")
	}
}
