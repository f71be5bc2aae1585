package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-relay/internal/domain"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLimiter(client)
	return l, mr
}

func TestRedisLimiterWindow(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, err := l.AllowProvider(ctx, domain.ProviderResend, 10)
		if err != nil {
			t.Fatalf("AllowProvider: %v", err)
		}
		if !allowed {
			t.Fatalf("send %d denied, want first 10 allowed", i+1)
		}
	}

	allowed, err := l.AllowProvider(ctx, domain.ProviderResend, 10)
	if err != nil {
		t.Fatalf("AllowProvider: %v", err)
	}
	if allowed {
		t.Error("11th send allowed, want denial")
	}

	// Other providers have their own window.
	allowed, err = l.AllowProvider(ctx, domain.ProviderBrevo, 10)
	if err != nil || !allowed {
		t.Errorf("brevo denied (allowed=%v, err=%v), windows must be per provider", allowed, err)
	}
}

func TestRedisLimiterNewMinuteResets(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 15, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if ok, _ := l.AllowProvider(ctx, domain.ProviderSES, 3); !ok {
			t.Fatalf("send %d denied", i+1)
		}
	}
	if ok, _ := l.AllowProvider(ctx, domain.ProviderSES, 3); ok {
		t.Fatal("4th send allowed within the same minute")
	}

	l.now = func() time.Time { return base.Add(time.Minute) }
	if ok, err := l.AllowProvider(ctx, domain.ProviderSES, 3); err != nil || !ok {
		t.Errorf("new minute should admit again (allowed=%v, err=%v)", ok, err)
	}
}

func TestRedisLimiterHeadroomDoesNotConsume(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ok, err := l.HasRateHeadroom(ctx, domain.ProviderResend, 10)
		if err != nil || !ok {
			t.Fatalf("headroom peek %d: allowed=%v, err=%v", i, ok, err)
		}
	}
	n, err := l.CurrentUsage(ctx, domain.ProviderResend)
	if err != nil || n != 0 {
		t.Errorf("usage after peeks = %d (err %v), want 0", n, err)
	}
}

func TestRedisLimiterAllowKey(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	key := "enqueue:user@example.com:auth"
	for i := 0; i < 2; i++ {
		if ok, err := l.AllowKey(ctx, key, 2, time.Minute); err != nil || !ok {
			t.Fatalf("AllowKey %d: allowed=%v, err=%v", i, ok, err)
		}
	}
	if ok, _ := l.AllowKey(ctx, key, 2, time.Minute); ok {
		t.Error("key admitted past its limit")
	}
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if ok, _ := l.AllowProvider(ctx, domain.ProviderBrevo, 10); !ok {
			t.Fatalf("send %d denied", i+1)
		}
	}
	if ok, _ := l.AllowProvider(ctx, domain.ProviderBrevo, 10); ok {
		t.Error("11th send allowed, want denial")
	}

	if ok, _ := l.HasRateHeadroom(ctx, domain.ProviderBrevo, 10); ok {
		t.Error("headroom reported at limit")
	}
	if ok, _ := l.HasRateHeadroom(ctx, domain.ProviderResend, 10); !ok {
		t.Error("untouched provider should have headroom")
	}
}

func TestLocalLimiterWindowRollover(t *testing.T) {
	l := NewLocalLimiter()
	base := time.Date(2024, 3, 15, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	if ok, _ := l.AllowProvider(ctx, domain.ProviderSES, 1); !ok {
		t.Fatal("first send denied")
	}
	if ok, _ := l.AllowProvider(ctx, domain.ProviderSES, 1); ok {
		t.Fatal("second send allowed within window")
	}

	l.now = func() time.Time { return base.Add(time.Minute) }
	if ok, _ := l.AllowProvider(ctx, domain.ProviderSES, 1); !ok {
		t.Error("new window should admit")
	}
}
