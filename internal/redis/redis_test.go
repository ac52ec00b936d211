package redis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"paperlens/internal/config"
)

func newMiniClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := NewRedisClient(config.RedisConfig{Host: mr.Host(), Port: port})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestDisabledClientWithoutHost(t *testing.T) {
	client, err := NewRedisClient(config.RedisConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Enabled() {
		t.Fatalf("expected disabled client")
	}
	if _, err := client.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected error from disabled client")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close disabled client: %v", err)
	}
}

func TestSetGetDel(t *testing.T) {
	client, mr := newMiniClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := client.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get: %q %v", got, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := client.Get(ctx, "k"); err != ErrCacheMiss {
		t.Fatalf("expected cache miss after ttl, got %v", err)
	}

	if err := client.Set(ctx, "k2", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := client.Del(ctx, "k2"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := client.Get(ctx, "k2"); err != ErrCacheMiss {
		t.Fatalf("expected cache miss after del, got %v", err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	client, _ := newMiniClient(t)
	ctx := context.Background()

	ps, err := client.Subscribe(ctx, "chan")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer ps.Close()

	if err := client.Publish(ctx, "chan", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ps.Channel():
		if msg.Payload != "hello" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive message")
	}
}
