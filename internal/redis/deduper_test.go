package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client, err := NewFromAddr(context.Background(), mr.Addr(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	return client, func() {
		client.Close()
		mr.Close()
	}
}

func setupTestDeduper(t *testing.T) (*Deduper, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}
	t.Cleanup(func() { client.Close() })

	return NewDeduper(client, zap.NewNop()), mr
}

func TestDeduper_FirstReservationWins(t *testing.T) {
	d, _ := setupTestDeduper(t)
	ctx := context.Background()

	ok, err := d.Reserve(ctx, "site-1:kiosks:config-push", time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !ok {
		t.Fatal("first reservation should succeed")
	}

	ok, err = d.Reserve(ctx, "site-1:kiosks:config-push", time.Minute)
	if err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}
	if ok {
		t.Error("second reservation of the same key should be suppressed")
	}
}

func TestDeduper_IndependentKeys(t *testing.T) {
	d, _ := setupTestDeduper(t)
	ctx := context.Background()

	if ok, _ := d.Reserve(ctx, "site-1:all:reboot", time.Minute); !ok {
		t.Fatal("first key should reserve")
	}
	if ok, _ := d.Reserve(ctx, "site-2:all:reboot", time.Minute); !ok {
		t.Error("different key should not be suppressed")
	}
}

func TestDeduper_ReservationExpires(t *testing.T) {
	d, mr := setupTestDeduper(t)
	ctx := context.Background()

	if ok, _ := d.Reserve(ctx, "site-1:all:reboot", 30*time.Second); !ok {
		t.Fatal("first reservation should succeed")
	}

	mr.FastForward(31 * time.Second)

	ok, err := d.Reserve(ctx, "site-1:all:reboot", 30*time.Second)
	if err != nil {
		t.Fatalf("reserve after expiry failed: %v", err)
	}
	if !ok {
		t.Error("key should be free again after the TTL window")
	}
}

func TestDeduper_KeyPrefix(t *testing.T) {
	d, mr := setupTestDeduper(t)

	if ok, _ := d.Reserve(context.Background(), "site-1:all:reboot", time.Minute); !ok {
		t.Fatal("reservation should succeed")
	}

	if !mr.Exists("jobdedup:site-1:all:reboot") {
		t.Error("reservation should be stored under the jobdedup: prefix")
	}
}

func TestDeduper_DefaultTTL(t *testing.T) {
	d, mr := setupTestDeduper(t)

	if ok, _ := d.Reserve(context.Background(), "site-1:all:reboot", 0); !ok {
		t.Fatal("reservation should succeed")
	}

	ttl := mr.TTL("jobdedup:site-1:all:reboot")
	if ttl != dedupDefaultTTL {
		t.Errorf("zero ttl should fall back to %v, got %v", dedupDefaultTTL, ttl)
	}
}

func TestDeduper_ReleaseFreesKey(t *testing.T) {
	d, _ := setupTestDeduper(t)
	ctx := context.Background()

	if ok, _ := d.Reserve(ctx, "site-1:all:reboot", time.Minute); !ok {
		t.Fatal("reservation should succeed")
	}
	if err := d.Release(ctx, "site-1:all:reboot"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	ok, err := d.Reserve(ctx, "site-1:all:reboot", time.Minute)
	if err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
	if !ok {
		t.Error("released key should be reservable again")
	}
}

func TestClient_Ping(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("ping against live redis failed: %v", err)
	}
}
