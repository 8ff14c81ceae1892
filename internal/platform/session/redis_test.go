package session

import (
	"context"
	"os"
	"testing"
)

func TestRedisStore_Contract(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	client, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	store := NewRedisStore(client)
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	testStoreContract(t, store)
}

func TestConnect_AcceptsURLAndAddr(t *testing.T) {
	c, err := Connect(context.Background(), "redis://:secret@cache.internal:6380/2")
	if err != nil {
		t.Fatalf("Connect url: %v", err)
	}
	if c.Options().Addr != "cache.internal:6380" || c.Options().DB != 2 || c.Options().Password != "secret" {
		t.Errorf("unexpected options %+v", c.Options())
	}
	c.Close()

	c, err = Connect(context.Background(), "localhost:6379")
	if err != nil {
		t.Fatalf("Connect addr: %v", err)
	}
	if c.Options().Addr != "localhost:6379" {
		t.Errorf("unexpected addr %s", c.Options().Addr)
	}
	c.Close()

	if _, err := Connect(context.Background(), "redis://bad host:1/x"); err == nil {
		t.Error("expected parse error")
	}
}
