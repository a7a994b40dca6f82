package secrets

import (
	"sync"
	"testing"
	"time"
)

func sampleSecret() map[string]string {
	return map[string]string{
		"client_secret": "abc123",
	}
}

func TestCache_PutAndGet(t *testing.T) {
	cache := NewCache[map[string]string](2 * time.Second)
	key := "prod/bidv-monitor/bidv/credentials"

	// should miss initially
	if _, ok := cache.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	cache.Put(key, sampleSecret())

	// immediate hit
	if vals, ok := cache.Get(key); !ok {
		t.Fatal("expected cache hit")
	} else if vals["client_secret"] != "abc123" {
		t.Errorf("expected client_secret=abc123, got %s", vals["client_secret"])
	}
}

func TestCache_Expiration(t *testing.T) {
	cache := NewCache[map[string]string](100 * time.Millisecond)
	key := "prod/bidv-monitor/bidv/credentials"
	cache.Put(key, sampleSecret())

	time.Sleep(150 * time.Millisecond)

	if _, ok := cache.Get(key); ok {
		t.Fatal("expected expired cache entry")
	}
}

func TestCache_Bust(t *testing.T) {
	cache := NewCache[map[string]string](5 * time.Second)
	key := "prod/bidv-monitor/zalo/oa"
	cache.Put(key, sampleSecret())

	cache.Bust(key)
	if _, ok := cache.Get(key); ok {
		t.Fatal("expected cache miss after bust")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := NewCache[map[string]string](2 * time.Second)
	key := "prod/bidv-monitor/bidv/credentials"

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			cache.Put(key, sampleSecret())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			cache.Get(key)
		}
	}()

	wg.Wait()
}

func TestEnvProviderMapsKeys(t *testing.T) {
	t.Setenv("BIDV_CREDENTIALS_CLIENT_SECRET", "s3cret")

	vals, err := EnvProvider{}.GetSecret(nil, "bidv/credentials")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vals["client_secret"] != "s3cret" {
		t.Errorf("expected client_secret=s3cret, got %q", vals["client_secret"])
	}
}

func TestEnvProviderMissingSecret(t *testing.T) {
	if _, err := (EnvProvider{}).GetSecret(nil, "no/such/secret"); err == nil {
		t.Fatal("expected error for missing secret")
	}
}
