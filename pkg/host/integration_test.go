//go:build integration

package host

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/offline-agent/internal/testutil"
	"github.com/Sternrassler/offline-agent/pkg/agent"
	"github.com/Sternrassler/offline-agent/pkg/interceptor"
	"github.com/Sternrassler/offline-agent/pkg/precache"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	t.Cleanup(func() {
		redisClient.Close()
		container.Terminate(ctx)
	})

	return redisClient
}

// TestIntegration_RedisUpgradeAndOffline runs the full install, offline and
// upgrade flow against a real Redis.
func TestIntegration_RedisUpgradeAndOffline(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	redisClient := setupRedis(t)
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	scope, _ := url.Parse(origin.URL() + "/")
	caches := store.NewCaches(store.NewRedisBackend(redisClient, "integration"))

	reg, err := NewRegistration(scope, origin.Client())
	if err != nil {
		t.Fatalf("NewRegistration failed: %v", err)
	}
	defer reg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	install := func(version string) {
		t.Helper()
		a, err := agent.New(agent.Config{
			Version:  version,
			Scope:    scope,
			Manifest: []string{"./", "./index.html"},
			Caches:   caches,
			Network:  origin.Client(),
			Host:     reg,
			Precache: precache.DefaultConfig(),
		})
		if err != nil {
			t.Fatalf("agent.New failed: %v", err)
		}
		if err := reg.Update(ctx, a); err != nil {
			t.Fatalf("Update %s failed: %v", version, err)
		}
	}

	install("salary-plan-v1.0")

	// Offline: precached entries still answer
	origin.SetOffline(true)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, origin.URL()+"/index.html", nil)
	resp, err := reg.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != testutil.IndexHTML {
		t.Errorf("Expected precached body, got %q", body)
	}
	if resp.Header.Get(interceptor.CacheStatusHeader) != string(interceptor.StatusHit) {
		t.Error("Expected cache hit while offline")
	}

	// Upgrade evicts the old generation
	origin.SetOffline(false)
	install("salary-plan-v2.0")

	names, err := caches.Names(ctx)
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if len(names) != 1 || names[0] != "salary-plan-v2.0" {
		t.Errorf("Expected [salary-plan-v2.0], got %v", names)
	}

	handle, err := caches.Open(ctx, "salary-plan-v2.0")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	keys, err := handle.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 precached entries in v2.0, got %d", len(keys))
	}
}
