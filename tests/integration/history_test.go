//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/requester/internal/testutil"
	"github.com/Sternrassler/requester/pkg/client"
	"github.com/Sternrassler/requester/pkg/env"
	"github.com/Sternrassler/requester/pkg/history"
	"github.com/Sternrassler/requester/pkg/requester"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
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

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newRequester(t *testing.T, store *history.Store) *requester.Requester {
	t.Helper()

	c, err := client.New(client.DefaultConfig("requester-integration/1.0"))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	cfg := requester.DefaultConfig()
	cfg.RefreshInterval = 10 * time.Millisecond
	r := requester.New(cfg, c, requester.WithHistory(store))

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
		c.Close()
	})
	return r
}

func runText(t *testing.T, r *requester.Requester, text string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run := r.Run(ctx, requester.Invocation{Text: text, Sources: env.Sources{Inline: env.ParseBlock(text)}}, nil)
	if _, err := run.Wait(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

// TestRedisHistory runs batches against a mock server and checks the
// history document kept in Redis.
func TestRedisHistory(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockServer()
	defer mock.Close()

	store := history.NewStore(history.NewRedisBackend(redisClient, history.DefaultRedisKey), 2)
	r := newRequester(t, store)

	envBlock := "###env\nbase = '" + mock.URL() + "'\n###env\n"
	runText(t, r, envBlock+"GET {{base}}/a\nGET {{base}}/b\n")
	runText(t, r, envBlock+"POST {{base}}/c body={}\n")

	ctx := context.Background()
	entries, err := store.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}

	// the bound of 2 evicts the oldest request
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Key != "GET: {{base}}/b" || entries[1].Key != "POST: {{base}}/c" {
		t.Errorf("Unexpected keys: %q, %q", entries[0].Key, entries[1].Key)
	}
	if entries[1].Code != 200 || entries[1].EnvString == nil || entries[1].EnvFile != nil {
		t.Errorf("Unexpected entry: %+v", entries[1])
	}

	raw, err := redisClient.Get(ctx, history.DefaultRedisKey).Result()
	if err != nil {
		t.Fatalf("Failed to read history key: %v", err)
	}
	if raw == "" {
		t.Error("History key is empty")
	}
}

// TestRedisHistoryReplay replays a stored request from a second requester
// sharing the same Redis history.
func TestRedisHistoryReplay(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockServer()
	defer mock.Close()

	first := newRequester(t, history.NewStore(history.NewRedisBackend(redisClient, "test:history"), 10))
	runText(t, first, "###env\nbase = '"+mock.URL()+"'\n###env\nGET {{base}}/replayed\n")

	second := newRequester(t, history.NewStore(history.NewRedisBackend(redisClient, "test:history"), 10))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	before := mock.GetRequestCount()
	run, err := second.Replay(ctx, "GET: {{base}}/replayed", nil)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	responses, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("Replay run failed: %v", err)
	}
	if len(responses) != 1 || responses[0].Result == nil || responses[0].Result.StatusCode != 200 {
		t.Errorf("Unexpected replay responses: %+v", responses)
	}
	if mock.GetRequestCount() != before+1 {
		t.Errorf("Expected one replayed request, got %d", mock.GetRequestCount()-before)
	}

	if _, err := second.Replay(ctx, "GET: http://unknown", nil); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
