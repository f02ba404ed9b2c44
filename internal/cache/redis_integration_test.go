package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/shelfgate/config"
)

func TestRedisCacheAgainstContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	client, err := Conn(ctx, config.RedisConfig{Host: host, Port: port.Port(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer func() { _ = client.Close() }()

	c := NewRedis(client, fmt.Sprintf("test-%d:", time.Now().UnixNano()))
	ok, err := c.SetNX(ctx, "idem", "pending", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "idem", "pending", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose, got %v, %v", ok, err)
	}
	if err := c.Set(ctx, "idem", "done", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := c.Get(ctx, "idem"); err != nil || v != "done" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if err := c.Delete(ctx, "idem"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "idem"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if _, err := client.Get(ctx, "idem").Result(); !errors.Is(err, redis.Nil) {
		t.Fatalf("prefix not applied: unprefixed key visible")
	}
}
