package redis_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/persistence/persistencetest"
	"github.com/dukex/durable/pkg/persistence/redis"
)

var (
	redisOnce     sync.Once
	redisEndpoint string
	redisErr      error
)

func redisAddress(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		container, err := testcontainers.Run(
			ctx, "redis:7-alpine",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err

			return
		}

		redisEndpoint, redisErr = container.Endpoint(ctx, "")
	})

	require.NoError(t, redisErr)

	return redisEndpoint
}

func TestRedisPersistence(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		t.Helper()

		client := goredis.NewClient(&goredis.Options{Addr: redisAddress(t)})
		require.NoError(t, client.FlushAll(t.Context()).Err())

		p := redis.NewWithClient(client, "test:", logger)

		t.Cleanup(func() { _ = p.Close(context.Background()) })

		return p
	})
}

func TestNewPersistence_FromURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := redis.NewPersistence(t.Context(), logger, "redis://"+redisAddress(t)+"/0")
	require.NoError(t, err)
	require.NoError(t, p.HealthCheck(t.Context()))
	require.NoError(t, p.Close(t.Context()))
}

func TestNewPersistence_BadURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := redis.NewPersistence(t.Context(), logger, "not-a-url")
	require.Error(t, err)
}
