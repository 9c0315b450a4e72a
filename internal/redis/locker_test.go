package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestIntegrationRedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate redis container: %s", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := Connect(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	t.Run("mutual exclusion", func(t *testing.T) {
		locker := NewLocker(client, WithPollInterval(time.Millisecond))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			holders int
			maxSeen int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := locker.Lock(ctx, "p1")
				if !assert.NoError(t, err) {
					return
				}

				mu.Lock()
				holders++
				if holders > maxSeen {
					maxSeen = holders
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
	})

	t.Run("waiting honours context", func(t *testing.T) {
		locker := NewLocker(client)
		unlock, err := locker.Lock(ctx, "p2")
		require.NoError(t, err)
		defer unlock()

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(waitCtx, "p2")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("expired lock is not released by the old holder", func(t *testing.T) {
		locker := NewLocker(client, WithTTL(20*time.Millisecond))
		stale, err := locker.Lock(ctx, "p3")
		require.NoError(t, err)

		time.Sleep(40 * time.Millisecond)
		fresh, err := locker.Lock(ctx, "p3")
		require.NoError(t, err)

		stale()
		v, err := client.Exists(ctx, "pricewatch:lock:p3").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
		fresh()
	})
}
