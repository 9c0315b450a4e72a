package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func statusServer(t *testing.T, status int, hits *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientGet(t *testing.T) {
	t.Run("retries 503 exactly max retries times", func(t *testing.T) {
		var hits int64
		srv := statusServer(t, http.StatusServiceUnavailable, &hits)

		var delays []time.Duration
		c := New(
			WithRetryPolicy(RetryPolicy{MaxRetries: 3, Base: 2}),
			WithSleep(func(ctx context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			}),
		)

		_, err := c.Get(context.Background(), srv.URL, nil)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, int64(4), atomic.LoadInt64(&hits))
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)

		var se *SourceError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	})

	t.Run("does not retry 404", func(t *testing.T) {
		var hits int64
		srv := statusServer(t, http.StatusNotFound, &hits)

		c := New(WithSleep(noSleep))
		_, err := c.Get(context.Background(), srv.URL, nil)
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
	})

	t.Run("retries 429 and honours retry-after", func(t *testing.T) {
		var hits int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt64(&hits, 1) == 1 {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte("ok"))
		}))
		defer srv.Close()

		var delays []time.Duration
		c := New(
			WithRetryPolicy(RetryPolicy{MaxRetries: 3, Base: 2, MaxBackoff: time.Minute}),
			WithSleep(func(ctx context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			}),
		)

		body, err := c.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(body))
		assert.Equal(t, []time.Duration{7 * time.Second}, delays)
	})

	t.Run("attempt timeout is transient", func(t *testing.T) {
		var hits int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&hits, 1)
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		c := New(
			WithTimeout(20*time.Millisecond),
			WithRetryPolicy(RetryPolicy{MaxRetries: 1, Base: 2}),
			WithSleep(noSleep),
		)

		_, err := c.Get(context.Background(), srv.URL, nil)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		var hits int64
		srv := statusServer(t, http.StatusBadGateway, &hits)

		ctx, cancel := context.WithCancel(context.Background())
		c := New(WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

		_, err := c.Get(ctx, srv.URL, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
	})
}

func TestClientBreaker(t *testing.T) {
	t.Run("trips after threshold and admits one trial after cooldown", func(t *testing.T) {
		var hits int64
		srv := statusServer(t, http.StatusServiceUnavailable, &hits)

		clock := newFakeClock()
		c := New(
			WithRetryPolicy(RetryPolicy{MaxRetries: 0, Base: 2}),
			WithBreaker(5, time.Minute),
			WithClock(clock.Now),
			WithSleep(noSleep),
		)

		for i := 0; i < 5; i++ {
			_, err := c.Get(context.Background(), srv.URL, nil)
			require.True(t, IsTransient(err))
		}
		assert.Equal(t, int64(5), atomic.LoadInt64(&hits))

		dest, err := Destination(srv.URL)
		require.NoError(t, err)
		assert.True(t, c.Open(dest))

		_, err = c.Get(context.Background(), srv.URL, nil)
		assert.ErrorIs(t, err, ErrBreakerOpen)
		assert.Equal(t, int64(5), atomic.LoadInt64(&hits))

		clock.Advance(time.Minute)
		assert.False(t, c.Open(dest))

		_, err = c.Get(context.Background(), srv.URL, nil)
		assert.True(t, IsTransient(err))
		assert.Equal(t, int64(6), atomic.LoadInt64(&hits))

		_, err = c.Get(context.Background(), srv.URL, nil)
		assert.ErrorIs(t, err, ErrBreakerOpen)
		assert.Equal(t, int64(6), atomic.LoadInt64(&hits))
	})

	t.Run("permanent errors do not trip the breaker", func(t *testing.T) {
		var hits int64
		srv := statusServer(t, http.StatusBadRequest, &hits)

		c := New(WithBreaker(2, time.Minute), WithSleep(noSleep))
		for i := 0; i < 5; i++ {
			_, err := c.Get(context.Background(), srv.URL, nil)
			assert.True(t, IsPermanent(err))
		}
		assert.Equal(t, int64(5), atomic.LoadInt64(&hits))
	})
}

func TestClientDo(t *testing.T) {
	t.Run("unclassified errors are not retried", func(t *testing.T) {
		calls := 0
		c := New(WithSleep(noSleep))
		err := c.Do(context.Background(), "example", func(ctx context.Context) error {
			calls++
			return errors.New("boom")
		})
		assert.EqualError(t, err, "boom")
		assert.Equal(t, 1, calls)
	})

	t.Run("once never retries", func(t *testing.T) {
		calls := 0
		c := New(WithSleep(noSleep))
		err := c.Once(context.Background(), "example", func(ctx context.Context) error {
			calls++
			return Transient("example", errors.New("down"))
		})
		assert.True(t, IsTransient(err))
		assert.Equal(t, 1, calls)
	})
}

func TestClientRateLimit(t *testing.T) {
	var hits int64
	srv := statusServer(t, http.StatusOK, &hits)

	t.Run("spaces attempts per destination", func(t *testing.T) {
		var mu sync.Mutex
		var waits []time.Duration
		c := New(
			WithRateLimit(1, 1),
			WithSleep(func(ctx context.Context, d time.Duration) error {
				mu.Lock()
				waits = append(waits, d)
				mu.Unlock()
				return ctx.Err()
			}),
		)

		for i := 0; i < 2; i++ {
			_, err := c.Get(context.Background(), srv.URL, nil)
			require.NoError(t, err)
		}
		require.Len(t, waits, 1, "the first call uses the burst")
		assert.InDelta(t, float64(time.Second), float64(waits[0]), float64(200*time.Millisecond))
	})

	t.Run("cancelled wait returns the context error", func(t *testing.T) {
		c := New(WithRateLimit(0.001, 1), WithSleep(Sleep))
		_, err := c.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		before := atomic.LoadInt64(&hits)
		_, err = c.Get(ctx, srv.URL, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, before, atomic.LoadInt64(&hits))
	})

	t.Run("disabled by default", func(t *testing.T) {
		c := New(WithSleep(func(ctx context.Context, d time.Duration) error {
			t.Fatalf("unexpected wait of %s", d)
			return nil
		}))
		for i := 0; i < 3; i++ {
			_, err := c.Get(context.Background(), srv.URL, nil)
			require.NoError(t, err)
		}
	})
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{Base: 2, MaxBackoff: 5 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(1, 0))
	assert.Equal(t, 4*time.Second, p.Backoff(2, 0))
	assert.Equal(t, 5*time.Second, p.Backoff(3, 0))
	assert.Equal(t, 5*time.Second, p.Backoff(1, time.Hour))

	jittered := RetryPolicy{Base: 2, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := jittered.Backoff(1, 0)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	for code, transient := range map[int]bool{
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
		http.StatusTooManyRequests:     true,
		http.StatusRequestTimeout:      true,
		http.StatusNotFound:            false,
		http.StatusForbidden:           false,
		http.StatusBadRequest:          false,
	} {
		err := StatusError("example", code, 0)
		assert.Equal(t, transient, IsTransient(err), "status %d", code)
		assert.Equal(t, !transient, IsPermanent(err), "status %d", code)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", Classify(nil))
	assert.Equal(t, "breaker_open", Classify(ErrBreakerOpen))
	assert.Equal(t, "transient", Classify(Transient("x", errors.New("x"))))
	assert.Equal(t, "permanent", Classify(Permanent("x", errors.New("x"))))
	assert.Equal(t, "cancelled", Classify(context.Canceled))
	assert.Equal(t, "unknown", Classify(errors.New("x")))
}
