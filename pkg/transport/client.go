package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 16 << 20

// Client wraps outbound calls with a per-destination circuit breaker, a
// retry policy and a per-attempt timeout (outermost to innermost).
type Client struct {
	HTTP *http.Client

	Timeout          time.Duration
	Retry            RetryPolicy
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// RateLimit caps attempts per second per destination; rate.Inf disables it.
	RateLimit rate.Limit
	RateBurst int

	mu       sync.Mutex
	breakers map[string]*Breaker
	limiters map[string]*rate.Limiter

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.HTTP = c
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.Timeout = d
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.Retry = p
	}
}

func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(c *Client) {
		c.BreakerThreshold = threshold
		c.BreakerCooldown = cooldown
	}
}

// WithRateLimit spaces attempts to each destination to at most perSecond,
// allowing bursts of burst. A non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.RateLimit = rate.Inf
		if perSecond > 0 {
			c.RateLimit = rate.Limit(perSecond)
		}
		c.RateBurst = burst
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithSleep replaces the backoff wait. The function must honour ctx.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		HTTP:             &http.Client{},
		Timeout:          DefaultTimeout,
		Retry:            DefaultRetryPolicy(),
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerCooldown:  DefaultBreakerCooldown,
		RateLimit:        rate.Inf,
		RateBurst:        1,
		breakers:         make(map[string]*Breaker),
		limiters:         make(map[string]*rate.Limiter),
		now:              time.Now,
		sleep:            Sleep,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker returns the breaker owned for destination, creating it on first
// use.
func (c *Client) Breaker(destination string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.breakers[destination]
	if !ok {
		b = NewBreaker(destination,
			BreakerWithThreshold(c.BreakerThreshold),
			BreakerWithCooldown(c.BreakerCooldown),
			BreakerWithClock(c.now),
			BreakerWithLogger(c.logger.Named("breaker")),
		)
		c.breakers[destination] = b
	}
	return b
}

func (c *Client) limiter(destination string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[destination]
	if !ok {
		burst := c.RateBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(c.RateLimit, burst)
		c.limiters[destination] = l
	}
	return l
}

// pace waits for the destination's limiter. The wait goes through c.sleep
// so it ends early when ctx is done, whatever its deadline.
func (c *Client) pace(ctx context.Context, destination string) error {
	if c.RateLimit == rate.Inf {
		return nil
	}
	r := c.limiter(destination).Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	c.logger.Debug("rate limited",
		zap.String("destination", destination),
		zap.Duration("delay", delay),
	)
	if err := c.sleep(ctx, delay); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

// Open reports whether calls to destination would currently be rejected
// without an attempt.
func (c *Client) Open(destination string) bool {
	return c.Breaker(destination).State() == StateOpen
}

// Do runs fn under the full policy stack. fn receives a context bounded by
// the per-attempt timeout and should return a *SourceError (or a network
// error) to signal retryable failures.
func (c *Client) Do(ctx context.Context, destination string, fn func(context.Context) error) error {
	return c.call(ctx, destination, c.Retry.MaxRetries, fn)
}

// Once runs fn through the breaker and timeout but never retries. It is
// meant for cheap probes.
func (c *Client) Once(ctx context.Context, destination string, fn func(context.Context) error) error {
	return c.call(ctx, destination, 0, fn)
}

func (c *Client) call(ctx context.Context, destination string, maxRetries int, fn func(context.Context) error) error {
	b := c.Breaker(destination)
	if err := b.Allow(); err != nil {
		c.logger.Debug("call short-circuited",
			zap.String("destination", destination),
		)
		return fmt.Errorf("%s: %w", destination, err)
	}

	err := c.retry(ctx, destination, maxRetries, fn)
	b.Record(err)
	return err
}

func (c *Client) retry(ctx context.Context, destination string, maxRetries int, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := c.pace(ctx, destination); err != nil {
			return err
		}
		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = normalize(destination, err)
		if !IsTransient(err) || attempt >= maxRetries {
			return err
		}

		var retryAfter time.Duration
		var se *SourceError
		if errors.As(err, &se) {
			retryAfter = se.RetryAfter
		}
		delay := c.Retry.Backoff(attempt+1, retryAfter)

		c.logger.Warn("retrying call",
			zap.String("destination", destination),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Client) attempt(ctx context.Context, fn func(context.Context) error) error {
	if c.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

// Get fetches rawURL and returns the body of a 2xx response. The URL host is
// the breaker destination.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	destination, err := Destination(rawURL)
	if err != nil {
		return nil, err
	}

	var body []byte
	err = c.Do(ctx, destination, func(ctx context.Context) error {
		b, err := c.get(ctx, destination, rawURL, header)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// Probe issues a single GET against rawURL and reports any failure.
func (c *Client) Probe(ctx context.Context, rawURL string, header http.Header) error {
	destination, err := Destination(rawURL)
	if err != nil {
		return err
	}
	return c.Once(ctx, destination, func(ctx context.Context) error {
		_, err := c.get(ctx, destination, rawURL, header)
		return err
	})
}

func (c *Client) get(ctx context.Context, destination, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Permanent(destination, fmt.Errorf("create request: %w", err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, Transient(destination, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, StatusError(destination, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), c.now()))
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, Transient(destination, fmt.Errorf("read body: %w", err))
	}
	return b, nil
}

// Destination returns the breaker key (host[:port]) for rawURL.
func Destination(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", rawURL)
	}
	return u.Host, nil
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
