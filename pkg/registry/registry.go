package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

var (
	ErrDuplicateAdapter = errors.New("duplicate adapter")
	ErrNotFound         = errors.New("adapter not found")
	ErrInvalidAdapter   = errors.New("invalid adapter")
)

type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

type Health struct {
	State      HealthState `json:"state"`
	LastProbed time.Time   `json:"last_probed,omitempty"`
}

type Summary struct {
	Healthy int `json:"healthy"`
	Total   int `json:"total"`
}

// Registry holds the registered source adapters keyed by case-insensitive
// name, in registration order, along with their last known health.
type Registry struct {
	mu       sync.RWMutex
	adapters []source.Adapter
	index    map[string]int
	health   map[string]Health

	probeTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.probeTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		index:        make(map[string]int),
		health:       make(map[string]Health),
		probeTimeout: 10 * time.Second,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds an adapter. Registering a second adapter with the same name
// is a configuration error.
func (r *Registry) Register(a source.Adapter) error {
	if a == nil {
		return fmt.Errorf("%w: nil adapter", ErrInvalidAdapter)
	}
	name := a.Name()
	k := key(name)
	if k == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAdapter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[k]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAdapter, name)
	}
	r.index[k] = len(r.adapters)
	r.adapters = append(r.adapters, a)
	r.health[k] = Health{State: HealthUnknown}

	r.logger.Info("adapter registered", zap.String("source", name))
	return nil
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []source.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]source.Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

func (r *Registry) ByName(name string) (source.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[key(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r.adapters[i], nil
}

// Healthy probes every adapter concurrently and returns those reporting
// healthy, in registration order. A probe that panics or outlives the probe
// timeout counts as unhealthy.
func (r *Registry) Healthy(ctx context.Context) []source.Adapter {
	adapters := r.All()
	results := make([]bool, len(adapters))

	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a source.Adapter) {
			defer wg.Done()
			results[i] = r.probe(ctx, a)
		}(i, a)
	}
	wg.Wait()

	healthy := make([]source.Adapter, 0, len(adapters))
	for i, a := range adapters {
		if results[i] {
			healthy = append(healthy, a)
		}
	}
	return healthy
}

// Summary probes every adapter and returns the healthy vs total counts.
func (r *Registry) Summary(ctx context.Context) Summary {
	healthy := r.Healthy(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Summary{Healthy: len(healthy), Total: len(r.adapters)}
}

// Health returns a snapshot of the last probe result per source.
func (r *Registry) Health() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Health, len(r.adapters))
	for _, a := range r.adapters {
		out[a.Name()] = r.health[key(a.Name())]
	}
	return out
}

func (r *Registry) probe(ctx context.Context, a source.Adapter) (ok bool) {
	name := a.Name()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("health probe panicked",
				zap.String("source", name),
				zap.Any("panic", p),
			)
			ok = false
		}
		r.setHealth(name, ok)
	}()

	probeCtx := ctx
	if r.probeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, r.probeTimeout)
		defer cancel()
	}

	ok = a.ProbeHealth(probeCtx)
	if !ok {
		r.logger.Warn("source unhealthy", zap.String("source", name))
	}
	return ok
}

func (r *Registry) setHealth(name string, ok bool) {
	state := HealthUnhealthy
	if ok {
		state = HealthHealthy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[key(name)] = Health{State: state, LastProbed: r.now()}
}
