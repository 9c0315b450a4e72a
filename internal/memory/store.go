package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/reconcile"
	"github.com/turbolytics/pricewatch/pkg/source"
)

// Store keeps products and observations in process memory. It implements
// reconcile.ProductStore and ledger.Store and is used for local runs and
// tests.
type Store struct {
	mu           sync.RWMutex
	products     map[source.Identity]reconcile.Product
	observations map[source.Identity][]ledger.Observation
}

func New() *Store {
	return &Store{
		products:     make(map[source.Identity]reconcile.Product),
		observations: make(map[source.Identity][]ledger.Observation),
	}
}

func (s *Store) FindByIDs(ctx context.Context, ids []source.Identity) (map[source.Identity]reconcile.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[source.Identity]reconcile.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			found[id] = p
		}
	}
	return found, nil
}

func (s *Store) Upsert(ctx context.Context, products []reconcile.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range products {
		if existing, ok := s.products[p.ID]; ok && !existing.CreatedAt.IsZero() {
			p.CreatedAt = existing.CreatedAt
		}
		s.products[p.ID] = p
	}
	return nil
}

// Product returns the stored record for id.
func (s *Store) Product(id source.Identity) (reconcile.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	return p, ok
}

func (s *Store) Recent(ctx context.Context, id source.Identity, n int) ([]ledger.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.observations[id]
	out := make([]ledger.Observation, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *Store) Append(ctx context.Context, obs ledger.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.observations[obs.ProductID], obs)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].RecordedAt.Before(history[j].RecordedAt)
	})
	s.observations[obs.ProductID] = history
	return nil
}

func (s *Store) History(ctx context.Context, id source.Identity, from, to time.Time) ([]ledger.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Observation
	for _, o := range s.observations[id] {
		if !from.IsZero() && o.RecordedAt.Before(from) {
			continue
		}
		if !to.IsZero() && o.RecordedAt.After(to) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) ProductIDs(ctx context.Context) ([]source.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]source.Identity, 0, len(s.observations))
	for id := range s.observations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
