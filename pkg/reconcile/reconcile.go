package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

// Product is the persisted latest state of a listing identity.
type Product struct {
	ID        source.Identity `json:"id"`
	Source    string          `json:"source"`
	URL       string          `json:"url"`
	Name      string          `json:"name"`
	Brand     string          `json:"brand,omitempty"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  string          `json:"image_url,omitempty"`
	Available bool            `json:"available"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProductStore is the persistence port for product records.
type ProductStore interface {
	// FindByIDs returns the existing records among ids in one lookup.
	FindByIDs(ctx context.Context, ids []source.Identity) (map[source.Identity]Product, error)
	// Upsert writes every product in one batch.
	Upsert(ctx context.Context, products []Product) error
}

// Recorder is the ledger write path.
type Recorder interface {
	RecordIfChanged(ctx context.Context, id source.Identity, price decimal.Decimal, src string) (bool, error)
}

type Result struct {
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	// Refreshed counts unchanged-price records rewritten for new metadata.
	Refreshed int `json:"refreshed"`
	Recorded  int `json:"recorded"`
}

// PersistenceError reports a failed store or ledger write. The Result
// returned alongside it reflects work completed before the failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %s", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Engine merges fetched listings into product records and the ledger.
type Engine struct {
	store    ProductStore
	recorder Recorder
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(store ProductStore, recorder Recorder, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		recorder: recorder,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile classifies each listing as new, changed or unchanged against
// the stored records. Prices of new and changed records go to the ledger
// first, then every record that needs a write is upserted in one batch. A
// record whose ledger write failed is left out of the upsert so the next run
// sees the price change again. Records with an unchanged price but new
// metadata are rewritten without touching the ledger.
func (e *Engine) Reconcile(ctx context.Context, listings []source.Listing) (Result, error) {
	var res Result
	batch := dedupe(listings)
	if len(batch) == 0 {
		return res, nil
	}

	ids := make([]source.Identity, len(batch))
	for i, l := range batch {
		ids[i] = l.ID
	}

	existing, err := e.store.FindByIDs(ctx, ids)
	if err != nil {
		return res, &PersistenceError{Op: "find", Err: err}
	}

	now := e.now()
	var priced, refreshed []Product
	isNew := make(map[source.Identity]bool)
	for _, l := range batch {
		current, ok := existing[l.ID]
		p := fromListing(l, now)
		switch {
		case !ok:
			p.CreatedAt = now
			isNew[p.ID] = true
			priced = append(priced, p)
		case !current.Price.Equal(l.Price):
			p.CreatedAt = current.CreatedAt
			priced = append(priced, p)
		case metadataChanged(current, p):
			p.CreatedAt = current.CreatedAt
			refreshed = append(refreshed, p)
			res.Unchanged++
		default:
			res.Unchanged++
		}
	}

	var errs []error
	writes := make([]Product, 0, len(priced)+len(refreshed))
	for _, p := range priced {
		recorded, err := e.recorder.RecordIfChanged(ctx, p.ID, p.Price, ledger.SourceScraper)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
			continue
		}
		if recorded {
			res.Recorded++
		}
		writes = append(writes, p)
	}
	writes = append(writes, refreshed...)

	var ledgerErr error
	if len(errs) > 0 {
		ledgerErr = &PersistenceError{Op: "ledger", Err: errors.Join(errs...)}
		e.logger.Warn("ledger writes failed",
			zap.Int("failed", len(errs)),
			zap.Int("batch", len(priced)),
			zap.Error(ledgerErr),
		)
	}

	if len(writes) == 0 {
		return res, ledgerErr
	}
	if err := e.store.Upsert(ctx, writes); err != nil {
		return res, errors.Join(&PersistenceError{Op: "upsert", Err: err}, ledgerErr)
	}
	for _, p := range writes {
		switch {
		case isNew[p.ID]:
			res.New++
		case existing[p.ID].Price.Equal(p.Price):
			res.Refreshed++
		default:
			res.Changed++
		}
	}

	e.logger.Debug("batch reconciled",
		zap.Int("new", res.New),
		zap.Int("changed", res.Changed),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("refreshed", res.Refreshed),
		zap.Int("recorded", res.Recorded),
	)
	return res, ledgerErr
}

func metadataChanged(current, next Product) bool {
	return current.Source != next.Source ||
		current.URL != next.URL ||
		current.Name != next.Name ||
		current.Brand != next.Brand ||
		current.ImageURL != next.ImageURL ||
		current.Available != next.Available
}

// dedupe keeps the last listing per identity, preserving first-seen order.
func dedupe(listings []source.Listing) []source.Listing {
	pos := make(map[source.Identity]int, len(listings))
	out := make([]source.Listing, 0, len(listings))
	for _, l := range listings {
		if i, ok := pos[l.ID]; ok {
			out[i] = l
			continue
		}
		pos[l.ID] = len(out)
		out = append(out, l)
	}
	return out
}

func fromListing(l source.Listing, now time.Time) Product {
	return Product{
		ID:        l.ID,
		Source:    l.Source,
		URL:       l.URL,
		Name:      l.Name,
		Brand:     l.Brand,
		Price:     l.Price,
		ImageURL:  l.ImageURL,
		Available: l.Available,
		UpdatedAt: now,
	}
}
