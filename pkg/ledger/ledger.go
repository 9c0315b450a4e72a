package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

const (
	SourceScraper = "scraper"
	SourceManual  = "manual"
)

var hundred = decimal.NewFromInt(100)

// Observation is an immutable price point in a product's history.
type Observation struct {
	ProductID  source.Identity `json:"product_id"`
	Price      decimal.Decimal `json:"price"`
	RecordedAt time.Time       `json:"recorded_at"`
	Source     string          `json:"source"`
}

// Store persists observations. Append is only ever called by the Ledger
// while it holds the product's lock.
type Store interface {
	// Recent returns up to n observations, newest first.
	Recent(ctx context.Context, id source.Identity, n int) ([]Observation, error)
	Append(ctx context.Context, obs Observation) error
	// History returns observations oldest first, bounded inclusively by
	// from/to when they are non-zero.
	History(ctx context.Context, id source.Identity, from, to time.Time) ([]Observation, error)
	ProductIDs(ctx context.Context) ([]source.Identity, error)
}

// Ledger is the append-only price history. It records changes, not
// polls: two adjacent observations of a product never share a price.
type Ledger struct {
	store  Store
	locker Locker
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Ledger)

func WithLocker(l Locker) Option {
	return func(led *Ledger) {
		led.locker = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locker: NewKeyedMutex(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordIfChanged appends an observation when the product has no history
// or its latest price differs from price. Calls for the same product are
// serialized through the Locker.
func (l *Ledger) RecordIfChanged(ctx context.Context, id source.Identity, price decimal.Decimal, src string) (bool, error) {
	unlock, err := l.locker.Lock(ctx, "ledger:"+id.String())
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", id, err)
	}
	defer unlock()

	recent, err := l.store.Recent(ctx, id, 1)
	if err != nil {
		return false, fmt.Errorf("latest observation %s: %w", id, err)
	}

	recordedAt := l.now()
	if len(recent) > 0 {
		latest := recent[0]
		if latest.Price.Equal(price) {
			return false, nil
		}
		// keep observations strictly ordered even if the clock steps back
		if !recordedAt.After(latest.RecordedAt) {
			recordedAt = latest.RecordedAt.Add(time.Microsecond)
		}
	}

	obs := Observation{
		ProductID:  id,
		Price:      price,
		RecordedAt: recordedAt,
		Source:     src,
	}
	if err := l.store.Append(ctx, obs); err != nil {
		return false, fmt.Errorf("append observation %s: %w", id, err)
	}

	l.logger.Debug("price recorded",
		zap.String("product_id", id.String()),
		zap.String("price", price.StringFixed(2)),
		zap.String("source", src),
	)
	return true, nil
}

// History returns the product's observations oldest first. Zero bounds are
// open.
func (l *Ledger) History(ctx context.Context, id source.Identity, from, to time.Time) ([]Observation, error) {
	return l.store.History(ctx, id, from, to)
}

// Lowest returns the minimum observed price; ok is false without history.
func (l *Ledger) Lowest(ctx context.Context, id source.Identity) (price decimal.Decimal, ok bool, err error) {
	return l.aggregate(ctx, id, func(acc, p decimal.Decimal) decimal.Decimal {
		return decimal.Min(acc, p)
	})
}

// Highest returns the maximum observed price; ok is false without history.
func (l *Ledger) Highest(ctx context.Context, id source.Identity) (price decimal.Decimal, ok bool, err error) {
	return l.aggregate(ctx, id, func(acc, p decimal.Decimal) decimal.Decimal {
		return decimal.Max(acc, p)
	})
}

// Average returns the mean of observed prices; ok is false without history.
func (l *Ledger) Average(ctx context.Context, id source.Identity) (decimal.Decimal, bool, error) {
	history, err := l.store.History(ctx, id, time.Time{}, time.Time{})
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(history) == 0 {
		return decimal.Zero, false, nil
	}
	prices := make([]decimal.Decimal, len(history))
	for i, o := range history {
		prices[i] = o.Price
	}
	return decimal.Avg(prices[0], prices[1:]...), true, nil
}

func (l *Ledger) aggregate(ctx context.Context, id source.Identity, fold func(acc, p decimal.Decimal) decimal.Decimal) (decimal.Decimal, bool, error) {
	history, err := l.store.History(ctx, id, time.Time{}, time.Time{})
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(history) == 0 {
		return decimal.Zero, false, nil
	}
	acc := history[0].Price
	for _, o := range history[1:] {
		acc = fold(acc, o.Price)
	}
	return acc, true, nil
}

// IsPriceDrop compares the two most recent observations and reports
// whether the latest is at least thresholdPercent below the previous one.
func (l *Ledger) IsPriceDrop(ctx context.Context, id source.Identity, thresholdPercent float64) (bool, error) {
	recent, err := l.store.Recent(ctx, id, 2)
	if err != nil {
		return false, err
	}
	return isDrop(recent, thresholdPercent), nil
}

func isDrop(recent []Observation, thresholdPercent float64) bool {
	if len(recent) < 2 {
		return false
	}
	current, previous := recent[0].Price, recent[1].Price
	if !previous.IsPositive() {
		return false
	}
	drop := previous.Sub(current).Div(previous).Mul(hundred)
	return drop.GreaterThanOrEqual(decimal.NewFromFloat(thresholdPercent))
}

// ProductsWithRecentDrops scans every product with history and returns
// those whose latest change, made within daysBack days, is a drop of at
// least thresholdPercent. It is O(products) and meant for batch use.
func (l *Ledger) ProductsWithRecentDrops(ctx context.Context, thresholdPercent float64, daysBack int) ([]source.Identity, error) {
	ids, err := l.store.ProductIDs(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := l.now().AddDate(0, 0, -daysBack)
	var out []source.Identity
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		recent, err := l.store.Recent(ctx, id, 2)
		if err != nil {
			return out, err
		}
		if len(recent) == 0 || recent[0].RecordedAt.Before(cutoff) {
			continue
		}
		if isDrop(recent, thresholdPercent) {
			out = append(out, id)
		}
	}
	return out, nil
}
