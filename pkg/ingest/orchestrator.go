package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turbolytics/pricewatch/pkg/reconcile"
	"github.com/turbolytics/pricewatch/pkg/registry"
	"github.com/turbolytics/pricewatch/pkg/source"
	"github.com/turbolytics/pricewatch/pkg/transport"
	"go.uber.org/zap"
)

const (
	DefaultSourcePause = 5 * time.Second
	DefaultLimit       = 50
	DefaultKeepReports = 20
)

var (
	ErrInvalidOption = errors.New("invalid orchestrator option")
)

// Policy selects which registered sources a run uses.
type Policy string

const (
	PolicyAll     Policy = "all"
	PolicyHealthy Policy = "healthy"
)

// Reconciler merges a fetched batch into persisted state.
type Reconciler interface {
	Reconcile(ctx context.Context, listings []source.Listing) (reconcile.Result, error)
}

// BreakerState reports whether a destination's breaker is open.
type BreakerState interface {
	Open(destination string) bool
}

// Orchestrator drives ingestion runs. Sources are visited sequentially in
// registry order with a pause after each one; a failing source is recorded
// in the report and never aborts the run.
type Orchestrator struct {
	registry   *registry.Registry
	reconciler Reconciler
	breakers   BreakerState
	sinks      []Sink

	policy  Policy
	pause   time.Duration
	limit   int
	popular []string
	keep    int

	mu      sync.Mutex
	reports []Report

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSourcePause sets the minimum spacing between source (and query)
// starts within a run.
func WithSourcePause(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.pause = d
	}
}

func WithLimit(n int) Option {
	return func(o *Orchestrator) {
		o.limit = n
	}
}

func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

func WithPopularQueries(queries []string) Option {
	return func(o *Orchestrator) {
		o.popular = queries
	}
}

func WithBreakers(b BreakerState) Option {
	return func(o *Orchestrator) {
		o.breakers = b
	}
}

func WithSinks(sinks ...Sink) Option {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, sinks...)
	}
}

func WithKeepReports(n int) Option {
	return func(o *Orchestrator) {
		o.keep = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithSleep replaces the pause between sources and queries. The function
// must honour ctx.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func New(reg *registry.Registry, reconciler Reconciler, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		registry:   reg,
		reconciler: reconciler,
		policy:     PolicyAll,
		pause:      DefaultSourcePause,
		limit:      DefaultLimit,
		keep:       DefaultKeepReports,
		now:        time.Now,
		sleep:      transport.Sleep,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	switch {
	case reg == nil:
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidOption)
	case reconciler == nil:
		return nil, fmt.Errorf("%w: reconciler is required", ErrInvalidOption)
	case o.pause < 0:
		return nil, fmt.Errorf("%w: source pause must not be negative", ErrInvalidOption)
	case o.limit <= 0:
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidOption)
	case o.policy != PolicyAll && o.policy != PolicyHealthy:
		return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidOption, o.policy)
	}
	return o, nil
}

// RunForQuery runs query against the sources chosen by the configured
// policy.
func (o *Orchestrator) RunForQuery(ctx context.Context, query string) Report {
	if o.policy == PolicyHealthy {
		return o.RunHealthyOnly(ctx, query)
	}
	return o.RunAll(ctx, query)
}

// RunAll runs query against every registered source.
func (o *Orchestrator) RunAll(ctx context.Context, query string) Report {
	return o.run(ctx, query, PolicyAll, o.registry.All())
}

// RunHealthyOnly probes every source first and runs query against the
// healthy ones.
func (o *Orchestrator) RunHealthyOnly(ctx context.Context, query string) Report {
	return o.run(ctx, query, PolicyHealthy, o.registry.Healthy(ctx))
}

// RunPopularQueries runs each configured popular query in turn, pausing
// between queries like between sources. It stops early when ctx is done.
func (o *Orchestrator) RunPopularQueries(ctx context.Context) []Report {
	reports := make([]Report, 0, len(o.popular))
	for i, q := range o.popular {
		if i > 0 {
			if err := o.sleep(ctx, o.pause); err != nil {
				o.logger.Info("popular scan stopped", zap.String("next_query", q), zap.Error(err))
				break
			}
		} else if ctx.Err() != nil {
			break
		}
		reports = append(reports, o.RunForQuery(ctx, q))
	}
	return reports
}

// Sinks returns the configured report sinks.
func (o *Orchestrator) Sinks() []Sink {
	return append([]Sink(nil), o.sinks...)
}

// Reports returns the most recent completed reports, newest last.
func (o *Orchestrator) Reports() []Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Report, len(o.reports))
	copy(out, o.reports)
	return out
}

func (o *Orchestrator) run(ctx context.Context, query string, policy Policy, adapters []source.Adapter) Report {
	fsm := NewFSM(FSMWithLogger(o.logger.Named("fsm")))
	report := Report{
		ID:        uuid.NewString(),
		Query:     query,
		Policy:    policy,
		StartTime: o.now(),
		Sources:   make([]SourceReport, 0, len(adapters)),
	}
	l := o.logger.With(zap.String("run_id", report.ID), zap.String("query", query))

	o.transition(l, fsm, StateRunning)
	l.Info("run started",
		zap.String("policy", string(policy)),
		zap.Int("sources", len(adapters)),
	)

	for i, a := range adapters {
		if err := o.wait(ctx, i); err != nil {
			// a run cut short by its own deadline is cancelled, not a
			// transient source failure
			kind := transport.Classify(err)
			if ctx.Err() != nil {
				kind = "cancelled"
			}
			for _, rest := range adapters[i:] {
				report.Sources = append(report.Sources, SourceReport{
					Source:    rest.Name(),
					Err:       err,
					Error:     "skipped: " + err.Error(),
					ErrorKind: kind,
				})
			}
			report.Partial = true
			l.Warn("run interrupted", zap.Int("remaining", len(adapters)-i), zap.Error(err))
			break
		}
		report.Sources = append(report.Sources, o.runSource(ctx, l, a, query))
	}

	report.aggregate()
	report.EndTime = o.now()
	if report.Partial {
		o.transition(l, fsm, StateFailed)
	} else {
		o.transition(l, fsm, StateCompleted)
	}
	report.State = fsm.Current()

	l.Info("run finished",
		zap.String("state", string(report.State)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("new", report.TotalNew),
		zap.Int("changed", report.TotalChanged),
		zap.Duration("duration", report.EndTime.Sub(report.StartTime)),
	)

	o.remember(report)
	o.publish(ctx, report)
	return report
}

func (o *Orchestrator) transition(l *zap.Logger, fsm *FSM, to State) {
	if err := fsm.Transition(to); err != nil {
		l.Error("run state transition failed",
			zap.String("from", string(fsm.Current())),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}

// wait pauses before every source but the first. The first source only
// checks that ctx is still live.
func (o *Orchestrator) wait(ctx context.Context, i int) error {
	if i == 0 {
		return ctx.Err()
	}
	return o.sleep(ctx, o.pause)
}

// runSource fetches and reconciles one source. Every failure, including a
// panic inside the adapter, is captured in the returned entry.
func (o *Orchestrator) runSource(ctx context.Context, l *zap.Logger, a source.Adapter, query string) (sr SourceReport) {
	sr = SourceReport{Source: a.Name(), StartTime: o.now()}
	l = l.With(zap.String("source", sr.Source))

	defer func() {
		if p := recover(); p != nil {
			sr.Err = fmt.Errorf("source panicked: %v", p)
		}
		if sr.Err != nil {
			sr.Error = sr.Err.Error()
			sr.ErrorKind = classify(sr.Err)
			l.Warn("source failed",
				zap.String("kind", sr.ErrorKind),
				zap.Error(sr.Err),
			)
		}
		sr.EndTime = o.now()
	}()

	if r, ok := a.(source.Remote); ok && o.breakers != nil && o.breakers.Open(r.Destination()) {
		sr.Err = fmt.Errorf("%s: %w", r.Destination(), transport.ErrBreakerOpen)
		return sr
	}

	sr.Attempted = true
	listings, err := a.FetchListings(ctx, query, o.limit)
	if err != nil {
		sr.Err = fmt.Errorf("fetch: %w", err)
		return sr
	}
	if len(listings) > o.limit {
		l.Warn("adapter exceeded limit, truncating",
			zap.Int("limit", o.limit),
			zap.Int("returned", len(listings)),
		)
		listings = listings[:o.limit]
	}
	sr.Fetched = len(listings)

	res, err := o.reconciler.Reconcile(ctx, listings)
	sr.New, sr.Changed, sr.Unchanged, sr.Recorded = res.New, res.Changed, res.Unchanged, res.Recorded
	sr.Refreshed = res.Refreshed
	if err != nil {
		sr.Err = fmt.Errorf("reconcile: %w", err)
		return sr
	}

	l.Info("source ingested",
		zap.Int("fetched", sr.Fetched),
		zap.Int("new", sr.New),
		zap.Int("changed", sr.Changed),
		zap.Int("unchanged", sr.Unchanged),
	)
	return sr
}

func classify(err error) string {
	var perr *reconcile.PersistenceError
	if errors.As(err, &perr) {
		return "persistence"
	}
	return transport.Classify(err)
}

func (o *Orchestrator) remember(r Report) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reports = append(o.reports, r)
	if o.keep > 0 && len(o.reports) > o.keep {
		o.reports = o.reports[len(o.reports)-o.keep:]
	}
}

func (o *Orchestrator) publish(ctx context.Context, r Report) {
	// sinks still get the report of a cancelled run
	ctx = context.WithoutCancel(ctx)
	for _, s := range o.sinks {
		if err := s.Publish(ctx, r); err != nil {
			o.logger.Error("report sink failed",
				zap.String("run_id", r.ID),
				zap.String("sink", s.Name()),
				zap.Error(err),
			)
		}
	}
}
