package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/reconcile"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

// Store persists products and the price ledger in PostgreSQL. Prices are
// NUMERIC and cross the wire as text so no precision is lost.
type Store struct {
	Pool   *pgxpool.Pool
	Schema string

	logger *zap.Logger
}

type Option func(*Store)

func WithSchema(schema string) Option {
	return func(s *Store) {
		s.Schema = schema
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		Pool:   pool,
		Schema: "public",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool against connString and verifies it with a ping.
func Connect(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool, opts...), nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) table(name string) string {
	return pgx.Identifier{s.Schema, name}.Sanitize()
}

// Migrate creates the products and price_observations tables if missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.Schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			source      TEXT NOT NULL,
			url         TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			brand       TEXT NOT NULL DEFAULT '',
			price       NUMERIC NOT NULL,
			image_url   TEXT NOT NULL DEFAULT '',
			available   BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`, s.table("products")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			product_id  TEXT NOT NULL,
			price       NUMERIC NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			source      TEXT NOT NULL
		)`, s.table("price_observations")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS price_observations_product_recorded_idx
			ON %s (product_id, recorded_at DESC)`, s.table("price_observations")),
	}
	for _, stmt := range stmts {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Info("schema migrated", zap.String("schema", s.Schema))
	return nil
}

func (s *Store) FindByIDs(ctx context.Context, ids []source.Identity) (map[source.Identity]reconcile.Product, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	rows, err := s.Pool.Query(ctx, fmt.Sprintf(`
		SELECT id, source, url, name, brand, price::text, image_url, available, created_at, updated_at
		FROM %s WHERE id = ANY($1)`, s.table("products")), keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[source.Identity]reconcile.Product, len(ids))
	for rows.Next() {
		var (
			p     reconcile.Product
			id    string
			price string
		)
		if err := rows.Scan(&id, &p.Source, &p.URL, &p.Name, &p.Brand, &price,
			&p.ImageURL, &p.Available, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.ID = source.Identity(id)
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("product %s price: %w", id, err)
		}
		found[p.ID] = p
	}
	return found, rows.Err()
}

// Upsert writes products in a single transaction. created_at is kept from
// the existing row on conflict.
func (s *Store) Upsert(ctx context.Context, products []reconcile.Product) error {
	if len(products) == 0 {
		return nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source, url, name, brand, price, image_url, available, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			url = EXCLUDED.url,
			name = EXCLUDED.name,
			brand = EXCLUDED.brand,
			price = EXCLUDED.price,
			image_url = EXCLUDED.image_url,
			available = EXCLUDED.available,
			updated_at = EXCLUDED.updated_at`, s.table("products"))

	batch := &pgx.Batch{}
	for _, p := range products {
		batch.Queue(stmt, p.ID.String(), p.Source, p.URL, p.Name, p.Brand, p.Price.String(),
			p.ImageURL, p.Available, p.CreatedAt, p.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Recent(ctx context.Context, id source.Identity, n int) ([]ledger.Observation, error) {
	return s.observations(ctx, fmt.Sprintf(`
		SELECT product_id, price::text, recorded_at, source FROM %s
		WHERE product_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`, s.table("price_observations")), id.String(), n)
}

func (s *Store) Append(ctx context.Context, obs ledger.Observation) error {
	_, err := s.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (product_id, price, recorded_at, source)
		VALUES ($1, $2::numeric, $3, $4)`, s.table("price_observations")),
		obs.ProductID.String(), obs.Price.String(), obs.RecordedAt, obs.Source)
	return err
}

func (s *Store) History(ctx context.Context, id source.Identity, from, to time.Time) ([]ledger.Observation, error) {
	q := fmt.Sprintf(`SELECT product_id, price::text, recorded_at, source FROM %s WHERE product_id = $1`,
		s.table("price_observations"))
	args := []any{id.String()}
	if !from.IsZero() {
		args = append(args, from)
		q += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		q += fmt.Sprintf(" AND recorded_at <= $%d", len(args))
	}
	q += " ORDER BY recorded_at ASC, id ASC"
	return s.observations(ctx, q, args...)
}

func (s *Store) ProductIDs(ctx context.Context) ([]source.Identity, error) {
	rows, err := s.Pool.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT product_id FROM %s ORDER BY product_id`, s.table("price_observations")))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (source.Identity, error) {
		var id string
		err := row.Scan(&id)
		return source.Identity(id), err
	})
}

func (s *Store) observations(ctx context.Context, q string, args ...any) ([]ledger.Observation, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Observation, error) {
		var (
			o     ledger.Observation
			id    string
			price string
		)
		if err := row.Scan(&id, &price, &o.RecordedAt, &o.Source); err != nil {
			return o, err
		}
		o.ProductID = source.Identity(id)
		var err error
		o.Price, err = decimal.NewFromString(price)
		return o, err
	})
}

// AdvisoryLocker serializes ledger writes across processes sharing the
// database using session-level advisory locks.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewAdvisoryLocker(pool *pgxpool.Pool, logger *zap.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, logger: logger}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(conn, key) })
	}, nil
}

func (l *AdvisoryLocker) unlock(conn *pgxpool.Conn, key string) {
	_, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key)
	if err != nil {
		l.logger.Error("advisory unlock failed", zap.String("key", key), zap.Error(err))
		// a session lock would otherwise outlive this caller
		conn.Conn().Close(context.Background())
	}
	conn.Release()
}
