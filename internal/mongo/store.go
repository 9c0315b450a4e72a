package mongo

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/reconcile"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	productsCollection     = "products"
	observationsCollection = "price_observations"
)

// Store keeps products and the price ledger in MongoDB. Prices are stored
// as Decimal128. Observations carry a nanosecond sort key because BSON
// dates only hold milliseconds.
type Store struct {
	client   *mongo.Client
	database string
	logger   *zap.Logger
}

type productDoc struct {
	ID        string               `bson:"_id"`
	Source    string               `bson:"source"`
	URL       string               `bson:"url"`
	Name      string               `bson:"name"`
	Brand     string               `bson:"brand,omitempty"`
	Price     primitive.Decimal128 `bson:"price"`
	ImageURL  string               `bson:"image_url,omitempty"`
	Available bool                 `bson:"available"`
	CreatedAt time.Time            `bson:"created_at"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

type observationDoc struct {
	ProductID  string               `bson:"product_id"`
	Price      primitive.Decimal128 `bson:"price"`
	RecordedAt time.Time            `bson:"recorded_at"`
	RecordedNS int64                `bson:"recorded_ns"`
	Source     string               `bson:"source"`
}

// Connect dials uri. The database is taken from the URI path.
func Connect(ctx context.Context, uri *url.URL, logger *zap.Logger) (*Store, error) {
	database := ""
	if len(uri.Path) > 1 {
		database = uri.Path[1:]
	}
	if database == "" {
		return nil, fmt.Errorf("mongo uri %q has no database", uri.Redacted())
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri.String()))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("connected to mongo", zap.String("database", database))
	return New(client, database, logger), nil
}

func New(client *mongo.Client, database string, logger *zap.Logger) *Store {
	return &Store{
		client:   client,
		database: database,
		logger:   logger,
	}
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) products() *mongo.Collection {
	return s.client.Database(s.database).Collection(productsCollection)
}

func (s *Store) observations() *mongo.Collection {
	return s.client.Database(s.database).Collection(observationsCollection)
}

// EnsureIndexes creates the ledger lookup index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.observations().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "recorded_ns", Value: -1}},
	})
	return err
}

func (s *Store) FindByIDs(ctx context.Context, ids []source.Identity) (map[source.Identity]reconcile.Product, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	cur, err := s.products().Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, err
	}
	var docs []productDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	found := make(map[source.Identity]reconcile.Product, len(docs))
	for _, d := range docs {
		price, err := fromDecimal128(d.Price)
		if err != nil {
			return nil, fmt.Errorf("product %s price: %w", d.ID, err)
		}
		found[source.Identity(d.ID)] = reconcile.Product{
			ID:        source.Identity(d.ID),
			Source:    d.Source,
			URL:       d.URL,
			Name:      d.Name,
			Brand:     d.Brand,
			Price:     price,
			ImageURL:  d.ImageURL,
			Available: d.Available,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		}
	}
	return found, nil
}

// Upsert writes every product with one bulk write. created_at is only set
// on insert.
func (s *Store) Upsert(ctx context.Context, products []reconcile.Product) error {
	if len(products) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(products))
	for _, p := range products {
		price, err := toDecimal128(p.Price)
		if err != nil {
			return fmt.Errorf("product %s price: %w", p.ID, err)
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": p.ID.String()}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"source":     p.Source,
					"url":        p.URL,
					"name":       p.Name,
					"brand":      p.Brand,
					"price":      price,
					"image_url":  p.ImageURL,
					"available":  p.Available,
					"updated_at": p.UpdatedAt,
				},
				"$setOnInsert": bson.M{"created_at": p.CreatedAt},
			}).
			SetUpsert(true))
	}

	res, err := s.products().BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return err
	}
	s.logger.Debug("products upserted",
		zap.Int64("upserted", res.UpsertedCount),
		zap.Int64("modified", res.ModifiedCount),
	)
	return nil
}

func (s *Store) Recent(ctx context.Context, id source.Identity, n int) ([]ledger.Observation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "recorded_ns", Value: -1}}).
		SetLimit(int64(n))
	return s.find(ctx, bson.M{"product_id": id.String()}, opts)
}

func (s *Store) Append(ctx context.Context, obs ledger.Observation) error {
	price, err := toDecimal128(obs.Price)
	if err != nil {
		return err
	}
	_, err = s.observations().InsertOne(ctx, observationDoc{
		ProductID:  obs.ProductID.String(),
		Price:      price,
		RecordedAt: obs.RecordedAt,
		RecordedNS: obs.RecordedAt.UnixNano(),
		Source:     obs.Source,
	})
	return err
}

func (s *Store) History(ctx context.Context, id source.Identity, from, to time.Time) ([]ledger.Observation, error) {
	filter := bson.M{"product_id": id.String()}
	bounds := bson.M{}
	if !from.IsZero() {
		bounds["$gte"] = from.UnixNano()
	}
	if !to.IsZero() {
		bounds["$lte"] = to.UnixNano()
	}
	if len(bounds) > 0 {
		filter["recorded_ns"] = bounds
	}
	return s.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "recorded_ns", Value: 1}}))
}

func (s *Store) ProductIDs(ctx context.Context) ([]source.Identity, error) {
	values, err := s.observations().Distinct(ctx, "product_id", bson.M{})
	if err != nil {
		return nil, err
	}
	ids := make([]source.Identity, 0, len(values))
	for _, v := range values {
		if str, ok := v.(string); ok {
			ids = append(ids, source.Identity(str))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]ledger.Observation, error) {
	cur, err := s.observations().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []observationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]ledger.Observation, 0, len(docs))
	for _, d := range docs {
		price, err := fromDecimal128(d.Price)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Observation{
			ProductID:  source.Identity(d.ProductID),
			Price:      price,
			RecordedAt: time.Unix(0, d.RecordedNS).UTC(),
			Source:     d.Source,
		})
	}
	return out, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDecimal128(d primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(d.String())
}
