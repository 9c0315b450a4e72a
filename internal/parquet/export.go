package parquet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/source"
	"github.com/xitongsys/parquet-go-source/local"
	pq "github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"
)

// PriceScale is the number of fractional digits kept for exported prices.
const PriceScale = 4

// Row is one exported ledger observation.
type Row struct {
	ProductID  string `parquet:"name=product_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Price      int64  `parquet:"name=price, type=INT64, convertedtype=DECIMAL, scale=4, precision=18"`
	RecordedAt int64  `parquet:"name=recorded_at, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Source     string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
}

// Writer stores the exported file under a key.
type Writer interface {
	Write(ctx context.Context, key string, reader io.Reader) error
}

// Exporter dumps the price ledger to parquet.
type Exporter struct {
	store  ledger.Store
	logger *zap.Logger

	// Products limits the export; empty means every product.
	Products []source.Identity
	From     time.Time
	To       time.Time
}

func NewExporter(store ledger.Store, logger *zap.Logger) *Exporter {
	return &Exporter{store: store, logger: logger}
}

// WriteFile exports every product's history to a local parquet file.
func (e *Exporter) WriteFile(ctx context.Context, path string) (int, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, err
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(Row), 1)
	if err != nil {
		return 0, err
	}
	return e.write(ctx, pw)
}

// Export encodes the ledger in memory and hands it to w under key.
func (e *Exporter) Export(ctx context.Context, w Writer, key string) (int, error) {
	var buf bytes.Buffer
	pw, err := writer.NewParquetWriterFromWriter(&buf, new(Row), 1)
	if err != nil {
		return 0, err
	}
	n, err := e.write(ctx, pw)
	if err != nil {
		return n, err
	}
	return n, w.Write(ctx, key, &buf)
}

func (e *Exporter) write(ctx context.Context, pw *writer.ParquetWriter) (int, error) {
	pw.CompressionType = pq.CompressionCodec_SNAPPY

	ids := e.Products
	if len(ids) == 0 {
		var err error
		if ids, err = e.store.ProductIDs(ctx); err != nil {
			return 0, err
		}
	}

	n := 0
	for _, id := range ids {
		history, err := e.store.History(ctx, id, e.From, e.To)
		if err != nil {
			return n, fmt.Errorf("history %s: %w", id, err)
		}
		for _, o := range history {
			row, err := NewRow(o)
			if err != nil {
				return n, err
			}
			if err := pw.Write(row); err != nil {
				return n, err
			}
			n++
		}
	}

	if err := pw.WriteStop(); err != nil {
		return n, err
	}
	e.logger.Info("ledger exported",
		zap.Int("products", len(ids)),
		zap.Int("observations", n),
	)
	return n, nil
}

func NewRow(o ledger.Observation) (Row, error) {
	price, err := unscaled(o.Price, PriceScale)
	if err != nil {
		return Row{}, fmt.Errorf("observation %s: %w", o.ProductID, err)
	}
	return Row{
		ProductID:  o.ProductID.String(),
		Price:      price,
		RecordedAt: o.RecordedAt.UnixMicro(),
		Source:     o.Source,
	}, nil
}

// Observation converts a row back into a ledger observation.
func (r Row) Observation() ledger.Observation {
	return ledger.Observation{
		ProductID:  source.Identity(r.ProductID),
		Price:      decimal.New(r.Price, -PriceScale),
		RecordedAt: time.UnixMicro(r.RecordedAt).UTC(),
		Source:     r.Source,
	}
}

// unscaled returns d * 10^scale as an int64, rounding half away from zero.
func unscaled(d decimal.Decimal, scale int32) (int64, error) {
	v := d.Round(scale).Shift(scale)
	if v.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || v.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("price %s overflows DECIMAL(18,%d)", d, scale)
	}
	return v.IntPart(), nil
}
