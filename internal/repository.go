package internal

import (
	"context"
	"io"
)

// Repository stores blobs such as archived reports and ledger exports.
type Repository interface {
	Write(ctx context.Context, key string, reader io.Reader) error
}
