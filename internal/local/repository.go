package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

type Option func(*Repository)

// Repository writes report archives and exports under a base directory.
type Repository struct {
	basePath string
	prefix   string
	logger   *zap.Logger
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

func New(basePath string, opts ...Option) *Repository {
	r := &Repository{
		basePath: basePath,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) path(key string) (string, error) {
	root := filepath.Join(r.basePath, r.prefix)
	full := filepath.Join(root, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes repository root", key)
	}
	return full, nil
}

// Write stores reader under key. The file is written to a temporary name
// and renamed so readers never see a partial file.
func (r *Repository) Write(ctx context.Context, key string, reader io.Reader) error {
	fullPath, err := r.path(key)
	if err != nil {
		return err
	}
	r.logger.Debug("writing file", zap.String("path", fullPath))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".tmp-"+filepath.Base(fullPath))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fullPath)
}

// Read opens the file stored under key.
func (r *Repository) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := r.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(fullPath)
}
