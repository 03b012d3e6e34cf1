// Package file implements persist.Storage on a directory, one file per key.
package file

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"

	"github.com/xenking/kart-cart/internal/persist"
)

var _ persist.Storage = (*Storage)(nil)

// Storage keeps each value in dir/<escaped key>.json, or .json.gz when
// compression is enabled. Writes go to a temporary file that is renamed into
// place, so readers never observe a partial value.
type Storage struct {
	dir      string
	compress bool
}

// Option configures Storage.
type Option func(*Storage)

// WithCompression gzips values with pgzip.
func WithCompression(enabled bool) Option {
	return func(s *Storage) { s.compress = enabled }
}

// New creates the directory if needed and returns a Storage rooted there.
func New(dir string, opts ...Option) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	s := &Storage{dir: dir}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Storage) path(key string) string {
	name := url.PathEscape(key) + ".json"
	if s.compress {
		name += ".gz"
	}
	return filepath.Join(s.dir, name)
}

// Get reads the value of key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}
	if !s.compress {
		return data, nil
	}

	r, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "open gzip")
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "decompress")
	}
	return out, nil
}

// Set atomically replaces the value of key.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := s.writeTo(tmp, value); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return errors.Wrap(err, "rename")
	}
	return nil
}

func (s *Storage) writeTo(w io.Writer, value []byte) error {
	if !s.compress {
		_, err := w.Write(value)
		return err
	}
	zw := pgzip.NewWriter(w)
	if _, err := zw.Write(value); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "remove")
	}
	return nil
}
