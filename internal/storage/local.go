package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"storefront/internal/apperr"
)

// LocalStore 本地文件系统实现，开发环境与单机部署使用；文件由 HTTP 静态目录对外提供。
type LocalStore struct {
	root    string
	bucket  string
	baseURL string
}

func NewLocalStore(root, bucket, baseURL string) *LocalStore {
	return &LocalStore{root: root, bucket: bucket, baseURL: baseURL}
}

func (s *LocalStore) dir() string { return filepath.Join(s.root, s.bucket) }

// EnsureBucket MkdirAll 对已存在目录天然幂等。
func (s *LocalStore) EnsureBucket(ctx context.Context) error {
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorage, "storage.local.ensure_bucket", err)
	}
	return nil
}

// Put 先写临时文件再 rename，读者不会看到半个文件。
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	const op = "storage.local.put"

	dst := filepath.Join(s.dir(), filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return Object{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, readerWithContext(ctx, r))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Object{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	return Object{Key: key, URL: objectURL(s.baseURL, s.bucket, key), ContentType: contentType, Size: n}, nil
}

// Delete 对象不存在视为成功。
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(s.dir(), filepath.FromSlash(key)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.KindStorage, "storage.local.delete", err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader { return ctxReader{ctx: ctx, r: r} }
