package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"storefront/internal/apperr"
)

const gcsPublicBase = "https://storage.googleapis.com"

// GCSStore Google Cloud Storage 实现。
type GCSStore struct {
	client    *gcs.Client
	bucket    string
	projectID string
	baseURL   string
}

func NewGCSStore(client *gcs.Client, projectID, bucket, baseURL string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("gcs store: client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("gcs store: bucket is required")
	}
	if strings.TrimSpace(baseURL) == "" || strings.HasPrefix(baseURL, "http://localhost") {
		baseURL = gcsPublicBase
	}
	return &GCSStore{client: client, bucket: bucket, projectID: projectID, baseURL: baseURL}, nil
}

// EnsureBucket 不存在则创建；并发创建时对方先成功返回的 409 视为成功。
func (s *GCSStore) EnsureBucket(ctx context.Context) error {
	const op = "storage.gcs.ensure_bucket"

	b := s.client.Bucket(s.bucket)
	_, err := b.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gcs.ErrBucketNotExist) {
		return apperr.Wrap(apperr.KindStorage, op, err)
	}
	if err := b.Create(ctx, s.projectID, nil); err != nil && !isAlreadyExists(err) {
		return apperr.Wrap(apperr.KindStorage, op, err)
	}
	return nil
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	const op = "storage.gcs.put"

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return Object{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	return Object{Key: key, URL: objectURL(s.baseURL, s.bucket, key), ContentType: contentType, Size: n}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return apperr.Wrap(apperr.KindStorage, "storage.gcs.delete", err)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}
