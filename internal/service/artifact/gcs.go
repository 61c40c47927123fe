package artifact

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// GCSStore складывает документы в бакет Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSClient создаёт клиент GCS. Пустой credentialsJSON означает Application Default Credentials.
func NewGCSClient(ctx context.Context, credentialsJSON string) (*storage.Client, error) {
	if strings.TrimSpace(credentialsJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	return storage.NewClient(ctx)
}

// NewGCSStore проверяет доступность бакета и возвращает хранилище.
func NewGCSStore(ctx context.Context, client *storage.Client, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %w", bucket, err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Locate возвращает gs:// адрес объекта для документа.
func (s *GCSStore) Locate(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object(name))
}

func (s *GCSStore) object(name string) string {
	return path.Join(s.prefix, path.Base(name))
}

// Put загружает документ и возвращает gs:// адрес объекта.
func (s *GCSStore) Put(ctx context.Context, name string, content []byte, contentType string) (string, error) {
	object := s.object(name)

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"source": "invoicing"}

	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", object, err)
	}
	return s.Locate(name), nil
}

var _ domain.Archive = (*GCSStore)(nil)
