package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/k1networth/outputfeed/internal/output"
)

// gcsObjects is the slice of the storage client the store needs.
type gcsObjects interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
}

type gcsClient struct{ c *storage.Client }

func (g gcsClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return g.c.Bucket(bucket).Object(object).NewReader(ctx)
}

func (g gcsClient) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := g.c.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

// GCSStore keeps the window as a single object. Credentials come from ADC
// unless an emulator endpoint is configured.
type GCSStore struct {
	objects gcsObjects
	bucket  string
	object  string
	closer  func() error
}

type GCSConfig struct {
	Bucket   string
	Prefix   string
	Endpoint string // fake-gcs-server
	Key      string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET is empty")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s := newGCSStore(gcsClient{c: client}, cfg.Bucket, cfg.Prefix, cfg.Key)
	s.closer = client.Close
	return s, nil
}

func newGCSStore(objects gcsObjects, bucket, prefix, key string) *GCSStore {
	return &GCSStore{objects: objects, bucket: bucket, object: objectName(prefix, key)}
}

func (s *GCSStore) Load(ctx context.Context) ([]output.Event, error) {
	r, err := s.objects.NewReader(ctx, s.bucket, s.object)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", s.object, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", s.object, err)
	}
	return decodeWindow(data)
}

func (s *GCSStore) Save(ctx context.Context, window []output.Event) error {
	data, err := encodeWindow(window)
	if err != nil {
		return err
	}
	w := s.objects.NewWriter(ctx, s.bucket, s.object, "application/json")
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", s.object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", s.object, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *GCSStore) Name() string { return "gcs" }
