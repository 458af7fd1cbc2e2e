// ABOUTME: Google Cloud Storage discovery source.
// ABOUTME: Lists, downloads and deletes worker artifacts stored as bucket objects.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSSource serves artifacts from a bucket.
type GCSSource struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

// NewGCSSource opens a storage client. Credentials come from the usual
// Application Default Credentials chain unless opts override them.
func NewGCSSource(ctx context.Context, bucket string, logger *slog.Logger, opts ...option.ClientOption) (*GCSSource, error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSSource{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "discovery", "backend", "gcs", "bucket", bucket),
	}, nil
}

func (g *GCSSource) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", g.bucket, prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (g *GCSSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	object, err := g.objectName(name)
	if err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(g.bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, g.bucket, object)
	}
	if err != nil {
		return nil, fmt.Errorf("reading gs://%s/%s: %w", g.bucket, object, err)
	}
	return r, nil
}

func (g *GCSSource) Delete(ctx context.Context, name string) error {
	object, err := g.objectName(name)
	if err != nil {
		return err
	}
	err = g.client.Bucket(g.bucket).Object(object).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: gs://%s/%s", ErrNotFound, g.bucket, object)
	}
	if err != nil {
		return fmt.Errorf("deleting gs://%s/%s: %w", g.bucket, object, err)
	}
	g.logger.Info("artifact deleted", "artifact", object)
	return nil
}

// Close releases the storage client.
func (g *GCSSource) Close() error {
	return g.client.Close()
}

// objectName accepts either a bare object name or a gs:// URL into this bucket.
func (g *GCSSource) objectName(name string) (string, error) {
	if rest, ok := strings.CutPrefix(name, "gs://"); ok {
		bucket, object, found := strings.Cut(rest, "/")
		if !found || bucket != g.bucket {
			return "", fmt.Errorf("%w: %s is not in bucket %s", ErrInvalidPath, name, g.bucket)
		}
		name = object
	}
	return CleanPath(name)
}
