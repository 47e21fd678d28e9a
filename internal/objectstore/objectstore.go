// Package objectstore fetches and stores statement files in Google Cloud
// Storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
)

var (
	ErrInvalidURI = errors.New("invalid gs:// uri")
	ErrNotFound   = errors.New("object not found")
	ErrTooLarge   = errors.New("object exceeds size limit")
)

// Store reads and writes statement files addressed by gs:// URIs.
type Store interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
	Upload(ctx context.Context, bucket, object string, data []byte, contentType string) (string, error)
}

// ParseURI splits gs://bucket/path/to/file into bucket and object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w (no object path): %s", ErrInvalidURI, uri)
	}
	return parts[0], parts[1], nil
}

// URI formats a gs:// URI.
func URI(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}

// Filename returns the base name of the object, e.g.
// "gs://bucket/folder/file.pdf" -> "file.pdf".
func Filename(uri string) string {
	_, object, err := ParseURI(uri)
	if err != nil {
		return path.Base(strings.TrimPrefix(uri, "gs://"))
	}
	return path.Base(object)
}

// GCS is a Store over one shared storage client.
type GCS struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCS creates a storage client using Application Default Credentials.
// Fetches larger than maxBytes fail; maxBytes <= 0 disables the limit.
func NewGCS(ctx context.Context, maxBytes int64) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCS: creating storage client: %w", err)
	}
	return &GCS{client: client, maxBytes: maxBytes}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}

	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("Fetch: %w: %s", ErrNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("Fetch: opening %s: %w", uri, err)
	}
	defer r.Close()

	if g.maxBytes > 0 && r.Attrs.Size > g.maxBytes {
		return nil, fmt.Errorf("Fetch: %w: %s is %d bytes", ErrTooLarge, uri, r.Attrs.Size)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading %s: %w", uri, err)
	}
	return data, nil
}

func (g *GCS) Upload(ctx context.Context, bucket, object string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Upload: writing %s/%s: %w", bucket, object, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Upload: finalize %s/%s: %w", bucket, object, err)
	}
	return URI(bucket, object), nil
}

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Fetch(_ context.Context, uri string) ([]byte, error) {
	if _, _, err := ParseURI(uri); err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[uri]
	if !ok {
		return nil, fmt.Errorf("Fetch: %w: %s", ErrNotFound, uri)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Upload(_ context.Context, bucket, object string, data []byte, _ string) (string, error) {
	uri := URI(bucket, object)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[uri] = append([]byte(nil), data...)
	return uri, nil
}
