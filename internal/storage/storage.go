// Package storage reads uploaded images from, and writes results to, Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"visionwatch/internal/logger"
)

// MaxImageBytes is the largest object Read will load (the Vision image size limit).
const MaxImageBytes = 20 * 1024 * 1024

var (
	// ErrObjectNotFound is returned when the bucket or object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectTooLarge is returned when an object exceeds MaxImageBytes.
	ErrObjectTooLarge = errors.New("object exceeds maximum image size (20MB)")

	// ErrInvalidURI is returned by ParseURI for anything that is not gs://bucket/object.
	ErrInvalidURI = errors.New("invalid gs:// URI")
)

// Store wraps a Cloud Storage client.
type Store struct {
	client *gcs.Client
	log    zerolog.Logger
}

// NewStore creates a store using the environment's Google credentials.
func NewStore(ctx context.Context, opts ...option.ClientOption) (*Store, error) {
	const op = "NewStore"

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create storage client: %w", op, err)
	}
	return NewStoreWithClient(client), nil
}

// NewStoreWithClient creates a store around an existing client.
func NewStoreWithClient(client *gcs.Client) *Store {
	return &Store{
		client: client,
		log:    logger.WithComponent("storage"),
	}
}

// Read downloads the object's bytes.
func (s *Store) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	const op = "Read"

	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
			return nil, fmt.Errorf("%s: %w: %s: %w", op, ErrObjectNotFound, URI(bucket, object), err)
		}
		return nil, fmt.Errorf("%s: failed to open %s: %w", op, URI(bucket, object), err)
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			s.log.Warn().Err(closeErr).Str("uri", URI(bucket, object)).Msg("Failed to close object reader")
		}
	}()

	if r.Attrs.Size > MaxImageBytes {
		return nil, fmt.Errorf("%s: %w: %d bytes", op, ErrObjectTooLarge, r.Attrs.Size)
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read %s: %w", op, URI(bucket, object), err)
	}
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("%s: %w", op, ErrObjectTooLarge)
	}

	s.log.Debug().
		Str("uri", URI(bucket, object)).
		Int("bytes", len(data)).
		Str("content_type", r.Attrs.ContentType).
		Msg("Object downloaded")

	return data, nil
}

// Write uploads data as a new object generation.
func (s *Store) Write(ctx context.Context, bucket, object, contentType string, data []byte) error {
	const op = "Write"

	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("%s: failed to write %s: %w", op, URI(bucket, object), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%s: failed to finalize %s: %w", op, URI(bucket, object), err)
	}

	s.log.Debug().
		Str("uri", URI(bucket, object)).
		Int("bytes", len(data)).
		Msg("Object uploaded")

	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// URI formats a gs:// reference.
func URI(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}

// ParseURI splits gs://bucket/object into its parts.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return bucket, object, nil
}
