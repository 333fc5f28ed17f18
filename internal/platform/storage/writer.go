package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// ObjectWriter uploads objects into Cloud Storage.
type ObjectWriter struct {
	client *gcs.Client
}

// NewObjectWriter constructs an ObjectWriter backed by the provided Cloud Storage client.
func NewObjectWriter(client *gcs.Client) (*ObjectWriter, error) {
	if client == nil {
		return nil, errors.New("storage writer: client is required")
	}
	return &ObjectWriter{client: client}, nil
}

// WriteObject streams body into bucket/object and returns the number of bytes written. The object
// is only committed when the whole body was copied.
func (w *ObjectWriter) WriteObject(ctx context.Context, bucket, object, contentType string, metadata map[string]string, body io.Reader) (int64, error) {
	if w == nil || w.client == nil {
		return 0, errors.New("storage writer: client is not initialised")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return 0, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return 0, errInvalidObject
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := w.client.Bucket(bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType
	if len(metadata) > 0 {
		writer.Metadata = metadata
	}
	written, err := io.Copy(writer, body)
	if err != nil {
		// Cancelling the context before Close aborts the upload.
		cancel()
		_ = writer.Close()
		return 0, fmt.Errorf("storage writer: copy %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("storage writer: finalise %s: %w", object, err)
	}
	return written, nil
}

// Close releases the underlying client.
func (w *ObjectWriter) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}
