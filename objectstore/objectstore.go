// Package objectstore abstracts the content-addressed blob store holding raw
// data items and assembled bundle payloads. Keys are opaque slash-separated
// strings; values are append-only, the retention janitor is the only deleter.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// Well-known key prefixes.
const (
	RawDataItemPrefix   = "raw-data-item/"
	BundlePayloadPrefix = "bundle-payload/"
)

// ErrNotFound is returned for missing keys. Deleting a missing key is
// success, mirroring S3 NoSuchKey semantics.
var ErrNotFound = errors.New("objectstore: key not found")

// Store is the blob interface required by the write path.
type Store interface {
	// Put streams value bytes under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens the object for reading and reports its size.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Head reports the object size without opening it.
	Head(ctx context.Context, key string) (int64, error)
	// Delete removes the object. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// PutPart stores one chunk of a native multipart upload at offset.
	PutPart(ctx context.Context, key string, offset int64, r io.Reader) (int64, error)
	// CompleteMultipart assembles the parts in offset order into the final
	// object and reports its total size.
	CompleteMultipart(ctx context.Context, key string) (int64, error)
	// AbortMultipart discards any parts uploaded under key.
	AbortMultipart(ctx context.Context, key string) error
}
