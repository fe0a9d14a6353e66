package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a file reference or object does not exist
	ErrNotFound = errors.New("object not found")

	// ErrInvalidReference is returned for references that escape the base directory or cannot be parsed
	ErrInvalidReference = errors.New("invalid reference")
)

// ObjectStore stores image bytes durably and hands back a retrievable locator
type ObjectStore interface {
	// Put uploads data under key and returns its locator
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get opens the object behind a locator returned by Put
	Get(ctx context.Context, locator string) (io.ReadCloser, error)
}

// FileSource provides access to the uploaded files jobs point at
type FileSource interface {
	// Open returns a reader for the file reference
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Remove deletes the file reference once the job no longer needs it
	Remove(ctx context.Context, ref string) error
}

// ReadAll opens ref on src and reads it fully.
func ReadAll(ctx context.Context, src FileSource, ref string) ([]byte, error) {
	r, err := src.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
