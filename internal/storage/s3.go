package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Scheme = "s3://"

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store implements ObjectStore on one S3 bucket
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store creates an object store writing to bucket
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Put uploads data and returns an s3://bucket/key locator
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload s3 object %s: %w", key, err)
	}
	return S3Locator(s.bucket, key), nil
}

// Get opens an object by locator; a bare key is read from the store's own bucket
func (s *S3Store) Get(ctx context.Context, locator string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3Locator(locator)
	if err != nil {
		return nil, err
	}
	if bucket == "" {
		bucket = s.bucket
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("failed to download s3 object %s: %w", key, err)
	}
	return out.Body, nil
}

// S3Locator formats s3://bucket/key
func S3Locator(bucket, key string) string {
	return s3Scheme + bucket + "/" + key
}

// ParseS3Locator splits s3://bucket/key; a value without the scheme is a bare key
func ParseS3Locator(locator string) (bucket, key string, err error) {
	if !strings.HasPrefix(locator, s3Scheme) {
		if locator == "" {
			return "", "", fmt.Errorf("%w: empty locator", ErrInvalidReference)
		}
		return "", locator, nil
	}
	rest := strings.TrimPrefix(locator, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidReference, locator)
	}
	return bucket, key, nil
}
