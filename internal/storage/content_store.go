package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"
)

const contentScheme = "content://"

// ContentStore implements ObjectStore on an embedded simple-content service,
// used for local development without S3
type ContentStore struct {
	service  simplecontent.Service
	ownerID  uuid.UUID
	tenantID uuid.UUID
}

// NewContentStore creates an object store backed by simple-content
func NewContentStore(service simplecontent.Service, ownerID, tenantID uuid.UUID) *ContentStore {
	return &ContentStore{
		service:  service,
		ownerID:  ownerID,
		tenantID: tenantID,
	}
}

// Put uploads data as a new content and returns a content://<id> locator.
// The event id (first key segment) is kept as a tag.
func (cs *ContentStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	tags := []string{"event-photo"}
	if eventID, _, ok := strings.Cut(key, "/"); ok {
		tags = append(tags, eventID)
	}

	content, err := cs.service.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:      cs.ownerID,
		TenantID:     cs.tenantID,
		Name:         key,
		DocumentType: contentType,
		Reader:       bytes.NewReader(data),
		FileName:     path.Base(key),
		Tags:         tags,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload content: %w", err)
	}

	return contentScheme + content.ID.String(), nil
}

// Get downloads content by its content://<id> locator
func (cs *ContentStore) Get(ctx context.Context, locator string) (io.ReadCloser, error) {
	id, err := uuid.Parse(strings.TrimPrefix(locator, contentScheme))
	if err != nil {
		return nil, fmt.Errorf("%w: content locator %q", ErrInvalidReference, locator)
	}

	reader, err := cs.service.DownloadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}

	return reader, nil
}
