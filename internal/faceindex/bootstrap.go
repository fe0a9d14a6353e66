package faceindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rektypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/tendant/face-index-pipeline/internal/logger"
)

// Bootstrapper makes sure an event's collection exists before first use.
// Concurrent callers may race on create; the loser's "already exists" is
// treated as success, so no lock is taken.
type Bootstrapper struct {
	client RekognitionAPI
	log    *logger.Logger
	known  sync.Map // collection id -> struct{}
}

func NewBootstrapper(client RekognitionAPI, log *logger.Logger) *Bootstrapper {
	return &Bootstrapper{
		client: client,
		log:    log.With("component", "CollectionBootstrapper"),
	}
}

// CollectionExists lists every collection page and reports membership
func (b *Bootstrapper) CollectionExists(ctx context.Context, collectionID string) (bool, error) {
	paginator := rekognition.NewListCollectionsPaginator(b.client, &rekognition.ListCollectionsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to list collections: %w", err)
		}
		for _, id := range page.CollectionIds {
			if id == collectionID {
				return true, nil
			}
		}
	}
	return false, nil
}

// CreateCollection creates the collection; an existing one is not an error
func (b *Bootstrapper) CreateCollection(ctx context.Context, collectionID string) error {
	_, err := b.client.CreateCollection(ctx, &rekognition.CreateCollectionInput{
		CollectionId: aws.String(collectionID),
	})
	if err != nil {
		var exists *rektypes.ResourceAlreadyExistsException
		if errors.As(err, &exists) {
			b.log.Info("collection already exists", "collectionID", collectionID)
			return nil
		}
		return fmt.Errorf("failed to create collection %s: %w", collectionID, err)
	}

	b.log.Info("collection created", "collectionID", collectionID)
	return nil
}

// EnsureCollection creates the collection when it is absent. Collections
// confirmed once are remembered for the life of the process.
func (b *Bootstrapper) EnsureCollection(ctx context.Context, collectionID string) error {
	if _, ok := b.known.Load(collectionID); ok {
		return nil
	}

	exists, err := b.CollectionExists(ctx, collectionID)
	if err != nil {
		return err
	}
	if !exists {
		if err := b.CreateCollection(ctx, collectionID); err != nil {
			return err
		}
	}

	b.known.Store(collectionID, struct{}{})
	return nil
}

// Forget drops a cached collection, e.g. after an index call reports it missing
func (b *Bootstrapper) Forget(collectionID string) {
	b.known.Delete(collectionID)
}
