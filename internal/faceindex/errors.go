package faceindex

import "errors"

var (
	// ErrCollectionMissing is returned when indexing into a collection that does not exist
	ErrCollectionMissing = errors.New("face collection does not exist")

	// ErrInvalidImage is returned when the service rejects the image itself
	ErrInvalidImage = errors.New("image rejected by face index")
)
