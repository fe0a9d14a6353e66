// Package faceindex wraps the face recognition service: face detection into
// per-event collections and the collection bootstrapper.
package faceindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rektypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// RekognitionAPI is the subset of the Rekognition client used here
type RekognitionAPI interface {
	IndexFaces(ctx context.Context, params *rekognition.IndexFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
	ListCollections(ctx context.Context, params *rekognition.ListCollectionsInput, optFns ...func(*rekognition.Options)) (*rekognition.ListCollectionsOutput, error)
	CreateCollection(ctx context.Context, params *rekognition.CreateCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error)
}

// Face is one face returned by an index call
type Face struct {
	FaceID      string
	BoundingBox pipeline.BoundingBox
	Confidence  float64
}

// CollectionID derives the per-event collection id
func CollectionID(prefix, eventID string) string {
	return prefix + eventID
}

var externalIDDisallowed = regexp.MustCompile(`[^A-Za-z0-9_.\-:]`)

// ExternalImageID maps a storage key onto the character set Rekognition
// accepts for external image ids ([A-Za-z0-9_.\-:]+): "/" becomes ":" and
// anything else outside the set is dropped.
func ExternalImageID(key string) string {
	return externalIDDisallowed.ReplaceAllString(strings.ReplaceAll(key, "/", ":"), "")
}

// RekognitionIndex detects and enrolls faces with AWS Rekognition
type RekognitionIndex struct {
	client RekognitionAPI
}

func NewRekognitionIndex(client RekognitionAPI) *RekognitionIndex {
	return &RekognitionIndex{client: client}
}

// IndexFaces detects every face in image, enrolls them in the collection and
// returns them. An image without faces yields an empty slice.
func (r *RekognitionIndex) IndexFaces(ctx context.Context, collectionID string, image []byte, externalID string) ([]Face, error) {
	out, err := r.client.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:        aws.String(collectionID),
		Image:               &rektypes.Image{Bytes: image},
		ExternalImageId:     aws.String(ExternalImageID(externalID)),
		DetectionAttributes: []rektypes.Attribute{rektypes.AttributeAll},
	})
	if err != nil {
		var notFound *rektypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionMissing, collectionID)
		}
		var invalid *rektypes.InvalidImageFormatException
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		return nil, fmt.Errorf("failed to index faces in %s: %w", collectionID, err)
	}

	faces := make([]Face, 0, len(out.FaceRecords))
	for _, rec := range out.FaceRecords {
		if rec.Face == nil || rec.Face.FaceId == nil {
			continue
		}
		face := Face{
			FaceID:     aws.ToString(rec.Face.FaceId),
			Confidence: float64(aws.ToFloat32(rec.Face.Confidence)),
		}
		if bb := rec.Face.BoundingBox; bb != nil {
			face.BoundingBox = pipeline.BoundingBox{
				Left:   float64(aws.ToFloat32(bb.Left)),
				Top:    float64(aws.ToFloat32(bb.Top)),
				Width:  float64(aws.ToFloat32(bb.Width)),
				Height: float64(aws.ToFloat32(bb.Height)),
			}
		}
		faces = append(faces, face)
	}
	return faces, nil
}
