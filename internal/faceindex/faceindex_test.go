package faceindex

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rektypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/face-index-pipeline/internal/logger"
)

type fakeRekognition struct {
	mu          sync.Mutex
	collections []string
	pageSize    int
	createCalls int
	listCalls   int
	lastIndex   *rekognition.IndexFacesInput
	indexOut    *rekognition.IndexFacesOutput
	indexErr    error
}

func (f *fakeRekognition) IndexFaces(ctx context.Context, in *rekognition.IndexFacesInput, _ ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIndex = in
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	return f.indexOut, nil
}

func (f *fakeRekognition) ListCollections(ctx context.Context, in *rekognition.ListCollectionsInput, _ ...func(*rekognition.Options)) (*rekognition.ListCollectionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	start := 0
	if in.NextToken != nil {
		for i, id := range f.collections {
			if id == *in.NextToken {
				start = i
			}
		}
	}
	size := f.pageSize
	if size == 0 {
		size = len(f.collections) + 1
	}
	end := start + size
	out := &rekognition.ListCollectionsOutput{}
	if end < len(f.collections) {
		out.NextToken = aws.String(f.collections[end])
	} else {
		end = len(f.collections)
	}
	out.CollectionIds = append([]string(nil), f.collections[start:end]...)
	return out, nil
}

func (f *fakeRekognition) CreateCollection(ctx context.Context, in *rekognition.CreateCollectionInput, _ ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	for _, id := range f.collections {
		if id == aws.ToString(in.CollectionId) {
			return nil, &rektypes.ResourceAlreadyExistsException{Message: aws.String("exists")}
		}
	}
	f.collections = append(f.collections, aws.ToString(in.CollectionId))
	return &rekognition.CreateCollectionOutput{}, nil
}

func TestCollectionIDAndExternalImageID(t *testing.T) {
	assert.Equal(t, "event-42", CollectionID("event-", "42"))
	assert.Equal(t, "ev1:uuid-My_Photo_1.JPG", ExternalImageID("ev1/uuid-My_Photo_1.JPG"))
}

func TestExternalImageIDCharacterSet(t *testing.T) {
	allowed := regexp.MustCompile(`^[A-Za-z0-9_.\-:]+$`)
	cases := map[string]string{
		"ev1/guests/g-7-selfie_1.jpg": "ev1:guests:g-7-selfie_1.jpg",
		"Summer Party #2/abc-a.jpg":   "SummerParty2:abc-a.jpg",
		"ev1/äbc-ok.jpg":              "ev1:bc-ok.jpg",
		"ev.1/a_b-c:d.png":            "ev.1:a_b-c:d.png",
	}
	for in, want := range cases {
		got := ExternalImageID(in)
		assert.Equal(t, want, got, in)
		assert.Regexp(t, allowed, got, in)
	}
}

func TestCollectionExistsPaginates(t *testing.T) {
	fake := &fakeRekognition{collections: []string{"event-a", "event-b", "event-c", "event-d", "event-e"}, pageSize: 2}
	b := NewBootstrapper(fake, logger.NewNop())

	ok, err := b.CollectionExists(context.Background(), "event-e")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, fake.listCalls)

	ok, err = b.CollectionExists(context.Background(), "event-z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateCollectionConcurrentRace(t *testing.T) {
	fake := &fakeRekognition{}
	b := NewBootstrapper(fake, logger.NewNop())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.CreateCollection(context.Background(), "event-1")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"event-1"}, fake.collections)
	assert.Equal(t, 2, fake.createCalls)
}

type failingCreate struct{ *fakeRekognition }

func (f failingCreate) CreateCollection(ctx context.Context, in *rekognition.CreateCollectionInput, _ ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error) {
	return nil, errors.New("access denied")
}

func TestCreateCollectionPropagatesOtherErrors(t *testing.T) {
	b := NewBootstrapper(failingCreate{&fakeRekognition{}}, logger.NewNop())
	err := b.CreateCollection(context.Background(), "event-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestEnsureCollectionCaches(t *testing.T) {
	fake := &fakeRekognition{}
	b := NewBootstrapper(fake, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, b.EnsureCollection(ctx, "event-1"))
	require.NoError(t, b.EnsureCollection(ctx, "event-1"))
	assert.Equal(t, 1, fake.listCalls)
	assert.Equal(t, 1, fake.createCalls)

	b.Forget("event-1")
	require.NoError(t, b.EnsureCollection(ctx, "event-1"))
	assert.Equal(t, 2, fake.listCalls)
	assert.Equal(t, 1, fake.createCalls)
}

func TestIndexFaces(t *testing.T) {
	fake := &fakeRekognition{indexOut: &rekognition.IndexFacesOutput{
		FaceRecords: []rektypes.FaceRecord{
			{Face: &rektypes.Face{
				FaceId:     aws.String("face-1"),
				Confidence: aws.Float32(99.5),
				BoundingBox: &rektypes.BoundingBox{
					Left: aws.Float32(0.25), Top: aws.Float32(0.5), Width: aws.Float32(0.125), Height: aws.Float32(0.25),
				},
			}},
			{Face: nil},
		},
	}}
	idx := NewRekognitionIndex(fake)

	faces, err := idx.IndexFaces(context.Background(), "event-1", []byte("jpeg"), "ev1/k-a.jpg")
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, "face-1", faces[0].FaceID)
	assert.InDelta(t, 99.5, faces[0].Confidence, 0.001)
	assert.InDelta(t, 0.25, faces[0].BoundingBox.Left, 0.001)
	assert.InDelta(t, 0.125, faces[0].BoundingBox.Width, 0.001)

	assert.Equal(t, "ev1:k-a.jpg", aws.ToString(fake.lastIndex.ExternalImageId))
	assert.Equal(t, []rektypes.Attribute{rektypes.AttributeAll}, fake.lastIndex.DetectionAttributes)
	assert.Equal(t, "event-1", aws.ToString(fake.lastIndex.CollectionId))
}

func TestIndexFacesZeroFaces(t *testing.T) {
	idx := NewRekognitionIndex(&fakeRekognition{indexOut: &rekognition.IndexFacesOutput{}})
	faces, err := idx.IndexFaces(context.Background(), "event-1", []byte("jpeg"), "k")
	require.NoError(t, err)
	assert.Empty(t, faces)
}

func TestIndexFacesMissingCollection(t *testing.T) {
	idx := NewRekognitionIndex(&fakeRekognition{indexErr: &rektypes.ResourceNotFoundException{Message: aws.String("no")}})
	_, err := idx.IndexFaces(context.Background(), "event-1", []byte("jpeg"), "k")
	assert.ErrorIs(t, err, ErrCollectionMissing)
}
