package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/face-index-pipeline/internal/faceindex"
	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/metrics"
	"github.com/tendant/face-index-pipeline/internal/notify"
	"github.com/tendant/face-index-pipeline/internal/storage"
	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// Pipeline steps, used in errors, logs and retry metrics
const (
	StepRead        = "read"
	StepNormalize   = "normalize"
	StepStore       = "store"
	StepCollection  = "collection"
	StepIndex       = "index"
	StepPersist     = "persist"
	StepAcknowledge = "acknowledge"
)

// CollectionEnsurer creates an event collection when it is absent
type CollectionEnsurer interface {
	EnsureCollection(ctx context.Context, collectionID string) error
	Forget(collectionID string)
}

// FaceIndexer detects and enrolls faces
type FaceIndexer interface {
	IndexFaces(ctx context.Context, collectionID string, image []byte, externalID string) ([]faceindex.Face, error)
}

// FaceWriter persists face records
type FaceWriter interface {
	PutFace(ctx context.Context, rec pipeline.FaceRecord) error
}

// IngestDeps are the services an ingest run talks to
type IngestDeps struct {
	Source      storage.FileSource
	Store       storage.ObjectStore
	Collections CollectionEnsurer
	Index       FaceIndexer
	Faces       FaceWriter
	Notifier    notify.Emitter
	Retrier     *Retrier
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

// IngestOptions tune an ingest run
type IngestOptions struct {
	CollectionPrefix string
	Normalizer       Normalizer
}

// IngestWorkflow takes one uploaded image through normalize, store,
// collection bootstrap, face indexing and metadata persistence. It emits the
// started and in-progress events; the terminal event is left to the caller,
// which also owns acknowledgement.
type IngestWorkflow struct {
	deps IngestDeps
	opts IngestOptions
	log  *logger.Logger
	now  func() time.Time
}

func NewIngestWorkflow(deps IngestDeps, opts IngestOptions) *IngestWorkflow {
	if opts.Normalizer.MaxDimension <= 0 {
		opts.Normalizer.MaxDimension = 1024
	}
	if opts.Normalizer.JPEGQuality <= 0 {
		opts.Normalizer.JPEGQuality = 85
	}
	if deps.Retrier == nil {
		deps.Retrier = NewRetrier(RetryPolicy{MaxAttempts: 1}, deps.Logger, deps.Metrics)
	}
	return &IngestWorkflow{
		deps: deps,
		opts: opts,
		log:  deps.Logger.With("component", "IngestWorkflow"),
		now:  time.Now,
	}
}

// Name returns the workflow name
func (w *IngestWorkflow) Name() string {
	return "IngestWorkflow"
}

// Execute runs the pipeline for one job. Re-running it for the same job is
// safe: face records are keyed by (eventId, faceId) and overwrite.
func (w *IngestWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	ctx := wctx.Ctx
	job := wctx.Job
	log := w.log.With("runID", wctx.RunID, "eventID", job.EventID, "clientID", job.ClientConnectionID)

	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	// Step 1: read source bytes
	var source []byte
	err := w.deps.Retrier.Do(ctx, StepRead, func() error {
		data, err := storage.ReadAll(ctx, w.deps.Source, job.FileReference)
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidReference) {
			return permanent(err)
		}
		source = data
		return err
	})
	if err != nil {
		return nil, stepError(StepRead, err)
	}

	// Step 2
	w.emit(ctx, log, job, pipeline.StatusStarted, 0)

	// Step 3: normalize
	img, err := w.opts.Normalizer.Normalize(source)
	if err != nil {
		return nil, stepError(StepNormalize, err)
	}
	log.Debug("image normalized", "width", img.Width, "height", img.Height, "bytes", len(img.Data))

	// Steps 4-5: store under a fresh key
	key := storage.PhotoKey(job.EventID, job.Name())
	var locator string
	err = w.deps.Retrier.Do(ctx, StepStore, func() error {
		loc, err := w.deps.Store.Put(ctx, key, img.Data, "image/jpeg")
		locator = loc
		return err
	})
	if err != nil {
		return nil, stepError(StepStore, err)
	}
	log.Info("photo stored", "key", key, "locator", locator)
	w.emit(ctx, log, job, pipeline.StatusInProgress, 50)

	// Step 6: make sure the event collection exists
	collectionID := faceindex.CollectionID(w.opts.CollectionPrefix, job.EventID)
	err = w.deps.Retrier.Do(ctx, StepCollection, func() error {
		return w.deps.Collections.EnsureCollection(ctx, collectionID)
	})
	if err != nil {
		return nil, stepError(StepCollection, err)
	}

	// Step 7: index faces
	var faces []faceindex.Face
	err = w.deps.Retrier.Do(ctx, StepIndex, func() error {
		found, err := w.deps.Index.IndexFaces(ctx, collectionID, img.Data, key)
		switch {
		case errors.Is(err, faceindex.ErrInvalidImage):
			return permanent(err)
		case errors.Is(err, faceindex.ErrCollectionMissing):
			// deleted behind our back; recreate before the next attempt
			w.deps.Collections.Forget(collectionID)
			if ensureErr := w.deps.Collections.EnsureCollection(ctx, collectionID); ensureErr != nil {
				log.Warn("failed to recreate collection", "collectionID", collectionID, "error", ensureErr)
			}
			return err
		}
		faces = found
		return err
	})
	if err != nil {
		return nil, stepError(StepIndex, err)
	}
	w.deps.Metrics.Faces(len(faces))

	// Step 8: persist one record per face
	written := w.persist(ctx, log, job.EventID, locator, key, faces)

	if len(faces) == 0 {
		log.Info("no faces detected", "key", key)
	} else {
		log.Info("faces indexed", "key", key, "faces", len(faces), "written", written)
	}

	return &WorkflowResult{
		Key:           key,
		Locator:       locator,
		CollectionID:  collectionID,
		FaceCount:     len(faces),
		FacesWritten:  written,
		FacesDetected: len(faces) > 0,
	}, nil
}

// persist writes every face; a failed write is logged and skipped
func (w *IngestWorkflow) persist(ctx context.Context, log *logger.Logger, eventID, locator, key string, faces []faceindex.Face) int {
	indexedAt := w.now().UTC().Format(time.RFC3339)
	written := 0
	for _, face := range faces {
		rec := pipeline.FaceRecord{
			EventID:         eventID,
			FaceID:          face.FaceID,
			ImageLocator:    locator,
			ExternalImageID: faceindex.ExternalImageID(key),
			BoundingBox:     face.BoundingBox,
			Confidence:      face.Confidence,
			IndexedAt:       indexedAt,
		}
		err := w.deps.Retrier.Do(ctx, StepPersist, func() error {
			return w.deps.Faces.PutFace(ctx, rec)
		})
		if err != nil {
			log.Error("failed to persist face record", "faceID", face.FaceID, "error", err)
			continue
		}
		written++
	}
	return written
}

func (w *IngestWorkflow) emit(ctx context.Context, log *logger.Logger, job pipeline.Job, status pipeline.Status, progress int) {
	err := notify.Progress(ctx, w.deps.Notifier, pipeline.ProgressEvent{
		ClientConnectionID: job.ClientConnectionID,
		EventID:            job.EventID,
		File:               job.Name(),
		Progress:           progress,
		Status:             status,
	})
	if err != nil {
		log.Warn("failed to emit progress", "status", status, "error", err)
	}
}

func stepError(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStepFailed, step, err)
}
