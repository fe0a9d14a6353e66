package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/face-index-pipeline/internal/config"
	"github.com/tendant/face-index-pipeline/internal/dbosruntime"
	"github.com/tendant/face-index-pipeline/internal/faceindex"
	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/maintenance"
	"github.com/tendant/face-index-pipeline/internal/metadata"
	"github.com/tendant/face-index-pipeline/internal/queue"
	"github.com/tendant/face-index-pipeline/internal/storage"
	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// ErrDurableDisabled is returned by durable operations when the admin was
// created without a DBOS database
var ErrDurableDisabled = errors.New("durable sweeps need DBOS_SYSTEM_DATABASE_URL")

// AdminOptions configure an Admin
type AdminOptions struct {
	// Durable runs sweeps as DBOS workflows
	Durable bool
	// Progress is called after every sweep batch
	Progress func(maintenance.Progress)
}

// Admin is the operator API behind the admin CLI: enqueueing jobs, sweeping
// the face table and inspecting indexed faces. It never runs the pool.
type Admin struct {
	cfg         *config.Config
	log         *logger.Logger
	faces       *metadata.DynamoStore
	queue       *queue.SQSQueue
	objects     storage.ObjectStore
	collections *faceindex.Bootstrapper
	sweeper     *maintenance.Sweeper
	runtime     *dbosruntime.Runtime
	durable     *maintenance.DurableSweeps
	cleanups    []func()
}

// NewAdmin wires the admin API from configuration
func NewAdmin(ctx context.Context, cfg *config.Config, log *logger.Logger, opts AdminOptions) (*Admin, error) {
	if err := cfg.Maintenance.Validate(); err != nil {
		return nil, err
	}

	clients, err := loadAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	a := &Admin{
		cfg:         cfg,
		log:         log.With("component", "Admin"),
		faces:       metadata.NewDynamoStore(clients.dynamodb, cfg.Storage.FaceTable),
		queue:       queue.NewSQSQueue(clients.sqs, cfg.Storage.QueueURL),
		collections: faceindex.NewBootstrapper(clients.rekognition, log),
	}

	objects, cleanup, err := newObjectStore(cfg.Storage, clients, log)
	if err != nil {
		return nil, err
	}
	a.objects = objects
	a.cleanups = append(a.cleanups, cleanup)

	var sweepOpts []maintenance.Option
	if opts.Progress != nil {
		sweepOpts = append(sweepOpts, maintenance.WithProgress(opts.Progress))
	}
	a.sweeper, err = maintenance.NewSweeper(a.faces, sweepOptions(cfg.Maintenance), log, sweepOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	if opts.Durable {
		if cfg.DBOS.DatabaseURL == "" {
			a.Close()
			return nil, ErrDurableDisabled
		}
		a.runtime, err = dbosruntime.NewRuntime(ctx, dbosConfig(cfg.DBOS), log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.durable = maintenance.NewDurableSweeps(a.runtime, a.sweeper, a.faces, log)
		if err := a.runtime.Launch(); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// Enqueue validates and sends one job to the queue
func (a *Admin) Enqueue(ctx context.Context, job pipeline.Job) (string, error) {
	if a.cfg.Storage.QueueURL == "" {
		return "", errors.New("QUEUE_URL is required")
	}
	return a.queue.Enqueue(ctx, job)
}

// EmptyTable deletes every item of table, through DBOS when durable
func (a *Admin) EmptyTable(ctx context.Context, table string) (maintenance.Result, error) {
	if a.durable != nil {
		return a.durable.Run(ctx, maintenance.SweepRequest{Table: table})
	}
	return a.sweeper.EmptyTable(ctx, table)
}

// DeleteEvent removes every face of one event, through DBOS when durable
func (a *Admin) DeleteEvent(ctx context.Context, eventID string) (maintenance.Result, error) {
	if err := a.requireFaceTable(); err != nil {
		return maintenance.Result{}, err
	}
	if a.durable != nil {
		return a.durable.Run(ctx, maintenance.SweepRequest{Table: a.faces.Table(), EventID: eventID})
	}
	return a.sweeper.DeleteEventFaces(ctx, a.faces, eventID)
}

// StartSweep enqueues a durable sweep without waiting for it
func (a *Admin) StartSweep(ctx context.Context, req maintenance.SweepRequest) (string, error) {
	if a.durable == nil {
		return "", ErrDurableDisabled
	}
	return a.durable.Start(ctx, req)
}

// SweepStatus reports a durable sweep's workflow status
func (a *Admin) SweepStatus(ctx context.Context, workflowID string) (*dbosruntime.WorkflowStatusInfo, error) {
	if a.runtime == nil {
		return nil, ErrDurableDisabled
	}
	return a.runtime.GetWorkflowStatus(ctx, workflowID)
}

// Faces lists the indexed faces of one event
func (a *Admin) Faces(ctx context.Context, eventID string) ([]pipeline.FaceRecord, error) {
	if err := a.requireFaceTable(); err != nil {
		return nil, err
	}
	return a.faces.QueryByEvent(ctx, eventID)
}

// EnsureCollection creates the face collection of an event ahead of uploads
func (a *Admin) EnsureCollection(ctx context.Context, eventID string) (string, error) {
	id := faceindex.CollectionID(a.cfg.Storage.CollectionPrefix, eventID)
	if err := a.collections.EnsureCollection(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// PutProbe stores a guest's probe photo under the guest key layout
func (a *Admin) PutProbe(ctx context.Context, eventID, guestID, name string, data []byte, contentType string) (string, error) {
	if eventID == "" || guestID == "" {
		return "", errors.New("event id and guest id are required")
	}
	key := storage.GuestPhotoKey(eventID, guestID, name)
	locator, err := a.objects.Put(ctx, key, data, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to store probe photo: %w", err)
	}
	a.log.Info("probe photo stored", "eventID", eventID, "guestID", guestID, "locator", locator)
	return locator, nil
}

// Close shuts down the DBOS runtime and the object store
func (a *Admin) Close() {
	if a.runtime != nil {
		a.runtime.Shutdown(10 * time.Second)
		a.runtime = nil
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

func (a *Admin) requireFaceTable() error {
	if a.faces.Table() == "" {
		return errors.New("FACE_TABLE is required")
	}
	return nil
}
