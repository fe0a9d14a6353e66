package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/tendant/face-index-pipeline/internal/dbosruntime"
	"github.com/tendant/face-index-pipeline/internal/logger"
)

// SweepRequest selects a sweep: the whole table, or one event's faces when
// EventID is set.
type SweepRequest struct {
	Table   string `json:"table"`
	EventID string `json:"eventId,omitempty"`
}

// DurableSweeps runs sweeps as DBOS workflows on the maintenance queue so
// that a sweep interrupted by a crash is resumed on the next launch.
type DurableSweeps struct {
	runtime *dbosruntime.Runtime
	sweeper *Sweeper
	faces   FaceQuerier
	log     *logger.Logger
}

// NewDurableSweeps registers the sweep workflow; call it before Runtime.Launch
func NewDurableSweeps(runtime *dbosruntime.Runtime, sweeper *Sweeper, faces FaceQuerier, log *logger.Logger) *DurableSweeps {
	d := &DurableSweeps{
		runtime: runtime,
		sweeper: sweeper,
		faces:   faces,
		log:     log.With("component", "DurableSweeps"),
	}
	dbos.RegisterWorkflow(runtime.Context(), d.sweepWorkflow)
	return d
}

// Start enqueues a sweep and returns its workflow id
func (d *DurableSweeps) Start(ctx context.Context, req SweepRequest) (string, error) {
	handle, err := d.enqueue(req)
	if err != nil {
		return "", err
	}
	return handle.GetWorkflowID(), nil
}

// Run enqueues a sweep and waits for its result
func (d *DurableSweeps) Run(ctx context.Context, req SweepRequest) (Result, error) {
	handle, err := d.enqueue(req)
	if err != nil {
		return Result{}, err
	}
	d.log.Info("sweep enqueued", "workflowID", handle.GetWorkflowID(), "table", req.Table, "eventID", req.EventID)
	return handle.GetResult()
}

func (d *DurableSweeps) enqueue(req SweepRequest) (dbos.WorkflowHandle[Result], error) {
	if req.Table == "" && req.EventID == "" {
		return nil, errors.New("sweep needs a table or an event id")
	}

	target := req.Table
	if req.EventID != "" {
		target = "event-" + req.EventID
	}
	workflowID := fmt.Sprintf("sweep-%s-%d", target, time.Now().UnixNano())

	handle, err := dbos.RunWorkflow[SweepRequest, Result](
		d.runtime.Context(),
		d.sweepWorkflow,
		req,
		dbos.WithWorkflowID(workflowID),
		dbos.WithQueue(d.runtime.QueueName()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue sweep: %w", err)
	}
	return handle, nil
}

// sweepWorkflow is the registered DBOS workflow. On recovery it simply
// rescans; deletes are idempotent.
func (d *DurableSweeps) sweepWorkflow(dbosCtx dbos.DBOSContext, req SweepRequest) (Result, error) {
	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return Result{}, err
	}
	d.log.Info("sweep started", "workflowID", workflowID, "table", req.Table, "eventID", req.EventID)

	if req.EventID != "" {
		return d.sweeper.DeleteEventFaces(dbosCtx, d.faces, req.EventID)
	}
	return d.sweeper.EmptyTable(dbosCtx, req.Table)
}
