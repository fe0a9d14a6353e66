// Package worker runs the ingestion pipeline for leased queue jobs under a
// bounded concurrency limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/metrics"
	"github.com/tendant/face-index-pipeline/internal/notify"
	"github.com/tendant/face-index-pipeline/internal/queue"
	"github.com/tendant/face-index-pipeline/internal/storage"
	"github.com/tendant/face-index-pipeline/internal/workflows"
	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// JobQueue is the queue surface the pool consumes
type JobQueue interface {
	Poll(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]queue.Message, error)
	Acknowledge(ctx context.Context, receiptHandle string) error
}

// Deps are the collaborators of a pool
type Deps struct {
	Queue    JobQueue
	Workflow workflows.Workflow
	Source   storage.FileSource // for best-effort cleanup after acknowledgement
	Notifier notify.Emitter
	Retrier  *workflows.Retrier
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
}

// Options tune polling and concurrency
type Options struct {
	Concurrency       int
	BatchSize         int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	PollErrorBackoff  time.Duration
}

func (o *Options) withDefaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 5
	}
	if o.BatchSize < 1 {
		o.BatchSize = 10
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 60 * time.Second
	}
	if o.PollErrorBackoff <= 0 {
		o.PollErrorBackoff = 5 * time.Second
	}
}

// Pool leases jobs and runs each through the workflow. At most Concurrency
// pipelines run at once; leased jobs beyond that wait for a slot while
// holding their lease, and no new poll is issued until every job of the
// previous poll has a slot.
type Pool struct {
	deps Deps
	opts Options
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	log  *logger.Logger
}

func NewPool(deps Deps, opts Options) *Pool {
	opts.withDefaults()
	if deps.Retrier == nil {
		deps.Retrier = workflows.NewRetrier(workflows.RetryPolicy{MaxAttempts: 1}, deps.Logger, deps.Metrics)
	}
	return &Pool{
		deps: deps,
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
		log:  deps.Logger.With("component", "WorkerPool"),
	}
}

// Start begins polling in the background until ctx is cancelled
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("starting worker pool",
		"concurrency", p.opts.Concurrency,
		"batchSize", p.opts.BatchSize,
		"waitTime", p.opts.WaitTime,
		"visibilityTimeout", p.opts.VisibilityTimeout,
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()
}

// Wait blocks until the poll loop has stopped and in-flight jobs finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) pollLoop(ctx context.Context) {
	// In-flight jobs are never cancelled mid-pipeline
	jobCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			p.log.Info("poll loop stopped")
			return
		}

		msgs, err := p.deps.Queue.Poll(ctx, p.opts.BatchSize, p.opts.WaitTime, p.opts.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.deps.Metrics.PollFailed()
			p.log.Warn("poll failed", "error", err, "retryIn", p.opts.PollErrorBackoff)
			select {
			case <-ctx.Done():
			case <-time.After(p.opts.PollErrorBackoff):
			}
			continue
		}

		for i, msg := range msgs {
			if msg.DecodeErr != nil {
				// left unacknowledged for the queue's dead-letter policy
				p.deps.Metrics.JobDone(metrics.OutcomeInvalid, 0)
				p.log.Error("undecodable message", "messageID", msg.ID, "receiveCount", msg.ReceiveCount, "error", msg.DecodeErr)
				continue
			}

			if err := p.sem.Acquire(ctx, 1); err != nil {
				p.log.Info("stopping with leased jobs left for redelivery", "count", len(msgs)-i)
				break
			}

			p.wg.Add(1)
			go func(msg queue.Message) {
				defer p.wg.Done()
				defer p.sem.Release(1)
				p.handleMessage(jobCtx, msg)
			}(msg)
		}
	}
}

// handleMessage runs one leased job to a terminal event. Failed jobs are not
// acknowledged so the queue redelivers them after the visibility timeout.
func (p *Pool) handleMessage(ctx context.Context, msg queue.Message) {
	job := msg.Job
	log := p.log.With("messageID", msg.ID, "eventID", job.EventID, "clientID", job.ClientConnectionID)
	if msg.Redelivered() {
		log.Info("processing redelivered job", "receiveCount", msg.ReceiveCount)
	}

	res, err := p.execute(ctx, log, job, msg.ID)
	if err != nil {
		p.emitError(ctx, log, job, err, nil)
		return
	}

	// completed precedes the ack, so an exhausted ack repeats it on redelivery
	p.emitComplete(ctx, log, job, res, nil)

	err = p.deps.Retrier.Do(ctx, workflows.StepAcknowledge, func() error {
		return p.deps.Queue.Acknowledge(ctx, msg.ReceiptHandle)
	})
	if err != nil {
		log.Error("failed to acknowledge job; it will be redelivered", "error", err)
		return
	}

	p.cleanup(ctx, log, job)
}

// execute runs the workflow, converting a panic into an error
func (p *Pool) execute(ctx context.Context, log *logger.Logger, job pipeline.Job, runID string) (res *workflows.WorkflowResult, err error) {
	start := time.Now()
	p.deps.Metrics.JobStarted()

	defer func() {
		p.deps.Metrics.JobFinished()
		outcome := metrics.OutcomeCompleted
		if r := recover(); r != nil {
			pe := &PanicError{Val: r, Stack: debug.Stack()}
			log.Error("pipeline panic", "panic", pe.Detail(), "stack", string(pe.Stack))
			res, err = nil, pe
			outcome = metrics.OutcomePanicked
		} else if err != nil {
			log.Error("pipeline failed", "error", err)
			outcome = metrics.OutcomeFailed
		}
		p.deps.Metrics.JobDone(outcome, time.Since(start))
	}()

	return p.deps.Workflow.Execute(&workflows.WorkflowContext{Ctx: ctx, Job: job, RunID: runID})
}

func (p *Pool) cleanup(ctx context.Context, log *logger.Logger, job pipeline.Job) {
	if p.deps.Source == nil {
		return
	}
	if err := p.deps.Source.Remove(ctx, job.FileReference); err != nil {
		log.Warn("failed to remove file reference", "fileReference", job.FileReference, "error", err)
	}
}

func (p *Pool) emitComplete(ctx context.Context, log *logger.Logger, job pipeline.Job, res *workflows.WorkflowResult, ratio *batchRatio) {
	detected := res.FacesDetected
	ev := pipeline.ProgressEvent{
		ClientConnectionID: job.ClientConnectionID,
		EventID:            job.EventID,
		File:               job.Name(),
		Progress:           100,
		Status:             pipeline.StatusCompleted,
		FacesDetected:      &detected,
		FaceCount:          res.FaceCount,
	}
	ratio.apply(&ev)
	p.emit(ctx, log, ev)
}

func (p *Pool) emitError(ctx context.Context, log *logger.Logger, job pipeline.Job, err error, ratio *batchRatio) {
	ev := pipeline.ProgressEvent{
		ClientConnectionID: job.ClientConnectionID,
		EventID:            job.EventID,
		File:               job.Name(),
		Status:             pipeline.StatusError,
		Error:              clientMessage(err),
	}
	ratio.apply(&ev)
	p.emit(ctx, log, ev)
}

func (p *Pool) emit(ctx context.Context, log *logger.Logger, ev pipeline.ProgressEvent) {
	if err := notify.Progress(ctx, p.deps.Notifier, ev); err != nil {
		log.Warn("failed to emit terminal event", "status", ev.Status, "error", err)
	}
}

// clientMessage is the error text sent to the client
func clientMessage(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return fmt.Sprint(err)
}
