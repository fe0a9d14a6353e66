package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// BatchResult summarizes a cohesive batch
type BatchResult struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// batchRatio tracks processed/total per event for one cohesive batch
type batchRatio struct {
	mu        sync.Mutex
	total     map[string]int
	processed map[string]int
}

func newBatchRatio(jobs []pipeline.Job) *batchRatio {
	r := &batchRatio{total: map[string]int{}, processed: map[string]int{}}
	for _, j := range jobs {
		r.total[j.EventID]++
	}
	return r
}

// apply counts the job as processed and stamps the event's ratio on ev
func (r *batchRatio) apply(ev *pipeline.ProgressEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[ev.EventID]++
	ev.Processed = r.processed[ev.EventID]
	ev.Total = r.total[ev.EventID]
}

// ProcessBatch runs a caller-submitted batch (one multi-file upload) through
// the same bounded executor as polled jobs and returns once every job ended.
// Each terminal event carries the event's processed/total ratio. Batch jobs
// do not come from the queue, so there is nothing to acknowledge.
func (p *Pool) ProcessBatch(ctx context.Context, batchID string, jobs []pipeline.Job) (BatchResult, error) {
	res := BatchResult{BatchID: batchID, Total: len(jobs)}
	ratio := newBatchRatio(jobs)
	jobCtx := context.WithoutCancel(ctx)
	log := p.log.With("batchID", batchID)

	var (
		completed, failed atomic.Int64
		g                 errgroup.Group
		interrupted       error
	)
	for i, job := range jobs {
		err := ctx.Err()
		if err == nil {
			err = p.sem.Acquire(ctx, 1)
		}
		if err != nil {
			interrupted = fmt.Errorf("batch %s interrupted with %d jobs not started: %w", batchID, len(jobs)-i, err)
			// nothing redelivers batch jobs; each one still gets its terminal event
			for _, skipped := range jobs[i:] {
				failed.Add(1)
				p.emitError(jobCtx, log.With("eventID", skipped.EventID, "clientID", skipped.ClientConnectionID), skipped, errBatchInterrupted, ratio)
			}
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)

			jobLog := log.With("eventID", job.EventID, "clientID", job.ClientConnectionID)
			out, err := p.execute(jobCtx, jobLog, job, fmt.Sprintf("%s-%d", batchID, i))
			if err != nil {
				failed.Add(1)
				p.emitError(jobCtx, jobLog, job, err, ratio)
				return nil
			}

			completed.Add(1)
			p.emitComplete(jobCtx, jobLog, job, out, ratio)
			p.cleanup(jobCtx, jobLog, job)
			return nil
		})
	}

	_ = g.Wait()
	res.Completed = int(completed.Load())
	res.Failed = int(failed.Load())

	log.Info("batch finished", "total", res.Total, "completed", res.Completed, "failed", res.Failed)
	return res, interrupted
}
