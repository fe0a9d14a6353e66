// Package maintenance holds the administrative sweeps over the face table:
// emptying a table and removing every face of one event, both with chunked
// batch deletes that retry partially failed batches.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/metadata"
	"github.com/tendant/face-index-pipeline/internal/metrics"
	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// maxChunkSize is the BatchWriteItem request limit
const maxChunkSize = 25

// Store is the metadata store surface a sweep needs
type Store interface {
	KeyAttributes(ctx context.Context, table string) ([]string, error)
	Scan(ctx context.Context, req metadata.ScanRequest) (metadata.ScanPage, error)
	BatchDelete(ctx context.Context, table string, keys []metadata.Key) ([]metadata.Key, error)
}

// FaceQuerier lists the faces of one event
type FaceQuerier interface {
	QueryByEvent(ctx context.Context, eventID string) ([]pipeline.FaceRecord, error)
	Table() string
}

// Options tune batching and retries
type Options struct {
	ChunkSize   int           // keys per batch delete, 1..25
	MaxAttempts int           // batch delete calls per chunk before giving up
	RetryBase   time.Duration // retry r waits 2^r * RetryBase
	BatchDelay  time.Duration // pause between consecutive batches
}

// Progress is reported after every batch
type Progress struct {
	Table   string `json:"table"`
	Scanned int    `json:"scanned"`
	Deleted int    `json:"deleted"`
	Batches int    `json:"batches"`
	Total   int    `json:"total,omitempty"` // known only when deleting one event
}

// Result summarizes a finished sweep
type Result struct {
	Table   string `json:"table"`
	Scanned int    `json:"scanned"`
	Deleted int    `json:"deleted"`
	Batches int    `json:"batches"`
	Pages   int    `json:"pages"`
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithProgress registers a callback invoked after every batch
func WithProgress(fn func(Progress)) Option {
	return func(s *Sweeper) { s.progress = fn }
}

// WithMetrics records retries and deletions
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSleep replaces the delay function, mainly for tests
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sweeper) { s.sleep = fn }
}

// Sweeper runs maintenance sweeps. A sweep may run concurrently with
// ingestion; a face written mid-sweep may or may not be removed.
type Sweeper struct {
	store    Store
	opts     Options
	log      *logger.Logger
	metrics  *metrics.Metrics
	progress func(Progress)
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewSweeper(store Store, opts Options, log *logger.Logger, options ...Option) (*Sweeper, error) {
	if opts.ChunkSize < 1 || opts.ChunkSize > maxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d outside 1..%d", ErrInvalidOptions, opts.ChunkSize, maxChunkSize)
	}
	if opts.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts %d", ErrInvalidOptions, opts.MaxAttempts)
	}
	if opts.RetryBase <= 0 {
		return nil, fmt.Errorf("%w: retry base %s", ErrInvalidOptions, opts.RetryBase)
	}

	s := &Sweeper{
		store: store,
		opts:  opts,
		log:   log.With("component", "Sweeper"),
		sleep: sleepContext,
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// EmptyTable deletes every item of table. It scans with consistent reads,
// projecting only the key attributes, and deletes page by page until the
// store returns no continuation key. Re-running after an interruption
// rescans whatever is left.
func (s *Sweeper) EmptyTable(ctx context.Context, table string) (Result, error) {
	res := Result{Table: table}

	keyAttrs, err := s.store.KeyAttributes(ctx, table)
	if err != nil {
		return res, err
	}

	log := s.log.With("table", table)
	log.Info("emptying table", "keyAttributes", keyAttrs, "chunkSize", s.opts.ChunkSize)

	var startKey metadata.Key
	for {
		page, err := s.store.Scan(ctx, metadata.ScanRequest{
			Table:          table,
			Projection:     keyAttrs,
			ConsistentRead: true,
			StartKey:       startKey,
		})
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Scanned += len(page.Items)

		if err := s.deleteKeys(ctx, table, page.Items, 0, &res); err != nil {
			return res, err
		}

		if len(page.NextKey) == 0 {
			break
		}
		startKey = page.NextKey
	}

	log.Info("table emptied", "deleted", res.Deleted, "batches", res.Batches, "pages", res.Pages)
	return res, nil
}

// DeleteEventFaces removes every face record of one event from the face table
func (s *Sweeper) DeleteEventFaces(ctx context.Context, faces FaceQuerier, eventID string) (Result, error) {
	table := faces.Table()
	res := Result{Table: table}

	records, err := faces.QueryByEvent(ctx, eventID)
	if err != nil {
		return res, err
	}
	res.Pages = 1
	res.Scanned = len(records)

	keys := make([]metadata.Key, 0, len(records))
	for _, rec := range records {
		keys = append(keys, metadata.FaceKey(rec.EventID, rec.FaceID))
	}

	if err := s.deleteKeys(ctx, table, keys, len(keys), &res); err != nil {
		return res, err
	}

	s.log.Info("event faces deleted", "eventID", eventID, "deleted", res.Deleted)
	return res, nil
}

// deleteKeys splits keys into chunks and deletes them one batch at a time
func (s *Sweeper) deleteKeys(ctx context.Context, table string, keys []metadata.Key, total int, res *Result) error {
	for start := 0; start < len(keys); start += s.opts.ChunkSize {
		end := min(start+s.opts.ChunkSize, len(keys))

		if res.Batches > 0 && s.opts.BatchDelay > 0 {
			if err := s.sleep(ctx, s.opts.BatchDelay); err != nil {
				return err
			}
		}

		if err := s.deleteChunk(ctx, table, keys[start:end]); err != nil {
			return err
		}

		res.Batches++
		res.Deleted += end - start
		s.metrics.Deleted(end - start)

		if s.progress != nil {
			s.progress(Progress{
				Table:   table,
				Scanned: res.Scanned,
				Deleted: res.Deleted,
				Batches: res.Batches,
				Total:   total,
			})
		}
	}
	return nil
}

// deleteChunk deletes one chunk, retrying only the unprocessed subset. A
// throughput-exceeded error retries the whole pending subset.
func (s *Sweeper) deleteChunk(ctx context.Context, table string, chunk []metadata.Key) error {
	pending := chunk
	delays := s.retrySchedule()

	for attempt := 1; ; attempt++ {
		unprocessed, err := s.store.BatchDelete(ctx, table, pending)
		switch {
		case err == nil:
			pending = unprocessed
		case metadata.IsThroughputExceeded(err):
			s.log.Warn("batch delete throttled", "table", table, "attempt", attempt, "pending", len(pending))
		default:
			return err
		}

		if len(pending) == 0 {
			return nil
		}
		if attempt >= s.opts.MaxAttempts {
			return &UnprocessedError{Table: table, Keys: pending, Attempts: attempt}
		}

		delay := delays.NextBackOff()
		s.metrics.DeleteRetried()
		s.log.Debug("retrying unprocessed items", "table", table, "attempt", attempt, "pending", len(pending), "delay", delay)

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// maxRetryInterval caps a single wait between retries of one chunk
const maxRetryInterval = time.Hour

// retrySchedule yields 2*base, 4*base, 8*base, ... with no jitter,
// never waiting longer than maxRetryInterval
func (s *Sweeper) retrySchedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(2*s.opts.RetryBase, maxRetryInterval)
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = b.InitialInterval
	for i := 1; i < s.opts.MaxAttempts && b.MaxInterval < maxRetryInterval; i++ {
		b.MaxInterval = min(2*b.MaxInterval, maxRetryInterval)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
