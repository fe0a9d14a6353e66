package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tendant/face-index-pipeline/internal/config"
	"github.com/tendant/face-index-pipeline/internal/dbosruntime"
	"github.com/tendant/face-index-pipeline/internal/faceindex"
	"github.com/tendant/face-index-pipeline/internal/handlers"
	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/maintenance"
	"github.com/tendant/face-index-pipeline/internal/metadata"
	"github.com/tendant/face-index-pipeline/internal/metrics"
	"github.com/tendant/face-index-pipeline/internal/notify"
	"github.com/tendant/face-index-pipeline/internal/queue"
	"github.com/tendant/face-index-pipeline/internal/worker"
	"github.com/tendant/face-index-pipeline/internal/workflows"
)

// Runner is a fully wired face worker: the polling pool, the notification
// hub and the HTTP surface
type Runner struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	hub      *notify.Hub
	bus      *notify.RedisBus
	pool     *worker.Pool
	uploads  *handlers.UploadHandler
	server   *http.Server
	runtime  *dbosruntime.Runtime

	ctx      context.Context
	cancel   context.CancelFunc
	cleanups []func()
}

// New wires a worker from configuration. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	r := &Runner{cfg: cfg, log: log.With("component", "Runner")}
	r.ctx, r.cancel = context.WithCancel(ctx)

	ok := false
	defer func() {
		if !ok {
			r.cancel()
			r.runCleanups()
		}
	}()

	r.registry = prometheus.NewRegistry()
	r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(r.registry)

	clients, err := loadAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	objects, cleanup, err := newObjectStore(cfg.Storage, clients, log)
	if err != nil {
		return nil, err
	}
	r.cleanups = append(r.cleanups, cleanup)

	source, err := newFileSource(cfg.Storage)
	if err != nil {
		return nil, err
	}

	// Events are emitted through Redis when configured so that the SSE
	// stream of a client may live on any worker
	r.hub = notify.NewHub(log)
	var emitter notify.Emitter = r.hub
	if cfg.Notify.RedisAddr != "" {
		r.bus, err = notify.NewRedisBus(ctx, log, cfg.Notify.RedisAddr, cfg.Notify.RedisChannel)
		if err != nil {
			return nil, err
		}
		r.cleanups = append(r.cleanups, func() { _ = r.bus.Close() })
		emitter = r.bus
	}

	faces := metadata.NewDynamoStore(clients.dynamodb, cfg.Storage.FaceTable)
	jobs := queue.NewSQSQueue(clients.sqs, cfg.Storage.QueueURL)
	retrier := workflows.NewRetrier(workflows.RetryPolicy{
		MaxAttempts: cfg.Worker.StepMaxAttempts,
		Base:        cfg.Worker.StepRetryBase,
	}, log, m)

	ingest := workflows.NewIngestWorkflow(workflows.IngestDeps{
		Source:      source,
		Store:       objects,
		Collections: faceindex.NewBootstrapper(clients.rekognition, log),
		Index:       faceindex.NewRekognitionIndex(clients.rekognition),
		Faces:       faces,
		Notifier:    emitter,
		Retrier:     retrier,
		Logger:      log,
		Metrics:     m,
	}, workflows.IngestOptions{
		CollectionPrefix: cfg.Storage.CollectionPrefix,
		Normalizer: workflows.Normalizer{
			MaxDimension: cfg.Image.MaxDimension,
			JPEGQuality:  cfg.Image.JPEGQuality,
		},
	})

	r.pool = worker.NewPool(worker.Deps{
		Queue:    jobs,
		Workflow: ingest,
		Source:   source,
		Notifier: emitter,
		Retrier:  retrier,
		Logger:   log,
		Metrics:  m,
	}, worker.Options{
		Concurrency:       cfg.Worker.Concurrency,
		BatchSize:         cfg.Worker.BatchSize,
		WaitTime:          cfg.Worker.WaitTime,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		PollErrorBackoff:  cfg.Worker.PollErrorBackoff,
	})

	// A worker with a DBOS database also hosts the maintenance queue, so a
	// sweep interrupted on another process is recovered here
	if cfg.DBOS.DatabaseURL != "" {
		sweeper, err := maintenance.NewSweeper(faces, sweepOptions(cfg.Maintenance), log, maintenance.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		r.runtime, err = dbosruntime.NewRuntime(ctx, dbosConfig(cfg.DBOS), log)
		if err != nil {
			return nil, err
		}
		maintenance.NewDurableSweeps(r.runtime, sweeper, faces, log)
	}

	r.uploads = handlers.NewUploadHandler(r.ctx, jobs, r.pool, r.hub, log)
	r.server = newHTTPServer(cfg.HTTPAddr, handlers.NewRouter(r.uploads, r.registry), r.cancel)

	ok = true
	return r, nil
}

// newHTTPServer runs onShutdown as soon as Shutdown begins, so handlers
// bound to the runner context (event streams) return instead of holding
// the drain open until the timeout
func newHTTPServer(addr string, h http.Handler, onShutdown func()) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(onShutdown)
	return srv
}

// Start launches the runtime, the Redis forwarder, the poll loop and the
// HTTP server
func (r *Runner) Start() error {
	if r.runtime != nil {
		if err := r.runtime.Launch(); err != nil {
			return err
		}
	}

	if r.bus != nil {
		if err := r.bus.StartForwarder(r.ctx, r.hub.Broadcast); err != nil {
			return err
		}
	}

	r.pool.Start(r.ctx)

	go func() {
		r.log.Info("face worker listening", "addr", r.server.Addr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server failed", "error", err)
			r.cancel()
		}
	}()
	return nil
}

// Done is closed when the worker stops on its own, e.g. after the HTTP
// listener failed
func (r *Runner) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Shutdown stops accepting work, waits for in-flight jobs and releases
// resources. Jobs left unacknowledged are redelivered by the queue.
func (r *Runner) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.server.Shutdown(ctx); err != nil {
		r.log.Warn("http server forced to shutdown", "error", err)
	}

	r.cancel()
	r.pool.Wait()
	r.uploads.Wait()

	if r.runtime != nil {
		r.runtime.Shutdown(timeout)
	}
	r.runCleanups()
	r.log.Info("face worker stopped")
}

func (r *Runner) runCleanups() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i]()
	}
	r.cleanups = nil
}

func sweepOptions(cfg config.MaintenanceConfig) maintenance.Options {
	return maintenance.Options{
		ChunkSize:   cfg.ChunkSize,
		MaxAttempts: cfg.MaxAttempts,
		RetryBase:   cfg.RetryBase,
		BatchDelay:  cfg.BatchDelay,
	}
}

func dbosConfig(cfg config.DBOSConfig) dbosruntime.Config {
	return dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		QueueName:          cfg.QueueName,
		ApplicationVersion: cfg.ApplicationVersion,
	}
}
