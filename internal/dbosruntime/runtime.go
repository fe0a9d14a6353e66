package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	_ "github.com/lib/pq"

	"github.com/tendant/face-index-pipeline/internal/logger"
)

// ErrMissingDatabaseURL is returned when no DBOS system database is configured
var ErrMissingDatabaseURL = errors.New("DBOS_SYSTEM_DATABASE_URL is required")

// Runtime manages the DBOS runtime lifecycle
type Runtime struct {
	dbosContext dbos.DBOSContext
	queue       dbos.WorkflowQueue
	config      Config
	db          *sql.DB
	log         *logger.Logger
}

// NewRuntime creates a DBOS context and the maintenance queue. Workflows must
// be registered before Launch.
func NewRuntime(ctx context.Context, cfg Config, log *logger.Logger) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	cfg.WithDefaults()

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DBOS context: %w", err)
	}

	queue := dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName)

	// Direct connection for status queries against the DBOS system tables
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open DBOS database: %w", err)
	}

	return &Runtime{
		dbosContext: dbosCtx,
		queue:       queue,
		config:      cfg,
		db:          db,
		log:         log.With("component", "DBOSRuntime"),
	}, nil
}

// Launch starts the DBOS runtime and recovers pending workflows
func (r *Runtime) Launch() error {
	if err := dbos.Launch(r.dbosContext); err != nil {
		return fmt.Errorf("failed to launch DBOS: %w", err)
	}
	r.log.Info("DBOS runtime launched", "app", r.config.AppName, "queue", r.config.QueueName)
	return nil
}

// Shutdown gracefully shuts down the DBOS runtime
func (r *Runtime) Shutdown(timeout time.Duration) {
	dbos.Shutdown(r.dbosContext, timeout)
	if r.db != nil {
		r.db.Close()
	}
}

// Context returns the DBOS context
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// QueueName returns the configured queue name
func (r *Runtime) QueueName() string {
	return r.config.QueueName
}
