package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		Storage: StorageConfig{
			PhotoBucket: "photos",
			FaceTable:   "faces",
			QueueURL:    "https://sqs.us-east-1.amazonaws.com/123/uploads",
		},
		Maintenance: MaintenanceConfig{BatchDelay: -1},
	}
	cfg.WithDefaults()
	return cfg
}

func TestWithDefaults(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, 20*time.Second, cfg.Worker.WaitTime)
	assert.Equal(t, 60*time.Second, cfg.Worker.VisibilityTimeout)
	assert.Equal(t, 1024, cfg.Image.MaxDimension)
	assert.Equal(t, 100*time.Millisecond, cfg.Maintenance.RetryBase)
	assert.Equal(t, 10, cfg.Maintenance.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Maintenance.BatchDelay)
	assert.Equal(t, "event-", cfg.Storage.CollectionPrefix)
	assert.Equal(t, ObjectStoreS3, cfg.Storage.ObjectStore)
	assert.NoError(t, cfg.Validate())
}

func TestExplicitZeroBatchDelayIsKept(t *testing.T) {
	cfg := &Config{Maintenance: MaintenanceConfig{BatchDelay: 0}}
	cfg.WithDefaults()
	assert.Equal(t, time.Duration(0), cfg.Maintenance.BatchDelay)
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := &Config{}
	cfg.WithDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_URL")
	assert.Contains(t, err.Error(), "FACE_TABLE")
	assert.Contains(t, err.Error(), "PHOTO_BUCKET")

	cfg.Storage.ObjectStore = "ftp"
	assert.Contains(t, cfg.Validate().Error(), `unknown OBJECT_STORE "ftp"`)
}

func TestVisibilityInvariant(t *testing.T) {
	w := WorkerConfig{
		Concurrency:       5,
		BatchSize:         10,
		WaitTime:          20 * time.Second,
		VisibilityTimeout: 60 * time.Second,
		PipelineBudget:    25 * time.Second,
		StepMaxAttempts:   3,
	}
	assert.Equal(t, 50*time.Second, w.RequiredVisibility())
	assert.NoError(t, w.Validate())

	w.Concurrency = 2
	assert.Equal(t, 125*time.Second, w.RequiredVisibility())
	err := w.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visibility timeout")

	w.VisibilityTimeout = 130 * time.Second
	assert.NoError(t, w.Validate())
}

func TestWorkerBounds(t *testing.T) {
	base := validConfig().Worker

	w := base
	w.BatchSize = 11
	assert.Error(t, w.Validate())

	w = base
	w.WaitTime = 30 * time.Second
	assert.Error(t, w.Validate())

	m := MaintenanceConfig{ChunkSize: 26, MaxAttempts: 1}
	assert.Error(t, m.Validate())
}

func TestLoadFromEnvAndFile(t *testing.T) {
	t.Setenv("QUEUE_URL", "https://queue")
	t.Setenv("FACE_TABLE", "faces")
	t.Setenv("PHOTO_BUCKET", "photos")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WORKER_WAIT_TIME", "5")
	t.Setenv("MAINT_RETRY_BASE", "250ms")

	path := filepath.Join(t.TempDir(), "facepipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  batch_size: 4\nmaintenance:\n  chunk_size: 5\n"), 0o600))
	t.Setenv("FACEPIPE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Worker.WaitTime)
	assert.Equal(t, 4, cfg.Worker.BatchSize)
	assert.Equal(t, 5, cfg.Maintenance.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Maintenance.RetryBase)
	assert.Equal(t, "faces", cfg.Storage.FaceTable)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("FACEPIPE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
