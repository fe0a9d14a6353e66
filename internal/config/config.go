package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Object store backends
const (
	ObjectStoreS3       = "s3"
	ObjectStoreEmbedded = "embedded"
)

type Config struct {
	AWS         AWSConfig         `yaml:"aws"`
	Storage     StorageConfig     `yaml:"storage"`
	Worker      WorkerConfig      `yaml:"worker"`
	Image       ImageConfig       `yaml:"image"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Notify      NotifyConfig      `yaml:"notify"`
	DBOS        DBOSConfig        `yaml:"dbos"`
	HTTPAddr    string            `yaml:"http_addr"`
	LogMode     string            `yaml:"log_mode"`
}

type AWSConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // optional, e.g. http://localhost:4566 for localstack
}

type StorageConfig struct {
	ObjectStore      string `yaml:"object_store"` // s3 or embedded
	PhotoBucket      string `yaml:"photo_bucket"`
	FaceTable        string `yaml:"face_table"`
	QueueURL         string `yaml:"queue_url"`
	CollectionPrefix string `yaml:"collection_prefix"`
	ContentDir       string `yaml:"content_dir"` // embedded object store data directory
	UploadDir        string `yaml:"upload_dir"`  // base directory of job file references
}

type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	BatchSize         int           `yaml:"batch_size"`
	WaitTime          time.Duration `yaml:"wait_time"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PipelineBudget    time.Duration `yaml:"pipeline_budget"` // longest a single job is expected to take
	StepMaxAttempts   int           `yaml:"step_max_attempts"`
	StepRetryBase     time.Duration `yaml:"step_retry_base"`
	PollErrorBackoff  time.Duration `yaml:"poll_error_backoff"`
}

type ImageConfig struct {
	MaxDimension int `yaml:"max_dimension"`
	JPEGQuality  int `yaml:"jpeg_quality"`
}

type MaintenanceConfig struct {
	ChunkSize   int           `yaml:"chunk_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	BatchDelay  time.Duration `yaml:"batch_delay"`
}

type NotifyConfig struct {
	RedisAddr    string `yaml:"redis_addr"` // empty keeps notifications in-process
	RedisChannel string `yaml:"redis_channel"`
}

type DBOSConfig struct {
	DatabaseURL        string `yaml:"database_url"`
	QueueName          string `yaml:"queue_name"`
	ApplicationVersion string `yaml:"application_version"`
}

// Load reads configuration from the environment, then overlays the YAML file
// named by FACEPIPE_CONFIG when set. Defaults are applied last.
func Load() (*Config, error) {
	cfg := fromEnv()
	if path := strings.TrimSpace(os.Getenv("FACEPIPE_CONFIG")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.WithDefaults()
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		AWS: AWSConfig{
			Region:   os.Getenv("AWS_REGION"),
			Endpoint: os.Getenv("AWS_ENDPOINT_URL"),
		},
		Storage: StorageConfig{
			ObjectStore:      os.Getenv("OBJECT_STORE"),
			PhotoBucket:      os.Getenv("PHOTO_BUCKET"),
			FaceTable:        os.Getenv("FACE_TABLE"),
			QueueURL:         os.Getenv("QUEUE_URL"),
			CollectionPrefix: os.Getenv("COLLECTION_PREFIX"),
			ContentDir:       os.Getenv("CONTENT_STORAGE_DIR"),
			UploadDir:        os.Getenv("UPLOAD_DIR"),
		},
		Worker: WorkerConfig{
			Concurrency:       envInt("WORKER_CONCURRENCY", 0),
			BatchSize:         envInt("WORKER_BATCH_SIZE", 0),
			WaitTime:          envDuration("WORKER_WAIT_TIME", 0),
			VisibilityTimeout: envDuration("WORKER_VISIBILITY_TIMEOUT", 0),
			PipelineBudget:    envDuration("WORKER_PIPELINE_BUDGET", 0),
			StepMaxAttempts:   envInt("WORKER_STEP_MAX_ATTEMPTS", 0),
			StepRetryBase:     envDuration("WORKER_STEP_RETRY_BASE", 0),
			PollErrorBackoff:  envDuration("WORKER_POLL_ERROR_BACKOFF", 0),
		},
		Image: ImageConfig{
			MaxDimension: envInt("IMAGE_MAX_DIMENSION", 0),
			JPEGQuality:  envInt("IMAGE_JPEG_QUALITY", 0),
		},
		Maintenance: MaintenanceConfig{
			ChunkSize:   envInt("MAINT_CHUNK_SIZE", 0),
			MaxAttempts: envInt("MAINT_MAX_ATTEMPTS", 0),
			RetryBase:   envDuration("MAINT_RETRY_BASE", 0),
			BatchDelay:  envDuration("MAINT_BATCH_DELAY", -1),
		},
		Notify: NotifyConfig{
			RedisAddr:    os.Getenv("REDIS_ADDR"),
			RedisChannel: os.Getenv("REDIS_CHANNEL"),
		},
		DBOS: DBOSConfig{
			DatabaseURL:        os.Getenv("DBOS_SYSTEM_DATABASE_URL"),
			QueueName:          os.Getenv("DBOS_QUEUE_NAME"),
			ApplicationVersion: os.Getenv("DBOS_APPLICATION_VERSION"),
		},
		HTTPAddr: os.Getenv("HTTP_ADDR"),
		LogMode:  os.Getenv("LOG_MODE"),
	}
}

// overlayFile decodes a YAML file on top of the current values; keys absent
// from the file keep what the environment set.
func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.Storage.ObjectStore == "" {
		c.Storage.ObjectStore = ObjectStoreS3
	}
	if c.Storage.CollectionPrefix == "" {
		c.Storage.CollectionPrefix = "event-"
	}
	if c.Storage.ContentDir == "" {
		c.Storage.ContentDir = "./dev-data"
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = "./uploads"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 5
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 10
	}
	if c.Worker.WaitTime == 0 {
		c.Worker.WaitTime = 20 * time.Second
	}
	if c.Worker.VisibilityTimeout == 0 {
		c.Worker.VisibilityTimeout = 60 * time.Second
	}
	if c.Worker.PipelineBudget == 0 {
		c.Worker.PipelineBudget = 25 * time.Second
	}
	if c.Worker.StepMaxAttempts == 0 {
		c.Worker.StepMaxAttempts = 3
	}
	if c.Worker.StepRetryBase == 0 {
		c.Worker.StepRetryBase = 200 * time.Millisecond
	}
	if c.Worker.PollErrorBackoff == 0 {
		c.Worker.PollErrorBackoff = 5 * time.Second
	}
	if c.Image.MaxDimension == 0 {
		c.Image.MaxDimension = 1024
	}
	if c.Image.JPEGQuality == 0 {
		c.Image.JPEGQuality = 85
	}
	if c.Maintenance.ChunkSize == 0 {
		c.Maintenance.ChunkSize = 10
	}
	if c.Maintenance.MaxAttempts == 0 {
		c.Maintenance.MaxAttempts = 10
	}
	if c.Maintenance.RetryBase == 0 {
		c.Maintenance.RetryBase = 100 * time.Millisecond
	}
	// -1 means unset; an explicit 0 disables the delay
	if c.Maintenance.BatchDelay < 0 {
		c.Maintenance.BatchDelay = 500 * time.Millisecond
	}
	if c.Notify.RedisChannel == "" {
		c.Notify.RedisChannel = "upload-progress"
	}
	if c.DBOS.QueueName == "" {
		c.DBOS.QueueName = "maintenance"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8081"
	}
	if c.LogMode == "" {
		c.LogMode = "development"
	}
}

// Validate checks the settings the worker needs to start.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.QueueURL == "" {
		errs = append(errs, errors.New("QUEUE_URL is required"))
	}
	if c.Storage.FaceTable == "" {
		errs = append(errs, errors.New("FACE_TABLE is required"))
	}
	switch c.Storage.ObjectStore {
	case ObjectStoreS3:
		if c.Storage.PhotoBucket == "" {
			errs = append(errs, errors.New("PHOTO_BUCKET is required when OBJECT_STORE=s3"))
		}
	case ObjectStoreEmbedded:
	default:
		errs = append(errs, fmt.Errorf("unknown OBJECT_STORE %q", c.Storage.ObjectStore))
	}
	if err := c.Worker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Maintenance.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the worker tunables, including that a leased job cannot
// outlive its lease while waiting for a slot: every job of one poll must
// finish within the visibility timeout.
func (w WorkerConfig) Validate() error {
	if w.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1, got %d", w.Concurrency)
	}
	if w.BatchSize < 1 || w.BatchSize > 10 {
		return fmt.Errorf("worker batch size must be within [1,10], got %d", w.BatchSize)
	}
	if w.WaitTime < 0 || w.WaitTime > 20*time.Second {
		return fmt.Errorf("worker wait time must be within [0s,20s], got %s", w.WaitTime)
	}
	if w.StepMaxAttempts < 1 {
		return fmt.Errorf("worker step max attempts must be >= 1, got %d", w.StepMaxAttempts)
	}
	if required := w.RequiredVisibility(); w.VisibilityTimeout < required {
		return fmt.Errorf(
			"visibility timeout %s is shorter than ceil(batch %d / concurrency %d) x pipeline budget %s = %s",
			w.VisibilityTimeout, w.BatchSize, w.Concurrency, w.PipelineBudget, required,
		)
	}
	return nil
}

// RequiredVisibility is the smallest visibility timeout that covers a full
// poll batch draining through the worker slots.
func (w WorkerConfig) RequiredVisibility() time.Duration {
	if w.Concurrency < 1 {
		return 0
	}
	waves := (w.BatchSize + w.Concurrency - 1) / w.Concurrency
	return time.Duration(waves) * w.PipelineBudget
}

func (m MaintenanceConfig) Validate() error {
	if m.ChunkSize < 1 || m.ChunkSize > 25 {
		return fmt.Errorf("maintenance chunk size must be within [1,25], got %d", m.ChunkSize)
	}
	if m.MaxAttempts < 1 {
		return fmt.Errorf("maintenance max attempts must be >= 1, got %d", m.MaxAttempts)
	}
	return nil
}

// envInt reads an environment variable as a positive integer, returning def
// when it is unset or invalid.
func envInt(key string, def int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

// envDuration accepts Go durations ("750ms") or plain seconds ("20").
func envDuration(key string, def time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
