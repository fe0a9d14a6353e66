package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Job represents one uploaded image waiting to be indexed
type Job struct {
	EventID            string `json:"eventId"`
	ClientConnectionID string `json:"clientConnectionId"`
	FileReference      string `json:"fileReference"`
	OriginalName       string `json:"originalName"`
	MimeType           string `json:"mimeType"`
}

var (
	// ErrMissingEventID is returned when a job has no event id
	ErrMissingEventID = errors.New("eventId is required")

	// ErrMissingClientConnectionID is returned when a job has no client connection id
	ErrMissingClientConnectionID = errors.New("clientConnectionId is required")

	// ErrMissingFileReference is returned when a job has no file reference
	ErrMissingFileReference = errors.New("fileReference is required")

	// ErrInvalidEventID is returned when an event id cannot name a face collection
	ErrInvalidEventID = errors.New("eventId may only contain letters, digits, '_', '.' and '-'")
)

// eventIDPattern is the character set face collection ids accept
var eventIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Validate checks the fields a job needs before it may be enqueued
func (j Job) Validate() error {
	if strings.TrimSpace(j.EventID) == "" {
		return ErrMissingEventID
	}
	if !eventIDPattern.MatchString(j.EventID) {
		return fmt.Errorf("%w: %q", ErrInvalidEventID, j.EventID)
	}
	if strings.TrimSpace(j.ClientConnectionID) == "" {
		return ErrMissingClientConnectionID
	}
	if strings.TrimSpace(j.FileReference) == "" {
		return ErrMissingFileReference
	}
	return nil
}

// Name returns the original file name, falling back to the file reference's base name
func (j Job) Name() string {
	if name := strings.TrimSpace(j.OriginalName); name != "" {
		return name
	}
	return filepath.Base(j.FileReference)
}

// Status is the stage reported in a progress event
type Status string

// Status constants
const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further events follow for the job
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Event names pushed over the notification channel
const (
	EventUploadProgress = "uploadProgress"
	EventUploadComplete = "uploadComplete"
	EventUploadError    = "uploadError"
)

// ProgressEvent is pushed to the uploading client; it is never persisted
type ProgressEvent struct {
	ClientConnectionID string `json:"clientConnectionId"`
	EventID            string `json:"eventId"`
	File               string `json:"file,omitempty"`
	Progress           int    `json:"progress"`
	Status             Status `json:"status"`
	Error              string `json:"error,omitempty"`

	// Set on completed events
	FacesDetected *bool `json:"facesDetected,omitempty"`
	FaceCount     int   `json:"faceCount,omitempty"`

	// Set only for jobs submitted as one cohesive batch
	Processed int `json:"processed,omitempty"`
	Total     int `json:"total,omitempty"`
}

// EventName maps a status to the notification event it is sent as
func (e ProgressEvent) EventName() string {
	switch e.Status {
	case StatusCompleted:
		return EventUploadComplete
	case StatusError:
		return EventUploadError
	default:
		return EventUploadProgress
	}
}

// UploadResponse is returned when a single job is accepted
type UploadResponse struct {
	MessageID string `json:"message_id"`
}

// BatchRequest submits several files of one upload as a cohesive batch
type BatchRequest struct {
	Jobs []Job `json:"jobs"`
}

// ErrEmptyBatch is returned when a batch carries no jobs
var ErrEmptyBatch = errors.New("batch has no jobs")

// Validate checks every job; the first failure is reported with its index
func (b BatchRequest) Validate() error {
	if len(b.Jobs) == 0 {
		return ErrEmptyBatch
	}
	for i, j := range b.Jobs {
		if err := j.Validate(); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
	}
	return nil
}

// BatchResponse is returned when a cohesive batch is accepted
type BatchResponse struct {
	BatchID string `json:"batch_id"`
	Total   int    `json:"total"`
}

// BoundingBox is a face position as ratios of the image size, each in [0,1]
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FaceRecord is the persisted metadata of one detected face.
// (EventID, FaceID) is unique; FaceID is issued by the face index.
type FaceRecord struct {
	EventID         string      `json:"eventId"`
	FaceID          string      `json:"faceId"`
	ImageLocator    string      `json:"imageLocator"`
	ExternalImageID string      `json:"externalImageId,omitempty"`
	BoundingBox     BoundingBox `json:"boundingBox"`
	Confidence      float64     `json:"confidence"`
	IndexedAt       string      `json:"indexedAt,omitempty"`
}
