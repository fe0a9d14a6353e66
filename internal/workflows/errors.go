package workflows

import "errors"

var (
	// ErrInvalidJob is returned when a job fails validation
	ErrInvalidJob = errors.New("invalid job")

	// ErrDecode is returned when the source is not a decodable image
	ErrDecode = errors.New("image decode failed")

	// ErrStepFailed wraps the error of the pipeline step that aborted a job
	ErrStepFailed = errors.New("pipeline step failed")
)
