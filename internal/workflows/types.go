package workflows

import (
	"context"

	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// WorkflowContext contains context for one workflow run
type WorkflowContext struct {
	Ctx   context.Context
	Job   pipeline.Job
	RunID string // queue message id, or batch id plus index
}

// WorkflowResult contains the result of a successful run
type WorkflowResult struct {
	Key           string
	Locator       string
	CollectionID  string
	FaceCount     int
	FacesWritten  int
	FacesDetected bool
}

// Workflow defines the interface for processing one job
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}
