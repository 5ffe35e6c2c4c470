package db

import (
	"context"

	"github.com/raphaelgruber/distill/internal/models"
)

// Store is the persistence collaborator of the pipeline and executor.
// Rows for one content item are only written by the worker running it.
type Store interface {
	CreateContent(ctx context.Context, input models.ContentInput) (*models.ContentItem, error)
	GetContent(ctx context.Context, id string) (*models.ContentItem, error)
	ListContent(ctx context.Context, ownerID string, limit int) ([]models.ContentItem, error)

	// UpdateContentStatus moves an item to status, returning
	// ErrInvalidTransition for a backwards move. A nil errMsg clears the
	// stored error.
	UpdateContentStatus(ctx context.Context, id string, status models.ProcessingStatus, errMsg *string) error

	// CompleteContent stores the derived markdown and metadata and marks
	// the item completed. An empty result title keeps the existing title.
	CompleteContent(ctx context.Context, id string, result models.ContentResult) error

	CreateJob(ctx context.Context, contentID, processor string, params map[string]any) (*models.ProcessingJob, error)
	StartJob(ctx context.Context, id string) error

	// FinishJob records the terminal state of a job. Finishing a job that
	// is already terminal returns ErrJobTerminal.
	FinishJob(ctx context.Context, id string, outcome JobOutcome) error
	GetJob(ctx context.Context, id string) (*models.ProcessingJob, error)
	ListJobs(ctx context.Context, contentID string) ([]models.ProcessingJob, error)

	// ReplaceChunks deletes every chunk of the item and inserts the given
	// ones. Chunk IDs and timestamps are assigned when empty.
	ReplaceChunks(ctx context.Context, contentID string, chunks []models.ContentChunk) error
	ListChunks(ctx context.Context, contentID string) ([]models.ContentChunk, error)

	CreateAsset(ctx context.Context, asset models.ContentAsset) (*models.ContentAsset, error)
	ListAssets(ctx context.Context, contentID string) ([]models.ContentAsset, error)
}

// JobOutcome is the terminal state written by FinishJob.
type JobOutcome struct {
	Status        models.JobStatus
	ProcessorName string
	Result        map[string]any
	ErrorMessage  *string
}
