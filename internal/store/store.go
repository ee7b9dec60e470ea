package store

import (
	"context"

	"github.com/seantiz/npurt/internal/model"
)

// ListFilter narrows ListJobs. Empty fields match everything.
type ListFilter struct {
	RunnerID string
	Status   model.JobStatus
	Mode     string
}

// Store defines the persistence operations for the job journal. It
// satisfies engine.Journal.
type Store interface {
	CreateJob(ctx context.Context, r *model.JobRecord) error
	UpdateJob(ctx context.Context, r *model.JobRecord) error
	GetJob(ctx context.Context, runnerID string, jobID uint32) (*model.JobRecord, error)
	ListJobs(ctx context.Context, filter ListFilter, limit, offset int) ([]*model.JobRecord, int, error)
	GetJobStats(ctx context.Context) (*model.JobStats, error)
	Close() error
}
