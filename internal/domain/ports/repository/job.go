package repository

import (
	"context"
	"time"

	"plate-solver-service/internal/domain/model"
)

// JobRepository is the port for job record persistence. Records carry a
// retention TTL set once at creation; transitions never extend it.
type JobRepository interface {
	// Create stores a new queued job and arms its retention expiry.
	Create(ctx context.Context, job *model.Job, retention time.Duration) error
	Find(ctx context.Context, id string) (*model.Job, error)
	// MarkProcessing records the queued->processing transition and startedAt.
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error
	// Finalize writes the terminal status, completedAt and result in one update.
	Finalize(ctx context.Context, id string, status model.JobStatus, completedAt time.Time, result *model.SolveResult) error
	SetStatus(ctx context.Context, id string, status model.JobStatus) error
}
