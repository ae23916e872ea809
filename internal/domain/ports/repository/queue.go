package repository

import (
	"context"
	"time"
)

// Queue is the FIFO of job IDs awaiting admission. A job ID is in the queue
// iff its record status is "queued".
type Queue interface {
	// Push appends a job ID and returns the resulting queue length.
	Push(ctx context.Context, id string) (int64, error)
	// BPop blocks up to timeout for the head of the queue. Returns "" and a
	// nil error when nothing arrived within the timeout.
	BPop(ctx context.Context, timeout time.Duration) (string, error)
	// Remove deletes a job ID from the queue. Removing an ID that was already
	// popped is not an error.
	Remove(ctx context.Context, id string) error
	// Position returns the 1-based position of the ID, or 0 if not queued.
	// Best-effort: racy under concurrent mutation, advisory only.
	Position(ctx context.Context, id string) (int, error)
	Len(ctx context.Context) (int64, error)
}

// Counter tracks the number of jobs currently processing, shared across
// processes. A crash between Incr and Decr leaks one slot until the process
// group restarts; acceptable under the single-dispatcher assumption.
type Counter interface {
	Active(ctx context.Context) (int64, error)
	Incr(ctx context.Context) error
	Decr(ctx context.Context) error
}

// ProcessingSet mirrors the IDs currently held by running execution units.
// Observability only; never consulted for admission decisions.
type ProcessingSet interface {
	Add(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Members(ctx context.Context) ([]string, error)
}

// Pinger reports store reachability for health probes.
type Pinger interface {
	Ping(ctx context.Context) error
}
