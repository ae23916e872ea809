package usecase

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"plate-solver-service/internal/config"
	"plate-solver-service/internal/domain"
	"plate-solver-service/internal/domain/model"
	"plate-solver-service/internal/domain/ports/repository"
	"plate-solver-service/internal/infra/logging"
	"plate-solver-service/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// allowedExtensions is the artifact type allow-list for submissions.
var allowedExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true,
	"fit": true, "fits": true,
	"tif": true, "tiff": true,
}

// AllowedExtensions lists the accepted artifact types in a stable order.
func AllowedExtensions() []string {
	return []string{"png", "jpg", "jpeg", "fit", "fits", "tif", "tiff"}
}

// QueueStatus is the observability snapshot of the scheduling state. It is
// advisory: the values are read independently and may be mutually stale.
type QueueStatus struct {
	Queued         int64
	Processing     int64
	ProcessingJobs []string
	MaxConcurrent  int
}

// HealthStatus reports reachability of the service's collaborators.
type HealthStatus struct {
	SolverPresent   bool
	DatabasePresent bool
	StoreConnected  bool
}

func (h HealthStatus) Healthy() bool {
	return h.SolverPresent && h.DatabasePresent && h.StoreConnected
}

// JobUseCase implements submission, polling, cancellation and introspection
// over the job store and queue.
type JobUseCase struct {
	jobs    repository.JobRepository
	queue   repository.Queue
	counter repository.Counter
	procSet repository.ProcessingSet
	store   repository.Pinger

	solverCLI string
	dataDir   string
	tempDir   string
	maxUpload int64
	retention time.Duration
	ceiling   int
	log       *zerolog.Logger
}

func NewJobUseCase(
	jobs repository.JobRepository,
	queue repository.Queue,
	counter repository.Counter,
	procSet repository.ProcessingSet,
	store repository.Pinger,
	cfg *config.Config,
	logger *zerolog.Logger,
) *JobUseCase {
	ucLog := logger.With().Str("component", "JobUseCase").Logger()
	return &JobUseCase{
		jobs:      jobs,
		queue:     queue,
		counter:   counter,
		procSet:   procSet,
		store:     store,
		solverCLI: cfg.Solver.CLIPath,
		dataDir:   cfg.Solver.DataDir,
		tempDir:   cfg.Jobs.TempDir,
		maxUpload: cfg.Jobs.MaxUploadBytes,
		retention: cfg.Jobs.Retention,
		ceiling:   cfg.Jobs.MaxConcurrent,
		log:       &ucLog,
	}
}

// Submit validates and stores the artifact, creates the queued record and
// appends it to the FIFO. Returns the job and its queue length at insertion,
// which doubles as the advisory position.
func (uc *JobUseCase) Submit(ctx context.Context, filename string, artifact io.Reader, opts model.SolveOptions) (*model.Job, int64, error) {
	defer logging.TraceDuration(uc.log, "JobUseCase.Submit")()
	if filename == "" || artifact == nil {
		return nil, 0, fmt.Errorf("%w: no file provided", domain.ErrInvalidInput)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !allowedExtensions[ext] {
		return nil, 0, fmt.Errorf("%w: file type %q not allowed", domain.ErrInvalidInput, ext)
	}

	id := uuid.NewString()
	path := filepath.Join(uc.tempDir, id+"_"+sanitizeFilename(filename))
	size, err := uc.saveArtifact(path, artifact)
	if err != nil {
		return nil, 0, err
	}
	if size == 0 {
		_ = os.Remove(path)
		return nil, 0, fmt.Errorf("%w: empty file", domain.ErrInvalidInput)
	}

	job := &model.Job{
		ID:        id,
		Status:    model.JobStatusQueued,
		Filename:  filepath.Base(filename),
		ImagePath: path,
		Options:   opts,
		CreatedAt: time.Now(),
	}
	if err := uc.jobs.Create(ctx, job, uc.retention); err != nil {
		_ = os.Remove(path)
		return nil, 0, fmt.Errorf("create job record: %w", err)
	}
	pos, err := uc.queue.Push(ctx, id)
	if err != nil {
		_ = os.Remove(path)
		return nil, 0, fmt.Errorf("enqueue job: %w", err)
	}

	metrics.SetQueueDepth(pos)
	uc.log.Info().Str("job_id", id).Str("filename", job.Filename).Int64("queue_position", pos).Msg("job submitted")
	return job, pos, nil
}

// Get returns the record and, for queued jobs, the advisory 1-based queue
// position (0 when the position could not be determined).
func (uc *JobUseCase) Get(ctx context.Context, id string) (*model.Job, int, error) {
	job, err := uc.jobs.Find(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	pos := 0
	if job.Status == model.JobStatusQueued {
		// Best-effort scan; a concurrent pop between Find and here just
		// yields a stale position.
		if p, err := uc.queue.Position(ctx, id); err == nil {
			pos = p
		}
	}
	return job, pos, nil
}

// Cancel moves a still-queued job to cancelled and releases its artifact.
// Statuses only move forward: if the dispatcher popped the ID in the
// meantime, the queue removal is a no-op and the job proceeds.
func (uc *JobUseCase) Cancel(ctx context.Context, id string) error {
	job, err := uc.jobs.Find(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusQueued {
		return fmt.Errorf("%w: status is %s", domain.ErrInvalidState, job.Status)
	}
	if err := uc.queue.Remove(ctx, id); err != nil {
		return fmt.Errorf("dequeue job: %w", err)
	}
	if err := uc.jobs.SetStatus(ctx, id, model.JobStatusCancelled); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if job.ImagePath != "" {
		if err := os.Remove(job.ImagePath); err != nil && !os.IsNotExist(err) {
			uc.log.Warn().Err(err).Str("path", job.ImagePath).Msg("could not remove cancelled artifact")
		}
	}
	uc.log.Info().Str("job_id", id).Msg("job cancelled")
	return nil
}

// QueueStatus reads the queue length, counter and processing set.
func (uc *JobUseCase) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	queued, err := uc.queue.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	active, err := uc.counter.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	members, err := uc.procSet.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	metrics.SetQueueDepth(queued)
	metrics.SetActiveJobs(active)
	return &QueueStatus{
		Queued:         queued,
		Processing:     active,
		ProcessingJobs: members,
		MaxConcurrent:  uc.ceiling,
	}, nil
}

// Health probes the solver binary, the star database and the store.
func (uc *JobUseCase) Health(ctx context.Context) HealthStatus {
	var h HealthStatus
	if _, err := os.Stat(uc.solverCLI); err == nil {
		h.SolverPresent = true
	}
	if entries, err := os.ReadDir(uc.dataDir); err == nil && len(entries) > 0 {
		h.DatabasePresent = true
	}
	if err := uc.store.Ping(ctx); err == nil {
		h.StoreConnected = true
	}
	return h
}

// SolverCLI returns the configured solver path for the health payload.
func (uc *JobUseCase) SolverCLI() string { return uc.solverCLI }

// DataDir returns the configured star-database path for the health payload.
func (uc *JobUseCase) DataDir() string { return uc.dataDir }

// MaxConcurrent returns the configured ceiling for the index payload.
func (uc *JobUseCase) MaxConcurrent() int { return uc.ceiling }

// Retention returns the record retention window for the index payload.
func (uc *JobUseCase) Retention() time.Duration { return uc.retention }

// saveArtifact streams the upload to path, enforcing the size ceiling.
func (uc *JobUseCase) saveArtifact(path string, artifact io.Reader) (int64, error) {
	if err := os.MkdirAll(uc.tempDir, 0o755); err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("store artifact: %w", err)
	}
	defer f.Close()

	// Read one byte past the limit to detect oversize uploads.
	n, err := io.Copy(f, io.LimitReader(artifact, uc.maxUpload+1))
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("store artifact: %w", err)
	}
	if n > uc.maxUpload {
		_ = os.Remove(path)
		return 0, fmt.Errorf("%w: limit is %d bytes", domain.ErrPayloadTooLarge, uc.maxUpload)
	}
	return n, nil
}

// sanitizeFilename keeps only characters safe for a scratch-directory name.
func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}
