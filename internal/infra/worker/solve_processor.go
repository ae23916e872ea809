package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"plate-solver-service/internal/domain/model"
	"plate-solver-service/internal/domain/ports/repository"
	"plate-solver-service/internal/infra/logging"
	"plate-solver-service/internal/infra/metrics"
	"plate-solver-service/internal/infra/solver"

	"github.com/rs/zerolog"
)

// SolveProcessor is the execution unit for one admitted job: it marks the
// record processing, runs the solver, writes the terminal record and releases
// the processing slot. One job's failure never propagates to the dispatcher.
type SolveProcessor struct {
	jobs    repository.JobRepository
	counter repository.Counter
	procSet repository.ProcessingSet
	runner  *solver.Runner
	log     *zerolog.Logger
}

func NewSolveProcessor(
	jobs repository.JobRepository,
	counter repository.Counter,
	procSet repository.ProcessingSet,
	runner *solver.Runner,
	logger *zerolog.Logger,
) *SolveProcessor {
	procLog := logger.With().Str("component", "SolveProcessor").Logger()
	return &SolveProcessor{
		jobs:    jobs,
		counter: counter,
		procSet: procSet,
		runner:  runner,
		log:     &procLog,
	}
}

// Process runs one job to completion. The slot release (counter decrement and
// processing-set removal) is deferred so it happens on every exit path; it
// uses a background context because the request context may be long gone.
func (p *SolveProcessor) Process(ctx context.Context, jobID string) {
	ctx = logging.WithJobID(ctx, jobID)
	log := logging.With(ctx, p.log)

	defer func() {
		bg := context.Background()
		if err := p.counter.Decr(bg); err != nil {
			log.Error().Err(err).Msg("could not decrement active counter")
		}
		if err := p.procSet.Remove(bg, jobID); err != nil {
			log.Error().Err(err).Msg("could not leave processing set")
		}
	}()

	job, err := p.jobs.Find(ctx, jobID)
	if err != nil {
		// Record expired between pop and here; nothing to finalize.
		log.Warn().Err(err).Msg("admitted job has no record")
		return
	}

	started := time.Now()
	if err := p.jobs.MarkProcessing(ctx, jobID, started); err != nil {
		log.Error().Err(err).Msg("could not mark job processing")
		return
	}
	log.Info().Str("filename", job.Filename).Msg("processing job")

	result := p.solve(ctx, job)
	elapsed := time.Since(started)

	status := model.JobStatusCompleted
	if result.Reason == model.ReasonInternalError {
		status = model.JobStatusFailed
	}

	// Finalize with a background context so a cancelled request context
	// cannot leave the record stuck in processing.
	if err := p.jobs.Finalize(context.Background(), jobID, status, time.Now(), result); err != nil {
		log.Error().Err(err).Msg("could not write terminal record")
	}

	metrics.IncSolveJob(string(status), string(result.Reason))
	metrics.ObserveSolveDuration(elapsed.Seconds(), result.Solved)
	log.Info().
		Str("status", string(status)).
		Bool("solved", result.Solved).
		Dur("duration", elapsed).
		Msg("job finished")
}

// solve wraps the runner call with input cleanup and panic containment.
// The input artifact is removed on every exit path.
func (p *SolveProcessor) solve(ctx context.Context, job *model.Job) (result *model.SolveResult) {
	defer func() {
		if job.ImagePath != "" {
			if err := os.Remove(job.ImagePath); err != nil && !os.IsNotExist(err) {
				p.log.Warn().Err(err).Str("path", job.ImagePath).Msg("could not remove input artifact")
			}
		}
		if r := recover(); r != nil {
			p.log.Error().Str("job_id", job.ID).Interface("panic", r).Msg("solve panicked")
			result = &model.SolveResult{
				Reason: model.ReasonInternalError,
				Error:  fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	return p.runner.Solve(ctx, job.ImagePath, job.Options)
}
