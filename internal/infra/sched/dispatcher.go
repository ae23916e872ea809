package sched

import (
	"context"
	"time"

	"plate-solver-service/internal/domain/ports/repository"
	"plate-solver-service/internal/infra/metrics"
	"plate-solver-service/internal/infra/worker"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

const (
	// popTimeout bounds the blocking queue pop so the loop can re-check the
	// ceiling and the context.
	popTimeout = 1 * time.Second
	// backpressureWait is how long the loop sleeps while at the ceiling.
	backpressureWait = 500 * time.Millisecond
	// storeRetryWait is the fixed backoff after a store error.
	storeRetryWait = 1 * time.Second
)

// Processor runs one admitted job to completion, including its terminal
// record write and slot release.
type Processor interface {
	Process(ctx context.Context, jobID string)
}

// Dispatcher is the single admission loop: it pops job IDs off the FIFO queue
// while the active counter is below the ceiling and hands them to execution
// units. Exactly one Dispatcher runs per process; the check-then-increment
// window is only safe under that assumption.
type Dispatcher struct {
	queue   repository.Queue
	counter repository.Counter
	procSet repository.ProcessingSet
	pool    *worker.Pool
	proc    Processor
	ceiling int64
	log     *zerolog.Logger
}

func NewDispatcher(
	queue repository.Queue,
	counter repository.Counter,
	procSet repository.ProcessingSet,
	pool *worker.Pool,
	proc Processor,
	ceiling int,
	logger *zerolog.Logger,
) *Dispatcher {
	dispLog := logger.With().Str("component", "Dispatcher").Logger()
	return &Dispatcher{
		queue:   queue,
		counter: counter,
		procSet: procSet,
		pool:    pool,
		proc:    proc,
		ceiling: int64(ceiling),
		log:     &dispLog,
	}
}

// Run drives the loop until ctx is cancelled. Store outages are never fatal:
// the loop logs, sleeps a fixed interval and retries.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Int64("ceiling", d.ceiling).Msg("Starting dispatcher")
	bo := backoff.NewConstantBackOff(storeRetryWait)

	for {
		if err := ctx.Err(); err != nil {
			d.log.Info().Msg("Stopping dispatcher")
			return err
		}

		active, err := d.counter.Active(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("store unreachable, backing off")
			if !sleep(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		metrics.SetActiveJobs(active)

		if active >= d.ceiling {
			// Nothing is popped while saturated, so keep the depth gauge live
			// from here.
			if n, err := d.queue.Len(ctx); err == nil {
				metrics.SetQueueDepth(n)
			}
			if !sleep(ctx, backpressureWait) {
				return ctx.Err()
			}
			continue
		}

		id, err := d.queue.BPop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				d.log.Info().Msg("Stopping dispatcher")
				return ctx.Err()
			}
			d.log.Error().Err(err).Msg("queue pop failed, backing off")
			if !sleep(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		if id == "" {
			// Pop timed out with an empty queue; refresh the depth gauge.
			if n, err := d.queue.Len(ctx); err == nil {
				metrics.SetQueueDepth(n)
			}
			continue
		}

		d.admit(ctx, id)
	}
}

// admit commits the dispatch decision: counter up, processing set entry,
// execution unit launched fire-and-forget.
func (d *Dispatcher) admit(ctx context.Context, id string) {
	if err := d.counter.Incr(ctx); err != nil {
		// The job is already popped; processing it uncounted beats losing it.
		d.log.Error().Err(err).Str("job_id", id).Msg("could not increment active counter")
	}
	if err := d.procSet.Add(ctx, id); err != nil {
		d.log.Error().Err(err).Str("job_id", id).Msg("could not enter processing set")
	}

	jobID := id
	if err := d.pool.Submit(func(taskCtx context.Context) error {
		d.proc.Process(taskCtx, jobID)
		return nil
	}); err != nil {
		// Should not happen while the pool is sized to the ceiling. Undo the
		// admission and requeue; the job loses its FIFO position but survives.
		d.log.Error().Err(err).Str("job_id", id).Msg("could not hand job to pool, requeueing")
		if derr := d.counter.Decr(ctx); derr != nil {
			d.log.Error().Err(derr).Str("job_id", id).Msg("could not roll back counter")
		}
		if rerr := d.procSet.Remove(ctx, id); rerr != nil {
			d.log.Error().Err(rerr).Str("job_id", id).Msg("could not roll back processing set")
		}
		if _, perr := d.queue.Push(ctx, id); perr != nil {
			d.log.Error().Err(perr).Str("job_id", id).Msg("could not requeue job")
		}
		return
	}

	d.log.Debug().Str("job_id", id).Msg("job admitted")
}

// sleep waits for dur or context cancellation; false means cancelled.
func sleep(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
