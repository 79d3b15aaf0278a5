package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/metrics"
)

var ErrUnknownKind = errors.New("jobs: no handler for kind")

type Handler func(ctx context.Context, j Job) error

// Policy bounds how often a failing job runs. MaxAttempts counts the first run.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

var Once = Policy{MaxAttempts: 1}

// Exponential returns base, 2*base, 4*base... for attempts 1, 2, 3...
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	}
}

type registration struct {
	handler Handler
	policy  Policy
}

// Pool dispatches jobs to registered handlers with bounded concurrency.
// Failed jobs with attempts left are re-enqueued after their backoff;
// exhausted jobs are dead-lettered.
type Pool struct {
	mu       sync.RWMutex
	handlers map[Kind]registration
	retry    Queue
	logger   zerolog.Logger
}

func NewPool(retry Queue, logger zerolog.Logger) *Pool {
	return &Pool{handlers: make(map[Kind]registration), retry: retry, logger: logger}
}

func (p *Pool) Register(kind Kind, h Handler, policy Policy) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = registration{handler: h, policy: policy}
}

// Run executes deliveries on concurrency goroutines until ctx is done or in closes.
func (p *Pool) Run(ctx context.Context, in <-chan Delivery, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	work := make(chan Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range work {
				p.process(ctx, workerID, d)
			}
		}(i)
	}

	defer func() {
		close(work)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("worker pool shutting down")
			return
		case d, ok := <-in:
			if !ok {
				p.logger.Info().Msg("delivery channel closed")
				return
			}
			select {
			case work <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, d Delivery) {
	err := p.Handle(ctx, d.Job)
	if err != nil {
		p.logger.Error().Err(err).
			Int("worker", workerID).
			Str("job_id", d.Job.ID).
			Str("kind", string(d.Job.Kind)).
			Msg("job dead-lettered")
		if d.Nack != nil {
			_ = d.Nack()
		}
		return
	}
	if d.Ack != nil {
		if err := d.Ack(); err != nil {
			p.logger.Warn().Err(err).Int("worker", workerID).Str("job_id", d.Job.ID).Msg("ack failed")
		}
	}
}

// Handle runs one job. A nil return means the job is finished for this
// delivery, either done or re-enqueued for a later attempt. A non-nil return
// means attempts are exhausted.
func (p *Pool) Handle(ctx context.Context, j Job) error {
	p.mu.RLock()
	reg, ok := p.handlers[j.Kind]
	p.mu.RUnlock()
	if !ok {
		metrics.JobsProcessed.WithLabelValues(string(j.Kind), "unknown").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownKind, j.Kind)
	}

	start := time.Now()
	err := runSafe(ctx, reg.handler, j)
	cost := time.Since(start)
	metrics.JobDuration.WithLabelValues(string(j.Kind)).Observe(cost.Seconds())

	if err == nil {
		metrics.JobsProcessed.WithLabelValues(string(j.Kind), "ok").Inc()
		if cost > 2*time.Second {
			p.logger.Warn().Str("job_id", j.ID).Str("kind", string(j.Kind)).Dur("cost", cost).Msg("slow job")
		}
		return nil
	}

	attempt := j.Attempt + 1
	if attempt < reg.policy.MaxAttempts && p.retry != nil {
		var delay time.Duration
		if reg.policy.Backoff != nil {
			delay = reg.policy.Backoff(attempt)
		}
		next := j
		next.Attempt = attempt
		qerr := p.retry.EnqueueIn(ctx, next, delay)
		if qerr == nil {
			metrics.JobsProcessed.WithLabelValues(string(j.Kind), "retry").Inc()
			p.logger.Warn().Err(err).
				Str("job_id", j.ID).
				Str("kind", string(j.Kind)).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("job failed, retrying")
			return nil
		}
		p.logger.Error().Err(qerr).Str("job_id", j.ID).Msg("retry enqueue failed")
	}

	metrics.JobsProcessed.WithLabelValues(string(j.Kind), "failed").Inc()
	return fmt.Errorf("job %s (%s) failed after %d attempt(s): %w", j.ID, j.Kind, attempt, err)
}

func runSafe(ctx context.Context, h Handler, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, j)
}
