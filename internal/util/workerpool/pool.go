package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"go.uber.org/zap"
)

// Job is a unit of work run by the pool. Done, when set, receives the
// result of Fn.
type Job struct {
	ID   string
	Fn   func(context.Context) error
	Done func(error)
}

// WorkerPool runs jobs on a bounded set of goroutines. Jobs run with the
// context given to NewWorkerPool, which Stop cancels once the workers
// have drained or the stop timeout expires.
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	jobs       chan Job
	logger     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	activeWorkers atomic.Int32
	totalJobs     atomic.Uint64
	completedJobs atomic.Uint64
	failedJobs    atomic.Uint64
	rejectedJobs  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(ctx context.Context, cfg *Config) *WorkerPool {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCtx, cancel := context.WithCancel(ctx)
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: maxWorkers,
		queueSize:  queueSize,
		jobs:       make(chan Job, queueSize),
		logger:     logger.With(zap.String("pool", cfg.Name)),
		ctx:        poolCtx,
		cancel:     cancel,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.Int("max_workers", maxWorkers),
		zap.Int("queue_size", queueSize))
	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// Drain what was accepted before Stop
			for {
				select {
				case job := <-p.jobs:
					p.run(id, job)
				default:
					return
				}
			}
		case job := <-p.jobs:
			p.run(id, job)
		}
	}
}

func (p *WorkerPool) run(workerID int, job Job) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	start := time.Now()
	err := p.safeExecute(job)

	if err != nil {
		p.failedJobs.Add(1)
		p.logger.Error("Job failed",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		p.completedJobs.Add(1)
		p.logger.Debug("Job completed",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Duration("duration", time.Since(start)))
	}

	if job.Done != nil {
		job.Done(err)
	}
}

// safeExecute runs a job with panic recovery
func (p *WorkerPool) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("job %s panicked: %v", job.ID, r), nil)
			p.logger.Error("Job panic recovered",
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
		}
	}()
	return job.Fn(p.ctx)
}

func (p *WorkerPool) stopped() bool {
	select {
	case <-p.stopChan:
		return true
	default:
		return false
	}
}

// Submit queues a job without blocking. It fails when the pool is stopped
// or the queue is full.
func (p *WorkerPool) Submit(job Job) error {
	if p.stopped() {
		p.rejectedJobs.Add(1)
		return errors.InternalError(fmt.Sprintf("worker pool %s is stopped", p.name), nil)
	}

	select {
	case p.jobs <- job:
		p.totalJobs.Add(1)
		return nil
	default:
		p.rejectedJobs.Add(1)
		return errors.ResourceExhausted("worker pool "+p.name+" queue", len(p.jobs), p.queueSize)
	}
}

// SubmitWithContext queues a job, blocking until it is accepted or ctx is done
func (p *WorkerPool) SubmitWithContext(ctx context.Context, job Job) error {
	if p.stopped() {
		p.rejectedJobs.Add(1)
		return errors.InternalError(fmt.Sprintf("worker pool %s is stopped", p.name), nil)
	}

	select {
	case <-p.stopChan:
		p.rejectedJobs.Add(1)
		return errors.InternalError(fmt.Sprintf("worker pool %s is stopped", p.name), nil)
	case <-ctx.Done():
		p.rejectedJobs.Add(1)
		return ctx.Err()
	case p.jobs <- job:
		p.totalJobs.Add(1)
		return nil
	}
}

// Stop stops accepting jobs and waits for queued jobs to finish
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully")
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout")
		}
		p.cancel()
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(p.activeWorkers.Load()),
		QueueSize:     p.queueSize,
		QueuedJobs:    len(p.jobs),
		TotalJobs:     p.totalJobs.Load(),
		CompletedJobs: p.completedJobs.Load(),
		FailedJobs:    p.failedJobs.Load(),
		RejectedJobs:  p.rejectedJobs.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name          string
	MaxWorkers    int
	ActiveWorkers int
	QueueSize     int
	QueuedJobs    int
	TotalJobs     uint64
	CompletedJobs uint64
	FailedJobs    uint64
	RejectedJobs  uint64
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.QueuedJobs) / float64(s.QueueSize) * 100.0
}

// SuccessRate returns the job success rate as a percentage
func (s Stats) SuccessRate() float64 {
	if s.TotalJobs == 0 {
		return 100.0
	}
	return float64(s.CompletedJobs) / float64(s.TotalJobs) * 100.0
}
