package main

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultJobTimeout is the wall-clock budget of a single job attempt.
const DefaultJobTimeout = 10 * time.Second

// PoolConfig bounds a WorkerPool.
type PoolConfig struct {
	MinWorkers int
	MaxWorkers int

	// JobTimeout is the deadline of each attempt. Zero means DefaultJobTimeout.
	JobTimeout time.Duration

	// RetryLimit caps how many times a timed-out job is run again.
	// Zero retries forever.
	RetryLimit int

	// RetryBackoff is slept between a timeout and the next attempt.
	RetryBackoff time.Duration

	// IdleTimeout lets workers above MinWorkers exit after sitting idle this
	// long. Zero keeps every spawned worker until shutdown.
	IdleTimeout time.Duration
}

// Validate checks the pool bounds.
func (c PoolConfig) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	if c.MinWorkers < 0 || c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("min workers must be between 0 and %d", c.MaxWorkers)
	}
	if c.JobTimeout < 0 || c.RetryBackoff < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("retry limit must not be negative")
	}
	return nil
}

// PoolStats is a snapshot of the pool counters taken under its lock.
type PoolStats struct {
	Min       int
	Max       int
	Spawned   int
	Running   int
	Waiting   int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Retried   uint64
	Discarded uint64
	Rejected  uint64
}

type queuedJob struct {
	id  uint64
	job Job
}

type worker struct {
	id int
}

// WorkerPool runs Jobs on an elastic set of worker goroutines.
//
// All state lives behind one mutex with two conditions: notFull wakes
// producers blocked in Push, notEmpty wakes idle workers.
type WorkerPool struct {
	cfg PoolConfig
	log logrus.FieldLogger

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	queue    []queuedJob
	workers  map[int]*worker
	spawned  int
	running  int
	waiting  int
	shutdown bool
	graceful bool

	nextWorkerID int
	nextJobID    uint64

	submitted uint64
	completed uint64
	failed    uint64
	retried   uint64
	discarded uint64
	rejected  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool and starts cfg.MinWorkers idle workers.
func NewWorkerPool(cfg PoolConfig, log logrus.FieldLogger) (*WorkerPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		cfg:     cfg,
		log:     log.WithField("component", "pool"),
		workers: make(map[int]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.notFull = sync.NewCond(&p.mu)
	p.notEmpty = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	return p, nil
}

// Push enqueues job. It blocks while running plus queued work is at
// MaxWorkers, and returns ErrPoolClosed once either shutdown has begun.
func (p *WorkerPool) Push(job Job) error {
	if job == nil {
		return ErrNilJob
	}

	p.mu.Lock()
	for !p.closedLocked() && p.running+len(p.queue) >= p.cfg.MaxWorkers {
		p.notFull.Wait()
	}
	if p.closedLocked() {
		p.rejected++
		p.mu.Unlock()
		discardJob(job, ErrPoolClosed)
		return ErrPoolClosed
	}

	p.nextJobID++
	p.queue = append(p.queue, queuedJob{id: p.nextJobID, job: job})
	p.submitted++

	if len(p.queue) > p.waiting && p.spawned < p.cfg.MaxWorkers {
		p.spawnLocked()
	} else {
		p.notEmpty.Signal()
	}
	p.mu.Unlock()
	return nil
}

// GracefulShutdown stops admission, lets the workers drain the queue and
// waits for them to exit.
func (p *WorkerPool) GracefulShutdown() {
	p.mu.Lock()
	p.graceful = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	p.mu.Unlock()

	p.log.Info("graceful shutdown requested")
	p.Join()
}

// Shutdown stops admission, drops every queued job that has not started,
// cancels the context of jobs in flight and waits for the workers to exit.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	dropped := p.queue
	p.queue = nil
	p.discarded += uint64(len(dropped))
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	p.mu.Unlock()

	p.cancel()
	for _, qj := range dropped {
		discardJob(qj.job, ErrPoolClosed)
	}

	p.log.WithField("dropped", len(dropped)).Info("hard shutdown requested")
	p.Join()
}

// Join waits for every worker to terminate. Without a prior shutdown call it
// blocks for as long as the pool is alive.
func (p *WorkerPool) Join() {
	p.wg.Wait()
}

// Stats returns a consistent snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Min:       p.cfg.MinWorkers,
		Max:       p.cfg.MaxWorkers,
		Spawned:   p.spawned,
		Running:   p.running,
		Waiting:   p.waiting,
		Queued:    len(p.queue),
		Submitted: p.submitted,
		Completed: p.completed,
		Failed:    p.failed,
		Retried:   p.retried,
		Discarded: p.discarded,
		Rejected:  p.rejected,
	}
}

func (p *WorkerPool) closedLocked() bool {
	return p.shutdown || p.graceful
}

func (p *WorkerPool) spawnLocked() {
	w := &worker{id: p.nextWorkerID}
	p.nextWorkerID++
	p.workers[w.id] = w
	p.spawned++
	p.wg.Add(1)
	go p.work(w)
}

// work is the worker loop: IDLE -> RUNNING -> IDLE until told to terminate.
func (p *WorkerPool) work(w *worker) {
	defer p.wg.Done()
	log := p.log.WithField("worker", w.id)
	log.Debug("worker started")

	p.mu.Lock()
	for {
		qj, ok := p.nextJobLocked()
		if !ok {
			break
		}
		p.running++
		p.mu.Unlock()

		p.execute(w, qj, log.WithField("job", qj.id))

		p.mu.Lock()
		p.running--
		p.notFull.Signal()
	}
	p.spawned--
	delete(p.workers, w.id)
	p.mu.Unlock()

	log.Debug("worker terminated")
}

// nextJobLocked blocks until a job is available and dequeues it. It reports
// false when the worker should terminate instead.
func (p *WorkerPool) nextJobLocked() (queuedJob, bool) {
	idleSince := time.Now()
	for len(p.queue) == 0 {
		if p.shutdown || p.graceful {
			return queuedJob{}, false
		}
		shrinkable := p.cfg.IdleTimeout > 0 && p.spawned > p.cfg.MinWorkers
		if shrinkable && time.Since(idleSince) >= p.cfg.IdleTimeout {
			return queuedJob{}, false
		}

		p.waiting++
		if shrinkable {
			t := time.AfterFunc(p.cfg.IdleTimeout-time.Since(idleSince), func() {
				p.mu.Lock()
				p.notEmpty.Broadcast()
				p.mu.Unlock()
			})
			p.notEmpty.Wait()
			t.Stop()
		} else {
			p.notEmpty.Wait()
		}
		p.waiting--
	}
	if p.shutdown {
		return queuedJob{}, false
	}

	qj := p.queue[0]
	p.queue[0] = queuedJob{}
	p.queue = p.queue[1:]
	return qj, true
}

// execute runs one job until it completes, fails, or may no longer be retried.
func (p *WorkerPool) execute(w *worker, qj queuedJob, log logrus.FieldLogger) {
	for attempt := 1; ; attempt++ {
		log.Debugf("worker %d is processing", w.id)
		overran, err := p.runOnce(w, qj)
		if err == nil {
			// A job that ignored its deadline still finished; keep the result
			// but record the overrun.
			if overran {
				log.Warn(p.timeoutError(w, qj, attempt).Error())
			}
			log.Debugf("worker %d finished processing", w.id)
			p.count(&p.completed)
			return
		}

		if !errors.Is(err, context.DeadlineExceeded) {
			if errors.Is(err, context.Canceled) {
				log.WithError(err).Info("job cancelled by shutdown")
				discardJob(qj.job, ErrPoolClosed)
			} else {
				log.WithError(err).Error("job failed")
			}
			p.count(&p.failed)
			return
		}

		log.Warn(p.timeoutError(w, qj, attempt).Error())

		p.mu.Lock()
		stopped := p.shutdown
		p.mu.Unlock()
		switch {
		case stopped:
			p.count(&p.failed)
			discardJob(qj.job, ErrPoolClosed)
			return
		case p.cfg.RetryLimit > 0 && attempt > p.cfg.RetryLimit:
			p.count(&p.failed)
			discardJob(qj.job, ErrRetriesExhausted)
			return
		}

		p.count(&p.retried)
		if p.cfg.RetryBackoff > 0 {
			select {
			case <-time.After(p.cfg.RetryBackoff):
			case <-p.ctx.Done():
			}
		}
	}
}

// runOnce runs a single attempt. overran reports that the attempt returned
// only after its deadline had passed.
func (p *WorkerPool) runOnce(w *worker, qj queuedJob) (overran bool, err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %d panicked: %v\n%s", qj.id, r, debug.Stack())
		}
		overran = errors.Is(ctx.Err(), context.DeadlineExceeded)
	}()
	return false, qj.job.Run(ctx, w.id)
}

func (p *WorkerPool) timeoutError(w *worker, qj queuedJob, attempt int) *JobTimeoutError {
	return &JobTimeoutError{
		JobID:    qj.id,
		WorkerID: w.id,
		Attempt:  attempt,
		Timeout:  p.cfg.JobTimeout.String(),
	}
}

func (p *WorkerPool) count(c *uint64) {
	p.mu.Lock()
	*c++
	p.mu.Unlock()
}
