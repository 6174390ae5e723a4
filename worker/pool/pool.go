package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"geoTransform/api/metrics"
	"geoTransform/worker/converter"
)

var (
	ErrPoolClosed   = errors.New("worker pool is shut down")
	ErrDuplicateJob = errors.New("a job for this ticket is already in flight")
)

// Job is one deferred transformation, bound to a ticket. RequestedAt and
// InputSize mirror the ticket row so completion can be recorded without
// reading it back.
type Job struct {
	TicketID    string
	SourcePath  string
	TargetDir   string
	Options     converter.Options
	RequestedAt time.Time
	InputSize   int64
}

// Result is what a worker reports for a job. ResultPath is set only on
// success; Comment only on failure.
type Result struct {
	TicketID    string
	ResultPath  string
	Success     bool
	Comment     string
	Duration    time.Duration
	RequestedAt time.Time
	InputSize   int64
}

// RunFunc executes a job and returns the path of the produced artifact.
type RunFunc func(ctx context.Context, job Job) (string, error)

// CompletionFunc receives every job's result exactly once.
type CompletionFunc func(ctx context.Context, res Result)

// Handle resolves once the job's completion callback has returned.
type Handle struct {
	done   chan struct{}
	result Result
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job is completed or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// WorkerPool runs at most maxWorkers jobs at a time. Submit never waits
// for a free worker: each job parks on the semaphore in its own
// goroutine, and parked goroutines are woken in arrival order.
type WorkerPool struct {
	sem        chan struct{}
	wg         sync.WaitGroup
	run        RunFunc
	onComplete CompletionFunc
	logger     *zap.Logger

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
}

func NewWorkerPool(maxWorkers int, run RunFunc, onComplete CompletionFunc, logger *zap.Logger) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		sem:        make(chan struct{}, maxWorkers),
		run:        run,
		onComplete: onComplete,
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}
}

func (p *WorkerPool) Size() int {
	return cap(p.sem)
}

func (p *WorkerPool) Submit(job Job) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if _, ok := p.inflight[job.TicketID]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.TicketID)
	}
	p.inflight[job.TicketID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	h := &Handle{done: make(chan struct{})}
	metrics.JobsQueued.Inc()
	go p.execute(job, h)

	p.logger.Debug("Job submitted", zap.String("ticket", job.TicketID))
	return h, nil
}

func (p *WorkerPool) execute(job Job, h *Handle) {
	defer p.wg.Done()
	defer close(h.done)
	defer p.forget(job.TicketID)

	p.sem <- struct{}{}
	metrics.JobsQueued.Dec()

	h.result = p.runJob(job)
	p.complete(h.result)
}

func (p *WorkerPool) runJob(job Job) (res Result) {
	metrics.JobsRunning.Inc()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Transformer panicked",
				zap.String("ticket", job.TicketID),
				zap.Any("panic", r),
			)
			res = Result{TicketID: job.TicketID, Comment: fmt.Sprintf("transform panicked: %v", r)}
		}
		res.RequestedAt = job.RequestedAt
		res.InputSize = job.InputSize
		res.Duration = time.Since(start)
		metrics.TransformDuration.WithLabelValues("deferred", string(job.Options.SrcType)).Observe(res.Duration.Seconds())
		metrics.JobsRunning.Dec()
		<-p.sem
	}()

	path, err := p.run(context.Background(), job)
	switch {
	case err != nil:
		return Result{TicketID: job.TicketID, Comment: err.Error()}
	case path == "":
		return Result{TicketID: job.TicketID, Comment: "transformer produced no result"}
	}
	return Result{TicketID: job.TicketID, ResultPath: path, Success: true}
}

func (p *WorkerPool) complete(res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Completion handler panicked",
				zap.String("ticket", res.TicketID),
				zap.Any("panic", r),
			)
		}
	}()

	metrics.JobsCompleted.WithLabelValues(metrics.Outcome(res.Success)).Inc()
	if p.onComplete != nil {
		p.onComplete(context.Background(), res)
	}
}

func (p *WorkerPool) forget(ticketID string) {
	p.mu.Lock()
	delete(p.inflight, ticketID)
	p.mu.Unlock()
}

// Shutdown rejects further submissions and waits for queued and running
// jobs to finish, or for ctx to end.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
