// Package gateway runs inbound event processing in the background, off the
// request path of the channel that received the event.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/chanbridge/internal/metrics"
	"github.com/user/chanbridge/internal/types"
)

var (
	// ErrQueueFull is returned by Enqueue when the job's lane buffer is full.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrStopped is returned by Enqueue before Start or after Stop.
	ErrStopped = errors.New("dispatcher stopped")
)

const (
	DefaultMaxConcurrent = 8
	DefaultLaneBuffer    = 100
)

// Job is one unit of background work.
type Job struct {
	ID         types.JobID
	Lane       string // jobs sharing a lane run one at a time, in order
	Plugin     string
	Run        func(ctx context.Context) error
	EnqueuedAt time.Time
}

// NewJob builds a Job with a fresh id.
func NewJob(lane, plugin string, run func(ctx context.Context) error) Job {
	return Job{
		ID:         types.NewJobID(),
		Lane:       lane,
		Plugin:     plugin,
		Run:        run,
		EnqueuedAt: time.Now(),
	}
}

// Config sizes a Dispatcher.
type Config struct {
	MaxConcurrent int64 `json:"max_concurrent" yaml:"max_concurrent"`
	LaneBuffer    int   `json:"lane_buffer" yaml:"lane_buffer"`
}

// Dispatcher manages per-conversation lanes with a global concurrency
// semaphore. Each lane is a FIFO channel drained by its own goroutine, so
// jobs within a conversation run sequentially while the semaphore limits
// how many jobs run at once across all lanes. A lane goroutine exits when
// its channel drains and is recreated on the next Enqueue.
type Dispatcher struct {
	semaphore  *semaphore.Weighted
	laneBuffer int
	logger     *slog.Logger
	recorder   *metrics.Recorder

	mu      sync.Mutex
	lanes   map[string]chan Job
	running bool

	pending atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dispatcher. Zero config values fall back to defaults.
func New(cfg Config, logger *slog.Logger, recorder *metrics.Recorder) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Dispatcher{
		semaphore:  semaphore.NewWeighted(cfg.MaxConcurrent),
		laneBuffer: cfg.LaneBuffer,
		logger:     logger.With("component", "dispatcher"),
		recorder:   recorder,
		lanes:      make(map[string]chan Job),
	}
}

// Start initialises the dispatcher's context. Must be called before Enqueue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
}

// Stop rejects further jobs and waits for queued ones to finish. If ctx
// expires first, running jobs see their context cancelled and whatever is
// still queued is dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
	d.cancel()
	<-done
	return err
}

// Enqueue adds a job to its lane, creating the lane goroutine on first use.
func (d *Dispatcher) Enqueue(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrStopped
	}
	if job.ID == "" {
		job.ID = types.NewJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	lane, exists := d.lanes[job.Lane]
	if !exists {
		lane = make(chan Job, d.laneBuffer)
		d.lanes[job.Lane] = lane
		d.wg.Add(1)
		go d.processLane(job.Lane, lane)
	}

	select {
	case lane <- job:
		d.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("lane %s: %w", job.Lane, ErrQueueFull)
	}
}

// processLane drains a single lane, acquiring a semaphore slot before
// running each job.
func (d *Dispatcher) processLane(key string, lane chan Job) {
	defer d.wg.Done()
	for {
		select {
		case job := <-lane:
			if err := d.semaphore.Acquire(d.ctx, 1); err != nil {
				d.logger.Warn("job dropped", "job_id", string(job.ID), "lane", key, "error", err)
				d.pending.Add(-1)
				continue
			}
			d.supervise(job)
			d.semaphore.Release(1)
			d.pending.Add(-1)
		default:
			// Enqueue sends under d.mu, so an empty lane seen here stays
			// empty until it is removed from the map.
			d.mu.Lock()
			if len(lane) > 0 {
				d.mu.Unlock()
				continue
			}
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
	}
}

// supervise runs a job, turning errors and panics into log lines and
// failure counts.
func (d *Dispatcher) supervise(job Job) {
	log := d.logger.With("job_id", string(job.ID), "lane", job.Lane, "plugin", job.Plugin)
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
			d.recorder.DispatchFailure(d.ctx, job.Plugin)
		}
	}()

	start := time.Now()
	if err := job.Run(d.ctx); err != nil {
		log.Error("job failed", "error", err, "duration", time.Since(start))
		d.recorder.DispatchFailure(d.ctx, job.Plugin)
		return
	}
	d.recorder.Dispatched(d.ctx, job.Plugin)
	log.Debug("job done", "queued_for", start.Sub(job.EnqueuedAt), "duration", time.Since(start))
}

// WaitIdle blocks until no jobs are queued or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (d *Dispatcher) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if d.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Lanes returns the number of lanes with a live goroutine.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}
