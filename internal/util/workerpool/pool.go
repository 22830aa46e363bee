package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/distcache/internal/metrics"
	"go.uber.org/zap"
)

// Task is one unit of drain work
type Task struct {
	ID string
	// Key selects the lane; tasks with the same key run one at a time in submission order
	Key int
	Fn  func(context.Context) error
}

// lane is a single worker goroutine and its queue
type lane struct {
	tasks  chan Task
	busy   atomic.Bool
	served atomic.Uint64
}

// WorkerPool runs tasks on a fixed set of lanes. A key always maps to the same
// lane, so the drains of one partition never overlap while different
// partitions proceed in parallel.
type WorkerPool struct {
	name    string
	lanes   []*lane
	depth   int
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	// QueueSize is the capacity of each lane
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewWorkerPool creates a pool and starts its lanes
func NewWorkerPool(cfg *Config) *WorkerPool {
	workers, depth := cfg.MaxWorkers, cfg.QueueSize
	if workers <= 0 {
		workers = 10
	}
	if depth <= 0 {
		depth = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:    cfg.Name,
		lanes:   make([]*lane, workers),
		depth:   depth,
		metrics: cfg.Metrics,
		logger:  logger.With(zap.String("pool", cfg.Name)),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := range pool.lanes {
		l := &lane{tasks: make(chan Task, depth)}
		pool.lanes[i] = l
		pool.wg.Add(1)
		go pool.run(i, l)
	}

	pool.logger.Info("Worker pool started",
		zap.Int("lanes", workers),
		zap.Int("lane_depth", depth))
	return pool
}

func (p *WorkerPool) run(id int, l *lane) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-l.tasks:
			l.busy.Store(true)
			p.execute(id, task)
			l.busy.Store(false)
			l.served.Add(1)
		}
	}
}

func (p *WorkerPool) execute(laneID int, task Task) {
	start := time.Now()
	err := p.protect(task)

	if err != nil {
		p.metrics.RecordDrainTask(p.name, "failed", p.queued())
		p.failed.Add(1)
		p.logger.Debug("Task failed",
			zap.Int("lane", laneID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.metrics.RecordDrainTask(p.name, "completed", p.queued())
	p.completed.Add(1)
}

// protect runs a task, turning a panic into an error so the lane survives
func (p *WorkerPool) protect(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
			p.logger.Error("Task panic recovered",
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

func (p *WorkerPool) laneFor(key int) *lane {
	if key < 0 {
		key = -key
	}
	return p.lanes[key%len(p.lanes)]
}

func (p *WorkerPool) reject(reason string) error {
	p.rejected.Add(1)
	p.metrics.RecordDrainTask(p.name, "rejected", p.queued())
	return fmt.Errorf("worker pool '%s' %s", p.name, reason)
}

// Submit queues a task without blocking. It fails when the task's lane is
// full or the pool is stopped; the caller decides when to try again.
func (p *WorkerPool) Submit(task Task) error {
	if p.ctx.Err() != nil {
		return p.reject("is stopped")
	}

	select {
	case p.laneFor(task.Key).tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return p.reject("lane is full")
	}
}

// Stop cancels the context handed to running tasks and waits for the lanes to exit.
// Queued tasks are discarded.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.logger.Info("Stopping worker pool")
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped")
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.Duration("timeout", timeout))
		}
	})
	return err
}

func (p *WorkerPool) queued() int {
	n := 0
	for _, l := range p.lanes {
		n += len(l.tasks)
	}
	return n
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	busy := 0
	for _, l := range p.lanes {
		if l.busy.Load() {
			busy++
		}
	}
	return Stats{
		Name:           p.name,
		Lanes:          len(p.lanes),
		BusyLanes:      busy,
		Capacity:       p.depth * len(p.lanes),
		QueuedTasks:    p.queued(),
		SubmittedTasks: p.submitted.Load(),
		CompletedTasks: p.completed.Load(),
		FailedTasks:    p.failed.Load(),
		RejectedTasks:  p.rejected.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	Lanes          int
	BusyLanes      int
	Capacity       int
	QueuedTasks    int
	SubmittedTasks uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// QueueUtilization returns the share of lane capacity in use, as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.QueuedTasks) / float64(s.Capacity) * 100.0
}
