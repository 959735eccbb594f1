package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/wirekit/logging"
)

// Common errors.
var (
	// ErrNotRunning indicates the processor has not been started.
	ErrNotRunning = errors.New("processor not running")

	// ErrAlreadyRunning indicates Start was called twice.
	ErrAlreadyRunning = errors.New("processor already running")

	// ErrShuttingDown indicates the processor no longer accepts tasks.
	ErrShuttingDown = errors.New("processor shutting down")

	// ErrBackpressure indicates every worker queue is saturated.
	ErrBackpressure = errors.New("all worker queues saturated")

	// ErrDrainTimeout indicates shutdown returned before all tasks finished.
	ErrDrainTimeout = errors.New("shutdown drain timed out")

	// ErrNilTask indicates a nil task or nil Run function.
	ErrNilTask = errors.New("nil task")
)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of worker goroutines.
	// Default: half the CPUs on machines with 4+, else NumCPU.
	Workers int

	// QueueSize bounds outstanding tasks per worker (queued plus
	// running). Default: 32.
	QueueSize int

	// ShutdownTimeout bounds how long Shutdown waits for drain.
	// Default: 5 seconds.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         defaultWorkers(),
		QueueSize:       32,
		ShutdownTimeout: 5 * time.Second,
	}
}

// defaultWorkers caps parallelism on large machines to leave capacity
// for transport I/O and the rest of the application.
func defaultWorkers() int {
	cpu := runtime.NumCPU()
	if cpu >= 4 {
		return cpu / 2
	}
	return cpu
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.New("pipeline: workers must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("pipeline: queue size must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("pipeline: shutdown timeout must be positive")
	}
	return nil
}

// Task is a single-owner unit of work. It is moved into exactly one
// worker and never shared.
type Task struct {
	// ID identifies the task in stats and logs.
	ID string

	// SessionID is the session the work originated from, if any.
	SessionID string

	// Run does the work. The context is cancelled when shutdown
	// abandons in-flight tasks.
	Run func(ctx context.Context) error
}

// Handle lets the submitter observe the task's outcome.
type Handle struct {
	taskID string
	worker int
	done   chan error
}

// TaskID returns the task's id.
func (h *Handle) TaskID() string { return h.taskID }

// Worker returns the index of the worker that owns the task.
func (h *Handle) Worker() int { return h.worker }

// Done returns a channel that receives the task's error (nil on
// success) exactly once.
func (h *Handle) Done() <-chan error { return h.done }

// WorkerStats is a snapshot of one worker's counters.
type WorkerStats struct {
	ID         int
	QueueDepth int
	Processed  uint64
	Failed     uint64
}

// Stats is a snapshot of the pool's counters.
type Stats struct {
	Submitted uint64
	Rejected  uint64
	Processed uint64
	Failed    uint64
	Workers   []WorkerStats
}

type submission struct {
	task   *Task
	handle *Handle
}

type worker struct {
	id          int
	queue       chan submission
	outstanding atomic.Int64 // queued + running
	processed   atomic.Uint64
	failed      atomic.Uint64
}

// Processor is the bounded worker pool. The per-worker queues are
// reachable only through Submit.
type Processor struct {
	cfg    Config
	logger *logging.Logger

	workers []*worker

	mu        sync.RWMutex
	started   bool
	accepting bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Uint64
	rejected  atomic.Uint64
}

// NewProcessor creates a processor. Call Start before submitting.
func NewProcessor(cfg Config, logger *logging.Logger) (*Processor, error) {
	if cfg.Workers == 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}

	p := &Processor{
		cfg:    cfg,
		logger: logger.WithComponent("pipeline"),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, &worker{
			id:    i,
			queue: make(chan submission, cfg.QueueSize),
		})
	}
	return p, nil
}

// Start launches the worker goroutines.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyRunning
	}
	p.started = true
	p.accepting = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for _, w := range p.workers {
		p.wg.Add(1)
		go p.run(w)
	}
	p.logger.Info("started", map[string]interface{}{
		"workers":    p.cfg.Workers,
		"queue_size": p.cfg.QueueSize,
	})
	return nil
}

// Submit moves the task into the least-loaded worker with a free slot.
// It never blocks: when every worker is at QueueSize outstanding tasks
// it returns ErrBackpressure immediately.
func (p *Processor) Submit(t *Task) (*Handle, error) {
	if t == nil || t.Run == nil {
		return nil, ErrNilTask
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return nil, ErrNotRunning
	}
	if !p.accepting {
		return nil, ErrShuttingDown
	}

	for _, w := range p.byLoad() {
		// Reserve a slot before enqueueing; back out if a racing
		// submitter took the last one.
		if w.outstanding.Add(1) > int64(p.cfg.QueueSize) {
			w.outstanding.Add(-1)
			continue
		}
		h := &Handle{
			taskID: t.ID,
			worker: w.id,
			done:   make(chan error, 1),
		}
		w.queue <- submission{task: t, handle: h}
		p.submitted.Add(1)
		return h, nil
	}

	p.rejected.Add(1)
	return nil, ErrBackpressure
}

// Shutdown stops intake immediately and waits up to the configured
// timeout for queued tasks to drain. Tasks still running past the
// timeout are abandoned: their context is cancelled and Shutdown
// returns ErrDrainTimeout without waiting further.
func (p *Processor) Shutdown() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if !p.accepting {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	p.accepting = false
	for _, w := range p.workers {
		close(w.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("drained")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.cancel()
		p.logger.Warn("drain timed out, abandoning in-flight tasks")
		return ErrDrainTimeout
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Processor) Stats() Stats {
	s := Stats{
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
	}
	for _, w := range p.workers {
		ws := WorkerStats{
			ID:         w.id,
			QueueDepth: int(w.outstanding.Load()),
			Processed:  w.processed.Load(),
			Failed:     w.failed.Load(),
		}
		s.Processed += ws.Processed
		s.Failed += ws.Failed
		s.Workers = append(s.Workers, ws)
	}
	return s
}

// byLoad returns the workers ordered by outstanding tasks, least first.
func (p *Processor) byLoad() []*worker {
	ordered := make([]*worker, len(p.workers))
	copy(ordered, p.workers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].outstanding.Load() < ordered[j].outstanding.Load()
	})
	return ordered
}

// run is a worker loop. It drains its queue until the queue closes at
// shutdown.
func (p *Processor) run(w *worker) {
	defer p.wg.Done()

	for sub := range w.queue {
		p.execute(w, sub)
	}
}

// execute runs one task, isolating its failure to the worker.
func (p *Processor) execute(w *worker, sub submission) {
	defer w.outstanding.Add(-1)

	err := p.safeRun(sub.task)
	if err != nil {
		w.failed.Add(1)
		p.logger.Warn("task failed", map[string]interface{}{
			"task":   sub.task.ID,
			"worker": w.id,
			"error":  err.Error(),
		})
	} else {
		w.processed.Add(1)
	}
	sub.handle.done <- err
}

// safeRun converts a panicking task into an error.
func (p *Processor) safeRun(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()
	return t.Run(p.ctx)
}
