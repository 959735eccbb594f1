package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/wirekit/logging"
)

// Common errors.
var (
	// ErrAlreadyStopping indicates Shutdown was already initiated.
	ErrAlreadyStopping = errors.New("shutdown already initiated")

	// ErrTimeout indicates the sequence did not finish in time.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrStageFailed indicates at least one handler returned an error.
	ErrStageFailed = errors.New("shutdown handler failed")
)

// Stage orders teardown. Lower stages run first; handlers within a
// stage run concurrently.
type Stage int

const (
	// StageIntake stops accepting new work (transports).
	StageIntake Stage = 10

	// StageDrain finishes in-flight work (processing pipeline).
	StageDrain Stage = 20

	// StageState fails remaining protocol state (correlations).
	StageState Stage = 30

	// StageSessions completes session records.
	StageSessions Stage = 40

	// StageResources releases everything else (exporters, files).
	StageResources Stage = 50
)

// Handler is one component's teardown step. The context is cancelled
// when the overall deadline passes.
type Handler func(ctx context.Context) error

// StepResult records one handler's outcome.
type StepResult struct {
	Name     string
	Stage    Stage
	Duration time.Duration
	Err      error
}

// Report is the full teardown outcome, available after Done closes.
type Report struct {
	TotalDuration time.Duration
	Steps         []StepResult
	Err           error
}

// Failed returns the names of handlers that errored.
func (r *Report) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Err != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

// Config controls the coordinator.
type Config struct {
	// Timeout bounds the whole sequence when triggered by a signal or
	// by Stop. Default: 30 seconds.
	Timeout time.Duration

	// HaltOnError stops the sequence at the first failing stage
	// instead of running the remaining stages. Off by default.
	HaltOnError bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

type step struct {
	name    string
	stage   Stage
	handler Handler
}

// Coordinator runs registered handlers stage by stage.
type Coordinator struct {
	cfg    Config
	logger *logging.Logger

	mu    sync.Mutex
	steps []step

	once   sync.Once
	done   chan struct{}
	report Report

	sigCh chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, logger *logging.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
		sigCh:  make(chan os.Signal, 1),
	}
}

// Register adds a named handler to a stage. Not safe to call once
// Shutdown has started.
func (c *Coordinator) Register(name string, stage Stage, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, stage: stage, handler: h})
}

// RegisterCloser adapts a plain Close() error method.
func (c *Coordinator) RegisterCloser(name string, stage Stage, closeFn func() error) {
	c.Register(name, stage, func(context.Context) error { return closeFn() })
}

// Shutdown runs the sequence once. Later calls return the first run's
// error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		c.report = c.run(ctx)
		close(c.done)
	})
	if !first {
		select {
		case <-c.done:
		default:
			return ErrAlreadyStopping
		}
	}
	return c.report.Err
}

// Stop triggers the sequence with the configured timeout.
func (c *Coordinator) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals arranges for SIGTERM or SIGINT to trigger Stop.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c.sigCh
		c.logger.Info("signal received, stopping")
		c.Stop()
	}()
}

// Trigger injects a synthetic signal.
func (c *Coordinator) Trigger() {
	select {
	case c.sigCh <- syscall.SIGTERM:
	default:
	}
}

// Done closes when the sequence finishes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the report, or nil while the sequence is still
// running.
func (c *Coordinator) Result() *Report {
	select {
	case <-c.done:
		r := c.report
		return &r
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) Report {
	start := time.Now()

	c.mu.Lock()
	steps := make([]step, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].stage < steps[j].stage })

	report := Report{}
	for len(steps) > 0 {
		select {
		case <-ctx.Done():
			report.Err = ErrTimeout
			report.TotalDuration = time.Since(start)
			return report
		default:
		}

		stage := steps[0].stage
		var group []step
		for len(steps) > 0 && steps[0].stage == stage {
			group = append(group, steps[0])
			steps = steps[1:]
		}

		results := c.runStage(ctx, group)
		report.Steps = append(report.Steps, results...)

		failed := false
		for _, sr := range results {
			if sr.Err != nil {
				failed = true
				c.logger.Error("handler failed", map[string]interface{}{
					"handler": sr.Name,
					"error":   sr.Err.Error(),
				})
			}
		}
		if failed {
			if report.Err == nil {
				report.Err = ErrStageFailed
			}
			if c.cfg.HaltOnError {
				break
			}
		}
	}

	report.TotalDuration = time.Since(start)
	c.logger.Info("shutdown complete", map[string]interface{}{
		"duration": report.TotalDuration.String(),
		"steps":    len(report.Steps),
	})
	return report
}

func (c *Coordinator) runStage(ctx context.Context, group []step) []StepResult {
	results := make([]StepResult, len(group))
	var wg sync.WaitGroup
	for i, s := range group {
		wg.Add(1)
		go func(idx int, s step) {
			defer wg.Done()
			t0 := time.Now()
			err := s.handler(ctx)
			results[idx] = StepResult{
				Name:     s.name,
				Stage:    s.stage,
				Duration: time.Since(t0),
				Err:      err,
			}
		}(i, s)
	}
	wg.Wait()
	return results
}
