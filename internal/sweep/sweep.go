// Package sweep runs the periodic maintenance tasks (session expiry,
// assignment expiry, cache purge) under a suture supervisor with an explicit
// start and stop.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"warden.dev/internal/obs"
)

var (
	ErrRunning     = errors.New("sweep: scheduler already running")
	ErrUnknownTask = errors.New("sweep: unknown task")
)

// Task is one periodic job. Run reports how many rows it changed.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Config tunes the supervisor. Zero values take the defaults.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

type Scheduler struct {
	cfg   Config
	log   zerolog.Logger
	mu    sync.Mutex
	tasks map[string]Task

	cancel context.CancelFunc
	done   <-chan error
}

type Option func(*Scheduler)

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		def := DefaultConfig()
		if cfg.FailureThreshold <= 0 {
			cfg.FailureThreshold = def.FailureThreshold
		}
		if cfg.FailureDecay <= 0 {
			cfg.FailureDecay = def.FailureDecay
		}
		if cfg.FailureBackoff <= 0 {
			cfg.FailureBackoff = def.FailureBackoff
		}
		if cfg.ShutdownTimeout <= 0 {
			cfg.ShutdownTimeout = def.ShutdownTimeout
		}
		s.cfg = cfg
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:   DefaultConfig(),
		log:   obs.Component("sweep"),
		tasks: make(map[string]Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task. Tasks added after Start run from the next Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("sweep: task needs a name and a run func")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("sweep: task %s: interval must be positive", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[t.Name]; dup {
		return fmt.Errorf("sweep: task %s already registered", t.Name)
	}
	s.tasks[t.Name] = t
	return nil
}

// Tasks returns the registered task names in order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches every task under a fresh supervisor and returns at once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	sup := suture.New("warden-sweep", suture.Spec{
		EventHook: func(e suture.Event) {
			s.log.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: s.cfg.FailureThreshold,
		FailureDecay:     s.cfg.FailureDecay,
		FailureBackoff:   s.cfg.FailureBackoff,
		Timeout:          s.cfg.ShutdownTimeout,
	})
	for _, t := range s.tasks {
		sup.Add(&service{task: t, sched: s})
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = sup.ServeBackground(runCtx)
	s.log.Info().Int("tasks", len(s.tasks)).Msg("sweeps started")
	return nil
}

// Stop cancels the supervisor and waits for every task to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := <-done
	s.log.Info().Msg("sweeps stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce executes the named task immediately, outside the supervisor.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t Task) (int, error) {
	start := time.Now()
	n, err := t.Run(ctx)
	if err != nil {
		obs.SweepRuns.WithLabelValues(t.Name, "error").Inc()
		s.log.Error().Err(err).Str("task", t.Name).Msg("sweep failed")
		return n, err
	}
	obs.SweepRuns.WithLabelValues(t.Name, "ok").Inc()
	obs.SweepAffected.WithLabelValues(t.Name).Add(float64(n))
	if n > 0 {
		s.log.Info().Str("task", t.Name).Int("affected", n).Dur("took", time.Since(start)).Msg("sweep done")
	}
	return n, nil
}

type service struct {
	task  Task
	sched *Scheduler
}

func (svc *service) String() string { return "sweep/" + svc.task.Name }

// Serve ticks until ctx ends. A failed run is logged and retried on the next
// tick; only a panic escapes to the supervisor.
func (svc *service) Serve(ctx context.Context) error {
	ticker := time.NewTicker(svc.task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = svc.sched.run(ctx, svc.task)
		}
	}
}
