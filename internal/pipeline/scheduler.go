package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tphakala/dspfirmware/internal/logging"
	"github.com/tphakala/dspfirmware/internal/perrors"
)

// DefaultHostDrainTimeout and DefaultDMADrainTimeout are the spec §4.4
// cancellation drain defaults.
const (
	DefaultHostDrainTimeout = 50 * time.Millisecond
	DefaultDMADrainTimeout  = 1333 * time.Microsecond
)

// SchedulerConfig carries the tunables the scheduler needs beyond what each
// pipeline/component already declares.
type SchedulerConfig struct {
	XrunRecoveryLimit int
	HostDrainTimeout  time.Duration
	DMADrainTimeout   time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.XrunRecoveryLimit <= 0 {
		c.XrunRecoveryLimit = 8
	}
	if c.HostDrainTimeout <= 0 {
		c.HostDrainTimeout = DefaultHostDrainTimeout
	}
	if c.DMADrainTimeout <= 0 {
		c.DMADrainTimeout = DefaultDMADrainTimeout
	}
	return c
}

// llTask is the scheduler's bookkeeping for one LL (timer) pipeline.
type llTask struct {
	pipeline *Pipeline
	ticker   *time.Ticker
	stop     chan struct{}
	done     chan struct{}
	running  sync.Mutex // held for the duration of one tick, prevents re-entry
}

// dpTask is the scheduler's bookkeeping for one DP-domain module.
type dpTask struct {
	component *Component
	adapter   *ModuleAdapter
	periodUs  int
	stop      chan struct{}
	done      chan struct{}
}

// Scheduler dispatches pipeline copy passes across the LL and DP domains,
// per spec §4.4. One Scheduler serves a whole process; pipelines and DP
// tasks are added before Run. Tasks added while Run is in progress are
// recorded but not started until the next Run.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *slog.Logger

	mu      sync.Mutex
	llTasks []*llTask
	dpTasks []*dpTask
	running bool
	metrics *MetricsCollector
	health  *HealthMonitor
}

// NewScheduler builds a scheduler bound to the given metrics collector (nil
// uses the process-wide default).
func NewScheduler(cfg SchedulerConfig, metrics *MetricsCollector) *Scheduler {
	if metrics == nil {
		metrics = DefaultMetricsCollector()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		logger:  logging.ForService("pipeline.scheduler"),
		metrics: metrics,
		health:  NewHealthMonitor(HealthMonitorConfig{}),
	}
}

// AddPipeline registers a pipeline for LL timer dispatch. The pipeline must
// already be in PipelineReady state (Complete has been called).
func (s *Scheduler) AddPipeline(p *Pipeline) error {
	if p.State() != PipelineReady && p.State() != PipelineActive {
		return ErrInvalidTransition
	}
	s.health.Track(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.llTasks = append(s.llTasks, &llTask{pipeline: p})
	// Priority ordering: lower value runs first within a tick when multiple
	// pipelines share a core's tick boundary.
	sort.SliceStable(s.llTasks, func(i, j int) bool {
		return s.llTasks[i].pipeline.Priority < s.llTasks[j].pipeline.Priority
	})
	return nil
}

// AddDPModule registers a DP-domain module-adapter component for
// work-stealing pool dispatch, with its own derived period.
func (s *Scheduler) AddDPModule(c *Component, adapter *ModuleAdapter, periodUs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dpTasks = append(s.dpTasks, &dpTask{component: c, adapter: adapter, periodUs: periodUs})
}

// Run starts all registered LL and DP tasks and blocks until ctx is
// cancelled, at which point every task is given its drain timeout to finish
// its in-flight pass before being forced to stop.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	llTasks := append([]*llTask(nil), s.llTasks...)
	dpTasks := append([]*dpTask(nil), s.dpTasks...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range llTasks {
		wg.Add(1)
		go s.runLLTask(ctx, t, &wg)
	}
	for _, t := range dpTasks {
		wg.Add(1)
		go s.runDPTask(ctx, t, &wg)
	}
	wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) runLLTask(ctx context.Context, t *llTask, wg *sync.WaitGroup) {
	defer wg.Done()

	period := time.Duration(t.pipeline.PeriodUs) * time.Microsecond
	if period <= 0 {
		period = time.Millisecond
	}
	t.ticker = time.NewTicker(period)
	defer t.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainLLTask(t)
			return
		case <-t.ticker.C:
			s.tickLL(t)
		}
	}
}

// tickLL runs one LL pass: strict topological order, deadline tracked, xrun
// recorded on miss, never blocking past the pipeline's deadline.
func (s *Scheduler) tickLL(t *llTask) {
	// running is held only for the duration of one tick: the scheduler
	// never re-enters a pipeline's copy while a prior pass is in flight.
	if !t.running.TryLock() {
		return
	}
	defer t.running.Unlock()

	if t.pipeline.State() != PipelineActive {
		return
	}

	start := time.Now()
	deadline := time.Duration(t.pipeline.DeadlineUs) * time.Microsecond

	var tickErr error
	for _, c := range t.pipeline.Order() {
		if c.State() != StateActive {
			continue
		}
		if err := c.Copy(); err != nil && !IsPathStop(err) {
			tickErr = err
			break
		}
	}

	elapsed := time.Since(start)
	s.metrics.ObserveTickDuration(t.pipeline.ID, elapsed)

	if tickErr != nil || (deadline > 0 && elapsed > deadline) {
		s.recordXrun(t.pipeline, tickErr, elapsed, deadline)
		return
	}
	t.pipeline.ClearXrun()
	s.health.NoteCleanTick(t.pipeline.ID)
}

func (s *Scheduler) recordXrun(p *Pipeline, cause error, elapsed, deadline time.Duration) {
	s.metrics.IncXrun(p.ID)
	if deadline > 0 && elapsed > deadline {
		s.metrics.ObserveDeadlineOverrun(p.ID, elapsed-deadline)
	}
	exceeded := p.RecordXrun(s.cfg.XrunRecoveryLimit)

	reason := "deadline_missed"
	if cause != nil {
		reason = "process_error"
	}
	s.logger.Warn("pipeline xrun", "pipeline", p.ID, "reason", reason, "elapsed", elapsed, "deadline", deadline)

	if !exceeded {
		s.recoverPipeline(p)
		return
	}

	err := perrors.New(cause).
		Component(ComponentPipeline).
		Category(perrors.CategoryXrun).
		Context("pipeline_id", p.ID.String()).
		Context("consecutive_xruns", s.cfg.XrunRecoveryLimit).
		Build()
	s.logger.Error("xrun recovery limit exceeded, reporting host-visible error", "pipeline", p.ID, "error", err)
}

// recoverPipeline runs the spec §7(b) STOP -> PREPARE -> START recovery
// sequence on every component in the pipeline.
func (s *Scheduler) recoverPipeline(p *Pipeline) {
	// Read the resolved order directly: Order() returns a copy, which would
	// allocate on the recovery path.
	p.mu.Lock()
	order := p.order
	p.mu.Unlock()

	for _, c := range order {
		if c.State() == StateActive || c.State() == StatePaused {
			_ = c.Trigger(TriggerStop)
		}
	}
	for _, c := range order {
		if c.State() == StateReady {
			if err := c.Prepare(); err != nil {
				s.logger.Error("xrun recovery prepare failed", "component", c.ID, "error", err)
				return
			}
		}
	}
	for _, c := range order {
		if c.State() == StatePrepare {
			if err := c.Trigger(TriggerStart); err != nil && !IsPathStop(err) {
				s.logger.Error("xrun recovery start failed", "component", c.ID, "error", err)
				return
			}
		}
	}
}

// drainLLTask waits up to the host drain timeout for the current tick (if
// any) to finish, then returns regardless; it never hangs past the timeout.
func (s *Scheduler) drainLLTask(t *llTask) {
	done := make(chan struct{})
	go func() {
		t.running.Lock()
		t.running.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.HostDrainTimeout):
		s.logger.Warn("ll task drain timeout, forcing stop", "pipeline", t.pipeline.ID)
	}
	t.pipeline.SetState(PipelinePaused)
}

func (s *Scheduler) runDPTask(ctx context.Context, t *dpTask, wg *sync.WaitGroup) {
	defer wg.Done()

	period := time.Duration(t.periodUs) * time.Microsecond
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.component.State() != StateActive {
				continue
			}
			if err := t.adapter.RunDPTask(t.component); err != nil && !IsPathStop(err) {
				s.logger.Warn("dp task error", "component", t.component.ID, "error", err)
			}
		}
	}
}
