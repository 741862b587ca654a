package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/dspfirmware/internal/logging"
)

// HealthMonitorConfig holds configuration for pipeline health monitoring,
// grounded on the teacher's audiocore.HealthMonitorConfig.
type HealthMonitorConfig struct {
	// StallTimeout is how long a pipeline may go without a clean (non-xrun)
	// tick before it is considered stalled.
	StallTimeout time.Duration
	// CheckInterval is how often the monitor sweeps all tracked pipelines.
	CheckInterval time.Duration
}

func (c HealthMonitorConfig) withDefaults() HealthMonitorConfig {
	if c.StallTimeout <= 0 {
		c.StallTimeout = 500 * time.Millisecond
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 100 * time.Millisecond
	}
	return c
}

type pipelineHealth struct {
	pipeline    *Pipeline
	lastCleanAt time.Time
	healthy     bool
}

// HealthMonitor periodically checks whether each tracked pipeline has
// produced a clean tick recently, feeding stall detection into the
// scheduler's xrun bookkeeping. Grounded on the teacher's
// audiocore.AudioHealthMonitor, adapted from audio-level silence detection
// to tick-recency stall detection.
type HealthMonitor struct {
	cfg    HealthMonitorConfig
	logger *slog.Logger

	mu        sync.Mutex
	pipelines map[uuid.UUID]*pipelineHealth
}

// NewHealthMonitor builds a monitor with the given configuration.
func NewHealthMonitor(cfg HealthMonitorConfig) *HealthMonitor {
	return &HealthMonitor{
		cfg:       cfg.withDefaults(),
		logger:    logging.ForService("pipeline.health"),
		pipelines: make(map[uuid.UUID]*pipelineHealth),
	}
}

// Track begins monitoring a pipeline.
func (h *HealthMonitor) Track(p *Pipeline) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.pipelines[p.ID]; exists {
		return
	}
	h.pipelines[p.ID] = &pipelineHealth{pipeline: p, lastCleanAt: time.Now(), healthy: true}
}

// Untrack stops monitoring a pipeline.
func (h *HealthMonitor) Untrack(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pipelines, id)
}

// NoteCleanTick records that a pipeline completed a tick without an xrun.
// The scheduler calls this from tickLL's success path.
func (h *HealthMonitor) NoteCleanTick(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph, ok := h.pipelines[id]
	if !ok {
		return
	}
	ph.lastCleanAt = time.Now()
	ph.healthy = true
}

// IsHealthy reports whether a tracked pipeline is currently healthy. An
// untracked pipeline reports healthy (monitoring is opt-in).
func (h *HealthMonitor) IsHealthy(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph, ok := h.pipelines[id]
	if !ok {
		return true
	}
	return ph.healthy
}

// Start runs the monitoring loop until ctx is cancelled.
func (h *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (h *HealthMonitor) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for id, ph := range h.pipelines {
		if ph.pipeline.State() != PipelineActive {
			continue
		}
		stalled := now.Sub(ph.lastCleanAt) > h.cfg.StallTimeout
		if stalled && ph.healthy {
			ph.healthy = false
			h.logger.Warn("pipeline stalled", "pipeline", id, "since", ph.lastCleanAt)
		}
	}
}
