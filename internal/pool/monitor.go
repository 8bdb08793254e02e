package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Per-session acquire-minus-release drift that triggers a session cleanup.
const driftCleanupThreshold = 100

// Cross-session drift that is treated as a leak and escalated.
const driftLeakThreshold = 500

// DriftReport is submitted by the engine after each tick. Leaked is the
// session's outstanding pooled objects minus its live holdings (published
// trades, open positions, in-flight sync records), so a warm steady-state
// session reports zero.
type DriftReport struct {
	SessionID string
	Leaked    int64
	Timestamp time.Time
}

// CleanupSignal tells the engine to run a pool cleanup. If SessionID is
// empty, every session is cleaned (leak escalation).
type CleanupSignal struct {
	SessionID string
	Reason    string
}

// Monitor watches pool health across all sessions. It aggregates drift
// reports, forces garbage passes on unhealthy pools, and emits cleanup
// signals when per-session drift or total drift crosses its threshold.
//
// The engine reads CleanupCh and runs the per-session release pass; the
// monitor itself never touches session state.
type Monitor struct {
	logger *slog.Logger
	period time.Duration

	mu     sync.RWMutex
	drifts map[string]DriftReport // latest report per session

	targets []GCTarget

	reportCh  chan DriftReport
	cleanupCh chan CleanupSignal
}

// GCTarget is the view of a pool the monitor needs: stats plus forced GC.
type GCTarget interface {
	Stats() Stats
	ForceGC(deadline time.Duration) int
}

// NewMonitor creates a monitor over the given pools.
func NewMonitor(period time.Duration, logger *slog.Logger, targets ...GCTarget) *Monitor {
	return &Monitor{
		logger:    logger.With("component", "pool-monitor"),
		period:    period,
		drifts:    make(map[string]DriftReport),
		targets:   targets,
		reportCh:  make(chan DriftReport, 100),
		cleanupCh: make(chan CleanupSignal, 10),
	}
}

// Run starts the monitoring loop. Blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-m.reportCh:
			m.processReport(report)
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Report submits a drift report (non-blocking).
func (m *Monitor) Report(report DriftReport) {
	select {
	case m.reportCh <- report:
	default:
		m.logger.Warn("drift report channel full, dropping report",
			"session", report.SessionID)
	}
}

// CleanupCh returns the channel the engine reads cleanup signals from.
func (m *Monitor) CleanupCh() <-chan CleanupSignal {
	return m.cleanupCh
}

// RemoveSession clears drift state for a deleted session.
func (m *Monitor) RemoveSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drifts, sessionID)
}

func (m *Monitor) processReport(report DriftReport) {
	m.mu.Lock()
	m.drifts[report.SessionID] = report

	drift := report.Leaked
	var total int64
	for _, r := range m.drifts {
		total += r.Leaked
	}
	m.mu.Unlock()

	if drift > driftCleanupThreshold {
		m.emitCleanup(report.SessionID, "session drift over threshold")
	}
	if total > driftLeakThreshold {
		m.logger.Error("pool leak detected",
			"total_drift", total,
			"sessions", len(m.drifts),
		)
		m.emitCleanup("", "cross-session drift over leak threshold")
	}
}

// sweep forces a garbage pass on any pool over its occupancy threshold.
func (m *Monitor) sweep() {
	for _, t := range m.targets {
		s := t.Stats()
		if s.Healthy() {
			continue
		}
		dropped := t.ForceGC(IdleDeadline)
		m.logger.Warn("pool over occupancy threshold",
			"pool", s.Name,
			"in_use", s.InUse,
			"max", s.Max,
			"dropped", dropped,
		)
	}
}

// emitCleanup sends a cleanup signal. If the channel is full, the stale
// signal is drained first so the latest reason is always delivered.
func (m *Monitor) emitCleanup(sessionID, reason string) {
	sig := CleanupSignal{SessionID: sessionID, Reason: reason}
	select {
	case m.cleanupCh <- sig:
	default:
		select {
		case <-m.cleanupCh:
		default:
		}
		m.cleanupCh <- sig
	}
}
