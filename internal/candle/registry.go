package candle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketsim/pkg/types"
)

// How long a caller waits on another caller's in-flight creation before the
// pending handle is force-released.
const creationTimeout = 5 * time.Second

// pendingCreate is the shared handle concurrent creation requests coalesce
// onto. The creating goroutine owns it and closes done when the aggregator
// is registered.
type pendingCreate struct {
	done    chan struct{}
	agg     *Aggregator
	started time.Time
}

// Registry owns the one-aggregator-per-session invariant.
//
// The former singleton-per-session pattern is an explicit map keyed by
// session identifier under a single mutex, with creation coalescing via a
// shared pending handle: the first caller constructs, later callers await
// the handle. Waits time out after creationTimeout, at which point the
// orphaned handle is force-released with an integrity warning.
type Registry struct {
	mu         sync.Mutex
	aggs       map[string]*Aggregator
	pending    map[string]*pendingCreate
	historyCap int
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(historyCap int, logger *slog.Logger) *Registry {
	return &Registry{
		aggs:       make(map[string]*Aggregator),
		pending:    make(map[string]*pendingCreate),
		historyCap: historyCap,
		logger:     logger.With("component", "candle-registry"),
	}
}

// Acquire returns the session's aggregator, creating it if needed.
// Concurrent calls for the same session coalesce onto one instance.
func (r *Registry) Acquire(ctx context.Context, sessionID string, price float64) (*Aggregator, error) {
	for {
		r.mu.Lock()

		if agg, ok := r.aggs[sessionID]; ok {
			r.mu.Unlock()
			return agg, nil
		}

		if p, ok := r.pending[sessionID]; ok {
			r.mu.Unlock()
			select {
			case <-p.done:
				if p.agg != nil {
					return p.agg, nil
				}
				// Creation failed; loop and try again ourselves.
				continue
			case <-time.After(creationTimeout):
				r.forceRelease(sessionID, p)
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// We are the creator.
		p := &pendingCreate{done: make(chan struct{}), started: time.Now()}
		r.pending[sessionID] = p
		r.mu.Unlock()

		agg := NewAggregator(sessionID, price, r.historyCap, r.logger)

		r.mu.Lock()
		r.aggs[sessionID] = agg
		delete(r.pending, sessionID)
		r.mu.Unlock()

		p.agg = agg
		close(p.done)
		return agg, nil
	}
}

// Get returns the aggregator without creating one.
func (r *Registry) Get(sessionID string) (*Aggregator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.aggs[sessionID]
	return agg, ok
}

// Dispose removes the session's aggregator and any pending creation handle.
func (r *Registry) Dispose(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aggs, sessionID)
	delete(r.pending, sessionID)
}

// forceRelease drops an orphaned pending handle after a wait timeout.
func (r *Registry) forceRelease(sessionID string, p *pendingCreate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.pending[sessionID]; ok && cur == p {
		delete(r.pending, sessionID)
		r.logger.Warn("force-released stuck creation lock",
			"session", sessionID,
			"held_for", time.Since(p.started).String(),
		)
	}
}

// IntegrityIssue is one finding from an Audit pass.
type IntegrityIssue struct {
	Kind    string `json:"kind"` // "duplicate_id", "orphan_lock", "uninitialized"
	Session string `json:"session"`
	Detail  string `json:"detail"`
}

// Audit checks the registry for duplicate aggregator identifiers, orphaned
// creation locks, and uninitialized instances. Diagnostic only; it never
// mutates state.
func (r *Registry) Audit() []IntegrityIssue {
	r.mu.Lock()
	defer r.mu.Unlock()

	var issues []IntegrityIssue

	seen := make(map[string]string, len(r.aggs))
	for sid, agg := range r.aggs {
		if prev, dup := seen[agg.ID()]; dup {
			issues = append(issues, IntegrityIssue{
				Kind:    "duplicate_id",
				Session: sid,
				Detail:  fmt.Sprintf("aggregator id %s shared with session %s", agg.ID(), prev),
			})
		}
		seen[agg.ID()] = sid

		if agg.IntervalMs() <= 0 {
			issues = append(issues, IntegrityIssue{
				Kind:    "uninitialized",
				Session: sid,
				Detail:  "aggregator has no bar interval",
			})
		}
	}

	for sid, p := range r.pending {
		if time.Since(p.started) > creationTimeout {
			issues = append(issues, IntegrityIssue{
				Kind:    "orphan_lock",
				Session: sid,
				Detail:  fmt.Sprintf("creation lock held %s", time.Since(p.started).Round(time.Millisecond)),
			})
		}
	}

	return issues
}

// Snapshot returns up to max of the newest finalized candles for a session,
// plus the in-progress bar appended as the live tail. Used by the broadcast
// layer; returns nil if the session has no aggregator.
func (r *Registry) Snapshot(sessionID string, max int) []types.Candle {
	agg, ok := r.Get(sessionID)
	if !ok {
		return nil
	}

	out := agg.History()
	if cur, live := agg.Current(); live {
		out = append(out, cur)
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
