// Package pool provides reusable object allocators for the hot tick path.
//
// Trades, positions, and external orders are created and discarded at rates
// up to the HFT target (15k orders/s), so steady-state allocation must stay
// near zero. Each pool hands out zeroed instances and takes them back on
// release. Release is identity-checked: releasing the same instance twice is
// a logged warning, never corruption.
//
// Pools never fail to allocate — when the free list is empty they grow past
// the configured capacity. Capacity is a health threshold, not a hard limit:
// above 80% occupancy the pool runs a forced garbage pass that drops free
// entries idle past a deadline so the Go GC can reclaim them.
package pool

import (
	"log/slog"
	"sync"
	"time"
)

// occupancy above which a forced garbage pass is scheduled.
const gcOccupancy = 0.8

// IdleDeadline is how long a free entry may sit unused before a garbage
// pass drops it. Forced passes honor it too, so a cleanup never strips
// entries the tick loop is actively cycling through.
const IdleDeadline = time.Minute

// Resettable is implemented by all pooled record types.
type Resettable interface {
	Reset()
}

// Stats is a point-in-time health snapshot of one pool.
type Stats struct {
	Name      string `json:"name"`
	InUse     int    `json:"in_use"`
	Available int    `json:"available"`
	Max       int    `json:"max"`
	Acquired  int64  `json:"acquired"`
	Released  int64  `json:"released"`
	Dropped   int64  `json:"dropped"`   // free entries dropped by garbage passes
	DoubleRel int64  `json:"double_rel"` // rejected duplicate releases
}

// Healthy reports whether the pool is below its GC occupancy threshold.
func (s Stats) Healthy() bool {
	if s.Max == 0 {
		return true
	}
	return float64(s.InUse) < gcOccupancy*float64(s.Max)
}

type freeEntry[T any] struct {
	v    *T
	idle time.Time // when the entry was released
}

// Pool is a mutex-guarded free list for one record type. Safe for
// concurrent use from the tick loop, lifecycle operations, and the sync
// task.
type Pool[T any] struct {
	mu     sync.Mutex
	name   string
	max    int
	free   []freeEntry[T]
	inFree map[*T]struct{} // identity guard for idempotent release
	logger *slog.Logger

	acquired  int64
	released  int64
	dropped   int64
	doubleRel int64
}

// New creates a pool pre-sized to capacity. Instances are allocated lazily;
// capacity only bounds the retained free list and sets the health threshold.
func New[T any](name string, capacity int, logger *slog.Logger) *Pool[T] {
	return &Pool[T]{
		name:   name,
		max:    capacity,
		free:   make([]freeEntry[T], 0, capacity),
		inFree: make(map[*T]struct{}, capacity),
		logger: logger.With("component", "pool", "pool", name),
	}
}

// Acquire returns a zeroed instance. Never fails: if the free list is empty
// the pool grows.
func (p *Pool[T]) Acquire() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquired++

	n := len(p.free)
	if n == 0 {
		return new(T)
	}

	entry := p.free[n-1]
	p.free = p.free[:n-1]
	delete(p.inFree, entry.v)
	return entry.v
}

// Release returns an instance for reuse. Releasing an instance that is
// already in the pool is rejected and logged; the pool stays consistent.
func (p *Pool[T]) Release(v *T) {
	if v == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.inFree[v]; dup {
		p.doubleRel++
		p.logger.Warn("double release rejected", "total", p.doubleRel)
		return
	}

	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}

	p.released++
	p.free = append(p.free, freeEntry[T]{v: v, idle: time.Now()})
	p.inFree[v] = struct{}{}

	if p.inUseLocked() > int(gcOccupancy*float64(p.max)) {
		p.gcLocked(IdleDeadline)
	}
}

// Stats returns the current health snapshot.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Name:      p.name,
		InUse:     p.inUseLocked(),
		Available: len(p.free),
		Max:       p.max,
		Acquired:  p.acquired,
		Released:  p.released,
		Dropped:   p.dropped,
		DoubleRel: p.doubleRel,
	}
}

// ForceGC drops free entries that have been idle longer than deadline.
// Returns the number of entries dropped.
func (p *Pool[T]) ForceGC(deadline time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gcLocked(deadline)
}

func (p *Pool[T]) gcLocked(deadline time.Duration) int {
	cutoff := time.Now().Add(-deadline)
	kept := p.free[:0]
	dropped := 0
	for _, e := range p.free {
		if e.idle.Before(cutoff) {
			delete(p.inFree, e.v)
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	p.free = kept
	p.dropped += int64(dropped)
	if dropped > 0 {
		p.logger.Info("forced garbage pass", "dropped", dropped, "available", len(p.free))
	}
	return dropped
}

// inUseLocked derives outstanding instances from the acquire/release delta.
func (p *Pool[T]) inUseLocked() int {
	d := p.acquired - p.released
	if d < 0 {
		return 0
	}
	return int(d)
}
