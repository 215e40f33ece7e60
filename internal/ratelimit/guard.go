// Package ratelimit implements RateLimitGuard: a single process-wide gate
// that pauses LLM invocations when the forge or the LLM provider signals a
// rate limit or spending limit, and resumes queued callers once the
// cooldown elapses (§4.6).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/pkg/logger"
)

// State is the guard's current gate state.
type State string

const (
	StateActive              State = "active"
	StatePausedRateLimit     State = "paused_rate_limit"
	StatePausedSpendingLimit State = "paused_spending_limit"
)

// ResumeBy records what caused a resume, for the event history.
type ResumeBy string

const (
	ResumeByTimer  ResumeBy = "timer"
	ResumeByManual ResumeBy = "manual"
)

// Event is one state transition recorded into the bounded history.
type Event struct {
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	ResumeBy   ResumeBy  `json:"resumeBy,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Status is a point-in-time snapshot for operational inspection.
type Status struct {
	State            State     `json:"state"`
	QueueDepth       int       `json:"queueDepth"`
	Events           []Event   `json:"events"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}

const defaultMaxEvents = 50

// Guard is the process-wide rate-limit gate. The zero value is not usable;
// construct with New.
type Guard struct {
	log *zap.Logger

	mu         sync.Mutex
	state      State
	waiters    []chan struct{}
	events     []Event
	maxEvents  int
	timer      *time.Timer
	resumeAt   time.Time
	shutdown   bool
}

// New constructs a Guard in the active state.
func New(log *zap.Logger) *Guard {
	if log == nil {
		log = logger.Get()
	}
	return &Guard{
		log:       log,
		state:     StateActive,
		maxEvents: defaultMaxEvents,
	}
}

// Acquire blocks until the gate is active, ctx is cancelled, or the guard
// shuts down. It resolves immediately when the gate is already active.
func (g *Guard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.state == StateActive {
		g.mu.Unlock()
		return nil
	}
	if g.shutdown {
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report transitions the gate to paused for the given kind and starts a
// one-shot resume timer. paused_spending_limit is higher priority and is
// never downgraded by a subsequent paused_rate_limit report.
func (g *Guard) Report(kind State, cooldown time.Duration) {
	if kind != StatePausedRateLimit && kind != StatePausedSpendingLimit {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StatePausedSpendingLimit && kind == StatePausedRateLimit {
		return
	}

	g.state = kind
	g.resumeAt = time.Now().Add(cooldown)
	g.recordLocked(Event{State: kind, Reason: string(kind), OccurredAt: time.Now()})

	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(cooldown, func() {
		g.resume(ResumeByTimer)
	})

	g.log.Warn("rate limit guard paused",
		zap.String("state", string(kind)),
		zap.Duration("cooldown", cooldown))
}

// Resume clears the paused state and releases all queued callers in FIFO
// order. Intended for manual operator intervention; the timer path calls
// resume(timer) internally.
func (g *Guard) Resume() {
	g.resume(ResumeByManual)
}

func (g *Guard) resume(by ResumeBy) {
	g.mu.Lock()
	if g.state == StateActive {
		g.mu.Unlock()
		return
	}

	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}

	g.state = StateActive
	g.recordLocked(Event{State: StateActive, ResumeBy: by, OccurredAt: time.Now()})

	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	g.log.Info("rate limit guard resumed", zap.String("by", string(by)))
}

// Shutdown releases every queued caller immediately so process shutdown
// does not hang on a paused gate.
func (g *Guard) Shutdown() {
	g.mu.Lock()
	g.shutdown = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Status returns a snapshot of the guard's current state for operational
// inspection.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	var remaining time.Duration
	if g.state != StateActive && !g.resumeAt.IsZero() {
		if d := time.Until(g.resumeAt); d > 0 {
			remaining = d
		}
	}

	events := make([]Event, len(g.events))
	copy(events, g.events)

	return Status{
		State:             g.state,
		QueueDepth:        len(g.waiters),
		Events:            events,
		CooldownRemaining: remaining,
	}
}

func (g *Guard) recordLocked(ev Event) {
	g.events = append(g.events, ev)
	if len(g.events) > g.maxEvents {
		g.events = g.events[len(g.events)-g.maxEvents:]
	}
}
