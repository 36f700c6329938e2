// Package execution carries an assigned task from handoff through
// settlement: lease timing, heartbeats, cascading failover.
package execution

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrLeaseDone    = errors.New("execution: lease already finished")
	ErrNotAcked     = errors.New("execution: heartbeat before ack")
	ErrAlreadyAcked = errors.New("execution: duplicate ack")
)

// LeasePhase is the lease's current timing regime.
type LeasePhase int

const (
	// PhaseAwaitingAck covers handoff until the agent confirms receipt.
	PhaseAwaitingAck LeasePhase = iota
	// PhaseExecuting covers confirmed work until result or expiry.
	PhaseExecuting
)

func (p LeasePhase) String() string {
	if p == PhaseAwaitingAck {
		return "awaiting_ack"
	}
	return "executing"
}

// LeaseConfig holds the execution-protocol deadlines.
type LeaseConfig struct {
	// AckTimeout is how long the agent has to confirm an assignment.
	AckTimeout time.Duration
	// ExecPadding is added to the agent's own estimate to form the
	// execution deadline.
	ExecPadding time.Duration
	// MaxExecTimeout caps the execution deadline regardless of estimate.
	MaxExecTimeout time.Duration
	// HeartbeatExtension is granted per heartbeat when the agent does
	// not ask for a specific extension.
	HeartbeatExtension time.Duration
}

// DefaultLeaseConfig returns production defaults.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		AckTimeout:         10 * time.Second,
		ExecPadding:        15 * time.Second,
		MaxExecTimeout:     120 * time.Second,
		HeartbeatExtension: 30 * time.Second,
	}
}

// Lease tracks one agent's claim on one task with a single resettable
// deadline timer. It starts in the ack phase; Ack moves it to the
// execution phase and re-arms the timer; heartbeats push the deadline
// out. Expiry fires the callback exactly once unless Stop wins the
// race.
type Lease struct {
	taskID  string
	agentID string
	cfg     LeaseConfig

	mu          sync.Mutex
	phase       LeasePhase
	estimatedMs int64
	deadline    time.Time
	timer       *time.Timer
	done        bool

	onExpire func(taskID, agentID string, phase LeasePhase)
}

// NewLease arms the ack timer and returns the running lease.
// estimatedMs is the winning bid's estimate; the agent may revise it in
// its ack.
func NewLease(taskID, agentID string, estimatedMs int64, cfg LeaseConfig, onExpire func(taskID, agentID string, phase LeasePhase)) *Lease {
	l := &Lease{
		taskID:      taskID,
		agentID:     agentID,
		cfg:         cfg,
		phase:       PhaseAwaitingAck,
		estimatedMs: estimatedMs,
		deadline:    time.Now().Add(cfg.AckTimeout),
		onExpire:    onExpire,
	}
	l.timer = time.AfterFunc(cfg.AckTimeout, l.expire)
	return l
}

// Ack transitions the lease to the execution phase, re-arming the
// timer to min(estimate+padding, max). The agent may tighten or widen
// its original estimate here.
func (l *Lease) Ack(estimatedMs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return ErrLeaseDone
	}
	if l.phase == PhaseExecuting {
		return ErrAlreadyAcked
	}
	if estimatedMs > 0 {
		l.estimatedMs = estimatedMs
	}
	l.phase = PhaseExecuting
	l.resetLocked(l.execTimeout())
	return nil
}

// Heartbeat extends the execution deadline. Heartbeats before ack are
// rejected: an agent that works without confirming receipt is not
// honoring the protocol, and the ack timer keeps running.
func (l *Lease) Heartbeat(extendMs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return ErrLeaseDone
	}
	if l.phase != PhaseExecuting {
		return ErrNotAcked
	}
	ext := l.cfg.HeartbeatExtension
	if extendMs > 0 {
		ext = time.Duration(extendMs) * time.Millisecond
		if ext > l.cfg.MaxExecTimeout {
			ext = l.cfg.MaxExecTimeout
		}
	}
	l.resetLocked(ext)
	return nil
}

// Stop finishes the lease, winning any race with the expiry timer.
func (l *Lease) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	l.timer.Stop()
}

// Phase returns the current timing regime.
func (l *Lease) Phase() LeasePhase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Deadline returns the instant the lease will expire absent activity.
func (l *Lease) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadline
}

func (l *Lease) execTimeout() time.Duration {
	d := time.Duration(l.estimatedMs)*time.Millisecond + l.cfg.ExecPadding
	if l.estimatedMs <= 0 || d > l.cfg.MaxExecTimeout {
		d = l.cfg.MaxExecTimeout
	}
	return d
}

func (l *Lease) resetLocked(d time.Duration) {
	l.deadline = time.Now().Add(d)
	l.timer.Stop()
	l.timer.Reset(d)
}

func (l *Lease) expire() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	// An ack or heartbeat can reset the timer after the old deadline
	// fired but before this callback ran. The live deadline wins: re-arm
	// for the remainder instead of expiring.
	if remaining := time.Until(l.deadline); remaining > 0 {
		l.timer.Reset(remaining)
		l.mu.Unlock()
		return
	}
	l.done = true
	phase := l.phase
	l.mu.Unlock()
	if l.onExpire != nil {
		l.onExpire(l.taskID, l.agentID, phase)
	}
}
