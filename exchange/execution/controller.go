package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/market"
	"github.com/itskum47/BidForge/exchange/registry"
	"github.com/itskum47/BidForge/exchange/reputation"
)

// Sender delivers a task assignment to one agent. Implemented by the
// transport gateway.
type Sender interface {
	SendAssignment(agentID string, msg market.TaskAssignment) error
}

// Recorder receives execution outcomes for reputation accounting.
// Satisfied by *reputation.Store.
type Recorder interface {
	RecordSuccess(ctx context.Context, agentID, version string) error
	RecordFailure(ctx context.Context, agentID, version string, detail reputation.FailureDetail) error
}

// Config holds the execution tunables.
type Config struct {
	Lease LeaseConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Lease: DefaultLeaseConfig()}
}

// Outcome is the terminal result of running one task through execution.
type Outcome struct {
	// Result is set when the task settled, including soft declines and
	// partially failed parallel fan-outs.
	Result *market.Result

	// Busted means every agent in the cascade failed; the caller decides
	// between re-auction and the dead letter.
	Busted bool
	Reason string

	// FailedAgents lists agents that failed before settlement, in order.
	FailedAgents []string
}

// attemptEnd is the single terminal signal of one assignment attempt.
type attemptEnd struct {
	result    *market.Result
	failure   *reputation.FailureDetail
	reason    string
	cancelled bool
}

type attempt struct {
	wireID  string
	agentID string
	lease   *Lease
	endCh   chan attemptEnd
	once    sync.Once
}

func (a *attempt) finish(end attemptEnd) {
	a.once.Do(func() { a.endCh <- end })
}

// Controller owns the live leases and drives assignment, cascade and
// settlement for tasks that won an auction.
type Controller struct {
	cfg    Config
	agents *registry.Registry
	reps   Recorder
	sender Sender
	emit   func(market.Event)
	logger *zap.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

// NewController wires an execution controller. emit may be nil.
func NewController(cfg Config, agents *registry.Registry, reps Recorder, sender Sender, emit func(market.Event), logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(market.Event) {}
	}
	return &Controller{
		cfg:      cfg,
		agents:   agents,
		reps:     reps,
		sender:   sender,
		emit:     emit,
		logger:   logger,
		attempts: make(map[string]*attempt),
	}
}

// Run executes the task with the auction's winners, blocking until the
// task settles, busts, or the context is cancelled. ranked supplies the
// per-agent time estimates from the bids.
func (c *Controller) Run(ctx context.Context, task *market.Task, winners, backups []string, ranked []market.EvaluatedBid, mode market.ExecutionMode) Outcome {
	switch mode {
	case market.ModeParallel:
		return c.runParallel(ctx, task, winners, ranked)
	case market.ModeSeries:
		return c.runSeries(ctx, task, winners, ranked)
	default:
		if len(winners) == 0 {
			return Outcome{Busted: true, Reason: "no winner"}
		}
		return c.runSingle(ctx, task, winners[0], backups, ranked)
	}
}

// runSingle walks the cascade: winner first, then each backup in rank
// order, carrying forward the error history so later agents see what
// already went wrong.
func (c *Controller) runSingle(ctx context.Context, task *market.Task, winner string, backups []string, ranked []market.EvaluatedBid) Outcome {
	task.BackupAgents = backups
	chain := append([]string{winner}, backups...)

	var prevErrors []string
	var failed []string
	for i, agentID := range chain {
		if ctx.Err() != nil {
			return Outcome{Busted: true, Reason: "cancelled", FailedAgents: failed}
		}
		if i > 0 && !c.agents.IsHealthy(agentID) {
			prevErrors = append(prevErrors, fmt.Sprintf("%s: unavailable", agentID))
			failed = append(failed, agentID)
			continue
		}
		task.AssignedAgent = agentID
		task.CurrentBackupIndex = i

		end := c.attemptOnce(ctx, task, task.ID, agentID, i > 0, i-1, estimateFor(ranked, agentID), prevErrors)
		if end.cancelled {
			return Outcome{Busted: true, Reason: "cancelled", FailedAgents: failed}
		}
		if out, settled := c.settleAttempt(ctx, task, agentID, end); settled {
			out.FailedAgents = failed
			return out
		}
		prevErrors = append(prevErrors, fmt.Sprintf("%s: %s", agentID, endErrorText(end)))
		failed = append(failed, agentID)
	}
	return Outcome{Busted: true, Reason: "all agents exhausted", FailedAgents: failed}
}

// runParallel fans the task out to every winner at once under subtask
// ids. There is no cascade: each agent either delivers or fails on its
// own, and the fan-out settles if at least one succeeds.
func (c *Controller) runParallel(ctx context.Context, task *market.Task, winners []string, ranked []market.EvaluatedBid) Outcome {
	ends := make([]attemptEnd, len(winners))
	var wg sync.WaitGroup
	for i, agentID := range winners {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			sub := cloneTask(task)
			sub.ID = fmt.Sprintf("%s__parallel_%d", task.ID, i)
			sub.AssignedAgent = agentID
			ends[i] = c.attemptOnce(ctx, sub, sub.ID, agentID, false, 0, estimateFor(ranked, agentID), nil)
		}(i, agentID)
	}
	wg.Wait()

	combined := &market.Result{Data: map[string]any{}}
	declined := 0
	var failed []string
	for i, end := range ends {
		agentID := winners[i]
		if end.cancelled {
			continue
		}
		if end.result != nil && (end.result.Success || end.result.SoftDecline()) {
			if end.result.Success {
				c.recordSuccess(ctx, agentID)
				combined.Success = true
			} else {
				declined++
			}
			combined.Data[agentID] = end.result
			continue
		}
		c.recordFailure(ctx, agentID, end)
		failed = append(failed, agentID)
		combined.Data[agentID] = &market.Result{Success: false, Error: endErrorText(end)}
	}
	if combined.Success {
		return Outcome{Result: combined, FailedAgents: failed}
	}
	if declined > 0 && len(failed) == 0 {
		// Every branch answered honestly that it cannot be done. Settled,
		// like a single-mode soft decline; no agent failed.
		combined.Message = "all agents declined"
		return Outcome{Result: combined}
	}
	return Outcome{Busted: true, Reason: "all parallel agents failed", FailedAgents: failed}
}

// runSeries runs winners in order, feeding each step the previous
// step's message. Any failure ends the pipeline; there is no cascade
// because later steps depend on earlier output.
func (c *Controller) runSeries(ctx context.Context, task *market.Task, winners []string, ranked []market.EvaluatedBid) Outcome {
	var last *market.Result
	var failed []string
	for _, agentID := range winners {
		sub := cloneTask(task)
		sub.AssignedAgent = agentID
		if last != nil {
			sub.Metadata[market.MetaPreviousResult] = last.Message
		}
		end := c.attemptOnce(ctx, sub, task.ID, agentID, false, 0, estimateFor(ranked, agentID), nil)
		if end.cancelled {
			return Outcome{Busted: true, Reason: "cancelled", FailedAgents: failed}
		}
		if end.result == nil || (!end.result.Success && !end.result.SoftDecline()) {
			c.recordFailure(ctx, agentID, end)
			failed = append(failed, agentID)
			return Outcome{Busted: true, Reason: fmt.Sprintf("series step failed: %s", endErrorText(end)), FailedAgents: failed}
		}
		if end.result.Success {
			c.recordSuccess(ctx, agentID)
		}
		last = end.result
	}
	return Outcome{Result: last, FailedAgents: failed}
}

// attemptOnce sends one assignment and blocks until the attempt ends:
// result, lease expiry, disconnect, or context cancellation.
func (c *Controller) attemptOnce(ctx context.Context, task *market.Task, wireID, agentID string, isBackup bool, backupIndex int, estimatedMs int64, prevErrors []string) attemptEnd {
	a := &attempt{
		wireID:  wireID,
		agentID: agentID,
		endCh:   make(chan attemptEnd, 1),
	}
	a.lease = NewLease(wireID, agentID, estimatedMs, c.cfg.Lease, c.onLeaseExpired)

	c.mu.Lock()
	c.attempts[wireID] = a
	c.mu.Unlock()
	c.agents.IncrementTaskCount(agentID)
	defer func() {
		a.lease.Stop()
		c.agents.DecrementTaskCount(agentID)
		c.mu.Lock()
		delete(c.attempts, wireID)
		c.mu.Unlock()
	}()

	msg := market.TaskAssignment{
		TaskID:         wireID,
		Task:           task,
		IsBackup:       isBackup,
		BackupIndex:    backupIndex,
		TimeoutMs:      a.lease.execTimeout().Milliseconds(),
		PreviousErrors: prevErrors,
	}
	if err := c.sender.SendAssignment(agentID, msg); err != nil {
		c.logger.Warn("assignment delivery failed",
			zap.String("task_id", wireID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return attemptEnd{
			failure: &reputation.FailureDetail{Error: "assignment delivery failed"},
			reason:  "delivery failed",
		}
	}
	c.emit(market.TaskAssigned{
		Meta:        market.NewMeta(),
		TaskID:      task.ID,
		AgentID:     agentID,
		IsBackup:    isBackup,
		BackupIndex: backupIndex,
	})

	select {
	case end := <-a.endCh:
		return end
	case <-ctx.Done():
		return attemptEnd{cancelled: true, reason: "cancelled"}
	}
}

// HandleAck confirms assignment receipt and starts the execution clock.
func (c *Controller) HandleAck(taskID string, estimatedMs int64) error {
	a, ok := c.lookup(taskID)
	if !ok {
		return fmt.Errorf("execution: ack for unknown task %s", taskID)
	}
	if err := a.lease.Ack(estimatedMs); err != nil {
		return err
	}
	c.emit(market.TaskAcked{Meta: market.NewMeta(), TaskID: taskID, AgentID: a.agentID, EstimatedMs: estimatedMs})
	c.emit(market.TaskExecuting{Meta: market.NewMeta(), TaskID: taskID, AgentID: a.agentID})
	return nil
}

// HandleHeartbeat extends the lease of a running task.
func (c *Controller) HandleHeartbeat(taskID, progress string, extendMs int64) error {
	a, ok := c.lookup(taskID)
	if !ok {
		return fmt.Errorf("execution: heartbeat for unknown task %s", taskID)
	}
	if err := a.lease.Heartbeat(extendMs); err != nil {
		return err
	}
	c.emit(market.TaskHeartbeat{Meta: market.NewMeta(), TaskID: taskID, AgentID: a.agentID, Progress: progress})
	return nil
}

// HandleResult settles or fails the attempt with the agent's answer.
func (c *Controller) HandleResult(taskID string, result *market.Result) error {
	a, ok := c.lookup(taskID)
	if !ok {
		return fmt.Errorf("execution: result for unknown task %s", taskID)
	}
	a.finish(attemptEnd{result: result})
	return nil
}

// HandleDisconnect fails every in-flight attempt held by the agent so
// the cascade can move on immediately instead of waiting out the lease.
func (c *Controller) HandleDisconnect(agentID string) {
	c.mu.Lock()
	var affected []*attempt
	for _, a := range c.attempts {
		if a.agentID == agentID {
			affected = append(affected, a)
		}
	}
	c.mu.Unlock()

	for _, a := range affected {
		c.emit(market.TaskAgentDisconnected{Meta: market.NewMeta(), TaskID: a.wireID, AgentID: agentID})
		a.finish(attemptEnd{
			failure: &reputation.FailureDetail{Error: "agent disconnected mid-task"},
			reason:  "agent disconnected",
		})
	}
}

// Deadline reports the live lease deadline for an in-flight task.
func (c *Controller) Deadline(taskID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.attempts[taskID]; ok {
		return a.lease.Deadline(), true
	}
	return time.Time{}, false
}

// InFlight returns the number of live attempts.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

func (c *Controller) onLeaseExpired(taskID, agentID string, phase LeasePhase) {
	a, ok := c.lookup(taskID)
	if !ok {
		return
	}
	reason := "execution timeout"
	if phase == PhaseAwaitingAck {
		reason = "ack timeout"
	}
	c.logger.Warn("lease expired",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.String("phase", phase.String()),
	)
	a.finish(attemptEnd{
		failure: &reputation.FailureDetail{IsTimeout: true, Error: reason},
		reason:  reason,
	})
}

// settleAttempt applies the settlement rules to one attempt end. A
// successful result or a soft decline settles the task; everything else
// is a failure charged to the agent.
func (c *Controller) settleAttempt(ctx context.Context, task *market.Task, agentID string, end attemptEnd) (Outcome, bool) {
	if end.result != nil {
		if end.result.Success {
			c.recordSuccess(ctx, agentID)
			return Outcome{Result: end.result}, true
		}
		if end.result.SoftDecline() {
			// The agent handled the request and honestly reported it
			// cannot be done. Settled, no reputation debit, no cascade.
			return Outcome{Result: end.result}, true
		}
	}
	c.recordFailure(ctx, agentID, end)
	c.emit(market.TaskBusted{
		Meta:      market.NewMeta(),
		TaskID:    task.ID,
		AgentID:   agentID,
		IsTimeout: end.failure != nil && end.failure.IsTimeout,
		Error:     endErrorText(end),
	})
	return Outcome{}, false
}

func (c *Controller) recordSuccess(ctx context.Context, agentID string) {
	if err := c.reps.RecordSuccess(ctx, agentID, c.agentVersion(agentID)); err != nil {
		c.logger.Error("reputation credit failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (c *Controller) recordFailure(ctx context.Context, agentID string, end attemptEnd) {
	detail := reputation.FailureDetail{Error: endErrorText(end)}
	if end.failure != nil {
		detail = *end.failure
	}
	if err := c.reps.RecordFailure(ctx, agentID, c.agentVersion(agentID), detail); err != nil {
		c.logger.Error("reputation debit failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (c *Controller) agentVersion(agentID string) string {
	if rec, ok := c.agents.Get(agentID); ok {
		return rec.Version
	}
	return "unknown"
}

func (c *Controller) lookup(taskID string) (*attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attempts[taskID]
	return a, ok
}

func endErrorText(end attemptEnd) string {
	switch {
	case end.failure != nil:
		return end.failure.Error
	case end.result != nil && end.result.Error != "":
		return end.result.Error
	case end.result != nil:
		return "task failed"
	default:
		return end.reason
	}
}

func estimateFor(ranked []market.EvaluatedBid, agentID string) int64 {
	for _, eb := range ranked {
		if eb.Bid.AgentID == agentID {
			return eb.Bid.EstimatedTimeMs
		}
	}
	return 0
}

func cloneTask(t *market.Task) *market.Task {
	clone := *t
	clone.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}
