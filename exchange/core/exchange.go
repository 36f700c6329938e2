package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/auction"
	"github.com/itskum47/BidForge/exchange/category"
	"github.com/itskum47/BidForge/exchange/execution"
	"github.com/itskum47/BidForge/exchange/kv"
	"github.com/itskum47/BidForge/exchange/market"
	"github.com/itskum47/BidForge/exchange/queue"
	"github.com/itskum47/BidForge/exchange/ratelimit"
	"github.com/itskum47/BidForge/exchange/registry"
	"github.com/itskum47/BidForge/exchange/reputation"
)

var (
	ErrTaskNotFound = errors.New("core: task not found")
	ErrTaskTerminal = errors.New("core: task already terminal")
	ErrRateLimited  = errors.New("core: submission rate limited")
	ErrShuttingDown = errors.New("core: exchange is shutting down")
)

// Transport is the outbound half of the wire protocol: bid requests and
// assignments flowing from exchange to agents. The gateway implements
// it; tests substitute fakes.
type Transport interface {
	auction.Broadcaster
	execution.Sender
}

// Config collects the tunables of every exchange component.
type Config struct {
	MaxAuctionAttempts int
	ShutdownGrace      time.Duration

	Auction   auction.Config
	Execution execution.Config
	RateLimit ratelimit.Config
	Registry  registry.Config
	Repute    reputation.Config
	BusBuffer int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAuctionAttempts: 3,
		ShutdownGrace:      30 * time.Second,
		Auction:            auction.DefaultConfig(),
		Execution:          execution.DefaultConfig(),
		RateLimit:          ratelimit.DefaultConfig(),
		Registry:           registry.DefaultConfig(),
		Repute:             reputation.DefaultConfig(),
		BusBuffer:          256,
	}
}

// SubmitRequest is one producer-side task submission.
type SubmitRequest struct {
	Content  string            `json:"content"`
	Priority market.Priority   `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// QueueStats is the operational snapshot returned to producers.
type QueueStats struct {
	Depths          map[market.Priority]int `json:"depths"`
	QueuedTotal     int                     `json:"queued_total"`
	ActiveAuctions  int                     `json:"active_auctions"`
	InFlightTasks   int                     `json:"in_flight_tasks"`
	ConnectedAgents int                     `json:"connected_agents"`
}

// Exchange is the façade over the whole market: submission, scheduling,
// auctioning, execution, settlement. All state flows one way: callers
// mutate through operations, observers watch the bus.
type Exchange struct {
	cfg    Config
	logger *zap.Logger

	bus      *Bus
	queue    *queue.PriorityQueue
	limiter  *ratelimit.Limiter
	index    *category.Index
	reps     *reputation.Store
	agents   *registry.Registry
	auctions *auction.Controller
	exec     *execution.Controller
	store    kv.Store

	mu       sync.Mutex
	tasks    map[string]*market.Task
	cancels  map[string]context.CancelFunc
	draining bool

	// wake kicks the scheduler loop; buffered so signalling never blocks.
	wake      chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New assembles an exchange over the given persistence backend and
// transport. evaluator may be nil to always pick the top scorer.
func New(cfg Config, store kv.Store, transport Transport, evaluator auction.MasterEvaluator, logger *zap.Logger) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := NewBus(cfg.BusBuffer, logger.Named("bus"))
	emit := bus.Publish

	index := category.NewIndex(logger.Named("category"))
	agents := registry.New(cfg.Registry, emit, logger.Named("registry"))
	reps := reputation.NewStore(cfg.Repute, store, emit, logger.Named("reputation"))

	e := &Exchange{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		queue:    queue.New(),
		limiter:  ratelimit.New(cfg.RateLimit),
		index:    index,
		reps:     reps,
		agents:   agents,
		store:    store,
		tasks:    make(map[string]*market.Task),
		cancels:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
	}
	e.auctions = auction.NewController(cfg.Auction, index, reps, agents, transport, evaluator, e.trackEmit, logger.Named("auction"))
	e.exec = execution.NewController(cfg.Execution, agents, reps, transport, e.trackEmit, logger.Named("execution"))
	return e
}

// trackEmit mirrors auction and execution milestones onto the task
// record before fanning the event out, so GetTask always agrees with
// the bus. Events for parallel subtask ids miss the lookup and pass
// through untouched.
func (e *Exchange) trackEmit(ev market.Event) {
	switch v := ev.(type) {
	case market.AuctionStarted:
		e.withTask(v.TaskID, func(t *market.Task) {
			t.AuctionID = v.AuctionID
		})
	case market.AuctionClosed:
		e.withTask(v.TaskID, func(t *market.Task) {
			t.Status = market.StatusMatching
		})
	case market.TaskAssigned:
		e.withTask(v.TaskID, func(t *market.Task) {
			t.Status = market.StatusAssigned
			t.AssignedAgent = v.AgentID
			t.LockedBy = v.AgentID
			if v.IsBackup {
				t.CurrentBackupIndex = v.BackupIndex + 1
			} else {
				t.CurrentBackupIndex = 0
			}
			if dl, ok := e.exec.Deadline(v.TaskID); ok {
				t.TimeoutAt = &dl
			}
		})
	case market.TaskAcked:
		e.withTask(v.TaskID, func(t *market.Task) {
			if dl, ok := e.exec.Deadline(v.TaskID); ok {
				t.TimeoutAt = &dl
			}
		})
	case market.TaskHeartbeat:
		e.withTask(v.TaskID, func(t *market.Task) {
			if dl, ok := e.exec.Deadline(v.TaskID); ok {
				t.TimeoutAt = &dl
			}
		})
	case market.TaskBusted:
		e.withTask(v.TaskID, func(t *market.Task) {
			t.Status = market.StatusBusted
			t.LockedBy = ""
			t.TimeoutAt = nil
			t.LastError = v.Error
		})
	}
	e.bus.Publish(ev)
}

// withTask runs fn on the live task record under the exchange lock.
// Terminal tasks are left alone so a late event cannot resurrect one.
func (e *Exchange) withTask(taskID string, fn func(*market.Task)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return
	}
	fn(t)
	t.UpdatedAt = time.Now()
}

// Registry exposes the agent registry to the transport layer.
func (e *Exchange) Registry() *registry.Registry { return e.agents }

// Categories exposes the category index for definitions and
// subscriptions.
func (e *Exchange) Categories() *category.Index { return e.index }

// Reputation exposes the reputation store for operator tooling.
func (e *Exchange) Reputation() *reputation.Store { return e.reps }

// Events subscribes to the exchange bus.
func (e *Exchange) Events() (<-chan market.Event, func()) { return e.bus.Subscribe() }

// Start restores persisted state and launches the scheduler.
func (e *Exchange) Start(ctx context.Context) error {
	if err := e.reps.Load(ctx); err != nil {
		return fmt.Errorf("load reputation: %w", err)
	}
	restored, err := e.restorePending(ctx)
	if err != nil {
		return fmt.Errorf("restore pending tasks: %w", err)
	}

	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.agents.Start(e.runCtx)

	e.wg.Add(1)
	go e.schedulerLoop()

	e.logger.Info("exchange started", zap.Int("restored_tasks", restored))
	e.bus.Publish(market.ExchangeStarted{Meta: market.NewMeta(), Restored: restored})
	e.signal()
	return nil
}

// Submit enqueues a new task after the rate gate.
func (e *Exchange) Submit(ctx context.Context, req SubmitRequest) (*market.Task, error) {
	e.mu.Lock()
	draining := e.draining
	e.mu.Unlock()
	if draining {
		return nil, ErrShuttingDown
	}

	if d := e.limiter.CanSubmit(); !d.Allowed {
		e.logger.Warn("submission rejected",
			zap.String("reason", d.Reason),
			zap.Int64("retry_after_ms", d.RetryAfterMs),
		)
		return nil, fmt.Errorf("%w: %s, retry in %dms", ErrRateLimited, d.Reason, d.RetryAfterMs)
	}

	now := time.Now()
	task := &market.Task{
		ID:        uuid.New().String(),
		Content:   req.Content,
		Metadata:  req.Metadata,
		Priority:  req.Priority,
		Status:    market.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()
	e.queue.Enqueue(task)

	e.bus.Publish(market.TaskQueued{Meta: market.NewMeta(), TaskID: task.ID, Priority: task.Priority})
	e.signal()
	return task, nil
}

// Cancel stops a task wherever it is. A task that already reached a
// terminal state reports ErrTaskTerminal and nothing is re-emitted.
func (e *Exchange) Cancel(taskID string) error {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		e.mu.Unlock()
		return ErrTaskTerminal
	}
	task.Status = market.StatusCancelled
	task.LockedBy = ""
	task.TimeoutAt = nil
	task.UpdatedAt = time.Now()
	cancel := e.cancels[taskID]
	e.mu.Unlock()

	e.queue.Remove(taskID)
	if cancel != nil {
		cancel()
	}
	e.bus.Publish(market.TaskCancelled{Meta: market.NewMeta(), TaskID: taskID})
	return nil
}

// GetTask returns a copy of the task record.
func (e *Exchange) GetTask(taskID string) (market.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return market.Task{}, ErrTaskNotFound
	}
	return *task, nil
}

// Stats returns the operational snapshot.
func (e *Exchange) Stats() QueueStats {
	return QueueStats{
		Depths:          e.queue.Depths(),
		QueuedTotal:     e.queue.Len(),
		ActiveAuctions:  e.limiter.ActiveAuctions(),
		InFlightTasks:   e.exec.InFlight(),
		ConnectedAgents: e.agents.ConnectedCount(),
	}
}

// HandleBidResponse routes an agent's bid into its auction.
func (e *Exchange) HandleBidResponse(resp market.BidResponse) error {
	return e.auctions.HandleBidResponse(resp)
}

// HandleAck routes an assignment acknowledgement.
func (e *Exchange) HandleAck(taskID string, estimatedMs int64) error {
	return e.exec.HandleAck(taskID, estimatedMs)
}

// HandleTaskHeartbeat routes an execution heartbeat.
func (e *Exchange) HandleTaskHeartbeat(taskID, progress string, extendMs int64) error {
	return e.exec.HandleHeartbeat(taskID, progress, extendMs)
}

// HandleResult routes an execution result.
func (e *Exchange) HandleResult(taskID string, result *market.Result) error {
	return e.exec.HandleResult(taskID, result)
}

// HandleAgentConnect registers an agent and its category subscriptions.
func (e *Exchange) HandleAgentConnect(agentID, version string, categories []string, conn market.AgentConn) {
	e.agents.Register(agentID, version, categories, conn)
	e.index.Subscribe(agentID, categories)
	e.signal()
}

// HandleAgentHeartbeat refreshes the agent's presence record.
func (e *Exchange) HandleAgentHeartbeat(agentID string) {
	e.agents.Heartbeat(agentID)
}

// HandleAgentDisconnect tears down the agent's socket and fails its
// in-flight work so cascades fire immediately.
func (e *Exchange) HandleAgentDisconnect(agentID string) {
	e.agents.Disconnect(agentID)
	e.exec.HandleDisconnect(agentID)
}

// Shutdown drains gracefully: no new submissions, running tasks get the
// grace period, whatever is still pending is persisted for next start.
func (e *Exchange) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil
	}
	e.draining = true
	e.mu.Unlock()

	e.bus.Publish(market.ShutdownStarted{Meta: market.NewMeta()})
	e.logger.Info("shutdown started", zap.Duration("grace", e.cfg.ShutdownGrace))

	if e.runCancel != nil {
		e.runCancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("grace period elapsed, abandoning in-flight tasks")
		e.cancelAllRunning()
		<-done
	case <-ctx.Done():
		e.cancelAllRunning()
		<-done
	}

	persisted, err := e.persistPending(context.Background())
	if err != nil {
		e.logger.Error("persisting pending tasks failed", zap.Error(err))
	}
	e.bus.Publish(market.ShutdownComplete{Meta: market.NewMeta(), Persisted: persisted})
	e.logger.Info("shutdown complete", zap.Int("persisted_tasks", persisted))
	e.bus.Close()
	return err
}

// schedulerLoop dispatches queued tasks whenever capacity and work line
// up. It sleeps on the wake channel; submissions, finished auctions and
// agent connects all nudge it.
func (e *Exchange) schedulerLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-e.wake:
		}
		for e.limiter.CanStartAuction() {
			task := e.queue.Dequeue()
			if task == nil {
				break
			}
			if e.isCancelled(task) {
				continue
			}
			// Reserve the slot here, not in the goroutine, so the gate
			// check above never reads a stale in-flight count.
			e.limiter.AuctionStarted()
			e.wg.Add(1)
			go e.runTask(task)
		}
	}
}

// runTask owns one task from dequeue to a terminal status or requeue.
// The caller has already reserved its auction slot.
func (e *Exchange) runTask(task *market.Task) {
	defer e.wg.Done()
	defer func() {
		e.limiter.AuctionEnded()
		e.signal()
	}()

	ctx, cancel := context.WithCancel(e.runCtx)
	defer cancel()
	e.mu.Lock()
	e.cancels[task.ID] = cancel
	task.Status = market.StatusOpen
	task.AuctionAttempt++
	task.UpdatedAt = time.Now()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, task.ID)
		e.mu.Unlock()
	}()

	out := e.auctions.Run(ctx, e.taskSnapshot(task), e.queue.Len())

	switch {
	case e.isCancelled(task):
		return
	case out.DeadLetter:
		e.markDeadLetter(task, "locked agent unavailable")
		return
	case out.LockedAssign != "":
		e.runLocked(ctx, task, out.LockedAssign)
		return
	case out.Halted:
		e.setStatus(task, market.StatusHalted)
		e.logger.Warn("task halted",
			zap.String("task_id", task.ID),
			zap.String("reason", out.HaltReason),
		)
		return
	case out.FastPath != nil:
		// The winning bid carried the answer; settle without handoff.
		e.settle(task, out.Winners[0], out.FastPath)
		if err := e.reps.RecordSuccess(ctx, out.Winners[0], versionIn(out.Ranked, out.Winners[0])); err != nil {
			e.logger.Error("fast-path reputation credit failed", zap.Error(err))
		}
		return
	}

	e.mu.Lock()
	task.BackupAgents = out.Backups
	e.mu.Unlock()

	// ASSIGNED, BUSTED and the lease mirror are applied per assignment
	// by trackEmit as the execution events flow through.
	execOut := e.exec.Run(ctx, e.taskSnapshot(task), out.Winners, out.Backups, out.Ranked, out.Mode)
	e.finishExecution(task, execOut)
}

// runLocked hands a locked subtask straight to its owning agent.
func (e *Exchange) runLocked(ctx context.Context, task *market.Task, agentID string) {
	now := time.Now()
	e.mu.Lock()
	task.LockedBy = agentID
	task.LockedAt = &now
	task.Status = market.StatusAssigned
	e.mu.Unlock()
	e.bus.Publish(market.TaskLocked{Meta: market.NewMeta(), TaskID: task.ID, AgentID: agentID})

	execOut := e.exec.Run(ctx, e.taskSnapshot(task), []string{agentID}, nil, nil, market.ModeSingle)

	e.mu.Lock()
	task.LockedBy = ""
	task.LockedAt = nil
	e.mu.Unlock()
	e.bus.Publish(market.TaskUnlocked{Meta: market.NewMeta(), TaskID: task.ID})

	if execOut.Result != nil {
		e.settle(task, agentID, execOut.Result)
		return
	}
	if e.isCancelled(task) {
		return
	}
	// A locked subtask cannot move to another agent; no re-auction.
	e.markDeadLetter(task, execOut.Reason)
}

func (e *Exchange) finishExecution(task *market.Task, out execution.Outcome) {
	if out.Result != nil {
		e.mu.Lock()
		agentID := task.AssignedAgent
		e.mu.Unlock()
		e.settle(task, agentID, out.Result)
		return
	}
	if e.isCancelled(task) {
		return
	}

	e.mu.Lock()
	attempts := task.AuctionAttempt
	e.mu.Unlock()
	if attempts < e.cfg.MaxAuctionAttempts {
		e.logger.Info("re-auctioning task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempts),
			zap.String("reason", out.Reason),
		)
		e.mu.Lock()
		task.Status = market.StatusPending
		task.AssignedAgent = ""
		task.LockedBy = ""
		task.TimeoutAt = nil
		task.LastError = out.Reason
		task.UpdatedAt = time.Now()
		e.mu.Unlock()
		e.queue.Enqueue(task)
		e.bus.Publish(market.TaskQueued{Meta: market.NewMeta(), TaskID: task.ID, Priority: task.Priority})
		e.signal()
		return
	}
	e.bus.Publish(market.TaskRouteToErrorAgent{Meta: market.NewMeta(), TaskID: task.ID, Error: out.Reason})
	e.markDeadLetter(task, out.Reason)
}

func (e *Exchange) settle(task *market.Task, agentID string, result *market.Result) {
	e.mu.Lock()
	task.Status = market.StatusSettled
	task.Result = result
	task.LockedBy = ""
	task.TimeoutAt = nil
	task.UpdatedAt = time.Now()
	e.mu.Unlock()
	e.bus.Publish(market.TaskSettled{Meta: market.NewMeta(), TaskID: task.ID, AgentID: agentID, Result: result})
}

func (e *Exchange) markDeadLetter(task *market.Task, reason string) {
	e.mu.Lock()
	task.Status = market.StatusDeadLetter
	task.LastError = reason
	task.LockedBy = ""
	task.TimeoutAt = nil
	task.UpdatedAt = time.Now()
	attempts := task.AuctionAttempt
	e.mu.Unlock()
	e.logger.Error("task dead-lettered",
		zap.String("task_id", task.ID),
		zap.Int("attempts", attempts),
		zap.String("reason", reason),
	)
	e.bus.Publish(market.TaskDeadLetter{Meta: market.NewMeta(), TaskID: task.ID, Attempts: attempts, Error: reason})
}

func (e *Exchange) setStatus(task *market.Task, status market.TaskStatus) {
	e.mu.Lock()
	task.Status = status
	task.UpdatedAt = time.Now()
	e.mu.Unlock()
}

// taskSnapshot hands the controllers a private copy so the live record
// is only ever mutated under the exchange lock.
func (e *Exchange) taskSnapshot(task *market.Task) *market.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := *task
	return &copied
}

func (e *Exchange) isCancelled(task *market.Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return task.Status == market.StatusCancelled
}

func (e *Exchange) cancelAllRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.cancels {
		cancel()
	}
}

func (e *Exchange) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// persistPending snapshots every non-terminal task so a restart can
// pick the queue back up.
func (e *Exchange) persistPending(ctx context.Context) (int, error) {
	e.mu.Lock()
	snapshot := make([]*market.Task, 0, len(e.tasks))
	for _, task := range e.tasks {
		if !task.Status.Terminal() && task.Status != market.StatusHalted {
			copied := *task
			snapshot = append(snapshot, &copied)
		}
	}
	e.mu.Unlock()

	persisted := 0
	for _, task := range snapshot {
		data, err := json.Marshal(task)
		if err != nil {
			return persisted, err
		}
		if err := e.store.Set(ctx, kv.PendingTaskKey(task.ID), data); err != nil {
			return persisted, err
		}
		persisted++
	}
	return persisted, nil
}

// restorePending re-queues tasks persisted by the previous shutdown.
// An interrupted auction does not count against the attempt budget.
func (e *Exchange) restorePending(ctx context.Context) (int, error) {
	raw, err := e.store.List(ctx, kv.PendingTaskPrefix())
	if err != nil {
		return 0, err
	}
	restored := 0
	for key, data := range raw {
		var task market.Task
		if err := json.Unmarshal(data, &task); err != nil {
			e.logger.Warn("skipping corrupt pending task",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if task.Status != market.StatusPending && task.AuctionAttempt > 0 {
			task.AuctionAttempt--
		}
		task.Status = market.StatusPending
		task.AssignedAgent = ""
		task.AuctionID = ""
		task.LockedBy = ""
		task.TimeoutAt = nil
		task.UpdatedAt = time.Now()

		t := task
		e.mu.Lock()
		e.tasks[t.ID] = &t
		e.mu.Unlock()
		e.queue.Enqueue(&t)
		restored++

		if err := e.store.Delete(ctx, key); err != nil {
			e.logger.Warn("deleting restored snapshot failed",
				zap.String("key", key), zap.Error(err))
		}
	}
	return restored, nil
}

func versionIn(ranked []market.EvaluatedBid, agentID string) string {
	for _, eb := range ranked {
		if eb.Bid.AgentID == agentID {
			return eb.Bid.AgentVersion
		}
	}
	return "unknown"
}
