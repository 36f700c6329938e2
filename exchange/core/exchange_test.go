package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/BidForge/exchange/auction"
	"github.com/itskum47/BidForge/exchange/category"
	"github.com/itskum47/BidForge/exchange/execution"
	"github.com/itskum47/BidForge/exchange/kv"
	"github.com/itskum47/BidForge/exchange/market"
)

type fakeConn struct{}

func (fakeConn) SendJSON(v any) error { return nil }

// agentScript controls how a simulated agent reacts to bid requests and
// assignments.
type agentScript struct {
	bid         *market.Bid // nil declines every auction
	silent      bool        // never answers a bid request at all
	noAck       bool
	noResult    bool
	ackEstimate int64
	assignDelay time.Duration // stalls assignment delivery
	result      *market.Result
}

type fakeTransport struct {
	mu          sync.Mutex
	ex          *Exchange
	scripts     map[string]*agentScript
	assignments []market.TaskAssignment
}

func (tr *fakeTransport) SendBidRequest(agentID string, req market.BidRequest) error {
	tr.mu.Lock()
	sc := tr.scripts[agentID]
	ex := tr.ex
	tr.mu.Unlock()
	if sc != nil && sc.silent {
		return nil
	}
	go func() {
		var bid *market.Bid
		if sc != nil && sc.bid != nil {
			b := *sc.bid
			bid = &b
		}
		_ = ex.HandleBidResponse(market.BidResponse{
			AuctionID:    req.AuctionID,
			AgentID:      agentID,
			AgentVersion: "1.0",
			Bid:          bid,
		})
	}()
	return nil
}

func (tr *fakeTransport) SendAssignment(agentID string, msg market.TaskAssignment) error {
	tr.mu.Lock()
	tr.assignments = append(tr.assignments, msg)
	sc := tr.scripts[agentID]
	ex := tr.ex
	tr.mu.Unlock()
	if sc != nil && sc.assignDelay > 0 {
		time.Sleep(sc.assignDelay)
	}
	go func() {
		if sc == nil || sc.noAck {
			return
		}
		est := int64(50)
		if sc.ackEstimate > 0 {
			est = sc.ackEstimate
		}
		if err := ex.HandleAck(msg.TaskID, est); err != nil {
			return
		}
		if sc.noResult {
			return
		}
		res := sc.result
		if res == nil {
			res = &market.Result{Success: true, Message: "done"}
		}
		_ = ex.HandleResult(msg.TaskID, res)
	}()
	return nil
}

func (tr *fakeTransport) sentAssignments() []market.TaskAssignment {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]market.TaskAssignment(nil), tr.assignments...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAuctionAttempts = 2
	cfg.ShutdownGrace = time.Second
	cfg.Auction.Window = auction.WindowConfig{
		MinWindow:     30 * time.Millisecond,
		DefaultWindow: 60 * time.Millisecond,
		MaxWindow:     120 * time.Millisecond,
	}
	cfg.Execution.Lease = execution.LeaseConfig{
		AckTimeout:         60 * time.Millisecond,
		ExecPadding:        40 * time.Millisecond,
		MaxExecTimeout:     400 * time.Millisecond,
		HeartbeatExtension: 100 * time.Millisecond,
	}
	return cfg
}

func newTestExchange(t *testing.T, store kv.Store) (*Exchange, *fakeTransport) {
	t.Helper()
	if store == nil {
		store = kv.NewMemoryStore()
	}
	tr := &fakeTransport{scripts: make(map[string]*agentScript)}
	ex := New(testConfig(), store, tr, nil, nil)
	tr.mu.Lock()
	tr.ex = ex
	tr.mu.Unlock()

	ex.Categories().Define(category.Category{
		ID:          "general",
		Patterns:    []string{"translate", "step"},
		Specificity: 1,
	})
	return ex, tr
}

func connectAgent(ex *Exchange, tr *fakeTransport, id string, sc *agentScript) {
	tr.mu.Lock()
	tr.scripts[id] = sc
	tr.mu.Unlock()
	ex.HandleAgentConnect(id, "1.0", []string{"general"}, fakeConn{})
}

func submitTask(t *testing.T, ex *Exchange, content string, meta map[string]string) *market.Task {
	t.Helper()
	task, err := ex.Submit(context.Background(), SubmitRequest{
		Content:  content,
		Priority: market.PriorityNormal,
		Metadata: meta,
	})
	require.NoError(t, err)
	return task
}

func waitForStatus(t *testing.T, ex *Exchange, taskID string, want market.TaskStatus) market.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := ex.GetTask(taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := ex.GetTask(taskID)
	t.Fatalf("task %s never reached %s, stuck at %s", taskID, want, task.Status)
	return market.Task{}
}

func startExchange(t *testing.T, ex *Exchange) {
	t.Helper()
	require.NoError(t, ex.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ex.Shutdown(ctx)
	})
}

func TestSubmitToSettlement(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "alpha", &agentScript{
		bid: &market.Bid{Confidence: 0.9, EstimatedTimeMs: 2000, Tier: market.TierBuiltin},
	})
	connectAgent(ex, tr, "beta", &agentScript{
		bid: &market.Bid{Confidence: 0.5, EstimatedTimeMs: 5000, Tier: market.TierCustom},
	})
	startExchange(t, ex)

	task := submitTask(t, ex, "translate this paragraph", nil)
	settled := waitForStatus(t, ex, task.ID, market.StatusSettled)

	require.NotNil(t, settled.Result)
	assert.True(t, settled.Result.Success)
	assert.Equal(t, "alpha", settled.AssignedAgent)
	assert.Greater(t, ex.Reputation().Snapshot("alpha").Accuracy, 0.5, "winner credited")
}

func TestAckTimeoutCascadesToBackup(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "alpha", &agentScript{
		bid:   &market.Bid{Confidence: 0.9, EstimatedTimeMs: 2000, Tier: market.TierBuiltin},
		noAck: true,
	})
	connectAgent(ex, tr, "beta", &agentScript{
		bid: &market.Bid{Confidence: 0.5, EstimatedTimeMs: 5000, Tier: market.TierCustom},
	})
	startExchange(t, ex)

	task := submitTask(t, ex, "translate this paragraph", nil)
	settled := waitForStatus(t, ex, task.ID, market.StatusSettled)

	assert.Equal(t, "beta", settled.AssignedAgent)
	assert.Less(t, ex.Reputation().Snapshot("alpha").Accuracy, 0.5, "silent winner debited")

	sent := tr.sentAssignments()
	require.Len(t, sent, 2)
	assert.True(t, sent[1].IsBackup)
}

func TestNoCandidatesHaltsTask(t *testing.T) {
	ex, _ := newTestExchange(t, nil)
	startExchange(t, ex)

	task := submitTask(t, ex, "translate this paragraph", nil)
	waitForStatus(t, ex, task.ID, market.StatusHalted)
}

func TestReAuctionEndsInDeadLetter(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "alpha", &agentScript{
		bid:   &market.Bid{Confidence: 0.9, EstimatedTimeMs: 2000, Tier: market.TierBuiltin},
		noAck: true,
	})
	startExchange(t, ex)

	task := submitTask(t, ex, "translate this paragraph", nil)
	dead := waitForStatus(t, ex, task.ID, market.StatusDeadLetter)

	assert.Equal(t, 2, dead.AuctionAttempt, "attempt budget exhausted")
	assert.NotEmpty(t, dead.LastError)
}

func TestFastPathSettlesWithoutAssignment(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "alpha", &agentScript{
		bid: &market.Bid{
			Confidence:      0.95,
			EstimatedTimeMs: 100,
			Tier:            market.TierBuiltin,
			Result:          &market.Result{Success: true, Message: "the answer is 42"},
		},
	})
	startExchange(t, ex)

	task := submitTask(t, ex, "translate this paragraph", nil)
	settled := waitForStatus(t, ex, task.ID, market.StatusSettled)

	require.NotNil(t, settled.Result)
	assert.True(t, settled.Result.FastPath)
	assert.Empty(t, tr.sentAssignments(), "inline result skips the execution round-trip")
	assert.Greater(t, ex.Reputation().Snapshot("alpha").Accuracy, 0.5)
}

func TestSoftDeclineSettlesWithoutCascade(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "alpha", &agentScript{
		bid:    &market.Bid{Confidence: 0.9, EstimatedTimeMs: 2000, Tier: market.TierBuiltin},
		result: &market.Result{Success: false, Message: "that file does not exist"},
	})
	connectAgent(ex, tr, "beta", &agentScript{
		bid: &market.Bid{Confidence: 0.5, EstimatedTimeMs: 5000, Tier: market.TierCustom},
	})
	startExchange(t, ex)

	task := submitTask(t, ex, "translate this paragraph", nil)
	settled := waitForStatus(t, ex, task.ID, market.StatusSettled)

	require.NotNil(t, settled.Result)
	assert.False(t, settled.Result.Success)
	assert.Len(t, tr.sentAssignments(), 1, "honest inability does not cascade")
	assert.Equal(t, 0.5, ex.Reputation().Snapshot("alpha").Accuracy, "no reputation debit")
}

func TestLockedSubtaskRouting(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "parent", &agentScript{})
	startExchange(t, ex)

	meta := map[string]string{
		market.MetaSource:        market.SourceSubtask,
		market.MetaRoutingMode:   market.RoutingModeLocked,
		market.MetaLockedAgentID: "parent",
	}
	task := submitTask(t, ex, "step two of the plan", meta)
	settled := waitForStatus(t, ex, task.ID, market.StatusSettled)

	require.NotNil(t, settled.Result)
	sent := tr.sentAssignments()
	require.Len(t, sent, 1, "locked routing skips the auction")

	// A locked subtask whose agent is gone cannot be re-auctioned.
	meta[market.MetaLockedAgentID] = "vanished"
	task2 := submitTask(t, ex, "step three of the plan", meta)
	waitForStatus(t, ex, task2.ID, market.StatusDeadLetter)
}

func TestCancelIsIdempotent(t *testing.T) {
	ex, _ := newTestExchange(t, nil)
	// Not started: the task stays queued and cancellable.
	task := submitTask(t, ex, "translate this paragraph", nil)

	require.NoError(t, ex.Cancel(task.ID))
	got, err := ex.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusCancelled, got.Status)

	assert.ErrorIs(t, ex.Cancel(task.ID), ErrTaskTerminal, "second cancel reports terminal")
	assert.ErrorIs(t, ex.Cancel("missing"), ErrTaskNotFound)
}

func TestSubmitRateLimited(t *testing.T) {
	store := kv.NewMemoryStore()
	tr := &fakeTransport{scripts: make(map[string]*agentScript)}
	cfg := testConfig()
	cfg.RateLimit.MaxSubmitsPerWindow = 2
	ex := New(cfg, store, tr, nil, nil)
	tr.ex = ex

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := ex.Submit(ctx, SubmitRequest{Content: "ok"})
		require.NoError(t, err)
	}
	_, err := ex.Submit(ctx, SubmitRequest{Content: "over the line"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestShutdownPersistsAndRestartRestores(t *testing.T) {
	store := kv.NewMemoryStore()

	ex1, _ := newTestExchange(t, store)
	task := submitTask(t, ex1, "translate this paragraph", nil)
	require.NoError(t, ex1.Shutdown(context.Background()))

	// The snapshot survives the process boundary.
	raw, err := store.List(context.Background(), kv.PendingTaskPrefix())
	require.NoError(t, err)
	require.Len(t, raw, 1)

	ex2, tr2 := newTestExchange(t, store)
	connectAgent(ex2, tr2, "alpha", &agentScript{
		bid: &market.Bid{Confidence: 0.9, EstimatedTimeMs: 2000, Tier: market.TierBuiltin},
	})
	startExchange(t, ex2)

	settled := waitForStatus(t, ex2, task.ID, market.StatusSettled)
	require.NotNil(t, settled.Result)

	// The consumed snapshot is gone.
	raw, err = store.List(context.Background(), kv.PendingTaskPrefix())
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestConcurrentAuctionGateHoldsUnderBacklog(t *testing.T) {
	store := kv.NewMemoryStore()
	tr := &fakeTransport{scripts: make(map[string]*agentScript)}
	cfg := testConfig()
	cfg.RateLimit.MaxConcurrentAuctions = 2
	cfg.RateLimit.MaxSubmitsPerWindow = 100
	ex := New(cfg, store, tr, nil, nil)
	tr.mu.Lock()
	tr.ex = ex
	tr.mu.Unlock()
	ex.Categories().Define(category.Category{
		ID:          "general",
		Patterns:    []string{"translate"},
		Specificity: 1,
	})
	// A candidate that never answers keeps each bidding window open to
	// its full length, so the backlog piles up behind the gate.
	connectAgent(ex, tr, "mute", &agentScript{silent: true})
	startExchange(t, ex)

	var tasks []*market.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, submitTask(t, ex, "translate this paragraph", nil))
	}

	maxSeen := 0
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n := ex.Stats().ActiveAuctions; n > maxSeen {
			maxSeen = n
		}
		halted := 0
		for _, task := range tasks {
			got, err := ex.GetTask(task.ID)
			require.NoError(t, err)
			if got.Status == market.StatusHalted {
				halted++
			}
		}
		if halted == len(tasks) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.LessOrEqual(t, maxSeen, 2, "backlog never exceeds the concurrency gate")
	for _, task := range tasks {
		waitForStatus(t, ex, task.ID, market.StatusHalted)
	}
}

func TestTaskOpensDuringBiddingWindow(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "mute-1", &agentScript{silent: true})
	connectAgent(ex, tr, "mute-2", &agentScript{silent: true})
	connectAgent(ex, tr, "mute-3", &agentScript{silent: true})
	startExchange(t, ex)

	// Three candidates and long content select the widest bidding
	// window, keeping the task observable mid-auction.
	content := "translate the entire contents of this very long document into a second language and afterwards produce a short summary of it"
	task := submitTask(t, ex, content, nil)

	var seen []market.TaskStatus
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := ex.GetTask(task.ID)
		require.NoError(t, err)
		if len(seen) == 0 || seen[len(seen)-1] != got.Status {
			seen = append(seen, got.Status)
		}
		if got.Status == market.StatusHalted {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	assert.Contains(t, seen, market.StatusOpen, "bidding window is visible on the record")
	require.NotEmpty(t, seen)
	assert.Equal(t, market.StatusHalted, seen[len(seen)-1])
}

func TestBustedBetweenCascadeLegs(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "alpha", &agentScript{
		bid:    &market.Bid{Confidence: 0.9, EstimatedTimeMs: 2000, Tier: market.TierBuiltin},
		result: &market.Result{Success: false, Error: "crashed"},
	})
	connectAgent(ex, tr, "beta", &agentScript{
		bid:         &market.Bid{Confidence: 0.5, EstimatedTimeMs: 5000, Tier: market.TierCustom},
		assignDelay: 150 * time.Millisecond,
	})
	startExchange(t, ex)

	task := submitTask(t, ex, "translate this paragraph", nil)
	busted := waitForStatus(t, ex, task.ID, market.StatusBusted)
	assert.Equal(t, "crashed", busted.LastError)

	settled := waitForStatus(t, ex, task.ID, market.StatusSettled)
	assert.Equal(t, "beta", settled.AssignedAgent)
}

func TestLeaseMirroredOnTaskRecord(t *testing.T) {
	ex, tr := newTestExchange(t, nil)
	connectAgent(ex, tr, "alpha", &agentScript{
		bid:         &market.Bid{Confidence: 0.9, EstimatedTimeMs: 300, Tier: market.TierBuiltin},
		ackEstimate: 300,
		noResult:    true,
	})
	startExchange(t, ex)

	task := submitTask(t, ex, "translate this paragraph", nil)
	waitForStatus(t, ex, task.ID, market.StatusAssigned)

	var got market.Task
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var err error
		got, err = ex.GetTask(task.ID)
		require.NoError(t, err)
		if got.TimeoutAt != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.NotNil(t, got.TimeoutAt, "lease deadline visible while the lease is held")
	assert.Equal(t, "alpha", got.LockedBy)

	require.NoError(t, ex.HandleResult(task.ID, &market.Result{Success: true, Message: "done"}))
	settled := waitForStatus(t, ex, task.ID, market.StatusSettled)
	assert.Nil(t, settled.TimeoutAt, "mirror cleared at settlement")
	assert.Empty(t, settled.LockedBy)
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	ex, _ := newTestExchange(t, nil)
	require.NoError(t, ex.Shutdown(context.Background()))
	_, err := ex.Submit(context.Background(), SubmitRequest{Content: "late"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
