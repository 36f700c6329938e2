// Package auction drives one task through the sealed-bid auction state
// machine: candidate selection, bidding window, winner ranking.
package auction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/category"
	"github.com/itskum47/BidForge/exchange/market"
	"github.com/itskum47/BidForge/exchange/orderbook"
	"github.com/itskum47/BidForge/exchange/registry"
)

var ErrUnknownAuction = errors.New("auction: unknown auction id")

// Broadcaster delivers a bid request to one candidate. Implemented by
// the transport gateway.
type Broadcaster interface {
	SendBidRequest(agentID string, req market.BidRequest) error
}

// MasterEvaluator is the optional external winner-selection hook. It
// must be a pure function of (task, rankedBids) and return at least one
// id drawn from the ranked list; the controller ignores evaluator
// failures and falls back to the top scorer.
type MasterEvaluator interface {
	Evaluate(task *market.Task, ranked []market.EvaluatedBid) (market.EvaluatorDecision, error)
}

// Config holds the auction tunables.
type Config struct {
	Window WindowConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Window: DefaultWindowConfig()}
}

// Outcome is the result of one auction attempt.
type Outcome struct {
	AuctionID  string
	Halted     bool
	HaltReason string

	// DeadLetter is set when a locked subtask's agent is unavailable.
	DeadLetter bool

	// LockedAssign short-circuits the auction: assign directly to this
	// agent, preserving parent-task continuity for decomposed work.
	LockedAssign string

	Ranked   []market.EvaluatedBid
	Winners  []string
	Backups  []string
	Mode     market.ExecutionMode
	FastPath *market.Result
}

// Controller runs auctions and routes incoming bid responses to the
// open order book of each.
type Controller struct {
	cfg         Config
	index       *category.Index
	reps        orderbook.ReputationSource
	agents      *registry.Registry
	broadcaster Broadcaster
	evaluator   MasterEvaluator
	emit        func(market.Event)
	logger      *zap.Logger

	mu    sync.Mutex
	books map[string]*orderbook.Book
}

// NewController wires an auction controller. evaluator and emit may be
// nil.
func NewController(
	cfg Config,
	index *category.Index,
	reps orderbook.ReputationSource,
	agents *registry.Registry,
	broadcaster Broadcaster,
	evaluator MasterEvaluator,
	emit func(market.Event),
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(market.Event) {}
	}
	return &Controller{
		cfg:         cfg,
		index:       index,
		reps:        reps,
		agents:      agents,
		broadcaster: broadcaster,
		evaluator:   evaluator,
		emit:        emit,
		logger:      logger,
		books:       make(map[string]*orderbook.Book),
	}
}

// Run executes one auction attempt for the task. The auction id is
// minted here and reported through the AuctionStarted event and the
// Outcome; the task record itself is never mutated, status transitions
// are applied by the caller.
func (c *Controller) Run(ctx context.Context, task *market.Task, queueDepth int) Outcome {
	if agentID, locked := lockedRouting(task); locked {
		if c.agents.IsHealthy(agentID) {
			return Outcome{LockedAssign: agentID}
		}
		c.logger.Warn("locked agent unavailable",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID),
		)
		return Outcome{DeadLetter: true}
	}

	auctionID := uuid.New().String()
	c.emit(market.AuctionStarted{
		Meta:      market.NewMeta(),
		TaskID:    task.ID,
		AuctionID: auctionID,
		Attempt:   task.AuctionAttempt,
	})

	candidates := c.selectCandidates(task)
	c.emit(market.AuctionCandidates{
		Meta:      market.NewMeta(),
		AuctionID: auctionID,
		TaskID:    task.ID,
		AgentIDs:  candidates,
	})

	if len(candidates) == 0 {
		c.emit(market.ExchangeHalt{Meta: market.NewMeta(), TaskID: task.ID, Reason: "no candidate agents"})
		return Outcome{AuctionID: auctionID, Halted: true, HaltReason: "no candidate agents"}
	}

	window := c.cfg.Window.SelectWindow(task.Content, len(candidates))
	book := orderbook.NewBook(auctionID, candidates, c.logger)
	c.mu.Lock()
	c.books[auctionID] = book
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.books, auctionID)
		c.mu.Unlock()
	}()

	c.broadcast(book, task, candidates, window, queueDepth)

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-book.Complete():
	case <-ctx.Done():
	}

	// Late bids after this point are rejected by the sealed book.
	if err := book.Close(); err != nil {
		c.logger.Error("order book close failed",
			zap.String("auction_id", auctionID), zap.Error(err))
	}
	ranked := book.EvaluateAndRank(c.reps)
	c.emit(market.AuctionClosed{
		Meta:      market.NewMeta(),
		AuctionID: auctionID,
		TaskID:    task.ID,
		Ranked:    ranked,
	})

	if len(ranked) == 0 {
		c.emit(market.ExchangeHalt{Meta: market.NewMeta(), TaskID: task.ID, Reason: "no bids received"})
		return Outcome{AuctionID: auctionID, Halted: true, HaltReason: "no bids received"}
	}

	winners, mode := c.selectWinners(task, ranked)
	backups := backupsFor(ranked, winners)

	out := Outcome{
		AuctionID: auctionID,
		Ranked:    ranked,
		Winners:   winners,
		Backups:   backups,
		Mode:      mode,
	}
	if mode == market.ModeSingle && len(winners) == 1 {
		if top := findBid(ranked, winners[0]); top != nil && top.Bid.Result != nil {
			res := *top.Bid.Result
			res.FastPath = true
			out.FastPath = &res
		}
	}
	return out
}

// HandleBidResponse routes an agent's response into the open book.
// A nil bid is a decline and consumes the agent's response slot.
func (c *Controller) HandleBidResponse(resp market.BidResponse) error {
	c.mu.Lock()
	book, ok := c.books[resp.AuctionID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownAuction
	}
	if resp.Bid == nil {
		return book.RecordDecline(resp.AgentID)
	}

	bid := *resp.Bid
	bid.AgentID = resp.AgentID
	bid.AgentVersion = resp.AgentVersion
	if bid.SubmittedAt.IsZero() {
		bid.SubmittedAt = time.Now()
	}
	return book.SubmitBid(bid)
}

// selectCandidates queries the category index and applies the optional
// agentFilter metadata intersection, then keeps only agents the
// registry considers healthy.
func (c *Controller) selectCandidates(task *market.Task) []string {
	candidates := c.index.AgentsForTask(task)

	if filter, ok := task.Metadata[market.MetaAgentFilter]; ok && filter != "" {
		allowed := make(map[string]struct{})
		for _, id := range strings.Split(filter, ",") {
			allowed[strings.TrimSpace(id)] = struct{}{}
		}
		kept := candidates[:0]
		for _, id := range candidates {
			if _, ok := allowed[id]; ok {
				kept = append(kept, id)
			}
		}
		candidates = kept
	}

	healthy := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if c.agents.IsHealthy(id) {
			healthy = append(healthy, id)
		}
	}
	return healthy
}

func (c *Controller) broadcast(book *orderbook.Book, task *market.Task, candidates []string, window time.Duration, queueDepth int) {
	deadline := time.Now().Add(window)
	req := market.BidRequest{
		AuctionID: book.AuctionID(),
		Task:      task,
		Context: market.BidContext{
			QueueDepth:          queueDepth,
			ParticipatingAgents: candidates,
		},
		Deadline: deadline,
	}
	for _, agentID := range candidates {
		if err := c.broadcaster.SendBidRequest(agentID, req); err != nil {
			c.logger.Warn("bid request delivery failed",
				zap.String("auction_id", book.AuctionID()),
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			// Undeliverable candidates will never answer; free their
			// response slot so the book can complete early.
			_ = book.RecordDecline(agentID)
		}
	}
}

// selectWinners applies the master evaluator hook when configured,
// falling back to the top scorer on any failure.
func (c *Controller) selectWinners(task *market.Task, ranked []market.EvaluatedBid) (winners []string, mode market.ExecutionMode) {
	winners = []string{ranked[0].Bid.AgentID}
	mode = market.ModeSingle
	if c.evaluator == nil {
		return winners, mode
	}

	decision, err := c.safeEvaluate(task, ranked)
	if err != nil {
		c.logger.Warn("master evaluator failed, using top scorer",
			zap.String("task_id", task.ID), zap.Error(err))
		return winners, mode
	}
	valid := decision.Winners[:0]
	for _, id := range decision.Winners {
		if findBid(ranked, id) != nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return winners, mode
	}
	if decision.Mode == "" {
		decision.Mode = market.ModeSingle
	}
	return valid, decision.Mode
}

func (c *Controller) safeEvaluate(task *market.Task, ranked []market.EvaluatedBid) (decision market.EvaluatorDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("master evaluator panicked")
		}
	}()
	return c.evaluator.Evaluate(task, ranked)
}

func lockedRouting(task *market.Task) (string, bool) {
	if task.Metadata[market.MetaSource] != market.SourceSubtask {
		return "", false
	}
	if task.Metadata[market.MetaRoutingMode] != market.RoutingModeLocked {
		return "", false
	}
	agentID := task.Metadata[market.MetaLockedAgentID]
	return agentID, agentID != ""
}

func backupsFor(ranked []market.EvaluatedBid, winners []string) []string {
	isWinner := make(map[string]struct{}, len(winners))
	for _, id := range winners {
		isWinner[id] = struct{}{}
	}
	var backups []string
	for _, eb := range ranked {
		if _, ok := isWinner[eb.Bid.AgentID]; !ok {
			backups = append(backups, eb.Bid.AgentID)
		}
	}
	return backups
}

func findBid(ranked []market.EvaluatedBid, agentID string) *market.EvaluatedBid {
	for i := range ranked {
		if ranked[i].Bid.AgentID == agentID {
			return &ranked[i]
		}
	}
	return nil
}
