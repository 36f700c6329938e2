// Package orderbook accumulates sealed bids for one auction and ranks
// them at close.
package orderbook

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/market"
	"github.com/itskum47/BidForge/exchange/reputation"
)

var (
	ErrBookClosed    = errors.New("orderbook: book is closed")
	ErrNotCandidate  = errors.New("orderbook: agent is not in the candidate set")
	ErrDuplicateBid  = errors.New("orderbook: agent already bid in this auction")
	ErrAlreadyClosed = errors.New("orderbook: book already closed")
)

// ReputationSource supplies the scoring view of an agent.
type ReputationSource interface {
	Snapshot(agentID string) reputation.Snapshot
}

// Book is the per-auction bid accumulator. It opens at creation and is
// closed exactly once by the auction controller.
type Book struct {
	auctionID  string
	mu         sync.Mutex
	open       bool
	candidates map[string]struct{}
	bids       map[string]market.Bid
	responses  int
	complete   chan struct{}
	logger     *zap.Logger
}

// NewBook opens a book for the given candidate set.
func NewBook(auctionID string, candidates []string, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		set[c] = struct{}{}
	}
	return &Book{
		auctionID:  auctionID,
		open:       true,
		candidates: set,
		bids:       make(map[string]market.Bid),
		complete:   make(chan struct{}),
		logger:     logger,
	}
}

// AuctionID returns the auction this book belongs to.
func (b *Book) AuctionID() string { return b.auctionID }

// SubmitBid records a bid. First bid wins per agent; late and
// out-of-candidate bids are rejected.
func (b *Book) SubmitBid(bid market.Bid) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return ErrBookClosed
	}
	if _, ok := b.candidates[bid.AgentID]; !ok {
		return ErrNotCandidate
	}
	if _, ok := b.bids[bid.AgentID]; ok {
		return ErrDuplicateBid
	}
	b.bids[bid.AgentID] = bid
	b.responses++
	b.logger.Debug("bid recorded",
		zap.String("auction_id", b.auctionID),
		zap.String("agent_id", bid.AgentID),
		zap.Float64("confidence", bid.Confidence),
	)
	if b.responses >= len(b.candidates) {
		close(b.complete)
	}
	return nil
}

// RecordDecline counts a nil-bid response toward the expected total so
// the controller can close early once every candidate answered.
func (b *Book) RecordDecline(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return ErrBookClosed
	}
	if _, ok := b.candidates[agentID]; !ok {
		return ErrNotCandidate
	}
	if _, ok := b.bids[agentID]; ok {
		return ErrDuplicateBid
	}
	// A decline consumes the agent's one response slot.
	b.bids[agentID] = market.Bid{AgentID: agentID, Confidence: -1}
	b.responses++
	if b.responses >= len(b.candidates) {
		close(b.complete)
	}
	return nil
}

// Complete is closed once every candidate has responded.
func (b *Book) Complete() <-chan struct{} { return b.complete }

// BidCount returns the number of real (non-decline) bids.
func (b *Book) BidCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bid := range b.bids {
		if bid.Confidence >= 0 {
			n++
		}
	}
	return n
}

// Close seals the book. Further submissions are ignored by the caller
// mapping ErrBookClosed.
func (b *Book) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrAlreadyClosed
	}
	b.open = false
	return nil
}

// EvaluateAndRank scores every real bid against the reputation source
// and returns them best-first. Runs once, after Close.
func (b *Book) EvaluateAndRank(reps ReputationSource) []market.EvaluatedBid {
	b.mu.Lock()
	defer b.mu.Unlock()

	evaluated := make([]market.EvaluatedBid, 0, len(b.bids))
	for _, bid := range b.bids {
		if bid.Confidence < 0 {
			continue // decline placeholder
		}
		snap := reps.Snapshot(bid.AgentID)
		evaluated = append(evaluated, market.EvaluatedBid{
			Bid:        bid,
			Score:      Score(bid, snap),
			Reputation: snap.Accuracy,
			Flagged:    snap.Flagged,
		})
	}
	sort.Slice(evaluated, func(i, j int) bool {
		return evaluated[i].Less(evaluated[j])
	})
	for i := range evaluated {
		evaluated[i].Rank = i + 1
	}
	return evaluated
}
