package orderbook

import (
	"github.com/itskum47/BidForge/exchange/market"
	"github.com/itskum47/BidForge/exchange/reputation"
)

// Scoring weights. baseScore blends self-reported confidence with a
// timeliness bonus; the result is then shaded by reputation and tier.
const (
	confidenceWeight = 0.7
	timelinessWeight = 0.3

	// timelinessCapMs is the estimate at which the bonus bottoms out.
	// Slower estimates are never punished below zero.
	timelinessCapMs = 30_000

	flaggedRepFactor = 0.5
)

// Score computes the final ranking score for one bid:
//
//	baseScore = 0.7*confidence + 0.3*timelinessBonus(estimatedTimeMs)
//	repFactor = flagged ? 0.5 : 0.5 + 0.5*accuracy
//	score     = baseScore * repFactor * tierFactor
func Score(bid market.Bid, snap reputation.Snapshot) float64 {
	base := confidenceWeight*clamp01(bid.Confidence) +
		timelinessWeight*TimelinessBonus(bid.EstimatedTimeMs)

	repFactor := flaggedRepFactor
	if !snap.Flagged {
		repFactor = 0.5 + 0.5*clamp01(snap.Accuracy)
	}
	return base * repFactor * bid.Tier.Factor()
}

// TimelinessBonus maps an estimated execution time monotonically
// decreasing into [0,1].
func TimelinessBonus(estimatedMs int64) float64 {
	if estimatedMs <= 0 {
		return 1.0
	}
	if estimatedMs >= timelinessCapMs {
		return 0.0
	}
	return 1.0 - float64(estimatedMs)/float64(timelinessCapMs)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
