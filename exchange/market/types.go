package market

import (
	"time"
)

// Priority orders tasks in the exchange queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority maps the producer-facing string form back to a Priority.
// Unknown values fall back to NORMAL.
func ParsePriority(s string) Priority {
	switch s {
	case "LOW":
		return PriorityLow
	case "HIGH":
		return PriorityHigh
	case "URGENT":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// TaskStatus represents the current state of a task in the auction
// state machine.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusOpen       TaskStatus = "OPEN"
	StatusMatching   TaskStatus = "MATCHING"
	StatusAssigned   TaskStatus = "ASSIGNED"
	StatusSettled    TaskStatus = "SETTLED"
	StatusBusted     TaskStatus = "BUSTED"
	StatusHalted     TaskStatus = "HALTED"
	StatusDeadLetter TaskStatus = "DEAD_LETTER"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transitions may leave the state.
func (s TaskStatus) Terminal() bool {
	return s == StatusSettled || s == StatusDeadLetter || s == StatusCancelled
}

// Result carries the outcome of a task execution.
type Result struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	FastPath bool           `json:"fast_path,omitempty"`
}

// SoftDecline reports whether the result is a failed-but-handled answer:
// the agent processed the request and legitimately reported inability.
// Such results settle the task without a cascade or reputation penalty.
func (r *Result) SoftDecline() bool {
	return r != nil && !r.Success && r.Message != ""
}

// Task is one unit of work flowing through the exchange.
type Task struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Priority Priority          `json:"priority"`

	Status         TaskStatus `json:"status"`
	AuctionID      string     `json:"auction_id,omitempty"`
	AuctionAttempt int        `json:"auction_attempt"`

	AssignedAgent      string   `json:"assigned_agent,omitempty"`
	BackupAgents       []string `json:"backup_agents,omitempty"`
	CurrentBackupIndex int      `json:"current_backup_index"`

	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
	LockedBy  string     `json:"locked_by,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`

	Result    *Result   `json:"result,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata keys recognized by the auction controller.
const (
	MetaSource         = "source"
	MetaRoutingMode    = "routingMode"
	MetaLockedAgentID  = "lockedAgentId"
	MetaAgentFilter    = "agentFilter"
	MetaPreviousResult = "previousResult"

	SourceSubtask     = "subtask"
	RoutingModeLocked = "locked"
)

// Tier is the coarse trust bucket of a bidding agent.
type Tier string

const (
	TierBuiltin   Tier = "builtin"
	TierCommunity Tier = "community"
	TierCustom    Tier = "custom"
)

// Factor returns the multiplicative trust factor applied in bid scoring.
func (t Tier) Factor() float64 {
	switch t {
	case TierBuiltin:
		return 1.00
	case TierCommunity:
		return 0.95
	default:
		return 0.90
	}
}

// rank returns an ordinal used for tie-breaking, lower is better.
func (t Tier) rank() int {
	switch t {
	case TierBuiltin:
		return 0
	case TierCommunity:
		return 1
	default:
		return 2
	}
}

// Bid is an agent's sealed offer to execute a task.
type Bid struct {
	AgentID         string    `json:"agent_id"`
	AgentVersion    string    `json:"agent_version"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning,omitempty"`
	EstimatedTimeMs int64     `json:"estimated_time_ms"`
	SubmittedAt     time.Time `json:"submitted_at"`
	Tier            Tier      `json:"tier"`

	// Result is the fast-path inline answer for informational bids that
	// need no execution round-trip.
	Result *Result `json:"result,omitempty"`
}

// EvaluatedBid is a bid plus its computed score, produced once at
// auction close.
type EvaluatedBid struct {
	Bid        Bid     `json:"bid"`
	Score      float64 `json:"score"`
	Reputation float64 `json:"reputation"`
	Flagged    bool    `json:"flagged"`
	Rank       int     `json:"rank"`
}

// Less orders evaluated bids best-first: score, then tier, then lower
// estimated time, then earlier submission, then agent id.
func (e EvaluatedBid) Less(o EvaluatedBid) bool {
	if e.Score != o.Score {
		return e.Score > o.Score
	}
	if e.Bid.Tier != o.Bid.Tier {
		return e.Bid.Tier.rank() < o.Bid.Tier.rank()
	}
	if e.Bid.EstimatedTimeMs != o.Bid.EstimatedTimeMs {
		return e.Bid.EstimatedTimeMs < o.Bid.EstimatedTimeMs
	}
	if !e.Bid.SubmittedAt.Equal(o.Bid.SubmittedAt) {
		return e.Bid.SubmittedAt.Before(o.Bid.SubmittedAt)
	}
	return e.Bid.AgentID < o.Bid.AgentID
}

// ExecutionMode is how a master evaluator wants the winning set run.
type ExecutionMode string

const (
	ModeSingle   ExecutionMode = "single"
	ModeParallel ExecutionMode = "parallel"
	ModeSeries   ExecutionMode = "series"
)

// EvaluatorDecision is the contract returned by an external master
// evaluator hook. Winners must be drawn from the ranked bid list.
type EvaluatorDecision struct {
	Winners       []string          `json:"winners"`
	Mode          ExecutionMode     `json:"execution_mode"`
	Reasoning     string            `json:"reasoning,omitempty"`
	RejectedBids  []string          `json:"rejected_bids,omitempty"`
	AgentFeedback map[string]string `json:"agent_feedback,omitempty"`
}

// AgentConn is the transport-owned handle for one connected agent.
// Only the exchange writes to it; the transport layer reads.
type AgentConn interface {
	SendJSON(v any) error
}
