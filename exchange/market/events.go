package market

import "time"

// EventKind identifies an event variant on the exchange bus.
type EventKind string

const (
	EventTaskQueued            EventKind = "task:queued"
	EventAuctionStarted        EventKind = "auction:started"
	EventAuctionCandidates     EventKind = "auction:candidates"
	EventAuctionClosed         EventKind = "auction:closed"
	EventTaskAssigned          EventKind = "task:assigned"
	EventTaskExecuting         EventKind = "task:executing"
	EventTaskLocked            EventKind = "task:locked"
	EventTaskUnlocked          EventKind = "task:unlocked"
	EventTaskAcked             EventKind = "task:acked"
	EventTaskHeartbeat         EventKind = "task:heartbeat"
	EventTaskSettled           EventKind = "task:settled"
	EventTaskBusted            EventKind = "task:busted"
	EventTaskDeadLetter        EventKind = "task:dead_letter"
	EventTaskCancelled         EventKind = "task:cancelled"
	EventTaskAgentDisconnected EventKind = "task:agent_disconnected"
	EventTaskRouteToErrorAgent EventKind = "task:route_to_error_agent"
	EventAgentConnected        EventKind = "agent:connected"
	EventAgentDisconnected     EventKind = "agent:disconnected"
	EventAgentUnhealthy        EventKind = "agent:unhealthy"
	EventAgentFlagged          EventKind = "agent:flagged"
	EventExchangeHalt          EventKind = "exchange:halt"
	EventExchangeStarted       EventKind = "exchange:started"
	EventShutdownStarted       EventKind = "exchange:shutdown_started"
	EventShutdownComplete      EventKind = "exchange:shutdown_complete"
)

// Event is one typed occurrence on the exchange bus. Consumers switch on
// the concrete type; payloads are plain struct fields, never reflected.
type Event interface {
	Kind() EventKind
	At() time.Time
}

type Meta struct {
	Time time.Time `json:"time"`
}

func (m Meta) At() time.Time { return m.Time }

// NewMeta stamps an event with the current time.
func NewMeta() Meta { return Meta{Time: time.Now()} }

type TaskQueued struct {
	Meta
	TaskID   string   `json:"task_id"`
	Priority Priority `json:"priority"`
}

func (TaskQueued) Kind() EventKind { return EventTaskQueued }

type AuctionStarted struct {
	Meta
	TaskID    string `json:"task_id"`
	AuctionID string `json:"auction_id"`
	Attempt   int    `json:"attempt"`
}

func (AuctionStarted) Kind() EventKind { return EventAuctionStarted }

type AuctionCandidates struct {
	Meta
	AuctionID string   `json:"auction_id"`
	TaskID    string   `json:"task_id"`
	AgentIDs  []string `json:"agent_ids"`
}

func (AuctionCandidates) Kind() EventKind { return EventAuctionCandidates }

type AuctionClosed struct {
	Meta
	AuctionID string         `json:"auction_id"`
	TaskID    string         `json:"task_id"`
	Ranked    []EvaluatedBid `json:"ranked"`
}

func (AuctionClosed) Kind() EventKind { return EventAuctionClosed }

type TaskAssigned struct {
	Meta
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	IsBackup    bool   `json:"is_backup"`
	BackupIndex int    `json:"backup_index"`
}

func (TaskAssigned) Kind() EventKind { return EventTaskAssigned }

type TaskExecuting struct {
	Meta
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (TaskExecuting) Kind() EventKind { return EventTaskExecuting }

type TaskLocked struct {
	Meta
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (TaskLocked) Kind() EventKind { return EventTaskLocked }

type TaskUnlocked struct {
	Meta
	TaskID string `json:"task_id"`
}

func (TaskUnlocked) Kind() EventKind { return EventTaskUnlocked }

type TaskAcked struct {
	Meta
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	EstimatedMs int64  `json:"estimated_ms,omitempty"`
}

func (TaskAcked) Kind() EventKind { return EventTaskAcked }

type TaskHeartbeat struct {
	Meta
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Progress string `json:"progress,omitempty"`
}

func (TaskHeartbeat) Kind() EventKind { return EventTaskHeartbeat }

type TaskSettled struct {
	Meta
	TaskID  string  `json:"task_id"`
	AgentID string  `json:"agent_id,omitempty"`
	Result  *Result `json:"result"`
}

func (TaskSettled) Kind() EventKind { return EventTaskSettled }

type TaskBusted struct {
	Meta
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	IsTimeout bool   `json:"is_timeout"`
	Error     string `json:"error,omitempty"`
}

func (TaskBusted) Kind() EventKind { return EventTaskBusted }

type TaskDeadLetter struct {
	Meta
	TaskID   string `json:"task_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func (TaskDeadLetter) Kind() EventKind { return EventTaskDeadLetter }

type TaskCancelled struct {
	Meta
	TaskID string `json:"task_id"`
}

func (TaskCancelled) Kind() EventKind { return EventTaskCancelled }

type TaskAgentDisconnected struct {
	Meta
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (TaskAgentDisconnected) Kind() EventKind { return EventTaskAgentDisconnected }

type TaskRouteToErrorAgent struct {
	Meta
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

func (TaskRouteToErrorAgent) Kind() EventKind { return EventTaskRouteToErrorAgent }

type AgentConnected struct {
	Meta
	AgentID string `json:"agent_id"`
	Version string `json:"version"`
}

func (AgentConnected) Kind() EventKind { return EventAgentConnected }

type AgentDisconnected struct {
	Meta
	AgentID string `json:"agent_id"`
}

func (AgentDisconnected) Kind() EventKind { return EventAgentDisconnected }

type AgentUnhealthy struct {
	Meta
	AgentID       string    `json:"agent_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (AgentUnhealthy) Kind() EventKind { return EventAgentUnhealthy }

type AgentFlagged struct {
	Meta
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (AgentFlagged) Kind() EventKind { return EventAgentFlagged }

type ExchangeHalt struct {
	Meta
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

func (ExchangeHalt) Kind() EventKind { return EventExchangeHalt }

type ExchangeStarted struct {
	Meta
	Restored int `json:"restored"`
}

func (ExchangeStarted) Kind() EventKind { return EventExchangeStarted }

type ShutdownStarted struct {
	Meta
}

func (ShutdownStarted) Kind() EventKind { return EventShutdownStarted }

type ShutdownComplete struct {
	Meta
	Persisted int `json:"persisted"`
}

func (ShutdownComplete) Kind() EventKind { return EventShutdownComplete }
