package market

import (
	"encoding/json"
	"time"
)

// Message types on the agent channel. Payloads are JSON objects framed
// in an Envelope. Time units are milliseconds unless stated.
const (
	MsgBidRequest     = "bid_request"
	MsgTaskAssignment = "task_assignment"
	MsgBidResponse    = "bid_response"
	MsgTaskAck        = "task_ack"
	MsgTaskHeartbeat  = "task_heartbeat"
	MsgTaskResult     = "task_result"
	MsgRegister       = "register"
	MsgAgentHeartbeat = "agent_heartbeat"
	MsgSubscribe      = "subscribe"
	MsgUnsubscribe    = "unsubscribe"
)

// Envelope frames every message on the agent channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// BidContext gives bidders situational awareness for pricing confidence.
type BidContext struct {
	QueueDepth          int      `json:"queue_depth"`
	ConversationHistory []string `json:"conversation_history,omitempty"`
	ConversationText    string   `json:"conversation_text,omitempty"`
	ParticipatingAgents []string `json:"participating_agents,omitempty"`
}

// BidRequest is broadcast to each auction candidate.
type BidRequest struct {
	AuctionID string     `json:"auctionId"`
	Task      *Task      `json:"task"`
	Context   BidContext `json:"context"`
	Deadline  time.Time  `json:"deadline"`
}

// TaskAssignment hands a won task to an agent for execution.
type TaskAssignment struct {
	TaskID         string   `json:"taskId"`
	Task           *Task    `json:"task"`
	IsBackup       bool     `json:"isBackup"`
	BackupIndex    int      `json:"backupIndex"`
	TimeoutMs      int64    `json:"timeout"`
	PreviousErrors []string `json:"previousErrors,omitempty"`
}

// BidResponse carries an agent's bid, or a nil Bid to decline.
type BidResponse struct {
	AuctionID    string `json:"auctionId"`
	AgentID      string `json:"agentId"`
	AgentVersion string `json:"agentVersion"`
	Bid          *Bid   `json:"bid"`
}

// TaskAck confirms receipt of an assignment. Must arrive within the
// ack timeout or the agent is treated as dead.
type TaskAck struct {
	TaskID      string `json:"taskId"`
	EstimatedMs int64  `json:"estimatedMs,omitempty"`
}

// TaskHeartbeatMsg extends the execution lease. Only valid after ack.
type TaskHeartbeatMsg struct {
	TaskID   string `json:"taskId"`
	Progress string `json:"progress,omitempty"`
	ExtendMs int64  `json:"extendMs,omitempty"`
}

// TaskResultMsg reports execution outcome.
type TaskResultMsg struct {
	TaskID string  `json:"taskId"`
	Result *Result `json:"result"`
}

// RegisterMsg announces an agent on connect.
type RegisterMsg struct {
	AgentID    string   `json:"agentId"`
	Version    string   `json:"version"`
	Categories []string `json:"categories,omitempty"`
}

// SubscribeMsg adds category subscriptions for a connected agent. The
// unsubscribe message reuses the frame with no payload and drops every
// subscription.
type SubscribeMsg struct {
	Categories []string `json:"categories"`
}

// AgentHeartbeatMsg keeps the registry presence record fresh.
type AgentHeartbeatMsg struct {
	AgentID string `json:"agentId"`
	Load    int    `json:"load,omitempty"`
}

// NewEnvelope marshals payload into a framed message.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Payload: data}, nil
}
