// Package registry tracks agent presence, health, and load. It emits
// connect/disconnect/unhealthy events; the exchange subscribes and
// reacts. The registry never calls back into the exchange.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/market"
)

// Config tunes liveness detection.
type Config struct {
	// HeartbeatTimeout marks an agent unhealthy when the time since its
	// last heartbeat exceeds it.
	HeartbeatTimeout time.Duration
	// CheckInterval is the health-check loop period.
	CheckInterval time.Duration
	// DisconnectGrace keeps a record around after socket teardown so a
	// quickly reconnecting agent keeps its identity.
	DisconnectGrace time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		CheckInterval:    5 * time.Second,
		DisconnectGrace:  10 * time.Second,
	}
}

// Record is one registered agent.
type Record struct {
	AgentID       string    `json:"agent_id"`
	Version       string    `json:"version"`
	Categories    []string  `json:"categories"`
	TaskCount     int       `json:"task_count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Healthy       bool      `json:"healthy"`
	ConnectedAt   time.Time `json:"connected_at"`

	// conn is owned by the transport layer; the registry holds a weak
	// handle and never closes it.
	conn market.AgentConn

	disconnectedAt *time.Time
}

// Registry holds the agent records behind a single lock.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	agents map[string]*Record
	emit   func(market.Event)
	logger *zap.Logger
}

// New creates a Registry. emit may be nil.
func New(cfg Config, emit func(market.Event), logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(market.Event) {}
	}
	return &Registry{
		cfg:    cfg,
		agents: make(map[string]*Record),
		emit:   emit,
		logger: logger,
	}
}

// Register creates or refreshes the record for a connecting agent.
func (r *Registry) Register(agentID, version string, categories []string, conn market.AgentConn) {
	r.mu.Lock()
	now := time.Now()
	rec, ok := r.agents[agentID]
	if !ok {
		rec = &Record{AgentID: agentID, ConnectedAt: now}
		r.agents[agentID] = rec
	}
	rec.Version = version
	rec.Categories = categories
	rec.LastHeartbeat = now
	rec.Healthy = true
	rec.conn = conn
	rec.disconnectedAt = nil
	r.mu.Unlock()

	r.logger.Info("agent connected",
		zap.String("agent_id", agentID),
		zap.String("version", version),
		zap.Strings("categories", categories),
	)
	r.emit(market.AgentConnected{Meta: market.NewMeta(), AgentID: agentID, Version: version})
}

// Disconnect records socket teardown. The record lingers for the grace
// period so a reconnect keeps identity; the emitted event lets the
// exchange fail any task assigned to the agent.
func (r *Registry) Disconnect(agentID string) {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if ok {
		now := time.Now()
		rec.conn = nil
		rec.Healthy = false
		rec.disconnectedAt = &now
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Info("agent disconnected", zap.String("agent_id", agentID))
	r.emit(market.AgentDisconnected{Meta: market.NewMeta(), AgentID: agentID})
}

// Heartbeat refreshes presence for an agent.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[agentID]; ok {
		rec.LastHeartbeat = time.Now()
		rec.Healthy = true
	}
}

// Get returns a copy of the record.
func (r *Registry) Get(agentID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Socket returns the live transport handle, or nil if disconnected.
func (r *Registry) Socket(agentID string) market.AgentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[agentID]; ok {
		return rec.conn
	}
	return nil
}

// IsHealthy reports whether the agent is connected and fresh.
func (r *Registry) IsHealthy(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	return ok && rec.Healthy && rec.conn != nil
}

// IncrementTaskCount bumps the agent's concurrent load counter.
func (r *Registry) IncrementTaskCount(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[agentID]; ok {
		rec.TaskCount++
	}
}

// DecrementTaskCount releases one unit of load.
func (r *Registry) DecrementTaskCount(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[agentID]; ok && rec.TaskCount > 0 {
		rec.TaskCount--
	}
}

// TaskCount returns the agent's current concurrent load.
func (r *Registry) TaskCount(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[agentID]; ok {
		return rec.TaskCount
	}
	return 0
}

// List returns a copy of every known agent record.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	return out
}

// ConnectedCount returns the number of live agents.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.agents {
		if rec.conn != nil {
			n++
		}
	}
	return n
}

// Start runs the health-check loop until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Registry) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	r.logger.Info("agent liveness monitor started",
		zap.Duration("interval", r.cfg.CheckInterval),
		zap.Duration("threshold", r.cfg.HeartbeatTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkLiveness()
		}
	}
}

// checkLiveness marks stale agents unhealthy and reaps records whose
// disconnect grace has elapsed.
func (r *Registry) checkLiveness() {
	now := time.Now()
	var unhealthy []market.AgentUnhealthy

	r.mu.Lock()
	for id, rec := range r.agents {
		if rec.disconnectedAt != nil {
			if now.Sub(*rec.disconnectedAt) > r.cfg.DisconnectGrace {
				delete(r.agents, id)
			}
			continue
		}
		if rec.Healthy && now.Sub(rec.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			rec.Healthy = false
			unhealthy = append(unhealthy, market.AgentUnhealthy{
				Meta:          market.NewMeta(),
				AgentID:       id,
				LastHeartbeat: rec.LastHeartbeat,
			})
		}
	}
	r.mu.Unlock()

	for _, ev := range unhealthy {
		r.logger.Warn("agent heartbeat expired",
			zap.String("agent_id", ev.AgentID),
			zap.Time("last_heartbeat", ev.LastHeartbeat),
		)
		r.emit(ev)
	}
}
