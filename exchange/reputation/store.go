// Package reputation tracks per-agent execution outcomes and feeds bid
// scoring. In-memory state is authoritative at runtime; every update is
// written through to the key-value backend so entries survive restarts.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/kv"
	"github.com/itskum47/BidForge/exchange/market"
)

// Config tunes the accuracy EMA and flagging thresholds.
type Config struct {
	// SmoothingFactor is the EMA weight of the newest outcome.
	SmoothingFactor float64
	// FlagConsecutiveFailures flags an agent once this many failures
	// occur in a row.
	FlagConsecutiveFailures int
	// FlagAccuracyFloor flags an agent whose weighted accuracy drops
	// below this value.
	FlagAccuracyFloor float64
	// InitialAccuracy seeds entries for agents with no history.
	InitialAccuracy float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SmoothingFactor:         0.2,
		FlagConsecutiveFailures: 3,
		FlagAccuracyFloor:       0.3,
		InitialAccuracy:         0.5,
	}
}

// Entry is the persisted reputation record for one (agent, version).
type Entry struct {
	AgentID             string  `json:"agent_id"`
	Version             string  `json:"version"`
	Accuracy            float64 `json:"accuracy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	TotalSuccesses      int     `json:"total_successes"`
	TotalFailures       int     `json:"total_failures"`
	TotalTimeouts       int     `json:"total_timeouts"`
	Flagged             bool    `json:"flagged"`
	FlagReason          string  `json:"flag_reason,omitempty"`
}

// Snapshot is the scoring view of an agent.
type Snapshot struct {
	Accuracy   float64 `json:"accuracy"`
	Flagged    bool    `json:"flagged"`
	FlagReason string  `json:"flag_reason,omitempty"`
}

// flagRecord is the sticky per-agent flag persisted separately so it
// survives version bumps.
type flagRecord struct {
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// Store holds reputation entries behind a single lock.
type Store struct {
	mu            sync.Mutex
	cfg           Config
	entries       map[string]*Entry // agentID:version
	latestVersion map[string]string // agentID -> last seen version
	flags         map[string]flagRecord
	backend       kv.Store
	emit          func(market.Event)
	logger        *zap.Logger
}

// NewStore creates a Store writing through to backend. emit may be nil.
func NewStore(cfg Config, backend kv.Store, emit func(market.Event), logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(market.Event) {}
	}
	return &Store{
		cfg:           cfg,
		entries:       make(map[string]*Entry),
		latestVersion: make(map[string]string),
		flags:         make(map[string]flagRecord),
		backend:       backend,
		emit:          emit,
		logger:        logger,
	}
}

// Load restores entries and sticky flags from the backend.
func (s *Store) Load(ctx context.Context) error {
	raw, err := s.backend.List(ctx, kv.ReputationPrefix())
	if err != nil {
		return fmt.Errorf("list reputation entries: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, data := range raw {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Warn("skipping corrupt reputation entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		s.entries[entryKey(e.AgentID, e.Version)] = &e
		s.latestVersion[e.AgentID] = e.Version
	}

	flags, err := s.backend.List(ctx, kv.FlaggedPrefix())
	if err != nil {
		return fmt.Errorf("list flag records: %w", err)
	}
	for key, data := range flags {
		var f flagRecord
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("skipping corrupt flag record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		s.flags[f.AgentID] = f
	}
	s.logger.Info("reputation store loaded",
		zap.Int("entries", len(s.entries)),
		zap.Int("flags", len(s.flags)),
	)
	return nil
}

// RecordSuccess credits a completed task.
func (s *Store) RecordSuccess(ctx context.Context, agentID, version string) error {
	s.mu.Lock()
	e := s.entry(agentID, version)
	e.TotalSuccesses++
	e.ConsecutiveFailures = 0
	e.Accuracy = s.ema(e.Accuracy, 1.0)
	s.mu.Unlock()
	return s.persist(ctx, e)
}

// FailureDetail qualifies a recorded failure.
type FailureDetail struct {
	IsTimeout bool
	Error     string
}

// RecordFailure debits a failed or timed-out task and applies flagging.
func (s *Store) RecordFailure(ctx context.Context, agentID, version string, detail FailureDetail) error {
	s.mu.Lock()
	e := s.entry(agentID, version)
	e.TotalFailures++
	if detail.IsTimeout {
		e.TotalTimeouts++
	}
	e.ConsecutiveFailures++
	e.Accuracy = s.ema(e.Accuracy, 0.0)

	var flagReason string
	if !s.isFlaggedLocked(agentID) {
		if e.ConsecutiveFailures >= s.cfg.FlagConsecutiveFailures {
			flagReason = fmt.Sprintf("%d consecutive failures", e.ConsecutiveFailures)
		} else if e.Accuracy < s.cfg.FlagAccuracyFloor {
			flagReason = fmt.Sprintf("accuracy %.2f below floor %.2f", e.Accuracy, s.cfg.FlagAccuracyFloor)
		}
	}
	var flag flagRecord
	if flagReason != "" {
		flag = flagRecord{AgentID: agentID, Reason: flagReason, FlaggedAt: time.Now()}
		s.flags[agentID] = flag
		e.Flagged = true
		e.FlagReason = flagReason
	}
	s.mu.Unlock()

	if err := s.persist(ctx, e); err != nil {
		return err
	}
	if flagReason != "" {
		if err := s.persistFlag(ctx, flag); err != nil {
			return err
		}
		s.logger.Warn("agent flagged",
			zap.String("agent_id", agentID),
			zap.String("reason", flagReason),
		)
		s.emit(market.AgentFlagged{Meta: market.NewMeta(), AgentID: agentID, Reason: flagReason})
	}
	return nil
}

// Snapshot returns the scoring view of an agent, using the most
// recently seen version. Unknown agents get the configured seed.
func (s *Store) Snapshot(agentID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Accuracy: s.cfg.InitialAccuracy}
	if v, ok := s.latestVersion[agentID]; ok {
		if e, ok := s.entries[entryKey(agentID, v)]; ok {
			snap.Accuracy = e.Accuracy
		}
	}
	if f, ok := s.flags[agentID]; ok {
		snap.Flagged = true
		snap.FlagReason = f.Reason
	}
	return snap
}

// ClearFlag manually removes a sticky flag.
func (s *Store) ClearFlag(ctx context.Context, agentID string) error {
	s.mu.Lock()
	delete(s.flags, agentID)
	if v, ok := s.latestVersion[agentID]; ok {
		if e, ok := s.entries[entryKey(agentID, v)]; ok {
			e.Flagged = false
			e.FlagReason = ""
		}
	}
	s.mu.Unlock()
	return s.backend.Delete(ctx, kv.FlaggedKey(agentID))
}

// Entry returns a copy of the record for one (agent, version).
func (s *Store) Entry(agentID, version string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey(agentID, version)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *Store) entry(agentID, version string) *Entry {
	key := entryKey(agentID, version)
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{
			AgentID:  agentID,
			Version:  version,
			Accuracy: s.cfg.InitialAccuracy,
		}
		s.entries[key] = e
	}
	s.latestVersion[agentID] = version
	return e
}

func (s *Store) isFlaggedLocked(agentID string) bool {
	_, ok := s.flags[agentID]
	return ok
}

// ema folds one outcome into the weighted accuracy, clamped to [0,1].
func (s *Store) ema(current, outcome float64) float64 {
	a := s.cfg.SmoothingFactor
	next := (1-a)*current + a*outcome
	if next < 0 {
		return 0
	}
	if next > 1 {
		return 1
	}
	return next
}

// persist writes the entry through synchronously. Write-before-
// acknowledge: callers surface the error rather than dropping it.
func (s *Store) persist(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	data, err := json.Marshal(e)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, kv.ReputationKey(e.AgentID, e.Version), data); err != nil {
		s.logger.Error("reputation persist failed",
			zap.String("agent_id", e.AgentID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) persistFlag(ctx context.Context, f flagRecord) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, kv.FlaggedKey(f.AgentID), data)
}

func entryKey(agentID, version string) string { return agentID + ":" + version }
