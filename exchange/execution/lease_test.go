package execution

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLeaseConfig() LeaseConfig {
	return LeaseConfig{
		AckTimeout:         40 * time.Millisecond,
		ExecPadding:        30 * time.Millisecond,
		MaxExecTimeout:     300 * time.Millisecond,
		HeartbeatExtension: 100 * time.Millisecond,
	}
}

type expiryRecorder struct {
	mu    sync.Mutex
	fired []LeasePhase
}

func (r *expiryRecorder) record(taskID, agentID string, phase LeasePhase) {
	r.mu.Lock()
	r.fired = append(r.fired, phase)
	r.mu.Unlock()
}

func (r *expiryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func (r *expiryRecorder) first() LeasePhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired[0]
}

func TestLeaseAckTimeout(t *testing.T) {
	rec := &expiryRecorder{}
	l := NewLease("t-1", "a-1", 5000, testLeaseConfig(), rec.record)
	defer l.Stop()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, PhaseAwaitingAck, rec.first())

	// A finished lease rejects everything.
	assert.ErrorIs(t, l.Ack(0), ErrLeaseDone)
	assert.ErrorIs(t, l.Heartbeat(0), ErrLeaseDone)
}

func TestLeaseAckMovesToExecution(t *testing.T) {
	rec := &expiryRecorder{}
	l := NewLease("t-1", "a-1", 100, testLeaseConfig(), rec.record)
	defer l.Stop()

	require.NoError(t, l.Ack(0))
	assert.Equal(t, PhaseExecuting, l.Phase())
	assert.ErrorIs(t, l.Ack(0), ErrAlreadyAcked)

	// estimate 100ms + 30ms padding: expires in the execution phase.
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, PhaseExecuting, rec.first())
}

func TestLeaseHeartbeatBeforeAckRejected(t *testing.T) {
	l := NewLease("t-1", "a-1", 0, testLeaseConfig(), nil)
	defer l.Stop()

	assert.ErrorIs(t, l.Heartbeat(0), ErrNotAcked)
	assert.Equal(t, PhaseAwaitingAck, l.Phase())
}

func TestLeaseHeartbeatExtendsDeadline(t *testing.T) {
	l := NewLease("t-1", "a-1", 0, testLeaseConfig(), nil)
	defer l.Stop()

	require.NoError(t, l.Ack(50))
	before := l.Deadline()

	require.NoError(t, l.Heartbeat(0))
	assert.True(t, l.Deadline().After(before))

	// Requested extensions are honored but capped at the max timeout.
	require.NoError(t, l.Heartbeat(10_000_000))
	assert.WithinDuration(t, time.Now().Add(testLeaseConfig().MaxExecTimeout), l.Deadline(), 50*time.Millisecond)
}

func TestLeaseStaleExpiryAfterAckRearms(t *testing.T) {
	rec := &expiryRecorder{}
	cfg := testLeaseConfig()
	cfg.MaxExecTimeout = time.Hour
	l := NewLease("t-1", "a-1", 0, cfg, rec.record)
	defer l.Stop()

	require.NoError(t, l.Ack(0))

	// Simulate the ack-deadline timer firing after the ack already
	// re-armed the lease: the callback must defer to the live deadline
	// instead of expiring the lease.
	l.expire()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count(), "an ack that beat the deadline holds the lease")
	assert.NoError(t, l.Heartbeat(0))
}

func TestLeaseStopWinsRace(t *testing.T) {
	rec := &expiryRecorder{}
	l := NewLease("t-1", "a-1", 0, testLeaseConfig(), rec.record)
	l.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestLeaseExecTimeoutCapped(t *testing.T) {
	cfg := testLeaseConfig()

	l := NewLease("t-1", "a-1", 10_000_000, cfg, nil)
	defer l.Stop()
	assert.Equal(t, cfg.MaxExecTimeout, l.execTimeout())

	// Zero estimate falls back to the cap rather than padding alone.
	l2 := NewLease("t-2", "a-1", 0, cfg, nil)
	defer l2.Stop()
	assert.Equal(t, cfg.MaxExecTimeout, l2.execTimeout())
}
