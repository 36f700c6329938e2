package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmissionGate(t *testing.T) {
	l := New(Config{MaxSubmitsPerWindow: 3, WindowMs: 60_000, MaxConcurrentAuctions: 10})

	for i := 0; i < 3; i++ {
		d := l.CanSubmit()
		assert.True(t, d.Allowed, "submit %d within window allowance", i)
	}

	d := l.CanSubmit()
	assert.False(t, d.Allowed)
	assert.Equal(t, "submission rate exceeded", d.Reason)
	assert.Greater(t, d.RetryAfterMs, int64(0))
}

func TestConcurrencyGate(t *testing.T) {
	l := New(Config{MaxSubmitsPerWindow: 100, WindowMs: 1000, MaxConcurrentAuctions: 2})

	assert.True(t, l.CanStartAuction())
	l.AuctionStarted()
	l.AuctionStarted()
	assert.False(t, l.CanStartAuction())
	assert.Equal(t, 2, l.ActiveAuctions())

	d := l.CanSubmit()
	assert.False(t, d.Allowed)
	assert.Equal(t, "max concurrent auctions reached", d.Reason)

	l.AuctionEnded()
	assert.True(t, l.CanStartAuction())
	assert.True(t, l.CanSubmit().Allowed)
}

func TestAuctionEndedNeverGoesNegative(t *testing.T) {
	l := New(DefaultConfig())
	l.AuctionEnded()
	assert.Equal(t, 0, l.ActiveAuctions())
}
