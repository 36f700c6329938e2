// Package observability exposes Prometheus metrics for the exchange.
// Counters are driven off the event bus so instrumentation never
// touches the hot paths directly.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/itskum47/BidForge/exchange/market"
)

var (
	TasksQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_tasks_queued_total",
		Help: "Tasks accepted into the priority queue, by priority.",
	}, []string{"priority"})

	TasksSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_tasks_settled_total",
		Help: "Tasks that reached a settled result.",
	})

	TasksBusted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_tasks_busted_total",
		Help: "Individual agent failures during execution.",
	})

	TasksDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_tasks_dead_lettered_total",
		Help: "Tasks abandoned after exhausting every attempt.",
	})

	TasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_tasks_cancelled_total",
		Help: "Tasks cancelled by their producer.",
	})

	TasksHalted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_tasks_halted_total",
		Help: "Tasks halted for lack of candidates or bids.",
	})

	AuctionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_auctions_started_total",
		Help: "Auctions opened.",
	})

	AuctionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_auction_duration_seconds",
		Help:    "Wall time from auction start to close.",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16},
	})

	BidsPerAuction = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_bids_per_auction",
		Help:    "Ranked bids at auction close.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})

	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_rate_limit_rejections_total",
		Help: "Task submissions refused by the rate gate.",
	})

	AgentsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_agents_flagged_total",
		Help: "Agents flagged for repeated failures.",
	})

	AgentsUnhealthy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_agents_unhealthy_total",
		Help: "Agents marked unhealthy by the liveness monitor.",
	})
)

// RegisterQueueDepth exports the live queue depth per priority.
func RegisterQueueDepth(depths func() map[market.Priority]int) {
	for _, p := range []market.Priority{
		market.PriorityLow, market.PriorityNormal, market.PriorityHigh, market.PriorityUrgent,
	} {
		p := p
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "exchange_queue_depth",
			Help:        "Tasks waiting in the priority queue.",
			ConstLabels: prometheus.Labels{"priority": p.String()},
		}, func() float64 { return float64(depths()[p]) })
	}
}

// RegisterConnectedAgents exports the live agent connection count.
func RegisterConnectedAgents(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "exchange_connected_agents",
		Help: "Agents currently connected to the gateway.",
	}, func() float64 { return float64(count()) })
}

// RegisterActiveAuctions exports the in-flight auction count.
func RegisterActiveAuctions(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "exchange_active_auctions",
		Help: "Auctions currently inside the bidding window.",
	}, func() float64 { return float64(count()) })
}

// WatchEvents consumes the bus until the channel closes, translating
// events into metric updates. Run it in its own goroutine.
func WatchEvents(events <-chan market.Event) {
	var mu sync.Mutex
	openedAt := make(map[string]time.Time)

	for ev := range events {
		switch e := ev.(type) {
		case market.TaskQueued:
			TasksQueued.WithLabelValues(e.Priority.String()).Inc()
		case market.AuctionStarted:
			AuctionsStarted.Inc()
			mu.Lock()
			openedAt[e.AuctionID] = e.At()
			mu.Unlock()
		case market.AuctionClosed:
			BidsPerAuction.Observe(float64(len(e.Ranked)))
			mu.Lock()
			if start, ok := openedAt[e.AuctionID]; ok {
				AuctionDuration.Observe(e.At().Sub(start).Seconds())
				delete(openedAt, e.AuctionID)
			}
			mu.Unlock()
		case market.TaskSettled:
			TasksSettled.Inc()
		case market.TaskBusted:
			TasksBusted.Inc()
		case market.TaskDeadLetter:
			TasksDeadLettered.Inc()
		case market.TaskCancelled:
			TasksCancelled.Inc()
		case market.ExchangeHalt:
			TasksHalted.Inc()
		case market.AgentFlagged:
			AgentsFlagged.Inc()
		case market.AgentUnhealthy:
			AgentsUnhealthy.Inc()
		}
	}
}
