// Package category routes tasks to the set of agents able to bid on them.
package category

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/market"
)

// Category is a declared pattern bucket agents can subscribe to.
// Patterns are case-insensitive substrings matched against task content;
// Metadata entries must match task metadata exactly.
type Category struct {
	ID          string            `json:"id"`
	Patterns    []string          `json:"patterns"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Specificity int               `json:"specificity"`
}

// Index maps task content and metadata to candidate agent ids. The
// routing table is recomputed incrementally as agents subscribe and
// unsubscribe; results are stable within a process start.
type Index struct {
	mu          sync.RWMutex
	categories  map[string]Category
	subscribers map[string]map[string]struct{}
	marketMaker string
	logger      *zap.Logger
}

// NewIndex creates an empty Index.
func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		categories:  make(map[string]Category),
		subscribers: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// Define registers or replaces a category declaration.
func (ix *Index) Define(c Category) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	lowered := make([]string, len(c.Patterns))
	for i, p := range c.Patterns {
		lowered[i] = strings.ToLower(p)
	}
	c.Patterns = lowered
	ix.categories[c.ID] = c
	ix.logger.Debug("category defined",
		zap.String("category_id", c.ID),
		zap.Int("patterns", len(c.Patterns)),
	)
}

// SetMarketMaker configures the fallback bidder guaranteeing non-empty
// candidate sets. Empty id disables the fallback.
func (ix *Index) SetMarketMaker(agentID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.marketMaker = agentID
}

// Subscribe adds the agent to each named category.
func (ix *Index) Subscribe(agentID string, categoryIDs []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range categoryIDs {
		subs, ok := ix.subscribers[id]
		if !ok {
			subs = make(map[string]struct{})
			ix.subscribers[id] = subs
		}
		subs[agentID] = struct{}{}
	}
}

// UnsubscribeAll removes the agent from every category, used on
// disconnect.
func (ix *Index) UnsubscribeAll(agentID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, subs := range ix.subscribers {
		delete(subs, agentID)
	}
}

// FindCategories matches a task against all declared patterns, ordered
// by declared specificity, ties broken by id for determinism.
func (ix *Index) FindCategories(task *market.Task) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	content := strings.ToLower(task.Content)
	var matched []Category
	for _, c := range ix.categories {
		if ix.matches(c, content, task.Metadata) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Specificity != matched[j].Specificity {
			return matched[i].Specificity > matched[j].Specificity
		}
		return matched[i].ID < matched[j].ID
	})

	ids := make([]string, len(matched))
	for i, c := range matched {
		ids[i] = c.ID
	}
	return ids
}

func (ix *Index) matches(c Category, content string, meta map[string]string) bool {
	for k, v := range c.Metadata {
		if meta[k] != v {
			return false
		}
	}
	if len(c.Patterns) == 0 {
		return len(c.Metadata) > 0
	}
	for _, p := range c.Patterns {
		if strings.Contains(content, p) {
			return true
		}
	}
	return false
}

// AgentsForTask returns the union of agents subscribed to any matched
// category, plus the market maker if configured. The slice is sorted so
// identical input yields identical ordering.
func (ix *Index) AgentsForTask(task *market.Task) []string {
	matched := ix.FindCategories(task)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	set := make(map[string]struct{})
	for _, id := range matched {
		for agent := range ix.subscribers[id] {
			set[agent] = struct{}{}
		}
	}
	if ix.marketMaker != "" {
		set[ix.marketMaker] = struct{}{}
	}

	agents := make([]string, 0, len(set))
	for agent := range set {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	return agents
}
