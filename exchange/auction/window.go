package auction

import (
	"strings"
	"time"
)

// WindowConfig tunes the bidding-window heuristic.
type WindowConfig struct {
	MinWindow     time.Duration
	DefaultWindow time.Duration
	MaxWindow     time.Duration
	// SimpleVerbs is the set of leading action verbs that mark a task
	// trivial enough for the short window. Configurable because the
	// default list is English; content that matches nothing falls
	// through to the default window.
	SimpleVerbs []string
}

// DefaultWindowConfig returns production defaults.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MinWindow:     1 * time.Second,
		DefaultWindow: 4 * time.Second,
		MaxWindow:     8 * time.Second,
		SimpleVerbs: []string{
			"open", "close", "click", "press", "type", "scroll",
			"play", "pause", "stop", "mute", "copy", "paste", "save",
		},
	}
}

// SelectWindow chooses the bidding window for a task. Small candidate
// sets and trivial commands close fast; long or compound requests get
// the full window.
func (c WindowConfig) SelectWindow(content string, candidates int) time.Duration {
	if candidates <= 2 {
		return c.MinWindow
	}

	words := strings.Fields(strings.ToLower(content))
	if len(words) > 0 && len(words) < 5 {
		for _, verb := range c.SimpleVerbs {
			if words[0] == verb {
				return c.MinWindow
			}
		}
	}

	lower := strings.ToLower(content)
	if len(content) > 100 || strings.Contains(lower, " and ") || strings.Contains(lower, " then ") {
		return c.MaxWindow
	}
	return c.DefaultWindow
}
