package handler

import (
	"github.com/go-go-golems/confab/pkg/conversation"
)

// CachePolicy configures the automatic prompt-cache breakpoints.
type CachePolicy struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// MinTokens is the history size a conversation has to exceed before any
	// breakpoint is set.
	MinTokens int `yaml:"min-tokens" mapstructure:"min-tokens"`
	// Breakpoints is the number of messages that get the auto flag.
	Breakpoints int `yaml:"breakpoints" mapstructure:"breakpoints"`
}

func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		Enabled:     true,
		MinTokens:   1000,
		Breakpoints: 2,
	}
}

// FlagChange is a required update of the auto cache flag of one message.
type FlagChange struct {
	MessageID conversation.MessageID
	Auto      bool
}

// AutoCacheBreakpoints computes which messages should carry the auto cache
// flag and returns the changes against their current flags.
//
// Only the system message at index 0 and user messages are eligible. Walking
// from the newest message, each eligible message takes a slot while slots
// remain. A message pinned by the user takes its slot but never gets the auto
// flag. Below the token threshold every auto flag is cleared.
func AutoCacheBreakpoints(history []*conversation.Message, policy CachePolicy) []FlagChange {
	active := policy.Enabled && exceedsTokens(history, policy.MinTokens)

	desired := make([]bool, len(history))
	if active {
		slots := policy.Breakpoints
		for i := len(history) - 1; i >= 0; i-- {
			m := history[i]
			if !cacheEligible(i, m) {
				continue
			}
			if slots <= 0 {
				continue
			}
			slots--
			desired[i] = !m.UserFlags.Has(conversation.FlagCacheUser)
		}
	}

	var changes []FlagChange
	for i, m := range history {
		if m.UserFlags.Has(conversation.FlagCacheAuto) != desired[i] {
			changes = append(changes, FlagChange{MessageID: m.ID, Auto: desired[i]})
		}
	}
	return changes
}

func cacheEligible(idx int, m *conversation.Message) bool {
	if m == nil {
		return false
	}
	return m.Role == conversation.RoleUser || (idx == 0 && m.Role == conversation.RoleSystem)
}

// exceedsTokens sums cached token counts and stops as soon as the threshold is
// crossed.
func exceedsTokens(history []*conversation.Message, threshold int) bool {
	total := 0
	for _, m := range history {
		if m == nil {
			continue
		}
		total += m.TokenCount
		if total > threshold {
			return true
		}
	}
	return false
}
