// Package rotator provides fair round-robin channel selection for
// campaigns.
package rotator

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoLiveChannel is returned when none of a campaign's channels are
// currently live. The dispatcher pauses the campaign and retries on
// future ticks.
var ErrNoLiveChannel = errors.New("rotator: no channel available")

// LiveLookup answers whether a channel instance is currently live.
type LiveLookup interface {
	IsLive(name string) bool
}

// Rotator holds per-campaign rotation cursors. The cursor is process-local
// best-effort fairness state: losing it on restart resets fairness but
// never affects delivery correctness.
type Rotator struct {
	live LiveLookup

	mu      sync.Mutex
	cursors map[string]int // campaign id -> attempt counter
}

// New creates a Rotator backed by the given live-status lookup.
func New(live LiveLookup) *Rotator {
	return &Rotator{
		live:    live,
		cursors: make(map[string]int),
	}
}

// Next picks the next live channel for the campaign. Selection is
// deterministic: live channels sorted ascending, indexed by cursor modulo
// count. The cursor advances on every attempt, success or failure, so
// rotation fairness survives intermittent send failures.
func (r *Rotator) Next(campaignID string, configured []string) (string, error) {
	live := make([]string, 0, len(configured))
	for _, name := range configured {
		if r.live.IsLive(name) {
			live = append(live, name)
		}
	}
	if len(live) == 0 {
		return "", ErrNoLiveChannel
	}
	sort.Strings(live)

	r.mu.Lock()
	defer r.mu.Unlock()
	cursor := r.cursors[campaignID]
	r.cursors[campaignID] = cursor + 1
	return live[cursor%len(live)], nil
}

// Reset drops the cursor for a campaign, typically when it reaches a
// terminal state.
func (r *Rotator) Reset(campaignID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cursors, campaignID)
}
