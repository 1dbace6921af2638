// Package balance picks the pool account to serve a request.
package balance

import (
	"sort"
	"sync"

	"github.com/relayforge/copilot-relay/internal/store"
	"github.com/relayforge/copilot-relay/internal/upstream"
)

// UsageReader reads cached quota snapshots. *store.UsageCache satisfies
// it.
type UsageReader interface {
	Get(accountID string) (upstream.QuotaSnapshots, bool, error)
}

// Selector chooses among candidate accounts. The round-robin cursor is
// shared across all calls, including the quota strategy's fallback, so a
// mixed workload still spreads evenly.
type Selector struct {
	usage UsageReader

	mu     sync.Mutex
	cursor uint64
}

// NewSelector creates a selector. usage may be nil, in which case the
// quota strategy always falls back to round-robin.
func NewSelector(usage UsageReader) *Selector {
	return &Selector{usage: usage}
}

// Pick selects one account from candidates, skipping ids in exclude.
// candidates must be in a stable order (store order); returns nil when
// nothing is eligible.
func (s *Selector) Pick(strategy store.Strategy, candidates []store.Account, exclude map[string]bool) *store.Account {
	eligible := make([]store.Account, 0, len(candidates))
	for _, a := range candidates {
		if !exclude[a.ID] {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	switch strategy {
	case store.StrategyPriority:
		return s.pickPriority(eligible)
	case store.StrategyQuota:
		return s.pickQuota(eligible)
	default:
		return s.pickRoundRobin(eligible)
	}
}

func (s *Selector) pickRoundRobin(eligible []store.Account) *store.Account {
	s.mu.Lock()
	idx := s.cursor % uint64(len(eligible))
	s.cursor++
	s.mu.Unlock()
	return &eligible[idx]
}

// pickPriority takes the highest priority value; ties keep store order.
func (s *Selector) pickPriority(eligible []store.Account) *store.Account {
	sorted := make([]store.Account, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &sorted[0]
}

// pickQuota takes the account with the most headroom, scored as the mean
// of the remaining/entitlement ratios across the three quota categories.
// Accounts without a cached snapshot score -1; when every candidate
// scores -1 the pick falls back to round-robin.
func (s *Selector) pickQuota(eligible []store.Account) *store.Account {
	best := -1.0
	var pick *store.Account
	for i := range eligible {
		score := s.quotaScore(eligible[i].ID)
		if score > best {
			best = score
			pick = &eligible[i]
		}
	}
	if pick == nil || best < 0 {
		return s.pickRoundRobin(eligible)
	}
	return pick
}

func (s *Selector) quotaScore(accountID string) float64 {
	if s.usage == nil {
		return -1
	}
	snap, ok, err := s.usage.Get(accountID)
	if err != nil || !ok {
		return -1
	}
	return (windowRatio(snap.Premium) + windowRatio(snap.Chat) + windowRatio(snap.Completions)) / 3
}

func windowRatio(w upstream.QuotaWindow) float64 {
	if w.Unlimited {
		return 1
	}
	if w.Entitlement <= 0 {
		return 0
	}
	return w.Remaining / w.Entitlement
}
