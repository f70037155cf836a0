// Package balance selects one upstream account from a candidate snapshot
// under a named strategy. It never returns errors: a fully unhealthy
// snapshot degrades to a last-resort fallback instead of failing, and an
// empty snapshot yields nil, leaving the no-upstream decision to the caller.
package balance

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/health"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	StrategyPriorityFirst      Strategy = "priority_first"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyAdaptive           Strategy = "adaptive"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyPriorityFirst, StrategyLeastConnections, StrategyWeightedRoundRobin, StrategyAdaptive:
		return true
	}
	return false
}

const (
	// defaultMinHealthScore drops candidates below this score under the
	// adaptive strategy.
	defaultMinHealthScore = 0.5

	// recentFailureWindow: accounts whose last probe failed this recently
	// are filtered out of selection.
	recentFailureWindow = 5 * time.Minute

	// adaptiveTopN and adaptiveDecay shape the adaptive draw: the top
	// scorers are kept and chosen with geometric weights decay^i.
	adaptiveTopN  = 3
	adaptiveDecay = 0.7
)

// Balancer picks one account from a candidate list. Randomness is confined
// to the injected source so tests run with a fixed seed.
type Balancer struct {
	scorer         *health.Scorer
	minHealthScore float64
	now            func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// Opts configures a Balancer. Zero values take defaults.
type Opts struct {
	MinHealthScore float64
	Rand           *rand.Rand
	Now            func() time.Time
}

// New returns a Balancer using the given scorer for adaptive selection.
func New(scorer *health.Scorer, opts Opts) *Balancer {
	if opts.MinHealthScore <= 0 {
		opts.MinHealthScore = defaultMinHealthScore
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Balancer{
		scorer:         scorer,
		minHealthScore: opts.MinHealthScore,
		now:            opts.Now,
		rng:            opts.Rand,
	}
}

// Select filters the snapshot and picks one account under the strategy.
// Returns nil only when the snapshot is empty.
func (b *Balancer) Select(snapshot []*gateway.UpstreamAccount, strategy Strategy) *gateway.UpstreamAccount {
	candidates := b.filter(snapshot, strategy)
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	switch strategy {
	case StrategyPriorityFirst:
		return b.priorityFirst(candidates)
	case StrategyLeastConnections:
		return leastConnections(candidates)
	case StrategyAdaptive:
		return b.adaptive(candidates)
	default:
		return b.weightedRandom(candidates)
	}
}

// filter narrows the snapshot before selection. Each narrowing step is
// skipped rather than allowed to empty the list, so selection degrades
// instead of failing.
func (b *Balancer) filter(snapshot []*gateway.UpstreamAccount, strategy Strategy) []*gateway.UpstreamAccount {
	if len(snapshot) == 0 {
		return nil
	}

	// 1. Drop accounts in error. If nothing healthy remains, fall back to
	// the single most recently used account, even if errored, to avoid a
	// total outage.
	healthy := make([]*gateway.UpstreamAccount, 0, len(snapshot))
	for _, a := range snapshot {
		if a.State != gateway.StateError {
			healthy = append(healthy, a)
		}
	}
	if len(healthy) == 0 {
		return []*gateway.UpstreamAccount{mostRecentlyUsed(snapshot)}
	}

	// 2. Drop accounts whose most recent probe failed within the window.
	now := b.now()
	fresh := healthy[:0:0]
	for _, a := range healthy {
		if a.LastHealth != nil && !a.LastHealth.OK() &&
			now.Sub(a.LastHealth.CheckedAt) < recentFailureWindow {
			continue
		}
		fresh = append(fresh, a)
	}
	if len(fresh) == 0 {
		fresh = healthy
	}

	// 3. Under adaptive scoring, drop candidates below the score floor.
	if strategy == StrategyAdaptive && b.scorer != nil {
		scored := fresh[:0:0]
		for _, a := range fresh {
			if b.scorer.Score(a) >= b.minHealthScore {
				scored = append(scored, a)
			}
		}
		if len(scored) > 0 {
			fresh = scored
		}
	}
	return fresh
}

func mostRecentlyUsed(accounts []*gateway.UpstreamAccount) *gateway.UpstreamAccount {
	best := accounts[0]
	for _, a := range accounts[1:] {
		if lastUsed(a).After(lastUsed(best)) {
			best = a
		}
	}
	return best
}

func lastUsed(a *gateway.UpstreamAccount) time.Time {
	if a.LastUsedAt == nil {
		return time.Time{}
	}
	return *a.LastUsedAt
}

// priorityFirst keeps the minimum-priority group and weighted-randoms
// within it.
func (b *Balancer) priorityFirst(candidates []*gateway.UpstreamAccount) *gateway.UpstreamAccount {
	minPrio := candidates[0].Priority
	for _, a := range candidates[1:] {
		if a.Priority < minPrio {
			minPrio = a.Priority
		}
	}
	group := make([]*gateway.UpstreamAccount, 0, len(candidates))
	for _, a := range candidates {
		if a.Priority == minPrio {
			group = append(group, a)
		}
	}
	return b.weightedRandom(group)
}

// leastConnections picks the account with the smallest request count,
// ties broken by priority, then snapshot order.
func leastConnections(candidates []*gateway.UpstreamAccount) *gateway.UpstreamAccount {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.RequestCount < best.RequestCount ||
			(a.RequestCount == best.RequestCount && a.Priority < best.Priority) {
			best = a
		}
	}
	return best
}

// weightedRandom draws an integer in [0, total) and walks the candidate
// list subtracting weights until negative. Zero total weight degrades to a
// uniform pick.
func (b *Balancer) weightedRandom(candidates []*gateway.UpstreamAccount) *gateway.UpstreamAccount {
	total := 0
	for _, a := range candidates {
		if a.Weight > 0 {
			total += a.Weight
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if total <= 0 {
		return candidates[b.rng.Intn(len(candidates))]
	}
	n := b.rng.Intn(total)
	for _, a := range candidates {
		if a.Weight <= 0 {
			continue
		}
		n -= a.Weight
		if n < 0 {
			return a
		}
	}
	return candidates[len(candidates)-1]
}

// adaptive ranks candidates by composite score scaled by weight, keeps the
// top few, and draws with geometric weights so the best candidate is
// favored without starving the runners-up.
func (b *Balancer) adaptive(candidates []*gateway.UpstreamAccount) *gateway.UpstreamAccount {
	type ranked struct {
		account *gateway.UpstreamAccount
		score   float64
	}
	rankedList := make([]ranked, len(candidates))
	for i, a := range candidates {
		rankedList[i] = ranked{account: a, score: b.adaptiveScore(a)}
	}
	// Stable sort preserves snapshot order on equal scores.
	sort.SliceStable(rankedList, func(i, j int) bool {
		return rankedList[i].score > rankedList[j].score
	})

	top := rankedList
	if len(top) > adaptiveTopN {
		top = top[:adaptiveTopN]
	}

	total := 0.0
	for i := range top {
		total += math.Pow(adaptiveDecay, float64(i))
	}

	b.mu.Lock()
	draw := b.rng.Float64() * total
	b.mu.Unlock()

	for i := range top {
		draw -= math.Pow(adaptiveDecay, float64(i))
		if draw < 0 {
			return top[i].account
		}
	}
	return top[len(top)-1].account
}

// adaptiveScore combines health, latency, and success rate, scaled by the
// account's weight relative to the default of 100.
func (b *Balancer) adaptiveScore(a *gateway.UpstreamAccount) float64 {
	var healthScore float64
	if b.scorer != nil {
		healthScore = b.scorer.Score(a)
	}

	var latency int64
	if a.LastHealth != nil {
		latency = a.LastHealth.LatencyMs
	}
	latencyScore := health.Performance(latency)

	total := a.RequestCount
	if total < 1 {
		total = 1
	}
	successRate := float64(a.SuccessCount) / float64(total)

	return (0.4*healthScore + 0.3*latencyScore + 0.3*successRate) * float64(a.Weight) / 100
}
