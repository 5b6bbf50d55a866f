package router

import (
	"math/rand"
	"sync/atomic"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// strategy is the closed set of selection algorithms the Router supports.
// Implementations never mutate candidates; they pick one and explain why.
type strategy interface {
	pick(candidates []fedtypes.Instance, ctx fedtypes.RoutingContext) (fedtypes.Instance, string, error)
}

// strategyFor resolves a RoutingStrategy tag to its implementation. Unknown
// or empty tags fall back to least-loaded, per SPEC_FULL.md's closed-set
// rule.
func (r *Router) strategyFor(tag fedtypes.RoutingStrategy) strategy {
	switch tag {
	case fedtypes.StrategyRoundRobin:
		return &roundRobinStrategy{counter: &r.rrCounter}
	case fedtypes.StrategySessionAffinity:
		return &sessionAffinityStrategy{affinity: r.affinity}
	case fedtypes.StrategyCapabilityMatch:
		return &capabilityMatchStrategy{}
	case fedtypes.StrategyWeighted:
		return &weightedStrategy{}
	case fedtypes.StrategyLeastLoaded:
		return &leastLoadedStrategy{}
	default:
		return &leastLoadedStrategy{}
	}
}

// leastLoadedStrategy picks the candidate with the smallest utilization.
type leastLoadedStrategy struct{}

func (leastLoadedStrategy) pick(candidates []fedtypes.Instance, _ fedtypes.RoutingContext) (fedtypes.Instance, string, error) {
	best := candidates[0]
	bestUtil := best.Utilization()
	for _, c := range candidates[1:] {
		if u := c.Utilization(); u < bestUtil {
			best, bestUtil = c, u
		}
	}
	return best, "lowest load", nil
}

// roundRobinStrategy walks candidates using a counter shared across calls.
// Candidate-count varies call to call, so this is an approximation of pure
// round-robin under churn, not a guarantee.
type roundRobinStrategy struct {
	counter *atomic.Uint64
}

func (s roundRobinStrategy) pick(candidates []fedtypes.Instance, _ fedtypes.RoutingContext) (fedtypes.Instance, string, error) {
	n := s.counter.Add(1) - 1
	idx := int(n % uint64(len(candidates)))
	return candidates[idx], "round-robin", nil
}

// sessionAffinityStrategy returns the instance pinned to ctx.SessionAffinity
// if it is present in the candidate set, else falls through to
// least-loaded.
type sessionAffinityStrategy struct {
	affinity *affinityTable
}

func (s sessionAffinityStrategy) pick(candidates []fedtypes.Instance, ctx fedtypes.RoutingContext) (fedtypes.Instance, string, error) {
	if ctx.SessionAffinity == "" {
		return leastLoadedStrategy{}.pick(candidates, ctx)
	}

	if instanceID, ok := s.affinity.lookup(ctx.SessionAffinity); ok {
		for _, c := range candidates {
			if c.ID == instanceID {
				return c, "session-affinity", nil
			}
		}
		s.affinity.clearAffinity(ctx.SessionAffinity)
	}

	return leastLoadedStrategy{}.pick(candidates, ctx)
}

// capabilityMatchStrategy scores each candidate by how much of the required
// capability set it covers, breaking ties toward lower utilization.
// A routing context without any required capabilities falls through to
// least-loaded.
type capabilityMatchStrategy struct{}

func (capabilityMatchStrategy) pick(candidates []fedtypes.Instance, ctx fedtypes.RoutingContext) (fedtypes.Instance, string, error) {
	if len(ctx.RequiredCapabilities) == 0 {
		return leastLoadedStrategy{}.pick(candidates, ctx)
	}

	best := candidates[0]
	bestScore := capabilityScore(best, ctx.RequiredCapabilities)
	for _, c := range candidates[1:] {
		if score := capabilityScore(c, ctx.RequiredCapabilities); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, "capability-match", nil
}

func capabilityScore(instance fedtypes.Instance, required []string) float64 {
	matched := 0
	for _, r := range required {
		if instance.HasCapability(r) {
			matched++
		}
	}
	matchRatio := float64(matched) / float64(len(required))
	return matchRatio*1000 - instance.Utilization()
}

// weightedStrategy samples an instance proportionally to RoutingWeight.
type weightedStrategy struct{}

func (weightedStrategy) pick(candidates []fedtypes.Instance, _ fedtypes.RoutingContext) (fedtypes.Instance, string, error) {
	var totalWeight float64
	for _, c := range candidates {
		totalWeight += c.RoutingWeight
	}
	if totalWeight <= 0 {
		return candidates[0], "weighted", nil
	}

	target := rand.Float64() * totalWeight
	for _, c := range candidates {
		target -= c.RoutingWeight
		if target <= 0 {
			return c, "weighted", nil
		}
	}
	return candidates[len(candidates)-1], "weighted", nil
}
