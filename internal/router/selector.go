package router

import (
	"cmp"
	"slices"
	"time"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
)

// candidate is a selectable provider and its registration position.
type candidate struct {
	cfg   config.ProviderConfig
	order int
}

// usableCandidates resolves providers, drops the unusable ones and sorts the
// rest by priority then registration order.
func usableCandidates(snap *configstore.Snapshot, providers []config.ProviderConfig) []candidate {
	out := make([]candidate, 0, len(providers))
	for _, p := range providers {
		if !p.Usable() {
			continue
		}
		out = append(out, candidate{cfg: p, order: snap.RegistrationIndex(p.ID)})
	}
	slices.SortStableFunc(out, func(a, b candidate) int {
		if c := cmp.Compare(a.cfg.Priority, b.cfg.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})
	return out
}

// selectWeightedRoundRobin is smooth weighted round robin. current holds the
// running weights for the cluster and is updated in place; entries for
// providers no longer selectable are dropped.
func selectWeightedRoundRobin(cands []candidate, current map[string]float64) candidate {
	live := make(map[string]bool, len(cands))
	total := 0.0
	best := -1
	for i, c := range cands {
		live[c.cfg.ID] = true
		total += c.cfg.Weight
		current[c.cfg.ID] += c.cfg.Weight
		if best < 0 || current[c.cfg.ID] > current[cands[best].cfg.ID] {
			best = i
		}
	}
	for id := range current {
		if !live[id] {
			delete(current, id)
		}
	}
	current[cands[best].cfg.ID] -= total
	return cands[best]
}

// selectLeastConnections picks the candidate with the fewest in-flight calls.
// Candidates are already in priority order, so the first minimum wins ties.
func selectLeastConnections(cands []candidate, inFlight map[string]int) candidate {
	best := 0
	for i := 1; i < len(cands); i++ {
		if inFlight[cands[i].cfg.ID] < inFlight[cands[best].cfg.ID] {
			best = i
		}
	}
	return cands[best]
}

// selectPerformanceBased picks the lowest average latency. Candidates without
// history are tried first, chosen at random in proportion to their weight.
func selectPerformanceBased(cands []candidate, latency func(id string) (time.Duration, bool), rnd func() float64) candidate {
	var unexplored []candidate
	best := -1
	var bestLatency time.Duration
	for i, c := range cands {
		l, ok := latency(c.cfg.ID)
		if !ok {
			unexplored = append(unexplored, c)
			continue
		}
		if best < 0 || l < bestLatency {
			best, bestLatency = i, l
		}
	}
	if len(unexplored) > 0 {
		return weightedRandom(unexplored, rnd)
	}
	return cands[best]
}

func weightedRandom(cands []candidate, rnd func() float64) candidate {
	total := 0.0
	for _, c := range cands {
		total += c.cfg.Weight
	}
	target := rnd() * total
	for _, c := range cands {
		target -= c.cfg.Weight
		if target < 0 {
			return c
		}
	}
	return cands[len(cands)-1]
}

func selectNode(strategy config.Strategy, cands []candidate, st *clusterState, latency func(string) (time.Duration, bool), rnd func() float64) candidate {
	switch strategy {
	case config.StrategyWeightedRoundRobin:
		return selectWeightedRoundRobin(cands, st.wrr)
	case config.StrategyLeastConnections:
		return selectLeastConnections(cands, st.nodeInFlight)
	default:
		return selectPerformanceBased(cands, latency, rnd)
	}
}
