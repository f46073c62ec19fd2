package router

import (
	"math"
	"testing"
	"time"

	"github.com/af-corp/aegis-router/internal/config"
)

func cands(weights ...float64) []candidate {
	out := make([]candidate, len(weights))
	for i, w := range weights {
		p := provider(string(rune('a'+i)), 1, config.CostFree)
		p.Weight = w
		out[i] = candidate{cfg: p, order: i}
	}
	return out
}

func TestSelectWeightedRoundRobin_Distribution(t *testing.T) {
	cs := cands(1, 1, 2)
	current := make(map[string]float64)
	counts := make(map[string]int)

	for i := 0; i < 1000; i++ {
		counts[selectWeightedRoundRobin(cs, current).cfg.ID]++
	}

	want := map[string]int{"a": 250, "b": 250, "c": 500}
	for id, n := range want {
		if counts[id] != n {
			t.Errorf("provider %s: expected %d selections, got %d", id, n, counts[id])
		}
	}
}

func TestSelectWeightedRoundRobin_EveryWindowBalanced(t *testing.T) {
	cs := cands(1, 1, 2)
	current := make(map[string]float64)
	for w := 0; w < 10; w++ {
		window := make(map[string]int)
		for i := 0; i < 4; i++ {
			window[selectWeightedRoundRobin(cs, current).cfg.ID]++
		}
		if window["a"] != 1 || window["b"] != 1 || window["c"] != 2 {
			t.Fatalf("window %d unbalanced: %v", w, window)
		}
	}
}

func TestSelectWeightedRoundRobin_DropsStaleWeights(t *testing.T) {
	current := map[string]float64{"gone": 5}
	selectWeightedRoundRobin(cands(1, 1), current)
	if _, ok := current["gone"]; ok {
		t.Error("weights of unselectable providers should be dropped")
	}
}

func TestSelectLeastConnections(t *testing.T) {
	cs := cands(1, 1, 1)

	tests := []struct {
		name     string
		inFlight map[string]int
		want     string
	}{
		{"idle node preferred", map[string]int{"a": 2, "b": 0, "c": 1}, "b"},
		{"tie goes to first in priority order", map[string]int{"a": 1, "b": 1, "c": 1}, "a"},
		{"nothing in flight", map[string]int{}, "a"},
		{"last node idle", map[string]int{"a": 3, "b": 1}, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectLeastConnections(cs, tt.inFlight).cfg.ID; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSelectPerformanceBased(t *testing.T) {
	cs := cands(1, 1, 1)
	fixed := func() float64 { return 0 }

	t.Run("lowest latency wins", func(t *testing.T) {
		lat := map[string]time.Duration{"a": 300 * time.Millisecond, "b": 100 * time.Millisecond, "c": 200 * time.Millisecond}
		got := selectPerformanceBased(cs, func(id string) (time.Duration, bool) {
			l, ok := lat[id]
			return l, ok
		}, fixed)
		if got.cfg.ID != "b" {
			t.Errorf("expected b, got %s", got.cfg.ID)
		}
	})

	t.Run("unexplored tried first", func(t *testing.T) {
		lat := map[string]time.Duration{"a": time.Millisecond, "b": time.Millisecond}
		got := selectPerformanceBased(cs, func(id string) (time.Duration, bool) {
			l, ok := lat[id]
			return l, ok
		}, fixed)
		if got.cfg.ID != "c" {
			t.Errorf("expected unexplored c, got %s", got.cfg.ID)
		}
	})
}

func TestWeightedRandom(t *testing.T) {
	cs := cands(1, 3)
	tests := []struct {
		r    float64
		want string
	}{
		{0, "a"},
		{0.24, "a"},
		{0.25, "b"},
		{0.99, "b"},
	}
	for _, tt := range tests {
		if got := weightedRandom(cs, func() float64 { return tt.r }).cfg.ID; got != tt.want {
			t.Errorf("r=%v: expected %s, got %s", tt.r, tt.want, got)
		}
	}
}

func TestUsableCandidates_SortedAndFiltered(t *testing.T) {
	disabled := provider("disabled", 0, config.CostFree)
	disabled.Enabled = false
	noKey := provider("nokey", 0, config.CostFree)
	noKey.Credentials = ""
	late := provider("late", 1, config.CostFree)
	early := provider("early", 1, config.CostFree)
	first := provider("first", 0, config.CostPaid)

	store := newStore(t, &config.Document{Providers: []config.ProviderConfig{disabled, noKey, early, late, first}})
	snap := store.Snapshot()

	got := usableCandidates(snap, []config.ProviderConfig{late, disabled, first, noKey, early})
	var ids []string
	for _, c := range got {
		ids = append(ids, c.cfg.ID)
	}
	want := []string{"first", "early", "late"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestUsableCandidates_ExtremePriorities(t *testing.T) {
	low := provider("low", math.MinInt, config.CostFree)
	mid := provider("mid", 0, config.CostFree)
	high := provider("high", math.MaxInt, config.CostFree)

	store := newStore(t, &config.Document{Providers: []config.ProviderConfig{high, mid, low}})
	got := usableCandidates(store.Snapshot(), []config.ProviderConfig{high, low, mid})

	want := []string{"low", "mid", "high"}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i, c := range got {
		if c.cfg.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], c.cfg.ID)
		}
	}
}
