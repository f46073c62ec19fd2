package costguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/af-corp/aegis-router/internal/types"
)

// failureLatencyFloor is the latency sample recorded for a failed attempt
// that returned faster than this. A provider that fails instantly must not
// look fast to performance_based selection.
const failureLatencyFloor = 5 * time.Second

// Ledger keeps recent attempt records in a bounded ring and a per-provider
// exponentially weighted latency average. When a RedisMirror is attached,
// records are also shared with other router instances.
type Ledger struct {
	mu      sync.RWMutex
	ring    []types.AttemptRecord
	next    int
	size    int
	alpha   float64
	latency map[string]float64 // provider id -> EWMA in ms

	mirror *RedisMirror
	logger *slog.Logger
}

// NewLedger creates a ledger holding up to capacity records. alpha is the
// EWMA smoothing factor in (0, 1]. mirror may be nil.
func NewLedger(capacity int, alpha float64, mirror *RedisMirror, logger *slog.Logger) *Ledger {
	if capacity <= 0 {
		capacity = 10000
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		ring:    make([]types.AttemptRecord, capacity),
		alpha:   alpha,
		latency: make(map[string]float64),
		mirror:  mirror,
		logger:  logger,
	}
}

// Append stores rec and folds its latency into the provider's average.
// Mirror failures are logged and do not fail the call.
func (l *Ledger) Append(ctx context.Context, rec types.AttemptRecord) {
	sample := float64(rec.Latency) / float64(time.Millisecond)
	if !rec.Success && rec.Latency < failureLatencyFloor {
		sample = float64(failureLatencyFloor) / float64(time.Millisecond)
	}

	l.mu.Lock()
	l.ring[l.next] = rec
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}
	if prev, ok := l.latency[rec.ProviderID]; ok {
		l.latency[rec.ProviderID] = l.alpha*sample + (1-l.alpha)*prev
	} else {
		l.latency[rec.ProviderID] = sample
	}
	l.mu.Unlock()

	if l.mirror.Enabled() {
		if err := l.mirror.Append(ctx, rec); err != nil {
			l.logger.Warn("usage mirror append failed", "provider", rec.ProviderID, "error", err)
		}
	}
}

// EWMALatency returns the provider's smoothed latency, or false when it has
// no recorded attempts.
func (l *Ledger) EWMALatency(providerID string) (time.Duration, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ms, ok := l.latency[providerID]
	if !ok {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// Query returns records for providerID (all providers when empty) with
// timestamps in [since, until), oldest first. The shared mirror is preferred
// when attached; on mirror errors the local ring answers.
func (l *Ledger) Query(ctx context.Context, providerID string, since, until time.Time) []types.AttemptRecord {
	if l.mirror.Enabled() && providerID != "" {
		recs, err := l.mirror.Query(ctx, providerID, since, until)
		if err == nil {
			return recs
		}
		l.logger.Warn("usage mirror query failed, using local ledger", "provider", providerID, "error", err)
	}
	return l.local(providerID, since, until)
}

func (l *Ledger) local(providerID string, since, until time.Time) []types.AttemptRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.AttemptRecord, 0)
	start := (l.next - l.size + len(l.ring)) % len(l.ring)
	for i := 0; i < l.size; i++ {
		rec := l.ring[(start+i)%len(l.ring)]
		if providerID != "" && rec.ProviderID != providerID {
			continue
		}
		if rec.Timestamp.Before(since) || !rec.Timestamp.Before(until) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Summary aggregates a provider's attempts over a window.
type Summary struct {
	ProviderID       string  `json:"provider_id"`
	Attempts         int     `json:"attempts"`
	Successes        int     `json:"successes"`
	Failures         int     `json:"failures"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	DailySpendUSD    float64 `json:"daily_spend_usd"`
}

func (l *Ledger) Summarize(ctx context.Context, providerID string, since, until time.Time) Summary {
	s := Summary{ProviderID: providerID}
	var total time.Duration
	for _, rec := range l.Query(ctx, providerID, since, until) {
		s.Attempts++
		if rec.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		s.PromptTokens += rec.Usage.PromptTokens
		s.CompletionTokens += rec.Usage.CompletionTokens
		s.EstimatedCostUSD += rec.EstimatedCostUSD
		total += rec.Latency
	}
	if s.Attempts > 0 {
		s.AvgLatencyMs = float64(total.Milliseconds()) / float64(s.Attempts)
	}
	return s
}

// DailySpend returns the provider's estimated USD spend for the UTC day
// containing at, up to and including at. With a mirror attached the shared
// counter answers so the figure covers every instance.
func (l *Ledger) DailySpend(ctx context.Context, providerID string, at time.Time) float64 {
	if l.mirror.Enabled() {
		usd, err := l.mirror.DailySpend(ctx, providerID, at)
		if err == nil {
			return usd
		}
		l.logger.Warn("usage mirror spend read failed, using local ledger", "provider", providerID, "error", err)
	}
	day := at.UTC().Truncate(24 * time.Hour)
	var usd float64
	for _, rec := range l.local(providerID, day, at.Add(time.Nanosecond)) {
		usd += rec.EstimatedCostUSD
	}
	return usd
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}
