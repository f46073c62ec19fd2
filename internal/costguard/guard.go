// Package costguard records every provider attempt, alerts on paid usage
// and can switch all paid providers off in one administrative action.
package costguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/telemetry"
	"github.com/af-corp/aegis-router/internal/types"
)

const alertDeliveryTimeout = 10 * time.Second

// DocumentUpdater is the write side of the configuration store.
type DocumentUpdater interface {
	Update(ctx context.Context, fn func(doc *config.Document) error) (*configstore.Snapshot, error)
}

var errNothingToDisable = errors.New("no enabled paid providers")

type Guard struct {
	store    DocumentUpdater
	ledger   *Ledger
	alerter  Alerter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	cooldown func() time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	pending sync.WaitGroup
}

type Option func(*Guard)

func WithAlerter(a Alerter) Option { return func(g *Guard) { g.alerter = a } }

func WithMetrics(m *telemetry.Metrics) Option { return func(g *Guard) { g.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

// WithCooldown sets the per-provider alert cooldown source. It is read on
// every check so hot-reloaded values apply immediately.
func WithCooldown(fn func() time.Duration) Option { return func(g *Guard) { g.cooldown = fn } }

func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

func New(store DocumentUpdater, ledger *Ledger, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		ledger:   ledger,
		cooldown: func() time.Duration { return time.Minute },
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.alerter == nil {
		g.alerter = NewLogAlerter(g.logger)
	}
	return g
}

func (g *Guard) Ledger() *Ledger { return g.ledger }

// Observe records one attempt: it is appended to the ledger, counted in the
// metrics and, for a successful paid call, checked for alerting.
func (g *Guard) Observe(ctx context.Context, rec types.AttemptRecord) {
	g.LogUsage(ctx, rec)

	g.metrics.RecordAttempt(telemetry.AttemptLabels{
		Provider:         rec.ProviderID,
		Family:           rec.Family,
		Cluster:          rec.Cluster,
		CostTier:         rec.CostTier,
		Success:          rec.Success,
		DurationMs:       float64(rec.Latency) / float64(time.Millisecond),
		PromptTokens:     rec.Usage.PromptTokens,
		CompletionTokens: rec.Usage.CompletionTokens,
		CostUSD:          rec.EstimatedCostUSD,
	})

	if rec.Success && config.CostTier(rec.CostTier) == config.CostPaid {
		g.checkAndAlert(ctx, rec.ProviderID, rec.ProviderName, rec.Usage, rec.EstimatedCostUSD)
	}
}

// LogUsage appends rec to the ledger regardless of alerting.
func (g *Guard) LogUsage(ctx context.Context, rec types.AttemptRecord) {
	g.ledger.Append(ctx, rec)
	g.logger.Debug("attempt recorded",
		"request_id", rec.RequestID,
		"provider", rec.ProviderID,
		"cluster", rec.Cluster,
		"success", rec.Success,
		"latency_ms", rec.Latency.Milliseconds(),
	)
}

// CheckAndAlert emits a paid-usage alert for providerName unless one was
// emitted within the cooldown. Free-tier usage never alerts. It reports
// whether an alert was emitted. Observe keys the cooldown by provider id
// instead, since display names need not be unique.
func (g *Guard) CheckAndAlert(ctx context.Context, providerName string, tier config.CostTier, usage types.Usage) bool {
	if tier != config.CostPaid {
		return false
	}
	return g.checkAndAlert(ctx, providerName, providerName, usage, 0)
}

// checkAndAlert runs the cooldown for key. providerName only appears in the
// alert message.
func (g *Guard) checkAndAlert(ctx context.Context, key, providerName string, usage types.Usage, costUSD float64) bool {
	now := g.now()
	if !g.allow(key, now) {
		return false
	}

	g.deliver(ctx, Alert{
		Kind:             AlertPaidUsage,
		Provider:         key,
		Usage:            usage,
		EstimatedCostUSD: costUSD,
		Message:          fmt.Sprintf("paid provider %s served a request (%d tokens)", providerName, usage.PromptTokens+usage.CompletionTokens),
		Timestamp:        now,
	})
	g.metrics.RecordAlert(key, string(AlertPaidUsage))
	return true
}

// allow consumes the provider's cooldown token. The limiter allows one alert
// per cooldown period with no burst.
func (g *Guard) allow(key string, now time.Time) bool {
	every := rate.Every(g.cooldown())

	g.mu.Lock()
	defer g.mu.Unlock()

	lim, ok := g.limiters[key]
	if !ok {
		lim = rate.NewLimiter(every, 1)
		g.limiters[key] = lim
	} else if lim.Limit() != every {
		lim.SetLimitAt(now, every)
	}
	return lim.AllowN(now, 1)
}

// DisableAllPaid disables every enabled paid provider in one store write and
// emits one summary alert. With nothing to disable it neither writes nor
// alerts and returns an empty list.
func (g *Guard) DisableAllPaid(ctx context.Context) ([]string, error) {
	var disabled []string
	_, err := g.store.Update(ctx, func(doc *config.Document) error {
		disabled = disabled[:0]
		for i := range doc.Providers {
			p := &doc.Providers[i]
			if p.Paid() && p.Enabled {
				p.Enabled = false
				disabled = append(disabled, p.ID)
			}
		}
		if len(disabled) == 0 {
			return errNothingToDisable
		}
		return nil
	})
	if errors.Is(err, errNothingToDisable) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("disable paid providers: %w", err)
	}

	g.logger.Warn("paid providers disabled", "providers", disabled)
	g.deliver(ctx, Alert{
		Kind:      AlertPaidDisabled,
		Providers: disabled,
		Message:   "paid providers disabled: " + strings.Join(disabled, ", "),
		Timestamp: g.now(),
	})
	g.metrics.RecordAlert("*", string(AlertPaidDisabled))
	return disabled, nil
}

// deliver sends the alert in the background. Delivery errors are logged and
// never reach the caller.
func (g *Guard) deliver(ctx context.Context, a Alert) {
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertDeliveryTimeout)
		defer cancel()
		if err := g.alerter.Send(sendCtx, a); err != nil {
			g.logger.Error("alert delivery failed", "kind", a.Kind, "provider", a.Provider, "error", err)
		}
	}()
}

// Flush waits for in-flight alert deliveries.
func (g *Guard) Flush() {
	g.pending.Wait()
}
