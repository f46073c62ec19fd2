package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/router/adapters"
	"github.com/af-corp/aegis-router/internal/telemetry"
	"github.com/af-corp/aegis-router/internal/types"
)

// SnapshotSource supplies the latest committed routing document.
type SnapshotSource interface {
	Snapshot() *configstore.Snapshot
}

// AttemptObserver receives every provider attempt, successful or not.
type AttemptObserver interface {
	Observe(ctx context.Context, rec types.AttemptRecord)
}

// LatencySource reports a provider's smoothed latency.
type LatencySource interface {
	EWMALatency(providerID string) (time.Duration, bool)
}

type deps struct {
	registry       *Registry
	observer       AttemptObserver
	latency        LatencySource
	metrics        *telemetry.Metrics
	logger         *slog.Logger
	defaultTimeout func() time.Duration
	now            func() time.Time
	rnd            func() float64
}

type Option func(*deps)

func WithObserver(o AttemptObserver) Option { return func(d *deps) { d.observer = o } }

func WithLatencySource(l LatencySource) Option { return func(d *deps) { d.latency = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(d *deps) { d.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(d *deps) { d.logger = l } }

// WithDefaultTimeout sets the timeout used when a cluster or provider has
// none. It is read per call.
func WithDefaultTimeout(fn func() time.Duration) Option {
	return func(d *deps) { d.defaultTimeout = fn }
}

func WithClock(now func() time.Time) Option { return func(d *deps) { d.now = now } }

// WithRand sets the [0,1) source used for weighted exploration.
func WithRand(rnd func() float64) Option { return func(d *deps) { d.rnd = rnd } }

func newDeps(registry *Registry, opts []Option) deps {
	d := deps{
		registry:       registry,
		defaultTimeout: func() time.Duration { return 60 * time.Second },
		now:            time.Now,
		rnd:            rand.Float64,
	}
	for _, opt := range opts {
		opt(&d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.latency == nil {
		d.latency = noLatency{}
	}
	return d
}

type noLatency struct{}

func (noLatency) EWMALatency(string) (time.Duration, bool) { return 0, false }

// invoke performs one call against p and reports it to the observer. The
// returned error is a *ConfigurationError or *TransportError, or wraps the
// caller's context error when ctx ended during the call. A call cut short by
// the caller is not reported as a provider failure.
func (d *deps) invoke(ctx context.Context, p config.ProviderConfig, req *types.Request, cluster string, timeout time.Duration) (*types.Response, types.AttemptRecord, error) {
	rec := types.AttemptRecord{
		RequestID:    req.RequestID,
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Family:       string(p.Family),
		Cluster:      cluster,
		CostTier:     string(p.CostTier),
	}

	adapter, err := d.registry.ForFamily(p.Family)
	if err != nil {
		return nil, rec, &ConfigurationError{Provider: p.ID, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.now()
	resp, err := adapter.Invoke(callCtx, p, req)
	rec.Latency = d.now().Sub(start)
	rec.Timestamp = start

	if err != nil {
		if errors.Is(err, adapters.ErrMissingCredentials) {
			return nil, rec, &ConfigurationError{Provider: p.ID, Err: err}
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, rec, fmt.Errorf("provider %s: call abandoned: %w", p.ID, cerr)
		}
		terr := &TransportError{
			Provider: p.ID,
			Timeout:  errors.Is(err, context.DeadlineExceeded),
			Err:      err,
		}
		rec.Error = terr.Error()
		d.observe(ctx, rec)
		return nil, rec, terr
	}

	rec.Success = true
	rec.Usage = resp.Usage
	rec.EstimatedCostUSD = p.EstimateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	d.observe(ctx, rec)
	return resp, rec, nil
}

func (d *deps) observe(ctx context.Context, rec types.AttemptRecord) {
	if d.observer == nil {
		return
	}
	d.observer.Observe(context.WithoutCancel(ctx), rec)
}
