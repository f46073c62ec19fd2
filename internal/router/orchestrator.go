package router

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/types"
)

// Options narrows the providers a fallback call may use.
type Options struct {
	// OnlyFree skips paid providers.
	OnlyFree bool `json:"only_free,omitempty"`
	// Preferred is tried first when it is usable.
	Preferred string `json:"preferred,omitempty"`
	// Exclude lists provider ids that must not be tried.
	Exclude []string `json:"exclude,omitempty"`
}

// FallbackResult is the envelope returned to callers. Success with a
// non-empty Errors list means the call recovered after earlier failures.
type FallbackResult struct {
	Success          bool           `json:"success"`
	Content          string         `json:"content,omitempty"`
	UsedProvider     string         `json:"used_provider,omitempty"`
	ProviderType     string         `json:"provider_type,omitempty"`
	Cost             string         `json:"cost,omitempty"`
	ResponseTimeMs   int64          `json:"response_time_ms,omitempty"`
	Usage            *types.Usage   `json:"usage,omitempty"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd,omitempty"`
	RequestID        string         `json:"request_id"`
	Error            string         `json:"error,omitempty"`
	Errors           []AttemptError `json:"errors,omitempty"`
}

// Orchestrator tries providers one at a time in priority order until one
// succeeds. It never calls two providers concurrently for one request.
type Orchestrator struct {
	deps
	store SnapshotSource
}

func NewOrchestrator(store SnapshotSource, registry *Registry, opts ...Option) *Orchestrator {
	return &Orchestrator{
		deps:  newDeps(registry, opts),
		store: store,
	}
}

// Plan returns the providers CallWithFallback would try, in order.
func (o *Orchestrator) Plan(opts Options) []config.ProviderConfig {
	snap := o.store.Snapshot()
	cands := usableCandidates(snap, snap.Providers())

	out := make([]config.ProviderConfig, 0, len(cands))
	for _, c := range cands {
		if opts.OnlyFree && c.cfg.Paid() {
			continue
		}
		if slices.Contains(opts.Exclude, c.cfg.ID) {
			continue
		}
		out = append(out, c.cfg)
	}
	if opts.Preferred != "" {
		if i := slices.IndexFunc(out, func(p config.ProviderConfig) bool { return p.ID == opts.Preferred }); i > 0 {
			preferred := out[i]
			out = append(out[:i], out[i+1:]...)
			out = append([]config.ProviderConfig{preferred}, out...)
		}
	}
	return out
}

// CallWithFallback returns a non-nil result in every case. The error is
// *AllProvidersFailedError when every provider failed, wraps ErrNoProviders
// when there was nothing to try, or is the context error when the caller
// gave up between attempts.
func (o *Orchestrator) CallWithFallback(ctx context.Context, req *types.Request, opts Options) (*FallbackResult, error) {
	r := *req
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	result := &FallbackResult{RequestID: r.RequestID}

	plan := o.Plan(opts)
	if len(plan) == 0 {
		result.Error = ErrNoProviders.Error()
		o.metrics.RecordFallback("exhausted")
		return result, fmt.Errorf("fallback: %w", ErrNoProviders)
	}

	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return o.cancelled(result, err)
		}

		resp, rec, err := o.invoke(ctx, p, &r, "", p.Timeout(o.defaultTimeout()))
		if cerr := ctx.Err(); err != nil && cerr != nil {
			return o.cancelled(result, cerr)
		}
		if err != nil {
			o.logger.Warn("provider attempt failed",
				"request_id", r.RequestID,
				"provider", p.ID,
				"latency_ms", rec.Latency.Milliseconds(),
				"error", err,
			)
			result.Errors = append(result.Errors, AttemptError{Provider: p.ID, Error: err.Error()})
			continue
		}

		usage := resp.Usage
		result.Success = true
		result.Content = resp.Content
		result.UsedProvider = p.ID
		result.ProviderType = string(p.Family)
		result.Cost = string(p.CostTier)
		result.ResponseTimeMs = rec.Latency.Milliseconds()
		result.Usage = &usage
		result.EstimatedCostUSD = rec.EstimatedCostUSD

		if len(result.Errors) > 0 {
			o.metrics.RecordFallback("recovered")
			o.logger.Info("fallback recovered",
				"request_id", r.RequestID,
				"provider", p.ID,
				"failed_attempts", len(result.Errors),
			)
		} else {
			o.metrics.RecordFallback("first_try")
		}
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return o.cancelled(result, err)
	}

	result.Error = "all providers failed"
	o.metrics.RecordFallback("exhausted")
	o.logger.Error("all providers failed",
		"request_id", r.RequestID,
		"attempted", len(result.Errors),
	)
	return result, &AllProvidersFailedError{Errors: result.Errors}
}

// cancelled finishes a fallback call the caller gave up on. Remaining
// providers are skipped and the context error is returned.
func (o *Orchestrator) cancelled(result *FallbackResult, err error) (*FallbackResult, error) {
	result.Error = "request cancelled: " + err.Error()
	o.logger.Info("fallback cancelled by caller",
		"request_id", result.RequestID,
		"attempted", len(result.Errors),
	)
	return result, err
}
