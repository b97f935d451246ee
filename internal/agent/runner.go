package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/owliabot/owliabot/internal/agent/providers"
	"github.com/owliabot/owliabot/internal/observability"
)

// overflowShrinkFactors are the context-window fractions tried after a
// context-overflow error before failing over.
var overflowShrinkFactors = []float64{1.0, 0.8, 0.6}

// RunnerEntry pairs a provider with its failover priority. Lower
// priority runs first.
type RunnerEntry struct {
	Provider providers.Provider
	Priority int
}

// Runner dispatches completion requests across the configured provider
// chain with priority failover and overflow shrink retries.
type Runner struct {
	entries []RunnerEntry
	guard   *ContextGuard
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRunner creates a runner. Entries are sorted by ascending priority;
// metrics may be nil.
func NewRunner(entries []RunnerEntry, guard *ContextGuard, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	sorted := make([]RunnerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	if guard == nil {
		guard = NewContextGuard(GuardLimits{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		entries: sorted,
		guard:   guard,
		logger:  logger.With("component", "runner"),
		metrics: metrics,
	}
}

// Providers returns the chain in dispatch order.
func (r *Runner) Providers() []providers.Provider {
	out := make([]providers.Provider, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Provider
	}
	return out
}

// Complete tries each provider in priority order. Context-overflow
// errors are retried against the same provider with a shrunken window
// before moving on; any other error fails over immediately.
func (r *Runner) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if len(r.entries) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	var lastErr error
	for _, entry := range r.entries {
		provider := entry.Provider
		resp, err := r.completeWithShrink(ctx, provider, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason := providers.ClassifyError(err)
		if pe, ok := providers.GetProviderError(err); ok {
			reason = pe.Reason
		}
		r.logger.Warn("provider failed, trying next",
			"provider", provider.ID(),
			"model", provider.Model(),
			"reason", string(reason),
			"error", err.Error())
		if r.metrics != nil {
			r.metrics.RecordFailover(provider.ID(), string(reason))
		}
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (r *Runner) completeWithShrink(ctx context.Context, provider providers.Provider, req *providers.Request) (*providers.Response, error) {
	limits := r.guard.Limits()
	var lastErr error

	for attempt, factor := range overflowShrinkFactors {
		window := int(float64(limits.ContextWindow) * factor)
		guarded := r.guard.ApplyWithWindow(req.System, req.Messages, window)
		if guarded.Dropped > 0 {
			r.logger.Info("context guard dropped messages",
				"provider", provider.ID(),
				"dropped", guarded.Dropped,
				"window", window)
		}

		attemptReq := *req
		attemptReq.Messages = guarded.Messages
		if !provider.SupportsTools() {
			attemptReq.Tools = nil
		}

		started := time.Now()
		resp, err := provider.Complete(ctx, &attemptReq)
		if r.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
				if providers.IsContextOverflow(err) {
					status = "overflow_retry"
				}
			}
			r.metrics.RecordProviderRequest(provider.ID(), provider.Model(), status, time.Since(started).Seconds())
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !providers.IsContextOverflow(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < len(overflowShrinkFactors)-1 {
			r.logger.Warn("context overflow, shrinking window",
				"provider", provider.ID(),
				"next_factor", overflowShrinkFactors[attempt+1])
		}
	}

	return nil, lastErr
}
