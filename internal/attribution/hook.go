package attribution

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnmchuo/embedapi-gateway/internal/billing"
	"github.com/vnmchuo/embedapi-gateway/internal/metrics"
	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
	"github.com/vnmchuo/embedapi-gateway/internal/worker"
)

// CompletionUsage is the token accounting reported for one completion.
type CompletionUsage struct {
	PromptTokens     int
	CompletionTokens int
	IsBYOK           bool
	UpstreamCost     float64
	CachedTokens     int
}

// Caller identifies who a completion is billed to.
type Caller struct {
	Credential string
	Plan       pricing.PlanType
}

// Recorder persists usage events. *billing.Ledger satisfies it.
type Recorder interface {
	RecordUsage(ctx context.Context, event billing.UsageEvent) error
}

// Enqueuer hands work to the background queue. *worker.MemoryQueue
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *worker.Job) error
}

// Hook turns a completion's token usage into the cost reported back to the
// caller, and records platform-billed usage in the ledger.
type Hook struct {
	recorder Recorder
	queue    Enqueuer
	metrics  *metrics.CostMetrics
	logger   *zap.Logger
}

func NewHook(recorder Recorder, queue Enqueuer, cm *metrics.CostMetrics, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		recorder: recorder,
		queue:    queue,
		metrics:  cm,
		logger:   logger.With(zap.String("component", "attribution")),
	}
}

// TotalCost returns the cost of a completion in USD. It never fails and
// never waits for the ledger: recording happens on the worker queue and
// any problem there is only logged.
func (h *Hook) TotalCost(ctx context.Context, caller Caller, model pricing.ModelInfo, usage CompletionUsage) float64 {
	if !model.HasPricing() {
		return 0
	}

	plan := pricing.GetPlanType(caller.Credential, caller.Plan)
	if pricing.IsSoloPlan(plan) || usage.IsBYOK {
		h.metrics.RecordTokens(string(plan), model.ID, usage.PromptTokens, usage.CompletionTokens)
		return usage.UpstreamCost
	}

	cost := pricing.CalculateCost(
		usage.PromptTokens,
		usage.CompletionTokens,
		pricing.PricingInfo{
			InputPricePerMillion:      model.InputPrice,
			OutputPricePerMillion:     model.OutputPrice,
			CacheReadPricePerMillion:  model.CacheReadsPrice,
			CacheWritePricePerMillion: model.CacheWritesPrice,
			Currency:                  pricing.USD,
		},
		usage.CachedTokens,
		0,
	)

	h.metrics.RecordTokens(string(plan), model.ID, usage.PromptTokens, usage.CompletionTokens)
	h.metrics.RecordRequestCost(string(plan), model.ID, cost.TotalCost)

	if pricing.IsProPlan(plan) {
		h.record(ctx, billing.UsageEvent{
			Model:           model.ID,
			InputTokens:     usage.PromptTokens,
			OutputTokens:    usage.CompletionTokens,
			CacheReadTokens: usage.CachedTokens,
			Cost:            cost.TotalCost,
			Currency:        cost.Currency,
			PlanType:        plan,
		})
	}

	return cost.TotalCost
}

func (h *Hook) record(ctx context.Context, event billing.UsageEvent) {
	if h.recorder == nil || h.queue == nil {
		return
	}

	job := &worker.Job{
		Name: "record_usage",
		Run: func(jobCtx context.Context) error {
			if err := h.recorder.RecordUsage(jobCtx, event); err != nil {
				h.metrics.RecordFailure()
				h.logger.Warn("failed to record usage",
					zap.String("model", event.Model),
					zap.Error(err),
				)
				return err
			}
			return nil
		},
	}

	// The completion has been billed upstream even if the client is gone.
	if err := h.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		h.metrics.RecordFailure()
		h.logger.Warn("failed to queue usage event",
			zap.String("model", event.Model),
			zap.Float64("cost", event.Cost),
			zap.Error(err),
		)
	}
}
