package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/embedapi-gateway/internal/attribution"
	"github.com/vnmchuo/embedapi-gateway/internal/auth"
	"github.com/vnmchuo/embedapi-gateway/internal/billing"
	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
	"github.com/vnmchuo/embedapi-gateway/internal/provider"
	"github.com/vnmchuo/embedapi-gateway/pkg/ratelimit"
)

// CostAttributor prices a completion. *attribution.Hook satisfies it.
type CostAttributor interface {
	TotalCost(ctx context.Context, caller attribution.Caller, model pricing.ModelInfo, usage attribution.CompletionUsage) float64
}

// UsageLedger is the read and clear side of *billing.Ledger.
type UsageLedger interface {
	UsageStats(period billing.Period) billing.UsageStats
	UsageEvents(period billing.Period) []billing.UsageEvent
	ClearAllUsage(ctx context.Context) error
}

type Deps struct {
	Router                *Router
	Catalog               *pricing.Catalog
	Costs                 CostAttributor
	Ledger                UsageLedger
	Limiter               *ratelimit.Limiter // optional
	Tracer                trace.Tracer
	Logger                *zap.Logger
	DefaultModel          string
	DefaultEmbeddingModel string
}

type Handler struct {
	router                *Router
	catalog               *pricing.Catalog
	costs                 CostAttributor
	ledger                UsageLedger
	limiter               *ratelimit.Limiter
	tracer                trace.Tracer
	logger                *zap.Logger
	defaultModel          string
	defaultEmbeddingModel string
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := d.Catalog
	if catalog == nil {
		catalog = pricing.NewCatalog()
	}
	return &Handler{
		router:                d.Router,
		catalog:               catalog,
		costs:                 d.Costs,
		ledger:                d.Ledger,
		limiter:               d.Limiter,
		tracer:                d.Tracer,
		logger:                logger.With(zap.String("component", "proxy")),
		defaultModel:          d.DefaultModel,
		defaultEmbeddingModel: d.DefaultEmbeddingModel,
	}
}

type usagePayload struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CachedTokens     int     `json:"cached_tokens,omitempty"`
	Cost             float64 `json:"cost"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *usagePayload  `json:"usage,omitempty"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
	Index int         `json:"index"`
}

type streamDelta struct {
	Content string `json:"content"`
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()

	req, selectedProvider, ok := h.prepare(ctx, w, r, span)
	if !ok {
		return
	}

	response, err := h.router.Execute(ctx, req, selectedProvider)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeUpstreamError(w, err)
		return
	}

	cost := h.attribute(ctx, req.Model, response.Usage)
	plan := pricing.GetPlanType(auth.GetCredential(ctx), auth.GetPlan(ctx))
	span.SetAttributes(
		attribute.Int("input_tokens", response.InputTokens),
		attribute.Int("output_tokens", response.OutputTokens),
		attribute.Float64("cost", cost),
		attribute.String("plan", string(plan)),
	)

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"plan":     plan,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": toPayload(response.Usage, cost),
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.complete_stream")
	defer span.End()

	req, selectedProvider, ok := h.prepare(ctx, w, r, span)
	if !ok {
		return
	}

	// The upstream bills the whole completion even if the client hangs up,
	// so the stream keeps running until its final usage report.
	ch, err := h.router.ExecuteStream(context.WithoutCancel(ctx), req, selectedProvider)
	if err != nil {
		span.RecordError(err)
		writeUpstreamError(w, err)
		return
	}
	h.relay(ctx, w, span, req.Model, ch)
}

// HandleFIMStream relays a fill-in-the-middle completion as SSE, priced
// like a chat completion.
func (h *Handler) HandleFIMStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.fim_stream")
	defer span.End()

	var req provider.FIMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}
	req.Metadata = callerMetadata(ctx)
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
	)

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	if !h.admit(ctx, w, auth.ClientID(ctx), estimatedTokens) {
		return
	}

	ch, err := h.router.ExecuteFIMStream(context.WithoutCancel(ctx), &req)
	if err != nil {
		span.RecordError(err)
		writeUpstreamError(w, err)
		return
	}
	h.relay(ctx, w, span, req.Model, ch)
}

// relay writes chunks as SSE and attributes the final usage report. It
// always drains ch; once the client is gone chunks are only inspected for
// usage.
func (h *Handler) relay(ctx context.Context, w http.ResponseWriter, span trace.Span, model string, ch <-chan *provider.Chunk) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		for range ch {
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var usage *provider.Usage
	attributed := false
	finished := false

	for chunk := range ch {
		if chunk.Usage != nil && !attributed {
			usage = chunk.Usage
		}
		if finished || ctx.Err() != nil {
			continue
		}

		if chunk.Err != nil {
			span.RecordError(chunk.Err)
			data, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			flusher.Flush()
			finished = true
			continue
		}

		if chunk.Delta != "" {
			writeEvent(w, streamChunk{Choices: []streamChoice{{Delta: streamDelta{Content: chunk.Delta}}}})
			flusher.Flush()
		}

		if chunk.Done {
			if usage != nil {
				cost := h.attribute(ctx, model, *usage)
				attributed = true
				span.SetAttributes(attribute.Float64("cost", cost))
				payload := toPayload(*usage, cost)
				writeEvent(w, streamChunk{Choices: []streamChoice{}, Usage: &payload})
			}
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			finished = true
		}
	}

	// The client went away before [DONE]; the upstream still billed it.
	if usage != nil && !attributed {
		h.attribute(ctx, model, *usage)
	}
}

func (h *Handler) prepare(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span) (*provider.Request, provider.Provider, bool) {
	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, nil, false
	}

	if req.Model == "" {
		req.Model = h.defaultModel
	}
	req.Metadata = callerMetadata(ctx)

	clientID := auth.ClientID(ctx)
	span.SetAttributes(
		attribute.String("client_id", clientID),
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
	)

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	if !h.admit(ctx, w, clientID, estimatedTokens) {
		return nil, nil, false
	}

	selectedProvider, err := h.router.Route(ctx, &req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return nil, nil, false
	}

	return &req, selectedProvider, true
}

// admit applies the tokens-per-minute limit. A rejected request gets a 429
// carrying the limiter's current status when it is available.
func (h *Handler) admit(ctx context.Context, w http.ResponseWriter, clientID string, tokens int) bool {
	allowed, err := h.limiter.Allow(ctx, clientID, tokens)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.Error(err))
	}
	if err == nil && allowed {
		return true
	}

	body := map[string]interface{}{
		"error":       "rate limit exceeded",
		"retry_after": "60s",
	}
	if err == nil {
		if status, statusErr := h.limiter.Status(ctx, clientID); statusErr == nil && status != nil {
			body["limit"] = status
		}
	}
	w.Header().Set("Retry-After", "60s")
	writeJSON(w, http.StatusTooManyRequests, body)
	return false
}

func callerMetadata(ctx context.Context) provider.Metadata {
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return provider.Metadata{
		APIKey:         auth.GetCredential(ctx),
		OrganizationID: auth.GetOrganizationID(ctx),
		TaskID:         auth.GetTaskID(ctx),
		ProjectID:      auth.GetProjectID(ctx),
		RequestID:      requestID,
	}
}

// attribute prices the completion against the catalog entry for model.
// Unknown models have no pricing and cost nothing.
func (h *Handler) attribute(ctx context.Context, model string, usage provider.Usage) float64 {
	if h.costs == nil {
		return 0
	}
	info, ok := h.catalog.Lookup(model)
	if !ok {
		h.logger.Debug("no pricing for model", zap.String("model", model))
	}
	info.ID = model

	return h.costs.TotalCost(ctx,
		attribution.Caller{
			Credential: auth.GetCredential(ctx),
			Plan:       auth.GetPlan(ctx),
		},
		info,
		attribution.CompletionUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			IsBYOK:           usage.IsBYOK,
			UpstreamCost:     usage.UpstreamCost,
			CachedTokens:     usage.CachedTokens,
		},
	)
}

type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// HandleEmbeddings serves OpenAI-compatible embeddings. Input tokens are
// priced against the catalog like a completion without output.
func (h *Handler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.embeddings")
	defer span.End()

	var req provider.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Input) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input is required"})
		return
	}
	if req.Model == "" {
		req.Model = h.defaultEmbeddingModel
	}
	req.Metadata = callerMetadata(ctx)
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
		attribute.Int("inputs", len(req.Input)),
	)

	if !h.admit(ctx, w, auth.ClientID(ctx), estimateEmbeddingTokens(req.Input)) {
		return
	}

	resp, err := h.router.ExecuteEmbeddings(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeUpstreamError(w, err)
		return
	}

	model := req.Model
	if model == "" {
		model = resp.Model
	}
	cost := h.attribute(ctx, model, resp.Usage)
	span.SetAttributes(attribute.Float64("cost", cost))

	data := make([]embeddingData, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		data[i] = embeddingData{Object: "embedding", Index: e.Index, Embedding: e.Vector}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object":   "list",
		"model":    resp.Model,
		"provider": resp.Provider,
		"data":     data,
		"usage": map[string]interface{}{
			"prompt_tokens": resp.InputTokens,
			"total_tokens":  resp.InputTokens,
			"cost":          cost,
		},
	})
}

// estimateEmbeddingTokens assumes roughly four characters per token.
func estimateEmbeddingTokens(input []string) int {
	chars := 0
	for _, s := range input {
		chars += len(s)
	}
	if tokens := chars / 4; tokens > 0 {
		return tokens
	}
	return 1
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	period, err := billing.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	stats := h.ledger.UsageStats(period)
	events := h.ledger.UsageEvents(period)
	if events == nil {
		events = []billing.UsageEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period":    period,
		"stats":     stats,
		"formatted": billing.FormatStats(stats),
		"events":    events,
	})
}

func (h *Handler) HandleClearUsage(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.ClearAllUsage(r.Context()); err != nil {
		h.logger.Error("failed to clear usage", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to clear usage"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   h.catalog.Models(),
	})
}

func toPayload(u provider.Usage, cost float64) usagePayload {
	return usagePayload{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
		CachedTokens:     u.CachedTokens,
		Cost:             cost,
	}
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, provider.ErrAPIKeyMissing):
		status = http.StatusUnauthorized
	case errors.Is(err, provider.ErrFIMUnsupported):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNoProvider):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeEvent(w http.ResponseWriter, v interface{}) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
