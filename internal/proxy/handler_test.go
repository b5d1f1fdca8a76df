package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/embedapi-gateway/internal/attribution"
	"github.com/vnmchuo/embedapi-gateway/internal/auth"
	"github.com/vnmchuo/embedapi-gateway/internal/billing"
	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
	"github.com/vnmchuo/embedapi-gateway/internal/provider"
	"github.com/vnmchuo/embedapi-gateway/internal/worker"
	"github.com/vnmchuo/embedapi-gateway/pkg/ratelimit"
)

// Mock cost attribution
type mockCosts struct {
	totalCostFunc func(ctx context.Context, caller attribution.Caller, model pricing.ModelInfo, usage attribution.CompletionUsage) float64
	calls         int
	lastModel     pricing.ModelInfo
	lastUsage     attribution.CompletionUsage
	lastCaller    attribution.Caller
}

func (m *mockCosts) TotalCost(ctx context.Context, caller attribution.Caller, model pricing.ModelInfo, usage attribution.CompletionUsage) float64 {
	m.calls++
	m.lastModel, m.lastUsage, m.lastCaller = model, usage, caller
	if m.totalCostFunc != nil {
		return m.totalCostFunc(ctx, caller, model, usage)
	}
	return 0
}

// Mock ledger
type mockLedger struct {
	stats    billing.UsageStats
	events   []billing.UsageEvent
	clearErr error
	cleared  bool
}

func (m *mockLedger) UsageStats(period billing.Period) billing.UsageStats {
	s := m.stats
	s.Period = period
	return s
}

func (m *mockLedger) UsageEvents(period billing.Period) []billing.UsageEvent {
	return m.events
}

func (m *mockLedger) ClearAllUsage(ctx context.Context) error {
	if m.clearErr != nil {
		return m.clearErr
	}
	m.cleared = true
	return nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type testEnv struct {
	handler *Handler
	costs   *mockCosts
	ledger  *mockLedger
}

func sonnetCatalog() *pricing.Catalog {
	return pricing.NewCatalog(pricing.ModelInfo{
		ID:            "anthropic/claude-sonnet-4",
		ContextWindow: 200000,
		InputPrice:    3,
		OutputPrice:   15,
	})
}

// Test Suite
func setupTest(providers []provider.Provider, limiterAllowed bool) *testEnv {
	env := &testEnv{costs: &mockCosts{}, ledger: &mockLedger{}}
	env.handler = NewHandler(Deps{
		Router:       NewRouter(providers),
		Catalog:      sonnetCatalog(),
		Costs:        env.costs,
		Ledger:       env.ledger,
		Limiter:      ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed}),
		Tracer:       noop.NewTracerProvider().Tracer("test"),
		DefaultModel: "anthropic/claude-sonnet-4",
	})
	return env
}

func completionBody(model string) *bytes.Reader {
	body, _ := json.Marshal(map[string]interface{}{
		"model":      model,
		"max_tokens": 100,
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	})
	return bytes.NewReader(body)
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	env := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", resp["error"])
	}
}

func TestHandleComplete_RateLimited(t *testing.T) {
	env := setupTest([]provider.Provider{&MockProvider{name: "embedapi"}}, false)
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("gpt-4"))
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("Expected rate limit exceeded error, got %v", resp["error"])
	}
	if _, ok := resp["limit"].(map[string]interface{}); !ok {
		t.Errorf("Expected limiter status in 429 body, got %v", resp)
	}
	if w.Header().Get("Retry-After") != "60s" {
		t.Errorf("Expected Retry-After: 60s header, got %s", w.Header().Get("Retry-After"))
	}
}

func TestHandleComplete_LimiterErrorOmitsStatus(t *testing.T) {
	h := NewHandler(Deps{
		Router:  NewRouter([]provider.Provider{&MockProvider{name: "embedapi"}}),
		Limiter: ratelimit.NewTestLimiter(&mockLimiterStore{err: errors.New("redis down")}),
		Tracer:  noop.NewTracerProvider().Tracer("test"),
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("m"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 while the limiter is down, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if _, ok := resp["limit"]; ok {
		t.Errorf("no status expected when the limiter errors: %v", resp)
	}
}

func TestHandleComplete_NoLimiterConfigured(t *testing.T) {
	p := &MockProvider{name: "embedapi"}
	h := NewHandler(Deps{
		Router: NewRouter([]provider.Provider{p}),
		Tracer: noop.NewTracerProvider().Tracer("test"),
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("m"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 without a limiter, got %d", w.Code)
	}
}

func TestHandleComplete_ProviderUnavailable(t *testing.T) {
	env := setupTest([]provider.Provider{}, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("gpt-4"))
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleComplete_UpstreamFailure(t *testing.T) {
	env := setupTest([]provider.Provider{&MockProvider{name: "embedapi", completeErr: errors.New("boom")}}, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("m"))
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
	if env.costs.calls != 0 {
		t.Error("failed completions must not be attributed")
	}
}

func TestHandleComplete_MissingKey(t *testing.T) {
	env := setupTest([]provider.Provider{&MockProvider{name: "embedapi", completeErr: provider.ErrAPIKeyMissing}}, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("m"))
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleComplete_Success(t *testing.T) {
	p := &MockProvider{
		name:  "embedapi",
		usage: provider.Usage{InputTokens: 1000, OutputTokens: 200, CachedTokens: 100},
	}
	env := setupTest([]provider.Provider{p}, true)
	env.costs.totalCostFunc = func(ctx context.Context, caller attribution.Caller, model pricing.ModelInfo, usage attribution.CompletionUsage) float64 {
		return 0.0123
	}

	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("anthropic/claude-sonnet-4-20250514"))
	ctx := auth.WithCredential(req.Context(), "sk-caller")
	ctx = auth.WithPlan(ctx, pricing.PlanPro)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp["model"] != "anthropic/claude-sonnet-4-20250514" {
		t.Errorf("Expected requested model, got %v", resp["model"])
	}
	if resp["provider"] != "embedapi" {
		t.Errorf("Expected provider embedapi, got %v", resp["provider"])
	}
	if resp["plan"] != "pro" {
		t.Errorf("Expected plan pro, got %v", resp["plan"])
	}

	choices := resp["choices"].([]interface{})
	message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	if message["content"] != "mock" {
		t.Errorf("Expected content 'mock', got %v", message["content"])
	}

	usage := resp["usage"].(map[string]interface{})
	if usage["total_tokens"].(float64) != 1200 {
		t.Errorf("Expected 1200 total tokens, got %v", usage["total_tokens"])
	}
	if usage["cost"].(float64) != 0.0123 {
		t.Errorf("Expected cost 0.0123, got %v", usage["cost"])
	}

	// Dated model ids resolve to the catalog entry by prefix but keep their own id.
	if env.costs.lastModel.InputPrice != 3 || env.costs.lastModel.ID != "anthropic/claude-sonnet-4-20250514" {
		t.Errorf("unexpected model passed to attribution: %+v", env.costs.lastModel)
	}
	if env.costs.lastUsage.CachedTokens != 100 {
		t.Errorf("cached tokens not forwarded: %+v", env.costs.lastUsage)
	}
	if env.costs.lastCaller.Credential != "sk-caller" || env.costs.lastCaller.Plan != pricing.PlanPro {
		t.Errorf("unexpected caller %+v", env.costs.lastCaller)
	}
	if p.lastReq.APIKey != "sk-caller" {
		t.Errorf("caller credential not forwarded upstream")
	}
}

func TestHandleComplete_DefaultModel(t *testing.T) {
	p := &MockProvider{name: "embedapi"}
	env := setupTest([]provider.Provider{p}, true)

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	w := httptest.NewRecorder()

	env.handler.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if p.lastReq.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("Expected default model, got %q", p.lastReq.Model)
	}
}

func TestHandleComplete_RecordsProUsage(t *testing.T) {
	ctx := context.Background()
	ledger, err := billing.NewLedger(ctx, billing.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	queue := worker.NewMemoryQueue(8, nil)
	queue.Start(ctx)

	p := &MockProvider{name: "embedapi", usage: provider.Usage{InputTokens: 1_000_000, OutputTokens: 100_000}}
	h := NewHandler(Deps{
		Router:  NewRouter([]provider.Provider{p}),
		Catalog: sonnetCatalog(),
		Costs:   attribution.NewHook(ledger, queue, nil, nil),
		Ledger:  ledger,
		Tracer:  noop.NewTracerProvider().Tracer("test"),
	})

	req := httptest.NewRequest("POST", "/v1/chat/completions", completionBody("anthropic/claude-sonnet-4"))
	w := httptest.NewRecorder()
	h.HandleComplete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if err := queue.Close(ctx); err != nil {
		t.Fatalf("queue close: %v", err)
	}

	stats := ledger.UsageStats(billing.PeriodDay)
	if stats.TotalRequests != 1 {
		t.Fatalf("Expected 1 recorded request, got %d", stats.TotalRequests)
	}
	if stats.TotalCost < 4.4999 || stats.TotalCost > 4.5001 {
		t.Errorf("Expected cost 4.5, got %v", stats.TotalCost)
	}
}

func TestHandleCompleteStream_InvalidBody(t *testing.T) {
	env := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	env.handler.HandleCompleteStream(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleCompleteStream_RateLimited(t *testing.T) {
	env := setupTest(nil, false)
	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody("gpt-4"))
	w := httptest.NewRecorder()

	env.handler.HandleCompleteStream(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestHandleCompleteStream_Success(t *testing.T) {
	p := &MockStreamProvider{
		MockProvider: MockProvider{name: "embedapi"},
		chunks: []*provider.Chunk{
			{Delta: "hello"},
			{Delta: " world"},
			{Usage: &provider.Usage{InputTokens: 10, OutputTokens: 2}},
			{Done: true},
		},
	}

	env := setupTest([]provider.Provider{p}, true)
	env.costs.totalCostFunc = func(ctx context.Context, caller attribution.Caller, model pricing.ModelInfo, usage attribution.CompletionUsage) float64 {
		return 0.5
	}

	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody("anthropic/claude-sonnet-4"))
	w := httptest.NewRecorder()

	env.handler.HandleCompleteStream(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"},\"index\":0}]}") {
		t.Errorf("Body missing first chunk: %s", body)
	}
	if !strings.Contains(body, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"},\"index\":0}]}") {
		t.Errorf("Body missing second chunk: %s", body)
	}
	usageLine := `data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12,"cost":0.5}}`
	if !strings.Contains(body, usageLine) {
		t.Errorf("Body missing usage chunk: %s", body)
	}
	if strings.Index(body, usageLine) > strings.Index(body, "data: [DONE]") {
		t.Errorf("usage chunk must come before [DONE]: %s", body)
	}
	if env.costs.calls != 1 {
		t.Errorf("Expected exactly one attribution, got %d", env.costs.calls)
	}
}

func TestHandleCompleteStream_NoUsageNoCost(t *testing.T) {
	p := &MockStreamProvider{
		MockProvider: MockProvider{name: "embedapi"},
		chunks:       []*provider.Chunk{{Delta: "hi"}, {Done: true}},
	}
	env := setupTest([]provider.Provider{p}, true)

	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody("m"))
	w := httptest.NewRecorder()
	env.handler.HandleCompleteStream(w, req)

	if env.costs.calls != 0 {
		t.Errorf("stream without usage must not be attributed")
	}
	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", w.Body.String())
	}
}

func TestHandleCompleteStream_ErrorChunk(t *testing.T) {
	p := &MockStreamProvider{
		MockProvider: MockProvider{name: "embedapi"},
		chunks:       []*provider.Chunk{{Delta: "partial"}, {Err: errors.New(`bad "quote"`)}},
	}
	env := setupTest([]provider.Provider{p}, true)

	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody("m"))
	w := httptest.NewRecorder()
	env.handler.HandleCompleteStream(w, req)

	if !strings.Contains(w.Body.String(), `event: error`+"\n"+`data: {"error":"bad \"quote\""}`) {
		t.Errorf("Body missing error event: %s", w.Body.String())
	}
}

func TestHandleCompleteStream_ClientGoneStillRecordsUsage(t *testing.T) {
	ledger, err := billing.NewLedger(context.Background(), billing.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	queue := worker.NewMemoryQueue(8, nil)
	queue.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	p := &cancellingStreamProvider{
		chunks: []*provider.Chunk{
			{Delta: "partial"},
			{Usage: &provider.Usage{InputTokens: 1_000_000, OutputTokens: 100_000}},
		},
		cancel: cancel,
	}
	h := NewHandler(Deps{
		Router:  NewRouter([]provider.Provider{p}),
		Catalog: sonnetCatalog(),
		Costs:   attribution.NewHook(ledger, queue, nil, nil),
		Ledger:  ledger,
		Tracer:  noop.NewTracerProvider().Tracer("test"),
	})

	req := httptest.NewRequest("POST", "/v1/chat/completions/stream", completionBody("anthropic/claude-sonnet-4")).WithContext(ctx)
	w := httptest.NewRecorder()
	h.HandleCompleteStream(w, req)

	if err := queue.Close(context.Background()); err != nil {
		t.Fatalf("queue close: %v", err)
	}
	if strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Errorf("stream should have ended without [DONE]: %s", w.Body.String())
	}

	stats := ledger.UsageStats(billing.PeriodDay)
	if stats.TotalRequests != 1 {
		t.Fatalf("Expected the disconnected stream to be recorded once, got %d", stats.TotalRequests)
	}
	if stats.TotalCost < 4.4999 || stats.TotalCost > 4.5001 {
		t.Errorf("Expected cost 4.5, got %v", stats.TotalCost)
	}
}

// cancellingStreamProvider sends its chunks and then cancels the request
// context, the way a client hanging up mid-stream does. The channel is
// closed without a Done chunk.
type cancellingStreamProvider struct {
	MockProvider
	chunks []*provider.Chunk
	cancel context.CancelFunc
}

func (m *cancellingStreamProvider) Name() string { return "embedapi" }

func (m *cancellingStreamProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk, len(m.chunks))
	for _, c := range m.chunks {
		ch <- c
	}
	m.cancel()
	close(ch)
	return ch, nil
}

type MockStreamProvider struct {
	MockProvider
	chunks []*provider.Chunk
}

func (m *MockStreamProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range m.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestHandleUsage_InvalidPeriod(t *testing.T) {
	env := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage?period=year", nil)
	w := httptest.NewRecorder()

	env.handler.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	env := setupTest(nil, true)
	env.ledger.stats = billing.UsageStats{
		TotalCost:         10.5,
		TotalInputTokens:  1_000_000,
		TotalOutputTokens: 234_567,
		TotalRequests:     2,
		Currency:          pricing.USD,
	}
	env.ledger.events = []billing.UsageEvent{
		{Model: "anthropic/claude-sonnet-4", Cost: 10},
		{Model: "anthropic/claude-sonnet-4", Cost: 0.5},
	}

	req := httptest.NewRequest("GET", "/v1/usage?period=week", nil)
	w := httptest.NewRecorder()

	env.handler.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["period"] != "week" {
		t.Errorf("Expected period week, got %v", resp["period"])
	}
	stats := resp["stats"].(map[string]interface{})
	if stats["total_requests"].(float64) != 2 {
		t.Errorf("Expected total_requests == 2, got %v", stats["total_requests"])
	}
	formatted := resp["formatted"].(map[string]interface{})
	if formatted["cost"] != "$10.5" || formatted["tokens"] != "1,234,567" {
		t.Errorf("unexpected formatted stats %v", formatted)
	}
	if events := resp["events"].([]interface{}); len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}
}

func TestHandleUsage_DefaultPeriod(t *testing.T) {
	env := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	env.handler.HandleUsage(w, req)

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["period"] != "month" {
		t.Errorf("Expected default period month, got %v", resp["period"])
	}
	if events, ok := resp["events"].([]interface{}); !ok || len(events) != 0 {
		t.Errorf("Expected an empty events list, got %v", resp["events"])
	}
}

func TestHandleClearUsage(t *testing.T) {
	env := setupTest(nil, true)
	w := httptest.NewRecorder()
	env.handler.HandleClearUsage(w, httptest.NewRequest("DELETE", "/v1/usage", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if !env.ledger.cleared {
		t.Error("ledger was not cleared")
	}

	env.ledger.clearErr = errors.New("storage down")
	w = httptest.NewRecorder()
	env.handler.HandleClearUsage(w, httptest.NewRequest("DELETE", "/v1/usage", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestHandleModels(t *testing.T) {
	env := setupTest(nil, true)
	w := httptest.NewRecorder()
	env.handler.HandleModels(w, httptest.NewRequest("GET", "/v1/models", nil))

	var resp struct {
		Object string              `json:"object"`
		Data   []pricing.ModelInfo `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Data[0].ID != "anthropic/claude-sonnet-4" {
		t.Errorf("unexpected models response %+v", resp)
	}
}

func embeddingBody(v interface{}) *bytes.Reader {
	body, _ := json.Marshal(v)
	return bytes.NewReader(body)
}

func embeddingEnv(p provider.Provider, allowed bool) *testEnv {
	env := setupTest([]provider.Provider{p}, allowed)
	env.handler.defaultEmbeddingModel = "text-embedding-3-small"
	env.handler.catalog.Merge(pricing.ModelInfo{ID: "text-embedding-3-small", InputPrice: 0.02})
	return env
}

func TestHandleEmbeddings_Success(t *testing.T) {
	p := &MockEmbedFIMProvider{MockProvider: MockProvider{name: "embedapi"}}
	env := embeddingEnv(p, true)
	env.costs.totalCostFunc = func(ctx context.Context, caller attribution.Caller, model pricing.ModelInfo, usage attribution.CompletionUsage) float64 {
		return 0.25
	}

	req := httptest.NewRequest("POST", "/v1/embeddings", embeddingBody(map[string]interface{}{
		"input": []string{"first", "second"},
	}))
	req = req.WithContext(auth.WithCredential(req.Context(), "sk-caller"))
	w := httptest.NewRecorder()

	env.handler.HandleEmbeddings(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Object string `json:"object"`
		Model  string `json:"model"`
		Data   []struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int     `json:"prompt_tokens"`
			TotalTokens  int     `json:"total_tokens"`
			Cost         float64 `json:"cost"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 || resp.Data[1].Index != 1 || resp.Data[1].Object != "embedding" {
		t.Errorf("unexpected body %+v", resp)
	}
	if resp.Usage.PromptTokens != 16 || resp.Usage.TotalTokens != 16 || resp.Usage.Cost != 0.25 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}

	if p.lastEmbed.Model != "text-embedding-3-small" {
		t.Errorf("Expected default embedding model, got %q", p.lastEmbed.Model)
	}
	if p.lastEmbed.APIKey != "sk-caller" {
		t.Errorf("caller credential not forwarded: %q", p.lastEmbed.APIKey)
	}
	if env.costs.calls != 1 || env.costs.lastModel.ID != "text-embedding-3-small" {
		t.Errorf("Expected one attribution against the embedding model, got %d %q", env.costs.calls, env.costs.lastModel.ID)
	}
	if env.costs.lastUsage.PromptTokens != 16 || env.costs.lastUsage.CompletionTokens != 0 {
		t.Errorf("unexpected attributed usage %+v", env.costs.lastUsage)
	}
}

func TestHandleEmbeddings_StringInput(t *testing.T) {
	p := &MockEmbedFIMProvider{MockProvider: MockProvider{name: "embedapi"}}
	env := embeddingEnv(p, true)

	req := httptest.NewRequest("POST", "/v1/embeddings", strings.NewReader(`{"model":"text-embedding-3-small","input":"just one"}`))
	w := httptest.NewRecorder()
	env.handler.HandleEmbeddings(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(p.lastEmbed.Input) != 1 || p.lastEmbed.Input[0] != "just one" {
		t.Errorf("unexpected input %q", p.lastEmbed.Input)
	}
}

func TestHandleEmbeddings_BadRequests(t *testing.T) {
	p := &MockEmbedFIMProvider{MockProvider: MockProvider{name: "embedapi"}}
	env := embeddingEnv(p, true)

	for _, body := range []string{`{invalid`, `{"input":[]}`, `{"model":"x"}`, `{"input":42}`} {
		req := httptest.NewRequest("POST", "/v1/embeddings", strings.NewReader(body))
		w := httptest.NewRecorder()
		env.handler.HandleEmbeddings(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
	if p.lastEmbed != nil || env.costs.calls != 0 {
		t.Error("rejected requests must not reach the upstream")
	}
}

func TestHandleEmbeddings_RateLimited(t *testing.T) {
	p := &MockEmbedFIMProvider{MockProvider: MockProvider{name: "embedapi"}}
	env := embeddingEnv(p, false)

	req := httptest.NewRequest("POST", "/v1/embeddings", strings.NewReader(`{"input":"x"}`))
	w := httptest.NewRecorder()
	env.handler.HandleEmbeddings(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if p.lastEmbed != nil {
		t.Error("limited request must not reach the upstream")
	}
}

func TestHandleEmbeddings_NoEmbedder(t *testing.T) {
	env := setupTest([]provider.Provider{&MockProvider{name: "embedapi"}}, true)
	req := httptest.NewRequest("POST", "/v1/embeddings", strings.NewReader(`{"input":"x"}`))
	w := httptest.NewRecorder()
	env.handler.HandleEmbeddings(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleEmbeddings_UpstreamFailure(t *testing.T) {
	p := &MockEmbedFIMProvider{MockProvider: MockProvider{name: "embedapi"}, embedErr: errors.New("boom")}
	env := embeddingEnv(p, true)

	req := httptest.NewRequest("POST", "/v1/embeddings", strings.NewReader(`{"input":"x"}`))
	w := httptest.NewRecorder()
	env.handler.HandleEmbeddings(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
	if env.costs.calls != 0 {
		t.Error("failed embeddings must not be attributed")
	}
}

func fimBody(model string) *bytes.Reader {
	body, _ := json.Marshal(map[string]interface{}{
		"model":  model,
		"prompt": "func add(a, b int) int {",
		"suffix": "}",
	})
	return bytes.NewReader(body)
}

func TestHandleFIMStream_Success(t *testing.T) {
	p := &MockEmbedFIMProvider{
		MockProvider: MockProvider{name: "embedapi"},
		fimModels:    []string{"mistral/codestral"},
		fimChunks: []*provider.Chunk{
			{Delta: "\n\treturn a + b\n"},
			{Usage: &provider.Usage{InputTokens: 12, OutputTokens: 6}},
			{Done: true},
		},
	}
	env := setupTest([]provider.Provider{p}, true)
	env.costs.totalCostFunc = func(ctx context.Context, caller attribution.Caller, model pricing.ModelInfo, usage attribution.CompletionUsage) float64 {
		return 0.1
	}

	req := httptest.NewRequest("POST", "/v1/fim/completions", fimBody("mistral/codestral"))
	w := httptest.NewRecorder()
	env.handler.HandleFIMStream(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"content":"\n\treturn a + b\n"`) {
		t.Errorf("Body missing completion: %s", body)
	}
	if !strings.Contains(body, `"usage":{"prompt_tokens":12,"completion_tokens":6,"total_tokens":18,"cost":0.1}`) {
		t.Errorf("Body missing usage: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("Body missing DONE marker: %s", body)
	}
	if env.costs.calls != 1 || env.costs.lastUsage.PromptTokens != 12 {
		t.Errorf("Expected one attribution of the FIM usage, got %d %+v", env.costs.calls, env.costs.lastUsage)
	}
	if p.lastFIM.Suffix != "}" || p.lastFIM.RequestID == "" {
		t.Errorf("request not forwarded with metadata: %+v", p.lastFIM)
	}
}

func TestHandleFIMStream_UnsupportedModel(t *testing.T) {
	p := &MockEmbedFIMProvider{MockProvider: MockProvider{name: "embedapi"}}
	env := setupTest([]provider.Provider{p}, true)

	req := httptest.NewRequest("POST", "/v1/fim/completions", fimBody("openai/gpt-4o"))
	w := httptest.NewRecorder()
	env.handler.HandleFIMStream(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if p.lastFIM != nil {
		t.Error("unsupported model must not reach the upstream")
	}
}

func TestHandleFIMStream_InvalidBody(t *testing.T) {
	env := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/fim/completions", strings.NewReader(`{`))
	w := httptest.NewRecorder()
	env.handler.HandleFIMStream(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}
