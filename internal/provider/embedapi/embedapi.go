package embedapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
	"github.com/vnmchuo/embedapi-gateway/internal/provider"
)

const (
	DefaultBaseURL = "https://api.embedapi.com/v1"

	chatEndpoint       = "/chat/completions"
	modelsEndpoint     = "/models"
	embeddingsEndpoint = "/embeddings"
	fimEndpoint        = "/fim/completions"

	DefaultEmbeddingModel = "text-embedding-3-small"
	maxFIMTokens          = 1000

	HeaderOrganizationID = "X-EmbedAPI-Organization-ID"
	HeaderTaskID         = "X-EmbedAPI-Task-ID"
	HeaderProjectID      = "X-EmbedAPI-Project-ID"
)

type EmbedAPIProvider struct {
	apiKey         string
	baseURL        string
	organizationID string
	client         *http.Client
}

type Option func(*EmbedAPIProvider)

// WithBaseURL overrides the default endpoint. A trailing slash is dropped.
func WithBaseURL(u string) Option {
	return func(p *EmbedAPIProvider) {
		if u != "" {
			p.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

func WithOrganizationID(id string) Option {
	return func(p *EmbedAPIProvider) { p.organizationID = id }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *EmbedAPIProvider) { p.client = c }
}

type embedAPIRequest struct {
	Model         string            `json:"model"`
	Messages      []embedAPIMessage `json:"messages"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   float64           `json:"temperature,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *streamOptions    `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type embedAPIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type embedAPIResponse struct {
	ID      string           `json:"id"`
	Choices []embedAPIChoice `json:"choices"`
	Usage   *embedAPIUsage   `json:"usage,omitempty"`
	Model   string           `json:"model"`
}

type embedAPIChoice struct {
	Message embedAPIMessage `json:"message"`
	Delta   embedAPIDelta   `json:"delta"`
}

type embedAPIDelta struct {
	Content string `json:"content"`
}

type embedAPIUsage struct {
	PromptTokens        int  `json:"prompt_tokens"`
	CompletionTokens    int  `json:"completion_tokens"`
	IsBYOK              bool `json:"is_byok,omitempty"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CostDetails *struct {
		UpstreamInferenceCost float64 `json:"upstream_inference_cost"`
	} `json:"cost_details,omitempty"`
}

func (u *embedAPIUsage) toUsage() provider.Usage {
	if u == nil {
		return provider.Usage{}
	}
	out := provider.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		IsBYOK:       u.IsBYOK,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CostDetails != nil {
		out.UpstreamCost = u.CostDetails.UpstreamInferenceCost
	}
	return out
}

type embedAPIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedAPIEmbeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage *embedAPIUsage `json:"usage,omitempty"`
}

type embedAPIFIMRequest struct {
	Model         string         `json:"model"`
	Prompt        string         `json:"prompt"`
	Suffix        string         `json:"suffix"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   float64        `json:"temperature,omitempty"`
	TopP          float64        `json:"top_p,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type embedAPIModel struct {
	ID            string `json:"id"`
	ContextLength int    `json:"context_length"`
	Pricing       *struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing,omitempty"`
}

type embedAPIModelsResponse struct {
	Data []embedAPIModel `json:"data"`
}

// New returns a provider for the EmbedAPI inference backend. apiKey is the
// fallback credential for requests that do not carry their own.
func New(apiKey string, opts ...Option) *EmbedAPIProvider {
	p := &EmbedAPIProvider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *EmbedAPIProvider) BaseURL() string {
	return p.baseURL
}

func (p *EmbedAPIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	httpReq, err := p.newChatRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedapi error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var embedResp embedAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, err
	}

	if len(embedResp.Choices) == 0 {
		return nil, fmt.Errorf("embedapi returned no choices")
	}

	model := embedResp.Model
	if model == "" {
		model = req.Model
	}

	return &provider.Response{
		ID:        embedResp.ID,
		Content:   embedResp.Choices[0].Message.Content,
		Model:     model,
		Provider:  p.Name(),
		Usage:     embedResp.Usage.toUsage(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *EmbedAPIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	httpReq, err := p.newChatRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return p.stream(ctx, httpReq), nil
}

// stream sends httpReq and relays its SSE body as chunks. The channel is
// closed after a Done or Err chunk, or when ctx ends.
func (p *EmbedAPIProvider) stream(ctx context.Context, httpReq *http.Request) <-chan *provider.Chunk {
	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			send(&provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			send(&provider.Chunk{Err: fmt.Errorf("embedapi error (status %d): %s", resp.StatusCode, string(respBody))})
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(&provider.Chunk{Done: true})
					return
				}
				send(&provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(&provider.Chunk{Done: true})
				return
			}

			var embedResp embedAPIResponse
			if err := json.Unmarshal([]byte(data), &embedResp); err != nil {
				send(&provider.Chunk{Err: err})
				return
			}

			if len(embedResp.Choices) > 0 {
				if content := embedResp.Choices[0].Delta.Content; content != "" {
					if !send(&provider.Chunk{Delta: content}) {
						return
					}
				}
			}

			if embedResp.Usage != nil {
				usage := embedResp.Usage.toUsage()
				if !send(&provider.Chunk{Usage: &usage}) {
					return
				}
			}
		}
	}()

	return ch
}

// CreateEmbeddings embeds every input with one upstream call. An empty
// model falls back to DefaultEmbeddingModel.
func (p *EmbedAPIProvider) CreateEmbeddings(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = DefaultEmbeddingModel
	}
	httpReq, err := p.newRequest(ctx, embeddingsEndpoint, embedAPIEmbeddingRequest{
		Model: model,
		Input: req.Input,
	}, req.Metadata)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedapi embeddings error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var body embedAPIEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(body.Data) != len(req.Input) {
		return nil, fmt.Errorf("embedapi returned %d embeddings for %d inputs", len(body.Data), len(req.Input))
	}

	out := &provider.EmbeddingResponse{
		Model:      body.Model,
		Provider:   p.Name(),
		Embeddings: make([]provider.Embedding, len(body.Data)),
		Usage:      body.Usage.toUsage(),
	}
	if out.Model == "" {
		out.Model = model
	}
	for i, d := range body.Data {
		out.Embeddings[i] = provider.Embedding{Index: d.Index, Vector: d.Embedding}
	}
	sort.Slice(out.Embeddings, func(i, j int) bool {
		return out.Embeddings[i].Index < out.Embeddings[j].Index
	})
	return out, nil
}

// SupportsFIM reports whether model is a fill-in-the-middle model.
func (p *EmbedAPIProvider) SupportsFIM(model string) bool {
	return strings.Contains(model, "codestral") || strings.Contains(model, "fim")
}

// StreamFIM streams a fill-in-the-middle completion. max_tokens is capped
// at 1000.
func (p *EmbedAPIProvider) StreamFIM(ctx context.Context, req *provider.FIMRequest) (<-chan *provider.Chunk, error) {
	if !p.SupportsFIM(req.Model) {
		return nil, fmt.Errorf("%w: %s", provider.ErrFIMUnsupported, req.Model)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > maxFIMTokens {
		maxTokens = maxFIMTokens
	}

	httpReq, err := p.newRequest(ctx, fimEndpoint, embedAPIFIMRequest{
		Model:         req.Model,
		Prompt:        req.Prompt,
		Suffix:        req.Suffix,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}, req.Metadata)
	if err != nil {
		return nil, err
	}
	return p.stream(ctx, httpReq), nil
}

// ListModels fetches the upstream catalog. Upstream prices are per token
// and are scaled to per million tokens.
func (p *EmbedAPIProvider) ListModels(ctx context.Context) ([]pricing.ModelInfo, error) {
	key := p.apiKey
	if key == "" {
		return nil, provider.ErrAPIKeyMissing
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+modelsEndpoint, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq, key)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedapi models error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var body embedAPIModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	models := make([]pricing.ModelInfo, 0, len(body.Data))
	for _, m := range body.Data {
		if m.ID == "" {
			continue
		}
		info := pricing.ModelInfo{
			ID:            m.ID,
			ContextWindow: m.ContextLength,
		}
		if info.ContextWindow <= 0 {
			info.ContextWindow = pricing.DefaultContextWindow
		}
		if m.Pricing != nil {
			info.InputPrice = pricing.ParsePrice(m.Pricing.Prompt) * 1_000_000
			info.OutputPrice = pricing.ParsePrice(m.Pricing.Completion) * 1_000_000
		}
		models = append(models, info)
	}
	return models, nil
}

func (p *EmbedAPIProvider) newChatRequest(ctx context.Context, req *provider.Request, stream bool) (*http.Request, error) {
	embedReq := p.mapRequest(req)
	embedReq.Stream = stream
	if stream {
		embedReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return p.newRequest(ctx, chatEndpoint, embedReq, req.Metadata)
}

// newRequest builds an authenticated POST. The caller's key overrides the
// provider's default key.
func (p *EmbedAPIProvider) newRequest(ctx context.Context, endpoint string, payload interface{}, meta provider.Metadata) (*http.Request, error) {
	key := meta.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, provider.ErrAPIKeyMissing
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq, key)

	if meta.TaskID != "" {
		httpReq.Header.Set(HeaderTaskID, meta.TaskID)
	}
	orgID := meta.OrganizationID
	if orgID == "" {
		orgID = p.organizationID
	}
	if orgID != "" {
		httpReq.Header.Set(HeaderOrganizationID, orgID)
		// Projects are scoped to an organization.
		if meta.ProjectID != "" {
			httpReq.Header.Set(HeaderProjectID, meta.ProjectID)
		}
	}
	return httpReq, nil
}

func (p *EmbedAPIProvider) setHeaders(r *http.Request, key string) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Authorization", fmt.Sprintf("Bearer %s", key))
	if p.organizationID != "" {
		r.Header.Set(HeaderOrganizationID, p.organizationID)
	}
}

func (p *EmbedAPIProvider) mapRequest(req *provider.Request) embedAPIRequest {
	messages := make([]embedAPIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = embedAPIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return embedAPIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func (p *EmbedAPIProvider) Name() string {
	return "embedapi"
}

func (p *EmbedAPIProvider) SupportedModels() []string {
	return nil
}
