package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
)

var (
	ErrAPIKeyMissing  = errors.New("api key is required")
	ErrFIMUnsupported = errors.New("model does not support fill-in-the-middle")
)

// Metadata identifies the caller. It is forwarded as upstream headers and
// never serialised into request bodies.
type Metadata struct {
	APIKey         string `json:"-"`
	OrganizationID string `json:"-"`
	TaskID         string `json:"-"`
	ProjectID      string `json:"-"`
	RequestID      string `json:"-"`
}

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Metadata    `json:"-"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage is the token accounting the upstream reports for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
	IsBYOK       bool
	UpstreamCost float64
}

type Response struct {
	ID       string
	Content  string
	Model    string
	Provider string
	Usage
	LatencyMs int64
}

// Chunk is one streamed delta. The upstream's final usage report arrives as
// a chunk with Usage set and no Delta.
type Chunk struct {
	Delta string
	Usage *Usage
	Done  bool
	Err   error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	// SupportedModels lists the models the provider serves. An empty list
	// means any model id is forwarded upstream.
	SupportedModels() []string
}

// ModelLister is implemented by providers that can publish their catalog.
type ModelLister interface {
	ListModels(ctx context.Context) ([]pricing.ModelInfo, error)
}

// EmbeddingInput accepts either a single string or a list of strings.
type EmbeddingInput []string

func (in *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*in = EmbeddingInput{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or an array of strings")
	}
	*in = many
	return nil
}

type EmbeddingRequest struct {
	Model    string         `json:"model"`
	Input    EmbeddingInput `json:"input"`
	Metadata `json:"-"`
}

type Embedding struct {
	Index  int
	Vector []float64
}

// EmbeddingResponse carries one vector per input, in input order. Only
// InputTokens of Usage is meaningful.
type EmbeddingResponse struct {
	Model      string
	Provider   string
	Embeddings []Embedding
	Usage
}

// Embedder is implemented by providers that serve embeddings.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// FIMRequest asks for the text between Prompt and Suffix.
type FIMRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Suffix      string  `json:"suffix"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	Metadata    `json:"-"`
}

// FIMStreamer is implemented by providers that serve fill-in-the-middle
// code completion.
type FIMStreamer interface {
	SupportsFIM(model string) bool
	StreamFIM(ctx context.Context, req *FIMRequest) (<-chan *Chunk, error)
}
