package proxy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/embedapi-gateway/internal/provider"
)

var ErrNoProvider = errors.New("all providers unavailable")

// Router picks the first healthy provider that serves the requested model
// and guards every upstream call with a per-provider circuit breaker.
type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A missing credential or an unsuitable model is the caller's
			// fault, not the upstream's.
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.Is(err, provider.ErrAPIKeyMissing) ||
					errors.Is(err, provider.ErrFIMUnsupported)
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	return r.route(req.Model, func(provider.Provider) bool { return true })
}

// route returns the first healthy provider that serves model and passes
// capable.
func (r *Router) route(model string, capable func(provider.Provider) bool) (provider.Provider, error) {
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		if serves(p, model) && capable(p) {
			return p, nil
		}
	}
	return nil, ErrNoProvider
}

func serves(p provider.Provider, model string) bool {
	supported := p.SupportedModels()
	if len(supported) == 0 || model == "" {
		return true
	}
	return slices.Contains(supported, model)
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

func (r *Router) ExecuteStream(ctx context.Context, req *provider.Request, p provider.Provider) (<-chan *provider.Chunk, error) {
	return r.guardStream(ctx, p.Name(), func() (<-chan *provider.Chunk, error) {
		return p.CompleteStream(ctx, req)
	})
}

// ExecuteEmbeddings routes to the first healthy provider that can embed.
func (r *Router) ExecuteEmbeddings(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	p, err := r.route(req.Model, func(p provider.Provider) bool {
		_, ok := p.(provider.Embedder)
		return ok
	})
	if err != nil {
		return nil, err
	}

	result, err := r.breakers[p.Name()].Execute(func() (interface{}, error) {
		return p.(provider.Embedder).CreateEmbeddings(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.EmbeddingResponse), nil
}

// ExecuteFIMStream routes to the first healthy provider that serves
// fill-in-the-middle. A model the provider cannot complete that way yields
// ErrFIMUnsupported.
func (r *Router) ExecuteFIMStream(ctx context.Context, req *provider.FIMRequest) (<-chan *provider.Chunk, error) {
	p, err := r.route(req.Model, func(p provider.Provider) bool {
		_, ok := p.(provider.FIMStreamer)
		return ok
	})
	if err != nil {
		return nil, err
	}

	fim := p.(provider.FIMStreamer)
	if !fim.SupportsFIM(req.Model) {
		return nil, fmt.Errorf("%w: %s", provider.ErrFIMUnsupported, req.Model)
	}
	return r.guardStream(ctx, p.Name(), func() (<-chan *provider.Chunk, error) {
		return fim.StreamFIM(ctx, req)
	})
}

// guardStream opens a stream behind the provider's breaker and reports
// error chunks to it.
func (r *Router) guardStream(ctx context.Context, name string, open func() (<-chan *provider.Chunk, error)) (<-chan *provider.Chunk, error) {
	cb := r.breakers[name]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", name)
	}

	origCh, err := open()
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}
