package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/resilience"
)

const probeText = "embedding readiness probe"

// Provider is a concrete embedding model backend.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

type Options struct {
	BatchSize int
	Executor  *resilience.Executor
	Logger    *slog.Logger
}

// Gateway fronts one provider with batching, retries and a fixed output
// dimension learned from the startup probe.
type Gateway struct {
	provider  Provider
	batchSize int
	executor  *resilience.Executor
	logger    *slog.Logger

	mu  sync.RWMutex
	dim int
}

func NewGateway(provider Provider, opts Options) *Gateway {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		provider:  provider,
		batchSize: batchSize,
		executor:  opts.Executor,
		logger:    logger,
	}
}

// Probe encodes a fixed string and pins the dimension. Callers treat a
// failure as fatal at startup.
func (g *Gateway) Probe(ctx context.Context) error {
	vectors, err := g.call(ctx, []string{probeText})
	if err != nil {
		return domain.WrapError(domain.ErrEmbeddingUnavailable, "probe embedding model", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return domain.WrapError(domain.ErrEmbeddingUnavailable, "probe embedding model", errors.New("model returned no vector"))
	}

	g.mu.Lock()
	g.dim = len(vectors[0])
	g.mu.Unlock()

	g.logger.Info("embedding_model_ready", "model", g.provider.Model(), "dimension", len(vectors[0]))
	return nil
}

func (g *Gateway) Dimension() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dim
}

func (g *Gateway) Model() string {
	return g.provider.Model()
}

func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	dim := g.Dimension()
	if dim == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed", errors.New("embedding model was not probed"))
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		batch := texts[start:end]

		vectors, err := g.call(ctx, batch)
		if err != nil {
			return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed batch", err)
		}
		if len(vectors) != len(batch) {
			return nil, domain.WrapError(
				domain.ErrEmbeddingUnavailable,
				"embed batch",
				fmt.Errorf("vectors/texts mismatch: %d/%d", len(vectors), len(batch)),
			)
		}
		for i, v := range vectors {
			if len(v) != dim {
				return nil, domain.WrapError(
					domain.ErrEmbeddingUnavailable,
					"embed batch",
					fmt.Errorf("vector %d has dimension %d, expected %d", start+i, len(v), dim),
				)
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (g *Gateway) call(ctx context.Context, texts []string) ([][]float32, error) {
	return resilience.Call(ctx, g.executor, "embedding."+g.provider.Model(), func(ctx context.Context) ([][]float32, error) {
		return g.provider.Embed(ctx, texts)
	}, resilience.ClassifyTemporary)
}
