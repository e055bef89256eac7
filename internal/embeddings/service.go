// Package embeddings generates vector embeddings for memory content via an
// OpenAI-compatible endpoint (TEI, vLLM, or OpenAI itself).
package embeddings

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spatialai/braind/internal/config"
)

const instrumentationName = "github.com/spatialai/braind/internal/embeddings"

// ErrEmptyInput is returned when Embed is called with no texts.
var ErrEmptyInput = fmt.Errorf("embeddings: empty input")

// Embedder converts text into dense vectors. memory.Service depends on this
// interface so tests can substitute a deterministic implementation.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the expected vector size.
	Dimensions() int
}

type service struct {
	embedder *embeddings.EmbedderImpl
	dims     int
	model    string
	logger   *zap.Logger
	tracer   trace.Tracer
}

var _ Embedder = (*service)(nil)

// New builds an Embedder backed by the configured OpenAI-compatible endpoint.
// Local servers such as TEI ignore the API key, so an unset key is replaced
// with a placeholder rather than rejected.
func New(cfg config.EmbeddingConfig, vectorSize int, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if vectorSize <= 0 {
		return nil, fmt.Errorf("embeddings: vector size must be positive, got %d", vectorSize)
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(tokenOrPlaceholder(cfg.APIKey)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embeddings: create client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embeddings: create embedder: %w", err)
	}

	return &service{
		embedder: embedder,
		dims:     vectorSize,
		model:    cfg.Model,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

func (s *service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	ctx, span := s.tracer.Start(ctx, "embeddings.Embed",
		trace.WithAttributes(
			attribute.String("embeddings.model", s.model),
			attribute.Int("embeddings.batch_size", len(texts)),
		))
	defer span.End()

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embeddings: embed documents: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != s.dims {
			return nil, fmt.Errorf("embeddings: vector %d has %d dimensions, want %d", i, len(v), s.dims)
		}
	}
	return vectors, nil
}

func (s *service) Dimensions() int { return s.dims }

func tokenOrPlaceholder(key config.Secret) string {
	if key.IsSet() {
		return key.Value()
	}
	return "placeholder"
}
