package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/perbu/complaintrag/pkg/remote"
)

const (
	DefaultOpenAIModel = "text-embedding-3-small"
	defaultBatchSize   = 64
	defaultConcurrency = 10
	defaultTimeout     = 30 * time.Second
)

var ErrUnexpectedDimension = errors.New("embedder: unexpected vector dimension")

// OpenAIConfig configures the OpenAI embedder. Zero values select defaults.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional, for proxies and compatible servers
	Model   string
	// Dimension requests shortened vectors from text-embedding-3 models.
	// Zero uses the model's native dimension.
	Dimension         int
	BatchSize         int
	Concurrency       int
	RequestsPerSecond float64 // zero disables throttling
	Timeout           time.Duration
	Retry             remote.Policy
	// OnProgress is called with (completed, total) after each batch. Calls
	// are serialized and completed never decreases.
	OnProgress func(int, int)
}

// OpenAI uses the OpenAI embeddings API.
type OpenAI struct {
	client      *openai.Client
	model       string
	dim         int
	requestDim  int
	batchSize   int
	concurrency int
	timeout     time.Duration
	retry       remote.Policy
	limiter     *rate.Limiter
	onProgress  func(int, int)
}

// NewOpenAI creates an OpenAI embedder. The client is created once and
// reused for every call.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	// Set dimension based on model
	dim := 1536 // default for text-embedding-3-small and ada-002
	if cfg.Model == "text-embedding-3-large" {
		dim = 3072
	}
	requestDim := 0
	if cfg.Dimension > 0 && cfg.Dimension != dim {
		if !strings.HasPrefix(cfg.Model, "text-embedding-3") {
			return nil, fmt.Errorf("embedder: model %s does not support custom dimension %d", cfg.Model, cfg.Dimension)
		}
		dim, requestDim = cfg.Dimension, cfg.Dimension
	}

	e := &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		dim:         dim,
		requestDim:  requestDim,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		retry:       cfg.Retry,
		onProgress:  cfg.OnProgress,
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultBatchSize
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return e, nil
}

// Embed splits texts into request batches and sends them concurrently.
// Results are written back by input position, so the output order always
// matches texts. Blank texts are not sent and map to the zero vector.
func (e *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	pending := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			out[i] = make([]float32, e.dim)
			continue
		}
		pending = append(pending, i)
	}

	var (
		mu        sync.Mutex
		completed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for start := 0; start < len(pending); start += e.batchSize {
		batch := pending[start:min(start+e.batchSize, len(pending))]
		g.Go(func() error {
			if err := e.embedBatch(gctx, texts, batch, out); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			completed += len(batch)
			if e.onProgress != nil {
				e.onProgress(completed, len(pending))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OpenAI) embedBatch(ctx context.Context, texts []string, batch []int, out [][]float32) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	input := make([]string, len(batch))
	for i, idx := range batch {
		input[i] = texts[idx]
	}

	var resp openai.EmbeddingResponse
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model:      openai.EmbeddingModel(e.model),
			Input:      input,
			Dimensions: e.requestDim,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Data) != len(batch) {
		return fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(resp.Data), len(batch))
	}

	seen := make([]bool, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) || seen[d.Index] {
			return fmt.Errorf("embedder: invalid or duplicate response index %d", d.Index)
		}
		if len(d.Embedding) != e.dim {
			return fmt.Errorf("%w: model %s returned %d, want %d", ErrUnexpectedDimension, e.model, len(d.Embedding), e.dim)
		}
		seen[d.Index] = true
		v := make([]float32, e.dim)
		copy(v, d.Embedding)
		// L2 normalize so that L2 ranking agrees with cosine ranking
		l2normalize(v)
		out[batch[d.Index]] = v
	}
	return nil
}

// Dimension returns the embedding dimension
func (e *OpenAI) Dimension() int {
	return e.dim
}

// ModelInfo returns model information
func (e *OpenAI) ModelInfo() string {
	return fmt.Sprintf("openai-%s-%d", e.model, e.dim)
}
