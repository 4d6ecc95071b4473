// Package config collects settings from a .env file, the environment and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/perbu/complaintrag/pkg/chunker"
	"github.com/perbu/complaintrag/pkg/complaintrag"
	"github.com/perbu/complaintrag/pkg/embedder"
	"github.com/perbu/complaintrag/pkg/generator"
	"github.com/perbu/complaintrag/pkg/remote"
)

// Embedder kinds.
const (
	EmbedderHashing = "hashing"
	EmbedderOpenAI  = "openai"
)

var ErrInvalid = errors.New("config: invalid setting")

// Config holds every setting the binaries need.
type Config struct {
	OpenAIKey     string
	OpenAIBaseURL string

	IndexDir     string
	Embedder     string
	EmbedModel   string
	EmbedDim     int // zero selects the embedder's own default
	EmbedRPS     float64
	ChatModel    string
	Temperature  float64
	ChunkSize    int
	ChunkOverlap int
	TopK         int
	Timeout      time.Duration
	MaxRetries   int

	Addr      string
	LogLevel  string
	LogFormat string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		IndexDir:     "vector_store",
		Embedder:     EmbedderHashing,
		EmbedModel:   embedder.DefaultOpenAIModel,
		ChatModel:    generator.DefaultModel,
		Temperature:  generator.DefaultTemperature,
		ChunkSize:    chunker.DefaultSize,
		ChunkOverlap: chunker.DefaultOverlap,
		TopK:         complaintrag.DefaultTopK,
		Timeout:      30 * time.Second,
		MaxRetries:   remote.DefaultMaxRetries,
		Addr:         ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load reads the given .env files (".env" when none are named; missing
// files are skipped), then the environment.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: loading %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv applies environment variables on top of Default.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v))
				return
			}
			*dst = n
		}
	}

	str("OPENAI_API_KEY", &c.OpenAIKey)
	str("OPENAI_BASE_URL", &c.OpenAIBaseURL)
	str("COMPLAINTRAG_INDEX_DIR", &c.IndexDir)
	str("COMPLAINTRAG_EMBEDDER", &c.Embedder)
	str("COMPLAINTRAG_EMBED_MODEL", &c.EmbedModel)
	num("COMPLAINTRAG_EMBED_DIM", &c.EmbedDim)
	str("COMPLAINTRAG_CHAT_MODEL", &c.ChatModel)
	num("COMPLAINTRAG_CHUNK_SIZE", &c.ChunkSize)
	num("COMPLAINTRAG_CHUNK_OVERLAP", &c.ChunkOverlap)
	num("COMPLAINTRAG_TOP_K", &c.TopK)
	num("COMPLAINTRAG_MAX_RETRIES", &c.MaxRetries)
	str("COMPLAINTRAG_ADDR", &c.Addr)
	str("COMPLAINTRAG_LOG_LEVEL", &c.LogLevel)
	str("COMPLAINTRAG_LOG_FORMAT", &c.LogFormat)
	if v := strings.TrimSpace(getenv("COMPLAINTRAG_EMBED_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: COMPLAINTRAG_EMBED_RPS=%q is not a number", ErrInvalid, v))
		}
		c.EmbedRPS = f
	}
	if v := strings.TrimSpace(getenv("COMPLAINTRAG_TEMPERATURE")); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: COMPLAINTRAG_TEMPERATURE=%q is not a number", ErrInvalid, v))
		}
		c.Temperature = f
	}
	if v := strings.TrimSpace(getenv("COMPLAINTRAG_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: COMPLAINTRAG_TIMEOUT=%q: %v", ErrInvalid, v, err))
		}
		c.Timeout = d
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// RegisterFlags binds the settings that make sense on a command line.
// Call flag.Parse afterwards; flags override the environment.
func (c *Config) RegisterFlags(set *flag.FlagSet) {
	set.StringVar(&c.IndexDir, "index", c.IndexDir, "directory holding the index artifacts")
	set.StringVar(&c.Embedder, "embedder", c.Embedder, "embedder: hashing or openai")
	set.IntVar(&c.TopK, "top", c.TopK, "number of fragments to retrieve")
	set.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
}

// Validate checks the settings that do not depend on the environment being reachable.
func (c Config) Validate() error {
	var errs []error
	switch c.Embedder {
	case EmbedderHashing, EmbedderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("%w: embedder %q, want %s or %s", ErrInvalid, c.Embedder, EmbedderHashing, EmbedderOpenAI))
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("%w: chunk size %d, overlap %d", ErrInvalid, c.ChunkSize, c.ChunkOverlap))
	}
	if c.EmbedDim < 0 {
		errs = append(errs, fmt.Errorf("%w: embedding dimension %d", ErrInvalid, c.EmbedDim))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("%w: top k %d", ErrInvalid, c.TopK))
	}
	if c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("%w: temperature %g", ErrInvalid, c.Temperature))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: timeout %s", ErrInvalid, c.Timeout))
	}
	return errors.Join(errs...)
}

// Chunker builds the chunker for the configured size and overlap.
func (c Config) Chunker() (*chunker.Chunker, error) {
	return chunker.New(c.ChunkSize, c.ChunkOverlap)
}

func (c Config) retry() remote.Policy {
	if c.MaxRetries == 0 {
		return remote.Policy{MaxRetries: -1}
	}
	return remote.Policy{MaxRetries: c.MaxRetries}
}

// NewEmbedder builds the configured embedder. onProgress may be nil.
func (c Config) NewEmbedder(onProgress func(done, total int)) (embedder.Embedder, error) {
	switch c.Embedder {
	case EmbedderOpenAI:
		return embedder.NewOpenAI(embedder.OpenAIConfig{
			APIKey:            c.OpenAIKey,
			BaseURL:           c.OpenAIBaseURL,
			Model:             c.EmbedModel,
			Dimension:         c.EmbedDim,
			RequestsPerSecond: c.EmbedRPS,
			Timeout:           c.Timeout,
			Retry:             c.retry(),
			OnProgress:        onProgress,
		})
	default:
		dim := c.EmbedDim
		if dim == 0 {
			dim = embedder.DefaultDimension
		}
		return embedder.NewHashing(dim)
	}
}

// NewGenerator builds the chat completions generator.
func (c Config) NewGenerator() (*generator.OpenAI, error) {
	temperature := float32(c.Temperature)
	return generator.NewOpenAI(generator.OpenAIConfig{
		APIKey:      c.OpenAIKey,
		BaseURL:     c.OpenAIBaseURL,
		Model:       c.ChatModel,
		Temperature: &temperature,
		Timeout:     c.Timeout,
		Retry:       c.retry(),
	})
}
