package embedder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/viant/vec/search"
)

// DefaultDimension matches the sentence-transformer model the complaint index was first built with.
const DefaultDimension = 384

var (
	ErrInvalidDimension = errors.New("embedder: dimension must be positive")
	ErrCountMismatch    = errors.New("embedder: vector count does not match input count")
)

// Embedder maps texts to fixed-dimension vectors.
// Embed returns exactly one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelInfo() string
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: got %d, want 1", ErrCountMismatch, len(vecs))
	}
	return vecs[0], nil
}

// Hashing is a deterministic bag-of-words embedder. Every token is hashed
// into one of dim buckets with a hash-derived sign, and the result is scaled
// to unit length. It needs no model files or network access, which makes it
// the offline default and the embedder used in tests.
type Hashing struct {
	dim int
}

// NewHashing creates a hashing embedder producing vectors of length dim.
func NewHashing(dim int) (*Hashing, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimension, dim)
	}
	return &Hashing{dim: dim}, nil
}

// Embed generates one vector per text. Texts without any indexable token
// map to the zero vector.
func (e *Hashing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

// Dimension returns the embedding dimension
func (e *Hashing) Dimension() int {
	return e.dim
}

// ModelInfo returns model information
func (e *Hashing) ModelInfo() string {
	return fmt.Sprintf("hashing-fnv64a-%d", e.dim)
}

func (e *Hashing) vector(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, tok := range Tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		vec[sum%uint64(e.dim)] += sign
	}
	l2normalize(vec)
	return vec
}

// Tokenize lowercases text, splits it on anything that is not a letter or a
// digit, drops stop words and folds simple plurals ("fees" -> "fee").
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
			w = w[:len(w)-1]
		}
		out = append(out, w)
	}
	return out
}

// l2normalize normalizes a vector to unit length
func l2normalize(v []float32) {
	m := search.Float32s(v).Magnitude()
	if m == 0 {
		return
	}
	inv := 1 / m
	for i := range v {
		v[i] *= inv
	}
}

var stopWords = toSet(
	"i", "me", "my", "myself", "we", "our", "ours", "ourselves", "you", "your", "yours",
	"yourself", "yourselves", "he", "him", "his", "himself", "she", "her", "hers", "herself",
	"it", "its", "itself", "they", "them", "their", "theirs", "themselves", "what", "which",
	"who", "whom", "this", "that", "these", "those", "am", "is", "are", "was", "were", "be",
	"been", "being", "have", "has", "had", "having", "do", "does", "did", "doing", "a", "an",
	"the", "and", "but", "if", "or", "because", "as", "until", "while", "of", "at", "by",
	"for", "with", "about", "against", "between", "into", "through", "during", "before",
	"after", "above", "below", "to", "from", "up", "down", "in", "out", "on", "off", "over",
	"under", "again", "further", "then", "once", "here", "there", "when", "where", "why",
	"how", "all", "any", "both", "each", "few", "more", "most", "other", "some", "such", "no",
	"nor", "not", "only", "own", "same", "so", "than", "too", "very", "s", "t", "can", "will",
	"just", "don", "should", "now",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
