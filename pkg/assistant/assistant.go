// Package assistant answers questions end to end: retrieve fragments,
// assemble the grounding prompt, generate and extract the answer.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/perbu/complaintrag/pkg/complaintrag"
	"github.com/perbu/complaintrag/pkg/generator"
	"github.com/perbu/complaintrag/pkg/prompt"
)

// DiagnosticPrefix starts the answer text of a failed pipeline run.
const DiagnosticPrefix = "Error in RAG pipeline: "

// ErrClosed is reported once the assistant has been closed.
var ErrClosed = errors.New("assistant is closed")

// DefaultQuestions are the representative questions used by Evaluate.
var DefaultQuestions = []string{
	"Why are people unhappy with BNPL?",
	"What are the main issues with Credit card complaints?",
	"Are there any fraud-related complaints for Money transfers?",
	"What problems do customers face with Savings accounts?",
	"How do Personal loan complaints differ from Credit card complaints?",
}

// Retriever finds the fragments for a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string, k int, categories ...string) (complaintrag.Result, error)
}

// Answer is what a caller gets back for a question. Sources is empty when
// the pipeline failed; Text then carries the diagnostic.
type Answer struct {
	Text    string                `json:"answer"`
	Sources []complaintrag.Source `json:"sources"`
	Err     error                 `json:"-"`
}

// Failed reports whether the answer is a diagnostic.
func (a Answer) Failed() bool { return a.Err != nil }

// Assistant is created once per process and shared by all requests.
type Assistant struct {
	retriever Retriever
	generator generator.Generator
	logger    *slog.Logger
	topK      int
	closed    atomic.Bool
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithTopK sets the number of fragments used when Ask is called with k <= 0.
func WithTopK(k int) Option {
	return func(a *Assistant) {
		if k > 0 {
			a.topK = k
		}
	}
}

// New wires an assistant. A nil logger discards output.
func New(r Retriever, g generator.Generator, logger *slog.Logger, opts ...Option) *Assistant {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Assistant{retriever: r, generator: g, logger: logger, topK: complaintrag.DefaultTopK}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close ends the assistant's lifetime. Later calls to Ask return a diagnostic.
func (a *Assistant) Close() error {
	a.closed.Store(true)
	return nil
}

// Ask answers question from the k nearest fragments, optionally restricted
// to some products. Errors never escape: a failed retrieval or generation
// becomes a diagnostic answer with no sources.
func (a *Assistant) Ask(ctx context.Context, question string, k int, products ...string) Answer {
	if k <= 0 {
		k = a.topK
	}
	started := time.Now()
	text, result, err := a.run(ctx, question, k, products)
	if err != nil {
		a.logger.Error("pipeline failed", "question", question, "k", k, "error", err)
		return Answer{Text: DiagnosticPrefix + err.Error(), Sources: []complaintrag.Source{}, Err: err}
	}
	a.logger.Debug("answered question", "k", k, "sources", len(result), "elapsed", time.Since(started))
	return Answer{Text: text, Sources: result.Sources()}
}

func (a *Assistant) run(ctx context.Context, question string, k int, products []string) (string, complaintrag.Result, error) {
	if a.closed.Load() {
		return "", nil, ErrClosed
	}
	result, err := a.retriever.Retrieve(ctx, question, k, products...)
	if err != nil {
		return "", nil, err
	}
	continuation, err := a.generator.Generate(ctx, prompt.Assemble(question, result))
	if err != nil {
		return "", nil, err
	}
	return prompt.ExtractAnswer(continuation), result, nil
}

// Search retrieves without generating.
func (a *Assistant) Search(ctx context.Context, question string, k int, products ...string) (complaintrag.Result, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		k = a.topK
	}
	return a.retriever.Retrieve(ctx, question, k, products...)
}

// Evaluation is one row of an evaluation run. Scoring is left to a human
// reviewer, so only the raw material is collected.
type Evaluation struct {
	Question string                `json:"question"`
	Answer   string                `json:"answer"`
	Sources  []complaintrag.Source `json:"sources"`
}

// Evaluate asks every question and keeps the first two sources of each answer.
func (a *Assistant) Evaluate(ctx context.Context, questions []string) []Evaluation {
	out := make([]Evaluation, 0, len(questions))
	for _, q := range questions {
		ans := a.Ask(ctx, q, 0)
		out = append(out, Evaluation{Question: q, Answer: ans.Text, Sources: ans.Sources[:min(2, len(ans.Sources))]})
	}
	return out
}
