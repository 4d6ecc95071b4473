package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/perbu/complaintrag/pkg/assistant"
	"github.com/perbu/complaintrag/pkg/complaintrag"
	"github.com/perbu/complaintrag/pkg/config"
	"github.com/perbu/complaintrag/pkg/indexer"
	"github.com/perbu/complaintrag/pkg/logging"
	"github.com/perbu/complaintrag/pkg/retriever"
	"github.com/perbu/complaintrag/pkg/server"
)

// errReported means the failure was already shown to the user.
var errReported = errors.New("reported")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Parse command line flags
	set := flag.NewFlagSet("complaintrag", flag.ContinueOnError)
	cfg.RegisterFlags(set)
	searchOnly := set.Bool("search", false, "retrieve fragments without generating an answer")
	productList := set.String("products", "", "comma-separated products to restrict retrieval to")
	maxDistance := set.Float64("max-distance", 0, "with -search, hide fragments farther than this (0 shows all)")
	full := set.Bool("full", false, "show full fragment text for every source")
	contextSize := set.Int("context", 0, "with -search, number of neighbouring fragments of the same complaint to show")
	eval := set.Bool("eval", false, "answer the built-in evaluation questions")
	serve := set.Bool("serve", false, "serve the HTTP API")
	set.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address for -serve")
	verbose := set.Bool("verbose", false, "enable verbose output for debugging")
	if err := set.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errReported
	}

	if *verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.FromStrings(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	question := strings.Join(set.Args(), " ")
	var products []string
	for _, p := range strings.Split(*productList, ",") {
		if p = strings.TrimSpace(p); p != "" {
			products = append(products, p)
		}
	}
	if question == "" && !*eval && !*serve {
		fmt.Fprintf(os.Stderr, "Usage: complaintrag [options] <question>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		set.PrintDefaults()
		return errReported
	}

	// Step 1: Load the index pair
	if *verbose {
		fmt.Printf("[DEBUG] Loading index from %s...\n", cfg.IndexDir)
	}
	ix, err := indexer.Open(ctx, cfg.IndexDir)
	if err != nil {
		return fmt.Errorf("loading index: %w (build it first with 'build-index')", err)
	}
	if *verbose {
		fmt.Printf("[DEBUG] Loaded %d fragments (dim=%d, model=%s, generation=%s)\n",
			ix.Len(), ix.Vectors.Dimension(), ix.Manifest.Model, ix.Generation)
		for _, c := range ix.Metadata.Categories() {
			fmt.Printf("[DEBUG]   %s: %d fragments\n", c, ix.Metadata.CategoryCount(c))
		}
	}

	// Step 2: Initialize the query embedder; it must match the build
	emb, err := cfg.NewEmbedder(nil)
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	r, err := retriever.New(ix, emb)
	if err != nil {
		return fmt.Errorf("%w (use the embedder the index was built with: %s)", err, ix.Manifest.Model)
	}

	if *searchOnly {
		res, err := r.Retrieve(ctx, question, cfg.TopK, products...)
		if err != nil {
			return fmt.Errorf("searching: %w", err)
		}
		printHits(ix, res, *maxDistance, *full, *contextSize)
		return nil
	}

	// Step 3: Wire the generator for answering
	gen, err := cfg.NewGenerator()
	if err != nil {
		return fmt.Errorf("initializing generator: %w (set OPENAI_API_KEY in .env or the environment, or use -search)", err)
	}
	a := assistant.New(r, gen, logger, assistant.WithTopK(cfg.TopK))
	defer a.Close()

	switch {
	case *serve:
		info := server.Info{
			Generation: ix.Generation.String(),
			Model:      ix.Manifest.Model,
			Entries:    ix.Len(),
			Dimension:  ix.Vectors.Dimension(),
			Products:   ix.Metadata.Categories(),
		}
		if err := server.New(a, info, logger).Run(ctx, cfg.Addr); err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	case *eval:
		printEvaluation(a.Evaluate(ctx, assistant.DefaultQuestions))
	default:
		ans := a.Ask(ctx, question, cfg.TopK, products...)
		fmt.Println(ans.Text)
		if len(ans.Sources) > 0 {
			fmt.Println("\nSources:")
		}
		for i, src := range ans.Sources {
			fmt.Printf("\nSource %d (Complaint ID: %s, Product: %s):\n", i+1, src.DocumentID, src.Category)
			fmt.Println(preview(src.Text, *full))
		}
		if ans.Failed() {
			// The diagnostic is already printed.
			return errReported
		}
	}
	return nil
}

func printHits(ix *indexer.Index, res complaintrag.Result, maxDistance float64, full bool, contextSize int) {
	if maxDistance > 0 {
		kept := res[:0]
		for _, h := range res {
			if h.Distance <= maxDistance {
				kept = append(kept, h)
			}
		}
		res = kept
	}
	if len(res) == 0 {
		fmt.Println("No results found")
		return
	}

	fmt.Printf("Found %d results:\n\n", len(res))
	for i, h := range res {
		fmt.Printf("Distance: %.4f | %s [%s]\n", h.Distance, h.Record.FragmentID, h.Record.Category)
		if !full && contextSize == 0 {
			continue
		}
		fmt.Println()
		if contextSize > 0 {
			for _, pos := range surroundingPositions(ix, h, contextSize) {
				rec, err := ix.Metadata.Get(pos)
				if err != nil {
					break
				}
				if pos == h.Position {
					fmt.Printf(">>> MATCHED FRAGMENT <<<\n")
				}
				fmt.Println(rec.Text)
			}
		} else {
			fmt.Println(h.Record.Text)
		}
		if i < len(res)-1 {
			fmt.Println("\n" + strings.Repeat("-", 80) + "\n")
		}
	}
}

// surroundingPositions returns the positions of up to n fragments either
// side of h that belong to the same complaint. Fragments of a complaint are
// stored at consecutive positions.
func surroundingPositions(ix *indexer.Index, h complaintrag.Hit, n int) []int {
	var out []int
	for pos := max(0, h.Position-n); pos <= min(ix.Len()-1, h.Position+n); pos++ {
		rec, err := ix.Metadata.Get(pos)
		if err == nil && rec.DocumentID == h.Record.DocumentID {
			out = append(out, pos)
		}
	}
	return out
}

func printEvaluation(evals []assistant.Evaluation) {
	fmt.Println("| Question | Generated Answer | Retrieved Sources |")
	fmt.Println("|---|---|---|")
	for _, ev := range evals {
		var sources []string
		for _, s := range ev.Sources {
			sources = append(sources, fmt.Sprintf("Complaint ID: %s, Product: %s, Text: %s", s.DocumentID, s.Category, s.Text))
		}
		fmt.Printf("| %s | %s | %s |\n", cell(ev.Question), cell(ev.Answer), cell(strings.Join(sources, "<br>")))
	}
}

func cell(s string) string {
	return strings.NewReplacer("|", `\|`, "\n", " ").Replace(s)
}

func preview(s string, full bool) string {
	const limit = 160
	if full || len([]rune(s)) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
