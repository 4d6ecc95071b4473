package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/perbu/complaintrag/pkg/config"
	"github.com/perbu/complaintrag/pkg/indexer"
	"github.com/perbu/complaintrag/pkg/loader"
	"github.com/perbu/complaintrag/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	input := flag.String("input", "data/filtered_complaints.csv", "complaint CSV file, or a directory of CSV files")
	products := flag.String("products", strings.Join(loader.DefaultProducts, ","), "comma-separated products to keep")
	noClean := flag.Bool("no-clean", false, "index narratives as they are, without cleaning")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "maximum fragment length in characters")
	flag.IntVar(&cfg.ChunkOverlap, "chunk-overlap", cfg.ChunkOverlap, "characters shared by consecutive fragments")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.FromStrings(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	// Interrupting cancels in-flight embedding requests; nothing is written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Complaint Index Build Tool")
	fmt.Println("==========================")
	fmt.Println()

	// Step 1: Load and filter complaints
	fmt.Println("Step 1: Loading complaints...")
	fsys, root, err := openInput(*input)
	if err != nil {
		return err
	}
	docs, stats, err := loader.LoadDocuments(fsys, root, splitProducts(*products), !*noClean)
	if err != nil {
		if errors.Is(err, loader.ErrNoRows) {
			fmt.Printf("  %d rows read, %d matched a product, %d had a narrative\n", stats.Rows, stats.MatchedProduct, stats.WithNarrative)
		}
		return fmt.Errorf("loading complaints: %w", err)
	}
	fmt.Printf("  ✓ Read %d rows from %d file(s)\n", stats.Rows, stats.Files)
	fmt.Printf("  ✓ %d matched a product, %d documents with a narrative\n\n", stats.MatchedProduct, len(docs))

	// Step 2: Initialize chunker and embedder
	fmt.Println("Step 2: Initializing embedder...")
	chunker, err := cfg.Chunker()
	if err != nil {
		return err
	}
	var progressShown bool
	emb, err := cfg.NewEmbedder(func(done, total int) {
		progressShown = true
		fmt.Printf("\r  Progress: %d/%d (%.1f%%)", done, total, float64(done)/float64(total)*100)
	})
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	fmt.Printf("  ✓ Embedder initialized (%s, dim=%d)\n", emb.ModelInfo(), emb.Dimension())
	fmt.Printf("  ✓ Chunking with size=%d overlap=%d\n\n", chunker.Size(), chunker.Overlap())

	// Step 3: Chunk, embed and index
	fmt.Println("Step 3: Building index...")
	ix, err := indexer.NewBuilder(chunker, emb, logger).Build(ctx, docs)
	if progressShown {
		fmt.Println()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("\n\n⚠ Interrupted, no index written.")
		}
		return err
	}
	fmt.Printf("  ✓ Indexed %d fragments (generation %s)\n\n", ix.Len(), ix.Generation)

	// Step 4: Save the artifact pair
	fmt.Println("Step 4: Saving index...")
	if err := ix.Save(ctx, cfg.IndexDir); err != nil {
		return err
	}
	for _, name := range []string{indexer.VectorsFile, indexer.MetadataFile} {
		path := filepath.Join(cfg.IndexDir, name)
		if info, err := os.Stat(path); err == nil {
			fmt.Printf("  ✓ Saved %s (%.2f MB)\n", path, float64(info.Size())/(1024*1024))
		}
	}
	fmt.Println()
	fmt.Println("Done! Query the index with 'complaintrag'.")
	return nil
}

// openInput maps a file or directory path onto an fs.FS rooted so that the
// loader can walk it.
func openInput(path string) (fs.FS, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}
	if info.IsDir() {
		return os.DirFS(path), ".", nil
	}
	return os.DirFS(filepath.Dir(path)), filepath.Base(path), nil
}

func splitProducts(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
