// Package chunker splits narratives into overlapping fragments of bounded length.
//
// Fragments are measured in characters (runes). Fragment i+1 always begins
// exactly overlap characters before fragment i ends, so the text can be
// reassembled by dropping the first overlap characters of every fragment but
// the first. Within each window the cut is placed on the strongest natural
// boundary available: paragraph, line, sentence, word, and only then a hard
// character cut.
package chunker

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode"
)

const (
	// DefaultSize is the fragment length used when building the complaint index.
	DefaultSize = 200
	// DefaultOverlap is the number of characters shared by consecutive fragments.
	DefaultOverlap = 20
)

var (
	ErrInvalidSize    = errors.New("chunker: size must be positive")
	ErrInvalidOverlap = errors.New("chunker: overlap must be in [0, size)")
)

// boundary reports whether a cut before runes[p] lands on a natural break.
type boundary func(runes []rune, p int) bool

// Ordered from strongest to weakest.
var boundaries = []boundary{
	func(r []rune, p int) bool { return p >= 2 && r[p-1] == '\n' && r[p-2] == '\n' },
	func(r []rune, p int) bool { return r[p-1] == '\n' },
	func(r []rune, p int) bool {
		return p >= 2 && unicode.IsSpace(r[p-1]) && strings.ContainsRune(".!?", r[p-2])
	},
	func(r []rune, p int) bool { return unicode.IsSpace(r[p-1]) },
}

// Chunker is immutable and safe for concurrent use.
type Chunker struct {
	size    int
	overlap int
}

// New returns a Chunker producing fragments of at most size characters that
// share overlap characters with their predecessor.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap=%d size=%d", ErrInvalidOverlap, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the maximum fragment length in characters.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of characters shared by consecutive fragments.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunks returns a lazy sequence of fragments. Ranging over it again starts
// from the beginning of text. Empty text yields nothing.
func (c *Chunker) Chunks(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		runes := []rune(text)
		n := len(runes)
		start := 0
		for start < n {
			end := n
			if n-start > c.size {
				end = c.cut(runes, start)
			}
			if !yield(string(runes[start:end])) {
				return
			}
			if end == n {
				return
			}
			start = end - c.overlap
		}
	}
}

// Split collects Chunks into a slice.
func (c *Chunker) Split(text string) []string {
	var out []string
	for frag := range c.Chunks(text) {
		out = append(out, frag)
	}
	return out
}

// cut picks the end of the fragment starting at start. The end must leave the
// next fragment starting strictly after start, otherwise the split would not
// make progress.
func (c *Chunker) cut(runes []rune, start int) int {
	lo := start + c.overlap + 1
	hi := start + c.size
	for _, isBoundary := range boundaries {
		for p := hi; p >= lo; p-- {
			if isBoundary(runes, p) {
				return p
			}
		}
	}
	return hi
}
