// Package loader reads complaint exports and turns the rows worth indexing
// into documents.
package loader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"unicode"

	"github.com/perbu/complaintrag/pkg/complaintrag"
)

// Column headers of the complaint export.
const (
	ColumnID        = "Complaint ID"
	ColumnProduct   = "Product"
	ColumnNarrative = "Consumer complaint narrative"
)

// DefaultProducts are the product categories kept when no filter is given.
var DefaultProducts = []string{
	"Credit card",
	"Consumer Loan",
	"Payday loan",
	"Checking or savings account",
	"Money transfer",
}

// ErrNoRows means filtering left nothing to index.
var ErrNoRows = errors.New("loader: no rows remain after filtering")

// Row is one complaint as read from the export, untouched.
type Row struct {
	ComplaintID string
	Product     string
	Narrative   string
}

// Stats counts rows at each filtering step.
type Stats struct {
	Files          int
	Rows           int
	MatchedProduct int
	WithNarrative  int
}

// ReadCSV reads every row of a complaint export. Columns are located by
// header name, so extra columns and any column order are accepted.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("loader: reading header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	idx := make([]int, 3)
	for i, name := range []string{ColumnID, ColumnProduct, ColumnNarrative} {
		c, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("loader: missing column %q", name)
		}
		idx[i] = c
	}

	field := func(rec []string, i int) string {
		if i < len(rec) {
			return rec[i]
		}
		return ""
	}
	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		rows = append(rows, Row{
			ComplaintID: field(rec, idx[0]),
			Product:     field(rec, idx[1]),
			Narrative:   field(rec, idx[2]),
		})
	}
}

// Filter keeps rows whose trimmed product is one of products and whose
// narrative is not blank. Product names in the result are trimmed.
func Filter(rows []Row, products []string) ([]Row, Stats, error) {
	want := make(map[string]bool, len(products))
	for _, p := range products {
		want[strings.TrimSpace(p)] = true
	}
	st := Stats{Rows: len(rows)}
	var out []Row
	for _, r := range rows {
		r.Product = strings.TrimSpace(r.Product)
		if !want[r.Product] {
			continue
		}
		st.MatchedProduct++
		if strings.TrimSpace(r.Narrative) == "" {
			continue
		}
		st.WithNarrative++
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, st, ErrNoRows
	}
	return out, st, nil
}

// Clean lowercases text, drops everything but ASCII letters, digits and
// whitespace, and collapses whitespace runs to single spaces.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Documents converts filtered rows to documents, cleaning narratives when clean is set.
func Documents(rows []Row, clean bool) []complaintrag.Document {
	docs := make([]complaintrag.Document, len(rows))
	for i, r := range rows {
		n := r.Narrative
		if clean {
			n = Clean(n)
		}
		docs[i] = complaintrag.Document{ID: strings.TrimSpace(r.ComplaintID), Category: r.Product, Narrative: n}
	}
	return docs
}

// LoadDocuments reads root from fsys. root may be a single CSV file or a
// directory, in which case every .csv file below it is read in lexical
// order. The rows are then filtered by products and converted to documents.
func LoadDocuments(fsys fs.FS, root string, products []string, clean bool) ([]complaintrag.Document, Stats, error) {
	var rows []Row
	files := 0
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// A file named explicitly is read whatever its extension.
		if path != root && !strings.HasSuffix(strings.ToLower(path), ".csv") {
			return nil
		}
		f, err := fsys.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		got, err := ReadCSV(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		rows = append(rows, got...)
		files++
		return nil
	})
	if err != nil {
		return nil, Stats{}, err
	}

	kept, st, err := Filter(rows, products)
	st.Files = files
	if err != nil {
		return nil, st, err
	}
	return Documents(kept, clean), st, nil
}
