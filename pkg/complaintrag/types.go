// Package complaintrag holds the types shared by the build and query paths.
package complaintrag

import "strconv"

// DefaultTopK is the number of fragments retrieved when the caller does not ask for a specific count.
const DefaultTopK = 5

// Document is one complaint as handed over by the loader.
type Document struct {
	ID        string // Complaint ID
	Category  string // Product the complaint was filed against
	Narrative string // Cleaned consumer narrative
}

// Record is the provenance stored for every indexed fragment.
// Records are keyed by the same position as the vector they describe.
type Record struct {
	FragmentID string // DocumentID + "_" + sequence within the document
	DocumentID string
	Category   string
	Text       string
}

// FragmentID builds the human-readable id of the seq-th fragment of a document.
func FragmentID(documentID string, seq int) string {
	return documentID + "_" + strconv.Itoa(seq)
}

// Hit is a single retrieved fragment.
type Hit struct {
	Position int
	Record   Record
	Distance float64 // squared L2, smaller is closer
}

// Result is ordered nearest first.
type Result []Hit

// Texts returns the fragment texts in result order.
func (r Result) Texts() []string {
	out := make([]string, len(r))
	for i, h := range r {
		out[i] = h.Record.Text
	}
	return out
}

// Source is what the caller sees about a fragment used for an answer.
type Source struct {
	Text       string  `json:"text"`
	DocumentID string  `json:"complaint_id"`
	Category   string  `json:"product"`
	FragmentID string  `json:"chunk_id"`
	Distance   float64 `json:"distance"`
}

// Sources converts the hits into caller-facing provenance, keeping the order.
func (r Result) Sources() []Source {
	out := make([]Source, len(r))
	for i, h := range r {
		out[i] = Source{
			Text:       h.Record.Text,
			DocumentID: h.Record.DocumentID,
			Category:   h.Record.Category,
			FragmentID: h.Record.FragmentID,
			Distance:   h.Distance,
		}
	}
	return out
}
