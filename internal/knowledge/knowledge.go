// Package knowledge provides retrieval over the security standards corpus.
//
// The corpus (OWASP ASVS, NIST SP 800-53, ISO 27001 control excerpts) lives in
// a vector store: an embedded chromem-go database by default, or Qdrant over
// gRPC for shared deployments. Stage functions query it for the control
// excerpts most relevant to the requirements under analysis.
//
// Retrieval failure is never fatal to a run: callers degrade to an empty
// excerpt set and annotate the affected section.
package knowledge

import (
	"context"
	"errors"
)

// Recognized standard identifiers. An empty identifier searches all standards.
const (
	StandardOWASPASVS = "owasp_asvs"
	StandardNIST80053 = "nist_800_53"
	StandardISO27001  = "iso_27001"
)

// ErrUnavailable indicates the backing store (or its embedding service) is
// unreachable. Callers treat this as non-fatal and proceed without excerpts.
var ErrUnavailable = errors.New("knowledge store unavailable")

// Control is one entry of a standards corpus, as ingested.
type Control struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// Excerpt is one retrieved control excerpt, ranked by similarity.
type Excerpt struct {
	ControlID   string  `json:"control_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Standard    string  `json:"standard"`
	Score       float32 `json:"score"`
}

// Retriever retrieves the top-k control excerpts relevant to a query.
//
// Results are ordered by descending similarity and finite. A call is
// non-restartable: a fresh call re-queries the store. standardID filters to
// one standard; empty searches all.
type Retriever interface {
	Retrieve(ctx context.Context, standardID, query string, topK int) ([]Excerpt, error)
}

// Store extends Retriever with corpus ingestion.
type Store interface {
	Retriever

	// AddControls upserts controls for the given standard.
	AddControls(ctx context.Context, standardID string, controls []Control) error
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
