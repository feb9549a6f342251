package hsg

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// vectorIndex wraps one chromem-go collection. chromem keeps the index
// in process memory; NewEngine rebuilds it from the memory store on
// open.
type vectorIndex struct {
	col *chromem.Collection
}

func (v *vectorIndex) insert(ctx context.Context, id, userID string, f Features) error {
	doc := chromem.Document{
		ID:        id,
		Metadata:  map[string]string{"user_id": userID},
		Embedding: f.Vector,
	}
	if err := v.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add vector document: %w", err)
	}
	return nil
}

func (v *vectorIndex) remove(ctx context.Context, id string) error {
	if err := v.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete vector document: %w", err)
	}
	return nil
}

func (v *vectorIndex) search(ctx context.Context, f Features, userID string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 20
	}
	count := v.col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		// chromem rejects nResults above the collection size.
		limit = count
	}
	var where map[string]string
	if userID != "" {
		where = map[string]string{"user_id": userID}
	}
	results, err := v.col.QueryEmbedding(ctx, f.Vector, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{ID: r.ID, RawScore: float64(r.Similarity)})
	}
	return out, nil
}

// SemanticSector routes all non-trivial content into a chargram vector
// index, claiming longer prose more strongly than the lexical sector.
type SemanticSector struct {
	idx      vectorIndex
	embedder Embedder
}

func NewSemanticSector(col *chromem.Collection, embedder Embedder) *SemanticSector {
	return &SemanticSector{idx: vectorIndex{col: col}, embedder: embedder}
}

func (s *SemanticSector) Tag() string   { return SectorSemantic }
func (s *SemanticSector) Priority() int { return 1 }

func (s *SemanticSector) Confidence(content string) float64 {
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return 0
	}
	scale := float64(len(tokens)) / 24.0
	if scale > 1 {
		scale = 1
	}
	return 0.55 + 0.3*scale
}

func (s *SemanticSector) ContentFeatures(content string) Features {
	return Features{Vector: s.embedder.Embed(content)}
}

func (s *SemanticSector) QueryFeatures(query string) Features {
	return Features{Vector: s.embedder.Embed(query)}
}

func (s *SemanticSector) Insert(ctx context.Context, id, userID string, f Features) error {
	return s.idx.insert(ctx, id, userID, f)
}

func (s *SemanticSector) Remove(ctx context.Context, id string) error {
	return s.idx.remove(ctx, id)
}

func (s *SemanticSector) Search(ctx context.Context, f Features, userID string, limit int) ([]Candidate, error) {
	return s.idx.search(ctx, f, userID, limit)
}

// CodeSector claims only content with code-like surface features and
// indexes it under a token-hash embedding that keeps identifiers and
// path segments distinct.
type CodeSector struct {
	idx      vectorIndex
	embedder Embedder
}

func NewCodeSector(col *chromem.Collection, embedder Embedder) *CodeSector {
	return &CodeSector{idx: vectorIndex{col: col}, embedder: embedder}
}

func (s *CodeSector) Tag() string   { return SectorCode }
func (s *CodeSector) Priority() int { return 2 }

func (s *CodeSector) Confidence(content string) float64 {
	score := codeLikeness(content)
	if score < 0.25 {
		return 0
	}
	conf := 0.6 + 0.35*score
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func (s *CodeSector) ContentFeatures(content string) Features {
	return Features{Vector: s.embedder.Embed(content)}
}

func (s *CodeSector) QueryFeatures(query string) Features {
	return Features{Vector: s.embedder.Embed(query)}
}

func (s *CodeSector) Insert(ctx context.Context, id, userID string, f Features) error {
	return s.idx.insert(ctx, id, userID, f)
}

func (s *CodeSector) Remove(ctx context.Context, id string) error {
	return s.idx.remove(ctx, id)
}

func (s *CodeSector) Search(ctx context.Context, f Features, userID string, limit int) ([]Candidate, error) {
	return s.idx.search(ctx, f, userID, limit)
}

// codeLikeness estimates how code-shaped the content is in [0,1] from
// punctuation density and identifier/path markers.
func codeLikeness(content string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}
	markers := 0
	for _, marker := range []string{"{", "}", "();", ":=", "=>", "==", "->", "</", "def ", "func ", "class ", "import ", "return "} {
		markers += strings.Count(trimmed, marker)
	}
	var punct int
	for _, r := range trimmed {
		switch r {
		case '(', ')', '[', ']', ';', '=', '_', '/', '.':
			punct++
		}
	}
	density := float64(punct) / float64(len([]rune(trimmed)))
	score := float64(markers)*0.12 + density*3
	if score > 1 {
		score = 1
	}
	return score
}
