package hsg

// MemoryRecord is one contextual memory with its sector routing and
// access statistics. Salience is computed on read, never persisted.
type MemoryRecord struct {
	ID            string
	Content       string
	PrimarySector string
	Sectors       []string
	UserID        string
	RootMemoryID  string
	Metadata      map[string]string
	CreatedAt     int64
	LastAccessed  int64
	AccessCount   int
	Salience      float64
}

// Features is a sector-facing representation of content or of a query.
// Lexical sectors use Terms (an FTS match expression); vector-backed
// sectors use Vector.
type Features struct {
	Terms  string
	Vector []float32
}

// Candidate is one raw per-sector search hit. RawScore is sector-local
// and not comparable across sectors before normalization.
type Candidate struct {
	ID       string
	RawScore float64
}

// SearchResult is one fused, ranked search hit.
type SearchResult struct {
	ID            string
	Score         float64
	PrimarySector string
	Salience      float64
	Content       string
}
