package hsg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// LexicalSector indexes memories by token overlap through the SQLite
// FTS5 table maintained by the memory store's triggers. Insert and
// Remove are no-ops here: lexical index rows ride the store's own
// transaction, which is what makes the multi-sector commit atomic for
// this sector.
type LexicalSector struct {
	db *sql.DB
}

// NewLexicalSector returns the lexical sector over the shared database.
func NewLexicalSector(db *sql.DB) *LexicalSector {
	return &LexicalSector{db: db}
}

func (s *LexicalSector) Tag() string   { return SectorLexical }
func (s *LexicalSector) Priority() int { return 0 }

// Confidence is high for short, keyword-like content and tapers off as
// content grows into prose.
func (s *LexicalSector) Confidence(content string) float64 {
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return 0
	}
	conf := 0.45 + 0.9/float64(len(tokens))
	if conf > 0.9 {
		conf = 0.9
	}
	if conf < 0.5 {
		conf = 0.5
	}
	return conf
}

func (s *LexicalSector) ContentFeatures(content string) Features {
	return Features{Terms: buildMatchQuery(content)}
}

func (s *LexicalSector) QueryFeatures(query string) Features {
	return Features{Terms: buildMatchQuery(query)}
}

func (s *LexicalSector) Insert(ctx context.Context, id, userID string, f Features) error {
	return nil
}

func (s *LexicalSector) Remove(ctx context.Context, id string) error {
	return nil
}

// Search matches the FTS expression against committed memories routed
// to the lexical sector. bm25 scores are negated so higher is better.
func (s *LexicalSector) Search(ctx context.Context, f Features, userID string, limit int) ([]Candidate, error) {
	if f.Terms == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, bm25(memories_fts)
FROM memories_fts f
JOIN memories m ON m.id = f.memory_id
JOIN memory_sectors ms ON ms.memory_id = m.id AND ms.sector = ?
WHERE f.content MATCH ?
AND (? = '' OR m.user_id = ?)
ORDER BY bm25(memories_fts)
LIMIT ?`, SectorLexical, f.Terms, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	out := []Candidate{}
	for rows.Next() {
		var c Candidate
		var score float64
		if err := rows.Scan(&c.ID, &score); err != nil {
			return nil, fmt.Errorf("scan lexical candidate: %w", err)
		}
		c.RawScore = -score
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lexical candidates: %w", err)
	}
	return out, nil
}

// buildMatchQuery turns free text into an FTS5 OR-expression of quoted
// tokens.
func buildMatchQuery(text string) string {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return ""
	}
	seen := map[string]struct{}{}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok) < 2 {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}
