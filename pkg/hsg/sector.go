package hsg

import (
	"context"
	"fmt"

	"github.com/bennettaur/OpenMemory/pkg/memerr"
)

// Sector tags. The sector set is closed; adding a variant means adding
// a type here and registering it in NewEngine, not runtime plugins.
const (
	SectorLexical  = "lexical"
	SectorSemantic = "semantic"
	SectorCode     = "code"
)

// Sector is one retrieval channel: it decides whether content belongs
// to it, produces feature representations, and owns an index.
type Sector interface {
	Tag() string
	// Priority breaks classification-confidence ties; lower wins.
	Priority() int
	// Confidence reports how strongly the sector claims the content.
	// Zero means the content is not routed to this sector.
	Confidence(content string) float64
	ContentFeatures(content string) Features
	QueryFeatures(query string) Features

	Insert(ctx context.Context, id, userID string, f Features) error
	Remove(ctx context.Context, id string) error
	// Search returns sector-local candidates for the given scope. An
	// empty userID searches all scopes.
	Search(ctx context.Context, f Features, userID string, limit int) ([]Candidate, error)
}

// Router classifies content across the fixed sector set.
type Router struct {
	sectors []Sector
}

// NewRouter builds a router over sectors in fixed priority order.
func NewRouter(sectors ...Sector) *Router {
	return &Router{sectors: sectors}
}

// Sectors returns the sector set in priority order.
func (r *Router) Sectors() []Sector { return r.sectors }

// Sector looks a sector up by tag.
func (r *Router) Sector(tag string) (Sector, bool) {
	for _, s := range r.sectors {
		if s.Tag() == tag {
			return s, true
		}
	}
	return nil, false
}

// Classify routes content into every matching sector and picks the
// primary sector: highest confidence, ties broken by priority order.
func (r *Router) Classify(content string) (map[string]Features, string, error) {
	features := map[string]Features{}
	primary := ""
	best := 0.0
	for _, s := range r.sectors {
		conf := s.Confidence(content)
		if conf <= 0 {
			continue
		}
		features[s.Tag()] = s.ContentFeatures(content)
		if conf > best {
			best = conf
			primary = s.Tag()
		}
	}
	if len(features) == 0 {
		return nil, "", fmt.Errorf("classify: content matched no sector: %w", memerr.ErrValidation)
	}
	return features, primary, nil
}
