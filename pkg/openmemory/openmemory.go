// Package openmemory is the embedding surface of the memory substrate:
// one handle exposing the contextual memory index and the bitemporal
// fact ledger over a single SQLite database.
package openmemory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/bennettaur/OpenMemory/pkg/config"
	"github.com/bennettaur/OpenMemory/pkg/hsg"
	"github.com/bennettaur/OpenMemory/pkg/logger"
	"github.com/bennettaur/OpenMemory/pkg/memerr"
	"github.com/bennettaur/OpenMemory/pkg/storage"
	"github.com/bennettaur/OpenMemory/pkg/temporal"
)

// Shared error sentinels, re-exported so embedders only import this
// package. Branch with errors.Is.
var (
	ErrValidation          = memerr.ErrValidation
	ErrInvalidTimestamp    = memerr.ErrInvalidTimestamp
	ErrNotFound            = memerr.ErrNotFound
	ErrConcurrencyConflict = memerr.ErrConcurrencyConflict
	ErrIndexCommit         = memerr.ErrIndexCommit
)

// Memory is the top-level handle. Safe for concurrent use; Close it
// when done.
type Memory struct {
	cfg    *config.Config
	db     *sql.DB
	engine *hsg.Engine
	facts  *temporal.Store
	log    *logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open initializes storage at cfg.DBPath and returns a ready handle. A
// nil cfg uses the defaults.
func Open(cfg *config.Config) (*Memory, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger.Init(cfg.LogLevel)

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	facts, err := temporal.NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	engine, err := hsg.NewEngine(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Memory{
		cfg:    cfg,
		db:     db,
		engine: engine,
		facts:  facts,
		log:    logger.New("openmemory"),
	}, nil
}

// Close stops background work and closes the database. Idempotent.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.engine.Close()
		m.closeErr = m.db.Close()
	})
	return m.closeErr
}

// AddOptions scopes and annotates an Add.
type AddOptions struct {
	UserID   string
	Metadata map[string]string
}

// AddResult describes the stored memory. When content was chunked, ID
// is the first chunk and RootMemoryID equals it; follow-up chunks carry
// the same root. For unchunked content RootMemoryID is empty.
type AddResult struct {
	ID            string
	RootMemoryID  string
	PrimarySector string
	ChunkCount    int
}

// Add stores content as one memory, or as a chain of linked chunk
// memories when it exceeds the configured chunk threshold. Chunking is
// all-or-nothing: if any chunk fails to commit, the chunks already
// stored are removed before the error is returned.
func (m *Memory) Add(ctx context.Context, content string, opts AddOptions) (AddResult, error) {
	if strings.TrimSpace(content) == "" {
		return AddResult{}, fmt.Errorf("add: empty content: %w", memerr.ErrValidation)
	}

	chunks := splitChunks(content, m.cfg.ChunkThreshold)
	if len(chunks) == 1 {
		rec, err := m.engine.Add(ctx, chunks[0], opts.UserID, "", opts.Metadata)
		if err != nil {
			return AddResult{}, err
		}
		return AddResult{ID: rec.ID, PrimarySector: rec.PrimarySector, ChunkCount: 1}, nil
	}

	rootRec, err := m.engine.Add(ctx, chunks[0], opts.UserID, "", opts.Metadata)
	if err != nil {
		return AddResult{}, err
	}
	stored := []string{rootRec.ID}
	for _, chunk := range chunks[1:] {
		rec, err := m.engine.Add(ctx, chunk, opts.UserID, rootRec.ID, opts.Metadata)
		if err != nil {
			for _, id := range stored {
				if derr := m.engine.Delete(ctx, id, opts.UserID); derr != nil {
					m.log.WithFields(map[string]interface{}{"memory_id": id}).
						Warnf("rollback of stored chunk failed: %v", derr)
				}
			}
			return AddResult{}, fmt.Errorf("add chunk %d of %d: %w", len(stored)+1, len(chunks), err)
		}
		stored = append(stored, rec.ID)
	}

	return AddResult{
		ID:            rootRec.ID,
		RootMemoryID:  rootRec.ID,
		PrimarySector: rootRec.PrimarySector,
		ChunkCount:    len(chunks),
	}, nil
}

// SearchOptions scopes and shapes a Search.
type SearchOptions struct {
	UserID string
	// Sectors restricts the search to the named sectors; empty means
	// all sectors.
	Sectors []string
	Limit   int
}

// Search returns fused, ranked matches for the query.
func (m *Memory) Search(ctx context.Context, query string, opts SearchOptions) ([]hsg.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = m.cfg.DefaultSearchLimit
	}
	return m.engine.Search(ctx, query, opts.UserID, opts.Sectors, limit)
}

// Get returns one memory in scope and records the access.
func (m *Memory) Get(ctx context.Context, id, userID string) (hsg.MemoryRecord, error) {
	return m.engine.Get(ctx, id, userID)
}

// Delete removes one memory in scope.
func (m *Memory) Delete(ctx context.Context, id, userID string) error {
	return m.engine.Delete(ctx, id, userID)
}

// History lists recently created memories in scope, newest first.
func (m *Memory) History(ctx context.Context, userID string, limit int) ([]hsg.MemoryRecord, error) {
	if limit <= 0 {
		limit = m.cfg.DefaultHistoryLimit
	}
	return m.engine.History(ctx, userID, limit)
}

// InsertFact asserts a bitemporal fact, superseding any active fact on
// the same (subject, predicate, user) key.
func (m *Memory) InsertFact(ctx context.Context, in temporal.FactInput) (string, error) {
	return m.facts.InsertFact(ctx, in)
}

// QueryFactsAtTime answers a point-in-time pattern query over the fact
// ledger.
func (m *Memory) QueryFactsAtTime(ctx context.Context, q temporal.FactQuery) ([]temporal.Fact, error) {
	return m.facts.QueryFactsAtTime(ctx, q)
}

// ActiveFact returns the currently active fact on a key, if any.
func (m *Memory) ActiveFact(ctx context.Context, subject, predicate, userID string) (temporal.Fact, bool, error) {
	return m.facts.ActiveFact(ctx, subject, predicate, userID)
}

// splitChunks splits content into rune windows of at most threshold,
// preferring to cut at the last whitespace inside the window so words
// stay intact.
func splitChunks(content string, threshold int) []string {
	if threshold <= 0 {
		threshold = 2000
	}
	runes := []rune(content)
	if len(runes) <= threshold {
		return []string{content}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= threshold {
			chunks = append(chunks, string(runes))
			break
		}
		cut := threshold
		for i := threshold; i > threshold/2; i-- {
			if unicode.IsSpace(runes[i-1]) {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \t\n\r"))
		runes = runes[cut:]
	}

	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}
