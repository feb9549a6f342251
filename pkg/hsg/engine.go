package hsg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/bennettaur/OpenMemory/pkg/config"
	"github.com/bennettaur/OpenMemory/pkg/logger"
	"github.com/bennettaur/OpenMemory/pkg/memerr"
)

// searchHeadroom over-fetches per sector so fusion still fills the
// requested limit after dedupe and scope filtering.
const searchHeadroom = 4

// Engine is the contextual memory index: it routes content into
// sectors, keeps the per-sector indices and the SQLite store in step,
// and fuses per-sector search results into one ranking.
type Engine struct {
	store  *Store
	router *Router
	scorer SalienceScorer

	weights       map[string]float64
	salienceBonus float64

	cache    *ristretto.Cache
	cacheGen atomic.Uint64
	cacheTTL time.Duration

	maxMemories      int
	minRetention     time.Duration
	evictionInterval time.Duration

	log *logger.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine builds the engine over the shared database, rebuilds the
// in-process vector indices from committed memories, and starts the
// eviction worker when a memory cap is configured.
func NewEngine(db *sql.DB, cfg *config.Config) (*Engine, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}

	vdb := chromem.NewDB()
	semCol, err := vdb.CreateCollection("semantic", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create semantic collection: %w", err)
	}
	codeCol, err := vdb.CreateCollection("code", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create code collection: %w", err)
	}

	router := NewRouter(
		NewLexicalSector(db),
		NewSemanticSector(semCol, NewChargramEmbedder()),
		NewCodeSector(codeCol, NewTokenHashEmbedder()),
	)

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}

	e := &Engine{
		store:  store,
		router: router,
		scorer: SalienceScorer{HalfLife: cfg.SalienceHalfLife, Saturation: cfg.SalienceSaturation},
		weights: map[string]float64{
			SectorLexical:  cfg.LexicalWeight,
			SectorSemantic: cfg.SemanticWeight,
			SectorCode:     cfg.CodeWeight,
		},
		salienceBonus:    cfg.SalienceBonus,
		cache:            cache,
		cacheTTL:         cfg.SearchCacheTTL,
		maxMemories:      cfg.MaxMemories,
		minRetention:     cfg.MinRetention,
		evictionInterval: cfg.EvictionInterval,
		log:              logger.New("hsg"),
		stopCh:           make(chan struct{}),
	}

	if err := e.reindex(context.Background()); err != nil {
		return nil, err
	}

	if e.maxMemories > 0 {
		e.wg.Add(1)
		go e.runEvictionWorker()
	}
	return e, nil
}

// Close stops the eviction worker and releases the cache. The shared
// database handle is owned by the caller.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.cache.Close()
	})
}

// reindex rebuilds the volatile vector indices from the store. The
// embedders are deterministic, so rebuilt vectors match what was
// indexed before the process restarted.
func (e *Engine) reindex(ctx context.Context) error {
	records, err := e.store.ListForReindex(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		for _, tag := range rec.Sectors {
			sector, ok := e.router.Sector(tag)
			if !ok {
				continue
			}
			if err := sector.Insert(ctx, rec.ID, rec.UserID, sector.ContentFeatures(rec.Content)); err != nil {
				return fmt.Errorf("reindex memory %s into %s: %w", rec.ID, tag, err)
			}
		}
	}
	if len(records) > 0 {
		e.log.WithFields(map[string]interface{}{"memories": len(records)}).Debug("rebuilt vector indices")
	}
	return nil
}

// Add classifies content, writes it into every routed sector index and
// then commits the memory row. The SQLite commit is the linearization
// point: if it fails, the vector inserts are rolled back and the error
// wraps ErrIndexCommit, leaving no sector with a visible entry.
func (e *Engine) Add(ctx context.Context, content, userID, rootID string, metadata map[string]string) (MemoryRecord, error) {
	if strings.TrimSpace(content) == "" {
		return MemoryRecord{}, fmt.Errorf("add memory: empty content: %w", memerr.ErrValidation)
	}

	features, primary, err := e.router.Classify(content)
	if err != nil {
		return MemoryRecord{}, err
	}

	now := time.Now().UnixMilli()
	rec := MemoryRecord{
		ID:            "mem-" + uuid.NewString(),
		Content:       content,
		PrimarySector: primary,
		UserID:        userID,
		RootMemoryID:  rootID,
		Metadata:      metadata,
		CreatedAt:     now,
		LastAccessed:  now,
		AccessCount:   0,
	}
	for _, sector := range e.router.Sectors() {
		if _, ok := features[sector.Tag()]; ok {
			rec.Sectors = append(rec.Sectors, sector.Tag())
		}
	}

	inserted := make([]Sector, 0, len(rec.Sectors))
	rollback := func() {
		for _, sector := range inserted {
			if rerr := sector.Remove(ctx, rec.ID); rerr != nil {
				e.log.WithFields(map[string]interface{}{"memory_id": rec.ID, "sector": sector.Tag()}).
					Warnf("rollback of sector insert failed: %v", rerr)
			}
		}
	}
	for _, sector := range e.router.Sectors() {
		f, ok := features[sector.Tag()]
		if !ok {
			continue
		}
		if err := sector.Insert(ctx, rec.ID, rec.UserID, f); err != nil {
			rollback()
			return MemoryRecord{}, fmt.Errorf("index memory into %s: %v: %w", sector.Tag(), err, memerr.ErrIndexCommit)
		}
		inserted = append(inserted, sector)
	}

	if err := e.store.InsertMemory(ctx, rec); err != nil {
		rollback()
		return MemoryRecord{}, fmt.Errorf("commit memory: %v: %w", err, memerr.ErrIndexCommit)
	}

	e.cacheGen.Add(1)
	rec.Salience = e.scorer.Score(now, rec.LastAccessed, rec.AccessCount)
	return rec, nil
}

// Search fans the query out to the requested sectors, normalizes each
// sector's raw scores to [0,1], fuses the weighted contributions per
// memory, adds the salience bonus, and returns the top results.
func (e *Engine) Search(ctx context.Context, query, userID string, sectorTags []string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: empty query: %w", memerr.ErrValidation)
	}
	if limit <= 0 {
		limit = 10
	}

	sectors := e.router.Sectors()
	if len(sectorTags) > 0 {
		sectors = sectors[:0:0]
		for _, tag := range sectorTags {
			sector, ok := e.router.Sector(tag)
			if !ok {
				return nil, fmt.Errorf("search: unknown sector %q: %w", tag, memerr.ErrValidation)
			}
			sectors = append(sectors, sector)
		}
	}

	cacheKey := e.searchCacheKey(query, userID, sectorTags, limit)
	if cached, ok := e.cache.Get(cacheKey); ok {
		if results, ok := cached.([]SearchResult); ok {
			return results, nil
		}
	}

	type sectorHits struct {
		tag        string
		candidates []Candidate
	}
	hits := make([]sectorHits, len(sectors))
	errs := make([]error, len(sectors))
	var swg sync.WaitGroup
	for i, sector := range sectors {
		swg.Add(1)
		go func(i int, sector Sector) {
			defer swg.Done()
			candidates, err := sector.Search(ctx, sector.QueryFeatures(query), userID, limit*searchHeadroom)
			hits[i] = sectorHits{tag: sector.Tag(), candidates: candidates}
			errs[i] = err
		}(i, sector)
	}
	swg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	fused := map[string]float64{}
	for _, h := range hits {
		weight := e.weights[h.tag]
		for _, c := range normalizeCandidates(h.candidates) {
			fused[c.ID] += weight * c.RawScore
		}
	}
	if len(fused) == 0 {
		return []SearchResult{}, nil
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	records, err := e.store.LookupBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	results := make([]SearchResult, 0, len(records))
	for id, score := range fused {
		rec, ok := records[id]
		if !ok {
			// Index entry with no committed row: a rolled-back or
			// concurrently deleted memory. Never surfaced.
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		salience := e.scorer.Score(now, rec.LastAccessed, rec.AccessCount)
		results = append(results, SearchResult{
			ID:            id,
			Score:         score + e.salienceBonus*salience,
			PrimarySector: rec.PrimarySector,
			Salience:      salience,
			Content:       rec.Content,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Salience != results[j].Salience {
			return results[i].Salience > results[j].Salience
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	touched := make([]string, 0, len(results))
	for _, r := range results {
		touched = append(touched, r.ID)
	}
	if err := e.store.TouchMemories(ctx, touched, now); err != nil {
		e.log.Warnf("recording search accesses failed: %v", err)
	}

	e.cache.SetWithTTL(cacheKey, results, int64(len(results)+1), e.cacheTTL)
	return results, nil
}

// Get returns one memory in scope and records the access. A memory
// owned by a different user is indistinguishable from a missing one.
func (e *Engine) Get(ctx context.Context, id, userID string) (MemoryRecord, error) {
	rec, err := e.store.GetMemory(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryRecord{}, fmt.Errorf("get memory %s: %w", id, memerr.ErrNotFound)
		}
		return MemoryRecord{}, err
	}
	if userID != "" && rec.UserID != userID {
		return MemoryRecord{}, fmt.Errorf("get memory %s: %w", id, memerr.ErrNotFound)
	}

	now := time.Now().UnixMilli()
	if err := e.store.TouchMemories(ctx, []string{id}, now); err != nil {
		e.log.Warnf("recording access failed: %v", err)
	}
	rec.Salience = e.scorer.Score(now, rec.LastAccessed, rec.AccessCount)
	rec.LastAccessed = now
	rec.AccessCount++
	return rec, nil
}

// Delete removes a memory in scope from every sector index and the
// store. If the store delete fails, the vector entries are re-inserted
// so the indices stay in step with committed rows.
func (e *Engine) Delete(ctx context.Context, id, userID string) error {
	rec, err := e.store.GetMemory(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("delete memory %s: %w", id, memerr.ErrNotFound)
		}
		return err
	}
	if userID != "" && rec.UserID != userID {
		return fmt.Errorf("delete memory %s: %w", id, memerr.ErrNotFound)
	}

	removed := make([]Sector, 0, len(rec.Sectors))
	for _, tag := range rec.Sectors {
		sector, ok := e.router.Sector(tag)
		if !ok {
			continue
		}
		if err := sector.Remove(ctx, id); err != nil {
			for _, prev := range removed {
				if rerr := prev.Insert(ctx, id, rec.UserID, prev.ContentFeatures(rec.Content)); rerr != nil {
					e.log.WithFields(map[string]interface{}{"memory_id": id, "sector": prev.Tag()}).
						Warnf("restoring sector entry failed: %v", rerr)
				}
			}
			return fmt.Errorf("remove memory from %s: %v: %w", tag, err, memerr.ErrIndexCommit)
		}
		removed = append(removed, sector)
	}

	if err := e.store.DeleteMemory(ctx, id); err != nil {
		for _, prev := range removed {
			if rerr := prev.Insert(ctx, id, rec.UserID, prev.ContentFeatures(rec.Content)); rerr != nil {
				e.log.WithFields(map[string]interface{}{"memory_id": id, "sector": prev.Tag()}).
					Warnf("restoring sector entry failed: %v", rerr)
			}
		}
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("delete memory %s: %w", id, memerr.ErrNotFound)
		}
		return fmt.Errorf("delete memory: %v: %w", err, memerr.ErrIndexCommit)
	}

	e.cacheGen.Add(1)
	return nil
}

// History lists the most recently created memories in scope, newest
// first, with current salience. History reads do not count as accesses.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]MemoryRecord, error) {
	records, err := e.store.History(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	for i := range records {
		records[i].Salience = e.scorer.Score(now, records[i].LastAccessed, records[i].AccessCount)
	}
	return records, nil
}

func (e *Engine) searchCacheKey(query, userID string, sectorTags []string, limit int) string {
	return fmt.Sprintf("%d|%s|%s|%s|%d", e.cacheGen.Load(), query, userID, strings.Join(sectorTags, ","), limit)
}

// normalizeCandidates min-max scales raw sector scores into [0,1]. A
// sector where every candidate scored the same contributes 1.0 for
// each.
func normalizeCandidates(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return candidates
	}
	min, max := candidates[0].RawScore, candidates[0].RawScore
	for _, c := range candidates[1:] {
		if c.RawScore < min {
			min = c.RawScore
		}
		if c.RawScore > max {
			max = c.RawScore
		}
	}
	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		score := 1.0
		if max > min {
			score = (c.RawScore - min) / (max - min)
		}
		out[i] = Candidate{ID: c.ID, RawScore: score}
	}
	return out
}

func (e *Engine) runEvictionWorker() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.evictOnce(context.Background()); err != nil {
				e.log.Warnf("eviction sweep failed: %v", err)
			}
		}
	}
}

// evictOnce removes the lowest-salience memories until the store is
// back under the cap. Memories younger than the retention floor are
// never evicted, so a sweep can legitimately end over the cap.
func (e *Engine) evictOnce(ctx context.Context) error {
	count, err := e.store.Count(ctx)
	if err != nil {
		return err
	}
	surplus := count - e.maxMemories
	if surplus <= 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	cutoff := now - e.minRetention.Milliseconds()
	candidates, err := e.store.EvictionCandidates(ctx, cutoff, surplus*4)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	for i := range candidates {
		candidates[i].Salience = e.scorer.Score(now, candidates[i].LastAccessed, candidates[i].AccessCount)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Salience < candidates[j].Salience
	})

	evicted := 0
	for _, rec := range candidates {
		if evicted >= surplus {
			break
		}
		if err := e.Delete(ctx, rec.ID, ""); err != nil {
			if errors.Is(err, memerr.ErrNotFound) {
				continue
			}
			return err
		}
		evicted++
	}
	if evicted > 0 {
		e.log.WithFields(map[string]interface{}{"evicted": evicted, "cap": e.maxMemories}).Info("evicted low-salience memories")
	}
	return nil
}
