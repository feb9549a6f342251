package hsg

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bennettaur/OpenMemory/pkg/storage"
)

func newTestMemoryStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "memories.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreInsertGetDelete(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	rec := MemoryRecord{
		ID:            "mem-1",
		Content:       "ci runners scale on queue depth",
		PrimarySector: SectorSemantic,
		Sectors:       []string{SectorLexical, SectorSemantic},
		UserID:        "alice",
		Metadata:      map[string]string{"source": "runbook"},
		CreatedAt:     100,
		LastAccessed:  100,
	}
	if err := store.InsertMemory(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetMemory(ctx, "mem-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != rec.Content || got.PrimarySector != rec.PrimarySector || got.UserID != "alice" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if len(got.Sectors) != 2 {
		t.Fatalf("sectors = %v, want both memberships", got.Sectors)
	}
	if got.Metadata["source"] != "runbook" {
		t.Fatalf("metadata = %v", got.Metadata)
	}

	// A second insert under the same id must fail whole, leaving the
	// original untouched.
	dup := rec
	dup.Content = "overwritten"
	if err := store.InsertMemory(ctx, dup); err == nil {
		t.Fatalf("duplicate insert should fail")
	}
	got, err = store.GetMemory(ctx, "mem-1")
	if err != nil || got.Content != rec.Content {
		t.Fatalf("original memory damaged by failed insert: %+v err=%v", got, err)
	}

	if err := store.DeleteMemory(ctx, "mem-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetMemory(ctx, "mem-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("get after delete err = %v, want sql.ErrNoRows", err)
	}
	if err := store.DeleteMemory(ctx, "mem-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("double delete err = %v, want sql.ErrNoRows", err)
	}
}

func TestStoreLookupBatchSkipsMissing(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	for i, id := range []string{"mem-a", "mem-b"} {
		if err := store.InsertMemory(ctx, MemoryRecord{
			ID: id, Content: "content", PrimarySector: SectorSemantic,
			Sectors: []string{SectorSemantic}, CreatedAt: int64(i), LastAccessed: int64(i),
		}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	got, err := store.LookupBatch(ctx, []string{"mem-a", "mem-b", "mem-ghost", "mem-a"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("lookup returned %d records, want 2", len(got))
	}
	if _, ok := got["mem-ghost"]; ok {
		t.Fatalf("lookup invented a record for an uncommitted id")
	}
}

func TestStoreTouchMemories(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	if err := store.InsertMemory(ctx, MemoryRecord{
		ID: "mem-t", Content: "content", PrimarySector: SectorSemantic,
		Sectors: []string{SectorSemantic}, CreatedAt: 100, LastAccessed: 100,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.TouchMemories(ctx, []string{"mem-t", "mem-t"}, 5000); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := store.GetMemory(ctx, "mem-t")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastAccessed != 5000 {
		t.Fatalf("last accessed = %d, want 5000", got.LastAccessed)
	}
	if got.AccessCount != 1 {
		t.Fatalf("access count = %d, want a single bump for the deduplicated id", got.AccessCount)
	}
}

func TestSearchDropsIndexEntriesWithoutRows(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := engine.Add(ctx, "shared vocabulary about release trains", "", "", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	// A vector entry with no committed row models a half-finished
	// commit; search must never surface it.
	sector, ok := engine.router.Sector(SectorSemantic)
	if !ok {
		t.Fatalf("semantic sector missing")
	}
	if err := sector.Insert(ctx, "mem-ghost", "", sector.ContentFeatures("shared vocabulary about release trains")); err != nil {
		t.Fatalf("insert ghost entry: %v", err)
	}

	results, err := engine.Search(ctx, "shared vocabulary release trains", "", nil, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.ID == "mem-ghost" {
			t.Fatalf("search surfaced an index entry with no committed row")
		}
	}
	if len(results) == 0 {
		t.Fatalf("search should still return the committed memory")
	}
}
