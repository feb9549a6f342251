package hsg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Store persists contextual memories and their sector membership in
// SQLite. The FTS5 table backing the lexical sector is maintained by
// triggers, so a memory row, its sector rows and its lexical index
// entry commit or roll back as one transaction.
type Store struct {
	db *sql.DB
}

// NewStore initializes the memory schema on db.
func NewStore(db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			primary_sector TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			root_memory_id TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			last_accessed_ms INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memories_user_idx ON memories(user_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_sectors (
			memory_id TEXT NOT NULL,
			sector TEXT NOT NULL,
			PRIMARY KEY(memory_id, sector)
		);`,
		`CREATE INDEX IF NOT EXISTS memory_sectors_sector_idx ON memory_sectors(sector, memory_id);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(memory_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, memory_id, content) VALUES('delete', old.rowid, old.id, old.content);
			INSERT INTO memories_fts(memory_id, content) VALUES(new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, memory_id, content) VALUES('delete', old.rowid, old.id, old.content);
		END;`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("init memories schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// InsertMemory commits the memory row plus its sector membership in a
// single transaction. Until the commit returns, no reader can observe
// the memory in any SQLite-backed structure.
func (s *Store) InsertMemory(ctx context.Context, rec MemoryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert memory begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO memories(id, content, primary_sector, user_id, root_memory_id, metadata_json, created_at_ms, last_accessed_ms, access_count)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, rec.PrimarySector, rec.UserID, rec.RootMemoryID,
		encodeMeta(rec.Metadata), rec.CreatedAt, rec.LastAccessed, rec.AccessCount); err != nil {
		return fmt.Errorf("insert memory row: %w", err)
	}

	for _, sector := range rec.Sectors {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_sectors(memory_id, sector) VALUES(?, ?)`, rec.ID, sector); err != nil {
			return fmt.Errorf("insert memory sector %s: %w", sector, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert memory commit: %w", err)
	}
	return nil
}

// DeleteMemory removes the row, sector membership and (via trigger) the
// lexical index entry in one transaction. Returns sql.ErrNoRows when
// the id does not exist.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete memory begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_sectors WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete memory sectors: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete memory commit: %w", err)
	}
	return nil
}

// GetMemory loads one memory with its sector membership.
func (s *Store) GetMemory(ctx context.Context, id string) (MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, content, primary_sector, user_id, root_memory_id, metadata_json, created_at_ms, last_accessed_ms, access_count
FROM memories WHERE id = ?`, id)
	rec, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryRecord{}, sql.ErrNoRows
		}
		return MemoryRecord{}, fmt.Errorf("get memory: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT sector FROM memory_sectors WHERE memory_id = ? ORDER BY sector`, id)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("get memory sectors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sector string
		if err := rows.Scan(&sector); err != nil {
			return MemoryRecord{}, fmt.Errorf("scan memory sector: %w", err)
		}
		rec.Sectors = append(rec.Sectors, sector)
	}
	if err := rows.Err(); err != nil {
		return MemoryRecord{}, fmt.Errorf("iterate memory sectors: %w", err)
	}
	return rec, nil
}

// LookupBatch hydrates candidate ids into records. Ids with no
// committed row are silently absent from the result.
func (s *Store) LookupBatch(ctx context.Context, ids []string) (map[string]MemoryRecord, error) {
	if len(ids) == 0 {
		return map[string]MemoryRecord{}, nil
	}
	unique := uniqueStrings(ids)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(unique)), ",")
	args := make([]interface{}, 0, len(unique))
	for _, id := range unique {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, content, primary_sector, user_id, root_memory_id, metadata_json, created_at_ms, last_accessed_ms, access_count
FROM memories WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("lookup memories: %w", err)
	}
	defer rows.Close()

	out := make(map[string]MemoryRecord, len(unique))
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// TouchMemories records an access on each id: bumps access_count and
// last_accessed_ms.
func (s *Store) TouchMemories(ctx context.Context, ids []string, atMS int64) error {
	if len(ids) == 0 {
		return nil
	}
	if atMS == 0 {
		atMS = time.Now().UnixMilli()
	}
	unique := uniqueStrings(ids)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(unique)), ",")
	args := make([]interface{}, 0, len(unique)+1)
	args = append(args, atMS)
	for _, id := range unique {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE memories SET last_accessed_ms = ?, access_count = access_count + 1 WHERE id IN (%s)`, placeholders), args...); err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

// History returns the most recently created memories for the scope,
// newest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, primary_sector, user_id, root_memory_id, metadata_json, created_at_ms, last_accessed_ms, access_count
FROM memories
WHERE (? = '' OR user_id = ?)
ORDER BY created_at_ms DESC
LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// Count returns the total number of committed memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// EvictionCandidates lists memories created before cutoffMS, oldest
// access first, for the salience-based eviction sweep.
func (s *Store) EvictionCandidates(ctx context.Context, cutoffMS int64, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, primary_sector, user_id, root_memory_id, metadata_json, created_at_ms, last_accessed_ms, access_count
FROM memories
WHERE created_at_ms < ?
ORDER BY last_accessed_ms ASC
LIMIT ?`, cutoffMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list eviction candidates: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// ListForReindex streams every memory with its sector membership so the
// in-process vector indices can be rebuilt on open.
func (s *Store) ListForReindex(ctx context.Context) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.content, m.primary_sector, m.user_id, m.root_memory_id, m.metadata_json, m.created_at_ms, m.last_accessed_ms, m.access_count
FROM memories m ORDER BY m.created_at_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("list memories for reindex: %w", err)
	}
	defer rows.Close()

	records, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	sectorRows, err := s.db.QueryContext(ctx, `SELECT memory_id, sector FROM memory_sectors`)
	if err != nil {
		return nil, fmt.Errorf("list sector membership: %w", err)
	}
	defer sectorRows.Close()

	membership := map[string][]string{}
	for sectorRows.Next() {
		var id, sector string
		if err := sectorRows.Scan(&id, &sector); err != nil {
			return nil, fmt.Errorf("scan sector membership: %w", err)
		}
		membership[id] = append(membership[id], sector)
	}
	if err := sectorRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sector membership: %w", err)
	}
	for i := range records {
		records[i].Sectors = membership[records[i].ID]
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (MemoryRecord, error) {
	var rec MemoryRecord
	var metaRaw string
	if err := row.Scan(&rec.ID, &rec.Content, &rec.PrimarySector, &rec.UserID, &rec.RootMemoryID,
		&metaRaw, &rec.CreatedAt, &rec.LastAccessed, &rec.AccessCount); err != nil {
		return MemoryRecord{}, err
	}
	rec.Metadata = decodeMeta(metaRaw)
	return rec, nil
}

func scanMemories(rows *sql.Rows) ([]MemoryRecord, error) {
	out := []MemoryRecord{}
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func uniqueStrings(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func encodeMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMeta(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}
