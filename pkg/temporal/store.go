// Package temporal implements the bitemporal fact ledger: append-only
// subject-predicate-object assertions with validity intervals, closed
// only by supersession.
package temporal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bennettaur/OpenMemory/pkg/memerr"
)

const (
	insertRetries      = 3
	insertRetryBackoff = 10 * time.Millisecond
)

// Store persists facts in SQLite. Writers racing on the same
// (subject, predicate, user_id) key are serialized by a per-key mutex
// so the close-then-open supersession sequence is linearizable.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewStore initializes the fact schema on db and returns the store.
func NewStore(db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			valid_from_ms INTEGER NOT NULL,
			valid_to_ms INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 1,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			user_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS facts_key_idx ON facts(subject, predicate, user_id, valid_to_ms);`,
		`CREATE INDEX IF NOT EXISTS facts_valid_from_idx ON facts(valid_from_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("init facts schema: %w", err)
		}
	}
	return &Store{db: db, keys: map[string]*sync.Mutex{}}, nil
}

func (s *Store) keyLock(subject, predicate, userID string) *sync.Mutex {
	key := subject + "\x00" + predicate + "\x00" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.keys[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.keys[key] = m
	return m
}

// InsertFact opens a new active fact for its key. Any previously
// active fact for the same key is closed at valid_from - 1ms first, so
// at most one fact per key is ever active. Returns the new fact id.
func (s *Store) InsertFact(ctx context.Context, in FactInput) (string, error) {
	if in.Subject == "" || in.Predicate == "" || in.Object == "" {
		return "", fmt.Errorf("insert fact: subject, predicate and object are required: %w", memerr.ErrValidation)
	}
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return "", fmt.Errorf("insert fact: confidence %v outside [0,1]: %w", in.Confidence, memerr.ErrValidation)
	}
	if in.ValidFrom == 0 {
		in.ValidFrom = time.Now().UnixMilli()
	}
	if in.ValidFrom < 0 {
		return "", fmt.Errorf("insert fact: valid_from %d: %w", in.ValidFrom, memerr.ErrInvalidTimestamp)
	}

	lock := s.keyLock(in.Subject, in.Predicate, in.UserID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < insertRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * insertRetryBackoff):
			}
		}
		id, err := s.insertFactOnce(ctx, in)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, memerr.ErrValidation) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("insert fact for %s/%s after %d attempts: %v: %w",
		in.Subject, in.Predicate, insertRetries, lastErr, memerr.ErrConcurrencyConflict)
}

func (s *Store) insertFactOnce(ctx context.Context, in FactInput) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("insert fact begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, valid_from_ms FROM facts
WHERE subject = ? AND predicate = ? AND user_id = ? AND valid_to_ms = 0`,
		in.Subject, in.Predicate, in.UserID)

	var activeID string
	var activeFrom int64
	switch err := row.Scan(&activeID, &activeFrom); {
	case err == nil:
		closeAt := in.ValidFrom - 1
		if closeAt < activeFrom {
			// A backdated insert must not invert the closed interval.
			closeAt = activeFrom
		}
		res, err := tx.ExecContext(ctx, `
UPDATE facts SET valid_to_ms = ? WHERE id = ? AND valid_to_ms = 0`, closeAt, activeID)
		if err != nil {
			return "", fmt.Errorf("close superseded fact: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", fmt.Errorf("active fact %s changed under supersession", activeID)
		}
	case errors.Is(err, sql.ErrNoRows):
		// No active fact for this key; nothing to close.
	default:
		return "", fmt.Errorf("read active fact: %w", err)
	}

	id := "fct-" + uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO facts(id, subject, predicate, object, valid_from_ms, valid_to_ms, confidence, metadata_json, user_id, created_at_ms)
VALUES(?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, in.Subject, in.Predicate, in.Object, in.ValidFrom, in.Confidence,
		encodeMeta(in.Metadata), in.UserID, time.Now().UnixMilli()); err != nil {
		return "", fmt.Errorf("insert fact row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("insert fact commit: %w", err)
	}
	return id, nil
}

// QueryFactsAtTime returns facts matching the pattern that were valid
// at q.AtTime, ordered by valid_from descending then confidence
// descending.
func (s *Store) QueryFactsAtTime(ctx context.Context, q FactQuery) ([]Fact, error) {
	if q.Subject == "" && q.Predicate == "" && q.Object == "" && q.AtTime == 0 {
		return nil, fmt.Errorf("query facts: no pattern field and no timestamp given: %w", memerr.ErrValidation)
	}
	if q.AtTime == 0 {
		q.AtTime = time.Now().UnixMilli()
	}
	if q.AtTime < 0 {
		return nil, fmt.Errorf("query facts: at_time %d: %w", q.AtTime, memerr.ErrInvalidTimestamp)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject, predicate, object, valid_from_ms, valid_to_ms, confidence, metadata_json, user_id, created_at_ms
FROM facts
WHERE (? = '' OR subject = ?)
AND (? = '' OR predicate = ?)
AND (? = '' OR object = ?)
AND valid_from_ms <= ?
AND (valid_to_ms = 0 OR ? < valid_to_ms)
AND confidence >= ?
AND (? = '' OR user_id = ?)
ORDER BY valid_from_ms DESC, confidence DESC`,
		q.Subject, q.Subject,
		q.Predicate, q.Predicate,
		q.Object, q.Object,
		q.AtTime, q.AtTime,
		q.MinConfidence,
		q.UserID, q.UserID)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	return scanFacts(rows)
}

// ActiveFact returns the currently active fact for a key, if any.
func (s *Store) ActiveFact(ctx context.Context, subject, predicate, userID string) (Fact, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, subject, predicate, object, valid_from_ms, valid_to_ms, confidence, metadata_json, user_id, created_at_ms
FROM facts
WHERE subject = ? AND predicate = ? AND user_id = ? AND valid_to_ms = 0`,
		subject, predicate, userID)

	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Fact{}, false, nil
	}
	if err != nil {
		return Fact{}, false, fmt.Errorf("active fact: %w", err)
	}
	return f, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFact(row rowScanner) (Fact, error) {
	var f Fact
	var metaRaw string
	if err := row.Scan(&f.ID, &f.Subject, &f.Predicate, &f.Object, &f.ValidFrom, &f.ValidTo,
		&f.Confidence, &metaRaw, &f.UserID, &f.CreatedAt); err != nil {
		return Fact{}, err
	}
	f.Metadata = decodeMeta(metaRaw)
	return f, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	out := []Fact{}
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
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
