package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertMemoryEntry adds a conversation memory entry. Collaborators (the
// chat layer) are the normal writers; the optimizer mutates entries through
// the dedicated methods below.
func (s *Store) InsertMemoryEntry(e MemoryEntryRow) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO memory_entries (id, type, session_id, content, role, metadata,
			relevance_score, is_compressed, compressed_at, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.SessionID, e.Content, e.Role, e.Metadata,
		e.RelevanceScore, e.IsCompressed, e.CompressedAt, e.TokenCount, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("memory entry %s: %w", e.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

// SessionEntries returns all entries for a session, oldest first.
func (s *Store) SessionEntries(sessionID string) ([]MemoryEntryRow, error) {
	var rows []MemoryEntryRow
	err := s.db.Select(&rows,
		`SELECT * FROM memory_entries WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session entries: %w", err)
	}
	return rows, nil
}

// RecentSessions returns the ids of the most recently active sessions.
func (s *Store) RecentSessions(limit int) ([]string, error) {
	if limit < 1 {
		limit = 20
	}
	var ids []string
	err := s.db.Select(&ids, `
		SELECT session_id FROM memory_entries
		GROUP BY session_id
		ORDER BY MAX(created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	return ids, nil
}

// MarkCompressed replaces an entry's content with its compressed form and
// records the reduced token count.
func (s *Store) MarkCompressed(id, content string, tokenCount int) error {
	res, err := s.db.Exec(`
		UPDATE memory_entries
		SET content = ?, token_count = ?, is_compressed = 1, compressed_at = ?
		WHERE id = ?`,
		content, tokenCount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark compressed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMemoryEntry removes an entry.
func (s *Store) DeleteMemoryEntry(id string) error {
	if _, err := s.db.Exec(`DELETE FROM memory_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory entry: %w", err)
	}
	return nil
}

// SetRelevance updates an entry's relevance score.
func (s *Store) SetRelevance(id string, score float64) error {
	res, err := s.db.Exec(`UPDATE memory_entries SET relevance_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("set relevance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertAdaptiveParameter persists one optimizer parameter by key.
func (s *Store) UpsertAdaptiveParameter(key string, value float64) error {
	_, err := s.db.Exec(`
		INSERT INTO adaptive_parameters (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert adaptive parameter: %w", err)
	}
	return nil
}

// GetAdaptiveParameter reads one optimizer parameter, or ErrNotFound.
func (s *Store) GetAdaptiveParameter(key string) (float64, error) {
	var v float64
	err := s.db.Get(&v, `SELECT value FROM adaptive_parameters WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("adaptive parameter %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get adaptive parameter: %w", err)
	}
	return v, nil
}

// ListAdaptiveParameters returns all persisted optimizer parameters.
func (s *Store) ListAdaptiveParameters() (map[string]float64, error) {
	type row struct {
		Key   string  `db:"key"`
		Value float64 `db:"value"`
	}
	var rows []row
	if err := s.db.Select(&rows, `SELECT key, value FROM adaptive_parameters`); err != nil {
		return nil, fmt.Errorf("list adaptive parameters: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// AppendSnapshot records one optimizer run and prunes history beyond keep.
func (s *Store) AppendSnapshot(snap SnapshotRow, keep int) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO optimization_snapshots (session_id, tokens_before, tokens_after,
			entries_compressed, entries_dropped, entries_promoted, parameters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID, snap.TokensBefore, snap.TokensAfter,
		snap.EntriesCompressed, snap.EntriesDropped, snap.EntriesPromoted,
		snap.Parameters, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}

	if keep > 0 {
		_, err = s.db.Exec(`
			DELETE FROM optimization_snapshots
			WHERE id NOT IN (SELECT id FROM optimization_snapshots ORDER BY id DESC LIMIT ?)`, keep)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return nil
}

// ListSnapshots returns recent optimizer snapshots, newest first.
func (s *Store) ListSnapshots(limit int) ([]SnapshotRow, error) {
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	var rows []SnapshotRow
	if err := s.db.Select(&rows, `SELECT * FROM optimization_snapshots ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return rows, nil
}
