// Package chunkstore persists received transfer chunks so a receiver can
// survive partial failures and prove, chunk by chunk, that a file really
// arrived whole.
package chunkstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const DefaultDBFileName = "chunks.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS chunks (
  session_id  TEXT    NOT NULL,
  file_index  INTEGER NOT NULL,
  chunk_index INTEGER NOT NULL,
  size        INTEGER NOT NULL,
  data        BLOB    NOT NULL,
  PRIMARY KEY (session_id, file_index, chunk_index)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_chunks_session
ON chunks (session_id, file_index);
`,
}

// Store is a durable chunk store keyed by (session, file index, chunk
// index).
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path, running migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run chunk store migration: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put persists one chunk. Replays with the same key overwrite the previous
// record, never duplicate it.
func (s *Store) Put(sessionID string, fileIndex, chunkIndex int, data []byte) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if fileIndex < 0 || chunkIndex < 0 {
		return fmt.Errorf("chunk key out of range: file %d chunk %d", fileIndex, chunkIndex)
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO chunks (session_id, file_index, chunk_index, size, data)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, fileIndex, chunkIndex, len(data), data,
	)
	if err != nil {
		return fmt.Errorf("failed to store chunk %d/%d: %w", fileIndex, chunkIndex, err)
	}
	return nil
}

// ChunkRecord is one stored chunk with its explicit index.
type ChunkRecord struct {
	Index int
	Data  []byte
}

// FileChunkSet is everything known about one file's stored chunks.
type FileChunkSet struct {
	Chunks     []ChunkRecord
	Missing    []int // sorted gap indices in [0, expectedCount)
	TotalBytes int64
}

// Complete reports whether every expected chunk is present.
func (f *FileChunkSet) Complete() bool {
	return len(f.Missing) == 0
}

// FileChunks returns the ordered chunks stored for (sessionID, fileIndex)
// together with every missing index up to expectedCount. Indices at or past
// expectedCount are stale leftovers and are ignored. The missing list is a
// forward scan against a dense 0..expectedCount-1 counter, so gaps before,
// between, and after stored records are all reported.
func (s *Store) FileChunks(sessionID string, fileIndex, expectedCount int) (*FileChunkSet, error) {
	rows, err := s.db.Query(
		`SELECT chunk_index, size, data FROM chunks
		 WHERE session_id = ? AND file_index = ?
		 ORDER BY chunk_index ASC`,
		sessionID, fileIndex,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	set := &FileChunkSet{}
	next := 0
	for rows.Next() {
		var rec ChunkRecord
		var size int64
		if err := rows.Scan(&rec.Index, &size, &rec.Data); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		if rec.Index >= expectedCount {
			continue
		}
		for next < rec.Index {
			set.Missing = append(set.Missing, next)
			next++
		}
		next = rec.Index + 1
		set.Chunks = append(set.Chunks, rec)
		set.TotalBytes += size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk rows: %w", err)
	}
	for ; next < expectedCount; next++ {
		set.Missing = append(set.Missing, next)
	}
	return set, nil
}

// Assemble reconstructs the file's ordered byte sequence. It fails if any
// chunk up to expectedCount is missing.
func (s *Store) Assemble(sessionID string, fileIndex, expectedCount int) ([]byte, error) {
	set, err := s.FileChunks(sessionID, fileIndex, expectedCount)
	if err != nil {
		return nil, err
	}
	if !set.Complete() {
		return nil, fmt.Errorf("file %d has %d missing chunks", fileIndex, len(set.Missing))
	}
	out := make([]byte, 0, set.TotalBytes)
	for _, rec := range set.Chunks {
		out = append(out, rec.Data...)
	}
	return out, nil
}

// ClearFile deletes every chunk stored for one file.
func (s *Store) ClearFile(sessionID string, fileIndex int) error {
	_, err := s.db.Exec(
		`DELETE FROM chunks WHERE session_id = ? AND file_index = ?`,
		sessionID, fileIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to clear file %d: %w", fileIndex, err)
	}
	return nil
}

// ClearSession deletes every chunk stored under the session prefix.
func (s *Store) ClearSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM chunks WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear session %s: %w", sessionID, err)
	}
	return nil
}
