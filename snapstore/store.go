// Package snapstore stores compiled bytecode and snapshot envelopes in
// a SQLite database so suspended scripts survive process restarts.
package snapstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/loom/wire"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested artifact doesn't exist
var ErrNotFound = errors.New("snapstore: not found")

// Store handles SQLite storage for bytecode blobs and snapshots
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) a snapshot store at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS bytecode (
		script_id TEXT PRIMARY KEY,
		hash BLOB NOT NULL,
		blob BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bytecode table: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		script_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		envelope BLOB NOT NULL,
		PRIMARY KEY (script_id, seq)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshots table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveBytecode stores a compiled blob for a script, replacing any
// previous one
func (s *Store) SaveBytecode(scriptID string, hash [32]byte, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO bytecode (script_id, hash, blob) VALUES (?, ?, ?)",
		scriptID, hash[:], blob,
	)
	if err != nil {
		return fmt.Errorf("saving bytecode: %w", err)
	}
	return nil
}

// LoadBytecode retrieves a script's compiled blob and its hash
func (s *Store) LoadBytecode(scriptID string) ([32]byte, []byte, error) {
	var hash, blob []byte
	err := s.db.QueryRow(
		"SELECT hash, blob FROM bytecode WHERE script_id = ?", scriptID,
	).Scan(&hash, &blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return [32]byte{}, nil, ErrNotFound
		}
		return [32]byte{}, nil, fmt.Errorf("querying bytecode: %w", err)
	}
	var h [32]byte
	if len(hash) != len(h) {
		return [32]byte{}, nil, fmt.Errorf("bytecode hash is %d bytes, want %d", len(hash), len(h))
	}
	copy(h[:], hash)
	return h, blob, nil
}

// SaveSnapshot appends an envelope to a script's snapshot history and
// returns its sequence number
func (s *Store) SaveSnapshot(scriptID string, env *wire.Envelope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := wire.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encoding envelope: %w", err)
	}

	var seq int64
	err = s.db.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM snapshots WHERE script_id = ?", scriptID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO snapshots (script_id, seq, envelope) VALUES (?, ?, ?)",
		scriptID, seq, data,
	)
	if err != nil {
		return 0, fmt.Errorf("saving snapshot: %w", err)
	}
	return seq, nil
}

// LoadSnapshot retrieves one snapshot by sequence number
func (s *Store) LoadSnapshot(scriptID string, seq int64) (*wire.Envelope, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT envelope FROM snapshots WHERE script_id = ? AND seq = ?", scriptID, seq,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return wire.Unmarshal(data)
}

// Latest retrieves the most recent snapshot for a script
func (s *Store) Latest(scriptID string) (*wire.Envelope, int64, error) {
	var seq int64
	var data []byte
	err := s.db.QueryRow(
		"SELECT seq, envelope FROM snapshots WHERE script_id = ? ORDER BY seq DESC LIMIT 1",
		scriptID,
	).Scan(&seq, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("querying latest snapshot: %w", err)
	}
	env, err := wire.Unmarshal(data)
	if err != nil {
		return nil, 0, err
	}
	return env, seq, nil
}

// Delete removes a script's bytecode and all of its snapshots
func (s *Store) Delete(scriptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM snapshots WHERE script_id = ?", scriptID); err != nil {
		return fmt.Errorf("deleting snapshots: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM bytecode WHERE script_id = ?", scriptID); err != nil {
		return fmt.Errorf("deleting bytecode: %w", err)
	}
	return nil
}

// ScriptInfo summarizes one stored script
type ScriptInfo struct {
	ScriptID  string
	Snapshots int64
	LatestSeq int64
}

// List returns a summary row per script that has snapshots or bytecode
func (s *Store) List() ([]ScriptInfo, error) {
	rows, err := s.db.Query(`
		SELECT script_id, COUNT(seq), COALESCE(MAX(seq), 0) FROM snapshots GROUP BY script_id
		UNION
		SELECT script_id, 0, 0 FROM bytecode
			WHERE script_id NOT IN (SELECT script_id FROM snapshots)
		ORDER BY script_id`)
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	defer rows.Close()

	var infos []ScriptInfo
	for rows.Next() {
		var info ScriptInfo
		if err := rows.Scan(&info.ScriptID, &info.Snapshots, &info.LatestSeq); err != nil {
			return nil, fmt.Errorf("scanning script row: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
