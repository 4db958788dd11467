package dist

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed chunk store. It is the durable side of the
// distribution protocol: announcements are answered from here and
// received chunks land here.
type Store struct {
	db *sql.DB
}

// ErrNotFound is returned when a chunk is not in the store.
var ErrNotFound = errors.New("dist: chunk not found")

// OpenStore opens (and if needed creates) a chunk store at the given
// path. Use ":memory:" for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dist: open store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	hash    BLOB PRIMARY KEY,
	name    TEXT NOT NULL,
	payload BLOB NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dist: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put stores a chunk, replacing any previous chunk with the same hash.
// Chunks that fail verification are rejected.
func (s *Store) Put(c *Chunk) error {
	if !c.Verify() {
		return fmt.Errorf("dist: refusing to store chunk %q: hash mismatch", c.Name)
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO chunks (hash, name, payload) VALUES (?, ?, ?)`,
		c.Hash[:], c.Name, c.Payload,
	)
	if err != nil {
		return fmt.Errorf("dist: put chunk %q: %w", c.Name, err)
	}
	return nil
}

// Get returns the chunk with the given hash, or ErrNotFound.
func (s *Store) Get(hash [32]byte) (*Chunk, error) {
	row := s.db.QueryRow(`SELECT name, payload FROM chunks WHERE hash = ?`, hash[:])
	c := &Chunk{Hash: hash}
	if err := row.Scan(&c.Name, &c.Payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dist: get chunk: %w", err)
	}
	return c, nil
}

// Has reports whether the store holds the given hash.
func (s *Store) Has(hash [32]byte) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM chunks WHERE hash = ?`, hash[:]).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dist: has chunk: %w", err)
	}
	return true, nil
}

// Hashes lists every stored chunk hash, for building announcements.
func (s *Store) Hashes() ([][32]byte, error) {
	rows, err := s.db.Query(`SELECT hash FROM chunks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("dist: list hashes: %w", err)
	}
	defer rows.Close()

	var out [][32]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("dist: list hashes: %w", err)
		}
		var h [32]byte
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Missing filters an announcement down to the hashes the store lacks,
// ready to be sent back as a request.
func (s *Store) Missing(a *Announcement) ([][32]byte, error) {
	var want [][32]byte
	for _, h := range a.Hashes {
		ok, err := s.Has(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			want = append(want, h)
		}
	}
	return want, nil
}
