// Package dist implements content-addressed distribution of compiled
// Grimoire programs: chunks hashed over the serialized artifact, CBOR
// wire messages for the announce/request/response exchange, and a
// SQLite-backed chunk store.
package dist

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"

	"github.com/Zenohate/grimoire/vm"
)

// Chunk is one distributable unit: a named, serialized program addressed
// by the SHA-256 of its payload.
type Chunk struct {
	Hash    [32]byte `cbor:"1,keyasint"`
	Name    string   `cbor:"2,keyasint"`
	Payload []byte   `cbor:"3,keyasint"`
}

// ChunkProgram serializes a program and wraps it as a chunk.
func ChunkProgram(name string, p *vm.Program) (*Chunk, error) {
	var buf bytes.Buffer
	if err := vm.WriteProgram(&buf, p); err != nil {
		return nil, fmt.Errorf("dist: chunk %q: %w", name, err)
	}
	c := &Chunk{Name: name, Payload: buf.Bytes()}
	c.Hash = sha256.Sum256(c.Payload)
	return c, nil
}

// Program deserializes the chunk's payload after verifying the hash.
func (c *Chunk) Program() (*vm.Program, error) {
	if sha256.Sum256(c.Payload) != c.Hash {
		return nil, fmt.Errorf("dist: chunk %q: payload hash mismatch", c.Name)
	}
	return vm.ReadProgram(bytes.NewReader(c.Payload))
}

// Verify recomputes the payload hash.
func (c *Chunk) Verify() bool {
	return sha256.Sum256(c.Payload) == c.Hash
}

// Announcement advertises the chunks a peer holds. The ID is a fresh
// UUID per message; Peer identifies the sender across messages.
type Announcement struct {
	ID     string     `cbor:"1,keyasint"`
	Peer   string     `cbor:"2,keyasint"`
	Hashes [][32]byte `cbor:"3,keyasint"`
}

// NewAnnouncement builds an announcement for the given peer and hashes.
func NewAnnouncement(peer string, hashes [][32]byte) *Announcement {
	return &Announcement{ID: uuid.NewString(), Peer: peer, Hashes: hashes}
}

// Request asks a peer for the chunks the receiver is missing.
type Request struct {
	ID   string     `cbor:"1,keyasint"`
	Want [][32]byte `cbor:"2,keyasint"`
}

// NewRequest builds a request for the given hashes.
func NewRequest(want [][32]byte) *Request {
	return &Request{ID: uuid.NewString(), Want: want}
}

// Response carries the requested chunks back.
type Response struct {
	ID     string  `cbor:"1,keyasint"`
	Chunks []Chunk `cbor:"2,keyasint"`
}

// NewPeerID mints a stable identifier for this process's peer.
func NewPeerID() string {
	return uuid.NewString()
}
