package dist

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical options so the same message always encodes
// to the same bytes, which keeps message hashes stable across peers.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalChunk serializes a Chunk to CBOR bytes.
func MarshalChunk(c *Chunk) ([]byte, error) {
	return cborEncMode.Marshal(c)
}

// UnmarshalChunk deserializes a Chunk from CBOR bytes.
func UnmarshalChunk(data []byte) (*Chunk, error) {
	var c Chunk
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("dist: unmarshal chunk: %w", err)
	}
	return &c, nil
}

// MarshalAnnouncement serializes an Announcement to CBOR bytes.
func MarshalAnnouncement(a *Announcement) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// UnmarshalAnnouncement deserializes an Announcement from CBOR bytes.
func UnmarshalAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("dist: unmarshal announcement: %w", err)
	}
	return &a, nil
}

// MarshalRequest serializes a Request to CBOR bytes.
func MarshalRequest(r *Request) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalRequest deserializes a Request from CBOR bytes.
func UnmarshalRequest(data []byte) (*Request, error) {
	var r Request
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dist: unmarshal request: %w", err)
	}
	return &r, nil
}

// MarshalResponse serializes a Response to CBOR bytes.
func MarshalResponse(r *Response) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalResponse deserializes a Response from CBOR bytes.
func UnmarshalResponse(data []byte) (*Response, error) {
	var r Response
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dist: unmarshal response: %w", err)
	}
	return &r, nil
}
