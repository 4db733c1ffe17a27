package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Export is a verifiable slice of the chain: the entries themselves plus a
// Merkle root over their hashes, so a third party can check inclusion
// without the full chain file.
type Export struct {
	GeneratedAt time.Time `json:"generated_at"`
	FromIndex   int       `json:"from_index"`
	Count       int       `json:"count"`
	MerkleRoot  string    `json:"merkle_root"`
	Entries     []Entry   `json:"entries"`
}

// MerkleRoot computes the Merkle root over the given entry hashes.
// Odd levels promote the last node unchanged. Empty input yields GenesisHash.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return GenesisHash
	}

	level := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		raw, err := hex.DecodeString(h)
		if err != nil {
			// Treat undecodable hashes as leaf data directly
			raw = []byte(h)
		}
		level = append(level, raw)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			sum := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
			next = append(next, sum[:])
		}
		level = next
	}

	return hex.EncodeToString(level[0])
}

// ExportRange produces a verifiable export of limit entries starting at
// 0-based offset.
func (c *Chain) ExportRange(offset, limit int) (*Export, error) {
	entries, err := c.Read(offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain for export: %w", err)
	}

	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
	}

	return &Export{
		GeneratedAt: time.Now().UTC(),
		FromIndex:   offset,
		Count:       len(entries),
		MerkleRoot:  MerkleRoot(hashes),
		Entries:     entries,
	}, nil
}
