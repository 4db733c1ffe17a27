// Package audit implements the append-only, hash-chained audit log.
// Every security-relevant action (scan verdicts, quarantine transitions,
// publishes, archival) is recorded as one JSON line whose hash covers the
// previous entry's hash, so any tampering breaks verification from that
// point forward.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"skillsmith/internal/logging"
)

// GenesisHash anchors the first entry of every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Action is a typed audit action.
type Action string

const (
	ActionSkillIndexed      Action = "skill_indexed"
	ActionSkillUpdated      Action = "skill_updated"
	ActionSkillArchived     Action = "skill_archived"
	ActionSkillRemoved      Action = "skill_removed"
	ActionScanCompleted     Action = "scan_completed"
	ActionQuarantineCreated Action = "quarantine_created"
	ActionQuarantineApprove Action = "quarantine_approved"
	ActionQuarantineReject  Action = "quarantine_rejected"
	ActionQuarantineCancel  Action = "quarantine_canceled"
	ActionLocalPublished    Action = "local_published"
	ActionLocalRemoved      Action = "local_removed"
	ActionSyncStarted       Action = "sync_started"
	ActionSyncCompleted     Action = "sync_completed"
	ActionTierChanged       Action = "tier_changed"
	ActionChainArchived     Action = "chain_archived"
)

// Entry is one audit record. Hash covers the canonical encoding of every
// other field, including PrevHash.
type Entry struct {
	Sequence  int64             `json:"sequence"`
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    Action            `json:"action"`
	SubjectID string            `json:"subject_id"`
	Details   map[string]string `json:"details,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// canonicalPayload is the hashed portion of an entry. Field order is fixed
// and Details keys are sorted, so the encoding is deterministic.
type canonicalPayload struct {
	ID        string     `json:"id"`
	Timestamp int64      `json:"ts_unix_nano"`
	Actor     string     `json:"actor"`
	Action    Action     `json:"action"`
	SubjectID string     `json:"subject_id"`
	Details   [][2]string `json:"details,omitempty"`
	PrevHash  string     `json:"prev_hash"`
}

// computeHash returns the SHA-256 hex digest of the entry's canonical encoding.
func computeHash(e *Entry) (string, error) {
	payload := canonicalPayload{
		ID:        e.ID,
		Timestamp: e.Timestamp.UnixNano(),
		Actor:     e.Actor,
		Action:    e.Action,
		SubjectID: e.SubjectID,
		PrevHash:  e.PrevHash,
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			payload.Details = append(payload.Details, [2]string{k, e.Details[k]})
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Chain is an append-only audit log backed by a single JSONL file.
type Chain struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lastHash string
	count    int
}

// Open opens (or creates) the chain file at path and seeks to the tail.
// The existing tail hash is recovered so appends continue the chain.
func Open(path string) (*Chain, error) {
	timer := logging.StartTimer(logging.CategoryAudit, "audit.Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	c := &Chain{path: path, lastHash: GenesisHash}

	if err := c.recoverTail(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit chain: %w", err)
	}
	c.file = file

	logging.Audit("chain opened at %s (%d entries, tail %s)", path, c.count, shortHash(c.lastHash))
	return c, nil
}

// recoverTail reads the existing file and records the last entry's hash.
func (c *Chain) recoverTail() error {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read audit chain: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("corrupt audit entry at line %d: %w", c.count+1, err)
		}
		c.lastHash = e.Hash
		c.count++
	}
	return scanner.Err()
}

// Append records a new entry at the tail of the chain. ID, Timestamp,
// PrevHash and Hash are filled in here; callers supply the rest.
func (c *Chain) Append(actor string, action Action, subjectID string, details map[string]string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &Entry{
		Sequence:  int64(c.count),
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
		Details:   details,
		PrevHash:  c.lastHash,
	}

	hash, err := computeHash(e)
	if err != nil {
		return nil, err
	}
	e.Hash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := c.file.Write(line); err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync audit chain: %w", err)
	}

	c.lastHash = e.Hash
	c.count++

	logging.Audit("%s %s by %s (entry %s)", action, subjectID, actor, shortHash(e.Hash))
	return e, nil
}

// Len returns the number of entries in the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// TailHash returns the hash of the most recent entry (GenesisHash if empty).
func (c *Chain) TailHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// Close closes the underlying chain file.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// VerifyResult reports the outcome of a chain verification walk.
type VerifyResult struct {
	Entries    int
	Valid      bool
	BrokenAt   int    // 1-based line of the first broken entry, 0 when valid
	BrokenHash string // hash recorded on the broken entry
}

// Verify re-walks the whole chain file, recomputing every hash and link.
// The walk stops at the first broken entry.
func (c *Chain) Verify() (*VerifyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return verifyFile(c.path)
}

// VerifyFile verifies a chain file without opening it for appends.
func VerifyFile(path string) (*VerifyResult, error) {
	return verifyFile(path)
}

func verifyFile(path string) (*VerifyResult, error) {
	timer := logging.StartTimer(logging.CategoryAudit, "audit.Verify")
	defer timer.Stop()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &VerifyResult{Valid: true}, nil
		}
		return nil, fmt.Errorf("failed to open audit chain: %w", err)
	}
	defer f.Close()

	result := &VerifyResult{Valid: true}
	prev := GenesisHash
	line := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line++

		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			result.Valid = false
			result.BrokenAt = line
			return result, nil
		}

		if e.PrevHash != prev || e.Sequence != int64(result.Entries) {
			result.Valid = false
			result.BrokenAt = line
			result.BrokenHash = e.Hash
			return result, nil
		}

		want, err := computeHash(&e)
		if err != nil || want != e.Hash {
			result.Valid = false
			result.BrokenAt = line
			result.BrokenHash = e.Hash
			return result, nil
		}

		prev = e.Hash
		result.Entries++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan audit chain: %w", err)
	}

	return result, nil
}

// Read returns up to limit entries starting at 0-based offset, oldest first.
// limit <= 0 means no limit.
func (c *Chain) Read(offset, limit int) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return readEntries(c.path, offset, limit)
}

func readEntries(path string, offset, limit int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit chain: %w", err)
	}
	defer f.Close()

	var entries []Entry
	idx := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if idx < offset {
			idx++
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("corrupt audit entry at index %d: %w", idx, err)
		}
		entries = append(entries, e)
		idx++
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Archive seals the current segment and starts a fresh chain. The sealed
// file keeps its full entry history; the new chain's first entry records
// the sealed segment's Merkle root so history stays linked across
// segments. Returns the sealed file's path.
func (c *Chain) Archive() (string, error) {
	c.mu.Lock()

	if c.count == 0 {
		c.mu.Unlock()
		return "", fmt.Errorf("refusing to archive an empty chain")
	}

	entries, err := readEntries(c.path, 0, 0)
	if err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("failed to read segment for archival: %w", err)
	}
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
	}
	root := MerkleRoot(hashes)

	if err := c.file.Close(); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("failed to close segment: %w", err)
	}
	c.file = nil

	sealed := fmt.Sprintf("%s.%s.sealed", c.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(c.path, sealed); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("failed to seal segment: %w", err)
	}

	file, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("failed to start new segment: %w", err)
	}
	c.file = file
	c.lastHash = GenesisHash
	c.count = 0
	c.mu.Unlock()

	if _, err := c.Append("audit", ActionChainArchived, sealed, map[string]string{
		"merkle_root": root,
		"entries":     fmt.Sprintf("%d", len(entries)),
	}); err != nil {
		return sealed, err
	}

	logging.Audit("sealed segment %s (%d entries, root %s)", sealed, len(entries), shortHash(root))
	return sealed, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
