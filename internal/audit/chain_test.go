package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestChain(t *testing.T) (*Chain, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.log")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func TestAppendLinksEntries(t *testing.T) {
	c, _ := openTestChain(t)

	e1, err := c.Append("scanner", ActionScanCompleted, "alice/fmt-skill", map[string]string{"risk": "12.5"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e1.PrevHash != GenesisHash {
		t.Errorf("first entry prev hash = %s, want genesis", e1.PrevHash)
	}
	if e1.Hash == "" || e1.ID == "" {
		t.Error("entry missing hash or id")
	}

	e2, err := c.Append("pipeline", ActionSkillIndexed, "alice/fmt-skill", nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("second entry prev = %s, want %s", e2.PrevHash, e1.Hash)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if c.TailHash() != e2.Hash {
		t.Errorf("TailHash() = %s, want %s", c.TailHash(), e2.Hash)
	}
}

func TestVerifyValidChain(t *testing.T) {
	c, _ := openTestChain(t)

	for i := 0; i < 5; i++ {
		if _, err := c.Append("sync", ActionSkillUpdated, "bob/deploy-helper", nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	result, err := c.Verify()
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("chain should verify, broken at %d", result.BrokenAt)
	}
	if result.Entries != 5 {
		t.Errorf("verified entries = %d, want 5", result.Entries)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	c, path := openTestChain(t)

	c.Append("scanner", ActionScanCompleted, "mallory/exfil", map[string]string{"risk": "88"})
	c.Append("quarantine", ActionQuarantineCreated, "mallory/exfil", nil)
	c.Append("reviewer", ActionQuarantineReject, "mallory/exfil", nil)
	c.Close()

	// Rewrite the middle entry's subject without recomputing its hash
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var e Entry
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatal(err)
	}
	e.SubjectID = "mallory/innocent"
	tampered, _ := json.Marshal(e)
	lines[1] = string(tampered)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := VerifyFile(path)
	if err != nil {
		t.Fatalf("VerifyFile() error = %v", err)
	}
	if result.Valid {
		t.Fatal("tampered chain should not verify")
	}
	if result.BrokenAt != 2 {
		t.Errorf("broken at %d, want 2", result.BrokenAt)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.log")

	c1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	e1, _ := c1.Append("cli", ActionLocalPublished, "local/my-skill", nil)
	c1.Close()

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer c2.Close()

	if c2.Len() != 1 {
		t.Errorf("reopened Len() = %d, want 1", c2.Len())
	}
	e2, err := c2.Append("cli", ActionLocalRemoved, "local/my-skill", nil)
	if err != nil {
		t.Fatal(err)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken across reopen: prev = %s, want %s", e2.PrevHash, e1.Hash)
	}

	result, err := c2.Verify()
	if err != nil || !result.Valid {
		t.Errorf("reopened chain should verify (err=%v, result=%+v)", err, result)
	}
}

func TestReadPagination(t *testing.T) {
	c, _ := openTestChain(t)
	for i := 0; i < 10; i++ {
		c.Append("sync", ActionSyncCompleted, "run", nil)
	}

	page, err := c.Read(4, 3)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(page) != 3 {
		t.Errorf("page size = %d, want 3", len(page))
	}
}

func TestMerkleRoot(t *testing.T) {
	if got := MerkleRoot(nil); got != GenesisHash {
		t.Errorf("empty root = %s, want genesis", got)
	}

	single := []string{strings.Repeat("ab", 32)}
	if got := MerkleRoot(single); got != single[0] {
		t.Errorf("single-leaf root = %s, want the leaf itself", got)
	}

	// Root must be order-sensitive
	a := []string{strings.Repeat("11", 32), strings.Repeat("22", 32)}
	b := []string{strings.Repeat("22", 32), strings.Repeat("11", 32)}
	if MerkleRoot(a) == MerkleRoot(b) {
		t.Error("root should depend on leaf order")
	}
}

func TestExportRange(t *testing.T) {
	c, _ := openTestChain(t)
	for i := 0; i < 4; i++ {
		c.Append("sync", ActionSkillIndexed, "carol/test-runner", nil)
	}

	export, err := c.ExportRange(1, 2)
	if err != nil {
		t.Fatalf("ExportRange() error = %v", err)
	}
	if export.Count != 2 || len(export.Entries) != 2 {
		t.Errorf("export count = %d/%d, want 2", export.Count, len(export.Entries))
	}
	want := MerkleRoot([]string{export.Entries[0].Hash, export.Entries[1].Hash})
	if export.MerkleRoot != want {
		t.Errorf("merkle root mismatch")
	}
}

func TestArchiveSealsSegment(t *testing.T) {
	c, path := openTestChain(t)

	for i := 0; i < 3; i++ {
		if _, err := c.Append("pipeline", ActionSkillIndexed, "alice/fmt-skill", nil); err != nil {
			t.Fatal(err)
		}
	}

	sealed, err := c.Archive()
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	// Sealed segment still verifies on its own
	result, err := VerifyFile(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.Entries != 3 {
		t.Errorf("sealed segment valid=%v entries=%d, want valid with 3", result.Valid, result.Entries)
	}

	// New segment starts from genesis with the linking entry
	entries, err := c.Read(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("new segment has %d entries, want 1", len(entries))
	}
	link := entries[0]
	if link.Action != ActionChainArchived || link.PrevHash != GenesisHash {
		t.Errorf("linking entry = %s prev=%s", link.Action, link.PrevHash)
	}
	if link.Details["merkle_root"] == "" {
		t.Error("linking entry missing the sealed segment's merkle root")
	}
	if link.SubjectID != sealed {
		t.Errorf("linking entry subject = %s, want %s", link.SubjectID, sealed)
	}

	// Appends continue on the new segment
	if _, err := c.Append("pipeline", ActionSkillUpdated, "alice/fmt-skill", nil); err != nil {
		t.Fatal(err)
	}
	result, err = VerifyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.Entries != 2 {
		t.Errorf("new segment valid=%v entries=%d, want valid with 2", result.Valid, result.Entries)
	}

	// Archiving an empty chain is refused
	c2, err := Open(filepath.Join(t.TempDir(), "empty.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	if _, err := c2.Archive(); err == nil {
		t.Error("Archive() on an empty chain should fail")
	}
}
