package quarantine

import (
	"errors"
	"path/filepath"
	"testing"

	"skillsmith/internal/types"
)

func openTestQueue(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to open quarantine store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreatePending(t *testing.T) {
	s := openTestQueue(t)

	entry, err := s.Create("mallory/exfil", "pipe to shell detected", types.QuarantineMalicious)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if entry.Status != types.QuarantinePending {
		t.Errorf("status = %s, want pending", entry.Status)
	}
	if entry.RequiredApprovals != 2 {
		t.Errorf("required_approvals = %d, want 2 for malicious", entry.RequiredApprovals)
	}

	suspicious, _ := s.Create("bob/odd", "suspicious eval usage", types.QuarantineSuspicious)
	if suspicious.RequiredApprovals != 1 {
		t.Errorf("required_approvals = %d, want 1 for suspicious", suspicious.RequiredApprovals)
	}
}

func TestCreateIdempotentWhileOpen(t *testing.T) {
	s := openTestQueue(t)

	first, _ := s.Create("mallory/exfil", "initial", types.QuarantineMalicious)
	second, err := s.Create("mallory/exfil", "duplicate", types.QuarantineSuspicious)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("second create returned new entry %s, want existing %s", second.ID, first.ID)
	}
	if second.Reason != "initial" {
		t.Errorf("reason = %q, existing entry must be unchanged", second.Reason)
	}

	// After resolution a fresh entry is allowed
	s.Reject(first.ID, "reviewer-1", "confirmed malicious", CapReview)
	third, _ := s.Create("mallory/exfil", "round two", types.QuarantineMalicious)
	if third.ID == first.ID {
		t.Error("resolved entry reused; expected new entry")
	}
}

func TestApprovalFlow(t *testing.T) {
	s := openTestQueue(t)
	entry, _ := s.Create("mallory/exfil", "bad", types.QuarantineMalicious)

	after, err := s.AddApproval(entry.ID, "alice", "looks contained", CapAdmin)
	if err != nil {
		t.Fatalf("first approval error = %v", err)
	}
	if after.Status != types.QuarantinePending {
		t.Errorf("status = %s after 1/2 approvals, want pending", after.Status)
	}

	// Same reviewer cannot approve twice
	if _, err := s.AddApproval(entry.ID, "alice", "", CapAdmin); !errors.Is(err, ErrAlreadyApproved) {
		t.Errorf("duplicate approval err = %v, want ErrAlreadyApproved", err)
	}

	after, err = s.AddApproval(entry.ID, "bob", "", CapAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != types.QuarantineApproved {
		t.Errorf("status = %s after 2/2 distinct approvals, want approved", after.Status)
	}
	if after.ResolvedAt.IsZero() {
		t.Error("resolved_at not set on approval")
	}

	// Terminal: no further transitions
	if _, err := s.AddApproval(entry.ID, "carol", "", CapAdmin); !errors.Is(err, ErrTerminalState) {
		t.Errorf("post-terminal approval err = %v, want ErrTerminalState", err)
	}
	if _, err := s.Reject(entry.ID, "carol", "late", CapAdmin); !errors.Is(err, ErrTerminalState) {
		t.Errorf("post-terminal reject err = %v, want ErrTerminalState", err)
	}
}

func TestCapabilityGating(t *testing.T) {
	s := openTestQueue(t)

	malicious, _ := s.Create("mallory/exfil", "bad", types.QuarantineMalicious)
	suspicious, _ := s.Create("bob/odd", "odd", types.QuarantineSuspicious)

	// Malicious approvals need admin
	if _, err := s.AddApproval(malicious.ID, "alice", "", CapReview); !errors.Is(err, ErrCapability) {
		t.Errorf("review-cap approval on malicious err = %v, want ErrCapability", err)
	}

	// Suspicious approvals need review, not read-only
	if _, err := s.AddApproval(suspicious.ID, "alice", "", CapReadOnly); !errors.Is(err, ErrCapability) {
		t.Errorf("read-only approval err = %v, want ErrCapability", err)
	}
	if _, err := s.AddApproval(suspicious.ID, "alice", "", CapReview); err != nil {
		t.Errorf("review-cap approval on suspicious err = %v", err)
	}

	// Cancel requires admin
	if _, err := s.Cancel(malicious.ID, "alice", "rescan", CapReview); !errors.Is(err, ErrCapability) {
		t.Errorf("review-cap cancel err = %v, want ErrCapability", err)
	}
	if _, err := s.Cancel(malicious.ID, "alice", "rescan", CapAdmin); err != nil {
		t.Errorf("admin cancel err = %v", err)
	}
}

func TestRejectAndList(t *testing.T) {
	s := openTestQueue(t)

	e1, _ := s.Create("a/one", "r1", types.QuarantineSuspicious)
	s.Create("b/two", "r2", types.QuarantineMalicious)

	if _, err := s.Reject(e1.ID, "alice", "false positive... not", CapReview); err != nil {
		t.Fatal(err)
	}

	pending, err := s.List(ListFilter{Status: types.QuarantinePending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].SkillID != "b/two" {
		t.Errorf("pending list = %d entries", len(pending))
	}

	rejected, _ := s.List(ListFilter{Status: types.QuarantineRejected})
	if len(rejected) != 1 || rejected[0].SkillID != "a/one" {
		t.Errorf("rejected list = %d entries", len(rejected))
	}

	bySkill, _ := s.List(ListFilter{SkillID: "a/one"})
	if len(bySkill) != 1 {
		t.Errorf("skill filter = %d entries, want 1", len(bySkill))
	}
}

func TestIsQuarantinedAndCheckInstall(t *testing.T) {
	s := openTestQueue(t)
	entry, _ := s.Create("mallory/exfil", "bad", types.QuarantineMalicious)

	blocked, err := s.IsQuarantined("mallory/exfil")
	if err != nil || !blocked {
		t.Errorf("IsQuarantined = %v, %v; want true", blocked, err)
	}
	if err := s.CheckInstall("mallory/exfil"); !errors.Is(err, ErrQuarantined) {
		t.Errorf("CheckInstall err = %v, want ErrQuarantined", err)
	}

	s.Reject(entry.ID, "alice", "confirmed", CapReview)

	blocked, _ = s.IsQuarantined("mallory/exfil")
	if blocked {
		t.Error("still quarantined after terminal resolution")
	}
	if err := s.CheckInstall("clean/skill"); err != nil {
		t.Errorf("CheckInstall on clean skill err = %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarantine.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := s.Create("mallory/exfil", "bad", types.QuarantineMalicious)
	s.AddApproval(entry.ID, "alice", "partial", CapAdmin)
	s.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.Get(entry.ID)
	if err != nil {
		t.Fatalf("Get after reopen error = %v", err)
	}
	if got.Status != types.QuarantinePending || len(got.Approvals) != 1 {
		t.Errorf("reopened entry = %s with %d approvals, want pending with 1", got.Status, len(got.Approvals))
	}
	if got.Approvals[0].ReviewerID != "alice" {
		t.Errorf("approval reviewer = %s", got.Approvals[0].ReviewerID)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestQueue(t)
	if _, err := s.Get("missing-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
