package catalog

import (
	"context"
	"testing"
	"time"

	"skillsmith/internal/embedding"
	"skillsmith/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", 64)
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSkill(author, name string, scoreVal int) *types.Skill {
	return &types.Skill{
		Author:      author,
		Name:        name,
		Description: "A test skill that does something useful.",
		Tags:        []string{"testing"},
		Category:    "testing",
		SourceRepo:  author + "/skills",
		Revision:    "rev-1",
		ContentHash: types.ContentHash([]byte(author + "/" + name)),
		SizeBytes:   512,
		Score:       scoreVal,
		SubScores:   types.SubScores{Popularity: scoreVal / 4},
		Tier:        types.TierCommunity,
		ScanStatus:  types.RecommendSafe,
		Signals:     types.RepoSignals{Stars: 100, UpdatedAt: time.Now().UTC()},
	}
}

func TestOpenInitializesSchema(t *testing.T) {
	s := openTestStore(t)

	if s.GetDB() == nil {
		t.Fatal("GetDB returned nil")
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	for _, table := range []string{"skills", "skill_versions", "embeddings", "categories"} {
		if _, ok := stats[table]; !ok {
			t.Errorf("stats missing table %s", table)
		}
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	sk := testSkill("alice", "fmt-skill", 80)
	sk.Triggers = []string{"format my code"}
	sk.Compatibility = types.Compatibility{IDEs: []string{"vscode"}}
	sk.InstallHint = "https://github.com/alice/skills/blob/HEAD/fmt-skill.md"

	if err := s.UpsertSkill(sk, "v1", nil, ""); err != nil {
		t.Fatalf("UpsertSkill() error = %v", err)
	}

	got, err := s.GetSkill("alice/fmt-skill")
	if err != nil {
		t.Fatalf("GetSkill() error = %v", err)
	}
	if got.Description != sk.Description || got.Score != 80 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Triggers) != 1 || got.Triggers[0] != "format my code" {
		t.Errorf("triggers = %v", got.Triggers)
	}
	if got.Compatibility.IDEs[0] != "vscode" {
		t.Errorf("compatibility = %+v", got.Compatibility)
	}
	if got.Tier != types.TierCommunity {
		t.Errorf("tier = %s", got.Tier)
	}
	if got.InstallHint != sk.InstallHint {
		t.Errorf("install hint = %q, want %q", got.InstallHint, sk.InstallHint)
	}
}

func TestGetSkillNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetSkill("nobody/nothing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertIsIdempotentUpdate(t *testing.T) {
	s := openTestStore(t)

	sk := testSkill("bob", "deploy", 60)
	if err := s.UpsertSkill(sk, "", nil, ""); err != nil {
		t.Fatal(err)
	}

	sk.Score = 75
	sk.Description = "An improved description of the deploy skill."
	if err := s.UpsertSkill(sk, "", nil, ""); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSkill("bob/deploy")
	if got.Score != 75 {
		t.Errorf("score = %d, want 75 after update", got.Score)
	}

	stats, _ := s.GetStats()
	if stats["skills"] != 1 {
		t.Errorf("skills count = %d, want 1", stats["skills"])
	}
}

func TestVersionHistory(t *testing.T) {
	s := openTestStore(t)

	sk := testSkill("carol", "lint", 50)
	sk.Revision = "r1"
	s.UpsertSkill(sk, "1.0", nil, "")

	sk.Revision = "r2"
	s.UpsertSkill(sk, "1.1", nil, "")

	// Same revision again: no new history row
	s.UpsertSkill(sk, "1.1", nil, "")

	versions, err := s.VersionHistory("carol/lint")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Errorf("versions = %d, want 2", len(versions))
	}
}

func TestEmbeddingStorage(t *testing.T) {
	s := openTestStore(t)

	eng := embedding.NewLocalEngine(64)
	vec, _ := eng.Embed(context.Background(), "format go code")

	sk := testSkill("dave", "gofmt", 70)
	if err := s.UpsertSkill(sk, "", vec, eng.Name()); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEmbedding("dave/gofmt")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 64 {
		t.Errorf("embedding dims = %d, want 64", len(got))
	}

	// Absent embedding returns nil without error
	s.UpsertSkill(testSkill("dave", "bare", 10), "", nil, "")
	got, err = s.GetEmbedding("dave/bare")
	if err != nil || got != nil {
		t.Errorf("absent embedding = %v, %v; want nil, nil", got, err)
	}
}

func TestLexicalSearchRanksNameAboveDescription(t *testing.T) {
	s := openTestStore(t)

	byName := testSkill("alice", "commit-helper", 50)
	byName.Description = "Formats source code files."
	s.UpsertSkill(byName, "", nil, "")

	byDesc := testSkill("bob", "diff-tool", 50)
	byDesc.Description = "Writes commit messages from diffs."
	s.UpsertSkill(byDesc, "", nil, "")

	hits, err := s.LexicalSearch("commit", types.Filters{}, 10)
	if err != nil {
		t.Fatalf("LexicalSearch() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Skill.ID() != "alice/commit-helper" {
		t.Errorf("first hit = %s, want name match first", hits[0].Skill.ID())
	}
}

func TestLexicalSearchExcludesQuarantined(t *testing.T) {
	s := openTestStore(t)

	bad := testSkill("mallory", "exfil-commit", 90)
	bad.ScanStatus = types.RecommendQuarantine
	s.UpsertSkill(bad, "", nil, "")

	hits, err := s.LexicalSearch("commit", types.Filters{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.Skill.ID() == "mallory/exfil-commit" {
			t.Error("quarantined skill returned by search")
		}
	}
}

func TestVectorSearchCosineFallback(t *testing.T) {
	s := openTestStore(t)
	eng := embedding.NewLocalEngine(64)
	ctx := context.Background()

	near := testSkill("alice", "commit-writer", 50)
	nearVec, _ := eng.Embed(ctx, "write git commit messages")
	s.UpsertSkill(near, "", nearVec, eng.Name())

	far := testSkill("bob", "k8s-scaler", 50)
	farVec, _ := eng.Embed(ctx, "scale kubernetes clusters automatically")
	s.UpsertSkill(far, "", farVec, eng.Name())

	query, _ := eng.Embed(ctx, "git commit message helper")
	hits, err := s.VectorSearch(ctx, query, types.Filters{}, 2)
	if err != nil {
		t.Fatalf("VectorSearch() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Skill.ID() != "alice/commit-writer" {
		t.Errorf("nearest = %s, want alice/commit-writer", hits[0].Skill.ID())
	}
}

func TestVectorSearchHonorsContext(t *testing.T) {
	s := openTestStore(t)
	eng := embedding.NewLocalEngine(64)

	sk := testSkill("alice", "commit-writer", 50)
	vec, _ := eng.Embed(context.Background(), "write git commit messages")
	s.UpsertSkill(sk, "", vec, eng.Name())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.VectorSearch(ctx, vec, types.Filters{}, 2); err == nil {
		t.Error("canceled context did not abort the vector query")
	}
}

func TestFilterBrowseOrdering(t *testing.T) {
	s := openTestStore(t)

	for _, tc := range []struct {
		author string
		score  int
	}{
		{"a", 90}, {"b", 80}, {"c", 70},
	} {
		s.UpsertSkill(testSkill(tc.author, "skill", tc.score), "", nil, "")
	}

	skills, total, err := s.FilterBrowse(types.Filters{Category: "testing"}, 10, 0)
	if err != nil {
		t.Fatalf("FilterBrowse() error = %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	want := []int{90, 80, 70}
	for i, sk := range skills {
		if sk.Score != want[i] {
			t.Errorf("position %d score = %d, want %d", i, sk.Score, want[i])
		}
	}
}

func TestFilterBrowsePagination(t *testing.T) {
	s := openTestStore(t)
	for i, author := range []string{"a", "b", "c", "d", "e"} {
		s.UpsertSkill(testSkill(author, "skill", 50+i), "", nil, "")
	}

	page, total, err := s.FilterBrowse(types.Filters{}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(page) != 2 {
		t.Errorf("total = %d, page = %d; want 5, 2", total, len(page))
	}

	// limit=0 returns empty page with a well-defined total
	page, total, err = s.FilterBrowse(types.Filters{}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	_ = page
}

func TestFilterBrowseFilters(t *testing.T) {
	s := openTestStore(t)

	verified := testSkill("alice", "trusted", 90)
	verified.Tier = types.TierVerified
	s.UpsertSkill(verified, "", nil, "")

	risky := testSkill("bob", "risky", 85)
	risky.RiskScore = 30
	risky.ScanStatus = types.RecommendReview
	s.UpsertSkill(risky, "", nil, "")

	// Tier filter
	skills, _, err := s.FilterBrowse(types.Filters{Tier: types.TierVerified}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(skills) != 1 || skills[0].ID() != "alice/trusted" {
		t.Errorf("tier filter returned %d results", len(skills))
	}

	// SafeOnly excludes the review-status skill
	skills, _, _ = s.FilterBrowse(types.Filters{SafeOnly: true}, 10, 0)
	for _, sk := range skills {
		if sk.ID() == "bob/risky" {
			t.Error("safe_only returned a non-safe skill")
		}
	}

	// MaxRisk
	skills, _, _ = s.FilterBrowse(types.Filters{MaxRisk: 10, HasMaxRisk: true}, 10, 0)
	for _, sk := range skills {
		if sk.RiskScore > 10 {
			t.Errorf("max_risk filter returned risk %.1f", sk.RiskScore)
		}
	}
}

func TestCompatibilityFilterPermissive(t *testing.T) {
	s := openTestStore(t)

	declared := testSkill("alice", "vscode-only", 80)
	declared.Compatibility = types.Compatibility{IDEs: []string{"vscode"}}
	s.UpsertSkill(declared, "", nil, "")

	unknown := testSkill("bob", "anywhere", 70)
	unknown.Compatibility = types.Compatibility{}
	s.UpsertSkill(unknown, "", nil, "")

	req := &types.Compatibility{IDEs: []string{"jetbrains"}}
	skills, _, err := s.FilterBrowse(types.Filters{Compatibility: req}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}

	ids := map[string]bool{}
	for _, sk := range skills {
		ids[sk.ID()] = true
	}
	if ids["alice/vscode-only"] {
		t.Error("declared-incompatible skill passed the filter")
	}
	if !ids["bob/anywhere"] {
		t.Error("unknown-compatibility skill should pass permissively")
	}
}

func TestMissingStreakAndArchival(t *testing.T) {
	s := openTestStore(t)
	s.UpsertSkill(testSkill("gone", "skill", 40), "", nil, "")

	for i := 1; i <= 3; i++ {
		streak, err := s.MarkMissing("gone/skill")
		if err != nil {
			t.Fatal(err)
		}
		if streak != i {
			t.Errorf("streak = %d, want %d", streak, i)
		}
	}

	ids, err := s.ArchiveStale(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "gone/skill" {
		t.Errorf("archived = %v, want [gone/skill]", ids)
	}

	// Archived skills disappear from browse
	skills, total, _ := s.FilterBrowse(types.Filters{}, 10, 0)
	if total != 0 || len(skills) != 0 {
		t.Errorf("archived skill still browsable: total=%d", total)
	}

	// ResetMissing clears the streak for surviving skills
	s.UpsertSkill(testSkill("alive", "skill", 40), "", nil, "")
	s.MarkMissing("alive/skill")
	s.ResetMissing("alive/skill")
	got, _ := s.GetSkill("alive/skill")
	if got.MissingStreak != 0 {
		t.Errorf("streak after reset = %d", got.MissingStreak)
	}
}

func TestDeleteSkillSoft(t *testing.T) {
	s := openTestStore(t)
	s.UpsertSkill(testSkill("alice", "temp", 40), "", nil, "")

	if err := s.DeleteSkill("alice/temp"); err != nil {
		t.Fatal(err)
	}

	// Row survives for audit purposes but is archived
	got, err := s.GetSkill("alice/temp")
	if err != nil {
		t.Fatalf("archived skill should remain readable: %v", err)
	}
	if !got.Archived {
		t.Error("skill not marked archived")
	}

	if err := s.DeleteSkill("alice/never-existed"); err != ErrNotFound {
		t.Errorf("delete missing = %v, want ErrNotFound", err)
	}
}

func TestUpdateScanStatus(t *testing.T) {
	s := openTestStore(t)
	s.UpsertSkill(testSkill("alice", "scanned", 40), "", nil, "")

	now := time.Now().UTC()
	err := s.UpdateScanStatus("alice/scanned", types.RecommendQuarantine, 88.5, types.TierUnknown, now)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSkill("alice/scanned")
	if got.ScanStatus != types.RecommendQuarantine || got.RiskScore != 88.5 {
		t.Errorf("scan status = %s/%.1f", got.ScanStatus, got.RiskScore)
	}
	if got.Tier != types.TierUnknown {
		t.Errorf("tier = %s, want unknown after downgrade", got.Tier)
	}
}
