package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"skillsmith/internal/catalog"
	"skillsmith/internal/config"
	"skillsmith/internal/embedding"
	"skillsmith/internal/quarantine"
	"skillsmith/internal/recommend"
	"skillsmith/internal/search"
	"skillsmith/internal/types"
)

func newTestService(t *testing.T) (*Service, *catalog.Store, *quarantine.Store) {
	t.Helper()

	cat, err := catalog.Open(":memory:", 64)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	quar, err := quarantine.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { quar.Close() })

	engine := search.New(cat, embedding.NewLocalEngine(64), nil, config.SearchConfig{})
	rec := recommend.New(cat, engine, nil, config.RecommendConfig{})

	return New(cat, quar, engine, rec, nil, nil), cat, quar
}

func seed(t *testing.T, cat *catalog.Store, author, name string, scoreVal int, tier types.TrustTier) {
	t.Helper()
	sk := &types.Skill{
		Author:      author,
		Name:        name,
		Description: "A seeded skill used across the tool surface tests.",
		Category:    "testing",
		ContentHash: types.ContentHash([]byte(author + "/" + name)),
		Score:       scoreVal,
		Tier:        tier,
		ScanStatus:  types.RecommendSafe,
		Signals:     types.RepoSignals{UpdatedAt: time.Now().UTC()},
	}
	if err := cat.UpsertSkill(sk, "", nil, ""); err != nil {
		t.Fatal(err)
	}
}

func wantKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want *tool.Error", err)
	}
	if terr.Kind != kind {
		t.Errorf("kind = %s, want %s", terr.Kind, kind)
	}
}

func TestSearchErrorKinds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Search(ctx, types.Query{})
	wantKind(t, err, KindEmptyQuery)

	_, err = svc.Search(ctx, types.Query{Text: "x", Filters: types.Filters{MinScore: 200}})
	wantKind(t, err, KindInvalidFilter)
}

func TestGetSkill(t *testing.T) {
	svc, cat, _ := newTestService(t)
	seed(t, cat, "alice", "real", 80, types.TierCommunity)
	ctx := context.Background()

	sk, err := svc.GetSkill(ctx, "alice/real")
	if err != nil {
		t.Fatal(err)
	}
	if sk.Name != "real" {
		t.Errorf("name = %s", sk.Name)
	}

	_, err = svc.GetSkill(ctx, "nobody/ghost")
	wantKind(t, err, KindNotFound)

	_, err = svc.GetSkill(ctx, "")
	wantKind(t, err, KindInvalidInput)
}

func TestCompare(t *testing.T) {
	svc, cat, _ := newTestService(t)
	seed(t, cat, "a", "strong", 90, types.TierVerified)
	seed(t, cat, "b", "weak", 60, types.TierCommunity)
	ctx := context.Background()

	_, err := svc.Compare(ctx, "a/strong", "a/strong")
	wantKind(t, err, KindIdenticalIDs)

	_, err = svc.Compare(ctx, "a/strong", "nobody/ghost")
	wantKind(t, err, KindNotFound)

	cmp, err := svc.Compare(ctx, "a/strong", "b/weak")
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Winner != "a" {
		t.Errorf("winner = %s, want a", cmp.Winner)
	}
	if len(cmp.Differences) == 0 {
		t.Error("no differences reported for differing skills")
	}
}

func TestValidateReport(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	report := svc.Validate(ctx, []byte("nope"), false)
	if report.Valid {
		t.Error("invalid content reported valid")
	}
	if len(report.Reasons) == 0 {
		t.Error("no reasons for invalid content")
	}

	good := `---
name: fine-skill
description: A perfectly reasonable skill document for validation.
author: alice
---

# Fine Skill

This body is long enough to clear the minimum content threshold easily.
`
	report = svc.Validate(ctx, []byte(good), false)
	if !report.Valid {
		t.Errorf("valid content rejected: %v", report.Reasons)
	}
	if report.Name != "fine-skill" {
		t.Errorf("name = %s", report.Name)
	}
}

func TestSuggestInstall(t *testing.T) {
	svc, cat, quar := newTestService(t)
	ctx := context.Background()

	seed(t, cat, "alice", "clean", 80, types.TierCommunity)
	suggestion, err := svc.SuggestInstall(ctx, "alice/clean", "")
	if err != nil {
		t.Fatal(err)
	}
	if !suggestion.Allowed {
		t.Errorf("clean skill not allowed: %s", suggestion.Reason)
	}

	// Quarantined: blocked with the entry referenced
	seed(t, cat, "mallory", "bad", 70, types.TierUnknown)
	if _, err := quar.Create("mallory/bad", "malicious patterns", types.QuarantineMalicious); err != nil {
		t.Fatal(err)
	}
	_, err = svc.SuggestInstall(ctx, "mallory/bad", "")
	wantKind(t, err, KindQuarantined)

	// Trust floor: an experimental skill fails a community floor
	seed(t, cat, "newbie", "fresh", 40, types.TierExperimental)
	_, err = svc.SuggestInstall(ctx, "newbie/fresh", types.TierCommunity)
	wantKind(t, err, KindInsufficientTrust)
}

func TestSyncUnconfigured(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Sync(context.Background(), "full", false)
	wantKind(t, err, KindUpstreamUnavailable)
}
