package score

import (
	"testing"
	"time"

	"skillsmith/internal/types"
)

var now = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func TestZeroSignalsScoreZeroPopularity(t *testing.T) {
	composite, sub := Compute(Input{Now: now})

	if sub.Popularity != 0 {
		t.Errorf("popularity = %d, want 0 for zero stars", sub.Popularity)
	}
	// Issue-health bucket still awards points for zero open issues
	if composite < 0 || composite > 100 {
		t.Errorf("composite %d out of range", composite)
	}
}

func TestPopularityLogScale(t *testing.T) {
	tests := []struct {
		name  string
		stars int
		want  int // 15 * min(1, log10(stars+1)/4)
	}{
		{"zero", 0, 0},
		{"ten", 9, 4},        // log10(10)/4 = 0.25 -> 3.75 -> 4
		{"thousand", 999, 11}, // log10(1000)/4 = 0.75 -> 11.25 -> 11
		{"saturated", 100000, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := popularity(types.RepoSignals{Stars: tt.stars}, false)
			if got != tt.want {
				t.Errorf("popularity(stars=%d) = %d, want %d", tt.stars, got, tt.want)
			}
		})
	}
}

func TestPopularityCombined(t *testing.T) {
	// All three saturated: 15 + 10 + 5 = 30
	got := popularity(types.RepoSignals{Stars: 100000, Forks: 100000, Watchers: 100000}, false)
	if got != MaxPopularity {
		t.Errorf("saturated popularity = %d, want %d", got, MaxPopularity)
	}
}

func TestPopularityLinearLegacy(t *testing.T) {
	// Linear mode: 500 stars -> 15 * 0.5 = 7.5 -> 8
	if got := popularity(types.RepoSignals{Stars: 500}, true); got != 8 {
		t.Errorf("linear popularity(stars=500) = %d, want 8", got)
	}
	// Saturates at 1000
	if got := popularity(types.RepoSignals{Stars: 5000}, true); got != 15 {
		t.Errorf("linear popularity(stars=5000) = %d, want 15", got)
	}
}

func TestActivityRecencyBuckets(t *testing.T) {
	tests := []struct {
		name    string
		daysAgo int
		recency int
	}{
		{"fresh", 10, 10},
		{"quarter", 60, 8},
		{"half year", 150, 5},
		{"stale", 400, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := types.RepoSignals{UpdatedAt: now.AddDate(0, 0, -tt.daysAgo)}
			got := activity(s, now)
			// zero issues adds 8, zero contributors adds 0
			want := tt.recency + 8
			if got != want {
				t.Errorf("activity = %d, want %d", got, want)
			}
		})
	}
}

func TestDocumentationScore(t *testing.T) {
	body := `# Title

## Usage

## Examples

## Notes

Some long body text. ` + string(make([]byte, 0)) + `
` + "```bash\necho example\n```\n"

	in := Input{
		Body:        body + string(bytesOfLen(2000)),
		Description: "A clear description with enough length.",
		Signals:     types.RepoSignals{HasReadme: true},
		Now:         now,
	}
	got := documentation(in)
	if got != MaxDocumentation {
		t.Errorf("documentation = %d, want max %d", got, MaxDocumentation)
	}

	// Bare minimum body
	minimal := Input{Body: "# T\nshort", Now: now}
	if g := documentation(minimal); g >= got {
		t.Errorf("minimal documentation %d should score below rich %d", g, got)
	}
}

func bytesOfLen(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return b
}

func TestTrustScore(t *testing.T) {
	in := Input{
		Signals:           types.RepoSignals{License: "MIT"},
		VerifiedPublisher: true,
		Tags:              []string{"agent-skill"},
	}
	if got := trust(in); got != MaxTrust {
		t.Errorf("trust = %d, want %d", got, MaxTrust)
	}

	if got := trust(Input{Signals: types.RepoSignals{License: "proprietary"}}); got != 0 {
		t.Errorf("unrecognized license trust = %d, want 0", got)
	}
}

func TestCompositeClampAndDeterminism(t *testing.T) {
	in := Input{
		Signals: types.RepoSignals{
			Stars: 5000, Forks: 900, Watchers: 300,
			UpdatedAt: now.AddDate(0, 0, -5), Contributors: 12,
			License: "Apache-2.0", HasReadme: true,
		},
		Description:       "Does something genuinely useful for agents.",
		Tags:              []string{"claude-skill"},
		Body:              "# T\n\n## Usage\n\nexample usage\n" + string(bytesOfLen(2500)),
		VerifiedPublisher: true,
		Now:               now,
	}

	c1, s1 := Compute(in)
	c2, s2 := Compute(in)
	if c1 != c2 || s1 != s2 {
		t.Errorf("scoring not deterministic: %d/%v vs %d/%v", c1, s1, c2, s2)
	}
	if c1 < 0 || c1 > 100 {
		t.Errorf("composite %d out of range", c1)
	}
	if c1 != s1.Popularity+s1.Activity+s1.Documentation+s1.Trust {
		t.Errorf("composite %d != sum of sub-scores %v", c1, s1)
	}
}

func TestLessTieBreakers(t *testing.T) {
	mk := func(id string, scoreVal, pop int, updated time.Time) *types.Skill {
		author, name := "a", id
		return &types.Skill{
			Author: author, Name: name, Score: scoreVal,
			SubScores: types.SubScores{Popularity: pop},
			Signals:   types.RepoSignals{UpdatedAt: updated},
		}
	}

	t1 := now.AddDate(0, 0, -1)
	t2 := now.AddDate(0, 0, -2)

	tests := []struct {
		name string
		a, b *types.Skill
		want bool
	}{
		{"higher score wins", mk("x", 90, 0, t1), mk("y", 80, 99, t1), true},
		{"popularity breaks tie", mk("x", 80, 20, t1), mk("y", 80, 10, t1), true},
		{"recency breaks tie", mk("x", 80, 10, t1), mk("y", 80, 10, t2), true},
		{"id breaks final tie", mk("aaa", 80, 10, t1), mk("bbb", 80, 10, t1), true},
		{"inverse", mk("bbb", 80, 10, t1), mk("aaa", 80, 10, t1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Less(tt.a, tt.b); got != tt.want {
				t.Errorf("Less() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssignTier(t *testing.T) {
	tests := []struct {
		name string
		in   TierInput
		want types.TrustTier
	}{
		{"local wins", TierInput{LocalSource: true, VerifiedPublisher: true}, types.TierLocal},
		{"direct url", TierInput{DirectURL: true}, types.TierUnknown},
		{"verified", TierInput{VerifiedPublisher: true}, types.TierVerified},
		{"curated", TierInput{OperatorCurated: true}, types.TierCurated},
		{"community", TierInput{LicenseRecognized: true, HasReadme: true, HasFrontmatter: true}, types.TierCommunity},
		{"experimental default", TierInput{HasReadme: true}, types.TierExperimental},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssignTier(tt.in); got != tt.want {
				t.Errorf("AssignTier() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyScanOutcome(t *testing.T) {
	tier, changed := ApplyScanOutcome(types.TierCommunity, types.RecommendQuarantine)
	if tier != types.TierUnknown || !changed {
		t.Errorf("quarantined community skill should downgrade to unknown, got %s", tier)
	}

	tier, changed = ApplyScanOutcome(types.TierCommunity, types.RecommendSafe)
	if tier != types.TierCommunity || changed {
		t.Errorf("safe scan should not change tier, got %s", tier)
	}

	tier, changed = ApplyScanOutcome(types.TierLocal, types.RecommendQuarantine)
	if tier != types.TierLocal || changed {
		t.Errorf("local tier never downgrades, got %s", tier)
	}
}
