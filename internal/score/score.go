// Package score computes the deterministic composite quality score and
// assigns trust tiers. All inputs come from stored signals; the same
// signals always produce the same score.
package score

import (
	"math"
	"regexp"
	"strings"
	"time"

	"skillsmith/internal/logging"
	"skillsmith/internal/types"
)

// Sub-score caps.
const (
	MaxPopularity    = 30
	MaxActivity      = 25
	MaxDocumentation = 25
	MaxTrust         = 20
)

// recognizedLicenses earn the license trust bonus.
var recognizedLicenses = map[string]bool{
	"mit":          true,
	"apache-2.0":   true,
	"bsd-2-clause": true,
	"bsd-3-clause": true,
	"mpl-2.0":      true,
	"isc":          true,
	"unlicense":    true,
	"cc0-1.0":      true,
}

// recognizedTopics earn the topic-tag trust bonus.
var recognizedTopics = map[string]bool{
	"agent-skill":   true,
	"agent-skills":  true,
	"claude-skill":  true,
	"claude-skills": true,
	"ai-skill":      true,
	"coding-agent":  true,
}

var headingCountRe = regexp.MustCompile(`(?m)^#{1,3} \S`)
var codeFenceRe = regexp.MustCompile("(?m)^```")

// Input carries everything the scorer reads.
type Input struct {
	Signals           types.RepoSignals
	Description       string
	Tags              []string
	Body              string // canonical skill body
	VerifiedPublisher bool
	Now               time.Time

	// LinearPopularity switches popularity to the legacy linear buckets
	// instead of log scaling.
	LinearPopularity bool
}

// Compute produces the sub-scores and clamped composite.
func Compute(in Input) (int, types.SubScores) {
	timer := logging.StartTimer(logging.CategoryScore, "score.Compute")
	defer timer.Stop()

	sub := types.SubScores{
		Popularity:    popularity(in.Signals, in.LinearPopularity),
		Activity:      activity(in.Signals, in.Now),
		Documentation: documentation(in),
		Trust:         trust(in),
	}

	composite := sub.Popularity + sub.Activity + sub.Documentation + sub.Trust
	if composite < 0 {
		composite = 0
	}
	if composite > 100 {
		composite = 100
	}
	return composite, sub
}

// logBucket maps a count onto [0,1] with log10 scaling saturating at 10^4.
func logBucket(n int) float64 {
	if n < 0 {
		n = 0
	}
	v := math.Log10(float64(n)+1) / 4
	if v > 1 {
		return 1
	}
	return v
}

// linearBucket maps a count onto [0,1] linearly, saturating at 1000.
func linearBucket(n int) float64 {
	if n < 0 {
		n = 0
	}
	if n > 1000 {
		n = 1000
	}
	return float64(n) / 1000
}

// popularity: 15*stars + 10*forks + 5*watchers, each bucketed.
func popularity(s types.RepoSignals, linear bool) int {
	bucket := logBucket
	if linear {
		bucket = linearBucket
	}
	raw := 15*bucket(s.Stars) + 10*bucket(s.Forks) + 5*bucket(s.Watchers)
	return int(math.Round(raw))
}

// activity: recency decay + issue health + contributor bucket.
func activity(s types.RepoSignals, now time.Time) int {
	pts := 0

	if !s.UpdatedAt.IsZero() {
		days := int(now.Sub(s.UpdatedAt).Hours() / 24)
		switch {
		case days <= 30:
			pts += 10
		case days <= 90:
			pts += 8
		case days <= 180:
			pts += 5
		default:
			pts += 2
		}
	}

	switch {
	case s.OpenIssues < 10:
		pts += 8
	case s.OpenIssues < 50:
		pts += 5
	case s.OpenIssues < 200:
		pts += 3
	default:
		pts += 1
	}

	switch {
	case s.Contributors >= 10:
		pts += 7
	case s.Contributors >= 5:
		pts += 5
	case s.Contributors >= 2:
		pts += 3
	case s.Contributors >= 1:
		pts += 1
	}

	if pts > MaxActivity {
		pts = MaxActivity
	}
	return pts
}

// documentation: body structure + README presence + description clarity.
func documentation(in Input) int {
	pts := 0

	// Body length and structure (max 12)
	bodyLen := len(in.Body)
	switch {
	case bodyLen >= 2000:
		pts += 6
	case bodyLen >= 500:
		pts += 4
	case bodyLen >= 200:
		pts += 2
	}
	headings := len(headingCountRe.FindAllString(in.Body, -1))
	switch {
	case headings >= 4:
		pts += 4
	case headings >= 2:
		pts += 2
	case headings >= 1:
		pts += 1
	}
	if codeFenceRe.MatchString(in.Body) {
		pts += 2
	}

	// README presence (max 6)
	if in.Signals.HasReadme {
		pts += 6
	}

	// Description clarity (max 7)
	desc := strings.TrimSpace(in.Description)
	if len(desc) >= 20 {
		pts += 3
	}
	if strings.ContainsAny(desc, ".!?") {
		pts += 2
	}
	if strings.Contains(strings.ToLower(in.Body), "example") {
		pts += 2
	}

	if pts > MaxDocumentation {
		pts = MaxDocumentation
	}
	return pts
}

// trust: license allowlist + verified publisher + recognized topic tags.
func trust(in Input) int {
	pts := 0

	if recognizedLicenses[strings.ToLower(in.Signals.License)] {
		pts += 8
	}
	if in.VerifiedPublisher {
		pts += 7
	}
	for _, tag := range in.Tags {
		if recognizedTopics[strings.ToLower(tag)] {
			pts += 5
			break
		}
	}

	if pts > MaxTrust {
		pts = MaxTrust
	}
	return pts
}

// Less orders skills for tie-breaking: higher composite first, then higher
// popularity, then newer last-updated, then lexical skill id.
func Less(a, b *types.Skill) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.SubScores.Popularity != b.SubScores.Popularity {
		return a.SubScores.Popularity > b.SubScores.Popularity
	}
	if !a.Signals.UpdatedAt.Equal(b.Signals.UpdatedAt) {
		return a.Signals.UpdatedAt.After(b.Signals.UpdatedAt)
	}
	return a.ID() < b.ID()
}
