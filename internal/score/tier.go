package score

import (
	"strings"

	"skillsmith/internal/types"
)

// TierInput carries the signals the tier ladder reads.
type TierInput struct {
	VerifiedPublisher bool
	OperatorCurated   bool // set out-of-band by operators
	LicenseRecognized bool
	HasReadme         bool
	HasFrontmatter    bool
	LocalSource       bool // user-supplied filesystem item
	DirectURL         bool // ad-hoc item fetched outside the indexing queries
}

// AssignTier walks the trust ladder top down. Operator overrides per skill
// are applied by the caller after this.
func AssignTier(in TierInput) types.TrustTier {
	switch {
	case in.LocalSource:
		return types.TierLocal
	case in.DirectURL:
		return types.TierUnknown
	case in.VerifiedPublisher:
		return types.TierVerified
	case in.OperatorCurated:
		return types.TierCurated
	case in.LicenseRecognized && in.HasReadme && in.HasFrontmatter:
		return types.TierCommunity
	default:
		return types.TierExperimental
	}
}

// ApplyScanOutcome downgrades a skill whose scan recommends quarantine.
// Restoration to the prior tier requires manual review; a clean rescan
// alone re-runs the ladder.
func ApplyScanOutcome(current types.TrustTier, rec types.Recommendation) (types.TrustTier, bool) {
	if rec == types.RecommendQuarantine && current != types.TierLocal && current != types.TierUnknown {
		return types.TierUnknown, true
	}
	return current, false
}

// LicenseRecognized reports whether the license tag is in the allowlist.
func LicenseRecognized(license string) bool {
	return recognizedLicenses[strings.ToLower(license)]
}
