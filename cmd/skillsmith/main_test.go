package main

import (
	"errors"
	"fmt"
	"testing"

	"skillsmith/internal/fetch"
	"skillsmith/internal/tool"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"generic", errors.New("boom"), exitError},
		{"empty query", &tool.Error{Kind: tool.KindEmptyQuery}, exitInvalidArgs},
		{"invalid filter", &tool.Error{Kind: tool.KindInvalidFilter}, exitInvalidArgs},
		{"identical ids", &tool.Error{Kind: tool.KindIdenticalIDs}, exitInvalidArgs},
		{"quarantined", &tool.Error{Kind: tool.KindQuarantined}, exitQuarantined},
		{"upstream", &tool.Error{Kind: tool.KindUpstreamUnavailable}, exitUpstream},
		{"not found", &tool.Error{Kind: tool.KindNotFound}, exitError},
		{"rate limited", fmt.Errorf("fetch: %w", fetch.ErrRateLimited), exitUpstream},
		{"blocked host", fmt.Errorf("dial: %w", fetch.ErrBlockedHost), exitUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 80); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := truncate("abcdefghij", 8)
	if long != "abcde..." {
		t.Errorf("truncate long = %q", long)
	}
}

func TestRemediationHint(t *testing.T) {
	if hint := remediationHint(&tool.Error{Kind: tool.KindEmptyQuery}); hint == "" {
		t.Error("no hint for empty query")
	}
	if hint := remediationHint(errors.New("boom")); hint != "" {
		t.Errorf("unexpected hint %q for a generic error", hint)
	}
}
