package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"skillsmith/internal/logging"
)

// indexingQueries is the fixed set of upstream searches used to discover
// skill documents. Each query is paged independently; the cursor records
// where in the sequence the caller stopped.
var indexingQueries = []string{
	`filename:SKILL.md`,
	`filename:skill.md path:skills`,
	`topic:agent-skill filename:*.md`,
	`topic:claude-skill filename:*.md`,
}

const searchPageSize = 100

// Candidate is one discovered document reference.
type Candidate struct {
	RepoID string `json:"repo_id"` // owner/name
	Path   string `json:"path"`
}

// CandidatePage is one page of discovery results plus the resume cursor.
type CandidatePage struct {
	Candidates []Candidate
	NextCursor string // empty when the sequence is exhausted
}

// cursor locates a position in the query sequence. Serialized opaquely so
// the scheduler can persist it without knowing the structure.
type cursor struct {
	QueryIndex int `json:"q"`
	Page       int `json:"p"`
}

func decodeCursor(s string) (cursor, error) {
	if s == "" {
		return cursor{QueryIndex: 0, Page: 1}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.QueryIndex < 0 || c.Page < 1 {
		return cursor{}, fmt.Errorf("invalid cursor position %d/%d", c.QueryIndex, c.Page)
	}
	return c, nil
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(raw)
}

// SearchCandidates returns the next page of discovered documents. Pass an
// empty cursor to start from the beginning; pass the returned NextCursor
// to resume. An empty NextCursor means the finite sequence is done.
func (c *Client) SearchCandidates(ctx context.Context, resumeCursor string) (*CandidatePage, error) {
	timer := logging.StartTimer(logging.CategoryFetch, "fetch.SearchCandidates")
	defer timer.Stop()

	pos, err := decodeCursor(resumeCursor)
	if err != nil {
		return nil, err
	}
	if pos.QueryIndex >= len(indexingQueries) {
		return &CandidatePage{}, nil
	}

	query := indexingQueries[pos.QueryIndex]
	endpoint := fmt.Sprintf("/search/code?q=%s&per_page=%d&page=%d",
		url.QueryEscape(query), searchPageSize, pos.Page)

	var body struct {
		TotalCount int `json:"total_count"`
		Items      []struct {
			Path       string `json:"path"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		} `json:"items"`
	}
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return nil, fmt.Errorf("candidate search failed at %q page %d: %w", query, pos.Page, err)
	}

	page := &CandidatePage{Candidates: make([]Candidate, 0, len(body.Items))}
	for _, item := range body.Items {
		page.Candidates = append(page.Candidates, Candidate{
			RepoID: item.Repository.FullName,
			Path:   item.Path,
		})
	}

	// Advance: next page of the same query while results keep coming,
	// otherwise the next query from its first page.
	next := pos
	if len(body.Items) == searchPageSize {
		next.Page++
	} else {
		next.QueryIndex++
		next.Page = 1
	}
	if next.QueryIndex < len(indexingQueries) {
		page.NextCursor = encodeCursor(next)
	}

	logging.Get(logging.CategoryFetch).Debug("query %q page %d returned %d candidates",
		query, pos.Page, len(page.Candidates))
	return page, nil
}
