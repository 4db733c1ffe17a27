// Package fetch retrieves skill documents and repository signals from the
// upstream registry source (GitHub) under strict rate-limit, retry, and
// private-address policies.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"skillsmith/internal/config"
	"skillsmith/internal/logging"
	"skillsmith/internal/types"
)

var (
	// ErrRateLimited surfaces after the retry budget is exhausted against
	// upstream throttling.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound marks a candidate whose upstream content is gone.
	ErrNotFound = errors.New("upstream not found")
)

// RateLimit is the client's view of the upstream request budget.
type RateLimit struct {
	Limit         int       `json:"limit"`
	Remaining     int       `json:"remaining"`
	ResetAt       time.Time `json:"reset_at"`
	Authenticated bool      `json:"authenticated"`
}

// Document is the fetched content of one skill file plus its provenance.
type Document struct {
	Content  []byte
	Revision string
	Signals  types.RepoSignals
}

// Client talks to the upstream source API.
type Client struct {
	baseURL    string
	http       *http.Client
	authKind   string
	maxRetries int
	reserve    float64
	maxSize    int64

	mu   sync.Mutex
	rate RateLimit
}

// New builds a client from config. All outbound connections pass the
// private-address guard; authentication uses the strongest credential
// available.
func New(cfg config.FetchConfig) (*Client, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Second
	}

	base := &http.Client{
		Transport: NewGuardedTransport(),
		Timeout:   timeout,
	}

	src, kind, err := selectTokenSource(cfg.BaseURL, cfg.AppID, cfg.AppInstallationID, cfg.AppKeyPath, cfg.Token, base)
	if err != nil {
		return nil, err
	}

	httpClient := base
	if src != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, src)
		httpClient.Timeout = timeout
	}

	logging.Get(logging.CategoryFetch).Info("fetch client ready (auth=%s, base=%s)", kind, cfg.BaseURL)
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       httpClient,
		authKind:   kind,
		maxRetries: cfg.MaxRetries,
		reserve:    cfg.RateReserve,
		maxSize:    cfg.MaxContentSize,
		rate:       RateLimit{Remaining: -1, Authenticated: kind != "anonymous"},
	}, nil
}

// NewWithHTTPClient builds a client over a caller-supplied transport.
// Used by tests against local servers that the guard would reject.
func NewWithHTTPClient(baseURL string, httpClient *http.Client, maxRetries int, reserve float64) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       httpClient,
		authKind:   "anonymous",
		maxRetries: maxRetries,
		reserve:    reserve,
		maxSize:    10 << 20,
		rate:       RateLimit{Remaining: -1},
	}
}

// GetRateLimit returns the current budget, refreshing from upstream when
// the cached view is unknown.
func (c *Client) GetRateLimit(ctx context.Context) (RateLimit, error) {
	c.mu.Lock()
	cached := c.rate
	c.mu.Unlock()
	if cached.Remaining >= 0 {
		return cached, nil
	}

	var body struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.getJSON(ctx, "/rate_limit", &body); err != nil {
		return RateLimit{}, err
	}

	c.mu.Lock()
	c.rate = RateLimit{
		Limit:         body.Resources.Core.Limit,
		Remaining:     body.Resources.Core.Remaining,
		ResetAt:       time.Unix(body.Resources.Core.Reset, 0).UTC(),
		Authenticated: c.authKind != "anonymous",
	}
	cached = c.rate
	c.mu.Unlock()
	return cached, nil
}

// FetchDocument retrieves one file at an optional revision, together with
// the repository's popularity and activity signals.
func (c *Client) FetchDocument(ctx context.Context, repoID, path, revision string) (*Document, error) {
	timer := logging.StartTimer(logging.CategoryFetch, "fetch.FetchDocument")
	defer timer.Stop()

	contentURL := fmt.Sprintf("/repos/%s/contents/%s", repoID, url.PathEscape(path))
	if revision != "" {
		contentURL += "?ref=" + url.QueryEscape(revision)
	}

	content, err := c.getRaw(ctx, contentURL)
	if err != nil {
		return nil, err
	}
	if c.maxSize > 0 && int64(len(content)) > c.maxSize {
		return nil, fmt.Errorf("document %s/%s exceeds size cap (%d bytes)", repoID, path, len(content))
	}

	rev := revision
	if rev == "" {
		rev, err = c.headRevision(ctx, repoID, path)
		if err != nil {
			logging.Get(logging.CategoryFetch).Warn("revision lookup failed for %s: %v", repoID, err)
		}
	}

	signals, err := c.repoSignals(ctx, repoID)
	if err != nil {
		logging.Get(logging.CategoryFetch).Warn("signal fetch failed for %s: %v", repoID, err)
		signals = types.RepoSignals{}
	}

	return &Document{Content: content, Revision: rev, Signals: signals}, nil
}

// headRevision returns the sha of the latest commit touching path.
func (c *Client) headRevision(ctx context.Context, repoID, path string) (string, error) {
	var commits []struct {
		SHA string `json:"sha"`
	}
	endpoint := fmt.Sprintf("/repos/%s/commits?per_page=1&path=%s", repoID, url.QueryEscape(path))
	if err := c.getJSON(ctx, endpoint, &commits); err != nil {
		return "", err
	}
	if len(commits) == 0 {
		return "", nil
	}
	return commits[0].SHA, nil
}

// repoSignals fetches star/fork/issue/license metadata for scoring.
func (c *Client) repoSignals(ctx context.Context, repoID string) (types.RepoSignals, error) {
	var repo struct {
		Stars      int    `json:"stargazers_count"`
		Forks      int    `json:"forks_count"`
		Watchers   int    `json:"subscribers_count"`
		OpenIssues int    `json:"open_issues_count"`
		UpdatedAt  string `json:"pushed_at"`
		License    *struct {
			SPDXID string `json:"spdx_id"`
		} `json:"license"`
		Owner struct {
			Type string `json:"type"`
		} `json:"owner"`
	}
	if err := c.getJSON(ctx, "/repos/"+repoID, &repo); err != nil {
		return types.RepoSignals{}, err
	}

	signals := types.RepoSignals{
		Stars:      repo.Stars,
		Forks:      repo.Forks,
		Watchers:   repo.Watchers,
		OpenIssues: repo.OpenIssues,
	}
	if repo.License != nil {
		signals.License = repo.License.SPDXID
	}
	if t, err := time.Parse(time.RFC3339, repo.UpdatedAt); err == nil {
		signals.UpdatedAt = t.UTC()
	}

	if n, err := c.contributorCount(ctx, repoID); err == nil {
		signals.Contributors = n
	}
	return signals, nil
}

// contributorCount reads the Link header's last-page number with
// per_page=1, which equals the contributor total.
func (c *Client) contributorCount(ctx context.Context, repoID string) (int, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/contributors?per_page=1&anon=false", c.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	c.noteRateHeaders(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("contributors returned %d", resp.StatusCode)
	}
	if n := lastPageFromLink(resp.Header.Get("Link")); n > 0 {
		return n, nil
	}
	return 1, nil
}

// lastPageFromLink extracts the page number of the rel="last" link.
func lastPageFromLink(link string) int {
	for _, part := range strings.Split(link, ",") {
		if !strings.Contains(part, `rel="last"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start < 0 || end <= start {
			continue
		}
		u, err := url.Parse(part[start+1 : end])
		if err != nil {
			continue
		}
		if n, err := strconv.Atoi(u.Query().Get("page")); err == nil {
			return n
		}
	}
	return 0
}

// getRaw performs a GET with the raw media type, retrying per policy.
func (c *Client) getRaw(ctx context.Context, endpoint string) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, func() error {
		body, err := c.doOnce(ctx, endpoint, "application/vnd.github.raw+json")
		if err != nil {
			return err
		}
		out = body
		return nil
	})
	return out, err
}

// getJSON performs a GET and decodes the JSON response, retrying per policy.
func (c *Client) getJSON(ctx context.Context, endpoint string, v interface{}) error {
	return c.withRetry(ctx, func() error {
		body, err := c.doOnce(ctx, endpoint, "application/vnd.github+json")
		if err != nil {
			return err
		}
		return json.Unmarshal(body, v)
	})
}

// withRetry wraps an operation in exponential backoff with jitter.
// Blocked hosts and missing documents are permanent.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second

	retries := c.maxRetries
	if retries <= 0 {
		retries = 3
	}

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBlockedHost) || errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		logging.Get(logging.CategoryFetch).Debug("retrying after error: %v", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
}

// doOnce issues a single request, updating the rate-limit view from the
// response headers and classifying the status.
func (c *Client) doOnce(ctx context.Context, endpoint, accept string) ([]byte, error) {
	if err := c.waitBudget(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.noteRateHeaders(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, endpoint)
	default:
		return nil, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, endpoint)
	}
}

// waitBudget throttles when the remaining budget drops below the reserve
// fraction, sleeping until the reset horizon or context cancellation.
func (c *Client) waitBudget(ctx context.Context) error {
	c.mu.Lock()
	rate := c.rate
	c.mu.Unlock()

	if rate.Remaining < 0 || rate.Limit == 0 {
		return nil
	}
	floor := int(float64(rate.Limit) * c.reserve)
	if rate.Remaining > floor {
		return nil
	}

	wait := time.Until(rate.ResetAt)
	if wait <= 0 {
		return nil
	}
	logging.Get(logging.CategoryFetch).Warn("budget at reserve (%d/%d), waiting %s for reset",
		rate.Remaining, rate.Limit, wait.Round(time.Second))

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrRateLimited, ctx.Err())
	}
}

// noteRateHeaders folds X-RateLimit-* headers into the cached budget.
func (c *Client) noteRateHeaders(resp *http.Response) {
	limit, err1 := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if err1 != nil || err2 != nil {
		return
	}
	c.mu.Lock()
	c.rate.Limit = limit
	c.rate.Remaining = remaining
	if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		c.rate.ResetAt = time.Unix(reset, 0).UTC()
	}
	c.mu.Unlock()
}
