package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/clintrovert/foreman/pkg/types"
)

var (
	// ErrRateLimited means the host refused the call because the quota is spent.
	ErrRateLimited = errors.New("github rate limit exhausted")
	// ErrNotFound means the repository or resource does not exist.
	ErrNotFound = errors.New("github resource not found")
	// ErrTransport covers network failures, timeouts and 5xx responses.
	ErrTransport = errors.New("github transport failure")
	// ErrNoChanges is returned when the head branch has no commits over base.
	ErrNoChanges = errors.New("no commits between base and head")
	// ErrAlreadyExists is returned when an open pull request already uses the head.
	ErrAlreadyExists = errors.New("pull request already exists")
)

// Rate is the quota snapshot reported by the most recent response.
type Rate struct {
	Remaining int
	Reset     time.Time
	// Known is false when the response carried no rate headers.
	Known bool
}

// PullList is the result of a conditional pull request listing.
type PullList struct {
	NotModified bool
	ETag        string
	Pulls       []types.PullRequest
	Rate        Rate
}

// Client wraps the GitHub REST API
type Client struct {
	apiClient *github.Client
	logger    *zap.Logger
	timeout   time.Duration
}

// NewClient creates a new GitHub client. baseURL may be empty for github.com.
func NewClient(accessToken, baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	var hc *http.Client
	if accessToken != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: accessToken},
		)
		hc = oauth2.NewClient(context.Background(), ts)
	}

	api := github.NewClient(hc)
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse github base url: %w", err)
		}
		api.BaseURL = u
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiClient: api,
		logger:    logger,
		timeout:   timeout,
	}, nil
}

// ListPulls lists pull requests in one state, most recently updated first.
// A non-empty etag is sent as If-None-Match; a 304 comes back as NotModified
// with no pulls.
func (c *Client) ListPulls(ctx context.Context, owner, repo, state, etag string) (PullList, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("state", state)
	q.Set("sort", "updated")
	q.Set("direction", "desc")
	q.Set("per_page", "30")
	u := fmt.Sprintf("repos/%s/%s/pulls?%s", owner, repo, q.Encode())

	req, err := c.apiClient.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return PullList{}, fmt.Errorf("failed to build request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	var pulls []*github.PullRequest
	resp, err := c.apiClient.Do(ctx, req, &pulls)

	out := PullList{Rate: rateOf(resp)}
	if resp != nil && resp.StatusCode == http.StatusNotModified {
		out.NotModified = true
		out.ETag = etag
		return out, nil
	}
	if err != nil {
		return out, classify(fmt.Sprintf("list %s pulls for %s/%s", state, owner, repo), resp, err)
	}

	out.ETag = resp.Header.Get("ETag")
	out.Pulls = make([]types.PullRequest, 0, len(pulls))
	for _, pr := range pulls {
		out.Pulls = append(out.Pulls, convert(pr))
	}
	return out, nil
}

// ListOpen returns every open pull request.
func (c *Client) ListOpen(ctx context.Context, owner, repo string) ([]types.PullRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []types.PullRequest
	for {
		pulls, resp, err := c.apiClient.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify(fmt.Sprintf("list open pulls for %s/%s", owner, repo), resp, err)
		}
		for _, pr := range pulls {
			out = append(out, convert(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// FindOpenByHead returns the open pull request whose head is branch, or nil.
func (c *Client) FindOpenByHead(ctx context.Context, owner, repo, branch, base string) (*types.PullRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pulls, resp, err := c.apiClient.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        owner + ":" + branch,
		Base:        base,
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("find pull for head %s", branch), resp, err)
	}
	if len(pulls) == 0 {
		return nil, nil
	}
	pr := convert(pulls[0])
	return &pr, nil
}

// FindOpenByTaskID returns the first open pull request whose title contains taskID.
func (c *Client) FindOpenByTaskID(ctx context.Context, owner, repo, taskID string) (*types.PullRequest, error) {
	pulls, err := c.ListOpen(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	for i := range pulls {
		if strings.Contains(pulls[i].Title, taskID) {
			return &pulls[i], nil
		}
	}
	return nil, nil
}

// OpenPullRequest opens a pull request from head into base.
func (c *Client) OpenPullRequest(ctx context.Context, owner, repo, head, base, title, body string) (*types.PRInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	newPR := &github.NewPullRequest{
		Title:               github.String(title),
		Head:                github.String(head),
		Base:                github.String(base),
		Body:                github.String(body),
		MaintainerCanModify: github.Bool(true),
	}

	pr, resp, err := c.apiClient.PullRequests.Create(ctx, owner, repo, newPR)
	if err != nil {
		return nil, classify("create pull request", resp, err)
	}

	prInfo := &types.PRInfo{
		PRNumber:    int64(pr.GetNumber()),
		PRURL:       pr.GetHTMLURL(),
		Title:       pr.GetTitle(),
		Description: pr.GetBody(),
		Status:      pr.GetState(),
		HeadRef:     pr.GetHead().GetRef(),
	}

	c.logger.Info("created pull request",
		zap.String("owner", owner),
		zap.String("repo", repo),
		zap.Int64("pr_number", prInfo.PRNumber),
		zap.String("pr_url", prInfo.PRURL),
	)

	return prInfo, nil
}

// Comment posts an issue comment on a pull request and returns its URL.
func (c *Client) Comment(ctx context.Context, owner, repo string, number int, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	comment, resp, err := c.apiClient.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("comment on #%d", number), resp, err)
	}
	return comment.GetHTMLURL(), nil
}

// ListFiles returns the paths changed by a pull request.
func (c *Client) ListFiles(ctx context.Context, owner, repo string, number int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := &github.ListOptions{PerPage: 100}
	var files []string
	for {
		page, resp, err := c.apiClient.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classify(fmt.Sprintf("list files of #%d", number), resp, err)
		}
		for _, f := range page {
			files = append(files, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

func convert(pr *github.PullRequest) types.PullRequest {
	out := types.PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseRef: pr.GetBase().GetRef(),
		URL:     pr.GetHTMLURL(),
	}
	if pr.MergedAt != nil && !pr.MergedAt.Time.IsZero() {
		t := pr.MergedAt.Time.UTC()
		out.MergedAt = &t
		out.Merged = true
	}
	return out
}

func rateOf(resp *github.Response) Rate {
	if resp == nil || resp.Response == nil || resp.Header.Get("X-RateLimit-Remaining") == "" {
		return Rate{}
	}
	return Rate{
		Remaining: resp.Rate.Remaining,
		Reset:     resp.Rate.Reset.Time,
		Known:     true,
	}
}

// classify maps a go-github failure onto the package sentinels.
func classify(op string, resp *github.Response, err error) error {
	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return fmt.Errorf("failed to %s: %w: %v", op, ErrRateLimited, err)
	}

	if resp == nil || resp.Response == nil {
		return fmt.Errorf("failed to %s: %w: %v", op, ErrTransport, err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return fmt.Errorf("failed to %s: %w", op, ErrNotFound)
	case code == http.StatusTooManyRequests,
		code == http.StatusForbidden && resp.Rate.Remaining == 0 && resp.Header.Get("X-RateLimit-Remaining") != "":
		return fmt.Errorf("failed to %s: %w", op, ErrRateLimited)
	case code == http.StatusUnprocessableEntity:
		msg := strings.ToLower(validationMessage(err))
		switch {
		case strings.Contains(msg, "no commits between"):
			return fmt.Errorf("failed to %s: %w", op, ErrNoChanges)
		case strings.Contains(msg, "already exists"):
			return fmt.Errorf("failed to %s: %w", op, ErrAlreadyExists)
		}
	case code >= 500:
		return fmt.Errorf("failed to %s: %w: status %d", op, ErrTransport, code)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func validationMessage(err error) string {
	var er *github.ErrorResponse
	if !errors.As(err, &er) {
		return err.Error()
	}
	parts := []string{er.Message}
	for _, e := range er.Errors {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, " ")
}
