// internal/github/client.go
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github.com/phrazzld/gitpulse-sub011/internal/model"
	"github.com/phrazzld/gitpulse-sub011/internal/ratelimit"
)

// DefaultTimeout is the HTTP timeout applied to clients built here.
const DefaultTimeout = 30 * time.Second

// Client is a wrapper around the go-github client. Every call fetches at most
// one page; walking pages is the caller's job so cursors stay in its hands.
//
// When a guard is attached, each call consults it first and feeds it the
// rate headers of the response afterwards.
type Client struct {
	gh     *github.Client
	guard  *ratelimit.Guard
	logger *slog.Logger
}

// NewClient wraps an already authenticated http.Client. baseURL overrides the
// API root (GitHub Enterprise or a test server); empty means api.github.com.
func NewClient(httpClient *http.Client, baseURL string, guard *ratelimit.Guard, logger *slog.Logger) (*Client, error) {
	gh := github.NewClient(httpClient)
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse GitHub API URL: %w", err)
		}
		gh.BaseURL = u
	}
	return &Client{gh: gh, guard: guard, logger: logger}, nil
}

// NewTokenClient creates a client authenticated with a static OAuth token.
func NewTokenClient(ctx context.Context, token, baseURL string, guard *ratelimit.Guard, logger *slog.Logger) (*Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = DefaultTimeout
	return NewClient(tc, baseURL, guard, logger)
}

// Guard returns the attached rate-limit guard, if any.
func (c *Client) Guard() *ratelimit.Guard {
	return c.guard
}

// WithGuard returns a copy of the client that reports to guard.
func (c *Client) WithGuard(guard *ratelimit.Guard) *Client {
	clone := *c
	clone.guard = guard
	return &clone
}

// CommitQuery holds the server-side commit filters. Until is inclusive here,
// matching the API.
type CommitQuery struct {
	Since  time.Time
	Until  time.Time
	Author string
}

// CurrentUser fetches the authenticated user. It is the identity check for
// OAuth tokens and also returns the quota seen on the response.
func (c *Client) CurrentUser(ctx context.Context) (*github.User, model.RateLimitInfo, error) {
	if err := c.before(ctx); err != nil {
		return nil, model.RateLimitInfo{}, err
	}
	user, resp, err := c.gh.Users.Get(ctx, "")
	info := c.after(resp)
	if err != nil {
		return nil, info, err
	}
	return user, info, nil
}

// ListUserRepositories fetches one page of repositories visible to the user.
func (c *Client) ListUserRepositories(ctx context.Context, page, perPage int) ([]model.Repository, int, error) {
	if err := c.before(ctx); err != nil {
		return nil, 0, err
	}
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Visibility:  "all",
		Affiliation: "owner,collaborator,organization_member",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}
	c.logger.Debug("Fetching user repositories page", "page", page, "per_page", perPage)

	repos, resp, err := c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
	c.after(resp)
	if err != nil {
		return nil, 0, err
	}
	out := make([]model.Repository, 0, len(repos))
	for _, r := range repos {
		out = append(out, toInternalRepository(r))
	}
	return out, resp.NextPage, nil
}

// ListInstallationRepositories fetches one page of repositories the App
// installation was granted.
func (c *Client) ListInstallationRepositories(ctx context.Context, page, perPage int) ([]model.Repository, int, error) {
	if err := c.before(ctx); err != nil {
		return nil, 0, err
	}
	c.logger.Debug("Fetching installation repositories page", "page", page, "per_page", perPage)

	list, resp, err := c.gh.Apps.ListRepos(ctx, &github.ListOptions{Page: page, PerPage: perPage})
	c.after(resp)
	if err != nil {
		return nil, 0, err
	}
	out := make([]model.Repository, 0, len(list.Repositories))
	for _, r := range list.Repositories {
		out = append(out, toInternalRepository(r))
	}
	return out, resp.NextPage, nil
}

// ListCommits fetches one page of commits for a repository.
func (c *Client) ListCommits(ctx context.Context, owner, name string, q CommitQuery, page, perPage int) ([]model.Commit, int, error) {
	if err := c.before(ctx); err != nil {
		return nil, 0, err
	}
	opts := &github.CommitsListOptions{
		Author:      q.Author,
		Since:       q.Since,
		Until:       q.Until,
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: perPage,
		},
	}
	c.logger.Debug("Fetching commits page", "owner", owner, "repo", name, "page", page)

	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
	c.after(resp)
	if err != nil {
		return nil, 0, err
	}
	fullName := owner + "/" + name
	out := make([]model.Commit, 0, len(commits))
	for _, commit := range commits {
		out = append(out, toInternalCommit(commit, fullName))
	}
	return out, resp.NextPage, nil
}

// GetCommitStats fetches line-change totals for one commit.
func (c *Client) GetCommitStats(ctx context.Context, owner, name, sha string) (additions, deletions int, err error) {
	if err := c.before(ctx); err != nil {
		return 0, 0, err
	}
	commit, resp, err := c.gh.Repositories.GetCommit(ctx, owner, name, sha, nil)
	c.after(resp)
	if err != nil {
		return 0, 0, err
	}
	return commit.GetStats().GetAdditions(), commit.GetStats().GetDeletions(), nil
}

// ListUserInstallations returns every App installation the user can access.
func (c *Client) ListUserInstallations(ctx context.Context) ([]model.Installation, error) {
	var all []model.Installation
	opts := &github.ListOptions{PerPage: 100}
	for {
		if err := c.before(ctx); err != nil {
			return nil, err
		}
		installs, resp, err := c.gh.Apps.ListUserInstallations(ctx, opts)
		c.after(resp)
		if err != nil {
			return nil, err
		}
		for _, inst := range installs {
			all = append(all, toInternalInstallation(inst))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ListAppInstallations returns every installation of the App. The client must
// be authenticated with the App JWT.
func (c *Client) ListAppInstallations(ctx context.Context) ([]model.Installation, error) {
	var all []model.Installation
	opts := &github.ListOptions{PerPage: 100}
	for {
		installs, resp, err := c.gh.Apps.ListInstallations(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, inst := range installs {
			all = append(all, toInternalInstallation(inst))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetInstallation fetches one installation. The client must be authenticated
// with the App JWT. It is the identity check for installation credentials.
func (c *Client) GetInstallation(ctx context.Context, id int64) (model.Installation, model.RateLimitInfo, error) {
	inst, resp, err := c.gh.Apps.GetInstallation(ctx, id)
	info := rateInfo(resp)
	if err != nil {
		return model.Installation{}, info, err
	}
	return toInternalInstallation(inst), info, nil
}

// RateLimit fetches the core quota. The endpoint does not count against the
// quota, so it is not guarded.
func (c *Client) RateLimit(ctx context.Context) (model.RateLimitInfo, error) {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return model.RateLimitInfo{}, err
	}
	core := limits.GetCore()
	if core == nil {
		return model.RateLimitInfo{}, fmt.Errorf("rate limit response has no core bucket")
	}
	return model.NewRateLimitInfo(core.Limit, core.Remaining, core.Reset.Unix()), nil
}

func (c *Client) before(ctx context.Context) error {
	if c.guard == nil {
		return nil
	}
	return c.guard.Guard(ctx)
}

func (c *Client) after(resp *github.Response) model.RateLimitInfo {
	info := rateInfo(resp)
	if c.guard != nil {
		c.guard.Observe(info)
	}
	return info
}

func rateInfo(resp *github.Response) model.RateLimitInfo {
	if resp == nil || resp.Rate.Limit == 0 {
		return model.RateLimitInfo{}
	}
	return model.NewRateLimitInfo(resp.Rate.Limit, resp.Rate.Remaining, resp.Rate.Reset.Unix())
}

// toInternalRepository translates a github.Repository object to our internal model.Repository.
func toInternalRepository(r *github.Repository) model.Repository {
	return model.Repository{
		ID:            r.GetID(),
		FullName:      r.GetFullName(),
		OwnerLogin:    r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		IsPrivate:     r.GetPrivate(),
		Description:   r.GetDescription(),
		URL:           r.GetHTMLURL(),
		Language:      r.GetLanguage(),
		DefaultBranch: r.GetDefaultBranch(),
		UpdatedAt:     r.GetUpdatedAt().Time,
	}
}

// toInternalCommit translates a github.RepositoryCommit object to our internal model.Commit.
func toInternalCommit(c *github.RepositoryCommit, repoFullName string) model.Commit {
	return model.Commit{
		SHA:                c.GetSHA(),
		AuthorLogin:        c.GetAuthor().GetLogin(),
		AuthorName:         c.GetCommit().GetAuthor().GetName(),
		Message:            c.GetCommit().GetMessage(),
		Timestamp:          c.GetCommit().GetAuthor().GetDate().Time,
		Additions:          c.GetStats().GetAdditions(),
		Deletions:          c.GetStats().GetDeletions(),
		RepositoryFullName: repoFullName,
		URL:                c.GetHTMLURL(),
	}
}

func toInternalInstallation(i *github.Installation) model.Installation {
	return model.Installation{
		ID:           i.GetID(),
		AccountLogin: i.GetAccount().GetLogin(),
		TargetType:   i.GetTargetType(),
	}
}
