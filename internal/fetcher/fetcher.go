// internal/fetcher/fetcher.go
package fetcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/phrazzld/gitpulse-sub011/internal/auth"
	"github.com/phrazzld/gitpulse-sub011/internal/batch"
	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
	"github.com/phrazzld/gitpulse-sub011/internal/github"
	"github.com/phrazzld/gitpulse-sub011/internal/model"
)

const (
	// MaxPerPage is the largest page GitHub serves.
	MaxPerPage = 100
	// DefaultPerPage is used when the caller passes no limit.
	DefaultPerPage = 30
)

// API is the slice of the GitHub client the fetcher needs.
type API interface {
	ListUserRepositories(ctx context.Context, page, perPage int) ([]model.Repository, int, error)
	ListInstallationRepositories(ctx context.Context, page, perPage int) ([]model.Repository, int, error)
	ListCommits(ctx context.Context, owner, name string, q github.CommitQuery, page, perPage int) ([]model.Commit, int, error)
	GetCommitStats(ctx context.Context, owner, name, sha string) (int, int, error)
}

// Source is an API bound to the AuthContext it was authenticated as.
type Source struct {
	Auth model.AuthContext
	API  API
}

// FromHandle adapts a resolved handle.
func FromHandle(h *auth.Handle) Source {
	return Source{Auth: h.Context, API: h.Client}
}

// Fetcher walks paginated GitHub collections one page at a time.
type Fetcher struct {
	batch  batch.Options
	logger *slog.Logger
}

// New creates a Fetcher. batchOpts bounds the multi-repository fan-out.
func New(batchOpts batch.Options, logger *slog.Logger) *Fetcher {
	return &Fetcher{batch: batchOpts, logger: logger}
}

// FetchRepositories fetches one page of repositories visible to the identity:
// the user's repositories for OAuth, the granted repositories for an App
// installation. Repositories are deduplicated by full name within the page.
func (f *Fetcher) FetchRepositories(ctx context.Context, src Source, cursorToken string, limit int) (model.PageResult[model.Repository], error) {
	cur, err := decodeCursor(cursorToken)
	if err != nil {
		return model.PageResult[model.Repository]{}, custom_errors.Classify(err)
	}
	page := max(cur.Page, 1)
	perPage := clampLimit(limit)

	var repos []model.Repository
	var next int
	if src.Auth.Kind == model.AuthKindApp {
		repos, next, err = src.API.ListInstallationRepositories(ctx, page, perPage)
	} else {
		repos, next, err = src.API.ListUserRepositories(ctx, page, perPage)
	}
	if err != nil {
		ce := custom_errors.Classify(err)
		if ce.Kind == custom_errors.KindNotFound {
			f.logger.Info("Repository listing not found, returning empty page", "auth", src.Auth.Kind)
			return model.EmptyPage[model.Repository](), nil
		}
		return model.PageResult[model.Repository]{}, ce
	}

	seen := make(map[string]struct{}, len(repos))
	out := make([]model.Repository, 0, len(repos))
	for _, r := range repos {
		if _, dup := seen[r.FullName]; dup {
			continue
		}
		seen[r.FullName] = struct{}{}
		out = append(out, r)
	}
	return model.NewPage(out, pageCursor(next)), nil
}

// repoPage is the result of fetching one page of one repository.
type repoPage struct {
	repo    string
	commits []model.Commit
	next    int
}

// FetchCommits fetches the next page of commits across the repositories named
// by the filter. Each call requests exactly one page from every repository
// that still has pages, so pages of a repository are always requested in
// order. Results are merged newest first and deduplicated by sha within each
// repository. A repository that cannot be found contributes nothing.
//
// limit is the page size requested from each repository.
func (f *Fetcher) FetchCommits(ctx context.Context, src Source, filter model.CommitFilter, cursorToken string, limit int) (model.PageResult[model.Commit], error) {
	cur, err := decodeCursor(cursorToken)
	if err != nil {
		return model.PageResult[model.Commit]{}, custom_errors.Classify(err)
	}

	pages := cur.Repos
	if cursorToken == "" {
		names, err := f.repositorySet(ctx, src, filter)
		if err != nil {
			return model.PageResult[model.Commit]{}, err
		}
		pages = make(map[string]int, len(names))
		for _, n := range names {
			pages[n] = 1
		}
	}
	if len(pages) == 0 {
		return model.EmptyPage[model.Commit](), nil
	}

	names := make([]string, 0, len(pages))
	for n := range pages {
		names = append(names, n)
	}
	sort.Strings(names)

	perPage := clampLimit(limit)
	query := commitQuery(filter)
	logger := f.logger.With("repositories", len(names), "per_page", perPage)
	logger.Debug("Fetching commit page")

	results, err := batch.Run(ctx, names, f.batch, func(ctx context.Context, group []string) ([]repoPage, error) {
		out := make([]repoPage, 0, len(group))
		for _, full := range group {
			owner, name, err := model.ParseFullName(full)
			if err != nil {
				return nil, err
			}
			commits, next, err := src.API.ListCommits(ctx, owner, name, query, pages[full], perPage)
			if err != nil {
				if custom_errors.IsNotFound(err) {
					logger.Info("Repository not found, treating as empty", "repo", full)
					out = append(out, repoPage{repo: full})
					continue
				}
				return nil, err
			}
			out = append(out, repoPage{repo: full, commits: commits, next: next})
		}
		return out, nil
	})
	if err != nil {
		return model.PageResult[model.Commit]{}, err
	}

	nextPages := make(map[string]int)
	var merged []model.Commit
	for _, rp := range results {
		if rp.next != 0 {
			nextPages[rp.repo] = rp.next
		}
		merged = append(merged, dedupCommits(rp.repo, rp.commits, filter)...)
	}

	if filter.WithStats && len(merged) > 0 {
		if merged, err = f.withStats(ctx, src, merged); err != nil {
			return model.PageResult[model.Commit]{}, err
		}
	}
	model.SortCommits(merged)

	return model.NewPage(merged, reposCursor(nextPages)), nil
}

// repositorySet returns the sorted, deduplicated repositories a commit
// listing covers. An empty allow-list means every repository visible to the
// identity. Organizations on the filter are ignored.
func (f *Fetcher) repositorySet(ctx context.Context, src Source, filter model.CommitFilter) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string

	if len(filter.Repositories) > 0 {
		for _, full := range filter.Repositories {
			if _, _, err := model.ParseFullName(full); err != nil {
				return nil, custom_errors.Classify(err)
			}
			if _, dup := seen[full]; dup {
				continue
			}
			seen[full] = struct{}{}
			names = append(names, full)
		}
		sort.Strings(names)
		return names, nil
	}

	token := ""
	for {
		page, err := f.FetchRepositories(ctx, src, token, MaxPerPage)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Items {
			if _, dup := seen[r.FullName]; dup {
				continue
			}
			seen[r.FullName] = struct{}{}
			names = append(names, r.FullName)
		}
		if !page.HasMore {
			break
		}
		token = page.NextCursor
	}
	sort.Strings(names)
	return names, nil
}

// withStats fills additions and deletions for each commit, fanning out in
// batches. A commit whose detail is gone keeps zero counts.
func (f *Fetcher) withStats(ctx context.Context, src Source, commits []model.Commit) ([]model.Commit, error) {
	return batch.Run(ctx, commits, f.batch, func(ctx context.Context, group []model.Commit) ([]model.Commit, error) {
		out := make([]model.Commit, 0, len(group))
		for _, c := range group {
			owner, name, err := model.ParseFullName(c.RepositoryFullName)
			if err != nil {
				return nil, err
			}
			add, del, err := src.API.GetCommitStats(ctx, owner, name, c.SHA)
			if err != nil && !custom_errors.IsNotFound(err) {
				return nil, err
			}
			if err == nil {
				c.Additions, c.Deletions = add, del
			}
			out = append(out, c)
		}
		return out, nil
	})
}

// dedupCommits drops duplicate shas, commits outside the filter window, and
// stamps the repository on each commit.
func dedupCommits(repo string, commits []model.Commit, filter model.CommitFilter) []model.Commit {
	seen := make(map[string]struct{}, len(commits))
	out := make([]model.Commit, 0, len(commits))
	for _, c := range commits {
		if _, dup := seen[c.SHA]; dup {
			continue
		}
		if !c.Timestamp.IsZero() && !filter.Contains(c.Timestamp) {
			continue
		}
		seen[c.SHA] = struct{}{}
		c.RepositoryFullName = repo
		out = append(out, c)
	}
	return out
}

// commitQuery translates the half-open filter window into the API's
// inclusive until.
func commitQuery(filter model.CommitFilter) github.CommitQuery {
	q := github.CommitQuery{Since: filter.Since, Author: filter.Author}
	if !filter.Until.IsZero() {
		q.Until = filter.Until.Add(-time.Second)
	}
	return q
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPerPage
	case limit > MaxPerPage:
		return MaxPerPage
	}
	return limit
}
