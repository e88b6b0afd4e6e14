// internal/model/filter.go
package model

import (
	"sort"
	"time"
)

// CommitFilter narrows a commit listing.
//
// The time window is half-open: Since is inclusive and Until is exclusive.
// Either bound may be zero to leave that side open. Use DayRange to turn a
// pair of calendar dates into a window that covers both days completely.
type CommitFilter struct {
	Since time.Time
	Until time.Time

	// Author restricts results to commits attributed to this login.
	Author string

	// Repositories is an allow-list of "owner/name" identifiers. Empty means
	// every repository visible to the identity.
	Repositories []string

	// Organizations is kept so older callers still decode, but it is ignored.
	//
	// Deprecated: organization scoping is no longer supported.
	Organizations []string

	// WithStats fetches additions and deletions for each commit. It costs one
	// extra request per commit.
	WithStats bool
}

// Contains reports whether t falls inside the filter window.
func (f CommitFilter) Contains(t time.Time) bool {
	if !f.Since.IsZero() && t.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !t.Before(f.Until) {
		return false
	}
	return true
}

// DayRange converts two calendar dates into [since 00:00 UTC, until+1 day 00:00 UTC).
// Zero inputs stay zero.
func DayRange(since, until time.Time) (time.Time, time.Time) {
	var from, to time.Time
	if !since.IsZero() {
		from = truncateDay(since)
	}
	if !until.IsZero() {
		to = truncateDay(until).AddDate(0, 0, 1)
	}
	return from, to
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SortCommits orders commits newest first. Ties break on repository then sha
// so the order never depends on arrival order.
func SortCommits(commits []Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		a, b := commits[i], commits[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.RepositoryFullName != b.RepositoryFullName {
			return a.RepositoryFullName < b.RepositoryFullName
		}
		return a.SHA < b.SHA
	})
}

// CommitSummary aggregates a set of commits.
type CommitSummary struct {
	TotalCommits int `json:"totalCommits"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	ActiveDays   int `json:"activeDays"`
	Repositories int `json:"repositories"`
}

// SummarizeCommits totals line changes and counts distinct UTC days and repositories.
func SummarizeCommits(commits []Commit) CommitSummary {
	days := make(map[string]struct{})
	repos := make(map[string]struct{})
	var s CommitSummary
	for _, c := range commits {
		s.TotalCommits++
		s.Additions += c.Additions
		s.Deletions += c.Deletions
		days[c.Timestamp.UTC().Format(time.DateOnly)] = struct{}{}
		repos[c.RepositoryFullName] = struct{}{}
	}
	s.ActiveDays = len(days)
	s.Repositories = len(repos)
	return s
}
