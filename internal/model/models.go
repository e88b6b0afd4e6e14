// internal/model/models.go
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
)

// AuthKind identifies which credential scheme an AuthContext was resolved from.
type AuthKind string

const (
	AuthKindOAuth AuthKind = "oauth"
	AuthKindApp   AuthKind = "app"
)

// AuthContext is one resolved credential binding. It is created once per
// request and never mutated afterwards.
type AuthContext struct {
	Kind           AuthKind
	Token          string
	InstallationID int64
	// Login is the verified identity: the user login for OAuth, the account
	// login of the installation for App.
	Login string
}

// Validate checks that exactly the field matching Kind is set.
func (a AuthContext) Validate() error {
	switch a.Kind {
	case AuthKindOAuth:
		if a.Token == "" || a.InstallationID != 0 {
			return fmt.Errorf("oauth context must carry a token and no installation id")
		}
	case AuthKindApp:
		if a.InstallationID == 0 || a.Token != "" {
			return fmt.Errorf("app context must carry an installation id and no token")
		}
	default:
		return fmt.Errorf("unknown auth kind %q", a.Kind)
	}
	return nil
}

// Key identifies the quota bucket this context draws from. An OAuth context
// without a verified login is keyed by a digest of its token.
func (a AuthContext) Key() string {
	if a.Kind == AuthKindApp {
		return fmt.Sprintf("app:%d", a.InstallationID)
	}
	if a.Login == "" {
		sum := sha256.Sum256([]byte(a.Token))
		return "oauth-token:" + hex.EncodeToString(sum[:8])
	}
	return "oauth:" + a.Login
}

// Installation target types as reported by GitHub.
const (
	TargetTypeUser         = "User"
	TargetTypeOrganization = "Organization"
)

// Installation is a GitHub App installation.
type Installation struct {
	ID           int64  `json:"id"`
	AccountLogin string `json:"accountLogin"`
	TargetType   string `json:"targetType"`
}

// ManagementURL returns the page where the installation's repository access
// can be changed. Organization installations live under the org settings.
func (i Installation) ManagementURL() string {
	if i.TargetType == TargetTypeOrganization {
		return fmt.Sprintf("https://github.com/organizations/%s/settings/installations/%d", i.AccountLogin, i.ID)
	}
	return fmt.Sprintf("https://github.com/settings/installations/%d", i.ID)
}

// RateLimitInfo is a snapshot of the API quota.
type RateLimitInfo struct {
	Limit             int   `json:"limit"`
	Remaining         int   `json:"remaining"`
	ResetEpochSeconds int64 `json:"reset"`
}

// NewRateLimitInfo builds a snapshot, clamping remaining into [0, limit].
func NewRateLimitInfo(limit, remaining int, reset int64) RateLimitInfo {
	if remaining < 0 {
		remaining = 0
	}
	if limit > 0 && remaining > limit {
		remaining = limit
	}
	return RateLimitInfo{Limit: limit, Remaining: remaining, ResetEpochSeconds: reset}
}

// ResetTime returns the reset instant.
func (r RateLimitInfo) ResetTime() time.Time {
	return time.Unix(r.ResetEpochSeconds, 0).UTC()
}

// Known reports whether the snapshot was populated from the API.
func (r RateLimitInfo) Known() bool {
	return r.Limit > 0
}

// Repository represents the metadata of a GitHub repository.
type Repository struct {
	ID            int64     `json:"id"`
	FullName      string    `json:"fullName"`
	OwnerLogin    string    `json:"ownerLogin"`
	Name          string    `json:"name"`
	IsPrivate     bool      `json:"isPrivate"`
	Description   string    `json:"description,omitempty"`
	URL           string    `json:"url"`
	Language      string    `json:"language,omitempty"`
	DefaultBranch string    `json:"defaultBranch,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Commit is one commit, scoped to the repository it was fetched from.
type Commit struct {
	SHA                string    `json:"sha"`
	AuthorLogin        string    `json:"authorLogin,omitempty"`
	AuthorName         string    `json:"authorName,omitempty"`
	Message            string    `json:"message"`
	Timestamp          time.Time `json:"timestamp"`
	Additions          int       `json:"additions"`
	Deletions          int       `json:"deletions"`
	RepositoryFullName string    `json:"repository"`
	URL                string    `json:"url,omitempty"`
}

// Key is the commit's natural key: the sha within its repository.
func (c Commit) Key() string {
	return c.RepositoryFullName + "@" + c.SHA
}

// PageResult is one page of a paginated collection. HasMore is true exactly
// when NextCursor is non-empty.
type PageResult[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// NewPage builds a page, deriving HasMore from the cursor.
func NewPage[T any](items []T, nextCursor string) PageResult[T] {
	if items == nil {
		items = []T{}
	}
	return PageResult[T]{Items: items, NextCursor: nextCursor, HasMore: nextCursor != ""}
}

// EmptyPage is the terminal page with no items.
func EmptyPage[T any]() PageResult[T] {
	return NewPage[T](nil, "")
}

type pageJSON[T any] struct {
	Data       []T     `json:"data"`
	NextCursor *string `json:"nextCursor"`
	HasMore    bool    `json:"hasMore"`
}

// MarshalJSON renders the page as {data, nextCursor, hasMore}, with a null
// cursor on the last page.
func (p PageResult[T]) MarshalJSON() ([]byte, error) {
	out := pageJSON[T]{Data: p.Items, HasMore: p.HasMore}
	if out.Data == nil {
		out.Data = []T{}
	}
	if p.NextCursor != "" {
		c := p.NextCursor
		out.NextCursor = &c
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *PageResult[T]) UnmarshalJSON(b []byte) error {
	var in pageJSON[T]
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	next := ""
	if in.NextCursor != nil {
		next = *in.NextCursor
	}
	*p = NewPage(in.Data, next)
	return nil
}

// ParseFullName splits an "owner/name" repository identifier.
func ParseFullName(fullName string) (owner, name string, err error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &custom_errors.ErrInvalidRepoFormat{Repo: fullName}
	}
	return parts[0], parts[1], nil
}
