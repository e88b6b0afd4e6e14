// internal/fetcher/cursor.go
package fetcher

import (
	"encoding/base64"
	"encoding/json"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
)

// cursorVersion is the current cursor schema version.
const cursorVersion = 1

// cursor is the decoded form of the opaque continuation token. Callers only
// ever see the encoded string.
type cursor struct {
	Version int `json:"v"`
	// Page is the next API page for single-collection listings.
	Page int `json:"p,omitempty"`
	// Repos maps "owner/name" to the next commit page of that repository.
	// A repository missing from the map has no pages left.
	Repos map[string]int `json:"r,omitempty"`
}

func (c cursor) encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	if s == "" {
		return cursor{Version: cursorVersion}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, custom_errors.ErrInvalidCursor
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, custom_errors.ErrInvalidCursor
	}
	if c.Version != cursorVersion {
		return cursor{}, custom_errors.ErrInvalidCursor
	}
	for _, page := range c.Repos {
		if page < 1 {
			return cursor{}, custom_errors.ErrInvalidCursor
		}
	}
	return c, nil
}

func pageCursor(next int) string {
	if next == 0 {
		return ""
	}
	return cursor{Version: cursorVersion, Page: next}.encode()
}

func reposCursor(next map[string]int) string {
	if len(next) == 0 {
		return ""
	}
	return cursor{Version: cursorVersion, Repos: next}.encode()
}
