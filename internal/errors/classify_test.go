// internal/errors/classify_test.go
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Header: h, Request: &http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/x"}}}
}

func TestClassify(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(time.Hour)
	retryAfter := 30 * time.Second

	var syntaxErr error
	{
		var v map[string]any
		syntaxErr = json.Unmarshal([]byte("{not json"), &v)
	}

	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantStatus int
		wantReset  int64
		wantNeeds  bool
	}{
		{
			name:       "primary rate limit",
			err:        &github.RateLimitError{Rate: github.Rate{Limit: 5000, Reset: github.Timestamp{Time: reset}}, Response: response(403, nil)},
			wantKind:   KindRateLimit,
			wantStatus: 403,
			wantReset:  reset.Unix(),
		},
		{
			name:       "secondary rate limit uses retry-after",
			err:        &github.AbuseRateLimitError{RetryAfter: &retryAfter, Response: response(403, nil)},
			wantKind:   KindRateLimit,
			wantStatus: 403,
			wantReset:  now.Add(retryAfter).Unix(),
		},
		{
			name:       "401 bad credentials",
			err:        &github.ErrorResponse{Response: response(401, nil), Message: "Bad credentials"},
			wantKind:   KindAuth,
			wantStatus: 401,
		},
		{
			name:       "403 with exhausted header",
			err:        &github.ErrorResponse{Response: response(403, map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": fmt.Sprint(reset.Unix())}), Message: "Forbidden"},
			wantKind:   KindRateLimit,
			wantStatus: 403,
			wantReset:  reset.Unix(),
		},
		{
			name:       "403 integration not installed",
			err:        &github.ErrorResponse{Response: response(403, nil), Message: "Resource not accessible by integration"},
			wantKind:   KindAuth,
			wantStatus: 403,
			wantNeeds:  true,
		},
		{
			name:       "403 missing scope",
			err:        &github.ErrorResponse{Response: response(403, nil), Message: "Requires the repo scope"},
			wantKind:   KindAuth,
			wantStatus: 403,
		},
		{
			name:       "403 other",
			err:        &github.ErrorResponse{Response: response(403, nil), Message: "Repository access blocked"},
			wantKind:   KindAPI,
			wantStatus: 403,
		},
		{
			name:       "429",
			err:        &github.ErrorResponse{Response: response(429, nil)},
			wantKind:   KindRateLimit,
			wantStatus: 429,
		},
		{
			name:       "404",
			err:        &github.ErrorResponse{Response: response(404, nil), Message: "Not Found"},
			wantKind:   KindNotFound,
			wantStatus: 404,
		},
		{
			name:       "410",
			err:        &github.ErrorResponse{Response: response(410, nil)},
			wantKind:   KindNotFound,
			wantStatus: 410,
		},
		{
			name:       "500",
			err:        &github.ErrorResponse{Response: response(500, nil)},
			wantKind:   KindAPI,
			wantStatus: 500,
		},
		{
			name:       "error response without http response",
			err:        &github.ErrorResponse{Message: "boom"},
			wantKind:   KindAPI,
			wantStatus: 0,
		},
		{
			name:       "202 accepted",
			err:        &github.AcceptedError{},
			wantKind:   KindAPI,
			wantStatus: 202,
		},
		{
			name:       "invalid repo format",
			err:        &ErrInvalidRepoFormat{Repo: "nope"},
			wantKind:   KindAPI,
			wantStatus: 400,
		},
		{
			name:       "invalid cursor",
			err:        fmt.Errorf("decode: %w", ErrInvalidCursor),
			wantKind:   KindAPI,
			wantStatus: 400,
		},
		{
			name:     "malformed payload",
			err:      syntaxErr,
			wantKind: KindAPI,
		},
		{
			name:     "unmarshal type error",
			err:      &json.UnmarshalTypeError{Value: "string", Type: reflect.TypeOf(0)},
			wantKind: KindAPI,
		},
		{
			name:     "context cancelled",
			err:      context.Canceled,
			wantKind: KindUnknown,
		},
		{
			name:     "url error",
			err:      &url.Error{Op: "Get", URL: "https://api.github.com", Err: stderrors.New("connection refused")},
			wantKind: KindUnknown,
		},
		{
			name:     "net error",
			err:      &net.OpError{Op: "dial", Net: "tcp", Err: stderrors.New("no route")},
			wantKind: KindUnknown,
		},
		{
			name:     "anything else",
			err:      stderrors.New("something odd"),
			wantKind: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := ClassifyAt(tt.err, now)

			require.NotNil(t, ce)
			assert.Equal(t, tt.wantKind, ce.Kind)
			assert.Equal(t, tt.wantStatus, ce.HTTPStatus)
			assert.Equal(t, tt.wantReset, ce.ResetEpochSeconds)
			assert.Equal(t, tt.wantNeeds, ce.NeedsInstallation)
			assert.True(t, stderrors.Is(ce, tt.err) || ce.Err == nil, "original error stays reachable")
		})
	}
}

func TestClassify_Totality(t *testing.T) {
	kinds := map[Kind]bool{
		KindConfig:    true,
		KindAuth:      true,
		KindRateLimit: true,
		KindNotFound:  true,
		KindAPI:       true,
		KindUnknown:   true,
	}
	inputs := []error{
		stderrors.New("x"),
		fmt.Errorf("wrapped: %w", stderrors.New("y")),
		&github.ErrorResponse{},
		&github.RateLimitError{},
		&github.AbuseRateLimitError{},
		context.DeadlineExceeded,
		stderrors.Join(stderrors.New("a"), stderrors.New("b")),
	}
	for _, err := range inputs {
		assert.NotPanics(t, func() {
			ce := Classify(err)
			require.NotNil(t, ce)
			assert.True(t, kinds[ce.Kind], "unexpected kind %q", ce.Kind)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestClassify_IsIdempotent(t *testing.T) {
	ce := NewAuthError(401, "nope", nil)
	assert.Same(t, ce, Classify(ce))
	assert.Same(t, ce, Classify(fmt.Errorf("wrapped: %w", ce)))
}

func TestClassifiedError_Details(t *testing.T) {
	reset := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)

	rl := NewRateLimitError(reset, "slow down")
	d := rl.Details()
	assert.Equal(t, "RateLimitError", d.Code)
	assert.Equal(t, "2024-01-01T13:00:00Z", d.ResetAt)
	assert.False(t, d.SignOutRequired)

	auth := NewAuthError(401, "expired", nil)
	assert.True(t, auth.Details().SignOutRequired)
	assert.Empty(t, auth.Details().ResetAt)

	cfg := NewConfigError("missing", nil)
	assert.False(t, cfg.Details().SignOutRequired)
}

func TestClassify_RateLimitWithoutReset(t *testing.T) {
	ce := Classify(&github.RateLimitError{Rate: github.Rate{Limit: 5000}, Response: response(403, nil)})

	assert.Equal(t, KindRateLimit, ce.Kind)
	assert.Zero(t, ce.ResetEpochSeconds)
	assert.True(t, ce.ResetAt().IsZero())
	assert.Empty(t, ce.Details().ResetAt)

	assert.Empty(t, NewRateLimitError(time.Time{}, "x").Details().ResetAt)
}

func TestClassifiedError_Retryable(t *testing.T) {
	assert.True(t, (&ClassifiedError{Kind: KindUnknown}).Retryable())
	assert.True(t, NewRateLimitError(time.Now(), "x").Retryable())
	assert.True(t, NewAPIError(503, "x", nil).Retryable())
	assert.False(t, NewAPIError(422, "x", nil).Retryable())
	assert.False(t, NewAuthError(401, "x", nil).Retryable())
	assert.False(t, NewNotFoundError("x", nil).Retryable())
	assert.False(t, NewConfigError("x", nil).Retryable())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(&github.ErrorResponse{Response: response(404, nil)}))
	assert.False(t, IsNotFound(stderrors.New("x")))
	assert.False(t, IsNotFound(nil))
}
