// internal/errors/classify.go
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
)

// Classify maps any error into the taxonomy using the current time.
func Classify(err error) *ClassifiedError {
	return ClassifyAt(err, time.Now())
}

// ClassifyAt maps any error into the taxonomy. It never returns nil for a
// non-nil error. now is only used to turn relative retry hints into
// absolute reset times, which keeps the function deterministic.
func ClassifyAt(err error, now time.Time) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if stderrors.As(err, &classified) {
		return classified
	}

	var rateErr *github.RateLimitError
	if stderrors.As(err, &rateErr) {
		ce := &ClassifiedError{
			Kind:       KindRateLimit,
			HTTPStatus: statusOf(rateErr.Response),
			Message:    "GitHub API rate limit exceeded",
			Err:        err,
		}
		if !rateErr.Rate.Reset.IsZero() {
			ce.ResetEpochSeconds = rateErr.Rate.Reset.Unix()
		}
		return ce
	}

	var abuseErr *github.AbuseRateLimitError
	if stderrors.As(err, &abuseErr) {
		wait := time.Minute
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		return &ClassifiedError{
			Kind:              KindRateLimit,
			HTTPStatus:        statusOf(abuseErr.Response),
			ResetEpochSeconds: now.Add(wait).Unix(),
			Message:           "GitHub secondary rate limit triggered",
			Err:               err,
		}
	}

	var respErr *github.ErrorResponse
	if stderrors.As(err, &respErr) {
		return classifyResponse(respErr, err)
	}

	var acceptedErr *github.AcceptedError
	if stderrors.As(err, &acceptedErr) {
		return NewAPIError(http.StatusAccepted, "GitHub is still computing this resource", err)
	}

	var formatErr *ErrInvalidRepoFormat
	if stderrors.As(err, &formatErr) {
		return NewAPIError(http.StatusBadRequest, formatErr.Error(), err)
	}
	if stderrors.Is(err, ErrInvalidCursor) {
		return NewAPIError(http.StatusBadRequest, err.Error(), err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
		return NewAPIError(0, "malformed response payload", err)
	}

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Kind: KindUnknown, Message: "request cancelled: " + err.Error(), Err: err}
	}

	var urlErr *url.Error
	var netErr net.Error
	if stderrors.As(err, &urlErr) || stderrors.As(err, &netErr) {
		return &ClassifiedError{Kind: KindUnknown, Message: "network error: " + err.Error(), Err: err}
	}

	return &ClassifiedError{Kind: KindUnknown, Message: err.Error(), Err: err}
}

func classifyResponse(respErr *github.ErrorResponse, err error) *ClassifiedError {
	status := statusOf(respErr.Response)
	msg := respErr.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	lower := strings.ToLower(msg)

	switch {
	case status == http.StatusUnauthorized:
		return NewAuthError(status, msg, err)
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		if strings.Contains(lower, "rate limit") || headerOf(respErr.Response, "X-RateLimit-Remaining") == "0" || status == http.StatusTooManyRequests {
			reset, _ := strconv.ParseInt(headerOf(respErr.Response, "X-RateLimit-Reset"), 10, 64)
			return &ClassifiedError{Kind: KindRateLimit, HTTPStatus: status, ResetEpochSeconds: reset, Message: msg, Err: err}
		}
		if strings.Contains(lower, "resource not accessible by integration") {
			ce := NewAuthError(status, msg, err)
			ce.NeedsInstallation = true
			return ce
		}
		if strings.Contains(lower, "scope") || strings.Contains(lower, "bad credentials") {
			return NewAuthError(status, msg, err)
		}
		return NewAPIError(status, msg, err)
	case status == http.StatusNotFound || status == http.StatusGone:
		return &ClassifiedError{Kind: KindNotFound, HTTPStatus: status, Message: msg, Err: err}
	default:
		return NewAPIError(status, msg, err)
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func headerOf(resp *http.Response, key string) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get(key)
}
