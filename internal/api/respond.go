// internal/api/respond.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
	"github.com/phrazzld/gitpulse-sub011/internal/model"
)

type errorResponse struct {
	Error        string                      `json:"error"`
	ErrorDetails *custom_errors.ErrorDetails `json:"errorDetails,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

// respondWithClassified renders any failure through the taxonomy.
func (h *Handler) respondWithClassified(w http.ResponseWriter, r *http.Request, err error) {
	ce := custom_errors.Classify(err)
	status := statusFor(ce)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", r.URL.Path, "kind", ce.Kind, "error", err)
	} else {
		h.logger.Info("Request rejected", "path", r.URL.Path, "kind", ce.Kind, "error", ce.Message)
	}
	if ce.Kind == custom_errors.KindRateLimit && ce.ResetEpochSeconds != 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", max(0, int(time.Until(ce.ResetAt()).Seconds()))))
	}
	details := ce.Details()
	respondWithJSON(w, status, errorResponse{Error: ce.Message, ErrorDetails: &details})
}

func statusFor(ce *custom_errors.ClassifiedError) int {
	switch ce.Kind {
	case custom_errors.KindConfig:
		return http.StatusInternalServerError
	case custom_errors.KindAuth:
		return http.StatusUnauthorized
	case custom_errors.KindRateLimit:
		return http.StatusTooManyRequests
	case custom_errors.KindNotFound:
		return http.StatusNotFound
	case custom_errors.KindAPI:
		if ce.HTTPStatus == http.StatusBadRequest {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// parseCommitFilter reads since/until/author/repos/stats. Dates may be
// YYYY-MM-DD, which covers whole UTC days, or RFC3339 instants.
func parseCommitFilter(r *http.Request) (model.CommitFilter, error) {
	q := r.URL.Query()
	var f model.CommitFilter

	since, sinceIsDay, err := parseDate(q.Get("since"))
	if err != nil {
		return f, fmt.Errorf("invalid 'since' parameter: %w", err)
	}
	until, untilIsDay, err := parseDate(q.Get("until"))
	if err != nil {
		return f, fmt.Errorf("invalid 'until' parameter: %w", err)
	}
	daySince, dayUntil := model.DayRange(since, until)
	if sinceIsDay {
		since = daySince
	}
	if untilIsDay {
		until = dayUntil
	}
	if !since.IsZero() && !until.IsZero() && !since.Before(until) {
		return f, fmt.Errorf("'since' must be before 'until'")
	}
	f.Since, f.Until = since, until

	f.Author = strings.TrimSpace(q.Get("author"))
	if repos := q.Get("repos"); repos != "" {
		for _, repo := range strings.Split(repos, ",") {
			if repo = strings.TrimSpace(repo); repo != "" {
				f.Repositories = append(f.Repositories, repo)
			}
		}
	}
	if stats := q.Get("stats"); stats != "" {
		f.WithStats, err = parseBool(stats)
		if err != nil {
			return f, fmt.Errorf("invalid 'stats' parameter: %w", err)
		}
	}
	return f, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected YYYY-MM-DD or RFC3339, got %q", s)
	}
	return t.UTC(), false, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected a boolean, got %q", s)
}
