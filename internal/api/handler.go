// internal/api/handler.go
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/gitpulse-sub011/internal/auth"
	"github.com/phrazzld/gitpulse-sub011/internal/feed"
	"github.com/phrazzld/gitpulse-sub011/internal/fetcher"
	"github.com/phrazzld/gitpulse-sub011/internal/model"
)

// Resolver is the part of auth.Resolver the handlers use.
type Resolver interface {
	Resolve(ctx context.Context, creds auth.Credentials) (*auth.Handle, error)
	ListInstallations(ctx context.Context, creds auth.Credentials) ([]model.Installation, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	resolver Resolver
	resolve  feed.ResolveFunc
	fetcher  *fetcher.Fetcher
	feeds    *feed.Service
	logger   *slog.Logger
}

// Options configure the router.
type Options struct {
	// Timeout bounds each request. Zero means 60 seconds.
	Timeout time.Duration
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(resolver Resolver, f *fetcher.Fetcher, feeds *feed.Service, logger *slog.Logger, opts Options) http.Handler {
	h := &Handler{
		resolver: resolver,
		resolve:  feed.FromResolver(resolver),
		fetcher:  f,
		feeds:    feeds,
		logger:   logger,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repositories", h.getRepositories)
		r.Get("/commits", h.getCommits)
		r.Get("/commits/summary", h.getCommitSummary)
		r.Get("/installations", h.getInstallations)
		r.Get("/rate-limit", h.getRateLimit)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getRepositories returns one page of the caller's repositories.
// GET /v1/repositories?cursor=&limit=
func (h *Handler) getRepositories(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}
	src, err := h.resolve(r.Context(), credentialsFromRequest(r))
	if err != nil {
		h.respondWithClassified(w, r, err)
		return
	}
	page, err := h.fetcher.FetchRepositories(r.Context(), src, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.respondWithClassified(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, page)
}

// getCommits returns one page of commits.
// GET /v1/commits?cursor=&limit=&since=&until=&author=&repos=&stats=
func (h *Handler) getCommits(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}
	filter, err := parseCommitFilter(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := h.resolve(r.Context(), credentialsFromRequest(r))
	if err != nil {
		h.respondWithClassified(w, r, err)
		return
	}
	page, err := h.fetcher.FetchCommits(r.Context(), src, filter, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.respondWithClassified(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, page)
}

// getCommitSummary loads every page of matching commits and aggregates them.
// GET /v1/commits/summary?since=&until=&author=&repos=
func (h *Handler) getCommitSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCommitFilter(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.WithStats = true

	f := h.feeds.Commits(auth.StaticCredentials(credentialsFromRequest(r)), filter)
	state, err := f.Drain(r.Context())
	if err != nil {
		h.respondWithClassified(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, model.SummarizeCommits(state.Items))
}

type installationResponse struct {
	model.Installation
	ManagementURL string `json:"managementUrl"`
}

// getInstallations lists the App installations visible to the caller.
// GET /v1/installations
func (h *Handler) getInstallations(w http.ResponseWriter, r *http.Request) {
	installs, err := h.resolver.ListInstallations(r.Context(), credentialsFromRequest(r))
	if err != nil {
		h.respondWithClassified(w, r, err)
		return
	}
	out := make([]installationResponse, 0, len(installs))
	for _, inst := range installs {
		out = append(out, installationResponse{Installation: inst, ManagementURL: inst.ManagementURL()})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// getRateLimit reports the quota view of the caller's credential.
// GET /v1/rate-limit
func (h *Handler) getRateLimit(w http.ResponseWriter, r *http.Request) {
	handle, err := h.resolver.Resolve(r.Context(), credentialsFromRequest(r))
	if err != nil {
		h.respondWithClassified(w, r, err)
		return
	}
	info := handle.Guard().Refresh(r.Context())
	resp := map[string]any{
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset":     info.ResetEpochSeconds,
	}
	if info.Known() {
		resp["resetAt"] = info.ResetTime().Format(time.RFC3339)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > fetcher.MaxPerPage {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return 0, false
	}
	return limit, true
}

// credentialsFromRequest reads the per-request credentials from headers.
func credentialsFromRequest(r *http.Request) auth.Credentials {
	var creds auth.Credentials
	if v := r.Header.Get("Authorization"); v != "" {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			creds.AccessToken = strings.TrimSpace(token)
		}
	}
	if v := r.Header.Get("X-GitHub-Installation-Id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			creds.InstallationID = id
		}
	}
	creds.PreferOAuth, _ = strconv.ParseBool(r.Header.Get("X-Prefer-OAuth"))
	return creds
}
