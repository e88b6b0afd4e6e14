// internal/feed/feed.go
package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phrazzld/gitpulse-sub011/internal/auth"
	"github.com/phrazzld/gitpulse-sub011/internal/fetcher"
	"github.com/phrazzld/gitpulse-sub011/internal/model"
	"github.com/phrazzld/gitpulse-sub011/internal/progressive"
)

// ResolveFunc turns the caller's credentials into a bound API source.
type ResolveFunc func(ctx context.Context, creds auth.Credentials) (fetcher.Source, error)

// HandleResolver is satisfied by *auth.Resolver.
type HandleResolver interface {
	Resolve(ctx context.Context, creds auth.Credentials) (*auth.Handle, error)
}

// FromResolver adapts a HandleResolver.
func FromResolver(r HandleResolver) ResolveFunc {
	return func(ctx context.Context, creds auth.Credentials) (fetcher.Source, error) {
		h, err := r.Resolve(ctx, creds)
		if err != nil {
			return fetcher.Source{}, err
		}
		return fetcher.FromHandle(h), nil
	}
}

// Repositories returns the page function for the identity's repositories.
func Repositories(f *fetcher.Fetcher, src fetcher.Source) progressive.FetchFunc[model.Repository] {
	return func(ctx context.Context, cursor string, limit int) (model.PageResult[model.Repository], error) {
		return f.FetchRepositories(ctx, src, cursor, limit)
	}
}

// Commits returns the page function for commits matching filter. The limit
// is applied per repository, so one page of a multi-repository filter holds
// up to limit commits from each repository in the set.
func Commits(f *fetcher.Fetcher, src fetcher.Source, filter model.CommitFilter) progressive.FetchFunc[model.Commit] {
	return func(ctx context.Context, cursor string, limit int) (model.PageResult[model.Commit], error) {
		return f.FetchCommits(ctx, src, filter, cursor, limit)
	}
}

// RepositoryKey is the natural key of a repository.
func RepositoryKey(r model.Repository) string { return r.FullName }

// CommitKey is the natural key of a commit.
func CommitKey(c model.Commit) string { return c.Key() }

// Feed is a Controller whose source is resolved from credentials before the
// first load. Until resolution succeeds the controller never leaves Idle.
type Feed[T any] struct {
	*progressive.Controller[T]

	resolve ResolveFunc
	creds   auth.CredentialSource
	bind    func(fetcher.Source) progressive.FetchFunc[T]

	mu    sync.Mutex
	fetch progressive.FetchFunc[T]
}

// New creates a Feed. bind receives the resolved source once.
func New[T any](resolve ResolveFunc, creds auth.CredentialSource, bind func(fetcher.Source) progressive.FetchFunc[T], key progressive.KeyFunc[T], logger *slog.Logger, opts ...progressive.Option[T]) *Feed[T] {
	f := &Feed[T]{resolve: resolve, creds: creds, bind: bind}
	f.Controller = progressive.New(f.page, key, logger, opts...)
	return f
}

// Start resolves credentials if needed and then loads the first page.
func (f *Feed[T]) Start(ctx context.Context) error {
	if _, err := f.source(ctx); err != nil {
		return err
	}
	return f.LoadInitial(ctx)
}

// Drain loads pages until the collection is exhausted and returns the final state.
func (f *Feed[T]) Drain(ctx context.Context) (progressive.State[T], error) {
	if err := f.Start(ctx); err != nil {
		return f.Snapshot(), err
	}
	for {
		s := f.Snapshot()
		if s.Phase != progressive.PhaseLoaded || !s.HasMore {
			return s, nil
		}
		if err := f.LoadMore(ctx); err != nil {
			return f.Snapshot(), err
		}
	}
}

func (f *Feed[T]) source(ctx context.Context) (progressive.FetchFunc[T], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetch != nil {
		return f.fetch, nil
	}
	creds, err := f.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	src, err := f.resolve(ctx, creds)
	if err != nil {
		return nil, err
	}
	f.fetch = f.bind(src)
	return f.fetch, nil
}

func (f *Feed[T]) page(ctx context.Context, cursor string, limit int) (model.PageResult[T], error) {
	fetch, err := f.source(ctx)
	if err != nil {
		return model.PageResult[T]{}, err
	}
	return fetch(ctx, cursor, limit)
}

// Service builds feeds for one process.
type Service struct {
	resolve ResolveFunc
	fetcher *fetcher.Fetcher
	limits  progressive.Limits
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(resolve ResolveFunc, f *fetcher.Fetcher, limits progressive.Limits, logger *slog.Logger) *Service {
	return &Service{resolve: resolve, fetcher: f, limits: limits, logger: logger}
}

// Repositories returns an Idle feed of the caller's repositories.
func (s *Service) Repositories(creds auth.CredentialSource) *Feed[model.Repository] {
	bind := func(src fetcher.Source) progressive.FetchFunc[model.Repository] {
		return Repositories(s.fetcher, src)
	}
	return New(s.resolve, creds, bind, RepositoryKey,
		s.logger.With("feed", "repositories"),
		progressive.WithLimits[model.Repository](s.limits))
}

// Commits returns an Idle feed of commits matching filter.
func (s *Service) Commits(creds auth.CredentialSource, filter model.CommitFilter) *Feed[model.Commit] {
	bind := func(src fetcher.Source) progressive.FetchFunc[model.Commit] {
		return Commits(s.fetcher, src, filter)
	}
	return New(s.resolve, creds, bind, CommitKey,
		s.logger.With("feed", "commits"),
		progressive.WithLimits[model.Commit](s.limits))
}
