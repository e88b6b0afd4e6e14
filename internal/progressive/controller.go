// internal/progressive/controller.go
package progressive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
	"github.com/phrazzld/gitpulse-sub011/internal/model"
)

// Phase is the controller's position in its state machine.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseInitialLoading     Phase = "initialLoading"
	PhaseLoaded             Phase = "loaded"
	PhaseIncrementalLoading Phase = "incrementalLoading"
	PhaseErrored            Phase = "errored"
)

func (p Phase) loading() bool {
	return p == PhaseInitialLoading || p == PhaseIncrementalLoading
}

// FetchFunc fetches one page. An empty cursor asks for the first page.
type FetchFunc[T any] func(ctx context.Context, cursor string, limit int) (model.PageResult[T], error)

// KeyFunc returns the natural key used for cross-page deduplication.
type KeyFunc[T any] func(item T) string

// Limits are the page sizes requested by LoadInitial and LoadMore.
type Limits struct {
	Initial     int
	Incremental int
}

// DefaultLimits returns 30 items for the first page and 30 for each further page.
func DefaultLimits() Limits {
	return Limits{Initial: 30, Incremental: 30}
}

// State is an immutable snapshot of a Controller.
type State[T any] struct {
	Items              []T                         `json:"items"`
	Loading            bool                        `json:"loading"`
	InitialLoading     bool                        `json:"initialLoading"`
	IncrementalLoading bool                        `json:"incrementalLoading"`
	HasMore            bool                        `json:"hasMore"`
	Error              *string                     `json:"error"`
	ErrorDetails       *custom_errors.ErrorDetails `json:"errorDetails"`
	Phase              Phase                       `json:"phase"`
	UpdatedAt          time.Time                   `json:"updatedAt"`
}

// Option configures a Controller.
type Option[T any] func(*Controller[T])

// WithClock injects the time source used for UpdatedAt.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Controller[T]) { c.now = now }
}

// WithLimits overrides the page sizes.
func WithLimits[T any](l Limits) Option[T] {
	return func(c *Controller[T]) {
		if l.Initial > 0 {
			c.limits.Initial = l.Initial
		}
		if l.Incremental > 0 {
			c.limits.Incremental = l.Incremental
		}
	}
}

// Controller accumulates pages of a cursor-paginated collection.
//
// LoadInitial, LoadMore and Reset may be called from any goroutine. The lock
// is never held while a fetch is in flight; a fetch started under an older
// generation is discarded when it completes. Observers see snapshots in the
// order the transitions happened, one at a time.
type Controller[T any] struct {
	fetch  FetchFunc[T]
	key    KeyFunc[T]
	limits Limits
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	phase      Phase
	items      []T
	seen       map[string]struct{}
	cursor     string
	hasMore    bool
	err        *custom_errors.ClassifiedError
	generation uint64
	cancel     context.CancelFunc
	updatedAt  time.Time

	observers  map[int]func(State[T])
	nextObs    int
	pending    []State[T]
	delivering bool
}

// New creates a Controller in the Idle phase.
func New[T any](fetch FetchFunc[T], key KeyFunc[T], logger *slog.Logger, opts ...Option[T]) *Controller[T] {
	c := &Controller[T]{
		fetch:     fetch,
		key:       key,
		limits:    DefaultLimits(),
		now:       time.Now,
		logger:    logger,
		phase:     PhaseIdle,
		seen:      make(map[string]struct{}),
		observers: make(map[int]func(State[T])),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadInitial fetches the first page and replaces the accumulated items. It
// only acts from Idle or Errored; call Reset first to reload a loaded
// collection. On failure the controller moves to Errored and keeps whatever
// items it already had; the classified error is also returned.
func (c *Controller[T]) LoadInitial(ctx context.Context) error {
	c.mu.Lock()
	if phase := c.phase; phase != PhaseIdle && phase != PhaseErrored {
		c.mu.Unlock()
		c.logger.Debug("Initial load skipped", "phase", phase)
		return nil
	}
	c.phase = PhaseInitialLoading
	c.err = nil
	gen, fctx := c.begin(ctx)
	limit := c.limits.Initial
	c.publishLocked()
	c.mu.Unlock()
	c.deliver()

	page, err := c.fetch(fctx, "", limit)
	return c.complete(gen, page, err, true)
}

// LoadMore fetches the next page and appends it, skipping items whose key is
// already present. It only acts from Loaded with more pages available.
func (c *Controller[T]) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseLoaded || !c.hasMore {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseIncrementalLoading
	gen, fctx := c.begin(ctx)
	cursor, limit := c.cursor, c.limits.Incremental
	c.publishLocked()
	c.mu.Unlock()
	c.deliver()

	page, err := c.fetch(fctx, cursor, limit)
	return c.complete(gen, page, err, false)
}

// Reset returns to Idle and clears items, cursor and error. Any fetch in
// flight is cancelled and its result ignored.
func (c *Controller[T]) Reset() {
	c.mu.Lock()
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.phase = PhaseIdle
	c.items = nil
	c.seen = make(map[string]struct{})
	c.cursor = ""
	c.hasMore = false
	c.err = nil
	c.updatedAt = c.now()
	gen := c.generation
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Debug("Controller reset", "generation", gen)
	c.deliver()
}

// Snapshot returns the current state.
func (c *Controller[T]) Snapshot() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every transition. The
// returned function removes it. fn may call back into the controller; a
// transition it causes is delivered after the current snapshot.
func (c *Controller[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// begin must be called with mu held.
func (c *Controller[T]) begin(ctx context.Context) (uint64, context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.generation++
	return c.generation, fctx
}

func (c *Controller[T]) complete(gen uint64, page model.PageResult[T], fetchErr error, initial bool) error {
	ce := custom_errors.Classify(fetchErr)
	if ce != nil && ce.Kind == custom_errors.KindNotFound {
		page, ce = model.EmptyPage[T](), nil
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("Discarding stale page", "generation", gen)
		return nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.updatedAt = c.now()

	if ce != nil {
		c.phase = PhaseErrored
		c.err = ce
		c.publishLocked()
		c.mu.Unlock()
		c.logger.Warn("Page load failed", "kind", ce.Kind, "error", ce.Message, "initial", initial)
		c.deliver()
		return ce
	}

	if initial {
		c.items = nil
		c.seen = make(map[string]struct{})
	}
	added := c.appendLocked(page.Items)
	c.cursor = page.NextCursor
	c.hasMore = page.HasMore
	c.phase = PhaseLoaded
	total, hasMore := len(c.items), c.hasMore
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Debug("Page loaded", "added", added, "total", total, "has_more", hasMore)
	c.deliver()
	return nil
}

func (c *Controller[T]) appendLocked(items []T) int {
	added := 0
	for _, it := range items {
		k := c.key(it)
		if _, dup := c.seen[k]; dup {
			continue
		}
		c.seen[k] = struct{}{}
		c.items = append(c.items, it)
		added++
	}
	return added
}

func (c *Controller[T]) snapshotLocked() State[T] {
	items := make([]T, len(c.items))
	copy(items, c.items)
	s := State[T]{
		Items:              items,
		Loading:            c.phase.loading(),
		InitialLoading:     c.phase == PhaseInitialLoading,
		IncrementalLoading: c.phase == PhaseIncrementalLoading,
		HasMore:            c.hasMore,
		Phase:              c.phase,
		UpdatedAt:          c.updatedAt,
	}
	if c.err != nil {
		msg := c.err.Message
		details := c.err.Details()
		s.Error = &msg
		s.ErrorDetails = &details
	}
	return s
}

// publishLocked queues the current snapshot for observers. Queuing under the
// same lock as the transition fixes the delivery order.
func (c *Controller[T]) publishLocked() {
	if len(c.observers) == 0 {
		return
	}
	c.pending = append(c.pending, c.snapshotLocked())
}

// deliver drains the queue unless another goroutine already is. Observers
// run without the lock held.
func (c *Controller[T]) deliver() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		s := c.pending[0]
		c.pending[0] = State[T]{}
		c.pending = c.pending[1:]
		fns := make([]func(State[T]), 0, len(c.observers))
		for _, fn := range c.observers {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}
