// Package orchestrator drives the sync: it queues change events per entity,
// runs them on a bounded worker pool and moves each entity through its
// sync states.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/convert"
	"github.com/starford/laguz/internal/local"
	"github.com/starford/laguz/internal/metrics"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/remote"
	"github.com/starford/laguz/internal/resolver"
	"github.com/starford/laguz/internal/storage"
)

// Records is the state store as used by the orchestrator.
type Records interface {
	Get(entityID string) (models.SyncRecord, error)
	GetByRemoteID(remoteID string) (models.SyncRecord, error)
	Put(r models.SyncRecord) error
	List(state models.RecordState) ([]models.SyncRecord, error)
}

// Publisher receives the outcome of every processed event.
type Publisher interface {
	PublishOutcome(o models.Outcome)
}

// Config holds orchestrator settings.
type Config struct {
	Policy          resolver.Policy
	Workers         int
	ShutdownTimeout time.Duration
	// ConflictDir is relative to the local root.
	ConflictDir string
	// Retry resubmits events that failed with a transient error.
	Retry      bool
	MaxBackoff time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records counters and the queue depth.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher sends outcomes to p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator consumes change events. Events for one entity run strictly in
// arrival order; distinct entities run concurrently up to Workers.
type Orchestrator struct {
	cfg       Config
	remote    remote.API
	local     *local.Store
	fs        *storage.FS
	records   Records
	rconv     *convert.Remote
	resolver  *resolver.Resolver
	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher Publisher
	now       func() time.Time

	mu       sync.Mutex
	queues   map[string][]models.ChangeEvent
	busy     map[string]bool
	runnable []string
	depth    int
	closed   bool
	halted   map[string]error
	forced   map[string]models.Side
	backoffs map[string]*backoff.ExponentialBackOff
	retrying int
	wake     chan struct{}
	// creates holds remote creates between the API call and the record
	// write, keyed by entity id.
	creates map[string]chan struct{}
}

// New creates an orchestrator.
func New(cfg Config, rem remote.API, store *local.Store, records Records, rconv *convert.Remote, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	o := &Orchestrator{
		cfg:      cfg,
		remote:   rem,
		local:    store,
		fs:       store.FS(),
		records:  records,
		rconv:    rconv,
		resolver: resolver.New(cfg.Policy),
		logger:   logger,
		now:      time.Now,
		queues:   make(map[string][]models.ChangeEvent),
		busy:     make(map[string]bool),
		halted:   make(map[string]error),
		forced:   make(map[string]models.Side),
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		wake:     make(chan struct{}, 1),
		creates:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the conflict policy in effect.
func (o *Orchestrator) Policy() resolver.Policy { return o.resolver.Policy() }

// Submit queues ev without blocking. It fails with apperr.ErrClosed once
// shutdown has begun.
func (o *Orchestrator) Submit(ev models.ChangeEvent) error {
	if ev.EntityID == "" {
		return errors.New("orchestrator: submit: event has no entity id")
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: submit: %w", apperr.ErrClosed)
	}
	o.queues[ev.EntityID] = append(o.queues[ev.EntityID], ev)
	o.depth++
	depth := o.depth
	if !o.busy[ev.EntityID] {
		o.busy[ev.EntityID] = true
		o.runnable = append(o.runnable, ev.EntityID)
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	o.metrics.ChangeEvent(string(ev.Side), string(ev.Kind))
	o.metrics.SetQueueDepth(depth)
	return nil
}

// Run dispatches queued entities to workers until ctx is cancelled, then
// stops accepting events and waits up to the shutdown timeout for in-flight
// applies. Applies still running after that are cancelled before their
// record is written. Only a corrupt state store makes Run return an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	applyCtx, cancelApply := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelApply()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	o.logger.Info("orchestrator: started",
		slog.String("policy", string(o.Policy())),
		slog.Int("workers", o.cfg.Workers))

	for {
		id, ok := o.take(gctx)
		if !ok {
			break
		}
		g.Go(func() error { return o.drain(applyCtx, gctx, id) })
	}

	dropped := o.close()
	if dropped > 0 {
		o.logger.Info("orchestrator: queued events left for the next reconciliation",
			slog.Int("events", dropped))
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-time.After(o.cfg.ShutdownTimeout):
		o.logger.Warn("orchestrator: shutdown timeout, cancelling in-flight applies")
		cancelApply()
		err = <-done
	}
	o.logger.Info("orchestrator: stopped")
	return err
}

// take waits for a runnable entity.
func (o *Orchestrator) take(ctx context.Context) (string, bool) {
	for {
		o.mu.Lock()
		if len(o.runnable) > 0 {
			id := o.runnable[0]
			o.runnable = o.runnable[1:]
			o.mu.Unlock()
			return id, true
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-o.wake:
		}
	}
}

// close rejects further events and discards queued ones. It returns the
// number discarded.
func (o *Orchestrator) close() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	n := o.depth
	for id := range o.queues {
		delete(o.queues, id)
	}
	o.depth = 0
	o.runnable = nil
	o.metrics.SetQueueDepth(0)
	return n
}

// next pops the oldest event for id, or releases id when its queue is empty
// or the orchestrator is stopping.
func (o *Orchestrator) next(id string, stopping bool) (models.ChangeEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[id]
	if stopping || o.closed || len(q) == 0 {
		delete(o.queues, id)
		delete(o.busy, id)
		return models.ChangeEvent{}, false
	}
	ev := q[0]
	if len(q) == 1 {
		delete(o.queues, id)
	} else {
		o.queues[id] = q[1:]
	}
	o.depth--
	o.metrics.SetQueueDepth(o.depth)
	return ev, true
}

// drain processes every queued event for one entity. Applies run under ctx;
// stop ends the loop between events.
func (o *Orchestrator) drain(ctx, stop context.Context, id string) error {
	for {
		ev, ok := o.next(id, stop.Err() != nil)
		if !ok {
			return nil
		}
		if err := o.process(ctx, ev); err != nil {
			return err
		}
	}
}

// process runs one event and classifies its error. Only corruption is
// returned; everything else stays local to the entity.
func (o *Orchestrator) process(ctx context.Context, ev models.ChangeEvent) error {
	o.mu.Lock()
	haltErr := o.halted[ev.EntityID]
	o.mu.Unlock()
	if haltErr != nil {
		o.logger.Warn("orchestrator: entity halted, event ignored",
			slog.String("entity_id", ev.EntityID),
			slog.String("error", haltErr.Error()))
		return nil
	}

	owner, err := o.owner(ctx, ev)
	if err == nil && owner != ev.EntityID {
		o.reroute(ev, owner)
		return nil
	}
	var out models.Outcome
	if err == nil {
		out, err = o.handle(ctx, ev)
	}
	if err == nil {
		o.mu.Lock()
		delete(o.backoffs, ev.EntityID)
		o.mu.Unlock()
		if out.Action != models.ActionNone {
			o.logger.Info("orchestrator: applied",
				slog.String("entity_id", out.EntityID),
				slog.String("action", out.Action),
				slog.String("side", string(out.Side)),
				slog.String("state", string(out.State)))
		}
		o.publish(out)
		return nil
	}

	o.publish(models.Outcome{EntityID: ev.EntityID, Action: models.ActionError, Side: ev.Side, Err: err.Error()})
	attrs := []any{
		slog.String("entity_id", ev.EntityID),
		slog.String("side", string(ev.Side)),
		slog.String("kind", string(ev.Kind)),
		slog.String("error", err.Error()),
	}
	switch {
	case errors.Is(err, apperr.ErrCorrupt):
		o.logger.Error("orchestrator: state store corrupt, stopping", attrs...)
		return err
	case apperr.IsPersistence(err):
		o.mu.Lock()
		o.halted[ev.EntityID] = err
		o.mu.Unlock()
		o.logger.Error("orchestrator: persistence failure, entity halted", attrs...)
	case apperr.IsParse(err):
		o.logger.Warn("orchestrator: local file unreadable, entity skipped", attrs...)
	case apperr.IsRetryable(err):
		o.logger.Warn("orchestrator: transient failure", attrs...)
		o.retryLater(ev, err)
	case errors.Is(err, context.Canceled):
		o.logger.Warn("orchestrator: apply cancelled, entity left unchanged", attrs...)
	default:
		o.logger.Error("orchestrator: apply failed", attrs...)
	}
	return nil
}

// reroute queues ev under the entity that owns its page, so it runs in
// order with that entity's other events.
func (o *Orchestrator) reroute(ev models.ChangeEvent, owner string) {
	o.logger.Debug("orchestrator: event routed to owning entity",
		slog.String("entity_id", ev.EntityID),
		slog.String("remote_id", ev.RemoteID),
		slog.String("owner", owner))
	ev.EntityID = owner
	if err := o.Submit(ev); err != nil {
		o.logger.Warn("orchestrator: routed event dropped",
			slog.String("entity_id", owner),
			slog.String("error", err.Error()))
	}
}

// retryLater resubmits ev after a per-entity exponential delay, honouring a
// rate limit's Retry-After.
func (o *Orchestrator) retryLater(ev models.ChangeEvent, err error) {
	if !o.cfg.Retry {
		return
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	b, ok := o.backoffs[ev.EntityID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.MaxInterval = o.cfg.MaxBackoff
		b.Reset()
		o.backoffs[ev.EntityID] = b
	}
	wait := b.NextBackOff()
	o.retrying++
	o.mu.Unlock()

	var rl *apperr.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > wait {
		wait = rl.RetryAfter
	}
	time.AfterFunc(wait, func() {
		o.mu.Lock()
		o.retrying--
		o.mu.Unlock()
		_ = o.Submit(ev)
	})
}

func (o *Orchestrator) publish(out models.Outcome) {
	if o.publisher != nil {
		o.publisher.PublishOutcome(out)
	}
}

// Idle reports whether no events are queued, running or waiting to retry.
func (o *Orchestrator) Idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.busy) == 0 && o.depth == 0 && o.retrying == 0
}

// WaitIdle blocks until Idle or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		if o.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Halted returns the entities stopped by a persistence failure.
func (o *Orchestrator) Halted() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.halted))
	for id, err := range o.halted {
		out[id] = err.Error()
	}
	return out
}
