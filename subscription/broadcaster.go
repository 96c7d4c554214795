package subscription

import (
	"context"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasksync/changefeed"
	"tasksync/domain"
)

// Snapshotter loads the ordered task list visible in a scope.
type Snapshotter interface {
	ListTasks(ctx context.Context, scope domain.OwnerScope) ([]domain.Task, error)
}

// Invalidator drops cached state for a scope before it is reloaded.
type Invalidator interface {
	Invalidate(ctx context.Context, scope domain.OwnerScope)
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithInitialSnapshot makes Attach queue the current list right away
// instead of waiting for the first change.
func WithInitialSnapshot(enabled bool) BroadcasterOption {
	return func(b *Broadcaster) { b.initial = enabled }
}

// WithInvalidator clears cached lists for every change the feed reports.
// Use it when the feed also reports writes made by other processes.
func WithInvalidator(inv Invalidator) BroadcasterOption {
	return func(b *Broadcaster) { b.invalidator = inv }
}

// Broadcaster fans change events out to registered subscriptions. Each
// affected scope is loaded and encoded once per event.
type Broadcaster struct {
	registry    *Registry
	store       Snapshotter
	logger      *log.Logger
	initial     bool
	invalidator Invalidator
}

// NewBroadcaster creates a broadcaster pushing to the handles of registry.
func NewBroadcaster(registry *Registry, store Snapshotter, logger *log.Logger, opts ...BroadcasterOption) *Broadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := &Broadcaster{registry: registry, store: store, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers a subscription and, when enabled, queues its initial
// snapshot. The caller runs Serve on the handle.
func (b *Broadcaster) Attach(ctx context.Context, scope domain.OwnerScope, mode Mode, sink Sink) *Handle {
	h := b.registry.Register(scope, mode, sink)
	if b.initial && h.Mode() == ModeSnapshot {
		payload, err := b.snapshot(ctx, scope)
		if err != nil {
			b.logger.WithError(err).WithField("subscription", h.ID()).Error("load initial snapshot")
			b.registry.drop(h, err)
			return h
		}
		if err := h.offer(payload); err != nil {
			b.registry.drop(h, err)
		}
	}
	return h
}

// Run consumes feed until ctx is done. Faults while pushing never stop it.
func (b *Broadcaster) Run(ctx context.Context, feed changefeed.Feed) error {
	events, err := feed.Subscribe(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("broadcaster listening for task changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.Broadcast(ctx, ev)
		}
	}
}

// Broadcast pushes ev to every subscription it affects.
func (b *Broadcaster) Broadcast(ctx context.Context, ev domain.ChangeEvent) {
	b.invalidate(ctx, ev)
	var delta, scrubbed []byte
	for _, scope := range b.registry.Scopes() {
		if !affects(ev, scope) {
			continue
		}
		if handles := b.registry.Handles(scope, ModeSnapshot); len(handles) > 0 {
			b.pushSnapshot(ctx, scope, handles)
		}
		handles := b.registry.Handles(scope, ModeDelta)
		if len(handles) == 0 {
			continue
		}
		payload := &delta
		out := ev
		if !visibleTo(ev, scope) {
			payload = &scrubbed
			out = scrub(ev)
		}
		if *payload == nil {
			data, err := sonic.Marshal(out)
			if err != nil {
				b.logger.WithError(err).Error("encode change event")
				continue
			}
			*payload = data
		}
		b.deliver(handles, *payload)
	}
}

// invalidate drops cached lists the event may have changed. Scopes of owners
// without subscribers are dropped too so plain reads stay fresh.
func (b *Broadcaster) invalidate(ctx context.Context, ev domain.ChangeEvent) {
	if b.invalidator == nil {
		return
	}
	if !ev.AffectsAll() {
		scope := domain.Global()
		if ev.OwnerID != "" {
			scope = domain.OwnedBy(ev.OwnerID)
		}
		b.invalidator.Invalidate(ctx, scope)
		return
	}
	b.invalidator.Invalidate(ctx, domain.Global())
	for _, scope := range b.registry.Scopes() {
		if scope.Enforced {
			b.invalidator.Invalidate(ctx, scope)
		}
	}
}

func (b *Broadcaster) pushSnapshot(ctx context.Context, scope domain.OwnerScope, handles []*Handle) {
	payload, err := b.snapshot(ctx, scope)
	if err != nil {
		b.logger.WithError(err).WithField("scope", scope.Key()).Error("load snapshot")
		for _, h := range handles {
			b.registry.drop(h, err)
		}
		return
	}
	b.deliver(handles, payload)
}

func (b *Broadcaster) snapshot(ctx context.Context, scope domain.OwnerScope) ([]byte, error) {
	tasks, err := b.store.ListTasks(ctx, scope)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return sonic.Marshal(tasks)
}

func (b *Broadcaster) deliver(handles []*Handle, payload []byte) {
	for _, h := range handles {
		if err := h.offer(payload); err != nil && err != domain.ErrSubscriptionClosed {
			b.registry.drop(h, err)
		}
	}
}

// affects reports whether subscribers of scope must hear about ev.
func affects(ev domain.ChangeEvent, scope domain.OwnerScope) bool {
	if !scope.Enforced || ev.AffectsAll() {
		return true
	}
	return ev.OwnerID == scope.OwnerID
}

// visibleTo reports whether scope may see the details of ev. Events whose
// owner is unknown could belong to anyone, so enforced scopes only learn
// that something changed.
func visibleTo(ev domain.ChangeEvent, scope domain.OwnerScope) bool {
	if !scope.Enforced {
		return true
	}
	return ev.OwnerKnown && ev.OwnerID == scope.OwnerID
}

func scrub(ev domain.ChangeEvent) domain.ChangeEvent {
	return domain.ChangeEvent{Kind: domain.ChangeInvalidate, At: ev.At}
}
