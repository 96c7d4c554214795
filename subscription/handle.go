package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasksync/domain"
)

// Mode selects what a subscription receives on every change.
type Mode string

const (
	// ModeSnapshot pushes the full ordered task list of the subscriber.
	ModeSnapshot Mode = "snapshot"
	// ModeDelta pushes the change event itself.
	ModeDelta Mode = "delta"
)

// ParseMode maps a query value to a Mode, defaulting to snapshots.
func ParseMode(v string) Mode {
	if Mode(v) == ModeDelta {
		return ModeDelta
	}
	return ModeSnapshot
}

// State is the lifecycle position of a Handle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	// stateSending is an open handle whose writer is inside Sink.Send.
	stateSending
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen, stateSending:
		return "open"
	default:
		return "closed"
	}
}

// Sink writes one payload to the connection behind a subscription.
type Sink interface {
	Send(ctx context.Context, payload []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payload []byte) error

func (f SinkFunc) Send(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// Handle is one live connection registered for pushes. Payloads are queued
// in its mailbox and written by Serve, one at a time and in order.
type Handle struct {
	id       string
	scope    domain.OwnerScope
	mode     Mode
	sink     Sink
	registry *Registry

	state      atomic.Int32
	mailbox    chan []byte
	closed     context.Context
	markClosed context.CancelFunc

	offerMu   sync.Mutex
	closeOnce sync.Once
}

func (h *Handle) ID() string               { return h.id }
func (h *Handle) Scope() domain.OwnerScope { return h.scope }
func (h *Handle) Mode() Mode               { return h.mode }

func (h *Handle) State() State {
	if s := State(h.state.Load()); s != stateSending {
		return s
	}
	return StateOpen
}

// Done is closed once the handle leaves the registry.
func (h *Handle) Done() <-chan struct{} { return h.closed.Done() }

// offer queues payload. A snapshot mailbox keeps only the newest payload;
// a full delta mailbox closes the subscription.
func (h *Handle) offer(payload []byte) error {
	h.offerMu.Lock()
	defer h.offerMu.Unlock()
	if h.State() == StateClosed {
		return domain.ErrSubscriptionClosed
	}
	select {
	case h.mailbox <- payload:
		return nil
	default:
	}
	if h.mode == ModeDelta {
		return errMailboxOverflow
	}
	// drop the stale snapshot
	select {
	case <-h.mailbox:
	default:
	}
	select {
	case h.mailbox <- payload:
	default:
	}
	return nil
}

// Serve writes queued payloads to the sink until ctx is done, the handle is
// unregistered or a write fails. The handle is unregistered on return.
func (h *Handle) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// closing the handle aborts an in-flight write
	stop := context.AfterFunc(h.closed, cancel)
	defer stop()
	defer h.registry.Unregister(h)
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-h.mailbox:
			if err := h.push(ctx, payload); err != nil {
				if err == domain.ErrSubscriptionClosed || h.State() == StateClosed {
					return nil
				}
				return err
			}
		}
	}
}

func (h *Handle) push(ctx context.Context, payload []byte) error {
	if !h.state.CompareAndSwap(int32(StateOpen), int32(stateSending)) {
		return domain.ErrSubscriptionClosed
	}
	defer h.state.CompareAndSwap(int32(stateSending), int32(StateOpen))

	ctx, span := h.registry.tracer.Start(ctx, pushSpanName, trace.WithAttributes(
		attribute.String("tasksync.subscription.id", h.id),
		attribute.String("tasksync.subscription.mode", string(h.mode)),
		attribute.Int("tasksync.push.bytes", len(payload)),
	))
	defer span.End()

	start := time.Now()
	err := h.sink.Send(ctx, payload)
	h.registry.observePush(h, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// close moves the handle to CLOSED without waiting for the writer. After it
// returns no new payload is handed to the sink, and a write already in
// flight sees its context cancelled.
func (h *Handle) close() bool {
	closed := false
	h.closeOnce.Do(func() {
		h.offerMu.Lock()
		h.state.Store(int32(StateClosed))
		h.offerMu.Unlock()
		h.markClosed()
		closed = true
	})
	return closed
}
