// Package subscription tracks live connections and pushes task changes to
// them. A Registry owns the set of handles; a Broadcaster turns change
// events into payloads and queues them on the affected handles.
package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tasksync/domain"
)

const (
	pushSpanName      = "tasksync.push"
	defaultDeltaQueue = 64
)

var errMailboxOverflow = errors.New("subscription mailbox overflow")

// Option configures a Registry.
type Option func(*Registry)

// WithRegisterer registers the registry collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) { r.registerer = reg }
}

// WithDeltaQueue bounds the mailbox of delta subscriptions.
func WithDeltaQueue(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.deltaQueue = n
		}
	}
}

// WithTracer overrides the tracer used for push spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// Registry holds every open subscription handle.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle

	logger     *log.Logger
	tracer     trace.Tracer
	registerer prometheus.Registerer
	deltaQueue int

	live     prometheus.Gauge
	pushes   *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Registry{
		handles:    make(map[string]*Handle),
		logger:     logger,
		deltaQueue: defaultDeltaQueue,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("tasksync/subscription")
	}
	r.live = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tasksync_live_subscriptions",
		Help: "Number of open live-update subscriptions.",
	})
	r.pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_pushes_total",
		Help: "Payloads written to live-update subscriptions.",
	}, []string{"mode", "result"})
	r.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tasksync_push_duration_seconds",
		Help:    "Time spent writing one payload to a subscriber.",
		Buckets: prometheus.DefBuckets,
	})
	if r.registerer != nil {
		for _, c := range []prometheus.Collector{r.live, r.pushes, r.duration} {
			if err := r.registerer.Register(c); err != nil {
				logger.WithError(err).Warn("register subscription metrics")
			}
		}
	}
	return r
}

// Register adds a handle for scope and moves it to OPEN. The caller must run
// Serve on the returned handle to deliver its pushes.
func (r *Registry) Register(scope domain.OwnerScope, mode Mode, sink Sink) *Handle {
	size := 1
	if mode == ModeDelta {
		size = r.deltaQueue
	} else {
		mode = ModeSnapshot
	}
	h := &Handle{
		id:       uuid.NewString(),
		scope:    scope,
		mode:     mode,
		sink:     sink,
		registry: r,
		mailbox:  make(chan []byte, size),
	}
	h.closed, h.markClosed = context.WithCancel(context.Background())
	h.state.Store(int32(StateConnecting))

	r.mu.Lock()
	r.handles[h.id] = h
	h.state.Store(int32(StateOpen))
	n := len(r.handles)
	r.mu.Unlock()

	r.live.Set(float64(n))
	r.logger.WithFields(log.Fields{
		"subscription": h.id,
		"scope":        scope.Key(),
		"mode":         mode,
	}).Debug("subscription opened")
	return h
}

// Unregister closes h and removes it. It is safe to call more than once and
// never blocks on the connection: no new payload reaches the sink after it
// returns, and a write in flight has its context cancelled.
func (r *Registry) Unregister(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	delete(r.handles, h.id)
	n := len(r.handles)
	r.mu.Unlock()

	if h.close() {
		r.live.Set(float64(n))
		r.logger.WithField("subscription", h.id).Debug("subscription closed")
	}
}

// Len returns the number of open handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Scopes returns the distinct scopes with at least one open handle, ordered
// by key.
func (r *Registry) Scopes() []domain.OwnerScope {
	r.mu.RLock()
	seen := make(map[string]domain.OwnerScope, len(r.handles))
	for _, h := range r.handles {
		seen[h.scope.Key()] = h.scope
	}
	r.mu.RUnlock()

	out := make([]domain.OwnerScope, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Handles returns the open handles of scope in mode.
func (r *Registry) Handles(scope domain.OwnerScope, mode Mode) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handle
	for _, h := range r.handles {
		if h.scope == scope && h.mode == mode {
			out = append(out, h)
		}
	}
	return out
}

// Drain closes every handle. It is used on shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for id, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
	r.live.Set(0)
	if len(handles) > 0 {
		r.logger.WithField("count", len(handles)).Info("drained subscriptions")
	}
}

// drop unregisters h after a push fault.
func (r *Registry) drop(h *Handle, reason error) {
	r.logger.WithError(reason).WithField("subscription", h.id).Warn("closing subscription")
	r.Unregister(h)
}

func (r *Registry) observePush(h *Handle, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		r.logger.WithError(err).WithField("subscription", h.id).Warn("push failed")
	}
	r.pushes.WithLabelValues(string(h.mode), result).Inc()
	r.duration.Observe(d.Seconds())
}
