// Package changefeed carries task change events from the store to live
// subscribers. A Feed is a standing subscription: it keeps delivering until
// its context is cancelled, reconnecting to the backing transport on its own.
package changefeed

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

const (
	defaultRetryDelay = time.Second
	eventBuffer       = 16
)

// Feed delivers change events until ctx is done, then closes the channel.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error)
}

// Publisher announces a committed change.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// MultiPublisher publishes to a primary publisher and any number of
// secondary sinks. Only primary failures are returned; secondary failures
// are logged.
type MultiPublisher struct {
	primary     Publisher
	secondaries []Publisher
	logger      *log.Logger
}

// NewMultiPublisher creates a publisher fanning out to primary and secondaries.
func NewMultiPublisher(logger *log.Logger, primary Publisher, secondaries ...Publisher) *MultiPublisher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &MultiPublisher{primary: primary, secondaries: secondaries, logger: logger}
}

func (m *MultiPublisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	var err error
	if m.primary != nil {
		err = m.primary.Publish(ctx, ev)
	}
	for _, p := range m.secondaries {
		if serr := p.Publish(ctx, ev); serr != nil {
			m.logger.WithError(serr).WithField("task", ev.TaskID).Warn("secondary change sink failed")
		}
	}
	return err
}

// deliver sends ev unless ctx is done first.
func deliver(ctx context.Context, out chan<- domain.ChangeEvent, ev domain.ChangeEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func invalidateEvent() domain.ChangeEvent {
	return domain.ChangeEvent{Kind: domain.ChangeInvalidate, At: time.Now().UTC()}
}
