package changefeed

import (
	"context"
	"sync"

	"tasksync/domain"
)

// LocalFeed delivers events published in this process to its subscribers.
// It serves single-instance deployments that run without Redis.
type LocalFeed struct {
	mu   sync.Mutex
	subs map[chan domain.ChangeEvent]context.Context
}

// NewLocalFeed creates an empty in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[chan domain.ChangeEvent]context.Context)}
}

func (f *LocalFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	ch := make(chan domain.ChangeEvent, eventBuffer)
	f.mu.Lock()
	f.subs[ch] = ctx
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// Publish hands ev to every subscriber in commit order. It blocks while a
// subscriber's buffer is full.
func (f *LocalFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, subCtx := range f.subs {
		select {
		case ch <- ev:
		case <-subCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
