package changefeed

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// DefaultChannel is the pub/sub channel change events are published on.
const DefaultChannel = "tasks:changes"

// RedisFeed publishes change events on a Redis pub/sub channel and lets
// any number of processes subscribe to them.
type RedisFeed struct {
	client     *redis.Client
	channel    string
	logger     *log.Logger
	retryDelay time.Duration
}

// NewRedisFeed creates a feed bound to channel.
func NewRedisFeed(client *redis.Client, channel string, logger *log.Logger) *RedisFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisFeed{client: client, channel: channel, logger: logger, retryDelay: defaultRetryDelay}
}

// Publish sends ev to every subscriber of the channel.
func (f *RedisFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, data).Err()
}

// Subscribe attaches to the channel. The returned channel stays open until
// ctx is cancelled; a dropped pub/sub connection is re-established and
// followed by an invalidate event since messages may have been missed.
func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan domain.ChangeEvent, eventBuffer)
	go f.run(ctx, sub, out)
	return out, nil
}

func (f *RedisFeed) run(ctx context.Context, sub *redis.PubSub, out chan<- domain.ChangeEvent) {
	defer close(out)
	for {
		f.consume(ctx, sub, out)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.WithField("channel", f.channel).Error("pubsub channel closed, reconnecting")
		if !sleepCtx(ctx, f.retryDelay) {
			return
		}
		sub = f.resubscribe(ctx)
		if sub == nil {
			return
		}
		if !deliver(ctx, out, invalidateEvent()) {
			_ = sub.Close()
			return
		}
	}
}

func (f *RedisFeed) consume(ctx context.Context, sub *redis.PubSub, out chan<- domain.ChangeEvent) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.ChangeEvent
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
				f.logger.Errorf("unable to parse change event: %v", err)
				continue
			}
			if !deliver(ctx, out, ev) {
				return
			}
		}
	}
}

// resubscribe retries until the subscription is confirmed or ctx is done.
func (f *RedisFeed) resubscribe(ctx context.Context) *redis.PubSub {
	for {
		sub := f.client.Subscribe(ctx, f.channel)
		_, err := sub.Receive(ctx)
		if err == nil {
			return sub
		}
		_ = sub.Close()
		f.logger.WithError(err).Error("resubscribe failed")
		if !sleepCtx(ctx, f.retryDelay) {
			return nil
		}
	}
}
