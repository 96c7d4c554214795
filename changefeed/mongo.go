package changefeed

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tasksync/domain"
	"tasksync/storage"
)

type changeStream interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
	ResumeToken() bson.Raw
}

type streamOpener func(ctx context.Context, resumeAfter bson.Raw) (changeStream, error)

// MongoFeed turns a MongoDB change stream on the tasks collection into
// change events.
type MongoFeed struct {
	open       streamOpener
	logger     *log.Logger
	retryDelay time.Duration
}

// NewMongoFeed watches coll with full documents looked up on update and
// pre-images requested for deletes, so a delete still names its owner when
// the collection records pre-images.
func NewMongoFeed(coll *mongo.Collection, logger *log.Logger) *MongoFeed {
	open := func(ctx context.Context, resumeAfter bson.Raw) (changeStream, error) {
		opts := options.ChangeStream().
			SetFullDocument(options.UpdateLookup).
			SetFullDocumentBeforeChange(options.WhenAvailable)
		if resumeAfter != nil {
			opts.SetResumeAfter(resumeAfter)
		}
		cs, err := coll.Watch(ctx, mongo.Pipeline{}, opts)
		if err != nil {
			return nil, err
		}
		return cs, nil
	}
	return newMongoFeed(open, logger)
}

func newMongoFeed(open streamOpener, logger *log.Logger) *MongoFeed {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &MongoFeed{open: open, logger: logger, retryDelay: defaultRetryDelay}
}

// Subscribe opens the change stream and delivers its events until ctx is
// done. Broken streams are resumed from the last seen token.
func (f *MongoFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	stream, err := f.open(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.ChangeEvent, eventBuffer)
	go f.run(ctx, stream, out)
	return out, nil
}

func (f *MongoFeed) run(ctx context.Context, stream changeStream, out chan<- domain.ChangeEvent) {
	defer close(out)
	var resume bson.Raw
	for {
		for stream.Next(ctx) {
			var doc changeDoc
			if err := stream.Decode(&doc); err != nil {
				f.logger.Errorf("unable to decode change: %v", err)
				continue
			}
			resume = stream.ResumeToken()
			ev, ok := doc.event()
			if !ok {
				continue
			}
			if !deliver(ctx, out, ev) {
				_ = stream.Close(context.Background())
				return
			}
		}
		streamErr := stream.Err()
		_ = stream.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		f.logger.WithError(streamErr).Error("change stream closed, reopening")

		var resumed bool
		var err error
		stream, resumed, err = f.reopen(ctx, resume)
		if err != nil {
			return
		}
		if !resumed {
			resume = nil
			if !deliver(ctx, out, invalidateEvent()) {
				_ = stream.Close(context.Background())
				return
			}
		}
	}
}

// reopen retries until a stream is opened or ctx is done. When resuming
// from the token fails the stream is restarted from now and the token is
// dropped.
func (f *MongoFeed) reopen(ctx context.Context, resume bson.Raw) (changeStream, bool, error) {
	for {
		if !sleepCtx(ctx, f.retryDelay) {
			return nil, false, ctx.Err()
		}
		stream, err := f.open(ctx, resume)
		if err == nil {
			return stream, resume != nil, nil
		}
		f.logger.WithError(err).Warn("reopen change stream")
		resume = nil
	}
}

type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID primitive.ObjectID `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *storage.MongoTask `bson:"fullDocument"`
	BeforeChange *storage.MongoTask `bson:"fullDocumentBeforeChange"`
}

func (d changeDoc) event() (domain.ChangeEvent, bool) {
	ev := domain.ChangeEvent{At: time.Now().UTC()}
	if !d.DocumentKey.ID.IsZero() {
		ev.TaskID = d.DocumentKey.ID.Hex()
	}
	switch d.OperationType {
	case "insert":
		ev.Kind = domain.ChangeInsert
	case "update":
		ev.Kind = domain.ChangeUpdate
	case "replace":
		ev.Kind = domain.ChangeReplace
	case "delete":
		ev.Kind = domain.ChangeDelete
	case "drop", "rename", "dropDatabase", "invalidate":
		ev.Kind = domain.ChangeInvalidate
		return ev, true
	default:
		return domain.ChangeEvent{}, false
	}
	switch {
	case d.FullDocument != nil:
		task := d.FullDocument.ToDomain()
		ev.Task = &task
		ev.OwnerID = task.OwnerID
		ev.OwnerKnown = true
	case d.BeforeChange != nil:
		ev.OwnerID = d.BeforeChange.OwnerID
		ev.OwnerKnown = true
	}
	return ev, true
}
