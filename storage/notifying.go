package storage

import (
	"context"

	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// Notifying publishes a change event after every committed write that
// affected a record. Backends without a native change feed rely on it.
type Notifying struct {
	Storage
	publisher Publisher
	logger    *log.Logger
}

// NewNotifying wraps base so its writes are announced through publisher.
func NewNotifying(base Storage, publisher Publisher, logger *log.Logger) *Notifying {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Notifying{Storage: base, publisher: publisher, logger: logger}
}

func (n *Notifying) CreateTask(ctx context.Context, scope domain.OwnerScope, in domain.NewTask) (domain.Task, error) {
	task, err := n.Storage.CreateTask(ctx, scope, in)
	if err != nil {
		return domain.Task{}, err
	}
	n.publish(ctx, domain.NewChangeEvent(domain.ChangeInsert, task.ID, scope, &task))
	return task, nil
}

func (n *Notifying) UpdateTask(ctx context.Context, id string, scope domain.OwnerScope, patch domain.TaskPatch) (int64, error) {
	matched, err := n.Storage.UpdateTask(ctx, id, scope, patch)
	if err != nil {
		return 0, err
	}
	if matched > 0 && !patch.Normalize().Empty() {
		n.publish(ctx, domain.NewChangeEvent(domain.ChangeUpdate, id, scope, nil))
	}
	return matched, nil
}

func (n *Notifying) DeleteTask(ctx context.Context, id string, scope domain.OwnerScope) (int64, error) {
	deleted, err := n.Storage.DeleteTask(ctx, id, scope)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		n.publish(ctx, domain.NewChangeEvent(domain.ChangeDelete, id, scope, nil))
	}
	return deleted, nil
}

// publish never fails the write: the change is already committed.
func (n *Notifying) publish(ctx context.Context, ev domain.ChangeEvent) {
	if n.publisher == nil {
		return
	}
	if err := n.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		n.logger.WithError(err).WithFields(log.Fields{
			"task": ev.TaskID,
			"kind": ev.Kind,
		}).Error("publish change event")
	}
}
