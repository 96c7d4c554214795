// Package storage persists tasks and users. Every backend honours the same
// ownership rules: an update or delete outside the caller's scope reports
// zero affected records, exactly like a missing record.
package storage

import (
	"context"

	"tasksync/domain"
)

// Storage is implemented by every task store backend and decorator.
type Storage interface {
	CreateTask(ctx context.Context, scope domain.OwnerScope, in domain.NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, scope domain.OwnerScope, patch domain.TaskPatch) (int64, error)
	DeleteTask(ctx context.Context, id string, scope domain.OwnerScope) (int64, error)
	ListTasks(ctx context.Context, scope domain.OwnerScope) ([]domain.Task, error)
	UpsertUser(ctx context.Context, uid string, profile map[string]any) (domain.UpsertResult, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Publisher announces committed changes. It is satisfied by the change feed
// implementations.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

func ownerOf(scope domain.OwnerScope) string {
	if !scope.Enforced {
		return ""
	}
	return scope.OwnerID
}
