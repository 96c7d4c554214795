package storage

import (
	"context"
	"errors"

	"tasksync/domain"
)

type stubStorage struct {
	createFn func(ctx context.Context, scope domain.OwnerScope, in domain.NewTask) (domain.Task, error)
	updateFn func(ctx context.Context, id string, scope domain.OwnerScope, patch domain.TaskPatch) (int64, error)
	deleteFn func(ctx context.Context, id string, scope domain.OwnerScope) (int64, error)
	listFn   func(ctx context.Context, scope domain.OwnerScope) ([]domain.Task, error)
}

func (s *stubStorage) CreateTask(ctx context.Context, scope domain.OwnerScope, in domain.NewTask) (domain.Task, error) {
	if s.createFn == nil {
		return domain.Task{}, errors.New("unexpected CreateTask call")
	}
	return s.createFn(ctx, scope, in)
}

func (s *stubStorage) UpdateTask(ctx context.Context, id string, scope domain.OwnerScope, patch domain.TaskPatch) (int64, error) {
	if s.updateFn == nil {
		return 0, errors.New("unexpected UpdateTask call")
	}
	return s.updateFn(ctx, id, scope, patch)
}

func (s *stubStorage) DeleteTask(ctx context.Context, id string, scope domain.OwnerScope) (int64, error) {
	if s.deleteFn == nil {
		return 0, errors.New("unexpected DeleteTask call")
	}
	return s.deleteFn(ctx, id, scope)
}

func (s *stubStorage) ListTasks(ctx context.Context, scope domain.OwnerScope) ([]domain.Task, error) {
	if s.listFn == nil {
		return nil, errors.New("unexpected ListTasks call")
	}
	return s.listFn(ctx, scope)
}

func (s *stubStorage) UpsertUser(context.Context, string, map[string]any) (domain.UpsertResult, error) {
	return domain.UpsertResult{Acknowledged: true}, nil
}

func (s *stubStorage) Ping(context.Context) error  { return nil }
func (s *stubStorage) Close(context.Context) error { return nil }
