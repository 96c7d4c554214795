package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"tasksync/domain"
)

const (
	edmDateTime = "Edm.DateTime"
	userProfile = "Profile"
)

type tableClient interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Tables stores tasks and users in Azure Table Storage. Tasks are
// partitioned by owner so the ownership check is part of the entity key.
type Tables struct {
	taskTable tableClient
	userTable tableClient
	now       func() time.Time
	newID     func() string
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, tasksTable, usersTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newTables(svc.NewClient(tasksTable), svc.NewClient(usersTable)), nil
}

func newTables(tasks, users tableClient) *Tables {
	return &Tables{taskTable: tasks, userTable: users, now: time.Now, newID: uuid.NewString}
}

type taskEntity struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	Title         string    `json:"Title"`
	Description   string    `json:"Description"`
	Category      string    `json:"Category"`
	Order         int       `json:"Order"`
	OwnerID       string    `json:"OwnerId,omitempty"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type,omitempty"`
}

func (e taskEntity) toDomain() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		Category:    e.Category,
		Order:       e.Order,
		OwnerID:     e.OwnerID,
		CreatedAt:   e.CreatedAt,
	}
}

func (t *Tables) CreateTask(ctx context.Context, scope domain.OwnerScope, in domain.NewTask) (domain.Task, error) {
	task := in.Build(ownerOf(scope), t.now())
	task.ID = t.newID()
	ent := taskEntity{
		PartitionKey:  scope.Partition(),
		RowKey:        task.ID,
		Title:         task.Title,
		Description:   task.Description,
		Category:      task.Category,
		Order:         task.Order,
		OwnerID:       task.OwnerID,
		CreatedAt:     task.CreatedAt,
		CreatedAtType: edmDateTime,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, domain.StoreFault("create task", err)
	}
	if _, err := t.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, domain.StoreFault("create task", err)
	}
	return task, nil
}

func (t *Tables) UpdateTask(ctx context.Context, id string, scope domain.OwnerScope, patch domain.TaskPatch) (int64, error) {
	patch = patch.Normalize()
	pk := scope.Partition()
	if patch.Empty() {
		return t.exists(ctx, t.taskTable, pk, id)
	}
	upd := map[string]any{"PartitionKey": pk, "RowKey": id}
	if patch.Title != nil {
		upd["Title"] = *patch.Title
	}
	if patch.Description != nil {
		upd["Description"] = *patch.Description
	}
	if patch.Category != nil {
		upd["Category"] = *patch.Category
	}
	if patch.Order != nil {
		upd["Order"] = *patch.Order
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return 0, domain.StoreFault("update task", err)
	}
	et := azcore.ETagAny
	_, err = t.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, domain.StoreFault("update task", err)
	}
	return 1, nil
}

func (t *Tables) DeleteTask(ctx context.Context, id string, scope domain.OwnerScope) (int64, error) {
	et := azcore.ETagAny
	_, err := t.taskTable.DeleteEntity(ctx, scope.Partition(), id, &aztables.DeleteEntityOptions{IfMatch: &et})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, domain.StoreFault("delete task", err)
	}
	return 1, nil
}

// ListTasks retrieves all tasks of the scope ordered by their order field.
func (t *Tables) ListTasks(ctx context.Context, scope domain.OwnerScope) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + escapeODataString(scope.Partition()) + "'"
	pager := t.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, domain.StoreFault("list tasks", err)
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, domain.StoreFault("list tasks", err)
			}
			tasks = append(tasks, ent.toDomain())
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// UpsertUser replaces the profile stored for uid. The profile is kept as a
// JSON document so arbitrary client fields survive.
func (t *Tables) UpsertUser(ctx context.Context, uid string, profile map[string]any) (domain.UpsertResult, error) {
	matched, err := t.exists(ctx, t.userTable, uid, uid)
	if err != nil {
		return domain.UpsertResult{}, err
	}
	doc, err := json.Marshal(profile)
	if err != nil {
		return domain.UpsertResult{}, domain.StoreFault("upsert user", err)
	}
	payload, err := json.Marshal(map[string]any{
		"PartitionKey": uid,
		"RowKey":       uid,
		userProfile:    string(doc),
	})
	if err != nil {
		return domain.UpsertResult{}, domain.StoreFault("upsert user", err)
	}
	if _, err := t.userTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.UpsertResult{}, domain.StoreFault("upsert user", err)
	}
	res := domain.UpsertResult{Acknowledged: true, MatchedCount: matched, ModifiedCount: matched}
	if matched == 0 {
		res.UpsertedCount = 1
		res.UpsertedID = uid
	}
	return res, nil
}

// Ping lists at most one entity to prove the task table is reachable.
func (t *Tables) Ping(ctx context.Context) error {
	top := int32(1)
	pager := t.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return domain.StoreFault("ping", err)
		}
	}
	return nil
}

func (t *Tables) Close(context.Context) error { return nil }

func (t *Tables) exists(ctx context.Context, table tableClient, pk, rk string) (int64, error) {
	if _, err := table.GetEntity(ctx, pk, rk, nil); err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, domain.StoreFault("get entity", err)
	}
	return 1, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
