package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tasksync/domain"
)

const (
	tasksCollection = "tasks"
	usersCollection = "users"
)

// MongoTask is the document stored in the tasks collection.
type MongoTask struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Title       string             `bson:"title"`
	Description string             `bson:"description"`
	Category    string             `bson:"category"`
	Order       int                `bson:"order"`
	OwnerID     string             `bson:"ownerId,omitempty"`
	CreatedAt   time.Time          `bson:"createdAt"`
}

// ToDomain converts the document to a domain task.
func (m MongoTask) ToDomain() domain.Task {
	t := domain.Task{
		Title:       m.Title,
		Description: m.Description,
		Category:    m.Category,
		Order:       m.Order,
		OwnerID:     m.OwnerID,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	if !m.ID.IsZero() {
		t.ID = m.ID.Hex()
	}
	return t
}

// Mongo stores tasks and users in MongoDB.
type Mongo struct {
	client *mongo.Client
	tasks  *mongo.Collection
	users  *mongo.Collection
	now    func() time.Time
}

// NewMongo prepares a client for uri. The driver connects lazily, so an
// unreachable server surfaces on the first operation rather than here.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1).SetStrict(true).SetDeprecationErrors(true)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI))
	if err != nil {
		return nil, err
	}
	db := client.Database(database)
	return &Mongo{
		client: client,
		tasks:  db.Collection(tasksCollection),
		users:  db.Collection(usersCollection),
		now:    time.Now,
	}, nil
}

// Tasks exposes the tasks collection for change streams.
func (m *Mongo) Tasks() *mongo.Collection {
	return m.tasks
}

// EnsureIndexes creates the indexes list and upsert queries rely on.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	if _, err := m.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "order", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "uid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// EnablePreImages turns on change stream pre-images for the tasks
// collection. Requires MongoDB 6.0 or later.
func (m *Mongo) EnablePreImages(ctx context.Context) error {
	return m.tasks.Database().RunCommand(ctx, bson.D{
		{Key: "collMod", Value: m.tasks.Name()},
		{Key: "changeStreamPreAndPostImages", Value: bson.D{{Key: "enabled", Value: true}}},
	}).Err()
}

func (m *Mongo) CreateTask(ctx context.Context, scope domain.OwnerScope, in domain.NewTask) (domain.Task, error) {
	task := in.Build(ownerOf(scope), m.now())
	doc := MongoTask{
		Title:       task.Title,
		Description: task.Description,
		Category:    task.Category,
		Order:       task.Order,
		OwnerID:     task.OwnerID,
		CreatedAt:   task.CreatedAt,
	}
	res, err := m.tasks.InsertOne(ctx, doc)
	if err != nil {
		return domain.Task{}, domain.StoreFault("create task", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		task.ID = oid.Hex()
	}
	return task, nil
}

func (m *Mongo) UpdateTask(ctx context.Context, id string, scope domain.OwnerScope, patch domain.TaskPatch) (int64, error) {
	filter, ok := taskFilter(id, scope)
	if !ok {
		return 0, nil
	}
	set := patchDocument(patch)
	if len(set) == 0 {
		n, err := m.tasks.CountDocuments(ctx, filter, options.Count().SetLimit(1))
		if err != nil {
			return 0, domain.StoreFault("update task", err)
		}
		return n, nil
	}
	res, err := m.tasks.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return 0, domain.StoreFault("update task", err)
	}
	return res.MatchedCount, nil
}

func (m *Mongo) DeleteTask(ctx context.Context, id string, scope domain.OwnerScope) (int64, error) {
	filter, ok := taskFilter(id, scope)
	if !ok {
		return 0, nil
	}
	res, err := m.tasks.DeleteOne(ctx, filter)
	if err != nil {
		return 0, domain.StoreFault("delete task", err)
	}
	return res.DeletedCount, nil
}

func (m *Mongo) ListTasks(ctx context.Context, scope domain.OwnerScope) ([]domain.Task, error) {
	filter := bson.M{}
	if scope.Enforced {
		filter["ownerId"] = scope.OwnerID
	}
	cur, err := m.tasks.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "order", Value: 1}}))
	if err != nil {
		return nil, domain.StoreFault("list tasks", err)
	}
	var docs []MongoTask
	if err := cur.All(ctx, &docs); err != nil {
		return nil, domain.StoreFault("list tasks", err)
	}
	tasks := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		tasks = append(tasks, d.ToDomain())
	}
	return tasks, nil
}

func (m *Mongo) UpsertUser(ctx context.Context, uid string, profile map[string]any) (domain.UpsertResult, error) {
	set, err := profileDocument(uid, profile)
	if err != nil {
		return domain.UpsertResult{}, domain.StoreFault("upsert user", err)
	}
	res, err := m.users.UpdateOne(ctx, bson.M{"uid": uid}, bson.M{"$set": set}, options.Update().SetUpsert(true))
	if err != nil {
		return domain.UpsertResult{}, domain.StoreFault("upsert user", err)
	}
	out := domain.UpsertResult{
		Acknowledged:  true,
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
	}
	if oid, ok := res.UpsertedID.(primitive.ObjectID); ok {
		out.UpsertedID = oid.Hex()
	}
	return out, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return domain.StoreFault("ping", err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// taskFilter matches the record id and, when ownership is enforced, the
// owner. Ids that are not valid ObjectIDs cannot match anything.
func taskFilter(id string, scope domain.OwnerScope) (bson.M, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, false
	}
	filter := bson.M{"_id": oid}
	if scope.Enforced {
		filter["ownerId"] = scope.OwnerID
	}
	return filter, true
}

func patchDocument(patch domain.TaskPatch) bson.M {
	patch = patch.Normalize()
	set := bson.M{}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.Category != nil {
		set["category"] = *patch.Category
	}
	if patch.Order != nil {
		set["order"] = *patch.Order
	}
	return set
}

var errInvalidProfileKey = errors.New("invalid profile field name")

// profileDocument copies the client profile verbatim, minus the document id,
// and pins uid so the upsert key cannot be overwritten.
func profileDocument(uid string, profile map[string]any) (bson.M, error) {
	set := bson.M{}
	for k, v := range profile {
		if k == "_id" {
			continue
		}
		if k == "" || strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
			return nil, errInvalidProfileKey
		}
		set[k] = v
	}
	set["uid"] = uid
	return set, nil
}
