// Package store is the document-store external collaborator (§6): a small,
// generic entity/collection contract consumed by the conversation store,
// the memory stores and the scheduler. It is grounded on the teacher's
// MongoDB wrapper (connection pooling, named per-collection indexes) but
// trimmed to the spec's exact collection list and generalized from
// collection-specific CRUD methods to the generic upsertEntity/deleteEntity/
// listCollection/createIndex/snapshotAll/restoreAll operations §6 requires.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names, stable across the process per §6.
const (
	Roles               = "roles"
	Actors              = "actors"
	Users               = "users"
	UserActorRelations  = "user_actor_relations"
	Conversations       = "conversations"
	ConversationMessages = "conversation_messages"
	ShortTermMemories   = "short_term_memories"
	LongTermMemories    = "long_term_memories"
	Agenda              = "agenda" // jobs
	Util                = "util"
)

// AllCollections is the fixed, ordered set snapshotAll/restoreAll operate
// over. Order is stable across the process per §4.4.
var AllCollections = []string{
	Roles, Actors, Users, UserActorRelations, Conversations,
	ConversationMessages, ShortTermMemories, LongTermMemories, Agenda, Util,
}

// IndexSpec describes one index to create on a collection.
type IndexSpec struct {
	Collection string
	Keys       bson.D
	Unique     bool
	TTLSeconds *int32
}

// Store is the generic document-store contract consumed by the core.
// IDs are integers for domain entities, opaque strings for jobs; callers
// pass them through the "id" field of the entity map.
type Store interface {
	UpsertEntity(ctx context.Context, collection string, id any, entity map[string]any) error
	DeleteEntity(ctx context.Context, collection string, id any) error
	ListCollection(ctx context.Context, collection string, filter map[string]any, limit int, sort map[string]int) ([]map[string]any, error)
	CreateIndex(ctx context.Context, spec IndexSpec) error
	SnapshotAll(ctx context.Context, names []string) (map[string][]map[string]any, error)
	RestoreAll(ctx context.Context, snapshot map[string][]map[string]any) error
	Close(ctx context.Context) error
}

// Mongo implements Store over MongoDB.
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// NewMongo connects to uri with the teacher's pooling defaults and pings
// once to fail fast on a bad connection string.
func NewMongo(ctx context.Context, uri, dbName string) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	if dbName == "" {
		dbName = "ema"
	}
	return &Mongo{client: client, database: client.Database(dbName), dbName: dbName}, nil
}

func (m *Mongo) UpsertEntity(ctx context.Context, collection string, id any, entity map[string]any) error {
	entity["id"] = id
	_, err := m.database.Collection(collection).UpdateOne(
		ctx,
		bson.M{"id": id},
		bson.M{"$set": entity},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%v: %w", collection, id, err)
	}
	return nil
}

func (m *Mongo) DeleteEntity(ctx context.Context, collection string, id any) error {
	_, err := m.database.Collection(collection).DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return fmt.Errorf("delete %s/%v: %w", collection, id, err)
	}
	return nil
}

func (m *Mongo) ListCollection(ctx context.Context, collection string, filter map[string]any, limit int, sort map[string]int) ([]map[string]any, error) {
	findOpts := options.Find()
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	if len(sort) > 0 {
		sortDoc := bson.D{}
		for k, v := range sort {
			sortDoc = append(sortDoc, bson.E{Key: k, Value: v})
		}
		findOpts.SetSort(sortDoc)
	}

	bf := bson.M{}
	for k, v := range filter {
		bf[k] = v
	}

	cursor, err := m.database.Collection(collection).Find(ctx, bf, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var out []map[string]any
	for cursor.Next(ctx) {
		var doc map[string]any
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collection, err)
		}
		delete(doc, "_id")
		out = append(out, doc)
	}
	return out, cursor.Err()
}

func (m *Mongo) CreateIndex(ctx context.Context, spec IndexSpec) error {
	idxOpts := options.Index()
	if spec.Unique {
		idxOpts.SetUnique(true)
	}
	if spec.TTLSeconds != nil {
		idxOpts.SetExpireAfterSeconds(*spec.TTLSeconds)
	}
	_, err := m.database.Collection(spec.Collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    spec.Keys,
		Options: idxOpts,
	})
	if err != nil {
		return fmt.Errorf("create index on %s: %w", spec.Collection, err)
	}
	return nil
}

func (m *Mongo) SnapshotAll(ctx context.Context, names []string) (map[string][]map[string]any, error) {
	snapshot := make(map[string][]map[string]any, len(names))
	for _, name := range names {
		docs, err := m.ListCollection(ctx, name, nil, 0, nil)
		if err != nil {
			return nil, err
		}
		snapshot[name] = docs
	}
	return snapshot, nil
}

func (m *Mongo) RestoreAll(ctx context.Context, snapshot map[string][]map[string]any) error {
	return m.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		for name, docs := range snapshot {
			coll := m.database.Collection(name)
			if err := coll.Drop(sessCtx); err != nil {
				return fmt.Errorf("drop %s before restore: %w", name, err)
			}
			if len(docs) == 0 {
				continue
			}
			batch := make([]any, 0, len(docs))
			for _, d := range docs {
				batch = append(batch, d)
			}
			if _, err := coll.InsertMany(sessCtx, batch); err != nil {
				return fmt.Errorf("restore %s: %w", name, err)
			}
		}
		return nil
	})
}

// WithTransaction runs fn inside a MongoDB session transaction.
func (m *Mongo) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

// Collection exposes the raw mongo handle for packages (scheduler, memory)
// that need driver-level access beyond the generic Store contract.
func (m *Mongo) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// EnsureCoreIndexes creates the indexes the core's own collections need.
// Domain-specific collections beyond the core (skills, users, etc.) are an
// external collaborator's concern and are not created here.
func (m *Mongo) EnsureCoreIndexes(ctx context.Context) error {
	specs := []IndexSpec{
		{Collection: Users, Keys: bson.D{{Key: "id", Value: 1}}, Unique: true},
		{Collection: Actors, Keys: bson.D{{Key: "id", Value: 1}}, Unique: true},
		{Collection: Conversations, Keys: bson.D{{Key: "id", Value: 1}}, Unique: true},
		{Collection: ConversationMessages, Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "time", Value: 1}}},
		{Collection: LongTermMemories, Keys: bson.D{{Key: "userId", Value: 1}, {Key: "contentHash", Value: 1}}, Unique: true},
		{Collection: Agenda, Keys: bson.D{{Key: "runAt", Value: 1}}},
		{Collection: Agenda, Keys: bson.D{{Key: "uniqueKeyHash", Value: 1}}},
	}
	for _, s := range specs {
		if err := m.CreateIndex(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
