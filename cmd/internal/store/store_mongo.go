package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"prism/cmd/internal/ids"
)

const (
	mongoDefaultPollInterval = 2 * time.Second
	mongoOpTimeout           = 10 * time.Second
)

// MongoStore is the hosted document-database adapter.
//
// Ownership model:
// - MongoStore does NOT own the mongo client. The caller must disconnect it.
// - Close() only stops the change poller.
//
// Change delivery: mutations performed through this instance notify
// subscribers immediately; writes from other clients are picked up by a
// digest-gated poller over the subscribed collections.
type MongoStore struct {
	log *slog.Logger
	db  *mongo.Database

	pollEvery time.Duration

	notifier *notifier

	done      chan struct{}
	closeOnce sync.Once
}

// MongoOption configures MongoStore behavior.
type MongoOption func(*MongoStore)

// WithMongoPollInterval overrides the external-writer poll interval
// (default 2s).
func WithMongoPollInterval(d time.Duration) MongoOption {
	return func(s *MongoStore) {
		if d > 0 {
			s.pollEvery = d
		}
	}
}

// NewMongoStore constructs a Mongo-backed Store and starts its poller.
func NewMongoStore(log *slog.Logger, db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if db == nil {
		return nil, errors.New("store: nil mongo database")
	}

	s := &MongoStore{
		log:       log,
		db:        db,
		pollEvery: mongoDefaultPollInterval,
		notifier:  newNotifier(log, "mongo"),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.poll()
	return s, nil
}

// OpenMongo connects to a Mongo deployment and returns the named database.
func OpenMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, transportErr("store.mongo.connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, transportErr("store.mongo.ping", err)
	}
	return client, client.Database(database), nil
}

// Close stops the poller (idempotent). The client is owned by the caller.
func (s *MongoStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Subscribe registers a live snapshot listener.
func (s *MongoStore) Subscribe(ctx context.Context, q Query, fn SnapshotFunc) (Unsubscribe, error) {
	return s.notifier.subscribe(ctx, q, fn, s.fetch)
}

// Get returns the document at id or ErrNotFound.
func (s *MongoStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if collection == "" || id == "" {
		return nil, ErrInvalidInput
	}

	var raw bson.M
	err := s.coll(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transportErr("store.mongo.get", err)
	}
	return fromBSON(raw), nil
}

// Upsert merges fields into the document at id, creating it if absent.
// Nested objects are written as dotted paths so the merge is recursive,
// matching the other adapters.
func (s *MongoStore) Upsert(ctx context.Context, collection, id string, fields Document) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	set := bson.M{"id": id}
	flattenFields("", fields, set)

	_, err := s.coll(collection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return transportErr("store.mongo.upsert", err)
	}

	metricMutations.WithLabelValues("mongo", "upsert").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

// Insert creates a new document with a generated id.
func (s *MongoStore) Insert(ctx context.Context, collection string, fields Document) (string, error) {
	if collection == "" {
		return "", ErrInvalidInput
	}

	id, err := ids.NewULID(time.Now())
	if err != nil {
		return "", err
	}

	doc := bson.M{"_id": id, "id": id}
	for k, v := range fields {
		doc[k] = v
	}

	if _, err := s.coll(collection).InsertOne(ctx, doc); err != nil {
		return "", transportErr("store.mongo.insert", err)
	}

	metricMutations.WithLabelValues("mongo", "insert").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return id, nil
}

// Mutate applies ops to the document at id in one update so subscribers never
// see a partial application. Missing ids surface ErrNotFound.
func (s *MongoStore) Mutate(ctx context.Context, collection, id string, ops []Update) error {
	if collection == "" || id == "" || len(ops) == 0 {
		return ErrInvalidInput
	}

	update := bson.M{}
	addOp := func(operator, field string, value any) {
		m, ok := update[operator].(bson.M)
		if !ok {
			m = bson.M{}
			update[operator] = m
		}
		m[field] = value
	}

	for _, op := range ops {
		switch op.Kind {
		case UpdateSet:
			addOp("$set", op.Field, op.Value)
		case UpdateArrayUnion:
			addOp("$addToSet", op.Field, op.Value)
		case UpdateArrayRemove:
			addOp("$pull", op.Field, op.Value)
		case UpdateIncrement:
			addOp("$inc", op.Field, op.Delta)
		default:
			return ErrInvalidInput
		}
	}

	res, err := s.coll(collection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return transportErr("store.mongo.mutate", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	metricMutations.WithLabelValues("mongo", "mutate").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

// Remove deletes the document at id. Missing ids surface ErrNotFound.
func (s *MongoStore) Remove(ctx context.Context, collection, id string) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	res, err := s.coll(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return transportErr("store.mongo.remove", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}

	metricMutations.WithLabelValues("mongo", "remove").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

var mongoCollectionReplacer = strings.NewReplacer("/", "__")

func (s *MongoStore) coll(name string) *mongo.Collection {
	return s.db.Collection(mongoCollectionReplacer.Replace(name))
}

func (s *MongoStore) fetch(ctx context.Context, q Query) ([]Document, error) {
	cursor, err := s.coll(q.Collection).Find(ctx, bson.M{})
	if err != nil {
		return nil, transportErr("store.mongo.fetch", err)
	}
	defer cursor.Close(ctx)

	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, transportErr("store.mongo.fetch", err)
	}

	docs := make([]Document, 0, len(raws))
	for _, raw := range raws {
		doc := fromBSON(raw)
		if matches(doc, q.Filters) {
			docs = append(docs, doc)
		}
	}

	// Shared comparator keeps snapshot order identical across adapters.
	sortDocuments(docs, q.OrderBy, q.Descending)
	return docs, nil
}

// poll picks up writes performed by other clients against the same database.
func (s *MongoStore) poll() {
	t := time.NewTicker(s.pollEvery)
	defer t.Stop()

	digests := make(map[string]uint64)

	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		for _, collection := range s.notifier.collections() {
			ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
			docs, err := s.fetch(ctx, Query{Collection: collection})
			cancel()
			if err != nil {
				s.log.Warn("store.mongo.poll.fail", "collection", collection, "err", err)
				continue
			}

			d := digestDocuments(docs)
			if digests[collection] == d {
				continue
			}
			digests[collection] = d

			s.notifier.broadcast(context.Background(), collection, s.fetch)
		}
	}
}

// flattenFields turns nested objects into dotted $set paths.
func flattenFields(prefix string, fields Document, out bson.M) {
	for k, v := range fields {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := asMap(v); ok {
			flattenFields(key, m, out)
			continue
		}
		out[key] = v
	}
}

// fromBSON normalizes driver types into plain Document values.
func fromBSON(raw bson.M) Document {
	doc := make(Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		doc[k] = fromBSONValue(v)
	}
	return doc
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSONValue(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSONValue(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSONValue(e)
		}
		return out
	case primitive.DateTime:
		return FormatTime(t.Time())
	default:
		return v
	}
}
