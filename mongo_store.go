package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoURI      = "mongodb://localhost:27017"
	defaultMongoDatabase = "benchmarking"
)

// MongoStore runs the same workloads against a MongoDB server. Batched inserts
// are ordered but not atomic: a failed InsertMany may leave a prefix stored.
type MongoStore struct {
	mu     sync.Mutex
	closed bool
	client *mongo.Client
	db     *mongo.Database
}

func OpenMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		uri = defaultMongoURI
	}
	if database == "" {
		database = defaultMongoDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &EngineError{Path: uri, Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, &EngineError{Path: uri, Err: err}
	}

	return &MongoStore{
		client: client,
		db:     client.Database(database),
	}, nil
}

func (s *MongoStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MongoStore) Collection(name string) (CollectionAPI, error) {
	if err := checkCollectionName(name); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	return &MongoDBCollection{Collection: s.db.Collection(name), store: s}, nil
}

func (s *MongoStore) CollectionNames(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	names, err := s.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, storageErr("list collections", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MongoStore) DropCollection(ctx context.Context, name string, mustExist bool) error {
	if s.isClosed() {
		return ErrClosed
	}
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return storageErr("drop", err)
	}
	if len(names) == 0 {
		if mustExist {
			return fmt.Errorf("collection '%s': %w", name, ErrNotFound)
		}
		return nil
	}
	return storageErr("drop", s.db.Collection(name).Drop(ctx))
}

func (s *MongoStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.client.Disconnect(context.Background())
}

// MongoDBCollection is a wrapper around mongo.Collection to implement CollectionAPI
type MongoDBCollection struct {
	*mongo.Collection
	store *MongoStore
}

func (c *MongoDBCollection) check() error {
	if c.store.isClosed() {
		return ErrClosed
	}
	return nil
}

func (c *MongoDBCollection) CreateIndex(ctx context.Context, field string, kind IndexKind) error {
	if err := c.check(); err != nil {
		return err
	}
	if kind != IndexNumeric {
		return &IndexError{Field: field, Kind: kind, Err: errors.New("unsupported index kind")}
	}

	bad, err := c.Collection.CountDocuments(ctx, bson.M{field: bson.M{"$exists": true, "$not": bson.M{"$type": "number"}}})
	if err != nil {
		return storageErr("create index", err)
	}
	if bad > 0 {
		return &IndexError{Field: field, Kind: kind, Err: fmt.Errorf("%d documents hold non numeric values", bad)}
	}

	_, err = c.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: field, Value: 1}}})
	return storageErr("create index", err)
}

func (c *MongoDBCollection) InsertOne(ctx context.Context, doc Document) (DocumentID, error) {
	if err := c.check(); err != nil {
		return DocumentID{}, err
	}
	id, body, err := prepareDocument(doc)
	if err != nil {
		return id, storageErr("insert", err)
	}
	_, err = c.Collection.InsertOne(ctx, bson.Raw(body))
	if err != nil {
		return DocumentID{}, storageErr("insert", err)
	}
	return id, nil
}

func (c *MongoDBCollection) InsertMany(ctx context.Context, docs []Document) ([]DocumentID, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return []DocumentID{}, nil
	}

	ids := make([]DocumentID, len(docs))
	raws := make([]interface{}, len(docs))
	for i, doc := range docs {
		id, body, err := prepareDocument(doc)
		if err != nil {
			return nil, storageErr("insert", err)
		}
		ids[i] = id
		raws[i] = bson.Raw(body)
	}

	_, err := c.Collection.InsertMany(ctx, raws, options.InsertMany().SetOrdered(true))
	if err != nil {
		return nil, storageErr("insert", err)
	}
	return ids, nil
}

func (c *MongoDBCollection) FindOneByField(ctx context.Context, field string, value interface{}) (Document, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	doc := Document{}
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	err := c.Collection.FindOne(ctx, bson.M{field: value}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s = %v: %w", field, value, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("find", err)
	}
	return doc, nil
}

func (c *MongoDBCollection) FindOneByID(ctx context.Context, id DocumentID) (Document, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	doc := Document{}
	err := c.Collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("_id %s: %w", id.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("find", err)
	}
	return doc, nil
}

func (c *MongoDBCollection) FindIn(ctx context.Context, field string, values []interface{}, limit int) ([]Document, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return []Document{}, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := c.Collection.Find(ctx, bson.M{field: bson.M{"$in": values}}, opts)
	if err != nil {
		return nil, storageErr("find", err)
	}
	defer cursor.Close(ctx)

	docs := []Document{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storageErr("find", err)
	}
	return docs, nil
}

func (c *MongoDBCollection) UpdateWhere(ctx context.Context, field string, value interface{}, mutation Mutation) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if err := validateMutation(mutation); err != nil {
		return 0, err
	}

	update := bson.M{}
	if len(mutation.Set) > 0 {
		update["$set"] = mutation.Set
	}
	if len(mutation.Unset) > 0 {
		unset := bson.M{}
		for _, f := range mutation.Unset {
			unset[f] = ""
		}
		update["$unset"] = unset
	}
	if len(update) == 0 {
		return 0, nil
	}

	result, err := c.Collection.UpdateMany(ctx, bson.M{field: value}, update)
	if err != nil {
		return 0, storageErr("update", err)
	}
	return result.ModifiedCount, nil
}

func (c *MongoDBCollection) DeleteField(ctx context.Context, id DocumentID, field string) error {
	if err := c.check(); err != nil {
		return err
	}
	if field == "_id" {
		return errors.New("_id cannot be removed")
	}
	result, err := c.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$unset": bson.M{field: ""}})
	if err != nil {
		return storageErr("delete field", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("_id %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

func (c *MongoDBCollection) Count(ctx context.Context) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	n, err := c.Collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}
