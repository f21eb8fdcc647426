package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// openTestMongo connects to the server named by DOCBENCH_MONGODB_URI, or skips.
func openTestMongo(t *testing.T) *MongoStore {
	uri := os.Getenv("DOCBENCH_MONGODB_URI")
	if uri == "" {
		t.Skip("DOCBENCH_MONGODB_URI not set")
	}
	store, err := OpenMongoStore(context.Background(), uri, "docbench_test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMongoCollection(t *testing.T) {
	store := openTestMongo(t)
	ctx := context.Background()
	require.NoError(t, store.DropCollection(ctx, "users", false))
	collection := mustCollection(t, store, "users")

	ids := insertUsers(t, collection, 20)
	require.NoError(t, collection.CreateIndex(ctx, "user_id", IndexNumeric))

	count, err := collection.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)

	doc, err := collection.FindOneByField(ctx, "user_id", 7)
	require.NoError(t, err)
	assert.Equal(t, "user-7", doc["name"])

	doc, err = collection.FindOneByID(ctx, ids[3])
	require.NoError(t, err)
	assert.EqualValues(t, 4, doc["user_id"])

	modified, err := collection.UpdateWhere(ctx, "name", "user-1", SetField("count", 308329))
	require.NoError(t, err)
	assert.Equal(t, int64(1), modified)

	require.NoError(t, collection.DeleteField(ctx, ids[0], "age"))
	doc, err = collection.FindOneByID(ctx, ids[0])
	require.NoError(t, err)
	assert.NotContains(t, doc, "age")
	assert.ErrorIs(t, collection.DeleteField(ctx, primitive.NewObjectID(), "age"), ErrNotFound)

	docs, err := collection.FindIn(ctx, "user_id", []interface{}{1, 2, 3}, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	require.NoError(t, store.DropCollection(ctx, "users", true))
	assert.ErrorIs(t, store.DropCollection(ctx, "users", true), ErrNotFound)
}

func TestMongoCreateIndexRejectsText(t *testing.T) {
	store := openTestMongo(t)
	ctx := context.Background()
	require.NoError(t, store.DropCollection(ctx, "text_ids", false))
	collection := mustCollection(t, store, "text_ids")
	_, err := collection.InsertOne(ctx, Document{"user_id": "abc"})
	require.NoError(t, err)

	err = collection.CreateIndex(ctx, "user_id", IndexNumeric)

	var indexErr *IndexError
	assert.ErrorAs(t, err, &indexErr)
}
