package main

import (
	"context"
	"fmt"
	"io"

	zlog "github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	demoCollection  = "some_collection"
	demoSearchLimit = 300
	demoCount       = 308329
)

// runDemo walks one collection through the basic operations: add one record,
// add several, search by name, update a count, delete a key and search again.
func runDemo(ctx context.Context, config StoreConfig, out io.Writer) error {
	store, err := OpenStore(ctx, config)
	if err != nil {
		return err
	}
	defer store.Close()

	collection, err := store.Collection(demoCollection)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Add one")
	id, err := collection.InsertOne(ctx, bson.M{"name": "Foo", "count": 10, "age": 40000})
	if err != nil {
		return fmt.Errorf("add one: %w", err)
	}
	zlog.Debug().Str("id", id.Hex()).Msg("inserted")

	fmt.Fprintln(out, "Add Multiple")
	_, err = collection.InsertMany(ctx, []Document{
		{"name": "Foo1", "count": 123},
		{"name": "Bar1", "items": bson.A{4, 5, 6}},
	})
	if err != nil {
		return fmt.Errorf("add multiple: %w", err)
	}

	fmt.Fprintln(out, "Search all")
	if err := printSearch(ctx, collection, out); err != nil {
		return err
	}

	fmt.Fprintln(out, "Update Foo's count")
	modified, err := collection.UpdateWhere(ctx, "name", "Foo", SetField("count", demoCount))
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	fmt.Fprintf(out, "Modified %d documents\n", modified)

	fmt.Fprintln(out, "Delete key")
	if err := collection.DeleteField(ctx, id, "age"); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}

	fmt.Fprintln(out, "Search again")
	if err := printSearch(ctx, collection, out); err != nil {
		return err
	}

	names, err := store.CollectionNames(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Collections: %v\n", names)

	return nil
}

func printSearch(ctx context.Context, collection CollectionAPI, out io.Writer) error {
	docs, err := collection.FindIn(ctx, "name", []interface{}{"Foo", "Foo1", "Bar1"}, demoSearchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	for _, doc := range docs {
		line, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))
	}
	return nil
}
