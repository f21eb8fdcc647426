package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

const (
	EngineSQLite  = "sqlite"
	EngineMemory  = "memory"
	EngineMongoDB = "mongodb"
)

// DocumentStore owns the connection to one database. It is not safe for
// concurrent use beyond what the engine serializes itself.
type DocumentStore interface {
	// Collection returns a proxy for name. The collection is created on first write.
	Collection(name string) (CollectionAPI, error)
	DropCollection(ctx context.Context, name string, mustExist bool) error
	CollectionNames(ctx context.Context) ([]string, error)
	Close() error
}

type StoreConfig struct {
	Engine   string `yaml:"engine"`
	Path     string `yaml:"path"`
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// OpenStore opens or creates the database described by config.
func OpenStore(ctx context.Context, config StoreConfig) (DocumentStore, error) {
	var (
		store DocumentStore
		err   error
	)
	switch config.Engine {
	case EngineSQLite, "":
		store, err = OpenSQLiteStore(ctx, config.Path)
	case EngineMemory:
		store, err = OpenMemoryStore(config.Path)
	case EngineMongoDB:
		store, err = OpenMongoStore(ctx, config.URI, config.Database)
	default:
		return nil, &EngineError{Path: config.Path, Err: fmt.Errorf("unknown engine %q", config.Engine)}
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

var openPaths = struct {
	sync.Mutex
	paths map[string]struct{}
}{paths: map[string]struct{}{}}

// claimPath marks path as open in this process. A database file is owned by
// a single handle at a time.
func claimPath(path string) (release func(), err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &EngineError{Path: path, Err: err}
	}

	openPaths.Lock()
	defer openPaths.Unlock()

	if _, taken := openPaths.paths[abs]; taken {
		return nil, &EngineError{Path: path, Err: errors.New("database is already open")}
	}
	openPaths.paths[abs] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			openPaths.Lock()
			delete(openPaths.paths, abs)
			openPaths.Unlock()
		})
	}, nil
}

func checkCollectionName(name string) error {
	if name == "" {
		return errors.New("collection name is empty")
	}
	return nil
}
