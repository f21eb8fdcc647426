package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/btree"
)

// MemoryStore is a volatile engine keeping BSON blobs in memory. Numeric
// indexes are B-trees ordered by (value, insertion sequence).
type MemoryStore struct {
	mu          sync.Mutex
	closed      bool
	release     func()
	collections map[string]*memoryCollectionData
}

type memoryRow struct {
	seq  int64
	id   DocumentID
	body []byte
}

type indexEntry struct {
	key number
	row *memoryRow
}

type memoryIndex struct {
	kind IndexKind
	tree *btree.BTreeG[indexEntry]
}

type memoryCollectionData struct {
	lastSeq int64
	rows    map[DocumentID]*memoryRow
	order   *btree.BTreeG[*memoryRow]
	indexes map[string]*memoryIndex
}

// OpenMemoryStore returns an empty store. A non empty path is claimed so two
// handles cannot share one name.
func OpenMemoryStore(path string) (*MemoryStore, error) {
	release := func() {}
	if path != "" {
		var err error
		release, err = claimPath(path)
		if err != nil {
			return nil, err
		}
	}
	return &MemoryStore{
		release:     release,
		collections: map[string]*memoryCollectionData{},
	}, nil
}

func newMemoryCollectionData() *memoryCollectionData {
	return &memoryCollectionData{
		rows: map[DocumentID]*memoryRow{},
		order: btree.NewG(32, func(a, b *memoryRow) bool {
			return a.seq < b.seq
		}),
		indexes: map[string]*memoryIndex{},
	}
}

func newMemoryIndex(kind IndexKind) *memoryIndex {
	return &memoryIndex{
		kind: kind,
		tree: btree.NewG(32, func(a, b indexEntry) bool {
			if c := a.key.compare(b.key); c != 0 {
				return c < 0
			}
			return a.row.seq < b.row.seq
		}),
	}
}

func (s *MemoryStore) Collection(name string) (CollectionAPI, error) {
	if err := checkCollectionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &memoryCollection{store: s, name: name}, nil
}

func (s *MemoryStore) CollectionNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) DropCollection(ctx context.Context, name string, mustExist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.collections[name]; !exists {
		if mustExist {
			return fmt.Errorf("collection '%s': %w", name, ErrNotFound)
		}
		return nil
	}
	delete(s.collections, name)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.collections = nil
	s.release()
	return nil
}

type memoryCollection struct {
	store *MemoryStore
	name  string
}

func (c *memoryCollection) Name() string {
	return c.name
}

// lock acquires the store and returns the collection data, creating it when
// create is set. data is nil for a collection that was never written.
func (c *memoryCollection) lock(create bool) (*memoryCollectionData, error) {
	c.store.mu.Lock()
	if c.store.closed {
		c.store.mu.Unlock()
		return nil, ErrClosed
	}
	data := c.store.collections[c.name]
	if data == nil && create {
		data = newMemoryCollectionData()
		c.store.collections[c.name] = data
	}
	return data, nil
}

func (c *memoryCollection) unlock() {
	c.store.mu.Unlock()
}

func (c *memoryCollection) CreateIndex(ctx context.Context, field string, kind IndexKind) error {
	if kind != IndexNumeric {
		return &IndexError{Field: field, Kind: kind, Err: errors.New("unsupported index kind")}
	}
	if field == "" || field == "_id" {
		return &IndexError{Field: field, Kind: kind, Err: errors.New("field cannot be indexed")}
	}

	data, err := c.lock(true)
	if err != nil {
		return err
	}
	defer c.unlock()

	if _, exists := data.indexes[field]; exists {
		return nil
	}

	index := newMemoryIndex(kind)
	var indexErr error
	data.order.Ascend(func(row *memoryRow) bool {
		doc, err := decodeDocument(row.body)
		if err != nil {
			indexErr = storageErr("create index", err)
			return false
		}
		n, present, err := indexValue(doc, field, kind)
		if err != nil {
			indexErr = err
			return false
		}
		if present {
			index.tree.ReplaceOrInsert(indexEntry{key: n, row: row})
		}
		return true
	})
	if indexErr != nil {
		return indexErr
	}

	data.indexes[field] = index
	return nil
}

func (c *memoryCollection) InsertOne(ctx context.Context, doc Document) (DocumentID, error) {
	ids, err := c.InsertMany(ctx, []Document{doc})
	if err != nil {
		return DocumentID{}, err
	}
	return ids[0], nil
}

type pendingEntry struct {
	field string
	key   number
}

// InsertMany validates and encodes every document before storing any of them.
func (c *memoryCollection) InsertMany(ctx context.Context, docs []Document) ([]DocumentID, error) {
	data, err := c.lock(len(docs) > 0)
	if err != nil {
		return nil, err
	}
	defer c.unlock()

	if len(docs) == 0 {
		return []DocumentID{}, nil
	}

	rows := make([]*memoryRow, 0, len(docs))
	entries := make([][]pendingEntry, 0, len(docs))
	seen := map[DocumentID]bool{}
	for _, doc := range docs {
		id, body, err := prepareDocument(doc)
		if err != nil {
			return nil, storageErr("insert", err)
		}
		if _, exists := data.rows[id]; exists || seen[id] {
			return nil, &StorageError{Op: "insert", Err: fmt.Errorf("duplicate _id %s", id.Hex())}
		}
		seen[id] = true

		pending, err := indexEntriesFor(data, doc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, &memoryRow{id: id, body: body})
		entries = append(entries, pending)
	}

	ids := make([]DocumentID, len(rows))
	for i, row := range rows {
		data.lastSeq++
		row.seq = data.lastSeq
		data.rows[row.id] = row
		data.order.ReplaceOrInsert(row)
		for _, e := range entries[i] {
			data.indexes[e.field].tree.ReplaceOrInsert(indexEntry{key: e.key, row: row})
		}
		ids[i] = row.id
	}
	return ids, nil
}

func indexEntriesFor(data *memoryCollectionData, doc Document) ([]pendingEntry, error) {
	var pending []pendingEntry
	for field, index := range data.indexes {
		n, present, err := indexValue(doc, field, index.kind)
		if err != nil {
			return nil, err
		}
		if present {
			pending = append(pending, pendingEntry{field: field, key: n})
		}
	}
	return pending, nil
}

func (c *memoryCollection) FindOneByField(ctx context.Context, field string, value interface{}) (Document, error) {
	data, err := c.lock(false)
	if err != nil {
		return nil, err
	}
	defer c.unlock()

	if data != nil {
		docs, err := data.match(field, []interface{}{value}, 1)
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return docs[0], nil
		}
	}
	return nil, fmt.Errorf("%s = %v: %w", field, value, ErrNotFound)
}

func (c *memoryCollection) FindOneByID(ctx context.Context, id DocumentID) (Document, error) {
	data, err := c.lock(false)
	if err != nil {
		return nil, err
	}
	defer c.unlock()

	if data != nil {
		if row, ok := data.rows[id]; ok {
			doc, err := decodeDocument(row.body)
			return doc, storageErr("load", err)
		}
	}
	return nil, fmt.Errorf("_id %s: %w", id.Hex(), ErrNotFound)
}

func (c *memoryCollection) FindIn(ctx context.Context, field string, values []interface{}, limit int) ([]Document, error) {
	data, err := c.lock(false)
	if err != nil {
		return nil, err
	}
	defer c.unlock()

	if data == nil || len(values) == 0 {
		return []Document{}, nil
	}
	return data.match(field, values, limit)
}

func (c *memoryCollection) UpdateWhere(ctx context.Context, field string, value interface{}, mutation Mutation) (int64, error) {
	if err := validateMutation(mutation); err != nil {
		return 0, err
	}
	data, err := c.lock(false)
	if err != nil {
		return 0, err
	}
	defer c.unlock()
	if data == nil {
		return 0, nil
	}

	rows, err := data.matchRows(field, []interface{}{value}, 0)
	if err != nil {
		return 0, err
	}

	// Build every new version first so a failing document leaves all untouched.
	type change struct {
		row *memoryRow
		doc Document
	}
	var changes []change
	for _, row := range rows {
		doc, err := decodeDocument(row.body)
		if err != nil {
			return 0, storageErr("update", err)
		}
		if !applyMutation(doc, mutation) {
			continue
		}
		if _, err := indexEntriesFor(data, doc); err != nil {
			return 0, err
		}
		changes = append(changes, change{row: row, doc: doc})
	}

	for _, ch := range changes {
		if err := data.rewrite(ch.row, ch.doc); err != nil {
			return 0, err
		}
	}
	return int64(len(changes)), nil
}

func (c *memoryCollection) DeleteField(ctx context.Context, id DocumentID, field string) error {
	if field == "_id" {
		return errors.New("_id cannot be removed")
	}
	data, err := c.lock(false)
	if err != nil {
		return err
	}
	defer c.unlock()

	var row *memoryRow
	if data != nil {
		row = data.rows[id]
	}
	if row == nil {
		return fmt.Errorf("_id %s: %w", id.Hex(), ErrNotFound)
	}

	doc, err := decodeDocument(row.body)
	if err != nil {
		return storageErr("delete field", err)
	}
	if _, ok := doc[field]; !ok {
		return nil
	}
	delete(doc, field)
	return data.rewrite(row, doc)
}

func (c *memoryCollection) Count(ctx context.Context) (int64, error) {
	data, err := c.lock(false)
	if err != nil {
		return 0, err
	}
	defer c.unlock()
	if data == nil {
		return 0, nil
	}

	var n int64
	data.order.Ascend(func(*memoryRow) bool {
		n++
		return true
	})
	return n, nil
}

// rewrite replaces the body of row with doc and moves its index entries.
func (d *memoryCollectionData) rewrite(row *memoryRow, doc Document) error {
	old, err := decodeDocument(row.body)
	if err != nil {
		return storageErr("rewrite", err)
	}
	pending, err := indexEntriesFor(d, doc)
	if err != nil {
		return err
	}
	_, body, err := prepareDocument(doc)
	if err != nil {
		return storageErr("rewrite", err)
	}

	for field, index := range d.indexes {
		if n, present, _ := indexValue(old, field, index.kind); present {
			index.tree.Delete(indexEntry{key: n, row: row})
		}
	}
	row.body = body
	for _, e := range pending {
		d.indexes[e.field].tree.ReplaceOrInsert(indexEntry{key: e.key, row: row})
	}
	return nil
}

func (d *memoryCollectionData) match(field string, values []interface{}, limit int) ([]Document, error) {
	rows, err := d.matchRows(field, values, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeDocument(row.body)
		if err != nil {
			return nil, storageErr("query", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// matchRows returns the rows whose field equals any of values in insertion
// order, walking the index when there is one and every value is numeric.
func (d *memoryCollectionData) matchRows(field string, values []interface{}, limit int) ([]*memoryRow, error) {
	if index, ok := d.indexes[field]; ok {
		keys := make([]number, 0, len(values))
		for _, v := range values {
			n, ok := toNumber(v)
			if !ok {
				keys = nil
				break
			}
			if !n.isNaN() {
				keys = append(keys, n)
			}
		}
		if keys != nil {
			return index.lookup(keys, limit), nil
		}
	}

	rows := []*memoryRow{}
	var scanErr error
	d.order.Ascend(func(row *memoryRow) bool {
		doc, err := decodeDocument(row.body)
		if err != nil {
			scanErr = storageErr("query", err)
			return false
		}
		if fieldIn(doc, field, values) {
			rows = append(rows, row)
		}
		return limit <= 0 || len(rows) < limit
	})
	return rows, scanErr
}

func (i *memoryIndex) lookup(keys []number, limit int) []*memoryRow {
	seen := map[*memoryRow]bool{}
	rows := []*memoryRow{}
	for _, key := range keys {
		pivot := indexEntry{key: key, row: &memoryRow{seq: math.MinInt64}}
		i.tree.AscendGreaterOrEqual(pivot, func(e indexEntry) bool {
			if e.key.compare(key) != 0 {
				return false
			}
			if !seen[e.row] {
				seen[e.row] = true
				rows = append(rows, e.row)
			}
			return limit <= 0 || len(keys) > 1 || len(rows) < limit
		})
	}

	sort.Slice(rows, func(a, b int) bool { return rows[a].seq < rows[b].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
