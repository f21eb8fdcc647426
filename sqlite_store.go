package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	zlog "github.com/rs/zerolog/log"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS _collections (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS _indexes (
	collection TEXT NOT NULL,
	field      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	PRIMARY KEY (collection, field)
);`

// SQLiteStore keeps every collection in its own table of BSON blobs. Indexed
// fields are mirrored into extra columns covered by a SQLite index.
type SQLiteStore struct {
	mu          sync.Mutex
	db          *sql.DB
	path        string
	release     func()
	collections map[string]map[string]IndexKind
}

// OpenSQLiteStore opens or creates the database file at path. The file stays
// exclusively locked until Close.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, &EngineError{Path: path, Err: errors.New("database path is empty")}
	}

	release, err := claimPath(path)
	if err != nil {
		return nil, err
	}

	s, err := openSQLite(ctx, path)
	if err != nil {
		release()
		return nil, &EngineError{Path: path, Err: err}
	}
	s.release = release

	zlog.Debug().Str("path", path).Int("collections", len(s.collections)).Msg("sqlite store opened")

	return s, nil
}

func openSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_locking_mode=EXCLUSIVE&_busy_timeout=0")
	if err != nil {
		return nil, err
	}
	// One connection holds the exclusive lock and serializes every operation.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:          db,
		path:        path,
		collections: map[string]map[string]IndexKind{},
	}

	err = s.init(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Take the exclusive lock now so a second handle fails at open.
	if err := s.lockExclusive(ctx); err != nil {
		return fmt.Errorf("lock database: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM _collections")
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		s.collections[name] = map[string]IndexKind{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, "SELECT collection, field, kind FROM _indexes")
	if err != nil {
		return fmt.Errorf("load indexes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var collection, field, kind string
		if err := rows.Scan(&collection, &field, &kind); err != nil {
			return err
		}
		if indexes, ok := s.collections[collection]; ok {
			indexes[field] = IndexKind(kind)
		}
	}
	return rows.Err()
}

// lockExclusive runs an empty exclusive transaction. With the EXCLUSIVE
// locking mode the lock outlives the transaction and is held by the single
// pooled connection.
func (s *SQLiteStore) lockExclusive(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, "COMMIT")
	return err
}

func (s *SQLiteStore) Collection(name string) (CollectionAPI, error) {
	if err := checkCollectionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return &sqliteCollection{store: s, name: name}, nil
}

func (s *SQLiteStore) CollectionNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *SQLiteStore) DropCollection(ctx context.Context, name string, mustExist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	if _, exists := s.collections[name]; !exists {
		if mustExist {
			return fmt.Errorf("collection '%s': %w", name, ErrNotFound)
		}
		return nil
	}

	err := s.inTx(ctx, "drop", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableName(name)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM _indexes WHERE collection = ?", name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM _collections WHERE name = ?", name)
		return err
	})
	if err != nil {
		return err
	}

	delete(s.collections, name)
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	s.release()
	return err
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return storageErr(op, err)
	}
	return storageErr(op, tx.Commit())
}

// ensureCollection creates the table for name. Must be called with s.mu held.
func (s *SQLiteStore) ensureCollection(ctx context.Context, name string) error {
	if _, exists := s.collections[name]; exists {
		return nil
	}
	err := s.inTx(ctx, "create collection", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+tableName(name)+
			" (seq INTEGER PRIMARY KEY AUTOINCREMENT, id BLOB NOT NULL UNIQUE, body BLOB NOT NULL)")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT OR IGNORE INTO _collections (name) VALUES (?)", name)
		return err
	})
	if err != nil {
		return err
	}
	s.collections[name] = map[string]IndexKind{}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func tableName(collection string) string {
	return quoteIdent("col:" + collection)
}

func indexColumn(field string) string {
	return quoteIdent("ix:" + field)
}

func indexName(collection, field string) string {
	return quoteIdent("ix:" + collection + ":" + field)
}

type sqliteCollection struct {
	store *SQLiteStore
	name  string
}

type sqliteRow struct {
	seq int64
	doc Document
}

func (c *sqliteCollection) Name() string {
	return c.name
}

// lock acquires the store and returns the indexes of the collection, or nil
// when the collection does not exist yet.
func (c *sqliteCollection) lock() (map[string]IndexKind, error) {
	c.store.mu.Lock()
	if c.store.db == nil {
		c.store.mu.Unlock()
		return nil, ErrClosed
	}
	return c.store.collections[c.name], nil
}

func (c *sqliteCollection) unlock() {
	c.store.mu.Unlock()
}

func (c *sqliteCollection) CreateIndex(ctx context.Context, field string, kind IndexKind) error {
	if _, err := c.lock(); err != nil {
		return err
	}
	defer c.unlock()

	if kind != IndexNumeric {
		return &IndexError{Field: field, Kind: kind, Err: errors.New("unsupported index kind")}
	}
	if field == "" || field == "_id" {
		return &IndexError{Field: field, Kind: kind, Err: errors.New("field cannot be indexed")}
	}
	if err := c.store.ensureCollection(ctx, c.name); err != nil {
		return err
	}
	if _, exists := c.store.collections[c.name][field]; exists {
		return nil
	}

	s := c.store
	err := s.inTx(ctx, "create index", func(tx *sql.Tx) error {
		rows, err := c.scan(ctx, tx, "", nil)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "ALTER TABLE "+tableName(c.name)+" ADD COLUMN "+indexColumn(field)+" NUMERIC")
		if err != nil {
			return err
		}

		for _, row := range rows {
			n, present, err := indexValue(row.doc, field, kind)
			if err != nil {
				return err
			}
			if !present {
				continue
			}
			_, err = tx.ExecContext(ctx, "UPDATE "+tableName(c.name)+" SET "+indexColumn(field)+" = ? WHERE seq = ?", n.value(), row.seq)
			if err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, "CREATE INDEX "+indexName(c.name, field)+" ON "+tableName(c.name)+" ("+indexColumn(field)+", seq)")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO _indexes (collection, field, kind) VALUES (?, ?, ?)", c.name, field, string(kind))
		return err
	})
	if err != nil {
		return err
	}

	s.collections[c.name][field] = kind
	zlog.Debug().Str("collection", c.name).Str("field", field).Msg("index created")
	return nil
}

func (c *sqliteCollection) InsertOne(ctx context.Context, doc Document) (DocumentID, error) {
	ids, err := c.InsertMany(ctx, []Document{doc})
	if err != nil {
		return DocumentID{}, err
	}
	return ids[0], nil
}

// InsertMany writes docs in a single transaction: either all of them are
// stored or none is.
func (c *sqliteCollection) InsertMany(ctx context.Context, docs []Document) ([]DocumentID, error) {
	if _, err := c.lock(); err != nil {
		return nil, err
	}
	defer c.unlock()

	if len(docs) == 0 {
		return []DocumentID{}, nil
	}
	if err := c.store.ensureCollection(ctx, c.name); err != nil {
		return nil, err
	}
	indexes := c.store.collections[c.name]
	fields := sortedFields(indexes)

	columns := []string{"id", "body"}
	for _, field := range fields {
		columns = append(columns, indexColumn(field))
	}
	query := "INSERT INTO " + tableName(c.name) + " (" + strings.Join(columns, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	ids := make([]DocumentID, 0, len(docs))
	err := c.store.inTx(ctx, "insert", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, doc := range docs {
			id, body, err := prepareDocument(doc)
			if err != nil {
				return err
			}
			args := []interface{}{id[:], body}
			for _, field := range fields {
				n, present, err := indexValue(doc, field, indexes[field])
				if err != nil {
					return err
				}
				if present {
					args = append(args, n.value())
				} else {
					args = append(args, nil)
				}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func (c *sqliteCollection) FindOneByField(ctx context.Context, field string, value interface{}) (Document, error) {
	indexes, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer c.unlock()
	if indexes == nil {
		return nil, fmt.Errorf("%s = %v: %w", field, value, ErrNotFound)
	}

	rows, err := c.match(ctx, c.store.db, indexes, field, []interface{}{value}, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s = %v: %w", field, value, ErrNotFound)
	}
	return rows[0].doc, nil
}

func (c *sqliteCollection) FindOneByID(ctx context.Context, id DocumentID) (Document, error) {
	indexes, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer c.unlock()
	if indexes == nil {
		return nil, fmt.Errorf("_id %s: %w", id.Hex(), ErrNotFound)
	}

	row, err := c.loadByID(ctx, c.store.db, id)
	if err != nil {
		return nil, err
	}
	return row.doc, nil
}

func (c *sqliteCollection) FindIn(ctx context.Context, field string, values []interface{}, limit int) ([]Document, error) {
	indexes, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer c.unlock()
	if indexes == nil || len(values) == 0 {
		return []Document{}, nil
	}

	rows, err := c.match(ctx, c.store.db, indexes, field, values, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(rows))
	for i, row := range rows {
		docs[i] = row.doc
	}
	return docs, nil
}

func (c *sqliteCollection) UpdateWhere(ctx context.Context, field string, value interface{}, mutation Mutation) (int64, error) {
	indexes, err := c.lock()
	if err != nil {
		return 0, err
	}
	defer c.unlock()
	if err := validateMutation(mutation); err != nil {
		return 0, err
	}
	if indexes == nil {
		return 0, nil
	}

	var modified int64
	err = c.store.inTx(ctx, "update", func(tx *sql.Tx) error {
		rows, err := c.match(ctx, tx, indexes, field, []interface{}{value}, 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !applyMutation(row.doc, mutation) {
				continue
			}
			if err := c.rewrite(ctx, tx, indexes, row); err != nil {
				return err
			}
			modified++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return modified, nil
}

func (c *sqliteCollection) DeleteField(ctx context.Context, id DocumentID, field string) error {
	indexes, err := c.lock()
	if err != nil {
		return err
	}
	defer c.unlock()
	if field == "_id" {
		return errors.New("_id cannot be removed")
	}
	if indexes == nil {
		return fmt.Errorf("_id %s: %w", id.Hex(), ErrNotFound)
	}

	return c.store.inTx(ctx, "delete field", func(tx *sql.Tx) error {
		row, err := c.loadByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, ok := row.doc[field]; !ok {
			return nil
		}
		delete(row.doc, field)
		return c.rewrite(ctx, tx, indexes, row)
	})
}

func (c *sqliteCollection) Count(ctx context.Context) (int64, error) {
	indexes, err := c.lock()
	if err != nil {
		return 0, err
	}
	defer c.unlock()
	if indexes == nil {
		return 0, nil
	}

	var n int64
	err = c.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tableName(c.name)).Scan(&n)
	if err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// match returns rows whose field equals any of values, in insertion order.
// The index column is used when field is indexed and every value is numeric;
// anything else falls back to a full scan.
func (c *sqliteCollection) match(ctx context.Context, q querier, indexes map[string]IndexKind, field string, values []interface{}, limit int) ([]sqliteRow, error) {
	if _, indexed := indexes[field]; indexed {
		args := make([]interface{}, 0, len(values))
		for _, v := range values {
			n, ok := toNumber(v)
			if !ok {
				args = nil
				break
			}
			if n.isNaN() {
				continue
			}
			args = append(args, n.value())
		}
		if args != nil && len(args) == 0 {
			return []sqliteRow{}, nil
		}
		if args != nil {
			where := indexColumn(field) + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ") + ")"
			return c.queryRows(ctx, q, where, args, limit, nil)
		}
	}

	return c.queryRows(ctx, q, "", nil, limit, func(doc Document) bool {
		return fieldIn(doc, field, values)
	})
}

func (c *sqliteCollection) scan(ctx context.Context, q querier, where string, args []interface{}) ([]sqliteRow, error) {
	return c.queryRows(ctx, q, where, args, 0, nil)
}

func (c *sqliteCollection) queryRows(ctx context.Context, q querier, where string, args []interface{}, limit int, keep func(Document) bool) ([]sqliteRow, error) {
	query := "SELECT seq, body FROM " + tableName(c.name)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY seq"
	if limit > 0 && keep == nil {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer rows.Close()

	result := []sqliteRow{}
	for rows.Next() {
		var row sqliteRow
		var body []byte
		if err := rows.Scan(&row.seq, &body); err != nil {
			return nil, storageErr("query", err)
		}
		row.doc, err = decodeDocument(body)
		if err != nil {
			return nil, storageErr("query", err)
		}
		if keep != nil && !keep(row.doc) {
			continue
		}
		result = append(result, row)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query", err)
	}
	return result, nil
}

func (c *sqliteCollection) loadByID(ctx context.Context, q querier, id DocumentID) (sqliteRow, error) {
	var row sqliteRow
	var body []byte
	err := q.QueryRowContext(ctx, "SELECT seq, body FROM "+tableName(c.name)+" WHERE id = ?", id[:]).Scan(&row.seq, &body)
	if err == sql.ErrNoRows {
		return row, fmt.Errorf("_id %s: %w", id.Hex(), ErrNotFound)
	}
	if err != nil {
		return row, storageErr("load", err)
	}
	row.doc, err = decodeDocument(body)
	if err != nil {
		return row, storageErr("load", err)
	}
	return row, nil
}

// rewrite persists row.doc and refreshes every index column of the row.
func (c *sqliteCollection) rewrite(ctx context.Context, tx *sql.Tx, indexes map[string]IndexKind, row sqliteRow) error {
	_, body, err := prepareDocument(row.doc)
	if err != nil {
		return err
	}

	sets := []string{"body = ?"}
	args := []interface{}{body}
	for _, field := range sortedFields(indexes) {
		n, present, err := indexValue(row.doc, field, indexes[field])
		if err != nil {
			return err
		}
		sets = append(sets, indexColumn(field)+" = ?")
		if present {
			args = append(args, n.value())
		} else {
			args = append(args, nil)
		}
	}
	args = append(args, row.seq)

	_, err = tx.ExecContext(ctx, "UPDATE "+tableName(c.name)+" SET "+strings.Join(sets, ", ")+" WHERE seq = ?", args...)
	return err
}

func sortedFields(indexes map[string]IndexKind) []string {
	fields := make([]string, 0, len(indexes))
	for field := range indexes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
