package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document is a self-describing record of named fields, the unit of storage.
type Document = bson.M

// DocumentID is the engine assigned identifier of a stored document.
type DocumentID = primitive.ObjectID

// IndexKind is the kind of values an index accepts.
type IndexKind string

const IndexNumeric IndexKind = "numeric"

// Mutation describes the change UpdateWhere applies to every matching document.
type Mutation struct {
	Set   bson.M
	Unset []string
}

// SetField returns a Mutation assigning value to field.
func SetField(field string, value interface{}) Mutation {
	return Mutation{Set: bson.M{field: value}}
}

// CollectionAPI defines the document operations the benchmark needs from an
// engine, allowing for testing
type CollectionAPI interface {
	Name() string
	CreateIndex(ctx context.Context, field string, kind IndexKind) error
	InsertOne(ctx context.Context, doc Document) (DocumentID, error)
	InsertMany(ctx context.Context, docs []Document) ([]DocumentID, error)
	FindOneByField(ctx context.Context, field string, value interface{}) (Document, error)
	FindOneByID(ctx context.Context, id DocumentID) (Document, error)
	FindIn(ctx context.Context, field string, values []interface{}, limit int) ([]Document, error)
	UpdateWhere(ctx context.Context, field string, value interface{}, mutation Mutation) (int64, error)
	DeleteField(ctx context.Context, id DocumentID, field string) error
	Count(ctx context.Context) (int64, error)
}

// number is the normalized form of any BSON numeric value.
type number struct {
	i       int64
	f       float64
	isFloat bool
}

func toNumber(v interface{}) (number, bool) {
	switch n := v.(type) {
	case int:
		return number{i: int64(n)}, true
	case int8:
		return number{i: int64(n)}, true
	case int16:
		return number{i: int64(n)}, true
	case int32:
		return number{i: int64(n)}, true
	case int64:
		return number{i: n}, true
	case uint8:
		return number{i: int64(n)}, true
	case uint16:
		return number{i: int64(n)}, true
	case uint32:
		return number{i: int64(n)}, true
	case uint64:
		if n > math.MaxInt64 {
			return number{f: float64(n), isFloat: true}, true
		}
		return number{i: int64(n)}, true
	case float32:
		return fromFloat(float64(n)), true
	case float64:
		return fromFloat(n), true
	}
	return number{}, false
}

// fromFloat keeps integral floats as integers so 1.0 and 1 share one key.
func fromFloat(f float64) number {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return number{i: int64(f)}
	}
	return number{f: f, isFloat: true}
}

func (n number) isNaN() bool {
	return n.isFloat && math.IsNaN(n.f)
}

// value is what gets handed to SQL drivers.
func (n number) value() interface{} {
	if n.isFloat {
		return n.f
	}
	return n.i
}

// compare is a total order: NaN sorts below every other number and equals
// only itself. Integers and floats are compared exactly.
func (n number) compare(o number) int {
	switch {
	case !n.isFloat && !o.isFloat:
		return compareInts(n.i, o.i)
	case n.isFloat && o.isFloat:
		return compareFloats(n.f, o.f)
	case n.isFloat:
		return -compareIntFloat(o.i, n.f)
	}
	return compareIntFloat(n.i, o.f)
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloats(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareIntFloat compares i with f without rounding i to a float64.
func compareIntFloat(i int64, f float64) int {
	switch {
	case math.IsNaN(f):
		return 1
	case f >= math.MaxInt64: // 2^63 and above
		return -1
	case f < math.MinInt64:
		return 1
	}
	t := math.Trunc(f)
	if c := compareInts(i, int64(t)); c != 0 {
		return c
	}
	switch {
	case f > t:
		return -1
	case f < t:
		return 1
	}
	return 0
}

// valuesEqual compares numbers by value regardless of their BSON width. NaN
// equals nothing, itself included.
func valuesEqual(a, b interface{}) bool {
	na, okA := toNumber(a)
	nb, okB := toNumber(b)
	if okA && okB {
		return !na.isNaN() && !nb.isNaN() && na.compare(nb) == 0
	}
	if okA != okB {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func fieldMatches(doc Document, field string, value interface{}) bool {
	v, ok := doc[field]
	return ok && valuesEqual(v, value)
}

func fieldIn(doc Document, field string, values []interface{}) bool {
	v, ok := doc[field]
	if !ok {
		return false
	}
	for _, want := range values {
		if valuesEqual(v, want) {
			return true
		}
	}
	return false
}

// indexValue extracts the key an index of kind holds for doc. present is false
// for documents without the field or holding NaN, which are left out of the
// index.
func indexValue(doc Document, field string, kind IndexKind) (n number, present bool, err error) {
	v, ok := doc[field]
	if !ok {
		return number{}, false, nil
	}
	if kind != IndexNumeric {
		return number{}, false, &IndexError{Field: field, Kind: kind, Err: errors.New("unsupported index kind")}
	}
	n, ok = toNumber(v)
	if !ok {
		return number{}, false, &IndexError{Field: field, Kind: kind, Err: fmt.Errorf("value %v of type %T is not numeric", v, v)}
	}
	if n.isNaN() {
		return number{}, false, nil
	}
	return n, true, nil
}

// prepareDocument assigns an _id when the caller did not and encodes the
// result. The caller's map is left untouched.
func prepareDocument(doc Document) (DocumentID, []byte, error) {
	var id DocumentID
	switch v := doc["_id"].(type) {
	case nil:
		id = primitive.NewObjectID()
	case primitive.ObjectID:
		id = v
	default:
		return id, nil, fmt.Errorf("unsupported _id type %T", v)
	}

	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["_id"] = id

	body, err := bson.Marshal(out)
	if err != nil {
		return id, nil, fmt.Errorf("bson encode: %w", err)
	}
	return id, body, nil
}

func decodeDocument(body []byte) (Document, error) {
	doc := Document{}
	if err := bson.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("bson decode: %w", err)
	}
	return doc, nil
}

func validateMutation(m Mutation) error {
	if _, ok := m.Set["_id"]; ok {
		return errors.New("_id cannot be modified")
	}
	for _, field := range m.Unset {
		if field == "_id" {
			return errors.New("_id cannot be removed")
		}
	}
	return nil
}

// applyMutation changes doc in place and reports whether anything changed.
func applyMutation(doc Document, m Mutation) bool {
	changed := false
	for field, value := range m.Set {
		if old, ok := doc[field]; ok && valuesEqual(old, value) {
			continue
		}
		doc[field] = value
		changed = true
	}
	for _, field := range m.Unset {
		if _, ok := doc[field]; ok {
			delete(doc, field)
			changed = true
		}
	}
	return changed
}
