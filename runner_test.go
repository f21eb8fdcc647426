package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type MockCollection struct {
	mock.Mock
}

func (m *MockCollection) Name() string {
	return "mock"
}

func (m *MockCollection) CreateIndex(ctx context.Context, field string, kind IndexKind) error {
	args := m.Called(ctx, field, kind)
	return args.Error(0)
}

func (m *MockCollection) InsertOne(ctx context.Context, doc Document) (DocumentID, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(DocumentID), args.Error(1)
}

func (m *MockCollection) InsertMany(ctx context.Context, docs []Document) ([]DocumentID, error) {
	args := m.Called(ctx, docs)
	ids, _ := args.Get(0).([]DocumentID)
	return ids, args.Error(1)
}

// FindOneByField accepts either a Document or a func computing one from the query.
func (m *MockCollection) FindOneByField(ctx context.Context, field string, value interface{}) (Document, error) {
	args := m.Called(ctx, field, value)
	if fn, ok := args.Get(0).(func(string, interface{}) Document); ok {
		return fn(field, value), args.Error(1)
	}
	doc, _ := args.Get(0).(Document)
	return doc, args.Error(1)
}

func (m *MockCollection) FindOneByID(ctx context.Context, id DocumentID) (Document, error) {
	args := m.Called(ctx, id)
	doc, _ := args.Get(0).(Document)
	return doc, args.Error(1)
}

func (m *MockCollection) FindIn(ctx context.Context, field string, values []interface{}, limit int) ([]Document, error) {
	args := m.Called(ctx, field, values, limit)
	docs, _ := args.Get(0).([]Document)
	return docs, args.Error(1)
}

func (m *MockCollection) UpdateWhere(ctx context.Context, field string, value interface{}, mutation Mutation) (int64, error) {
	args := m.Called(ctx, field, value, mutation)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCollection) DeleteField(ctx context.Context, id DocumentID, field string) error {
	args := m.Called(ctx, id, field)
	return args.Error(0)
}

func (m *MockCollection) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func batchOf(n int) interface{} {
	return mock.MatchedBy(func(docs []Document) bool { return len(docs) == n })
}

func newIDs(n int) []DocumentID {
	ids := make([]DocumentID, n)
	for i := range ids {
		ids[i] = primitive.NewObjectID()
	}
	return ids
}

// echoUser answers a lookup with a document holding the queried id.
func echoUser(visited *[]int64) func(string, interface{}) Document {
	return func(field string, value interface{}) Document {
		id := value.(int64)
		*visited = append(*visited, id)
		return Document{field: id}
	}
}

func TestSequentialInsertOperation(t *testing.T) {
	mockCollection := new(MockCollection)
	docCount := 10

	mockCollection.On("InsertOne", mock.Anything, mock.Anything).Return(primitive.NewObjectID(), nil)

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	result, err := runner.Run(context.Background(), SequentialInsert, docCount)

	require.NoError(t, err)
	mockCollection.AssertNumberOfCalls(t, "InsertOne", docCount)
	assert.Equal(t, SequentialInsert, result.Kind)
	assert.Equal(t, docCount, result.Count)
	assert.GreaterOrEqual(t, int64(result.Elapsed), int64(0))
	assert.Len(t, runner.InsertedIDs(), docCount)
}

func TestSequentialInsertWritesMonotonicIDs(t *testing.T) {
	mockCollection := new(MockCollection)
	var seen []int64
	mockCollection.On("InsertOne", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			seen = append(seen, args.Get(1).(Document)["user_id"].(int64))
		}).
		Return(primitive.NewObjectID(), nil)

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	_, err := runner.Run(context.Background(), SequentialInsert, 3)
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), SequentialInsert, 2)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
}

func TestBatchInsertOperation(t *testing.T) {
	mockCollection := new(MockCollection)

	mockCollection.On("InsertMany", mock.Anything, batchOf(4)).Return(newIDs(4), nil).Twice()
	mockCollection.On("InsertMany", mock.Anything, batchOf(2)).Return(newIDs(2), nil).Once()

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1, BatchSize: 4})
	result, err := runner.Run(context.Background(), BatchInsert, 10)

	require.NoError(t, err)
	mockCollection.AssertNumberOfCalls(t, "InsertMany", 3)
	mockCollection.AssertExpectations(t)
	assert.Equal(t, 10, result.Count)
	assert.Len(t, runner.InsertedIDs(), 10)
}

func TestBatchInsertWholePhase(t *testing.T) {
	mockCollection := new(MockCollection)
	mockCollection.On("InsertMany", mock.Anything, batchOf(25)).Return(newIDs(25), nil).Once()

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	result, err := runner.Run(context.Background(), BatchInsert, 25)

	require.NoError(t, err)
	mockCollection.AssertExpectations(t)
	assert.Equal(t, 25, result.Count)
}

func TestBatchInsertShortCount(t *testing.T) {
	mockCollection := new(MockCollection)
	mockCollection.On("InsertMany", mock.Anything, mock.Anything).Return(newIDs(3), nil)

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	result, err := runner.Run(context.Background(), BatchInsert, 5)

	var workloadErr *WorkloadError
	require.ErrorAs(t, err, &workloadErr)
	assert.Equal(t, BatchInsert, workloadErr.Op)
	assert.Equal(t, 3, workloadErr.Index)
	assert.Equal(t, WorkloadResult{}, result)
}

func TestInsertFailureAborts(t *testing.T) {
	mockCollection := new(MockCollection)
	diskFull := errors.New("disk full")

	mockCollection.On("InsertOne", mock.Anything, mock.Anything).Return(primitive.NewObjectID(), nil).Twice()
	mockCollection.On("InsertOne", mock.Anything, mock.Anything).Return(DocumentID{}, &StorageError{Op: "insert", Err: diskFull}).Once()

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	result, err := runner.Run(context.Background(), SequentialInsert, 10)

	var workloadErr *WorkloadError
	require.ErrorAs(t, err, &workloadErr)
	assert.Equal(t, SequentialInsert, workloadErr.Op)
	assert.Equal(t, 2, workloadErr.Index)
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, WorkloadResult{}, result)
	mockCollection.AssertNumberOfCalls(t, "InsertOne", 3)
}

func TestSequentialReadOperation(t *testing.T) {
	mockCollection := new(MockCollection)
	var visited []int64
	mockCollection.On("FindOneByField", mock.Anything, "user_id", mock.Anything).Return(echoUser(&visited), nil)

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	result, err := runner.Run(context.Background(), SequentialRead, 5)

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, visited)
	assert.Equal(t, 5, result.Count)
}

func TestRandomReadVisitsEveryRecordOnce(t *testing.T) {
	mockCollection := new(MockCollection)
	var visited []int64
	mockCollection.On("FindOneByField", mock.Anything, "user_id", mock.Anything).Return(echoUser(&visited), nil)
	n := 50

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 42})
	result, err := runner.Run(context.Background(), RandomRead, n)

	require.NoError(t, err)
	assert.Equal(t, n, result.Count)
	require.Len(t, visited, n)
	seen := map[int64]int{}
	for _, id := range visited {
		seen[id]++
	}
	for id := int64(1); id <= int64(n); id++ {
		assert.Equal(t, 1, seen[id], "user_id %d", id)
	}
	sequential := make([]int64, n)
	for i := range sequential {
		sequential[i] = int64(i + 1)
	}
	assert.NotEqual(t, sequential, visited)
}

func TestRandomReadIsReproducibleBySeed(t *testing.T) {
	orders := make([][]int64, 2)
	for i := range orders {
		mockCollection := new(MockCollection)
		mockCollection.On("FindOneByField", mock.Anything, "user_id", mock.Anything).Return(echoUser(&orders[i]), nil)

		runner := NewRunner(mockCollection, RunnerOptions{Seed: 7})
		_, err := runner.Run(context.Background(), RandomRead, 20)
		require.NoError(t, err)
	}

	assert.Equal(t, orders[0], orders[1])
}

// randomReadOrder runs the given phases and then one RandomRead of n records,
// returning the user_ids in the order they were read.
func randomReadOrder(t *testing.T, options RunnerOptions, phases []Phase, n int) []int64 {
	mockCollection := new(MockCollection)
	var visited []int64
	mockCollection.On("InsertOne", mock.Anything, mock.Anything).Return(primitive.NewObjectID(), nil)
	mockCollection.On("InsertMany", mock.Anything, batchOf(3)).Return(newIDs(3), nil)
	mockCollection.On("FindOneByField", mock.Anything, "user_id", mock.Anything).Return(echoUser(&visited), nil)

	runner := NewRunner(mockCollection, options)
	for _, phase := range phases {
		_, err := runner.Run(context.Background(), phase.Kind, phase.Count)
		require.NoError(t, err)
	}
	visited = nil
	_, err := runner.Run(context.Background(), RandomRead, n)
	require.NoError(t, err)
	return visited
}

func TestRandomReadOrderIndependentOfEarlierPhases(t *testing.T) {
	alone := randomReadOrder(t, RunnerOptions{Seed: 42}, nil, 8)

	small := randomReadOrder(t, RunnerOptions{Seed: 42}, []Phase{{Kind: SequentialInsert, Count: 1}}, 8)
	large := randomReadOrder(t, RunnerOptions{Seed: 42, LargeDocs: true}, []Phase{{Kind: SequentialInsert, Count: 1}}, 8)
	mixed := randomReadOrder(t, RunnerOptions{Seed: 42, LargeDocs: true}, []Phase{
		{Kind: BatchInsert, Count: 3},
		{Kind: SequentialRead, Count: 3},
		{Kind: SequentialInsert, Count: 5},
	}, 8)

	assert.Equal(t, alone, small)
	assert.Equal(t, alone, large)
	assert.Equal(t, alone, mixed)
}

func TestRandomReadRunsGetFreshOrders(t *testing.T) {
	mockCollection := new(MockCollection)
	var visited []int64
	mockCollection.On("FindOneByField", mock.Anything, "user_id", mock.Anything).Return(echoUser(&visited), nil)

	orders := make([][]int64, 0, 4)
	for _, reuse := range []bool{false, true} {
		runner := NewRunner(mockCollection, RunnerOptions{Seed: 42, ReusePermutation: reuse})
		for i := 0; i < 2; i++ {
			visited = nil
			_, err := runner.Run(context.Background(), RandomRead, 30)
			require.NoError(t, err)
			orders = append(orders, visited)
		}
	}

	assert.NotEqual(t, orders[0], orders[1])
	assert.Equal(t, orders[0], orders[2])
	assert.Equal(t, orders[2], orders[3])
}

func TestReadNotFoundAborts(t *testing.T) {
	mockCollection := new(MockCollection)
	mockCollection.On("FindOneByField", mock.Anything, "user_id", int64(1)).Return(Document{"user_id": int64(1)}, nil)
	mockCollection.On("FindOneByField", mock.Anything, "user_id", int64(2)).Return(nil, ErrNotFound)

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	result, err := runner.Run(context.Background(), SequentialRead, 3)

	var workloadErr *WorkloadError
	require.ErrorAs(t, err, &workloadErr)
	assert.Equal(t, SequentialRead, workloadErr.Op)
	assert.Equal(t, 1, workloadErr.Index)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, WorkloadResult{}, result)
}

func TestReadWrongDocumentAborts(t *testing.T) {
	mockCollection := new(MockCollection)
	mockCollection.On("FindOneByField", mock.Anything, "user_id", mock.Anything).Return(Document{"user_id": int64(99)}, nil)

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	_, err := runner.Run(context.Background(), SequentialRead, 1)

	var workloadErr *WorkloadError
	assert.ErrorAs(t, err, &workloadErr)
}

func TestZeroRecordRun(t *testing.T) {
	mockCollection := new(MockCollection)

	runner := NewRunner(mockCollection, RunnerOptions{Seed: 1})
	for _, kind := range []WorkloadKind{SequentialInsert, BatchInsert, SequentialRead, RandomRead} {
		result, err := runner.Run(context.Background(), kind, 0)
		require.NoError(t, err, kind.String())
		assert.Equal(t, 0, result.Count)
	}

	mockCollection.AssertNotCalled(t, "InsertOne", mock.Anything, mock.Anything)
	mockCollection.AssertNotCalled(t, "InsertMany", mock.Anything, mock.Anything)
	mockCollection.AssertNotCalled(t, "FindOneByField", mock.Anything, mock.Anything, mock.Anything)
}

func TestNegativeCountRejected(t *testing.T) {
	runner := NewRunner(new(MockCollection), RunnerOptions{Seed: 1})

	_, err := runner.Run(context.Background(), SequentialInsert, -1)

	assert.Error(t, err)
}

func TestLookupByIDNeedsInsertedRecords(t *testing.T) {
	runner := NewRunner(new(MockCollection), RunnerOptions{Seed: 1, Lookup: LookupID})

	_, err := runner.Run(context.Background(), RandomRead, 3)

	assert.Error(t, err)
}

func TestLookupByID(t *testing.T) {
	store, err := OpenMemoryStore("")
	require.NoError(t, err)
	defer store.Close()
	collection := mustCollection(t, store, "users")
	ctx := context.Background()

	runner := NewRunner(collection, RunnerOptions{Seed: 3, Lookup: LookupID})
	_, err = runner.Run(ctx, SequentialInsert, 40)
	require.NoError(t, err)

	for _, kind := range []WorkloadKind{SequentialRead, RandomRead} {
		result, err := runner.Run(ctx, kind, 40)
		require.NoError(t, err, kind.String())
		assert.Equal(t, 40, result.Count)
	}
}

func TestProgressLogging(t *testing.T) {
	store, err := OpenMemoryStore("")
	require.NoError(t, err)
	defer store.Close()

	runner := NewRunner(mustCollection(t, store, "users"), RunnerOptions{Seed: 1, Progress: time.Millisecond})
	result, err := runner.Run(context.Background(), SequentialInsert, 500)

	require.NoError(t, err)
	assert.Equal(t, 500, result.Count)
}

func TestLatencySummary(t *testing.T) {
	store, err := OpenMemoryStore("")
	require.NoError(t, err)
	defer store.Close()

	runner := NewRunner(mustCollection(t, store, "users"), RunnerOptions{Seed: 1})
	result, err := runner.Run(context.Background(), SequentialInsert, 100)

	require.NoError(t, err)
	l := result.Latency
	assert.LessOrEqual(t, int64(l.Min), int64(l.P50))
	assert.LessOrEqual(t, int64(l.P50), int64(l.P99))
	assert.LessOrEqual(t, int64(l.P99), int64(l.Max))
}

// Records with user_id 1..3 are readable through the numeric index on an
// engine that persists to disk.
func TestSequentialReadThroughIndex(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()
	collection := mustCollection(t, store, "users")

	for id := 1; id <= 3; id++ {
		_, err := collection.InsertOne(ctx, Document{"user_id": id, "name": "Foo"})
		require.NoError(t, err)
	}
	require.NoError(t, collection.CreateIndex(ctx, "user_id", IndexNumeric))

	runner := NewRunner(collection, RunnerOptions{Seed: 1})
	result, err := runner.Run(ctx, SequentialRead, 3)

	require.NoError(t, err)
	assert.Equal(t, 3, result.Count)
	assert.GreaterOrEqual(t, int64(result.Elapsed), int64(0))
	perRecord, ok := NewReport(result).PerRecord()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, int64(perRecord), int64(0))
}
