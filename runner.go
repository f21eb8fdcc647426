package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	zlog "github.com/rs/zerolog/log"
)

// LookupMode selects how read workloads locate a record.
type LookupMode string

const (
	// LookupField queries by the id field; served by an index when one exists.
	LookupField LookupMode = "field"
	// LookupID loads the documents by the identifiers returned from earlier inserts.
	LookupID LookupMode = "id"
)

type RunnerOptions struct {
	Field            string
	Lookup           LookupMode
	BatchSize        int // 0 writes a whole BatchInsert phase in one call
	Seed             int64
	ReusePermutation bool
	LargeDocs        bool
	Progress         time.Duration
}

// LatencySummary describes per operation latencies of a run. For BatchInsert
// an operation is one InsertMany call.
type LatencySummary struct {
	Mean time.Duration
	Min  time.Duration
	Max  time.Duration
	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
}

// WorkloadResult is the outcome of one completed run. Count is the number of
// records actually processed.
type WorkloadResult struct {
	Kind    WorkloadKind
	Count   int
	Elapsed time.Duration
	Latency LatencySummary
}

// WorkloadRunner executes workload phases against a single collection, one at
// a time. It is not safe for concurrent use.
type WorkloadRunner struct {
	collection CollectionAPI
	options    RunnerOptions
	seed       int64
	runs       map[WorkloadKind]int
	docs       *DocumentGenerator
	queries    *QueryGenerator
	ids        []DocumentID
}

func NewRunner(collection CollectionAPI, options RunnerOptions) *WorkloadRunner {
	if options.Field == "" {
		options.Field = defaultIDField
	}
	if options.Lookup == "" {
		options.Lookup = LookupField
	}
	seed := NewRandomizer(options.Seed).Seed()
	return &WorkloadRunner{
		collection: collection,
		options:    options,
		seed:       seed,
		runs:       map[WorkloadKind]int{},
		docs:       NewDocumentGenerator(nil, options.Field),
		queries:    NewQueryGenerator(nil, options.ReusePermutation),
	}
}

func (r *WorkloadRunner) Seed() int64 {
	return r.seed
}

// runRandomizer returns a generator private to one run. It depends only on the
// runner seed, the workload kind and the number of earlier runs of that kind.
func (r *WorkloadRunner) runRandomizer(kind WorkloadKind) *Randomizer {
	ordinal := r.runs[kind]
	r.runs[kind]++
	return seededRandomizer(deriveSeed(r.seed, int(kind), ordinal))
}

// InsertedIDs returns the identifiers of every document inserted so far.
func (r *WorkloadRunner) InsertedIDs() []DocumentID {
	ids := make([]DocumentID, len(r.ids))
	copy(ids, r.ids)
	return ids
}

// Run executes n operations of kind. Any failing operation aborts the run with
// a *WorkloadError and no result.
func (r *WorkloadRunner) Run(ctx context.Context, kind WorkloadKind, n int) (WorkloadResult, error) {
	if n < 0 {
		return WorkloadResult{}, fmt.Errorf("%s: negative record count %d", kind, n)
	}

	var docs []Document
	var keys []int
	switch kind {
	case SequentialInsert, BatchInsert:
		r.docs.reseed(r.runRandomizer(kind))
		docs = r.docs.GenerateBatch(n, r.options.LargeDocs)
	case SequentialRead, RandomRead:
		if r.options.Lookup == LookupID && n > len(r.ids) {
			return WorkloadResult{}, fmt.Errorf("%s: %d records requested but only %d inserted", kind, n, len(r.ids))
		}
		r.queries.reseed(r.runRandomizer(kind))
		keys = r.queries.Keys(kind, n)
	default:
		return WorkloadResult{}, fmt.Errorf("unknown workload %s", kind)
	}

	timer := metrics.NewTimer()
	defer timer.Stop()
	stopProgress := r.startProgress(kind, timer)
	defer stopProgress()

	var err error
	start := time.Now()
	switch kind {
	case SequentialInsert:
		err = r.insertSequential(ctx, docs, timer)
	case BatchInsert:
		err = r.insertBatches(ctx, docs, timer)
	default:
		err = r.read(ctx, kind, keys, timer)
	}
	elapsed := time.Since(start)
	if err != nil {
		return WorkloadResult{}, err
	}

	return WorkloadResult{
		Kind:    kind,
		Count:   n,
		Elapsed: elapsed,
		Latency: summarize(timer),
	}, nil
}

func (r *WorkloadRunner) insertSequential(ctx context.Context, docs []Document, timer metrics.Timer) error {
	for i, doc := range docs {
		t0 := time.Now()
		id, err := r.collection.InsertOne(ctx, doc)
		if err != nil {
			return &WorkloadError{Op: SequentialInsert, Index: i, Err: err}
		}
		timer.UpdateSince(t0)
		r.ids = append(r.ids, id)
	}
	return nil
}

func (r *WorkloadRunner) insertBatches(ctx context.Context, docs []Document, timer metrics.Timer) error {
	size := r.options.BatchSize
	if size <= 0 || size > len(docs) {
		size = len(docs)
	}

	for offset := 0; offset < len(docs); offset += size {
		end := offset + size
		if end > len(docs) {
			end = len(docs)
		}

		t0 := time.Now()
		ids, err := r.collection.InsertMany(ctx, docs[offset:end])
		if err != nil {
			return &WorkloadError{Op: BatchInsert, Index: offset, Err: err}
		}
		if len(ids) != end-offset {
			return &WorkloadError{Op: BatchInsert, Index: offset + len(ids),
				Err: &StorageError{Op: "insert", Err: fmt.Errorf("stored %d of %d documents", len(ids), end-offset)}}
		}
		timer.UpdateSince(t0)
		r.ids = append(r.ids, ids...)
	}
	return nil
}

func (r *WorkloadRunner) read(ctx context.Context, kind WorkloadKind, keys []int, timer metrics.Timer) error {
	for i, key := range keys {
		t0 := time.Now()
		err := r.lookup(ctx, key)
		if err != nil {
			return &WorkloadError{Op: kind, Index: i, Err: err}
		}
		timer.UpdateSince(t0)
	}
	return nil
}

// lookup fetches the record at position key and checks it is the expected one.
func (r *WorkloadRunner) lookup(ctx context.Context, key int) error {
	if r.options.Lookup == LookupID {
		id := r.ids[key]
		doc, err := r.collection.FindOneByID(ctx, id)
		if err != nil {
			return err
		}
		if got, ok := doc["_id"].(DocumentID); !ok || got != id {
			return fmt.Errorf("lookup of _id %s returned %v", id.Hex(), doc["_id"])
		}
		return nil
	}

	want := int64(key + 1)
	doc, err := r.collection.FindOneByField(ctx, r.options.Field, want)
	if err != nil {
		return err
	}
	if !fieldMatches(doc, r.options.Field, want) {
		return fmt.Errorf("lookup of %s = %d returned %v", r.options.Field, want, doc[r.options.Field])
	}
	return nil
}

// startProgress logs the running rate every Progress interval until the
// returned function is called.
func (r *WorkloadRunner) startProgress(kind WorkloadKind, timer metrics.Timer) func() {
	if r.options.Progress <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(r.options.Progress)
	done := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				zlog.Info().
					Str("phase", kind.String()).
					Int64("count", timer.Count()).
					Float64("mean_rate", timer.RateMean()).
					Float64("m1_rate", timer.Rate1()).
					Msg("progress")
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			wg.Wait()
		})
	}
}

func summarize(timer metrics.Timer) LatencySummary {
	snapshot := timer.Snapshot()
	if snapshot.Count() == 0 {
		return LatencySummary{}
	}
	ps := snapshot.Percentiles([]float64{0.5, 0.95, 0.99})
	return LatencySummary{
		Mean: time.Duration(snapshot.Mean()),
		Min:  time.Duration(snapshot.Min()),
		Max:  time.Duration(snapshot.Max()),
		P50:  time.Duration(ps[0]),
		P95:  time.Duration(ps[1]),
		P99:  time.Duration(ps[2]),
	}
}

