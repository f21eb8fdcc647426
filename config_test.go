package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()

	require.NoError(t, config.Validate())
	phases, err := config.PhaseList()
	require.NoError(t, err)
	assert.Equal(t, []Phase{
		{Kind: SequentialInsert, Count: 1000},
		{Kind: BatchInsert, Count: 1000},
		{Kind: SequentialRead, Count: 1000},
		{Kind: RandomRead, Count: 1000},
	}, phases)
}

func TestParsePlan(t *testing.T) {
	plan := []byte(`
store:
  engine: memory
  path: bench.db
collection: users
docs: 500
useIndex: false
lookup: id
batchSize: 100
seed: 42
reusePermutation: true
progressSeconds: 5
phases:
  - kind: batch-insert
  - kind: random-read
    count: 50
`)

	config, err := ParsePlan(plan, DefaultConfig())

	require.NoError(t, err)
	assert.Equal(t, StoreConfig{Engine: EngineMemory, Path: "bench.db"}, config.Store)
	assert.Equal(t, "users", config.Collection)
	assert.Equal(t, "user_id", config.Field)
	assert.False(t, config.UseIndex)

	phases, err := config.PhaseList()
	require.NoError(t, err)
	assert.Equal(t, []Phase{{Kind: BatchInsert, Count: 500}, {Kind: RandomRead, Count: 50}}, phases)

	options := config.RunnerOptions()
	assert.Equal(t, LookupID, options.Lookup)
	assert.Equal(t, 100, options.BatchSize)
	assert.Equal(t, int64(42), options.Seed)
	assert.True(t, options.ReusePermutation)
	assert.Equal(t, 5*time.Second, options.Progress)
}

func TestParsePlanErrors(t *testing.T) {
	tests := []struct {
		name string
		plan string
	}{
		{"malformed", "phases: [\n"},
		{"unknown phase", "phases:\n  - kind: full-scan\n"},
		{"negative count", "phases:\n  - kind: random-read\n    count: -1\n"},
		{"negative docs", "docs: -5\n"},
		{"unknown lookup", "lookup: name\n"},
		{"unknown engine", "store:\n  engine: leveldb\n"},
		{"no collection", "collection: \"\"\n"},
		{"no phases", "phases: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.plan), DefaultConfig())
			assert.Error(t, err)
		})
	}
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("docs: 10\n"), 0o644))

	config, err := LoadPlan(path, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 10, config.DocCount)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"), DefaultConfig())
	assert.Error(t, err)
}

func TestParsePhases(t *testing.T) {
	phases := ParsePhases(" sequential-insert, random-read,,")

	assert.Equal(t, []PhaseConfig{{Kind: "sequential-insert"}, {Kind: "random-read"}}, phases)
	assert.Empty(t, ParsePhases(""))
}

func TestParseWorkloadKind(t *testing.T) {
	for kind, name := range workloadNames {
		parsed, err := ParseWorkloadKind(name)
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	kind, err := ParseWorkloadKind(" Random-Read ")
	require.NoError(t, err)
	assert.Equal(t, RandomRead, kind)

	_, err = ParseWorkloadKind("update")
	assert.Error(t, err)
}
