package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// WorkloadKind is one of the timed operations a phase can run.
type WorkloadKind int

const (
	SequentialInsert WorkloadKind = iota
	BatchInsert
	SequentialRead
	RandomRead
)

var workloadNames = map[WorkloadKind]string{
	SequentialInsert: "sequential-insert",
	BatchInsert:      "batch-insert",
	SequentialRead:   "sequential-read",
	RandomRead:       "random-read",
}

func (k WorkloadKind) String() string {
	if name, ok := workloadNames[k]; ok {
		return name
	}
	return fmt.Sprintf("workload(%d)", int(k))
}

func (k WorkloadKind) IsRead() bool {
	return k == SequentialRead || k == RandomRead
}

// verb is used by the report lines ("Time taken to add ...").
func (k WorkloadKind) verb() string {
	if k.IsRead() {
		return "read"
	}
	return "add"
}

func ParseWorkloadKind(s string) (WorkloadKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for kind, name := range workloadNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown workload %q", s)
}

// Phase is one workload run of Count operations.
type Phase struct {
	Kind  WorkloadKind
	Count int
}

// runBenchmark opens the store, runs every phase in order and renders a
// report per completed phase. A failing phase stops the sequence and renders
// nothing for itself.
func runBenchmark(ctx context.Context, config BenchConfig, out io.Writer) ([]Report, error) {
	phases, err := config.PhaseList()
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, config.Store)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			zlog.Warn().Err(err).Msg("close store")
		}
	}()

	if config.DropDb {
		if err := store.DropCollection(ctx, config.Collection, false); err != nil {
			return nil, fmt.Errorf("drop collection: %w", err)
		}
		zlog.Info().Str("collection", config.Collection).Msg("Collection dropped. Starting new rate test...")
	} else {
		zlog.Info().Str("collection", config.Collection).Msg("Collection stays. Dropping disabled.")
	}

	collection, err := store.Collection(config.Collection)
	if err != nil {
		return nil, err
	}

	runner := NewRunner(collection, config.RunnerOptions())
	runID := uuid.NewString()
	zlog.Info().Str("run", runID).Int64("seed", runner.Seed()).Int("phases", len(phases)).Msg("starting benchmark")

	reports := make([]Report, 0, len(phases))
	indexed := false
	for _, phase := range phases {
		if config.UseIndex && phase.Kind.IsRead() && !indexed {
			start := time.Now()
			if err := collection.CreateIndex(ctx, config.Field, IndexNumeric); err != nil {
				return reports, fmt.Errorf("create index: %w", err)
			}
			fmt.Fprintf(out, "Time taken to create index on %s: %s\n", config.Field, time.Since(start))
			indexed = true
		}

		zlog.Info().Str("phase", phase.Kind.String()).Int("docs", phase.Count).Msg("starting phase")
		result, err := runner.Run(ctx, phase.Kind, phase.Count)
		if err != nil {
			return reports, err
		}

		report := NewReport(result)
		report.RunID = runID
		if err := report.Render(out); err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}

	if config.OutputFilePrefix != "" {
		filename := fmt.Sprintf("%s_%s.csv", config.OutputFilePrefix, runID)
		if err := WriteCSV(filename, reports); err != nil {
			return reports, err
		}
		fmt.Fprintf(out, "Benchmarking completed. Results saved to %s\n", filename)
	}

	return reports, nil
}
