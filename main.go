// Command docbench measures insert and lookup throughput of embedded
// document stores.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		logFailure(err)
		os.Exit(1)
	}
}

func logFailure(err error) {
	if zerolog.GlobalLevel() == zerolog.Disabled {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	event := zlog.Error()
	var workloadErr *WorkloadError
	if errors.As(err, &workloadErr) {
		event = event.
			Str("operation", workloadErr.Op.String()).
			Int("index", workloadErr.Index).
			AnErr("cause", workloadErr.Err)
		if IsNotFound(err) && workloadErr.Op.IsRead() {
			event = event.Str("hint", "no record with that key; run an insert phase first")
		}
	}
	event.Err(err).Msg("benchmark aborted")
}

// Prepare zerolog
func setupLogging(quiet bool, level string) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if quiet {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		return nil
	}
	zlevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(zlevel)
	return nil
}

func newRootCmd() *cobra.Command {
	var (
		quiet    bool
		logLevel string
	)

	root := &cobra.Command{
		Use:   "docbench",
		Short: "Benchmark inserts and lookups against an embedded document store",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(quiet, logLevel)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Disable logging")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd())
	root.AddCommand(newDemoCmd())

	return root
}

func newRunCmd() *cobra.Command {
	defaults := DefaultConfig()

	var (
		planPath string
		phases   string
		flagCfg  = defaults
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run timed workload phases against a collection",
		Long: `Run a sequence of workload phases (sequential-insert, batch-insert,
sequential-read, random-read) against one collection and print the time taken
per phase, per record and the records per second.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := defaults
			if planPath != "" {
				var err error
				config, err = LoadPlan(planPath, defaults)
				if err != nil {
					return err
				}
			}
			config = mergeFlags(cmd, config, flagCfg, phases)
			if err := config.Validate(); err != nil {
				return err
			}

			_, err := runBenchmark(cmd.Context(), config, cmd.OutOrStdout())
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&planPath, "plan", "", "YAML plan file; flags given explicitly override it")
	flags.StringVar(&flagCfg.Store.Engine, "engine", defaults.Store.Engine, "Engine: sqlite, memory, mongodb")
	flags.StringVar(&flagCfg.Store.Path, "db", defaults.Store.Path, "Database file")
	flags.StringVar(&flagCfg.Store.URI, "uri", defaultMongoURI, "MongoDB URI (mongodb engine)")
	flags.StringVar(&flagCfg.Store.Database, "database", defaultMongoDatabase, "MongoDB database (mongodb engine)")
	flags.StringVar(&flagCfg.Collection, "collection", defaults.Collection, "Collection to run against")
	flags.StringVar(&flagCfg.Field, "field", defaults.Field, "Numeric id field written by inserts and queried by reads")
	flags.IntVar(&flagCfg.DocCount, "docs", defaults.DocCount, "Records per phase")
	flags.StringVar(&phases, "phases", strings.Join(defaultPhases, ","), "Comma separated phases")
	flags.BoolVar(&flagCfg.UseIndex, "index", defaults.UseIndex, "Create a numeric index on the id field before the first read phase")
	flags.StringVar(&flagCfg.Lookup, "lookup", defaults.Lookup, "Read by: field, id")
	flags.IntVar(&flagCfg.BatchSize, "batch-size", 0, "Documents per InsertMany call (0 = whole phase)")
	flags.Int64Var(&flagCfg.Seed, "seed", 0, "Random seed (0 = use current time)")
	flags.BoolVar(&flagCfg.ReusePermutation, "reuse-permutation", false, "Reuse the random-read order across phases of equal size")
	flags.BoolVar(&flagCfg.LargeDocs, "large-docs", false, "Pad documents with 2KiB of random data")
	flags.BoolVar(&flagCfg.DropDb, "drop", false, "Drop the collection before running")
	flags.StringVar(&flagCfg.OutputFilePrefix, "csv-prefix", "", "Write results to <prefix>_<run>.csv")
	flags.IntVar(&flagCfg.ProgressSeconds, "progress", 0, "Log progress every N seconds (0 = off)")

	return cmd
}

// mergeFlags copies every flag the user set explicitly from flagCfg over config.
func mergeFlags(cmd *cobra.Command, config, flagCfg BenchConfig, phases string) BenchConfig {
	changed := cmd.Flags().Changed

	if changed("engine") {
		config.Store.Engine = flagCfg.Store.Engine
	}
	if changed("db") {
		config.Store.Path = flagCfg.Store.Path
	}
	if changed("uri") || config.Store.URI == "" {
		config.Store.URI = flagCfg.Store.URI
	}
	if changed("database") || config.Store.Database == "" {
		config.Store.Database = flagCfg.Store.Database
	}
	if changed("collection") {
		config.Collection = flagCfg.Collection
	}
	if changed("field") {
		config.Field = flagCfg.Field
	}
	if changed("docs") {
		config.DocCount = flagCfg.DocCount
	}
	if changed("phases") {
		config.Phases = ParsePhases(phases)
	}
	if changed("index") {
		config.UseIndex = flagCfg.UseIndex
	}
	if changed("lookup") {
		config.Lookup = flagCfg.Lookup
	}
	if changed("batch-size") {
		config.BatchSize = flagCfg.BatchSize
	}
	if changed("seed") {
		config.Seed = flagCfg.Seed
	}
	if changed("reuse-permutation") {
		config.ReusePermutation = flagCfg.ReusePermutation
	}
	if changed("large-docs") {
		config.LargeDocs = flagCfg.LargeDocs
	}
	if changed("drop") {
		config.DropDb = flagCfg.DropDb
	}
	if changed("csv-prefix") {
		config.OutputFilePrefix = flagCfg.OutputFilePrefix
	}
	if changed("progress") {
		config.ProgressSeconds = flagCfg.ProgressSeconds
	}

	return config
}

func newDemoCmd() *cobra.Command {
	var store StoreConfig

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through insert, search, update and delete on a collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), store, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&store.Engine, "engine", EngineSQLite, "Engine: sqlite, memory, mongodb")
	flags.StringVar(&store.Path, "db", "test.db", "Database file")
	flags.StringVar(&store.URI, "uri", defaultMongoURI, "MongoDB URI (mongodb engine)")
	flags.StringVar(&store.Database, "database", defaultMongoDatabase, "MongoDB database (mongodb engine)")

	return cmd
}
