package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PhaseConfig is one entry of the phase list. A missing count falls back to
// the top level document count.
type PhaseConfig struct {
	Kind  string `yaml:"kind"`
	Count *int   `yaml:"count"`
}

type BenchConfig struct {
	Store            StoreConfig   `yaml:"store"`
	Collection       string        `yaml:"collection"`
	Field            string        `yaml:"field"`
	DocCount         int           `yaml:"docs"`
	Phases           []PhaseConfig `yaml:"phases"`
	UseIndex         bool          `yaml:"useIndex"`
	Lookup           string        `yaml:"lookup"`
	BatchSize        int           `yaml:"batchSize"`
	Seed             int64         `yaml:"seed"`
	ReusePermutation bool          `yaml:"reusePermutation"`
	LargeDocs        bool          `yaml:"largeDocs"`
	DropDb           bool          `yaml:"dropDb"`
	OutputFilePrefix string        `yaml:"outputFilePrefix"`
	ProgressSeconds  int           `yaml:"progressSeconds"`
}

var defaultPhases = []string{"sequential-insert", "batch-insert", "sequential-read", "random-read"}

func DefaultConfig() BenchConfig {
	phases := make([]PhaseConfig, len(defaultPhases))
	for i, kind := range defaultPhases {
		phases[i] = PhaseConfig{Kind: kind}
	}
	return BenchConfig{
		Store: StoreConfig{
			Engine: EngineSQLite,
			Path:   "test.db",
		},
		Collection: "some_collection",
		Field:      defaultIDField,
		DocCount:   1000,
		Phases:     phases,
		UseIndex:   true,
		Lookup:     string(LookupField),
	}
}

// LoadPlan reads a YAML plan from path on top of base.
func LoadPlan(path string, base BenchConfig) (BenchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data, base)
}

func ParsePlan(data []byte, base BenchConfig) (BenchConfig, error) {
	config := base
	if err := yaml.Unmarshal(data, &config); err != nil {
		return base, fmt.Errorf("parse plan: %w", err)
	}
	return config, config.Validate()
}

// ParsePhases turns a comma separated list of workload names into phases.
func ParsePhases(list string) []PhaseConfig {
	var phases []PhaseConfig
	for _, kind := range strings.Split(list, ",") {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		phases = append(phases, PhaseConfig{Kind: kind})
	}
	return phases
}

func (c BenchConfig) Validate() error {
	if c.Collection == "" {
		return errors.New("collection is required")
	}
	if c.DocCount < 0 {
		return fmt.Errorf("docs must not be negative, got %d", c.DocCount)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative, got %d", c.BatchSize)
	}
	switch LookupMode(c.Lookup) {
	case LookupField, LookupID, "":
	default:
		return fmt.Errorf("unknown lookup %q, expected field or id", c.Lookup)
	}
	switch c.Store.Engine {
	case EngineSQLite, EngineMemory, EngineMongoDB, "":
	default:
		return fmt.Errorf("unknown engine %q", c.Store.Engine)
	}
	_, err := c.PhaseList()
	return err
}

func (c BenchConfig) PhaseList() ([]Phase, error) {
	if len(c.Phases) == 0 {
		return nil, errors.New("no phases configured")
	}
	phases := make([]Phase, 0, len(c.Phases))
	for _, p := range c.Phases {
		kind, err := ParseWorkloadKind(p.Kind)
		if err != nil {
			return nil, err
		}
		count := c.DocCount
		if p.Count != nil {
			count = *p.Count
		}
		if count < 0 {
			return nil, fmt.Errorf("%s: count must not be negative, got %d", kind, count)
		}
		phases = append(phases, Phase{Kind: kind, Count: count})
	}
	return phases, nil
}

func (c BenchConfig) RunnerOptions() RunnerOptions {
	return RunnerOptions{
		Field:            c.Field,
		Lookup:           LookupMode(c.Lookup),
		BatchSize:        c.BatchSize,
		Seed:             c.Seed,
		ReusePermutation: c.ReusePermutation,
		LargeDocs:        c.LargeDocs,
		Progress:         time.Duration(c.ProgressSeconds) * time.Second,
	}
}
