// Package config loads the pipeline defaults from kgraph.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/pelletier/go-toml/v2"
)

const DefaultPath = "kgraph.toml"

// Settings is the parsed configuration file. Keys missing from the file
// keep their built-in defaults.
type Settings struct {
	Creation      graph.CreationSettings      `toml:"creation"`
	Enrichment    graph.EnrichmentSettings    `toml:"enrichment"`
	Deduplication graph.DeduplicationSettings `toml:"deduplication"`
	Runtime       RuntimeSettings             `toml:"runtime"`
	Steps         map[string]StepOverride     `toml:"steps"`
}

// RuntimeSettings configures the local runtime.
type RuntimeSettings struct {
	MaxConcurrency int `toml:"max_concurrency"`
}

// StepOverride changes the policy of one step. Timeout is a Go duration
// string such as "90m".
type StepOverride struct {
	Retries *int   `toml:"retries"`
	Timeout string `toml:"timeout"`
}

func Default() Settings {
	d := workflow.DefaultDefaults()
	return Settings{
		Creation:      d.Creation,
		Enrichment:    d.Enrichment,
		Deduplication: d.Deduplication,
		Runtime:       RuntimeSettings{MaxConcurrency: 4},
	}
}

// Load reads the file named by KGRAPH_CONFIG, or kgraph.toml. A missing
// file yields the defaults.
func Load() (Settings, error) {
	return LoadFile(util.GetEnvString("KGRAPH_CONFIG", DefaultPath))
}

func LoadFile(path string) (Settings, error) {
	s := Default()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("[Config] No config file, using defaults", "path", path)
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := Parse(raw, &s); err != nil {
		return s, fmt.Errorf("config %s: %w", path, err)
	}
	logger.Info("[Config] Loaded", "path", path, "step_overrides", len(s.Steps))
	return s, nil
}

// Parse decodes raw onto s and validates the step overrides.
func Parse(raw []byte, s *Settings) error {
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("invalid toml at %d:%d: %w", row, col, err)
		}
		return err
	}
	_, err := s.Policies()
	return err
}

// Defaults returns the trigger defaults for workflow.NewService.
func (s Settings) Defaults() workflow.Defaults {
	return workflow.Defaults{
		Creation:      s.Creation,
		Enrichment:    s.Enrichment,
		Deduplication: s.Deduplication,
	}
}

// Policies applies the step overrides to the default policies.
func (s Settings) Policies() (workflow.Policies, error) {
	overrides := make(map[string]workflow.PolicyOverride, len(s.Steps))
	for name, o := range s.Steps {
		var timeout time.Duration
		if o.Timeout != "" {
			d, err := time.ParseDuration(o.Timeout)
			if err != nil {
				return nil, fmt.Errorf("step %s: invalid timeout %q: %w", name, o.Timeout, err)
			}
			if d <= 0 {
				return nil, fmt.Errorf("step %s: timeout must be positive", name)
			}
			timeout = d
		}
		overrides[name] = workflow.PolicyOverride{Retries: o.Retries, Timeout: timeout}
	}
	return workflow.DefaultPolicies().Merge(overrides)
}
