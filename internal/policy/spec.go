// Package policy defines the verification policy spec: which files are not
// evidence, which closure keys stay portable across machines, and how tight
// floating-point comparison is.
package policy

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "runproof.policy.v1"

type Spec struct {
	Schema string `json:"schema" yaml:"schema"`

	// Exclude holds glob patterns for files expected to vary run-to-run
	// (timestamped logs, pip freezes, report outputs). Patterns without a
	// slash match base names; "dir/**" matches a subtree.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// PortablePrefixes extends the relaxed-mode closure key allow-list.
	PortablePrefixes []string `json:"portable_prefixes,omitempty" yaml:"portable_prefixes,omitempty"`

	// FloatTolerance is the absolute tolerance for float closure values.
	// Zero keeps comparisons bit-exact.
	FloatTolerance float64 `json:"float_tolerance,omitempty" yaml:"float_tolerance,omitempty"`

	// Workers bounds concurrent hashing. Zero uses the host parallelism.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// Default returns the policy applied when no spec file is given.
func Default() Spec {
	return Spec{
		Schema: SpecSchemaV1,
		Exclude: []string{
			".*",
			"*.log",
			"pip_freeze*",
			"logs/**",
			"replay/**",
			"forensics/**",
			"provenance/**",
			"pack_manifest.json",
			"pack_closure.json",
			"REPLAY_REPORT.*",
			"FORENSIC_DELTA.*",
			"NONDETERMINISM_REPORT.*",
		},
	}
}

// ParseSpec decodes and validates a YAML policy document.
func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("policy schema must be %q", SpecSchemaV1)
	}
	for i, pattern := range s.Exclude {
		trimmed := strings.TrimSpace(pattern)
		if trimmed == "" {
			return fmt.Errorf("policy exclude[%d] is empty", i)
		}
		probe := strings.TrimSuffix(trimmed, "/**")
		if _, err := path.Match(probe, "x"); err != nil {
			return fmt.Errorf("policy exclude[%d] invalid pattern %q: %w", i, pattern, err)
		}
	}
	for i, prefix := range s.PortablePrefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("policy portable_prefixes[%d] is empty", i)
		}
	}
	if s.FloatTolerance < 0 {
		return errors.New("policy float_tolerance must be >= 0")
	}
	if s.Workers < 0 {
		return errors.New("policy workers must be >= 0")
	}
	return nil
}
