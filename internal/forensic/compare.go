// Package forensic aligns two runs' declared evidence and attributes their
// divergence to a single first point of difference.
//
// The attribution contract depends on one fixed total order: artifact paths
// first (lexicographic), then closure keys (lexicographic). The first entry
// in that order that is not IDENTICAL is the first difference. Any deviation
// from this order is a compatibility bug, not a style choice.
package forensic

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/torus-labs/runproof/internal/closure"
	"github.com/torus-labs/runproof/internal/evidence"
)

const DeltaSchemaV1 = "runproof.forensic_delta.v1"

// EntryStatus classifies one aligned entry.
type EntryStatus string

const (
	StatusIdentical EntryStatus = "IDENTICAL"
	StatusDiffers   EntryStatus = "DIFFERS"
	StatusOnlyInA   EntryStatus = "ONLY_IN_A"
	StatusOnlyInB   EntryStatus = "ONLY_IN_B"
)

// EntryKind says whether an aligned entry is an artifact path or a closure key.
type EntryKind string

const (
	EntryArtifact   EntryKind = "artifact"
	EntryClosureKey EntryKind = "closure_key"
)

// Entry is one aligned comparison result. For artifacts the values are
// declared content hashes; for closure keys they are the declared values.
type Entry struct {
	Kind   EntryKind   `json:"kind"`
	Key    string      `json:"key"`
	Status EntryStatus `json:"status"`
	ValueA any         `json:"value_a,omitempty"`
	ValueB any         `json:"value_b,omitempty"`
}

// FirstDifference points at the earliest divergence in the fixed traversal
// order, with both sides' values and a coarse attribution class.
type FirstDifference struct {
	Kind            EntryKind   `json:"kind"`
	Key             string      `json:"key"`
	Status          EntryStatus `json:"status"`
	ValueA          any         `json:"value_a,omitempty"`
	ValueB          any         `json:"value_b,omitempty"`
	DivergenceClass string      `json:"divergence_class"`
}

// Delta is the full forensic comparison result.
type Delta struct {
	Schema          string           `json:"schema"`
	RunA            string           `json:"run_a"`
	RunB            string           `json:"run_b"`
	Identical       bool             `json:"identical"`
	ArtifactsTotal  int              `json:"n_artifacts"`
	ClosureTotal    int              `json:"n_closure_keys"`
	Differing       int              `json:"n_differs"`
	OnlyInA         int              `json:"n_only_in_a"`
	OnlyInB         int              `json:"n_only_in_b"`
	Entries         []Entry          `json:"entries"`
	FirstDifference *FirstDifference `json:"first_difference,omitempty"`
}

// Hash digests the canonical delta encoding.
func (d Delta) Hash() (string, error) {
	return evidence.CanonicalSHA256(d)
}

// IncomparableRunError reports a run that lacks the declared evidence needed
// for forensic comparison.
type IncomparableRunError struct {
	Target string
	Reason string
}

func (e *IncomparableRunError) Error() string {
	return fmt.Sprintf("incomparable run %s: %s", e.Target, e.Reason)
}

// Comparator aligns two run directories' declared evidence.
type Comparator struct {
	logger *slog.Logger
}

func NewComparator(logger *slog.Logger) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comparator{logger: logger}
}

// Compare aligns the declared manifests and closures of runA and runB. It
// compares declared hashes only; semantic diffing of file contents is a
// reporting concern, not comparison logic. Identical target paths are
// rejected before any I/O.
func (c *Comparator) Compare(ctx context.Context, runA, runB string) (Delta, error) {
	cleanA, cleanB := filepath.Clean(runA), filepath.Clean(runB)
	if cleanA == cleanB {
		return Delta{}, fmt.Errorf("forensic compare requires two distinct targets (got %s twice)", cleanA)
	}
	if err := ctx.Err(); err != nil {
		return Delta{}, err
	}

	manifestA, closureA, err := loadEvidence(runA)
	if err != nil {
		return Delta{}, err
	}
	manifestB, closureB, err := loadEvidence(runB)
	if err != nil {
		return Delta{}, err
	}

	delta := Delta{
		Schema: DeltaSchemaV1,
		RunA:   runA,
		RunB:   runB,
	}

	hashesA, hashesB := manifestA.HashMap(), manifestB.HashMap()
	for _, p := range unionKeys(hashesA, hashesB) {
		entry := alignEntry(EntryArtifact, p, hashesA, hashesB)
		delta.Entries = append(delta.Entries, entry)
		delta.ArtifactsTotal++
		countEntry(&delta, entry)
	}

	keysA, keysB := closureA.Keys, closureB.Keys
	for _, k := range unionKeys(keysA, keysB) {
		entry := alignEntry(EntryClosureKey, k, keysA, keysB)
		delta.Entries = append(delta.Entries, entry)
		delta.ClosureTotal++
		countEntry(&delta, entry)
	}

	for _, entry := range delta.Entries {
		if entry.Status == StatusIdentical {
			continue
		}
		delta.FirstDifference = &FirstDifference{
			Kind:            entry.Kind,
			Key:             entry.Key,
			Status:          entry.Status,
			ValueA:          entry.ValueA,
			ValueB:          entry.ValueB,
			DivergenceClass: divergenceClass(entry),
		}
		break
	}
	delta.Identical = delta.FirstDifference == nil

	c.logger.Info("forensic compared",
		"run_a", runA,
		"run_b", runB,
		"identical", delta.Identical,
		"n_differs", delta.Differing,
		"n_only_in_a", delta.OnlyInA,
		"n_only_in_b", delta.OnlyInB,
	)
	return delta, nil
}

func loadEvidence(dir string) (evidence.Manifest, closure.Closure, error) {
	m, _, err := evidence.LoadManifest(dir)
	if err != nil {
		return evidence.Manifest{}, closure.Closure{}, &IncomparableRunError{Target: dir, Reason: err.Error()}
	}
	c, _, err := closure.Load(dir)
	if err != nil {
		return evidence.Manifest{}, closure.Closure{}, &IncomparableRunError{Target: dir, Reason: err.Error()}
	}
	return m, c, nil
}

func unionKeys[V any](a, b map[string]V) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func alignEntry[V any](kind EntryKind, key string, a, b map[string]V) Entry {
	va, okA := a[key]
	vb, okB := b[key]
	entry := Entry{Kind: kind, Key: key}
	switch {
	case okA && !okB:
		entry.Status = StatusOnlyInA
		entry.ValueA = va
	case !okA && okB:
		entry.Status = StatusOnlyInB
		entry.ValueB = vb
	default:
		entry.ValueA = va
		entry.ValueB = vb
		if valuesEqual(va, vb) {
			entry.Status = StatusIdentical
		} else {
			entry.Status = StatusDiffers
		}
	}
	return entry
}

func valuesEqual(a, b any) bool {
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	ha, errA := evidence.CanonicalSHA256(a)
	hb, errB := evidence.CanonicalSHA256(b)
	if errA != nil || errB != nil {
		return false
	}
	return ha == hb
}

func countEntry(d *Delta, e Entry) {
	switch e.Status {
	case StatusDiffers:
		d.Differing++
	case StatusOnlyInA:
		d.OnlyInA++
	case StatusOnlyInB:
		d.OnlyInB++
	}
}

// divergenceClass gives the first difference a coarse attribution bucket so
// a reader can tell at a glance which layer of the run diverged.
func divergenceClass(e Entry) string {
	if e.Kind == EntryClosureKey {
		if strings.HasPrefix(e.Key, "host.") || strings.HasPrefix(e.Key, "env.") {
			return "CODE_ENV"
		}
		return "DATA_AUTHORITY"
	}

	p := evidence.ToPosix(e.Key)
	base := strings.ToLower(path.Base(p))
	switch {
	case strings.HasPrefix(p, "provenance/") || p == "manifest.json" || strings.HasSuffix(p, "repo_state.json"):
		return "CODE_ENV"
	case strings.HasPrefix(p, "contracts/") || strings.Contains(base, "coil") || strings.Contains(base, "contract"):
		return "CONTRACTS"
	case strings.HasPrefix(p, "machine_authority") || strings.Contains(p, "execution_authority"):
		return "DATA_AUTHORITY"
	case strings.HasPrefix(p, "robustness") || strings.HasPrefix(p, "physics_audit") || strings.HasPrefix(p, "model_form"):
		return "AUDIT_LAYER"
	default:
		return "DATA_OUTPUT"
	}
}
