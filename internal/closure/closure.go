// Package closure captures and compares the environment closure of a run:
// the set of inputs that must match for a reproducibility verdict to be
// valid. Two strictness levels exist; a PASS under relaxed is a strictly
// weaker claim than a PASS under strict and callers must never conflate them.
package closure

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/torus-labs/runproof/internal/authority"
	"github.com/torus-labs/runproof/internal/evidence"
)

const ClosureSchemaV1 = "runproof.closure.v1"

// Mode selects the closure strictness level.
type Mode string

const (
	// ModeStrict requires every key in the union of both closures to be
	// present and equal. Suited to verifying a run directory in place.
	ModeStrict Mode = "strict"
	// ModeRelaxed compares only portable physics/numeric keys and ignores
	// machine fingerprints. Suited to verifying an exported pack.
	ModeRelaxed Mode = "relaxed"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModeRelaxed:
		return ModeRelaxed, nil
	}
	return "", fmt.Errorf("mode must be %q or %q (got %q)", ModeStrict, ModeRelaxed, s)
}

// Closure maps closure keys to declared values. CapturedAt is provenance
// only and never participates in comparison.
type Closure struct {
	Schema     string         `json:"schema"`
	Keys       map[string]any `json:"keys"`
	CapturedAt string         `json:"captured_at,omitempty"`
}

// requiredKeys are the physics keys whose absence breaks the claim of full
// closure outright. A missing required key is fatal, not a soft mismatch.
var requiredKeys = []string{
	"grid.rmin", "grid.rmax", "grid.zmin", "grid.zmax", "grid.nx", "grid.ny",
	"profile.paxis_pa", "profile.fvac", "profile.alpha_m", "profile.alpha_n",
	"solver.inverse_target_relative_tolerance",
	"solver.inverse_target_relative_psit_update",
	"solver.forward_target_relative_tolerance",
	"solver.l2_reg.default",
}

// IncompleteError reports a closure that is missing required keys entirely.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("closure incomplete: missing required keys %v", e.Missing)
}

// Validate checks the closure carries every required key.
func (c Closure) Validate() error {
	var missing []string
	for _, key := range requiredKeys {
		if _, ok := c.Keys[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &IncompleteError{Missing: missing}
	}
	return nil
}

// SortedKeys returns the closure keys in lexicographic order.
func (c Closure) SortedKeys() []string {
	keys := make([]string, 0, len(c.Keys))
	for k := range c.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HostInfo is the machine fingerprint folded into a captured closure.
type HostInfo struct {
	OS        string
	Arch      string
	Hostname  string
	GoRuntime string
}

func CurrentHost() HostInfo {
	hostname, _ := os.Hostname()
	return HostInfo{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		GoRuntime: runtime.Version(),
	}
}

// Capture builds a closure from the execution authority bundle plus the host
// fingerprint. The bundle is the closure source of truth for physics keys;
// an invalid bundle fails here rather than producing a partial closure.
func Capture(b authority.Bundle, host HostInfo) (Closure, error) {
	if err := b.Validate(); err != nil {
		return Closure{}, err
	}
	keys, err := b.ClosureKeys()
	if err != nil {
		return Closure{}, err
	}
	keys["host.os"] = host.OS
	keys["host.arch"] = host.Arch
	keys["host.hostname"] = host.Hostname
	keys["host.go_runtime"] = host.GoRuntime

	c := Closure{Schema: ClosureSchemaV1, Keys: keys}
	if err := c.Validate(); err != nil {
		return Closure{}, err
	}
	return c, nil
}

// KeyMismatch is one closure key on which the declared and observed states
// disagree.
type KeyMismatch struct {
	Key      string `json:"key"`
	Declared any    `json:"declared"`
	Observed any    `json:"observed"`
	Reason   string `json:"reason"`
}

const (
	ReasonValueMismatch   = "value_mismatch"
	ReasonMissingDeclared = "missing_declared"
	ReasonMissingObserved = "missing_observed"
)

// CompareOptions tunes closure comparison.
type CompareOptions struct {
	// FloatTolerance is the absolute tolerance for floating-point values.
	// Zero means bit-exact; reproducibility claims are never loosened
	// implicitly.
	FloatTolerance float64

	// PortablePrefixes extends the relaxed-mode allow-list.
	PortablePrefixes []string
}

// defaultPortablePrefixes cover the physics/numeric keys that must survive
// relocation of a pack. Host fingerprints are deliberately absent.
var defaultPortablePrefixes = []string{
	"grid.", "profile.", "profile_basis.", "boundary.", "solver.", "authority.", "passive_structure.",
}

// Compare reports every key mismatch between the declared and observed
// closures under the given mode. Mismatches are sorted by key.
func Compare(declared, observed Closure, mode Mode, opts CompareOptions) ([]KeyMismatch, error) {
	if mode != ModeStrict && mode != ModeRelaxed {
		return nil, fmt.Errorf("unknown closure mode %q", mode)
	}

	union := map[string]struct{}{}
	for k := range declared.Keys {
		union[k] = struct{}{}
	}
	for k := range observed.Keys {
		union[k] = struct{}{}
	}
	keys := make([]string, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	portable := append(append([]string{}, defaultPortablePrefixes...), opts.PortablePrefixes...)

	var mismatches []KeyMismatch
	for _, key := range keys {
		if mode == ModeRelaxed && !isPortable(key, portable) {
			continue
		}
		dv, dok := declared.Keys[key]
		ov, ook := observed.Keys[key]
		switch {
		case !dok:
			mismatches = append(mismatches, KeyMismatch{Key: key, Observed: ov, Reason: ReasonMissingDeclared})
		case !ook:
			mismatches = append(mismatches, KeyMismatch{Key: key, Declared: dv, Reason: ReasonMissingObserved})
		case !valuesEqual(dv, ov, opts.FloatTolerance):
			mismatches = append(mismatches, KeyMismatch{Key: key, Declared: dv, Observed: ov, Reason: ReasonValueMismatch})
		}
	}
	return mismatches, nil
}

func isPortable(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// valuesEqual compares closure values. Numbers use the caller-supplied
// absolute tolerance (zero = bit-exact); everything else uses exact equality
// over the canonical JSON encoding.
func valuesEqual(a, b any, tol float64) bool {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		if tol == 0 {
			return af == bf
		}
		return math.Abs(af-bf) <= tol
	}
	if aIsNum != bIsNum {
		return false
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}

	ca, errA := evidence.CanonicalSHA256(a)
	cb, errB := evidence.CanonicalSHA256(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
