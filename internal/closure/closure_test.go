package closure

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/torus-labs/runproof/internal/authority"
	"github.com/torus-labs/runproof/internal/evidence"
)

func capture(t *testing.T, host HostInfo) Closure {
	t.Helper()
	c, err := Capture(authority.Default(), host)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	return c
}

func sameHost() HostInfo {
	return HostInfo{OS: "linux", Arch: "amd64", Hostname: "node-a", GoRuntime: "go1.25"}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" Strict "); err != nil || m != ModeStrict {
		t.Fatalf("expected strict, got %v %v", m, err)
	}
	if _, err := ParseMode("loose"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestCaptureProducesCompleteClosure(t *testing.T) {
	c := capture(t, sameHost())
	if err := c.Validate(); err != nil {
		t.Fatalf("captured closure incomplete: %v", err)
	}
	if c.Keys["host.os"] != "linux" {
		t.Fatalf("expected host.os captured, got %v", c.Keys["host.os"])
	}
}

func TestCompareStrictIdentical(t *testing.T) {
	a := capture(t, sameHost())
	b := capture(t, sameHost())
	mismatches, err := Compare(a, b, ModeStrict, CompareOptions{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected no mismatches, got %v", mismatches)
	}
}

func TestCompareStrictFlagsHostDifference(t *testing.T) {
	a := capture(t, sameHost())
	other := sameHost()
	other.Hostname = "node-b"
	b := capture(t, other)

	mismatches, err := Compare(a, b, ModeStrict, CompareOptions{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Key != "host.hostname" {
		t.Fatalf("expected host.hostname mismatch, got %v", mismatches)
	}
}

func TestCompareRelaxedIgnoresHostKeys(t *testing.T) {
	a := capture(t, sameHost())
	other := sameHost()
	other.Hostname = "node-b"
	other.OS = "darwin"
	b := capture(t, other)

	mismatches, err := Compare(a, b, ModeRelaxed, CompareOptions{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("relaxed mode must ignore host keys, got %v", mismatches)
	}
}

func TestCompareRelaxedFlagsPhysicsDifference(t *testing.T) {
	a := capture(t, sameHost())
	bundle := authority.Default()
	bundle.Grid.NX = 100
	b, err := Capture(bundle, sameHost())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	mismatches, err := Compare(a, b, ModeRelaxed, CompareOptions{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Key != "grid.nx" {
		t.Fatalf("expected grid.nx mismatch, got %v", mismatches)
	}
	if mismatches[0].Reason != ReasonValueMismatch {
		t.Fatalf("expected value mismatch reason, got %s", mismatches[0].Reason)
	}
}

func TestStrictPassImpliesRelaxedPass(t *testing.T) {
	a := capture(t, sameHost())
	b := capture(t, sameHost())

	strict, err := Compare(a, b, ModeStrict, CompareOptions{})
	if err != nil {
		t.Fatalf("compare strict: %v", err)
	}
	relaxed, err := Compare(a, b, ModeRelaxed, CompareOptions{})
	if err != nil {
		t.Fatalf("compare relaxed: %v", err)
	}
	if len(strict) == 0 && len(relaxed) != 0 {
		t.Fatalf("relaxed reported failures where strict passed: %v", relaxed)
	}
}

func TestFloatToleranceDefaultsToBitExact(t *testing.T) {
	a := Closure{Schema: ClosureSchemaV1, Keys: map[string]any{"solver.l2_reg.default": 1e-8}}
	b := Closure{Schema: ClosureSchemaV1, Keys: map[string]any{"solver.l2_reg.default": 1e-8 + 1e-20}}

	mismatches, err := Compare(a, b, ModeRelaxed, CompareOptions{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("expected bit-exact comparison to flag drift, got %v", mismatches)
	}

	mismatches, err = Compare(a, b, ModeRelaxed, CompareOptions{FloatTolerance: 1e-12})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected tolerance to absorb drift, got %v", mismatches)
	}
}

func TestCompareMissingKeyReasons(t *testing.T) {
	a := Closure{Schema: ClosureSchemaV1, Keys: map[string]any{"grid.nx": 65.0}}
	b := Closure{Schema: ClosureSchemaV1, Keys: map[string]any{"grid.ny": 129.0}}

	mismatches, err := Compare(a, b, ModeStrict, CompareOptions{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	reasons := map[string]string{}
	for _, m := range mismatches {
		reasons[m.Key] = m.Reason
	}
	if reasons["grid.nx"] != ReasonMissingObserved {
		t.Fatalf("expected grid.nx missing_observed, got %v", reasons)
	}
	if reasons["grid.ny"] != ReasonMissingDeclared {
		t.Fatalf("expected grid.ny missing_declared, got %v", reasons)
	}
}

func TestValidateReportsIncomplete(t *testing.T) {
	c := Closure{Schema: ClosureSchemaV1, Keys: map[string]any{"grid.nx": 65.0}}
	err := c.Validate()
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	if len(incomplete.Missing) == 0 {
		t.Fatalf("expected missing keys listed")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := capture(t, sameHost())
	if err := Save(dir, c, evidence.FormRun); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, form, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if form != evidence.FormRun {
		t.Fatalf("expected run form, got %s", form)
	}
	mismatches, err := Compare(c, loaded, ModeStrict, CompareOptions{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("closure changed across save/load: %v", mismatches)
	}
}

func TestLoadIncompleteClosureIsFatal(t *testing.T) {
	dir := t.TempDir()
	c := Closure{Schema: ClosureSchemaV1, Keys: map[string]any{"grid.nx": 65.0}}
	// Bypass Save's validation to simulate a broken producer.
	if err := writeRaw(dir, c); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := Load(dir)
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
}

func TestLoadNotFound(t *testing.T) {
	_, _, err := Load(t.TempDir())
	if !errors.Is(err, ErrClosureNotFound) {
		t.Fatalf("expected ErrClosureNotFound, got %v", err)
	}
}

func writeRaw(dir string, c Closure) error {
	blob, err := json.Marshal(c)
	if err != nil {
		return err
	}
	abs := filepath.Join(dir, filepath.FromSlash(RunClosurePath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, blob, 0o644)
}
