package forensic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/torus-labs/runproof/internal/authority"
	"github.com/torus-labs/runproof/internal/closure"
	"github.com/torus-labs/runproof/internal/evidence"
	"github.com/torus-labs/runproof/internal/policy"
)

func writeFile(t *testing.T, dir, rel string, content []byte) {
	t.Helper()
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func makeRun(t *testing.T, bundle authority.Bundle, artifacts map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range artifacts {
		writeFile(t, dir, rel, content)
	}

	bundleAbs := filepath.Join(dir, filepath.FromSlash(evidence.DefaultBundlePath))
	if err := os.MkdirAll(filepath.Dir(bundleAbs), 0o755); err != nil {
		t.Fatalf("mkdir bundle dir: %v", err)
	}
	if err := authority.Save(bundleAbs, bundle); err != nil {
		t.Fatalf("save bundle: %v", err)
	}

	m, err := evidence.Build(context.Background(), dir, evidence.BuildOptions{Exclude: policy.Default().Exclude})
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	if err := evidence.SaveManifest(dir, m, evidence.FormRun); err != nil {
		t.Fatalf("save manifest: %v", err)
	}

	c, err := closure.Capture(bundle, closure.CurrentHost())
	if err != nil {
		t.Fatalf("capture closure: %v", err)
	}
	if err := closure.Save(dir, c, evidence.FormRun); err != nil {
		t.Fatalf("save closure: %v", err)
	}
	return dir
}

func TestCompareIdenticalRuns(t *testing.T) {
	artifacts := map[string][]byte{
		"outputs/psi.json":  []byte(`{"psi": [1, 2, 3]}`),
		"outputs/plot.png":  {0x89, 0x50, 0x4e, 0x47},
		"contracts/c1.json": []byte(`{"coil": "P4"}`),
	}
	runA := makeRun(t, authority.Default(), artifacts)
	runB := makeRun(t, authority.Default(), artifacts)

	delta, err := NewComparator(nil).Compare(context.Background(), runA, runB)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !delta.Identical {
		t.Fatalf("expected identical, first difference: %+v", delta.FirstDifference)
	}
	if delta.FirstDifference != nil {
		t.Fatalf("identical delta must carry no first difference")
	}
	if delta.Differing+delta.OnlyInA+delta.OnlyInB != 0 {
		t.Fatalf("unexpected divergence counts: %+v", delta)
	}
	if delta.ArtifactsTotal == 0 || delta.ClosureTotal == 0 {
		t.Fatalf("expected aligned artifacts and closure keys, got %+v", delta)
	}
}

func TestCompareSamePathRejectedBeforeIO(t *testing.T) {
	// The directory does not exist; the guard must fire before any read.
	_, err := NewComparator(nil).Compare(context.Background(), "/no/such/run", "/no/such/run/")
	if err == nil {
		t.Fatal("expected error for identical targets")
	}
	var incomparable *IncomparableRunError
	if errors.As(err, &incomparable) {
		t.Fatalf("same-path guard is a usage error, not incomparable evidence: %v", err)
	}
}

func TestCompareMissingManifestIsIncomparable(t *testing.T) {
	runA := makeRun(t, authority.Default(), map[string][]byte{"x.json": []byte(`{}`)})
	runB := t.TempDir()

	_, err := NewComparator(nil).Compare(context.Background(), runA, runB)
	var incomparable *IncomparableRunError
	if !errors.As(err, &incomparable) {
		t.Fatalf("expected IncomparableRunError, got %v", err)
	}
	if incomparable.Target != runB {
		t.Fatalf("expected target %s, got %s", runB, incomparable.Target)
	}
}

func TestCompareArtifactDrift(t *testing.T) {
	runA := makeRun(t, authority.Default(), map[string][]byte{
		"outputs/psi.json": []byte(`{"psi": [1, 2, 3]}`),
		"outputs/gs.json":  []byte(`{"residual": 1e-9}`),
	})
	runB := makeRun(t, authority.Default(), map[string][]byte{
		"outputs/psi.json": []byte(`{"psi": [1, 2, 4]}`),
		"outputs/gs.json":  []byte(`{"residual": 1e-9}`),
	})

	delta, err := NewComparator(nil).Compare(context.Background(), runA, runB)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if delta.Identical {
		t.Fatal("expected divergence")
	}
	if delta.Differing != 1 {
		t.Fatalf("expected exactly one differing entry, got %d", delta.Differing)
	}
	fd := delta.FirstDifference
	if fd == nil {
		t.Fatal("expected a first difference")
	}
	if fd.Kind != EntryArtifact || fd.Key != "outputs/psi.json" || fd.Status != StatusDiffers {
		t.Fatalf("unexpected first difference: %+v", fd)
	}
	if fd.ValueA == fd.ValueB {
		t.Fatalf("first difference must carry both declared hashes, got %v on both sides", fd.ValueA)
	}
	if fd.DivergenceClass != "DATA_OUTPUT" {
		t.Fatalf("expected DATA_OUTPUT, got %s", fd.DivergenceClass)
	}
}

func TestCompareClosureDrift(t *testing.T) {
	artifacts := map[string][]byte{"outputs/psi.json": []byte(`{"psi": 1}`)}

	bundleA := authority.Default()
	bundleA.Grid.NX = 100
	bundleB := authority.Default()
	bundleB.Grid.NX = 200

	runA := makeRun(t, bundleA, artifacts)
	runB := makeRun(t, bundleB, artifacts)

	delta, err := NewComparator(nil).Compare(context.Background(), runA, runB)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if delta.Identical {
		t.Fatal("expected divergence")
	}

	fd := delta.FirstDifference
	if fd == nil {
		t.Fatal("expected a first difference")
	}
	// The bundle file itself differs on disk, so the artifact entry for it
	// orders before any closure key.
	if fd.Kind != EntryArtifact || fd.Key != evidence.DefaultBundlePath {
		t.Fatalf("expected the authority bundle artifact first, got %+v", fd)
	}
	if fd.DivergenceClass != "DATA_AUTHORITY" {
		t.Fatalf("expected DATA_AUTHORITY, got %s", fd.DivergenceClass)
	}

	var gridEntry *Entry
	for i := range delta.Entries {
		e := &delta.Entries[i]
		if e.Kind == EntryClosureKey && e.Key == "grid.nx" {
			gridEntry = e
			break
		}
	}
	if gridEntry == nil {
		t.Fatal("expected an aligned grid.nx closure entry")
	}
	if gridEntry.Status != StatusDiffers {
		t.Fatalf("expected grid.nx to differ, got %s", gridEntry.Status)
	}
	if gridEntry.ValueA != float64(100) || gridEntry.ValueB != float64(200) {
		t.Fatalf("expected declared values 100/200, got %v/%v", gridEntry.ValueA, gridEntry.ValueB)
	}
}

func TestCompareOnlyInOneSide(t *testing.T) {
	runA := makeRun(t, authority.Default(), map[string][]byte{
		"outputs/psi.json": []byte(`{"psi": 1}`),
	})
	runB := makeRun(t, authority.Default(), map[string][]byte{
		"outputs/psi.json": []byte(`{"psi": 1}`),
		"outputs/zz.json":  []byte(`{"extra": true}`),
	})

	delta, err := NewComparator(nil).Compare(context.Background(), runA, runB)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if delta.OnlyInB != 1 || delta.OnlyInA != 0 || delta.Differing != 0 {
		t.Fatalf("unexpected counts: %+v", delta)
	}
	fd := delta.FirstDifference
	if fd == nil || fd.Key != "outputs/zz.json" || fd.Status != StatusOnlyInB {
		t.Fatalf("unexpected first difference: %+v", fd)
	}
	if fd.ValueA != nil {
		t.Fatalf("ONLY_IN_B entry must not carry a value for side A, got %v", fd.ValueA)
	}
}

func TestCompareIsSymmetricInAlignment(t *testing.T) {
	runA := makeRun(t, authority.Default(), map[string][]byte{
		"outputs/psi.json": []byte(`{"psi": 1}`),
	})
	runB := makeRun(t, authority.Default(), map[string][]byte{
		"outputs/psi.json": []byte(`{"psi": 2}`),
	})

	ab, err := NewComparator(nil).Compare(context.Background(), runA, runB)
	if err != nil {
		t.Fatalf("compare a,b: %v", err)
	}
	ba, err := NewComparator(nil).Compare(context.Background(), runB, runA)
	if err != nil {
		t.Fatalf("compare b,a: %v", err)
	}

	if ab.FirstDifference.Key != ba.FirstDifference.Key {
		t.Fatalf("first difference location must not depend on argument order: %s vs %s",
			ab.FirstDifference.Key, ba.FirstDifference.Key)
	}
	if ab.FirstDifference.ValueA != ba.FirstDifference.ValueB ||
		ab.FirstDifference.ValueB != ba.FirstDifference.ValueA {
		t.Fatal("swapping arguments must swap the reported sides")
	}
}

func TestCompareCanceledContext(t *testing.T) {
	runA := makeRun(t, authority.Default(), map[string][]byte{"x.json": []byte(`{}`)})
	runB := makeRun(t, authority.Default(), map[string][]byte{"x.json": []byte(`{}`)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewComparator(nil).Compare(ctx, runA, runB)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDivergenceClassBuckets(t *testing.T) {
	cases := []struct {
		entry Entry
		want  string
	}{
		{Entry{Kind: EntryArtifact, Key: "outputs/psi.json", Status: StatusDiffers}, "DATA_OUTPUT"},
		{Entry{Kind: EntryArtifact, Key: "contracts/coil_currents.json", Status: StatusDiffers}, "CONTRACTS"},
		{Entry{Kind: EntryArtifact, Key: "provenance/repo_state.json", Status: StatusDiffers}, "CODE_ENV"},
		{Entry{Kind: EntryArtifact, Key: evidence.DefaultBundlePath, Status: StatusDiffers}, "DATA_AUTHORITY"},
		{Entry{Kind: EntryArtifact, Key: "physics_audit/gs_residual.json", Status: StatusDiffers}, "AUDIT_LAYER"},
		{Entry{Kind: EntryClosureKey, Key: "grid.nx", Status: StatusDiffers}, "DATA_AUTHORITY"},
		{Entry{Kind: EntryClosureKey, Key: "host.hostname", Status: StatusDiffers}, "CODE_ENV"},
	}
	for _, tc := range cases {
		if got := divergenceClass(tc.entry); got != tc.want {
			t.Errorf("divergenceClass(%s %s) = %s, want %s", tc.entry.Kind, tc.entry.Key, got, tc.want)
		}
	}
}
