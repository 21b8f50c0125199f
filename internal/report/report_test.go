package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/torus-labs/runproof/internal/closure"
	"github.com/torus-labs/runproof/internal/evidence"
	"github.com/torus-labs/runproof/internal/forensic"
	"github.com/torus-labs/runproof/internal/replay"
	"github.com/torus-labs/runproof/internal/sentinel"
)

func readReport(t *testing.T, dir, name string) []byte {
	t.Helper()
	blob, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return blob
}

func sampleReplay() replay.Report {
	return replay.Report{
		Schema:        replay.ReportSchemaV1,
		Target:        "/runs/shot-30427",
		Mode:          closure.ModeStrict,
		Form:          evidence.FormRun,
		Verdict:       replay.VerdictFail,
		FilesTotal:    3,
		FilesOK:       2,
		FilesMismatch: 1,
		Artifacts: []evidence.Outcome{
			{Path: "outputs/gs.json", Status: evidence.StatusOK},
			{Path: "outputs/psi.json", Status: evidence.StatusHashMismatch, Expected: "aaa111", Actual: "bbb222"},
		},
		ClosureMismatches: []closure.KeyMismatch{
			{Key: "grid.nx", Declared: float64(65), Observed: float64(129), Reason: closure.ReasonValueMismatch},
		},
	}
}

func TestWriteReplayRendersBothForms(t *testing.T) {
	dir := t.TempDir()
	if err := WriteReplay(dir, sampleReplay()); err != nil {
		t.Fatalf("write replay: %v", err)
	}

	blob := readReport(t, dir, ReplayJSONName)
	if !bytes.HasSuffix(blob, []byte("\n")) {
		t.Fatal("JSON report must end with a newline")
	}
	for _, want := range []string{`"verdict": "FAIL"`, `"grid.nx"`, `"outputs/psi.json"`} {
		if !bytes.Contains(blob, []byte(want)) {
			t.Fatalf("JSON report missing %q", want)
		}
	}

	md := string(readReport(t, dir, ReplayMarkdown))
	for _, want := range []string{"**Verdict: FAIL**", "outputs/psi.json", "grid.nx", "value_mismatch"} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown report missing %q", want)
		}
	}
	if strings.Contains(md, "outputs/gs.json") {
		t.Fatal("markdown findings table must list only flagged artifacts")
	}
}

func TestWriteReplayIsByteIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := sampleReplay()

	if err := WriteReplay(dir, r); err != nil {
		t.Fatalf("first write: %v", err)
	}
	first := readReport(t, dir, ReplayJSONName)
	firstMD := readReport(t, dir, ReplayMarkdown)

	if err := WriteReplay(dir, r); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if !bytes.Equal(first, readReport(t, dir, ReplayJSONName)) {
		t.Fatal("re-rendering the same report must produce identical JSON bytes")
	}
	if !bytes.Equal(firstMD, readReport(t, dir, ReplayMarkdown)) {
		t.Fatal("re-rendering the same report must produce identical markdown bytes")
	}
}

func TestWriteForensic(t *testing.T) {
	dir := t.TempDir()
	d := forensic.Delta{
		Schema:         forensic.DeltaSchemaV1,
		RunA:           "/runs/a",
		RunB:           "/runs/b",
		ArtifactsTotal: 2,
		ClosureTotal:   14,
		Differing:      1,
		Entries: []forensic.Entry{
			{Kind: forensic.EntryArtifact, Key: "outputs/gs.json", Status: forensic.StatusIdentical},
			{Kind: forensic.EntryArtifact, Key: "outputs/psi.json", Status: forensic.StatusDiffers, ValueA: "aaa", ValueB: "bbb"},
		},
		FirstDifference: &forensic.FirstDifference{
			Kind:            forensic.EntryArtifact,
			Key:             "outputs/psi.json",
			Status:          forensic.StatusDiffers,
			ValueA:          "aaa",
			ValueB:          "bbb",
			DivergenceClass: "DATA_OUTPUT",
		},
	}

	if err := WriteForensic(dir, d); err != nil {
		t.Fatalf("write forensic: %v", err)
	}

	blob := readReport(t, dir, ForensicJSONName)
	if !bytes.Contains(blob, []byte(`"divergence_class": "DATA_OUTPUT"`)) {
		t.Fatal("JSON delta missing divergence class")
	}

	md := string(readReport(t, dir, ForensicMarkdown))
	for _, want := range []string{"**Verdict: DIFFERS**", "outputs/psi.json", "DATA_OUTPUT", "First difference"} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown delta missing %q", want)
		}
	}
}

func TestWriteForensicIdentical(t *testing.T) {
	dir := t.TempDir()
	d := forensic.Delta{Schema: forensic.DeltaSchemaV1, RunA: "/runs/a", RunB: "/runs/b", Identical: true}

	if err := WriteForensic(dir, d); err != nil {
		t.Fatalf("write forensic: %v", err)
	}
	md := string(readReport(t, dir, ForensicMarkdown))
	if !strings.Contains(md, "**Verdict: IDENTICAL**") {
		t.Fatal("expected IDENTICAL verdict in markdown")
	}
	if strings.Contains(md, "First difference") {
		t.Fatal("identical delta must not render a first-difference section")
	}
}

func TestWriteSentinel(t *testing.T) {
	dir := t.TempDir()
	r := sentinel.Report{
		Schema:   sentinel.ReportSchemaV1,
		Target:   "demo",
		Trials:   3,
		Stable:   false,
		Unstable: []string{"outputs/plot.png"},
		Artifacts: []sentinel.ArtifactStability{
			{Path: "outputs/psi.json", Stable: true, Trials: 3, Hashes: []string{"aaa"}},
			{Path: "outputs/plot.png", Stable: false, Trials: 3, Hashes: []string{"bbb", "ccc", "ddd"}},
		},
	}

	if err := WriteSentinel(dir, r); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	md := string(readReport(t, dir, SentinelMarkdown))
	for _, want := range []string{"**Verdict: UNSTABLE**", "outputs/plot.png", "3/3"} {
		if !strings.Contains(md, want) {
			t.Fatalf("sentinel markdown missing %q", want)
		}
	}
	if strings.Contains(md, "psi.json") {
		t.Fatal("stable artifacts must not appear in the unstable table")
	}

	blob := readReport(t, dir, SentinelJSONName)
	if !bytes.Contains(blob, []byte(`"stable": false`)) {
		t.Fatal("JSON report missing stability verdict")
	}
}
