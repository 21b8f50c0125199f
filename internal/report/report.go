// Package report renders verification results to their on-disk forms: a
// machine-readable JSON document plus a human-readable markdown narrative,
// written side by side into the run directory.
//
// JSON rendering is byte-deterministic for equal inputs: two-space indent,
// fixed struct field order, trailing newline. Re-verifying an unchanged run
// overwrites both files with identical bytes.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/torus-labs/runproof/internal/evidence"
	"github.com/torus-labs/runproof/internal/forensic"
	"github.com/torus-labs/runproof/internal/replay"
	"github.com/torus-labs/runproof/internal/sentinel"
)

const (
	ReplayJSONName    = "REPLAY_REPORT.json"
	ReplayMarkdown    = "REPLAY_REPORT.md"
	ForensicJSONName  = "FORENSIC_DELTA.json"
	ForensicMarkdown  = "FORENSIC_DELTA.md"
	SentinelJSONName  = "NONDETERMINISM_REPORT.json"
	SentinelMarkdown  = "NONDETERMINISM_REPORT.md"
)

// WriteReplay renders a replay report into dir.
func WriteReplay(dir string, r replay.Report) error {
	if err := writeJSON(filepath.Join(dir, ReplayJSONName), r); err != nil {
		return err
	}
	return writeText(filepath.Join(dir, ReplayMarkdown), replayMarkdown(r))
}

// WriteForensic renders a forensic delta into dir.
func WriteForensic(dir string, d forensic.Delta) error {
	if err := writeJSON(filepath.Join(dir, ForensicJSONName), d); err != nil {
		return err
	}
	return writeText(filepath.Join(dir, ForensicMarkdown), forensicMarkdown(d))
}

// WriteSentinel renders a non-determinism report into dir.
func WriteSentinel(dir string, r sentinel.Report) error {
	if err := writeJSON(filepath.Join(dir, SentinelJSONName), r); err != nil {
		return err
	}
	return writeText(filepath.Join(dir, SentinelMarkdown), sentinelMarkdown(r))
}

func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeText(path, buf.String())
}

func writeText(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func replayMarkdown(r replay.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Replay Report\n\n")
	fmt.Fprintf(&b, "**Verdict: %s**\n\n", r.Verdict)
	fmt.Fprintf(&b, "- Target: `%s`\n", r.Target)
	fmt.Fprintf(&b, "- Mode: %s\n", r.Mode)
	fmt.Fprintf(&b, "- Form: %s\n", r.Form)
	fmt.Fprintf(&b, "- Files: %d total, %d ok, %d mismatch, %d missing, %d extra\n",
		r.FilesTotal, r.FilesOK, r.FilesMismatch, r.FilesMissing, r.FilesExtra)
	fmt.Fprintf(&b, "- Closure mismatches: %d\n", len(r.ClosureMismatches))

	var flagged []evidence.Outcome
	for _, a := range r.Artifacts {
		if a.Status != evidence.StatusOK {
			flagged = append(flagged, a)
		}
	}
	if len(flagged) > 0 {
		fmt.Fprintf(&b, "\n## Artifact findings\n\n")
		fmt.Fprintf(&b, "| Path | Status | Expected | Actual |\n")
		fmt.Fprintf(&b, "|---|---|---|---|\n")
		for _, a := range flagged {
			fmt.Fprintf(&b, "| `%s` | %s | `%s` | `%s` |\n",
				a.Path, a.Status, short(a.Expected), short(a.Actual))
		}
	}
	if len(r.ClosureMismatches) > 0 {
		fmt.Fprintf(&b, "\n## Closure mismatches\n\n")
		fmt.Fprintf(&b, "| Key | Declared | Observed | Reason |\n")
		fmt.Fprintf(&b, "|---|---|---|---|\n")
		for _, m := range r.ClosureMismatches {
			fmt.Fprintf(&b, "| `%s` | `%v` | `%v` | %s |\n", m.Key, m.Declared, m.Observed, m.Reason)
		}
	}
	return b.String()
}

func forensicMarkdown(d forensic.Delta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Forensic Delta\n\n")
	if d.Identical {
		fmt.Fprintf(&b, "**Verdict: IDENTICAL**\n\n")
	} else {
		fmt.Fprintf(&b, "**Verdict: DIFFERS**\n\n")
	}
	fmt.Fprintf(&b, "- Run A: `%s`\n", d.RunA)
	fmt.Fprintf(&b, "- Run B: `%s`\n", d.RunB)
	fmt.Fprintf(&b, "- Aligned: %d artifacts, %d closure keys\n", d.ArtifactsTotal, d.ClosureTotal)
	fmt.Fprintf(&b, "- Divergent: %d differ, %d only in A, %d only in B\n",
		d.Differing, d.OnlyInA, d.OnlyInB)

	if fd := d.FirstDifference; fd != nil {
		fmt.Fprintf(&b, "\n## First difference\n\n")
		fmt.Fprintf(&b, "- %s `%s` (%s)\n", fd.Kind, fd.Key, fd.Status)
		fmt.Fprintf(&b, "- Divergence class: **%s**\n", fd.DivergenceClass)
		if fd.ValueA != nil {
			fmt.Fprintf(&b, "- A: `%v`\n", fd.ValueA)
		}
		if fd.ValueB != nil {
			fmt.Fprintf(&b, "- B: `%v`\n", fd.ValueB)
		}
	}

	var divergent []forensic.Entry
	for _, e := range d.Entries {
		if e.Status != forensic.StatusIdentical {
			divergent = append(divergent, e)
		}
	}
	if len(divergent) > 0 {
		fmt.Fprintf(&b, "\n## All divergent entries\n\n")
		fmt.Fprintf(&b, "| Kind | Key | Status |\n")
		fmt.Fprintf(&b, "|---|---|---|\n")
		for _, e := range divergent {
			fmt.Fprintf(&b, "| %s | `%s` | %s |\n", e.Kind, e.Key, e.Status)
		}
	}
	return b.String()
}

func sentinelMarkdown(r sentinel.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Non-Determinism Report\n\n")
	if r.Stable {
		fmt.Fprintf(&b, "**Verdict: STABLE** across %d trials\n\n", r.Trials)
	} else {
		fmt.Fprintf(&b, "**Verdict: UNSTABLE** across %d trials\n\n", r.Trials)
	}
	fmt.Fprintf(&b, "- Target: `%s`\n", r.Target)
	fmt.Fprintf(&b, "- Artifacts checked: %d\n", len(r.Artifacts))
	fmt.Fprintf(&b, "- Unstable: %d\n", len(r.Unstable))

	if len(r.Unstable) > 0 {
		fmt.Fprintf(&b, "\n## Unstable artifacts\n\n")
		fmt.Fprintf(&b, "| Path | Distinct hashes | Trials present |\n")
		fmt.Fprintf(&b, "|---|---|---|\n")
		for _, a := range r.Artifacts {
			if a.Stable {
				continue
			}
			fmt.Fprintf(&b, "| `%s` | %d | %d/%d |\n", a.Path, len(a.Hashes), a.Trials, r.Trials)
		}
	}
	return b.String()
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
