// Package replay re-derives a run directory's declared evidence and issues a
// reproducibility verdict. Verdicts are auditable: the strictness mode is
// recorded verbatim in the report, and an interrupted verification fails
// closed with INCOMPLETE rather than masquerading as any other verdict.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/torus-labs/runproof/internal/authority"
	"github.com/torus-labs/runproof/internal/closure"
	"github.com/torus-labs/runproof/internal/evidence"
	"github.com/torus-labs/runproof/internal/policy"
)

const ReportSchemaV1 = "runproof.replay_report.v1"

// Verdict is the overall replay outcome.
type Verdict string

const (
	// VerdictPass means every artifact re-derived to its declared hash and
	// the closure matched under the active mode.
	VerdictPass Verdict = "PASS"
	// VerdictFail means at least one artifact hash mismatched or a closure
	// key differed under the active mode.
	VerdictFail Verdict = "FAIL"
	// VerdictPartial means nothing was falsified but the run is incomplete:
	// declared artifacts are missing or undeclared extras are present.
	VerdictPartial Verdict = "PARTIAL"
	// VerdictIncomplete means verification itself was interrupted before a
	// trustworthy verdict existed.
	VerdictIncomplete Verdict = "INCOMPLETE"
)

// Report is the structured replay result. It carries no timestamps or
// generated identifiers: verifying an unmodified directory twice yields
// bit-identical reports.
type Report struct {
	Schema            string                `json:"schema"`
	Target            string                `json:"target"`
	Mode              closure.Mode          `json:"mode"`
	Form              evidence.Form         `json:"form"`
	Verdict           Verdict               `json:"verdict"`
	FilesTotal        int                   `json:"n_files"`
	FilesOK           int                   `json:"n_ok"`
	FilesMismatch     int                   `json:"n_mismatch"`
	FilesMissing      int                   `json:"n_missing"`
	FilesExtra        int                   `json:"n_extra"`
	Artifacts         []evidence.Outcome    `json:"artifacts"`
	ClosureMismatches []closure.KeyMismatch `json:"closure_mismatches"`
}

// Hash digests the canonical report encoding.
func (r Report) Hash() (string, error) {
	return evidence.CanonicalSHA256(r)
}

// Verifier re-derives declared hashes and closure state for run directories.
// Every call constructs fresh manifests and closures from disk; nothing is
// cached across calls.
type Verifier struct {
	logger *slog.Logger
	spec   policy.Spec
}

func New(logger *slog.Logger, spec policy.Spec) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{logger: logger, spec: spec}
}

// Verify checks target under the given closure mode. Evidence-integrity
// problems (missing or corrupt manifest/closure, tampered manifest hash,
// absent authority bundle) are returned as errors, never downgraded to a
// report finding. A canceled context yields an INCOMPLETE report alongside
// the context error.
func (v *Verifier) Verify(ctx context.Context, target string, mode closure.Mode) (Report, error) {
	if mode != closure.ModeStrict && mode != closure.ModeRelaxed {
		return Report{}, fmt.Errorf("unknown closure mode %q", mode)
	}

	manifest, form, err := evidence.LoadManifest(target)
	if err != nil {
		return Report{}, err
	}
	declared, _, err := closure.Load(target)
	if err != nil {
		return Report{}, err
	}
	if form == evidence.FormPack && mode == closure.ModeStrict {
		return Report{}, fmt.Errorf("pack directory %s supports relaxed mode only", target)
	}

	report := Report{
		Schema:  ReportSchemaV1,
		Target:  target,
		Mode:    mode,
		Form:    form,
		Verdict: VerdictIncomplete,
	}

	buildOpts := evidence.BuildOptions{Exclude: v.spec.Exclude, Workers: v.spec.Workers}
	outcomes, err := evidence.Verify(ctx, manifest, target, buildOpts)
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		return Report{}, err
	}

	observed, err := v.observeClosure(manifest, target)
	if err != nil {
		return Report{}, err
	}
	mismatches, err := closure.Compare(declared, observed, mode, closure.CompareOptions{
		FloatTolerance:   v.spec.FloatTolerance,
		PortablePrefixes: v.spec.PortablePrefixes,
	})
	if err != nil {
		return Report{}, err
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.Artifacts = outcomes
	report.ClosureMismatches = mismatches
	for _, o := range outcomes {
		report.FilesTotal++
		switch o.Status {
		case evidence.StatusOK:
			report.FilesOK++
		case evidence.StatusHashMismatch:
			report.FilesMismatch++
		case evidence.StatusMissing:
			report.FilesMissing++
		case evidence.StatusExtra:
			report.FilesExtra++
		}
	}
	report.Verdict = classify(report)

	v.logger.Info("replay verified",
		"target", target,
		"mode", mode,
		"verdict", report.Verdict,
		"n_files", report.FilesTotal,
		"n_mismatch", report.FilesMismatch,
		"n_missing", report.FilesMissing,
		"closure_mismatches", len(mismatches),
	)
	return report, nil
}

// observeClosure recomputes the live closure from the authority bundle in the
// directory plus the current host fingerprint.
func (v *Verifier) observeClosure(m evidence.Manifest, target string) (closure.Closure, error) {
	rel, ok := m.BundlePath()
	if !ok {
		rel = evidence.DefaultBundlePath
	}
	abs := filepath.Join(target, filepath.FromSlash(rel))
	bundle, err := authority.Load(abs)
	if err != nil {
		var incomplete *closure.IncompleteError
		if errors.As(err, &incomplete) {
			return closure.Closure{}, err
		}
		return closure.Closure{}, &evidence.IntegrityError{Path: rel, Reason: err.Error()}
	}
	return closure.Capture(bundle, closure.CurrentHost())
}

// classify derives the verdict from the enumerated findings. Undeclared
// extras signal an incomplete declaration, not a falsified run, so they grade
// PARTIAL like missing artifacts do.
func classify(r Report) Verdict {
	if r.FilesMismatch > 0 || len(r.ClosureMismatches) > 0 {
		return VerdictFail
	}
	if r.FilesMissing > 0 || r.FilesExtra > 0 {
		return VerdictPartial
	}
	return VerdictPass
}
