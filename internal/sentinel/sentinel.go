// Package sentinel probes a pipeline for hidden non-determinism by
// regenerating the same target multiple times and hashing what comes out.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/torus-labs/runproof/internal/evidence"
)

const ReportSchemaV1 = "runproof.nondeterminism_report.v1"

// ErrInvalidTrialCount is returned before any trial runs when fewer than two
// trials are requested. One trial cannot distinguish stable from unstable.
var ErrInvalidTrialCount = errors.New("sentinel: at least 2 trials are required")

// Regenerator produces one fresh rendition of the target into dir. The
// sentinel owns dir; the regenerator must write only inside it. trial is
// zero-based and carried for logging only, never for seeding.
type Regenerator interface {
	Regenerate(ctx context.Context, dir string, trial int) error
}

// RegeneratorFunc adapts a plain function to the Regenerator interface.
type RegeneratorFunc func(ctx context.Context, dir string, trial int) error

func (f RegeneratorFunc) Regenerate(ctx context.Context, dir string, trial int) error {
	return f(ctx, dir, trial)
}

// ArtifactStability records the distinct content hashes one artifact path
// took across trials. Stable means exactly one distinct hash was ever seen
// and the path appeared in every trial.
type ArtifactStability struct {
	Path    string   `json:"path"`
	Stable  bool     `json:"stable"`
	Trials  int      `json:"n_trials_present"`
	Hashes  []string `json:"distinct_sha256"`
	Missing []int    `json:"missing_in_trials,omitempty"`
}

// Report is the sentinel's verdict over all trials.
type Report struct {
	Schema    string              `json:"schema"`
	Target    string              `json:"target"`
	Trials    int                 `json:"n_trials"`
	Stable    bool                `json:"stable"`
	Unstable  []string            `json:"unstable_paths,omitempty"`
	Artifacts []ArtifactStability `json:"artifacts"`
}

// Hash digests the canonical report encoding.
func (r Report) Hash() (string, error) {
	return evidence.CanonicalSHA256(r)
}

// Options tunes a sentinel check.
type Options struct {
	// Exclude is passed through to evidence hashing for every trial tree.
	Exclude []string
	// Workers bounds concurrent trials. Zero means run trials sequentially.
	Workers int
}

// Sentinel runs repeated regeneration trials and compares the evidence each
// trial produces.
type Sentinel struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Sentinel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sentinel{logger: logger}
}

// Check regenerates target n times into isolated scratch directories and
// reports per-artifact stability. Trials never share a directory, so any
// instability observed comes from the pipeline itself.
func (s *Sentinel) Check(ctx context.Context, target string, n int, regen Regenerator, opts Options) (Report, error) {
	if n < 2 {
		return Report{}, ErrInvalidTrialCount
	}
	if regen == nil {
		return Report{}, errors.New("sentinel: regenerator is required")
	}

	scratch, err := os.MkdirTemp("", "runproof-sentinel-*")
	if err != nil {
		return Report{}, fmt.Errorf("create scratch root: %w", err)
	}
	defer os.RemoveAll(scratch)

	trialHashes := make([]map[string]string, n)

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	} else {
		g.SetLimit(1)
	}
	for trial := 0; trial < n; trial++ {
		dir := filepath.Join(scratch, fmt.Sprintf("trial-%03d", trial))
		g.Go(func() error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("trial %d: %w", trial, err)
			}
			if err := regen.Regenerate(gctx, dir, trial); err != nil {
				return fmt.Errorf("trial %d: regenerate: %w", trial, err)
			}
			m, err := evidence.Build(gctx, dir, evidence.BuildOptions{Exclude: opts.Exclude})
			if err != nil {
				return fmt.Errorf("trial %d: hash outputs: %w", trial, err)
			}
			if len(m.Files) == 0 {
				return fmt.Errorf("trial %d: pipeline produced no artifacts", trial)
			}
			trialHashes[trial] = m.HashMap()
			s.logger.Debug("sentinel trial complete", "target", target, "trial", trial, "n_files", len(m.Files))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{
		Schema: ReportSchemaV1,
		Target: target,
		Trials: n,
		Stable: true,
	}
	for _, p := range unionPaths(trialHashes) {
		stab := ArtifactStability{Path: p, Trials: 0}
		seen := make(map[string]struct{})
		for trial, hashes := range trialHashes {
			h, ok := hashes[p]
			if !ok {
				stab.Missing = append(stab.Missing, trial)
				continue
			}
			stab.Trials++
			if _, dup := seen[h]; !dup {
				seen[h] = struct{}{}
				stab.Hashes = append(stab.Hashes, h)
			}
		}
		sort.Strings(stab.Hashes)
		stab.Stable = len(stab.Hashes) == 1 && stab.Trials == n
		if !stab.Stable {
			report.Stable = false
			report.Unstable = append(report.Unstable, p)
		}
		report.Artifacts = append(report.Artifacts, stab)
	}

	s.logger.Info("sentinel check complete",
		"target", target,
		"n_trials", n,
		"stable", report.Stable,
		"n_unstable", len(report.Unstable),
	)
	return report, nil
}

func unionPaths(trials []map[string]string) []string {
	set := make(map[string]struct{})
	for _, hashes := range trials {
		for p := range hashes {
			set[p] = struct{}{}
		}
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
