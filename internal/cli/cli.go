// Package cli implements the runproof command-line surface.
//
// Exit codes are part of the contract: 0 means the check passed (verified,
// identical, stable), 1 means the check ran and found a problem, 2 means the
// invocation was invalid, 3 means the check could not run to completion.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/torus-labs/runproof/internal/authority"
	"github.com/torus-labs/runproof/internal/closure"
	"github.com/torus-labs/runproof/internal/evidence"
	"github.com/torus-labs/runproof/internal/forensic"
	"github.com/torus-labs/runproof/internal/packstore"
	"github.com/torus-labs/runproof/internal/platform/objectstore"
	"github.com/torus-labs/runproof/internal/policy"
	"github.com/torus-labs/runproof/internal/replay"
	"github.com/torus-labs/runproof/internal/report"
	"github.com/torus-labs/runproof/internal/sentinel"
)

const (
	ExitOK          = 0
	ExitCheckFailed = 1
	ExitUsage       = 2
	ExitOperational = 3
)

const usageText = `usage: runproof <command> [flags]

commands:
  seal      build and declare evidence for a run directory
  replay    verify a run directory against its declared evidence
  forensic  compare two runs and locate their first difference
  sentinel  regenerate a pipeline repeatedly and check output stability
  fetch     download a publication pack from object storage
`

// Run dispatches a CLI invocation and returns its exit code. Output goes to
// stdout, diagnostics to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return ExitUsage
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	switch args[0] {
	case "seal":
		return runSeal(ctx, args[1:], stdout, stderr, logger)
	case "replay":
		return runReplay(ctx, args[1:], stdout, stderr, logger)
	case "forensic":
		return runForensic(ctx, args[1:], stdout, stderr, logger)
	case "sentinel":
		return runSentinel(ctx, args[1:], stdout, stderr, logger)
	case "fetch":
		return runFetch(ctx, args[1:], stdout, stderr, logger)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usageText)
		return ExitOK
	default:
		fmt.Fprintf(stderr, "runproof: unknown command %q\n", args[0])
		fmt.Fprint(stderr, usageText)
		return ExitUsage
	}
}

func loadSpec(path string) (policy.Spec, error) {
	if strings.TrimSpace(path) == "" {
		return policy.Default(), nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return policy.Spec{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return policy.ParseSpec(blob)
}

func runSeal(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("runproof seal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	target := fs.String("target", "", "run directory to seal")
	bundlePath := fs.String("bundle", "", "execution authority bundle to embed (defaults to the built-in authority)")
	policyPath := fs.String("policy", "", "verification policy file (YAML)")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if strings.TrimSpace(*target) == "" {
		fmt.Fprintln(stderr, "runproof seal: -target is required")
		return ExitUsage
	}
	spec, err := loadSpec(*policyPath)
	if err != nil {
		fmt.Fprintf(stderr, "runproof seal: %v\n", err)
		return ExitUsage
	}

	bundle := authority.Default()
	if strings.TrimSpace(*bundlePath) != "" {
		bundle, err = authority.Load(*bundlePath)
		if err != nil {
			fmt.Fprintf(stderr, "runproof seal: %v\n", err)
			return ExitUsage
		}
	}

	dest := filepath.Join(*target, filepath.FromSlash(evidence.DefaultBundlePath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		fmt.Fprintf(stderr, "runproof seal: %v\n", err)
		return ExitOperational
	}
	if err := authority.Save(dest, bundle); err != nil {
		fmt.Fprintf(stderr, "runproof seal: %v\n", err)
		return ExitOperational
	}

	m, err := evidence.Build(ctx, *target, evidence.BuildOptions{Exclude: spec.Exclude, Workers: spec.Workers})
	if err != nil {
		fmt.Fprintf(stderr, "runproof seal: %v\n", err)
		return ExitOperational
	}
	if err := evidence.SaveManifest(*target, m, evidence.FormRun); err != nil {
		fmt.Fprintf(stderr, "runproof seal: %v\n", err)
		return ExitOperational
	}

	c, err := closure.Capture(bundle, closure.CurrentHost())
	if err != nil {
		fmt.Fprintf(stderr, "runproof seal: %v\n", err)
		return ExitOperational
	}
	if err := closure.Save(*target, c, evidence.FormRun); err != nil {
		fmt.Fprintf(stderr, "runproof seal: %v\n", err)
		return ExitOperational
	}

	fmt.Fprintf(stdout, "sealed %s: %d files, manifest %s\n", *target, len(m.Files), m.ManifestSHA256)
	return ExitOK
}

func runReplay(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("runproof replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	target := fs.String("target", "", "run or pack directory to verify")
	modeFlag := fs.String("mode", "strict", "closure mode: strict or relaxed")
	policyPath := fs.String("policy", "", "verification policy file (YAML)")
	writeReports := fs.Bool("reports", true, "write REPLAY_REPORT.json/.md into the target")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if strings.TrimSpace(*target) == "" {
		fmt.Fprintln(stderr, "runproof replay: -target is required")
		return ExitUsage
	}
	mode, err := closure.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(stderr, "runproof replay: %v\n", err)
		return ExitUsage
	}
	spec, err := loadSpec(*policyPath)
	if err != nil {
		fmt.Fprintf(stderr, "runproof replay: %v\n", err)
		return ExitUsage
	}

	rep, err := replay.New(logger, spec).Verify(ctx, *target, mode)
	if err != nil {
		fmt.Fprintf(stderr, "runproof replay: %v\n", err)
		return ExitOperational
	}
	if *writeReports {
		if err := report.WriteReplay(*target, rep); err != nil {
			fmt.Fprintf(stderr, "runproof replay: %v\n", err)
			return ExitOperational
		}
	}

	fmt.Fprintf(stdout, "%s %s (files: %d ok, %d mismatch, %d missing, %d extra; closure mismatches: %d)\n",
		rep.Verdict, *target, rep.FilesOK, rep.FilesMismatch, rep.FilesMissing, rep.FilesExtra, len(rep.ClosureMismatches))
	if rep.Verdict == replay.VerdictPass {
		return ExitOK
	}
	return ExitCheckFailed
}

func runForensic(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("runproof forensic", flag.ContinueOnError)
	fs.SetOutput(stderr)
	runA := fs.String("a", "", "first run directory")
	runB := fs.String("b", "", "second run directory")
	reportDir := fs.String("report-dir", "", "directory for FORENSIC_DELTA.json/.md (defaults to -a)")
	writeReports := fs.Bool("reports", true, "write FORENSIC_DELTA.json/.md")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if strings.TrimSpace(*runA) == "" || strings.TrimSpace(*runB) == "" {
		fmt.Fprintln(stderr, "runproof forensic: -a and -b are required")
		return ExitUsage
	}

	delta, err := forensic.NewComparator(logger).Compare(ctx, *runA, *runB)
	if err != nil {
		var incomparable *forensic.IncomparableRunError
		if errors.As(err, &incomparable) {
			fmt.Fprintf(stderr, "runproof forensic: %v\n", err)
			return ExitOperational
		}
		fmt.Fprintf(stderr, "runproof forensic: %v\n", err)
		return ExitUsage
	}
	if *writeReports {
		dir := strings.TrimSpace(*reportDir)
		if dir == "" {
			dir = *runA
		}
		if err := report.WriteForensic(dir, delta); err != nil {
			fmt.Fprintf(stderr, "runproof forensic: %v\n", err)
			return ExitOperational
		}
	}

	if delta.Identical {
		fmt.Fprintf(stdout, "IDENTICAL %s %s\n", *runA, *runB)
		return ExitOK
	}
	fd := delta.FirstDifference
	fmt.Fprintf(stdout, "DIFFERS %s %s: first difference %s %s (%s, class %s)\n",
		*runA, *runB, fd.Kind, fd.Key, fd.Status, fd.DivergenceClass)
	return ExitCheckFailed
}

func runSentinel(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("runproof sentinel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "label for the pipeline under test")
	trials := fs.Int("trials", 3, "number of regeneration trials (minimum 2)")
	reportDir := fs.String("report-dir", "", "directory for NONDETERMINISM_REPORT.json/.md")
	policyPath := fs.String("policy", "", "verification policy file (YAML)")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	command := fs.Args()
	if len(command) == 0 {
		fmt.Fprintln(stderr, "runproof sentinel: a regeneration command is required after the flags")
		return ExitUsage
	}
	label := strings.TrimSpace(*name)
	if label == "" {
		label = command[0]
	}
	spec, err := loadSpec(*policyPath)
	if err != nil {
		fmt.Fprintf(stderr, "runproof sentinel: %v\n", err)
		return ExitUsage
	}

	regen := &ExecRegenerator{Command: command}
	rep, err := sentinel.New(logger).Check(ctx, label, *trials, regen, sentinel.Options{Exclude: spec.Exclude})
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidTrialCount) {
			fmt.Fprintf(stderr, "runproof sentinel: %v\n", err)
			return ExitUsage
		}
		fmt.Fprintf(stderr, "runproof sentinel: %v\n", err)
		return ExitOperational
	}
	if dir := strings.TrimSpace(*reportDir); dir != "" {
		if err := report.WriteSentinel(dir, rep); err != nil {
			fmt.Fprintf(stderr, "runproof sentinel: %v\n", err)
			return ExitOperational
		}
	}

	if rep.Stable {
		fmt.Fprintf(stdout, "STABLE %s across %d trials\n", label, rep.Trials)
		return ExitOK
	}
	fmt.Fprintf(stdout, "UNSTABLE %s: %s\n", label, strings.Join(rep.Unstable, ", "))
	return ExitCheckFailed
}

func runFetch(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("runproof fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	packID := fs.String("pack", "", "pack id to download")
	dest := fs.String("dest", "", "destination directory")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if strings.TrimSpace(*packID) == "" || strings.TrimSpace(*dest) == "" {
		fmt.Fprintln(stderr, "runproof fetch: -pack and -dest are required")
		return ExitUsage
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "runproof fetch: %v\n", err)
		return ExitUsage
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		fmt.Fprintf(stderr, "runproof fetch: %v\n", err)
		return ExitOperational
	}
	fetcher, err := packstore.NewFetcher(packstore.MinIOClient{Client: client}, storeCfg.BucketPacks, logger)
	if err != nil {
		fmt.Fprintf(stderr, "runproof fetch: %v\n", err)
		return ExitOperational
	}
	n, err := fetcher.FetchPack(ctx, *packID, *dest)
	if err != nil {
		fmt.Fprintf(stderr, "runproof fetch: %v\n", err)
		return ExitOperational
	}

	fmt.Fprintf(stdout, "fetched %s: %d objects into %s\n", *packID, n, *dest)
	return ExitOK
}
